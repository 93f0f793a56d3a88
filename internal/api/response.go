package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shaiso/Conveyor/internal/repo"
	"github.com/shaiso/Conveyor/internal/scheduler"
)

// ErrorCode — машинно-читаемый код ошибки API.
type ErrorCode string

const (
	ErrCodeBadRequest    ErrorCode = "BAD_REQUEST"
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeConflict      ErrorCode = "CONFLICT"
	ErrCodeInvalidState  ErrorCode = "INVALID_STATE"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse — тело ответа с ошибкой: {"error": {"code", "message"}}.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// DataResponse — тело успешного ответа.
type DataResponse struct {
	Data any `json:"data"`
}

// ListResponse — тело ответа со списком и числом элементов.
type ListResponse struct {
	Data  any `json:"data"`
	Total int `json:"total"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// заголовки уже отправлены, клиент увидит обрезанный ответ
		slog.Default().Debug("failed to encode response", "error", err)
	}
}

// Success отвечает 200 с данными.
func Success(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, DataResponse{Data: data})
}

// List отвечает 200 со списком.
func List[T any](w http.ResponseWriter, items []T) {
	if items == nil {
		items = []T{}
	}
	writeJSON(w, http.StatusOK, ListResponse{Data: items, Total: len(items)})
}

// Error отвечает ошибкой с кодом.
func Error(w http.ResponseWriter, status int, code ErrorCode, message string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorDetail{Code: code, Message: message}})
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// InternalError логирует err и отвечает 500 без подробностей.
func InternalError(w http.ResponseWriter, logger *slog.Logger, err error) {
	logger.Error("internal error", "error", err)
	Error(w, http.StatusInternalServerError, ErrCodeInternalError, "internal server error")
}

// errorMappings сопоставляет доменные ошибки ответам API.
// Первое совпадение по errors.Is выигрывает.
var errorMappings = []struct {
	target error
	status int
	code   ErrorCode
}{
	{scheduler.ErrSchedulerNotFound, http.StatusNotFound, ErrCodeNotFound},
	{repo.ErrNotFound, http.StatusNotFound, ErrCodeNotFound},
	{scheduler.ErrNotTimed, http.StatusUnprocessableEntity, ErrCodeInvalidState},
	{scheduler.ErrNotStarted, http.StatusConflict, ErrCodeConflict},
	{repo.ErrAlreadyComplete, http.StatusConflict, ErrCodeConflict},
}

// HandleError отвечает на ошибку сервиса и сообщает, был ли ответ записан.
// Неизвестные ошибки дают 500.
func HandleError(w http.ResponseWriter, logger *slog.Logger, err error) bool {
	if err == nil {
		return false
	}
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			Error(w, m.status, m.code, err.Error())
			return true
		}
	}
	InternalError(w, logger, err)
	return true
}
