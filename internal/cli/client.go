package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Ответы API. CLI не импортирует internal/api, поэтому типы повторяются.

// SchedulerResponse — scheduler из API.
type SchedulerResponse struct {
	Name      string     `json:"name"`
	Kind      string     `json:"kind"`
	Builders  []string   `json:"builders"`
	Enabled   bool       `json:"enabled"`
	LastBuild *time.Time `json:"last_build,omitempty"`
	NextBuild *time.Time `json:"next_build,omitempty"`
	Pending   int        `json:"pending,omitempty"`
}

// CancellerResponse — состояние canceller из API.
type CancellerResponse struct {
	Name          string `json:"name"`
	Tracked       int    `json:"tracked"`
	Builders      int    `json:"builders"`
	Reconfiguring bool   `json:"reconfiguring"`
	Deferred      int    `json:"deferred,omitempty"`
}

// BuildRequestResponse — build request из API.
type BuildRequestResponse struct {
	ID          int64      `json:"id"`
	BuildsetID  int64      `json:"buildset_id"`
	BuilderName string     `json:"builder_name"`
	Complete    bool       `json:"complete"`
	Results     string     `json:"results,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// APIError — ответ master с ошибкой.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.Status)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound сообщает, что master ответил 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// envelope — {"data": ..., "total": ...}; total есть только у списков.
type envelope[T any] struct {
	Data  T   `json:"data"`
	Total int `json:"total"`
}

// Client — HTTP-клиент API master.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ListSchedulers возвращает все schedulers master.
func (c *Client) ListSchedulers(ctx context.Context) ([]SchedulerResponse, error) {
	return call[[]SchedulerResponse](ctx, c, http.MethodGet, "/api/v1/schedulers", nil)
}

// GetScheduler возвращает scheduler по имени.
func (c *Client) GetScheduler(ctx context.Context, name string) (*SchedulerResponse, error) {
	s, err := call[SchedulerResponse](ctx, c, http.MethodGet, "/api/v1/schedulers/"+url.PathEscape(name), nil)
	return &s, err
}

// SetSchedulerEnabled включает или выключает timed scheduler.
func (c *Client) SetSchedulerEnabled(ctx context.Context, name string, enabled bool) (*SchedulerResponse, error) {
	path := "/api/v1/schedulers/" + url.PathEscape(name) + "/enabled"
	s, err := call[SchedulerResponse](ctx, c, http.MethodPut, path, map[string]bool{"enabled": enabled})
	return &s, err
}

// GetCanceller возвращает состояние canceller.
func (c *Client) GetCanceller(ctx context.Context) (*CancellerResponse, error) {
	cr, err := call[CancellerResponse](ctx, c, http.MethodGet, "/api/v1/canceller", nil)
	return &cr, err
}

// GetBuildRequest возвращает build request по ID.
func (c *Client) GetBuildRequest(ctx context.Context, id int64) (*BuildRequestResponse, error) {
	br, err := call[BuildRequestResponse](ctx, c, http.MethodGet, "/api/v1/buildrequests/"+strconv.FormatInt(id, 10), nil)
	return &br, err
}

// call выполняет запрос и раскрывает поле data ответа.
func call[T any](ctx context.Context, c *Client, method, path string, body any) (T, error) {
	var zero T

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return zero, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return zero, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return zero, decodeAPIError(resp)
	}

	var env envelope[T]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return zero, fmt.Errorf("decode response: %w", err)
	}
	return env.Data, nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.NewDecoder(resp.Body).Decode(&body) == nil {
		apiErr.Code = body.Error.Code
		apiErr.Message = body.Error.Message
	}
	return apiErr
}
