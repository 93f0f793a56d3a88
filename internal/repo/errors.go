package repo

import "errors"

// Общие ошибки репозиториев.
var (
	// ErrNotFound — запись не найдена в БД.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyComplete — build request уже завершён.
	ErrAlreadyComplete = errors.New("already complete")
)
