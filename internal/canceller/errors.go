package canceller

import "errors"

// Ошибки canceller.
var (
	// ErrIndexCorrupted — нарушен инвариант индекса: build request
	// отсутствует в корзине одного из своих ключей.
	ErrIndexCorrupted = errors.New("branch activity index corrupted")

	// ErrAlreadyTracked — build request уже отслеживается.
	ErrAlreadyTracked = errors.New("build request already tracked")

	// ErrCancellerStopped — canceller остановлен.
	ErrCancellerStopped = errors.New("canceller stopped")

	// ErrUnknownBranchKey — неизвестная стратегия ключа ветки.
	ErrUnknownBranchKey = errors.New("unknown branch key strategy")
)
