package trigger

import "errors"

// ErrUnknownScheduler — имя не соответствует triggerable scheduler.
var ErrUnknownScheduler = errors.New("unknown triggerable scheduler")
