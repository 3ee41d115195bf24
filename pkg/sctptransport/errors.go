package sctptransport

import (
	"errors"
	"fmt"
)

var (
	// ErrNotAttached возвращается изменяющими вызовами после Clear.
	ErrNotAttached = errors.New("transport is not attached")

	// ErrInvalidObserverState: повторная регистрация наблюдателя или отписка без подписки.
	ErrInvalidObserverState = errors.New("invalid observer state")

	// ErrWrongContext: изменяющий вызов пришел не из контекста-владельца.
	ErrWrongContext = errors.New("call outside of owner context")

	// ErrEngineRejected сопоставляется с любой *EngineError.
	ErrEngineRejected = errors.New("engine rejected request")

	// ErrLoopStopped: контекст-владелец уже остановлен.
	ErrLoopStopped = errors.New("owner loop is stopped")
)

// EngineError переносит отказ движка без изменения исходной причины.
type EngineError struct {
	Op        string
	ChannelID int
	Err       error
}

func (e *EngineError) Error() string {
	if e.ChannelID < 0 {
		return fmt.Sprintf("engine rejected %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("engine rejected %s on channel %d: %v", e.Op, e.ChannelID, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

func (e *EngineError) Is(target error) bool { return target == ErrEngineRejected }

func engineError(op string, channelID int, err error) error {
	if err == nil {
		return nil
	}
	return &EngineError{Op: op, ChannelID: channelID, Err: err}
}
