package classification

import (
	"errors"
	"fmt"
)

// Kind classifies why a classification did not produce a result.
type Kind string

const (
	KindUnknown      Kind = ""
	KindMissingInput Kind = "missing_input"
	KindSpawn        Kind = "spawn_failed"
	KindEngineExit   Kind = "engine_exit"
	KindTimeout      Kind = "timeout"
	KindCanceled     Kind = "canceled"
	KindInternal     Kind = "internal"
)

// ErrMissingInput is returned when no image reference was supplied.
var ErrMissingInput = errors.New("no image reference supplied")

// Error is the failure half of a classification outcome. Stderr is kept for
// server-side diagnostics only and is never part of Error().
type Error struct {
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Kind == KindEngineExit:
		return fmt.Sprintf("classification %s: exit status %d", e.Kind, e.ExitCode)
	case e.Err != nil:
		return fmt.Sprintf("classification %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("classification %s", e.Kind)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the Kind carried by err, or KindUnknown.
func KindOf(err error) Kind {
	var cErr *Error
	if errors.As(err, &cErr) {
		return cErr.Kind
	}
	return KindUnknown
}
