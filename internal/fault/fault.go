// Package fault defines the error taxonomy shared by the orchestration engine.
//
// Every error produced at a component boundary is a *Error carrying one of the
// sentinel kinds below, so callers branch with errors.Is rather than string
// matching:
//
//	if errors.Is(err, fault.ErrValidation) { ... }
package fault

import (
	"errors"
	"fmt"
)

// Error kinds.
var (
	ErrProvisioning = errors.New("provisioning failed")
	ErrCapability   = errors.New("capability failed")
	ErrValidation   = errors.New("validation failed")
	ErrRepository   = errors.New("repository precondition failed")
	ErrTimeout      = errors.New("deadline exceeded")
	ErrInterrupted  = errors.New("interrupted")
	ErrStorage      = errors.New("storage failure")
	ErrNotFound     = errors.New("not found")
)

var kinds = []error{
	ErrProvisioning,
	ErrCapability,
	ErrValidation,
	ErrRepository,
	ErrTimeout,
	ErrInterrupted,
	ErrStorage,
	ErrNotFound,
}

// Error is a classified failure of the operation Op.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New classifies err under kind for operation op.
func New(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf classifies a formatted message under kind.
func Newf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the first taxonomy kind err matches, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// Is reports whether err carries kind. Shorthand for errors.Is.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
