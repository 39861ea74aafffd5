package domain

import (
	"errors"
	"fmt"

	"github.com/weiawesome/market-chat/internal/docstore"
)

// Error kinds. Match with errors.Is.
var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNetwork          = errors.New("network error")
	ErrPartialWrite     = errors.New("partial write failure")
)

// Error carries the failing operation and its cause alongside the kind.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Op != "":
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	default:
		return e.Kind.Error()
	}
}

// Is matches the kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind
}

// Unwrap returns the cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error.
func E(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid builds an InvalidInput error with a message.
func Invalid(op, msg string) error {
	return &Error{Kind: ErrInvalidInput, Op: op, Err: errors.New(msg)}
}

// KindOf returns the kind of err, or nil if it is not one of ours.
func KindOf(err error) error {
	for _, k := range []error{ErrInvalidInput, ErrNotFound, ErrPermissionDenied, ErrNetwork, ErrPartialWrite} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// FromStore wraps a document store failure in the matching kind. Unknown
// failures are reported as network errors. Errors that already carry a
// kind pass through.
func FromStore(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case KindOf(err) != nil:
		return err
	case errors.Is(err, docstore.ErrNotFound):
		return E(ErrNotFound, op, err)
	case errors.Is(err, docstore.ErrPermissionDenied):
		return E(ErrPermissionDenied, op, err)
	case errors.Is(err, docstore.ErrInvalidArgument):
		return E(ErrInvalidInput, op, err)
	default:
		return E(ErrNetwork, op, err)
	}
}
