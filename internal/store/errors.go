package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var (
	// ErrUnavailable indicates the underlying database rejected or failed an operation.
	ErrUnavailable = errors.New("store: unavailable")
	// ErrNotFound indicates that a keyed entry does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrMutationNotPending indicates a queued CREATE already left the pending state and can no longer be patched.
	ErrMutationNotPending = errors.New("store: mutation is not pending")
	// ErrInvalidKey indicates an empty collection or key.
	ErrInvalidKey = errors.New("store: invalid key")
	// ErrEncode indicates a value could not be serialized for storage.
	ErrEncode = errors.New("store: value cannot be encoded")
)

// Error describes a failed store operation.
type Error struct {
	Op         string
	Collection string
	Err        error
}

func (e *Error) Error() string {
	if e.Collection == "" {
		return fmt.Sprintf("store.%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store.%s(%s): %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrapError(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var storeErr *Error
	if errors.As(err, &storeErr) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = ErrNotFound
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMutationNotPending), errors.Is(err, ErrInvalidKey),
		errors.Is(err, ErrEncode):
	default:
		err = fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return &Error{Op: op, Collection: collection, Err: err}
}

func encodeError(err error) error {
	return fmt.Errorf("%w: %w", ErrEncode, err)
}
