package records

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound reports a write addressed to a record that exists neither locally nor remotely.
	ErrNotFound = errors.New("records: record not found")

	errMissingStore   = errors.New("store is required")
	errMissingTempIDs = errors.New("temp id service is required")
	errMissingFamily  = errors.New("family is required")
	errDirectOffline  = errors.New("direct mode requires connectivity")
)

// ServiceError carries a stable code of the form operation.reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}
