package remote

import (
	"errors"
	"fmt"
	"net/http"
)

// TransientError is a failure worth retrying: network errors, timeouts, 5xx, 408 and 429.
type TransientError struct {
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("remote: transient failure: %v", e.Err)
	}
	return fmt.Sprintf("remote: transient failure: status %d: %v", e.StatusCode, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ValidationError is a request the backend rejected outright; resending it unchanged cannot succeed.
type ValidationError struct {
	StatusCode int
	Body       string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("remote: request rejected: status %d: %s", e.StatusCode, e.Body)
}

// IsPermanent reports whether err should stop retries.
func IsPermanent(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}

func classifyStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	snippet := string(body)
	if len(snippet) > 512 {
		snippet = snippet[:512]
	}
	switch {
	case statusCode == http.StatusRequestTimeout, statusCode == http.StatusTooManyRequests, statusCode >= 500:
		return &TransientError{StatusCode: statusCode, Err: errors.New(http.StatusText(statusCode))}
	case statusCode >= 400:
		return &ValidationError{StatusCode: statusCode, Body: snippet}
	default:
		return &TransientError{StatusCode: statusCode, Err: fmt.Errorf("unexpected status %d", statusCode)}
	}
}
