package speech

import (
	"errors"
	"fmt"
)

// ErrUnknownMode is returned for a mode without a registered engine.
var ErrUnknownMode = errors.New("unknown tts mode")

// NetworkError reports a speech request that never got an answer: the
// connection failed, the body could not be read or the fetch timed out.
type NetworkError struct {
	Op      string
	Timeout bool
	Err     error
}

func (e *NetworkError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("speech %s timed out: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("speech %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServiceError is a non-2xx answer from the speech service. 5xx answers are
// retryable, everything else is not.
type ServiceError struct {
	Op        string
	Status    int
	Body      string
	Retryable bool
}

func (e *ServiceError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("speech %s: http %d", e.Op, e.Status)
	}
	return fmt.Sprintf("speech %s: http %d: %s", e.Op, e.Status, e.Body)
}

// StatusCode lets retrylimit classify the error.
func (e *ServiceError) StatusCode() int { return e.Status }

func newServiceError(op string, status int, body []byte) *ServiceError {
	return &ServiceError{
		Op:        op,
		Status:    status,
		Body:      truncate(string(body), 200),
		Retryable: status >= 500 && status < 600,
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
