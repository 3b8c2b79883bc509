package relay

import (
	"fmt"
	"time"
)

// TimeoutError is returned when the request did not complete within its budget.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("inference endpoint did not respond within %v", e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// StatusError is returned when the endpoint answered with a status other than 200.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("inference endpoint returned status %d: %s", e.StatusCode, e.Body)
}

// ConnectionError is returned when no response was received at all.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("unable to reach inference endpoint: %v", e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
