package api

import (
	"errors"
	"fmt"
)

// StatusError is a non-success upstream response with its error body.
type StatusError struct {
	Code int
	Body []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned %d: %s", e.Code, truncateBody(e.Body))
}

// DecodeError wraps a response body that did not match the expected schema.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return "decode upstream response: " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// IsStatus reports whether err is an upstream rejection with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

func truncateBody(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
