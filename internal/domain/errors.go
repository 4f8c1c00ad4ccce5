package domain

import "fmt"

// ValidationError reports a rejected state change or malformed input.
// It maps to a 400/422 at the API boundary.
type ValidationError struct {
	Msg string
}

func (e ValidationError) Error() string { return e.Msg }

func Validationf(format string, args ...any) error {
	return ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IntegrationError wraps a failure of an external tool, usually git.
type IntegrationError struct {
	Op  string
	Err error
}

func (e IntegrationError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e IntegrationError) Unwrap() error { return e.Err }
