package types

import "fmt"

// ValidationError reports a malformed request or a dataset whose shape does
// not match the request. Field names the offending request field, if any.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func ValidationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// Permanent marks validation failures as not worth retrying.
func (e *ValidationError) Permanent() bool {
	return true
}
