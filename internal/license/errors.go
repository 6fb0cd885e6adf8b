package license

import "errors"

var ErrNotFound = errors.New("not found")

// ValidationError is a user-facing rejection of a write. Its message is safe
// to show to the person who made the request.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func validationError(message string) error {
	return &ValidationError{Message: message}
}

// IsValidation reports whether err is, or wraps, a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
