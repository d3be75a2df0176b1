package models

import (
	"errors"
	"fmt"
)

// The session boundary normalizes every failure into one of these kinds.
// Nothing else escapes into the view layer.
var (
	// ErrAuthRequired means the operation needs a session that does not
	// exist. Callers open the login prompt instead of showing an error.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNetwork covers transport failures and responses that could not be
	// interpreted. Timeouts are treated the same way.
	ErrNetwork = errors.New("network failure")

	// ErrPaymentVerification means the purchase verification step failed
	// after the payment collaborator reported completion.
	ErrPaymentVerification = errors.New("payment verification failed")
)

// ValidationError reports malformed input caught before any network call.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// BackendError is a well-formed backend response with success=false.
// Message is the backend-provided, user-facing text.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return "backend rejected the request"
	}
	return fmt.Sprintf("backend rejected the request: %s", e.Message)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// BackendMessage extracts the backend-provided message from err, if any.
func BackendMessage(err error) (string, bool) {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Message, true
	}
	return "", false
}
