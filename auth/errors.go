package auth

import (
	"errors"

	"github.com/pulsefit/authkit/identity"
)

// ErrOperationInFlight is returned when an operation of the same kind is
// already running. State is left untouched; the first call wins.
var ErrOperationInFlight = errors.New("operation already in flight")

// ErrorKind classifies an operation failure for callers that branch on
// more than the user-facing text.
type ErrorKind string

const (
	// KindCredential covers rejected credentials and invalid tokens.
	KindCredential ErrorKind = "credential"
	// KindService covers unreachable or erroring identity service calls.
	KindService ErrorKind = "service"
	// KindValidation covers input rejected before any service call.
	KindValidation ErrorKind = "validation"
	// KindConflict covers already-registered identities.
	KindConflict ErrorKind = "conflict"
)

// Error is an operation failure: a machine-readable kind plus the fixed
// user-facing message forms display verbatim.
type Error struct {
	Kind    ErrorKind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// The fixed per-operation messages surfaced to the UI.
const (
	msgInvalidCredentials = "Invalid credentials"
	msgRegistrationFailed = "Registration failed"
	msgResetFailed        = "Failed to send reset email"
	msgGoogleLoginFailed  = "Google login failed"
	msgVerifyFailed       = "Email verification failed"
	msgProfileFailed      = "Profile update failed"
	msgPasswordFailed     = "Password change failed"
	msgPasswordMismatch   = "Passwords do not match"
	msgPasswordTooWeak    = "Password does not meet requirements"
)

// classify maps an identity-service error onto an Error carrying the
// operation's fixed message. Credential and network failures deliberately
// share the same text; only Kind distinguishes them.
func classify(err error, message string) *Error {
	kind := KindService
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials), errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrUserNotFound):
		kind = KindCredential
	case errors.Is(err, identity.ErrUserExists):
		kind = KindConflict
	}
	return &Error{Kind: kind, Message: message, cause: err}
}

func validationError(message string, cause error) *Error {
	return &Error{Kind: KindValidation, Message: message, cause: cause}
}
