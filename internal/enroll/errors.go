package enroll

import (
	"errors"
	"fmt"

	"github.com/wendylabs/wendy/internal/pki"
)

// Validation failures. A ValidationError wraps exactly one of these.
var (
	ErrPublicKeyMismatch      = errors.New("certificate public key does not match the private key")
	ErrCertificateNotYetValid = errors.New("certificate is not valid yet")
	ErrCertificateExpired     = errors.New("certificate is not valid anymore")
	ErrIdentityMismatch       = errors.New("certificate does not carry the requested identity")
	ErrBrokenChain            = errors.New("certificate chain links do not verify")
	ErrMalformedChain         = errors.New("certificate chain could not be parsed")
	ErrEmptyChain             = pki.ErrEmptyChain
)

// State machine failures.
var (
	ErrNotEnrolled       = errors.New("identity is not enrolled")
	ErrExchangeInFlight  = errors.New("an enrollment exchange is already in progress")
	ErrAlreadyEnrolled   = errors.New("enrollment already completed")
	ErrInvalidTransition = errors.New("invalid enrollment state transition")
)

// ValidationError reports an issued certificate that failed local checks.
// Such certificates are never persisted.
type ValidationError struct {
	Reason error
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("certificate validation failed: %v", e.Reason)
	}
	return fmt.Sprintf("certificate validation failed: %v (%s)", e.Reason, e.Detail)
}

func (e *ValidationError) Unwrap() error {
	return e.Reason
}

// ServerError is an explicit refusal returned by the issuer.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("server rejected request: %s", e.Message)
	}
	return fmt.Sprintf("server rejected request (%s): %s", e.Code, e.Message)
}

// UserMessage returns the text to show a human: the server's message
// verbatim, or the specific validation reason.
func UserMessage(err error) string {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Message
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Reason.Error()
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
