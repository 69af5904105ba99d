// Package autherr defines the error taxonomy for the authentication core.
// Callers branch on Kind, never on message text. Everything in the
// authentication-failure family collapses to one client-facing message so
// the response does not reveal which check failed.
package autherr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an authentication-core failure.
type Kind int

const (
	KindUnknown Kind = iota
	// KindAuthenticationFailure covers missing, malformed, expired and
	// invalid-signature credentials.
	KindAuthenticationFailure
	// KindTokenRevoked is distinct internally but identical to
	// KindAuthenticationFailure on the wire.
	KindTokenRevoked
	KindProviderNotConfigured
	KindProviderExchangeFailed
	KindAssertionInvalid
	// KindEncryptionFailure means a bad tag or wrong key on decrypt. Always
	// fatal, never retried.
	KindEncryptionFailure
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticationFailure:
		return "authentication_failure"
	case KindTokenRevoked:
		return "token_revoked"
	case KindProviderNotConfigured:
		return "provider_not_configured"
	case KindProviderExchangeFailed:
		return "provider_exchange_failed"
	case KindAssertionInvalid:
		return "assertion_invalid"
	case KindEncryptionFailure:
		return "encryption_failure"
	default:
		return "unknown"
	}
}

// Error is a classified authentication-core error.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindUnknown.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// HTTPStatus maps a failure class to a response status. All credential
// failures are 401; provider/network failures are 5xx-class with the cause
// kept server-side.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindAuthenticationFailure, KindTokenRevoked, KindAssertionInvalid:
		return http.StatusUnauthorized
	case KindProviderNotConfigured:
		return http.StatusNotFound
	case KindProviderExchangeFailed:
		return http.StatusBadGateway
	case KindEncryptionFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// clientMessage returns the uniform client-facing text for a failure class.
// 401-class responses share one message regardless of which check failed.
func clientMessage(err error) string {
	switch KindOf(err) {
	case KindAuthenticationFailure, KindTokenRevoked, KindAssertionInvalid:
		return "authentication failed"
	case KindProviderNotConfigured:
		return "provider not configured for tenant"
	case KindProviderExchangeFailed:
		return "identity provider request failed"
	default:
		return "internal error"
	}
}

// WriteJSON writes the client-facing representation of err. Internal detail
// never reaches the response body.
func WriteJSON(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": clientMessage(err),
	})
}
