package app

import (
	"errors"
	"fmt"

	"github.com/transfa/bridge-service/internal/domain"
)

// Kind classifies a service error for the transport layer.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindAuth
	KindForbidden
	KindRemoteRejected
	KindRemoteUnavailable
	KindRemoteAmbiguous
	KindCompensationFailed
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAuth:
		return "auth"
	case KindForbidden:
		return "forbidden"
	case KindRemoteRejected:
		return "remote_rejected"
	case KindRemoteUnavailable:
		return "remote_unavailable"
	case KindRemoteAmbiguous:
		return "remote_ambiguous"
	case KindCompensationFailed:
		return "compensation_failed"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Error is the typed error returned by the orchestrator and the directory.
type Error struct {
	Kind    Kind
	Message string
	Err     error
	// Code is an optional machine-readable reason within the kind.
	Code string
	// Transfer is set when the failure concerns a persisted transfer.
	Transfer *domain.Transfer
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Login reason codes.
const (
	CodeInvalidCredentials  = "invalid_credentials"
	CodeDeviceNotAuthorized = "device_not_authorized"
	CodeLocationMismatch    = "location_mismatch"
)

func codedError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func transferError(kind Kind, message string, t *domain.Transfer) *Error {
	return &Error{Kind: kind, Message: message, Transfer: t}
}

// KindOf returns the Kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}
