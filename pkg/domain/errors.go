package domain

import (
	"errors"
	"fmt"
)

// Kind classifies relay failures. Every kind is terminal only for the
// offending socket.
type Kind int

const (
	KindAuth Kind = iota + 1
	KindPermission
	KindResolution
	KindTimeout
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindPermission:
		return "permission"
	case KindResolution:
		return "resolution"
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Wire codes written into rejection frames.
const (
	CodeMissingField       = "missing_field"
	CodeInvalidToken       = "invalid_token"
	CodeInactiveToken      = "inactive_token"
	CodeMachineMismatch    = "machine_mismatch"
	CodeDuplicateSession   = "duplicate_session"
	CodeUnauthorized       = "unauthorized"
	CodePermissionDenied   = "permission_denied"
	CodeUnknownDomain      = "unknown_domain"
	CodeUnknownApplication = "unknown_application"
	CodeServerOffline      = "server_offline"
	CodeRequestTimeout     = "request_timeout"
	CodeLivenessTimeout    = "liveness_timeout"
	CodeDemandDecay        = "demand_decay"
	CodeMalformedFrame     = "malformed_frame"
	CodeRateLimited        = "rate_limited"
)

// Sentinels matched by errors.Is against any *Error of the same kind.
var (
	ErrAuth       = errors.New("authentication failed")
	ErrPermission = errors.New("permission denied")
	ErrResolution = errors.New("resolution failed")
	ErrTimeout    = errors.New("timed out")
	ErrProtocol   = errors.New("protocol error")
)

// Error is a coded relay failure.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.Kind == KindAuth
	case ErrPermission:
		return e.Kind == KindPermission
	case ErrResolution:
		return e.Kind == KindResolution
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrProtocol:
		return e.Kind == KindProtocol
	}
	return false
}

func AuthError(code, message string) *Error {
	return &Error{Kind: KindAuth, Code: code, Message: message}
}

func PermissionError(code, message string) *Error {
	return &Error{Kind: KindPermission, Code: code, Message: message}
}

func ResolutionError(code, message string) *Error {
	return &Error{Kind: KindResolution, Code: code, Message: message}
}

func TimeoutError(code, message string) *Error {
	return &Error{Kind: KindTimeout, Code: code, Message: message}
}

// ProtocolError wraps a decoding failure.
func ProtocolError(message string, err error) *Error {
	return &Error{Kind: KindProtocol, Code: CodeMalformedFrame, Message: message, Err: err}
}

// CodeOf returns the wire code carried by err, or "" if err is not a relay error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// IsPermission reports whether err is a grant denial.
func IsPermission(err error) bool { return errors.Is(err, ErrPermission) }

// IsResolution reports whether err is an unresolvable target.
func IsResolution(err error) bool { return errors.Is(err, ErrResolution) }

// IsTimeout reports whether err is a relay timeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsProtocol reports whether err is a malformed frame or payload.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }
