package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"riplx/internal/xumm"
)

type FailureKind string

const (
	FailureConfiguration  FailureKind = "configuration"
	FailureTransport      FailureKind = "transport"
	FailureOriginRejected FailureKind = "origin_rejected"
	FailureUnavailable    FailureKind = "unavailable"
	FailureCanceled       FailureKind = "canceled"
)

var (
	ErrNotConfigured   = errors.New("approval service is not configured")
	ErrNoRequestID     = errors.New("transport returned no request id")
	ErrNoPresentation  = errors.New("approval service returned neither a QR code nor a deep link")
	ErrOriginRejected  = errors.New("approval service rejected this origin")
	ErrMissingAccount  = errors.New("sign-in approved but no account was returned")
	ErrMissingArtifact = errors.New("transaction approved but no signed artifact was returned")
)

const (
	hintConfiguration = "set RIPLX_XUMM_API_KEY and RIPLX_XUMM_API_SECRET, or RIPLX_BROKER_URL for the polling transport"
	hintOrigin        = "add this origin to the allowed origins of the approval service API key"
	hintUnavailable   = "check the approval application settings; the user has no way to approve this request"
)

// Error is a classified handshake failure.
type Error struct {
	Kind FailureKind
	Op   string
	Hint string
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	if e.Hint != "" {
		msg += " (" + e.Hint + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the failure kind carried by err, or "" if err is not a
// classified handshake error.
func KindOf(err error) FailureKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func configError(op string, err error) *Error {
	return &Error{Kind: FailureConfiguration, Op: op, Hint: hintConfiguration, Err: err}
}

// classify maps a raw transport error onto the failure taxonomy.
func classify(op string, err error, logger *slog.Logger) *Error {
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: FailureCanceled, Op: op, Err: err}
	case errors.Is(err, ErrNotConfigured), errors.Is(err, xumm.ErrMissingCredentials):
		return configError(op, err)
	case errors.Is(err, ErrOriginRejected), xumm.IsOriginRejected(err):
		return &Error{Kind: FailureOriginRejected, Op: op, Hint: hintOrigin, Err: err}
	case looksLikeOriginBlock(err):
		logger.Warn("treating ambiguous approval service failure as origin rejection", "op", op, "error", err)
		return &Error{Kind: FailureOriginRejected, Op: op, Hint: hintOrigin, Err: fmt.Errorf("%w: %v", ErrOriginRejected, err)}
	case errors.Is(err, ErrNoPresentation):
		return &Error{Kind: FailureUnavailable, Op: op, Hint: hintUnavailable, Err: err}
	default:
		return &Error{Kind: FailureTransport, Op: op, Err: err}
	}
}

// looksLikeOriginBlock matches the two failure texts the wallet SDK produces
// when an origin is not allowed. It only applies when no structured error is
// available.
func looksLikeOriginBlock(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		msg := strings.TrimSpace(e.Error())
		if msg == "false" || strings.Contains(msg, "getSiteMeta") {
			return true
		}
	}
	return false
}
