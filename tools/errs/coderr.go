package errs

import (
	"errors"
	"strings"
)

// CodeError is the error type every client-visible rejection is translated
// into. Code is the wire-level error code; Detail carries server-side context
// that is logged but never sent to the client.
type CodeError struct {
	Code   string `json:"code"`
	Msg    string `json:"msg"`
	Detail string `json:"detail,omitempty"`
}

func NewCodeError(code, msg string) *CodeError {
	return &CodeError{Code: code, Msg: msg}
}

// Gateway error taxonomy. Collaborator failures are always mapped onto one of
// these at the pipeline boundary; raw errors never reach the client.
var (
	ErrAuthFailed        = NewCodeError("AUTH_FAILED", "authentication failed")
	ErrRateLimited       = NewCodeError("RATE_LIMITED", "rate limit exceeded")
	ErrNotInRoom         = NewCodeError("NOT_IN_ROOM", "session has not joined the room")
	ErrRoomNotFound      = NewCodeError("ROOM_NOT_FOUND", "room not found")
	ErrContentRejected   = NewCodeError("CONTENT_REJECTED", "content rejected by moderation")
	ErrPersistFailed     = NewCodeError("PERSIST_FAILED", "message could not be persisted")
	ErrDeliveryTimeout   = NewCodeError("DELIVERY_TIMEOUT", "delivery not acknowledged in time")
	ErrBridgeUnavailable = NewCodeError("BRIDGE_UNAVAILABLE", "cross-node fan-out unavailable")
	ErrBadFrame          = NewCodeError("BAD_FRAME", "malformed frame")
	ErrSyncFailed        = NewCodeError("SYNC_FAILED", "backfill fetch failed")
)

func (e *CodeError) Error() string {
	v := make([]string, 0, 3)
	v = append(v, e.Code, e.Msg)
	if e.Detail != "" {
		v = append(v, e.Detail)
	}
	return strings.Join(v, " ")
}

// WithDetail returns a copy carrying extra context; the original sentinel is
// never mutated.
func (e *CodeError) WithDetail(detail string) *CodeError {
	d := detail
	if e.Detail != "" {
		d = e.Detail + ", " + detail
	}
	return &CodeError{Code: e.Code, Msg: e.Msg, Detail: d}
}

// WrapErr attaches an underlying error's text as detail.
func (e *CodeError) WrapErr(err error) *CodeError {
	if err == nil {
		return e
	}
	return e.WithDetail(err.Error())
}

// Is matches by code so sentinels compare equal to detailed copies.
func (e *CodeError) Is(err error) bool {
	var ce *CodeError
	if !errors.As(err, &ce) {
		return false
	}
	return e.Code == ce.Code
}

// CodeOf extracts the wire code from any error, falling back to INTERNAL.
func CodeOf(err error) string {
	var ce *CodeError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return "INTERNAL"
}
