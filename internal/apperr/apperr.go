package apperr

import (
	"context"
	"errors"
	"fmt"
)

type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindNotFound
	KindInvalidTransition
	KindAlreadyTaken
	KindRateLimited
	KindTimeout
	KindBadRequest
)

var kindNames = map[Kind]string{
	KindInternal:          "internal",
	KindUnauthenticated:   "unauthenticated",
	KindForbidden:         "forbidden",
	KindNotFound:          "not_found",
	KindInvalidTransition: "invalid_transition",
	KindAlreadyTaken:      "already_taken",
	KindRateLimited:       "rate_limited",
	KindTimeout:           "timeout",
	KindBadRequest:        "bad_request",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Sentinels for errors.Is. An *Error matches the sentinel of its kind;
// AlreadyTaken additionally matches ErrInvalidTransition.
var (
	ErrInternal          = &Error{Kind: KindInternal, Msg: "internal error"}
	ErrUnauthenticated   = &Error{Kind: KindUnauthenticated, Msg: "not authenticated"}
	ErrForbidden         = &Error{Kind: KindForbidden, Msg: "forbidden"}
	ErrNotFound          = &Error{Kind: KindNotFound, Msg: "not found"}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Msg: "invalid transition"}
	ErrAlreadyTaken      = &Error{Kind: KindAlreadyTaken, Msg: "ride no longer available"}
	ErrRateLimited       = &Error{Kind: KindRateLimited, Msg: "too many connections"}
	ErrTimeout           = &Error{Kind: KindTimeout, Msg: "downstream timeout"}
	ErrBadRequest        = &Error{Kind: KindBadRequest, Msg: "bad request"}
)

type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind == e.Kind {
		return true
	}
	return e.Kind == KindAlreadyTaken && t.Kind == KindInvalidTransition
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func InvalidTransition(format string, args ...any) *Error {
	return New(KindInvalidTransition, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func BadRequest(format string, args ...any) *Error {
	return New(KindBadRequest, format, args...)
}

// KindOf classifies any error. Context deadlines become Timeout; anything
// unrecognised is Internal.
func KindOf(err error) Kind {
	if err == nil {
		return KindInternal
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// FromStore maps a persistence failure onto the taxonomy.
func FromStore(err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, err, "store timeout")
	}
	return Wrap(KindInternal, err, "store error")
}

// Public returns the message safe to show to the caller.
func Public(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindInternal {
			return ErrInternal.Msg
		}
		if e.Kind == KindTimeout {
			return ErrTimeout.Msg
		}
		return e.Msg
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout.Msg
	}
	return ErrInternal.Msg
}
