package task

import (
	"errors"
	"fmt"
)

// Kind classifies task errors.
type Kind string

const (
	KindInvalidRequest    Kind = "invalid_request"
	KindSourceUnavailable Kind = "source_unavailable"
	KindSourceInvalid     Kind = "source_invalid"
	KindFetchFailed       Kind = "fetch_failed"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindNotFound          Kind = "not_found"
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its kind.
var (
	ErrInvalidRequest    = &Error{Kind: KindInvalidRequest, Message: "The request is invalid."}
	ErrSourceUnavailable = &Error{Kind: KindSourceUnavailable, Message: "The video is unavailable or blocked in this region."}
	ErrSourceInvalid     = &Error{Kind: KindSourceInvalid, Message: "The video cannot be trimmed."}
	ErrFetchFailed       = &Error{Kind: KindFetchFailed, Message: "Failed to trim the video. Check video availability and try again."}
	ErrTimeout           = &Error{Kind: KindTimeout, Message: "Processing took too long. Try a shorter range or a lower quality."}
	ErrCancelled         = &Error{Kind: KindCancelled, Message: "The task was cancelled."}
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "Task not found."}
)

// Error is a classified task error. Message is meant for display; Err keeps
// the underlying cause for logs.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// NewError builds an error of the given kind with the kind's default message.
func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Message: defaultMessage(kind), Err: err}
}

func invalidf(format string, args ...any) *Error {
	msg := fmt.Sprintf(format, args...)
	return &Error{Kind: KindInvalidRequest, Message: msg, Err: errors.New(msg)}
}

func defaultMessage(kind Kind) string {
	switch kind {
	case KindInvalidRequest:
		return ErrInvalidRequest.Message
	case KindSourceUnavailable:
		return ErrSourceUnavailable.Message
	case KindSourceInvalid:
		return ErrSourceInvalid.Message
	case KindFetchFailed:
		return ErrFetchFailed.Message
	case KindTimeout:
		return ErrTimeout.Message
	case KindCancelled:
		return ErrCancelled.Message
	case KindNotFound:
		return ErrNotFound.Message
	}
	return "An error occurred. Please try again."
}

// KindOf returns the kind of err, or "" when err is not a task error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}
