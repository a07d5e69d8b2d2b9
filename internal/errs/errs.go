package errs

import (
	"errors"
	"fmt"
	"net/http"
)

type Code int

const (
	Unknown Code = iota
	InvalidArgument
	NotFound
	PermissionDenied
	Unauthenticated
	DeadlineExceeded
	Unavailable
	ResourceExhausted
	Conflict
	Internal
)

var codeNames = map[Code]string{
	Unknown:           "unknown",
	InvalidArgument:   "invalid_argument",
	NotFound:          "not_found",
	PermissionDenied:  "permission_denied",
	Unauthenticated:   "unauthenticated",
	DeadlineExceeded:  "timeout",
	Unavailable:       "unavailable",
	ResourceExhausted: "resource_exhausted",
	Conflict:          "conflict",
	Internal:          "internal",
}

func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "unknown"
}

func (c Code) HTTPCode() int {
	switch c {
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case PermissionDenied:
		return http.StatusForbidden
	case Unauthenticated:
		return http.StatusUnauthorized
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	case Unavailable:
		return http.StatusServiceUnavailable
	case ResourceExhausted:
		return http.StatusTooManyRequests
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type Error struct {
	Code Code
	Msg  string // returned to the caller
	Err  error  // kept for logs
}

func New(code Code, msg string, underlying error) *Error {
	return &Error{Code: code, Msg: msg, Err: underlying}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code, e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error with the same code, so errors.Is(err, ErrNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && t.Msg == "" && t.Err == nil
}

var (
	ErrNotFound         = &Error{Code: NotFound}
	ErrPermission       = &Error{Code: PermissionDenied}
	ErrTimeout          = &Error{Code: DeadlineExceeded}
	ErrQueueUnavailable = &Error{Code: Unavailable}
	ErrConflict         = &Error{Code: Conflict}
)

func TaskNotFound(id string) error {
	return New(NotFound, fmt.Sprintf("task %s not found", id), nil)
}

func Authorization(id string) error {
	return New(PermissionDenied, fmt.Sprintf("caller does not own task %s", id), nil)
}

func Timeout(what string, err error) error {
	return New(DeadlineExceeded, what+" timed out", err)
}

func QueueUnavailable(queue string, err error) error {
	return New(Unavailable, fmt.Sprintf("queue %s unavailable", queue), err)
}

// CodeOf returns the code carried by err, Unknown when there is none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

func IsCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}
