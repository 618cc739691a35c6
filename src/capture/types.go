// Package capture holds the capture outcome model and the two interchangeable
// capture engines (privileged frame dump and accessibility frame grab).
package capture

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies why a capture failed.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	EngineUnavailable
	UnsupportedPlatformVersion
	DirectoryCreateFailed
	EncodeFailed
	PrivilegedCaptureFailed
	CaptureTimeout
	CallbackFailure
	// ConsumerUnreachable is internal: it triggers caching and is never surfaced to a requester.
	ConsumerUnreachable
)

var kindNames = map[ErrorKind]string{
	KindUnknown:                "Unknown",
	EngineUnavailable:          "EngineUnavailable",
	UnsupportedPlatformVersion: "UnsupportedPlatformVersion",
	DirectoryCreateFailed:      "DirectoryCreateFailed",
	EncodeFailed:               "EncodeFailed",
	PrivilegedCaptureFailed:    "PrivilegedCaptureFailed",
	CaptureTimeout:             "CaptureTimeout",
	CallbackFailure:            "CallbackFailure",
	ConsumerUnreachable:        "ConsumerUnreachable",
}

var kindCodes = map[ErrorKind]string{
	KindUnknown:                "CAPTURE_FAILED",
	EngineUnavailable:          "ENGINE_UNAVAILABLE",
	UnsupportedPlatformVersion: "UNSUPPORTED_PLATFORM_VERSION",
	DirectoryCreateFailed:      "DIRECTORY_CREATE_FAILED",
	EncodeFailed:               "ENCODE_FAILED",
	PrivilegedCaptureFailed:    "PRIVILEGED_CAPTURE_FAILED",
	CaptureTimeout:             "CAPTURE_TIMEOUT",
	CallbackFailure:            "CALLBACK_FAILURE",
	ConsumerUnreachable:        "CONSUMER_UNREACHABLE",
}

func (k ErrorKind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return kindNames[KindUnknown]
}

// Code returns the wire code sent to consumers in {code, message} errors.
func (k ErrorKind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return kindCodes[KindUnknown]
}

// KindFromCode maps a wire code back to its kind. Unknown codes map to KindUnknown.
func KindFromCode(code string) ErrorKind {
	for k, c := range kindCodes {
		if c == code {
			return k
		}
	}
	return KindUnknown
}

// Error is a classified capture failure.
type Error struct {
	Kind   ErrorKind
	Detail string
	// ExitCode is set for PrivilegedCaptureFailed.
	ExitCode int
	// PlatformCode is set for CallbackFailure.
	PlatformCode int
	Cause        error
}

func (e *Error) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Kind.Code(), e.Detail)
	switch e.Kind {
	case PrivilegedCaptureFailed:
		s += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	case CallbackFailure:
		s += fmt.Sprintf(" (platform code %d)", e.PlatformCode)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches any *Error of the same kind, so errors.Is(err, &Error{Kind: k})
// tests the classification.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Message is the human readable text sent next to the wire code.
func (e *Error) Message() string {
	switch e.Kind {
	case PrivilegedCaptureFailed:
		return fmt.Sprintf("%s (exit code %d)", e.Detail, e.ExitCode)
	case CallbackFailure:
		return fmt.Sprintf("%s (platform code %d)", e.Detail, e.PlatformCode)
	}
	return e.Detail
}

// Newf creates a classified error with a formatted detail.
func Newf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error.
func Wrap(err error, kind ErrorKind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail, Cause: err}
}

// AsError normalises any error into a classified one. Errors already carrying
// a kind keep it, deadline errors become CaptureTimeout and anything else is
// KindUnknown.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, CaptureTimeout, "capture timed out")
	}
	return Wrap(err, KindUnknown, err.Error())
}

// KindOf returns the kind of err, or KindUnknown when it is not classified.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Kind == kind
}

// Outcome is the result of exactly one accepted capture request: a success
// carrying the stored file path, or a failure carrying a classified error.
type Outcome struct {
	Path string
	Err  *Error
}

// Success builds a success outcome.
func Success(path string) Outcome { return Outcome{Path: path} }

// Failure builds a failure outcome from any error.
func Failure(err error) Outcome {
	ce := AsError(err)
	if ce == nil {
		ce = Newf(KindUnknown, "unknown capture error")
	}
	return Outcome{Err: ce}
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Err == nil }

func (o Outcome) String() string {
	if o.OK() {
		return "success: " + o.Path
	}
	return "failure: " + o.Err.Error()
}
