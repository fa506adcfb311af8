package types

import (
	"fmt"
)

// ErrorKind categorizes pipeline failures.
type ErrorKind string

const (
	// KindMalformedInput indicates coordinates that match no accepted shape.
	KindMalformedInput ErrorKind = "MALFORMED_INPUT"

	// KindRedirectRefused indicates a 3xx response while redirects are forbidden.
	KindRedirectRefused ErrorKind = "REDIRECT_REFUSED"

	// KindTransport indicates a connection, TLS, timeout or HTTP status failure.
	KindTransport ErrorKind = "TRANSPORT_ERROR"

	// KindDecode indicates bytes that are not a decodable image.
	KindDecode ErrorKind = "DECODE_ERROR"

	// KindInvalidRectangle indicates a crop region with no area after clamping.
	KindInvalidRectangle ErrorKind = "INVALID_RECTANGLE"

	// KindCompression indicates that every attempted encoding failed.
	KindCompression ErrorKind = "COMPRESSION_ERROR"

	// KindUpload indicates a storage-layer failure.
	KindUpload ErrorKind = "UPLOAD_ERROR"
)

// Sentinels for errors.Is. Any *Error with the same kind matches.
var (
	ErrMalformedInput   = &Error{Kind: KindMalformedInput}
	ErrRedirectRefused  = &Error{Kind: KindRedirectRefused}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrDecode           = &Error{Kind: KindDecode}
	ErrInvalidRectangle = &Error{Kind: KindInvalidRectangle}
	ErrCompression      = &Error{Kind: KindCompression}
	ErrUpload           = &Error{Kind: KindUpload}
)

// Error is a typed pipeline failure. Subject carries the URL, coordinates or
// codec the failure relates to.
type Error struct {
	Kind    ErrorKind
	Op      string
	Subject string
	Err     error
}

// NewError builds an *Error.
func NewError(kind ErrorKind, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Errorf builds an *Error with a formatted cause.
func Errorf(kind ErrorKind, op, subject, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: fmt.Errorf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg += ": " + e.Op
	}
	if e.Subject != "" {
		msg += " " + e.Subject
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the failure may succeed on retry once the
// environment (protocol, connectivity, credentials) is fixed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindRedirectRefused, KindTransport, KindUpload:
		return true
	}
	return false
}
