package common

import (
	"errors"
	"fmt"
	"strings"
)

// Kind categorizes an analysis error
type Kind string

const (
	KindInvalidMagic      Kind = "invalid_magic"      // metadata root signature mismatch
	KindUnsupportedFormat Kind = "unsupported_format" // unoptimized #- tables, unknown table kinds
	KindMissingStream     Kind = "missing_stream"
	KindMissingTable      Kind = "missing_table"
	KindInvalidTag        Kind = "invalid_tag"  // coded index tag out of range
	KindOutOfRange        Kind = "out_of_range" // read beyond the image
	KindNotManaged        Kind = "not_managed"  // no CLR data directory
)

// Error is the structured error returned by the readers and extractors
type Error struct {
	Cause  error
	Kind   Kind
	Op     string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Kind, so the sentinels below work with errors.Is
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

var (
	ErrInvalidMagic      = &Error{Kind: KindInvalidMagic}
	ErrUnsupportedFormat = &Error{Kind: KindUnsupportedFormat}
	ErrMissingStream     = &Error{Kind: KindMissingStream}
	ErrMissingTable      = &Error{Kind: KindMissingTable}
	ErrInvalidTag        = &Error{Kind: KindInvalidTag}
	ErrOutOfRange        = &Error{Kind: KindOutOfRange}
	ErrNotManaged        = &Error{Kind: KindNotManaged}
)

// Errorf builds an *Error with a formatted detail message
func Errorf(kind Kind, op string, format string, args ...any) *Error {
	return &Error{
		Kind:   kind,
		Op:     op,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Wrap attaches a kind and operation to an underlying error
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{
		Kind:  kind,
		Op:    op,
		Cause: cause,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
