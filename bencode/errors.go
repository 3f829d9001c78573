package bencode

import (
	"errors"
	"fmt"
)

// Error classes. Every parse failure matches exactly one of these via
// errors.Is.
var (
	// ErrInvalidEncoding indicates the input is not valid bencode.
	ErrInvalidEncoding = errors.New("invalid bencode")

	// ErrUnsupportedEncoding indicates valid bencode this package cannot
	// represent, such as integers beyond the int64 range.
	ErrUnsupportedEncoding = errors.New("unsupported bencode")
)

// Reasons refining ErrInvalidEncoding for terminator problems.
var (
	// ErrMissingEndChar indicates the input ended before the closing 'e'.
	ErrMissingEndChar = errors.New("missing end character")

	// ErrInvalidEndChar indicates a character other than 'e' was found
	// where the closing 'e' was expected.
	ErrInvalidEndChar = errors.New("invalid end character")
)

// SyntaxError describes a parse failure at a byte offset.
type SyntaxError struct {
	Offset int64  // offset of the value that failed to parse
	Kind   Kind   // variant being parsed, zero when unknown
	Class  error  // ErrInvalidEncoding or ErrUnsupportedEncoding
	Reason error  // optional refinement such as ErrMissingEndChar
	Msg    string // human readable detail
}

func (e *SyntaxError) Error() string {
	what := "value"
	if e.Kind != 0 {
		what = e.Kind.String()
	}
	return fmt.Sprintf("%v: %s at offset %d: %s", e.Class, what, e.Offset, e.Msg)
}

// Unwrap exposes both the class and the reason to errors.Is.
func (e *SyntaxError) Unwrap() []error {
	if e.Reason != nil {
		return []error{e.Class, e.Reason}
	}
	return []error{e.Class}
}

func invalidf(offset int64, kind Kind, format string, args ...interface{}) *SyntaxError {
	return &SyntaxError{
		Offset: offset,
		Kind:   kind,
		Class:  ErrInvalidEncoding,
		Msg:    fmt.Sprintf(format, args...),
	}
}

func unsupportedf(offset int64, kind Kind, format string, args ...interface{}) *SyntaxError {
	return &SyntaxError{
		Offset: offset,
		Kind:   kind,
		Class:  ErrUnsupportedEncoding,
		Msg:    fmt.Sprintf(format, args...),
	}
}

func missingEnd(offset int64, kind Kind) *SyntaxError {
	e := invalidf(offset, kind, "stream ended before 'e'")
	e.Reason = ErrMissingEndChar
	return e
}

func invalidEnd(offset int64, kind Kind, got byte) *SyntaxError {
	e := invalidf(offset, kind, "expected 'e', found %q", got)
	e.Reason = ErrInvalidEndChar
	return e
}
