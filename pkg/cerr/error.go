// Package cerr provides coded errors with structured metadata.
//
// Every error that crosses a component boundary carries a Code plus an
// optional Meta map so the presentation layer can render actionable
// guidance without matching on message text.
package cerr

import (
	"errors"
	"fmt"
)

type Error struct {
	Code Code
	Msg  string
	Err  error             // underlying cause, kept for logs
	Meta map[string]string // machine-readable detail for the caller
}

func New(code Code, msg string) *Error {
	return &Error{Code: code, Msg: msg}
}

func Wrap(code Code, msg string, underlying error) *Error {
	return &Error{Code: code, Msg: msg, Err: underlying}
}

// WithMeta attaches a metadata entry and returns the error for chaining.
func (e *Error) WithMeta(key, value string) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]string)
	}
	e.Meta[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Code.String(), e.Msg)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code.String(), e.Msg, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches two cerr errors by code, so sentinel comparisons like
// errors.Is(err, cerr.New(cerr.MergeConflict, "")) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// CodeOf extracts the Code from an error chain, or Unknown for errors
// that did not originate here.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// MetaOf extracts the metadata map from an error chain, or nil.
func MetaOf(err error) map[string]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Meta
	}
	return nil
}
