// Package errs defines the error kinds ducible's components return.
//
// Every fallible constructor in the module returns an *Error so that the
// CLI boundary can recover a stable Kind via errors.As, independent of
// whatever wrapping happened along the way.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies which part of the contract a failure violates.
type Kind int

const (
	// InvalidImage marks a PE structure or bounds violation.
	InvalidImage Kind = iota
	// InvalidMsf marks an MSF header or stream-table violation.
	InvalidMsf
	// InvalidPdb marks a PDB semantic violation.
	InvalidPdb
	// IoError marks an open/read/write/rename/delete/map failure.
	IoError
	// CommandLineError marks a usage violation.
	CommandLineError
)

func (k Kind) String() string {
	switch k {
	case InvalidImage:
		return "invalid image"
	case InvalidMsf:
		return "invalid MSF"
	case InvalidPdb:
		return "invalid PDB"
	case IoError:
		return "I/O error"
	case CommandLineError:
		return "command line error"
	default:
		return "error"
	}
}

// Error is the single error type returned across package boundaries.
type Error struct {
	Kind Kind
	Path string // set for IoError; empty otherwise
	err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As, and for
// github.com/pkg/errors' stack-trace-aware formatting.
func (e *Error) Unwrap() error { return e.err }

// New wraps reason as an *Error of kind, capturing a stack trace.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, err: errors.New(reason)}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, err: errors.Errorf(format, args...)}
}

// Wrap attaches kind to an existing error, preserving its stack if it
// already carries one.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, err: errors.WithMessage(err, message)}
}

// Io wraps a syscall/os failure for a specific path.
func Io(path string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: IoError, Path: path, err: errors.WithStack(err)}
}
