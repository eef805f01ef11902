// Package chronoerr defines the error taxonomy shared across the engine.
package chronoerr

import "fmt"

// Kind classifies an engine error so callers can branch on it without
// string matching.
type Kind string

const (
	// KindUserInput covers unknown/ambiguous hashes, missing paths,
	// malformed glob/regex, invalid branch/tag names, deleting HEAD.
	KindUserInput Kind = "USER_INPUT"
	// KindState covers "not a repository", "already a repository",
	// schema-too-new, and corrupted-blob-on-read conditions.
	KindState Kind = "STATE"
	// KindIO covers file read/write, permission, no-space, and
	// watcher-registration failures.
	KindIO Kind = "IO"
	// KindMergeConflict signals unresolved merge conflicts; not an
	// error under the manual policy, an error under auto.
	KindMergeConflict Kind = "MERGE_CONFLICT"
	// KindTransient covers a locked metadata store or an interrupted
	// read; callers may retry with backoff.
	KindTransient Kind = "TRANSIENT"
)

// Error is the concrete error type returned across the stable API in
// internal/repo. Code is a short machine-checkable tag such as
// "HashAmbiguous" or "IsHEAD"; Message is human-readable.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Wrapped)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newErr(kind Kind, code, message string, wrapped error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Wrapped: wrapped}
}

func UserInput(code, message string) *Error {
	return newErr(KindUserInput, code, message, nil)
}

func UserInputf(code string, wrapped error, format string, args ...any) *Error {
	return newErr(KindUserInput, code, fmt.Sprintf(format, args...), wrapped)
}

func State(code, message string) *Error {
	return newErr(KindState, code, message, nil)
}

func Statef(code string, wrapped error, format string, args ...any) *Error {
	return newErr(KindState, code, fmt.Sprintf(format, args...), wrapped)
}

func IO(code string, wrapped error, format string, args ...any) *Error {
	return newErr(KindIO, code, fmt.Sprintf(format, args...), wrapped)
}

func Transient(code, message string) *Error {
	return newErr(KindTransient, code, message, nil)
}

func MergeConflict(message string) *Error {
	return newErr(KindMergeConflict, "Conflicts", message, nil)
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == kind
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Common codes referenced by the stable API (spec.md §6).
const (
	CodeAlreadyInitialized = "AlreadyInitialized"
	CodeNotARepository     = "NotARepository"
	CodeNotTracked         = "NotTracked"
	CodeHashAmbiguous      = "HashAmbiguous"
	CodeHashUnknown        = "HashUnknown"
	CodeBinary             = "Binary"
	CodeExists             = "Exists"
	CodeMissing            = "Missing"
	CodeIsHEAD             = "IsHEAD"
	CodeStopped            = "Stopped"
	CodeSchemaTooNew       = "SchemaTooNew"
	CodeHashMismatch       = "HashMismatch"
)
