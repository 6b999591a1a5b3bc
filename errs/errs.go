// Package errs defines the closed set of error kinds SafeShell surfaces to
// callers (spec.md §7), each carrying a machine-readable code, a message, and
// optional structured details and an actionable suggestion.
package errs

import "fmt"

// Kind is one of the closed set of error kinds.
type Kind string

const (
	PermissionDenied       Kind = "PERMISSION_DENIED"
	CommandNotWhitelisted  Kind = "COMMAND_NOT_WHITELISTED"
	CommandNotFound        Kind = "COMMAND_NOT_FOUND"
	SubcommandNotAllowed   Kind = "SUBCOMMAND_NOT_ALLOWED"
	FlagNotAllowed         Kind = "FLAG_NOT_ALLOWED"
	PathViolation          Kind = "PATH_VIOLATION"
	SymlinkViolation       Kind = "SYMLINK_VIOLATION"
	Timeout                Kind = "TIMEOUT"
	ExecutionError         Kind = "EXECUTION_ERROR"
	ConfigError            Kind = "CONFIG_ERROR"
	ImportNotAllowed       Kind = "IMPORT_NOT_ALLOWED"
	ShellNotFound          Kind = "SHELL_NOT_FOUND"
	ScriptNotFound         Kind = "SCRIPT_NOT_FOUND"
	RetryNotFound          Kind = "RETRY_NOT_FOUND"
)

// Error is the structured error type surfaced across the request boundary.
// It is never thrown past the request boundary (spec.md §7): validation and
// retry-protocol errors are returned as values with IsError true.
type Error struct {
	Kind       Kind
	Message    string
	Details    map[string]any
	Suggestion string

	// wrapped, if set, lets errors.Is/errors.As see through to a lower-level
	// cause (e.g. an os.PathError from a stat call).
	wrapped error
}

// New constructs an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, wrapped: cause}
}

// WithDetails attaches structured details and returns e for chaining.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// WithSuggestion attaches an actionable suggestion and returns e for
// chaining.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped cause, if any, for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.wrapped
}

// Is reports whether target is an *Error of the same Kind, so callers can
// write errors.Is(err, errs.New(errs.Timeout, "")).
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}

	return e.Kind == other.Kind
}
