// Package errkind defines the error taxonomy the replication engine uses to
// decide whether a failure is fatal, retryable, or merely worth a warning.
package errkind

import "errors"

// Kind identifies which error taxonomy in §7 an error belongs to.
type Kind int

const (
	// Config covers invalid or missing configuration. Fatal at job start.
	Config Kind = iota
	// Connection covers an unreachable endpoint. Fatal at job start, transient mid-job.
	Connection
	// Transient covers 5xx / timeout / network reset. Retried up to options.retries.
	Transient
	// Permanent covers 4xx other than 404 from a query. Aborts the measurement, job continues.
	Permanent
	// Data covers a malformed response or a non-finite-only numeric column.
	Data
	// Scheduling covers an invalid cron expression. Fatal at job start.
	Scheduling
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "ConfigError"
	case Connection:
		return "ConnectionError"
	case Transient:
		return "TransientError"
	case Permanent:
		return "PermanentError"
	case Data:
		return "DataError"
	case Scheduling:
		return "SchedulingError"
	default:
		return "UnknownError"
	}
}

// Error wraps an underlying cause with a Kind so callers can branch on
// retryability without string-matching messages.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Msg + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap tags an existing error with a Kind, preserving it for errors.Unwrap/Is/As.
func Wrap(kind Kind, msg string, cause error) error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if errors.As(err, &e) {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		return false
	}
	return false
}

// OfKind extracts the Kind from err, defaulting to Data when err carries no Kind.
func OfKind(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Data
}
