// Package mongoerr defines the structured error kinds this driver raises.
// It lives below internal/conn and the root mongolink package so both can
// depend on it without an import cycle; the root package re-exports these
// types under mongolink.Error / mongolink.Kind.
package mongoerr

import "fmt"

// Kind classifies a driver error: uri-parse, driver, auth, database, or
// usage.
type Kind int

const (
	KindURI Kind = iota
	KindDriver
	KindAuth
	KindDatabase
	KindUsage
)

func (k Kind) String() string {
	switch k {
	case KindURI:
		return "uri-parse-error"
	case KindDriver:
		return "driver-error"
	case KindAuth:
		return "auth-error"
	case KindDatabase:
		return "database-error"
	case KindUsage:
		return "usage-error"
	default:
		return "unknown-error"
	}
}

// Error is the structured error every public mongolink operation raises.
// Message, Kind and, for database errors, Code/ConnectionID are always
// populated; Err holds the wrapped cause when one exists.
type Error struct {
	Kind         Kind
	Message      string
	Code         int32
	ConnectionID int64
	Err          error
}

func (e *Error) Error() string {
	if e.Kind == KindDatabase && e.Code != 0 {
		return fmt.Sprintf("mongolink: %s: %s (code %d)", e.Kind, e.Message, e.Code)
	}
	return fmt.Sprintf("mongolink: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a Kind-tagged error with no wrapped cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a Kind-tagged error around an existing cause.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Database builds a database-error carrying the server's code and, when
// known, the connection id that produced it.
func Database(connectionID int64, code int32, errmsg string) *Error {
	return &Error{Kind: KindDatabase, Message: errmsg, Code: code, ConnectionID: connectionID}
}

// Usage builds a usage-error: a programmer contract violation.
func Usage(format string, args ...interface{}) *Error {
	return &Error{Kind: KindUsage, Message: fmt.Sprintf(format, args...)}
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	} else {
		return false
	}
	return e.Kind == kind
}
