package mongolink

import "github.com/mongolink/mongolink/internal/mongoerr"

// Kind classifies a driver error: uri-parse, driver, auth, database, or
// usage.
type Kind = mongoerr.Kind

const (
	KindURI      = mongoerr.KindURI
	KindDriver   = mongoerr.KindDriver
	KindAuth     = mongoerr.KindAuth
	KindDatabase = mongoerr.KindDatabase
	KindUsage    = mongoerr.KindUsage
)

// Error is the structured error every public operation raises: a Kind, a
// message, and — for database errors — the server's code and connection id.
type Error = mongoerr.Error

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool { return mongoerr.IsKind(err, kind) }
