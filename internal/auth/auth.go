// Package auth implements the authentication mechanisms this driver
// supports: SCRAM-SHA-1, MONGODB-CR and MONGODB-X509. It has no knowledge
// of sockets; it drives authentication purely through a CommandRunner,
// which internal/conn satisfies.
package auth

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/uri"
)

// CommandRunner sends a single command document to a database on the
// current connection and returns the raw server reply. Implementations
// must not retry or pool — one command, one round trip.
type CommandRunner interface {
	RunCommand(ctx context.Context, db string, cmd bson.D) (bson.Raw, error)
}

// Credential bundles what authentication needs from uri.Settings without
// coupling auth to the whole settings struct.
type Credential struct {
	Username      string
	Digest        string // MD5(user:mongo:pass); empty for X509
	Source        string // resolved authSource
	Mechanism     uri.AuthMechanism
}

// CredentialFromSettings extracts the Credential a connection should use to
// authenticate, or ok=false if the settings carry no credential at all
// (anonymous connection).
func CredentialFromSettings(s uri.Settings) (Credential, bool) {
	if s.Username == "" {
		return Credential{}, false
	}
	return Credential{
		Username:  s.Username,
		Digest:    s.Digest,
		Source:    s.ResolvedAuthSource(),
		Mechanism: s.AuthMechanism,
	}, true
}

// Authenticate runs the full login exchange for cred's mechanism against
// runner. It is the single entry point internal/conn calls after the
// handshake completes.
func Authenticate(ctx context.Context, runner CommandRunner, cred Credential) error {
	switch cred.Mechanism {
	case uri.AuthScramSHA1:
		return authenticateScramSHA1(ctx, runner, cred)
	case uri.AuthMongoDBCR:
		return authenticateMongoDBCR(ctx, runner, cred)
	case uri.AuthMongoDBX509:
		return authenticateX509(ctx, runner, cred)
	case uri.AuthNone:
		return fmt.Errorf("auth: credential carries no mechanism")
	default:
		return fmt.Errorf("auth: unsupported mechanism %v", cred.Mechanism)
	}
}

// Error wraps a failed authentication command with the mechanism that was
// attempted, so callers can log without re-deriving it from the credential.
type Error struct {
	Mechanism uri.AuthMechanism
	Step      string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth: %s step %q: %v", e.Mechanism, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
