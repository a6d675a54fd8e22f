package auth

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// authenticateX509 authenticates using the client certificate already
// presented during the TLS handshake; no password material is exchanged
// at the application layer, and the authSource is always "$external".
func authenticateX509(ctx context.Context, runner CommandRunner, cred Credential) error {
	cmd := bson.D{
		{Key: "authenticate", Value: 1},
		{Key: "mechanism", Value: "MONGODB-X509"},
	}
	if cred.Username != "" {
		cmd = append(cmd, bson.E{Key: "user", Value: cred.Username})
	}

	raw, err := runner.RunCommand(ctx, "$external", cmd)
	if err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "authenticate", Err: err}
	}
	var reply authenticateReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "authenticate", Err: err}
	}
	if reply.OK != 1 {
		return &Error{Mechanism: cred.Mechanism, Step: "authenticate", Err: fmt.Errorf("%s", reply.ErrMsg)}
	}
	return nil
}
