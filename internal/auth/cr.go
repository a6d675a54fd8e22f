package auth

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

type getNonceCmd struct {
	GetNonce int32 `bson:"getnonce"`
}

type getNonceReply struct {
	Nonce string  `bson:"nonce"`
	OK    float64 `bson:"ok"`
}

type authenticateCmd struct {
	Authenticate int32  `bson:"authenticate"`
	User         string `bson:"user"`
	Nonce        string `bson:"nonce"`
	Key          string `bson:"key"`
}

type authenticateReply struct {
	OK     float64 `bson:"ok"`
	ErrMsg string  `bson:"errmsg"`
}

// authenticateMongoDBCR implements the legacy nonce-challenge mechanism:
// fetch a nonce, then prove knowledge of the password digest by hashing
// nonce+user+digest.
func authenticateMongoDBCR(ctx context.Context, runner CommandRunner, cred Credential) error {
	raw, err := runner.RunCommand(ctx, cred.Source, bson.D{{Key: "getnonce", Value: 1}})
	if err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "getnonce", Err: err}
	}
	var nonceReply getNonceReply
	if err := bson.Unmarshal(raw, &nonceReply); err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "getnonce", Err: err}
	}
	if nonceReply.OK != 1 || nonceReply.Nonce == "" {
		return &Error{Mechanism: cred.Mechanism, Step: "getnonce", Err: fmt.Errorf("server refused to issue a nonce")}
	}

	key := crKey(nonceReply.Nonce, cred.Username, cred.Digest)
	cmd := bson.D{
		{Key: "authenticate", Value: 1},
		{Key: "user", Value: cred.Username},
		{Key: "nonce", Value: nonceReply.Nonce},
		{Key: "key", Value: key},
	}

	raw, err = runner.RunCommand(ctx, cred.Source, cmd)
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

// crKey computes MD5(nonce + user + digest) as lowercase hex, the proof
// MONGODB-CR expects in the "key" field of the authenticate command.
func crKey(nonce, user, digest string) string {
	sum := md5.Sum([]byte(nonce + user + digest))
	return hex.EncodeToString(sum[:])
}
