package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/crypto/pbkdf2"
)

// scramConversation holds the state carried between the three steps of a
// SCRAM-SHA-1 exchange (RFC 5802). The digest, not the cleartext password,
// is salted — Mongo's SCRAM-SHA-1 variant treats the MD5 digest as the
// "password" input to PBKDF2, matching the legacy MONGODB-CR key material.
type scramConversation struct {
	username string
	digest   string

	clientNonce     string
	clientFirstBare string

	serverSignature []byte

	conversationID int32
	done            bool
}

func newScramConversation(username, digest string) (*scramConversation, error) {
	nonceBytes := make([]byte, 24)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("auth: generating client nonce: %w", err)
	}
	return &scramConversation{
		username:    username,
		digest:      digest,
		clientNonce: base64.StdEncoding.EncodeToString(nonceBytes),
	}, nil
}

// createInitialRequest builds the client-first-message for saslStart.
func (c *scramConversation) createInitialRequest() []byte {
	c.clientFirstBare = fmt.Sprintf("n=%s,r=%s", scramEscapeUsername(c.username), c.clientNonce)
	return []byte("n,," + c.clientFirstBare)
}

// update consumes the server's challenge (serverFirst on the first call,
// serverFinal confirmation on the second) and returns the next message to
// send, or nil once the conversation is complete.
func (c *scramConversation) update(step int, payload []byte) ([]byte, error) {
	switch step {
	case 1:
		return c.handleServerFirst(payload)
	case 2:
		return c.handleServerFinal(payload)
	default:
		return nil, fmt.Errorf("auth: scram conversation has no step %d", step)
	}
}

func (c *scramConversation) handleServerFirst(serverFirst []byte) ([]byte, error) {
	msg := string(serverFirst)
	serverNonce, salt, iterations, err := parseScramServerFirst(msg)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(serverNonce, c.clientNonce) {
		return nil, fmt.Errorf("auth: server nonce %q does not extend client nonce %q", serverNonce, c.clientNonce)
	}

	digestBytes := []byte(c.digest)
	saltedPassword := pbkdf2.Key(digestBytes, salt, iterations, sha1.Size, sha1.New)

	clientKey := scramHMAC(saltedPassword, []byte("Client Key"))
	storedKey := scramSHA1(clientKey)

	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, serverNonce)

	authMessage := c.clientFirstBare + "," + msg + "," + clientFinalWithoutProof

	clientSignature := scramHMAC(storedKey, []byte(authMessage))
	clientProof := scramXOR(clientKey, clientSignature)

	serverKey := scramHMAC(saltedPassword, []byte("Server Key"))
	c.serverSignature = scramHMAC(serverKey, []byte(authMessage))

	clientFinal := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return []byte(clientFinal), nil
}

func (c *scramConversation) handleServerFinal(serverFinal []byte) ([]byte, error) {
	msg := string(serverFinal)
	if !strings.HasPrefix(msg, "v=") {
		return nil, fmt.Errorf("auth: malformed server-final-message: %q", msg)
	}
	got, err := base64.StdEncoding.DecodeString(msg[2:])
	if err != nil {
		return nil, fmt.Errorf("auth: decoding server signature: %w", err)
	}
	if !hmac.Equal(got, c.serverSignature) {
		return nil, fmt.Errorf("auth: server signature mismatch, SCRAM exchange compromised")
	}
	c.done = true
	return nil, nil
}

func parseScramServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("auth: decoding scram salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, err = strconv.Atoi(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("auth: parsing scram iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("auth: incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

// scramEscapeUsername replaces "," and "=" per RFC 5802 §5.1.
func scramEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func scramHMAC(key, data []byte) []byte {
	h := hmac.New(sha1.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func scramSHA1(data []byte) []byte {
	sum := sha1.Sum(data)
	return sum[:]
}

func scramXOR(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

type saslStartCmd struct {
	SaslStart int32  `bson:"saslStart"`
	Mechanism string `bson:"mechanism"`
	Payload   []byte `bson:"payload"`
	AutoAuthorize int32 `bson:"autoAuthorize"`
}

type saslContinueCmd struct {
	SaslContinue      int32  `bson:"saslContinue"`
	ConversationID    int32  `bson:"conversationId"`
	Payload           []byte `bson:"payload"`
}

type saslReply struct {
	ConversationID int32  `bson:"conversationId"`
	Code           int32  `bson:"code"`
	Done           bool   `bson:"done"`
	Payload        []byte `bson:"payload"`
	OK             float64 `bson:"ok"`
	ErrMsg         string `bson:"errmsg"`
}

func authenticateScramSHA1(ctx context.Context, runner CommandRunner, cred Credential) error {
	conv, err := newScramConversation(cred.Username, cred.Digest)
	if err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "init", Err: err}
	}

	clientFirst := conv.createInitialRequest()
	startCmd := bson.D{
		{Key: "saslStart", Value: 1},
		{Key: "mechanism", Value: "SCRAM-SHA-1"},
		{Key: "payload", Value: clientFirst},
		{Key: "autoAuthorize", Value: 1},
	}

	raw, err := runner.RunCommand(ctx, cred.Source, startCmd)
	if err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "saslStart", Err: err}
	}
	var reply saslReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "saslStart", Err: err}
	}
	if reply.OK != 1 {
		return &Error{Mechanism: cred.Mechanism, Step: "saslStart", Err: fmt.Errorf("%s", reply.ErrMsg)}
	}
	conv.conversationID = reply.ConversationID

	clientFinal, err := conv.update(1, reply.Payload)
	if err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "server-first", Err: err}
	}

	continueCmd := bson.D{
		{Key: "saslContinue", Value: 1},
		{Key: "conversationId", Value: conv.conversationID},
		{Key: "payload", Value: clientFinal},
	}
	raw, err = runner.RunCommand(ctx, cred.Source, continueCmd)
	if err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "saslContinue", Err: err}
	}
	reply = saslReply{}
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "saslContinue", Err: err}
	}
	if reply.OK != 1 {
		return &Error{Mechanism: cred.Mechanism, Step: "saslContinue", Err: fmt.Errorf("%s", reply.ErrMsg)}
	}

	if _, err := conv.update(2, reply.Payload); err != nil {
		return &Error{Mechanism: cred.Mechanism, Step: "server-final", Err: err}
	}

	// Mongo's SCRAM-SHA-1 server-final message often arrives with done=true
	// already; some versions require one more empty saslContinue to close
	// the conversation cleanly.
	if !reply.Done {
		closeCmd := bson.D{
			{Key: "saslContinue", Value: 1},
			{Key: "conversationId", Value: conv.conversationID},
			{Key: "payload", Value: []byte{}},
		}
		raw, err = runner.RunCommand(ctx, cred.Source, closeCmd)
		if err != nil {
			return &Error{Mechanism: cred.Mechanism, Step: "saslContinue-close", Err: err}
		}
		reply = saslReply{}
		if err := bson.Unmarshal(raw, &reply); err != nil {
			return &Error{Mechanism: cred.Mechanism, Step: "saslContinue-close", Err: err}
		}
		if reply.OK != 1 {
			return &Error{Mechanism: cred.Mechanism, Step: "saslContinue-close", Err: fmt.Errorf("%s", reply.ErrMsg)}
		}
	}

	if !conv.done {
		return &Error{Mechanism: cred.Mechanism, Step: "server-final", Err: fmt.Errorf("conversation never verified server signature")}
	}
	return nil
}
