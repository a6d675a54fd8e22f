package conn

import (
	"context"
	"runtime"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/mongoerr"
)

type clientDriverInfo struct {
	Name    string `bson:"name"`
	Version string `bson:"version"`
}

type clientOSInfo struct {
	Type         string `bson:"type"`
	Architecture string `bson:"architecture"`
}

type clientApplicationInfo struct {
	Name string `bson:"name"`
}

type clientIdentification struct {
	Driver      clientDriverInfo       `bson:"driver"`
	OS          clientOSInfo           `bson:"os"`
	Platform    string                 `bson:"platform"`
	Application *clientApplicationInfo `bson:"application,omitempty"`
}

type isMasterReply struct {
	OK             float64 `bson:"ok"`
	IsMaster       bool    `bson:"ismaster"`
	MaxWireVersion int32   `bson:"maxWireVersion"`
	MinWireVersion int32   `bson:"minWireVersion"`
	ReadOnly       bool    `bson:"readOnly"`
	ConnectionID   int64   `bson:"connectionId"`
	SetName        string  `bson:"setName"`
	ErrMsg         string  `bson:"errmsg"`
}

// handshake sends the isMaster command carrying client identification and
// records the reply into c.server. The command verb sent is always
// "isMaster", never "hello" — see DESIGN.md for why this follows
// mgo-family precedent instead of the newer hello alias.
func (c *Connection) handshake(ctx context.Context) error {
	ident := clientIdentification{
		Driver: clientDriverInfo{Name: "mongolink", Version: driverVersion},
		OS: clientOSInfo{
			Type:         runtime.GOOS,
			Architecture: runtime.GOARCH,
		},
		Platform: runtime.Version(),
	}
	if c.settings.AppName != "" {
		ident.Application = &clientApplicationInfo{Name: c.settings.AppName}
	}

	cmd := bson.D{
		{Key: "isMaster", Value: 1},
		{Key: "client", Value: ident},
	}

	raw, err := c.runCommandLegacy(ctx, "admin", cmd)
	if err != nil {
		return mongoerr.Wrap(mongoerr.KindDriver, err, "isMaster handshake with %s", c.host)
	}

	var reply isMasterReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		c.Taint()
		return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding isMaster reply")
	}
	if reply.OK != 1 {
		c.Taint()
		return mongoerr.New(mongoerr.KindDriver, "isMaster rejected: %s", reply.ErrMsg)
	}

	c.server = ServerDescription{
		MaxWireVersion: wireVersionOf(reply.MaxWireVersion),
		MinWireVersion: wireVersionOf(reply.MinWireVersion),
		ReadOnly:       reply.ReadOnly,
		ConnectionID:   reply.ConnectionID,
		SetName:        reply.SetName,
	}
	return nil
}

const driverVersion = "0.1.0"
