package mongolink

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/conn"
	"github.com/mongolink/mongolink/internal/mongoerr"
)

// RunCommandUnchecked sends cmd to this database's $cmd namespace and
// returns the raw reply, whether or not the server reported ok:1.
func (d *Database) RunCommandUnchecked(ctx context.Context, cmd bson.D) (bson.Raw, error) {
	var raw bson.Raw
	err := d.client.withConnection(ctx, func(cn *conn.Connection) error {
		var err error
		raw, err = cn.RunCommand(ctx, d.name, cmd)
		return err
	})
	return raw, err
}

// RunCommandChecked sends cmd and raises a database-error carrying the
// server's errmsg/code when the reply's ok field is not 1.
func (d *Database) RunCommandChecked(ctx context.Context, cmd bson.D) (bson.Raw, error) {
	var raw bson.Raw
	err := d.client.withConnection(ctx, func(cn *conn.Connection) error {
		var err error
		raw, err = cn.RunCommandChecked(ctx, d.name, cmd)
		return err
	})
	return raw, err
}

// RunCommand is the checked form, matching the common driver-family
// default of `runCommand` meaning "checked" unless asked otherwise.
func (d *Database) RunCommand(ctx context.Context, cmd bson.D) (bson.Raw, error) {
	return d.RunCommandChecked(ctx, cmd)
}

type cursorReply struct {
	Cursor struct {
		FirstBatch []bson.Raw `bson:"firstBatch"`
		NS         string     `bson:"ns"`
		ID         int64      `bson:"id"`
	} `bson:"cursor"`
}

// runListCommand sends cmd (expected to return a {cursor: {firstBatch,
// id, ns}} reply shape, as listIndexes/aggregate/listCollections do) and
// wraps the result in a Cursor over raw BSON.
func (d *Database) runListCommand(ctx context.Context, cmd bson.D, batchSize int32) (*Cursor[bson.Raw], error) {
	var (
		ns         string
		firstBatch []bson.Raw
		cursorID   int64
	)

	err := d.client.withConnection(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, d.name, cmd)
		if err != nil {
			return err
		}
		var reply cursorReply
		if err := bson.Unmarshal(raw, &reply); err != nil {
			return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding cursor reply")
		}
		ns = reply.Cursor.NS
		firstBatch = reply.Cursor.FirstBatch
		cursorID = reply.Cursor.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	return newCursorFromFirstBatch[bson.Raw](d.client, ns, cursorID, firstBatch, batchSize, rawDecoder)
}

func rawDecoder(raw bson.Raw) (bson.Raw, error) { return raw, nil }
