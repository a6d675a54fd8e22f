package conn

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/mongoerr"
	"github.com/mongolink/mongolink/internal/wire"
)

func wireVersionOf(v int32) wire.Version { return wire.Version(v) }

// RunCommand satisfies auth.CommandRunner and is the one path every
// database command takes, chosen between OP_MSG and the legacy
// "$cmd"-namespace OP_QUERY by the server's negotiated wire version.
func (c *Connection) RunCommand(ctx context.Context, db string, cmd bson.D) (bson.Raw, error) {
	if c.server.MaxWireVersion.SupportsOpMsg() {
		return c.runCommandMsg(ctx, db, cmd)
	}
	return c.runCommandLegacy(ctx, db, cmd)
}

// RunCommandChecked runs cmd and throws a database-error when the reply's
// ok field is not 1.
func (c *Connection) RunCommandChecked(ctx context.Context, db string, cmd bson.D) (bson.Raw, error) {
	raw, err := c.RunCommand(ctx, db, cmd)
	if err != nil {
		return nil, err
	}
	if err := checkOK(raw, c.server.ConnectionID); err != nil {
		return nil, err
	}
	return raw, nil
}

type okReply struct {
	OK     float64 `bson:"ok"`
	ErrMsg string  `bson:"errmsg"`
	Code   int32   `bson:"code"`
}

func checkOK(raw bson.Raw, connectionID int64) error {
	var reply okReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding command reply")
	}
	if reply.OK != 1 {
		return mongoerr.Database(connectionID, reply.Code, reply.ErrMsg)
	}
	return nil
}

func (c *Connection) runCommandMsg(ctx context.Context, db string, cmd bson.D) (bson.Raw, error) {
	body := append(bson.D{}, cmd...)
	body = append(body, bson.E{Key: "$db", Value: db})

	requestID := c.nextRequestID()
	frame, err := wire.EncodeMsg(requestID, 0, body, nil)
	if err != nil {
		return nil, mongoerr.Wrap(mongoerr.KindDriver, err, "encoding OP_MSG command")
	}

	c.setDeadline(ctx)
	if err := c.write(frame); err != nil {
		return nil, err
	}

	replyFrame, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	msg, err := wire.DecodeMsg(replyFrame)
	if err != nil {
		c.Taint()
		return nil, mongoerr.Wrap(mongoerr.KindDriver, err, "decoding OP_MSG reply")
	}
	if msg.Header.ResponseTo != requestID {
		c.Taint()
		return nil, mongoerr.New(mongoerr.KindDriver, "OP_MSG responseTo mismatch: expected %d", requestID)
	}
	return msg.Body, nil
}

func (c *Connection) runCommandLegacy(ctx context.Context, db string, cmd bson.D) (bson.Raw, error) {
	requestID := c.nextRequestID()
	frame, err := wire.EncodeQuery(wire.QueryMessage{
		RequestID:          requestID,
		FullCollectionName: db + ".$cmd",
		NumberToReturn:     -1,
		Query:              cmd,
	})
	if err != nil {
		return nil, mongoerr.Wrap(mongoerr.KindDriver, err, "encoding legacy command")
	}

	c.setDeadline(ctx)
	if err := c.write(frame); err != nil {
		return nil, err
	}

	reply, err := c.readReply(requestID)
	if err != nil {
		return nil, err
	}
	if reply.Flags&wire.ReplyQueryFailure != 0 {
		c.Taint()
		return nil, mongoerr.New(mongoerr.KindDriver, "command query failed (queryFailure flag set)")
	}
	if len(reply.Documents) == 0 {
		c.Taint()
		return nil, mongoerr.New(mongoerr.KindDriver, "command reply carried no document")
	}
	return reply.Documents[0], nil
}

func (c *Connection) readReply(requestID int32) (wire.ReplyMessage, error) {
	frame, err := c.readFrame()
	if err != nil {
		return wire.ReplyMessage{}, err
	}
	reply, err := wire.DecodeReply(frame)
	if err != nil {
		c.Taint()
		return wire.ReplyMessage{}, mongoerr.Wrap(mongoerr.KindDriver, err, "decoding OP_REPLY")
	}
	if reply.Header.ResponseTo != requestID {
		c.Taint()
		return wire.ReplyMessage{}, mongoerr.New(mongoerr.KindDriver, "OP_REPLY responseTo mismatch: expected %d got %d", requestID, reply.Header.ResponseTo)
	}
	return reply, nil
}

// QueryResult is what Query/GetMore hand back: a single return value in
// place of a reply-then-per-document callback pair, the idiomatic Go
// shape for a one-shot batch fetch.
type QueryResult struct {
	CursorID       int64
	Flags          wire.ReplyFlags
	StartingFrom   int32
	NumberReturned int32
	Documents      []bson.Raw
}

// Query issues a legacy OP_QUERY. Always legacy: find commands over
// OP_MSG are issued through RunCommand by the collection facade instead;
// Query exists for servers below wire version v36 that cannot speak
// OP_MSG at all.
func (c *Connection) Query(ctx context.Context, ns string, flags wire.QueryFlags, skip, numberToReturn int32, query, projection interface{}) (QueryResult, error) {
	requestID := c.nextRequestID()
	frame, err := wire.EncodeQuery(wire.QueryMessage{
		RequestID:            requestID,
		Flags:                flags,
		FullCollectionName:   ns,
		NumberToSkip:         skip,
		NumberToReturn:       numberToReturn,
		Query:                query,
		ReturnFieldsSelector: projection,
	})
	if err != nil {
		return QueryResult{}, mongoerr.Wrap(mongoerr.KindDriver, err, "encoding query")
	}

	c.setDeadline(ctx)
	if err := c.write(frame); err != nil {
		return QueryResult{}, err
	}

	reply, err := c.readReply(requestID)
	if err != nil {
		return QueryResult{}, err
	}
	if reply.Flags&wire.ReplyQueryFailure != 0 {
		c.Taint()
		errDoc := bson.M{}
		if len(reply.Documents) > 0 {
			bson.Unmarshal(reply.Documents[0], &errDoc)
		}
		return QueryResult{}, mongoerr.New(mongoerr.KindDriver, "query failed: %v", errDoc)
	}

	return QueryResult{
		CursorID:       reply.CursorID,
		Flags:          reply.Flags,
		StartingFrom:   reply.StartingFrom,
		NumberReturned: reply.NumberReturned,
		Documents:      reply.Documents,
	}, nil
}

// GetMore fetches the next batch from an open legacy cursor.
func (c *Connection) GetMore(ctx context.Context, ns string, numberToReturn int32, cursorID int64) (QueryResult, error) {
	requestID := c.nextRequestID()
	frame := wire.EncodeGetMore(wire.GetMoreMessage{
		RequestID:          requestID,
		FullCollectionName: ns,
		NumberToReturn:     numberToReturn,
		CursorID:           cursorID,
	})

	c.setDeadline(ctx)
	if err := c.write(frame); err != nil {
		return QueryResult{}, err
	}

	reply, err := c.readReply(requestID)
	if err != nil {
		return QueryResult{}, err
	}
	if reply.Flags&wire.ReplyCursorNotFound != 0 {
		c.Taint()
		return QueryResult{}, mongoerr.New(mongoerr.KindDriver, "cursor %d not found on server", cursorID)
	}

	return QueryResult{
		CursorID:       reply.CursorID,
		Flags:          reply.Flags,
		StartingFrom:   reply.StartingFrom,
		NumberReturned: reply.NumberReturned,
		Documents:      reply.Documents,
	}, nil
}

type getMoreReply struct {
	Cursor struct {
		NextBatch []bson.Raw `bson:"nextBatch"`
		ID        int64      `bson:"id"`
	} `bson:"cursor"`
}

// GetMoreCommand fetches the next batch via the modern {getMore: ...}
// command rather than the legacy opcode. It is the only path that can
// carry maxTimeMS, needed to honor a tailable-await cursor's
// MaxAwaitTime on the server side; db and collection are the split
// halves of the cursor's namespace.
func (c *Connection) GetMoreCommand(ctx context.Context, db, collection string, cursorID int64, batchSize int32, maxTimeMS int64) (QueryResult, error) {
	cmd := bson.D{
		{Key: "getMore", Value: cursorID},
		{Key: "collection", Value: collection},
	}
	if batchSize > 0 {
		cmd = append(cmd, bson.E{Key: "batchSize", Value: int64(batchSize)})
	}
	if maxTimeMS > 0 {
		cmd = append(cmd, bson.E{Key: "maxTimeMS", Value: maxTimeMS})
	}

	raw, err := c.RunCommandChecked(ctx, db, cmd)
	if err != nil {
		return QueryResult{}, err
	}
	var reply getMoreReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return QueryResult{}, mongoerr.Wrap(mongoerr.KindDriver, err, "decoding getMore reply")
	}
	return QueryResult{
		CursorID:       reply.Cursor.ID,
		NumberReturned: int32(len(reply.Cursor.NextBatch)),
		Documents:      reply.Cursor.NextBatch,
	}, nil
}

// KillCursors is fire-and-forget: the server never replies to OP_KILL_CURSORS.
func (c *Connection) KillCursors(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	frame := wire.EncodeKillCursors(wire.KillCursorsMessage{
		RequestID: c.nextRequestID(),
		CursorIDs: ids,
	})
	c.setDeadline(ctx)
	return c.write(frame)
}

// Insert performs a legacy OP_INSERT. If safe is set, a getLastError
// follows immediately and a non-empty err throws a database-error.
func (c *Connection) Insert(ctx context.Context, ns string, continueOnError bool, docs []interface{}) error {
	var flags int32
	if continueOnError {
		flags |= insertFlagContinueOnError
	}
	frame, err := wire.EncodeInsert(wire.InsertMessage{
		RequestID:          c.nextRequestID(),
		Flags:              flags,
		FullCollectionName: ns,
		Documents:          docs,
	})
	if err != nil {
		return mongoerr.Wrap(mongoerr.KindDriver, err, "encoding insert")
	}
	c.setDeadline(ctx)
	if err := c.write(frame); err != nil {
		return err
	}
	return c.maybeCheckLastError(ctx, dbOf(ns))
}

// Update performs a legacy OP_UPDATE, followed by getLastError if safe.
func (c *Connection) Update(ctx context.Context, ns string, upsert, multi bool, selector, update interface{}) error {
	frame, err := wire.EncodeUpdate(wire.UpdateMessage{
		RequestID:          c.nextRequestID(),
		FullCollectionName: ns,
		Upsert:             upsert,
		Multi:              multi,
		Selector:           selector,
		Update:             update,
	})
	if err != nil {
		return mongoerr.Wrap(mongoerr.KindDriver, err, "encoding update")
	}
	c.setDeadline(ctx)
	if err := c.write(frame); err != nil {
		return err
	}
	return c.maybeCheckLastError(ctx, dbOf(ns))
}

// Delete performs a legacy OP_DELETE, followed by getLastError if safe.
func (c *Connection) Delete(ctx context.Context, ns string, singleRemove bool, selector interface{}) error {
	frame, err := wire.EncodeDelete(wire.DeleteMessage{
		RequestID:          c.nextRequestID(),
		FullCollectionName: ns,
		SingleRemove:       singleRemove,
		Selector:           selector,
	})
	if err != nil {
		return mongoerr.Wrap(mongoerr.KindDriver, err, "encoding delete")
	}
	c.setDeadline(ctx)
	if err := c.write(frame); err != nil {
		return err
	}
	return c.maybeCheckLastError(ctx, dbOf(ns))
}

const insertFlagContinueOnError int32 = 1 << 0

func dbOf(ns string) string {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i]
		}
	}
	return ns
}

type getLastErrorReply struct {
	OK           float64 `bson:"ok"`
	Err          string  `bson:"err"`
	Code         int32   `bson:"code"`
	N            int32   `bson:"n"`
	ConnectionID int64   `bson:"connectionId"`
}

// maybeCheckLastError embeds the write-concern fields and issues
// getLastError when settings.Safe is set.
func (c *Connection) maybeCheckLastError(ctx context.Context, db string) error {
	if !c.settings.Safe {
		return nil
	}
	cmd := bson.D{{Key: "getlasterror", Value: 1}}
	if c.settings.W != nil {
		cmd = append(cmd, bson.E{Key: "w", Value: c.settings.W})
	}
	if c.settings.WTimeoutMS != 0 {
		cmd = append(cmd, bson.E{Key: "wtimeout", Value: c.settings.WTimeoutMS})
	}
	if c.settings.Journal {
		cmd = append(cmd, bson.E{Key: "j", Value: true})
	}
	if c.settings.FSync {
		cmd = append(cmd, bson.E{Key: "fsync", Value: true})
	}

	raw, err := c.RunCommand(ctx, db, cmd)
	if err != nil {
		return err
	}
	var reply getLastErrorReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding getLastError reply")
	}
	if reply.Err != "" {
		return mongoerr.Database(reply.ConnectionID, reply.Code, reply.Err)
	}
	return nil
}

// ListDatabases returns the lazy-in-spirit, eager-in-practice (single
// small command reply) sequence of databases on the server.
func (c *Connection) ListDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	raw, err := c.RunCommandChecked(ctx, "admin", bson.D{{Key: "listDatabases", Value: 1}})
	if err != nil {
		return nil, err
	}
	var reply listDatabasesReply
	if err := bson.Unmarshal(raw, &reply); err != nil {
		return nil, mongoerr.Wrap(mongoerr.KindDriver, err, "decoding listDatabases reply")
	}
	return reply.Databases, nil
}

// DatabaseInfo is one entry of a listDatabases reply.
type DatabaseInfo struct {
	Name       string `bson:"name"`
	SizeOnDisk int64  `bson:"sizeOnDisk"`
	Empty      bool   `bson:"empty"`
}

type listDatabasesReply struct {
	Databases []DatabaseInfo `bson:"databases"`
}
