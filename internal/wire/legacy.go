package wire

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// QueryMessage is the payload of an OP_QUERY request.
type QueryMessage struct {
	RequestID          int32
	Flags              QueryFlags
	FullCollectionName string
	NumberToSkip       int32
	NumberToReturn     int32
	Query              interface{}
	ReturnFieldsSelector interface{} // nil if none
}

// EncodeQuery serializes an OP_QUERY message.
func EncodeQuery(m QueryMessage) ([]byte, error) {
	buf := &buffer{}
	writeHeader(buf, m.RequestID, 0, OpQuery)
	buf.int32(int32(m.Flags))
	buf.cstring(m.FullCollectionName)
	buf.int32(m.NumberToSkip)
	buf.int32(m.NumberToReturn)
	if err := buf.bsonDoc(m.Query); err != nil {
		return nil, err
	}
	if m.ReturnFieldsSelector != nil {
		if err := buf.bsonDoc(m.ReturnFieldsSelector); err != nil {
			return nil, err
		}
	}
	return finalizeLength(buf), nil
}

// InsertMessage is the payload of an OP_INSERT request (legacy, no
// server reply is ever sent for it — write concern is checked separately
// with getLastError on old servers, which callers issue themselves).
type InsertMessage struct {
	RequestID          int32
	Flags              int32
	FullCollectionName string
	Documents          []interface{}
}

const insertFlagContinueOnError int32 = 1 << 0

// EncodeInsert serializes an OP_INSERT message.
func EncodeInsert(m InsertMessage) ([]byte, error) {
	buf := &buffer{}
	writeHeader(buf, m.RequestID, 0, OpInsert)
	buf.int32(m.Flags)
	buf.cstring(m.FullCollectionName)
	for _, doc := range m.Documents {
		if err := buf.bsonDoc(doc); err != nil {
			return nil, err
		}
	}
	return finalizeLength(buf), nil
}

// UpdateMessage is the payload of an OP_UPDATE request.
type UpdateMessage struct {
	RequestID          int32
	FullCollectionName string
	Upsert             bool
	Multi              bool
	Selector           interface{}
	Update             interface{}
}

const (
	updateFlagUpsert int32 = 1 << 0
	updateFlagMulti  int32 = 1 << 1
)

// EncodeUpdate serializes an OP_UPDATE message.
func EncodeUpdate(m UpdateMessage) ([]byte, error) {
	buf := &buffer{}
	writeHeader(buf, m.RequestID, 0, OpUpdate)
	buf.int32(0) // reserved
	buf.cstring(m.FullCollectionName)
	var flags int32
	if m.Upsert {
		flags |= updateFlagUpsert
	}
	if m.Multi {
		flags |= updateFlagMulti
	}
	buf.int32(flags)
	if err := buf.bsonDoc(m.Selector); err != nil {
		return nil, err
	}
	if err := buf.bsonDoc(m.Update); err != nil {
		return nil, err
	}
	return finalizeLength(buf), nil
}

// DeleteMessage is the payload of an OP_DELETE request.
type DeleteMessage struct {
	RequestID          int32
	FullCollectionName string
	SingleRemove       bool
	Selector           interface{}
}

const deleteFlagSingleRemove int32 = 1 << 0

// EncodeDelete serializes an OP_DELETE message.
func EncodeDelete(m DeleteMessage) ([]byte, error) {
	buf := &buffer{}
	writeHeader(buf, m.RequestID, 0, OpDelete)
	buf.int32(0) // reserved
	buf.cstring(m.FullCollectionName)
	var flags int32
	if m.SingleRemove {
		flags |= deleteFlagSingleRemove
	}
	buf.int32(flags)
	if err := buf.bsonDoc(m.Selector); err != nil {
		return nil, err
	}
	return finalizeLength(buf), nil
}

// GetMoreMessage is the payload of an OP_GET_MORE request.
type GetMoreMessage struct {
	RequestID          int32
	FullCollectionName string
	NumberToReturn     int32
	CursorID           int64
}

// EncodeGetMore serializes an OP_GET_MORE message.
func EncodeGetMore(m GetMoreMessage) []byte {
	buf := &buffer{}
	writeHeader(buf, m.RequestID, 0, OpGetMore)
	buf.int32(0) // reserved
	buf.cstring(m.FullCollectionName)
	buf.int32(m.NumberToReturn)
	buf.int64(m.CursorID)
	return finalizeLength(buf)
}

// KillCursorsMessage is the payload of an OP_KILL_CURSORS request.
type KillCursorsMessage struct {
	RequestID int32
	CursorIDs []int64
}

// EncodeKillCursors serializes an OP_KILL_CURSORS message.
func EncodeKillCursors(m KillCursorsMessage) []byte {
	buf := &buffer{}
	writeHeader(buf, m.RequestID, 0, OpKillCursors)
	buf.int32(0) // reserved
	buf.int32(int32(len(m.CursorIDs)))
	for _, id := range m.CursorIDs {
		buf.int64(id)
	}
	return finalizeLength(buf)
}

// ReplyMessage is the decoded payload of an OP_REPLY response.
type ReplyMessage struct {
	Header         Header
	Flags          ReplyFlags
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      []bson.Raw
}

// DecodeReply parses a full OP_REPLY frame, header included.
func DecodeReply(b []byte) (ReplyMessage, error) {
	header, err := ParseHeader(b)
	if err != nil {
		return ReplyMessage{}, err
	}
	if header.OpCode != OpReply {
		return ReplyMessage{}, fmt.Errorf("wire: expected OP_REPLY, got %s", header.OpCode)
	}

	r := newReader(b)
	r.pos = headerLen

	flags, err := r.int32()
	if err != nil {
		return ReplyMessage{}, err
	}
	cursorID, err := r.int64()
	if err != nil {
		return ReplyMessage{}, err
	}
	startingFrom, err := r.int32()
	if err != nil {
		return ReplyMessage{}, err
	}
	numberReturned, err := r.int32()
	if err != nil {
		return ReplyMessage{}, err
	}

	docs := make([]bson.Raw, 0, numberReturned)
	for !r.atEOF() {
		doc, err := r.bsonDoc()
		if err != nil {
			return ReplyMessage{}, err
		}
		docs = append(docs, doc)
	}

	return ReplyMessage{
		Header:         header,
		Flags:          ReplyFlags(flags),
		CursorID:       cursorID,
		StartingFrom:   startingFrom,
		NumberReturned: numberReturned,
		Documents:      docs,
	}, nil
}
