// Package wire implements the MongoDB wire protocol: both the legacy
// opcode framing (OP_QUERY, OP_INSERT, OP_UPDATE, OP_DELETE, OP_GET_MORE,
// OP_KILL_CURSORS, OP_REPLY) and the modern single-opcode OP_MSG used by
// servers with wire version 6+ (MongoDB 3.6+).
package wire

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"go.mongodb.org/mongo-driver/bson"
)

// OpCode identifies the kind of message carried by a wire frame.
type OpCode int32

const (
	OpReply       OpCode = 1
	OpUpdate      OpCode = 2001
	OpInsert      OpCode = 2002
	OpQuery       OpCode = 2004
	OpGetMore     OpCode = 2005
	OpDelete      OpCode = 2006
	OpKillCursors OpCode = 2007
	OpMsg         OpCode = 2013
)

func (c OpCode) String() string {
	switch c {
	case OpReply:
		return "OP_REPLY"
	case OpUpdate:
		return "OP_UPDATE"
	case OpInsert:
		return "OP_INSERT"
	case OpQuery:
		return "OP_QUERY"
	case OpGetMore:
		return "OP_GET_MORE"
	case OpDelete:
		return "OP_DELETE"
	case OpKillCursors:
		return "OP_KILL_CURSORS"
	case OpMsg:
		return "OP_MSG"
	default:
		return fmt.Sprintf("OP_UNKNOWN(%d)", int32(c))
	}
}

// headerLen is the size of the fixed message header shared by every opcode:
// totalLength, requestID, responseTo, opCode, each a little-endian int32.
const headerLen = 16

// Header is the 16-byte frame header every wire message starts with.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

var requestCounter int32

// NextRequestID allocates a process-wide monotonic request id. Id 0 is
// reserved (it means "no response expected" in some legacy opcodes), so
// the counter starts at 1.
func NextRequestID() int32 {
	return atomic.AddInt32(&requestCounter, 1)
}

// QueryFlags are the bit flags carried in OP_QUERY.
type QueryFlags int32

const (
	FlagTailableCursor QueryFlags = 1 << 1
	FlagSlaveOK        QueryFlags = 1 << 2
	FlagNoCursorTimeout QueryFlags = 1 << 4
	FlagAwaitData      QueryFlags = 1 << 5
	FlagExhaust        QueryFlags = 1 << 6
	FlagPartial        QueryFlags = 1 << 7
)

// ReplyFlags are the bit flags carried in OP_REPLY.
type ReplyFlags int32

const (
	ReplyCursorNotFound ReplyFlags = 1 << 0
	ReplyQueryFailure   ReplyFlags = 1 << 1
	ReplyShardConfigStale ReplyFlags = 1 << 2
	ReplyAwaitCapable   ReplyFlags = 1 << 3
)

// buffer is a small little-endian append/read helper shared by every
// opcode encoder and decoder in this package.
type buffer struct {
	b []byte
}

func (buf *buffer) int32(v int32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], uint32(v))
	buf.b = append(buf.b, tmp[:]...)
}

func (buf *buffer) int64(v int64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], uint64(v))
	buf.b = append(buf.b, tmp[:]...)
}

func (buf *buffer) cstring(s string) {
	buf.b = append(buf.b, s...)
	buf.b = append(buf.b, 0)
}

func (buf *buffer) bsonDoc(doc interface{}) error {
	enc, err := bson.Marshal(doc)
	if err != nil {
		return fmt.Errorf("wire: marshaling document: %w", err)
	}
	buf.b = append(buf.b, enc...)
	return nil
}

func (buf *buffer) raw(b []byte) {
	buf.b = append(buf.b, b...)
}

func (buf *buffer) byte(b byte) {
	buf.b = append(buf.b, b)
}

// reader walks a byte slice extracting header fields and embedded
// documents without copying more than necessary.
type reader struct {
	b   []byte
	pos int
}

func newReader(b []byte) *reader { return &reader{b: b} }

func (r *reader) int32() (int32, error) {
	if len(r.b)-r.pos < 4 {
		return 0, fmt.Errorf("wire: short read for int32 at offset %d", r.pos)
	}
	v := int32(binary.LittleEndian.Uint32(r.b[r.pos:]))
	r.pos += 4
	return v, nil
}

func (r *reader) int64() (int64, error) {
	if len(r.b)-r.pos < 8 {
		return 0, fmt.Errorf("wire: short read for int64 at offset %d", r.pos)
	}
	v := int64(binary.LittleEndian.Uint64(r.b[r.pos:]))
	r.pos += 8
	return v, nil
}

func (r *reader) byte() (byte, error) {
	if len(r.b)-r.pos < 1 {
		return 0, fmt.Errorf("wire: short read for byte at offset %d", r.pos)
	}
	v := r.b[r.pos]
	r.pos++
	return v, nil
}

func (r *reader) cstring() (string, error) {
	start := r.pos
	for r.pos < len(r.b) && r.b[r.pos] != 0 {
		r.pos++
	}
	if r.pos >= len(r.b) {
		return "", fmt.Errorf("wire: unterminated cstring at offset %d", start)
	}
	s := string(r.b[start:r.pos])
	r.pos++
	return s, nil
}

// bsonDoc reads one self-delimiting BSON document: its first four bytes
// are its own little-endian length, including that length field.
func (r *reader) bsonDoc() (bson.Raw, error) {
	if len(r.b)-r.pos < 4 {
		return nil, fmt.Errorf("wire: short read for document length at offset %d", r.pos)
	}
	docLen := int32(binary.LittleEndian.Uint32(r.b[r.pos:]))
	if docLen < 5 || int(docLen) > len(r.b)-r.pos {
		return nil, fmt.Errorf("wire: invalid document length %d at offset %d", docLen, r.pos)
	}
	doc := bson.Raw(r.b[r.pos : r.pos+int(docLen)])
	r.pos += int(docLen)
	return doc, nil
}

func (r *reader) remaining() []byte {
	return r.b[r.pos:]
}

func (r *reader) atEOF() bool {
	return r.pos >= len(r.b)
}

// ParseHeader decodes the fixed 16-byte frame header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < headerLen {
		return Header{}, fmt.Errorf("wire: short header, need %d bytes got %d", headerLen, len(b))
	}
	r := newReader(b)
	length, _ := r.int32()
	requestID, _ := r.int32()
	responseTo, _ := r.int32()
	opCode, _ := r.int32()
	return Header{
		MessageLength: length,
		RequestID:     requestID,
		ResponseTo:    responseTo,
		OpCode:        OpCode(opCode),
	}, nil
}

func finalizeLength(buf *buffer) []byte {
	out := buf.b
	binary.LittleEndian.PutUint32(out[0:4], uint32(len(out)))
	return out
}

func writeHeader(buf *buffer, requestID int32, responseTo int32, opCode OpCode) {
	buf.int32(0) // placeholder for total length, patched by finalizeLength
	buf.int32(requestID)
	buf.int32(responseTo)
	buf.int32(int32(opCode))
}
