package wire

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestEncodeDecodeQueryRoundTrip(t *testing.T) {
	b, err := EncodeQuery(QueryMessage{
		RequestID:          7,
		FullCollectionName: "test.coll",
		NumberToReturn:     100,
		Query:              bson.D{{Key: "x", Value: 1}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	header, err := ParseHeader(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if header.OpCode != OpQuery {
		t.Fatalf("expected OpQuery, got %s", header.OpCode)
	}
	if header.RequestID != 7 {
		t.Fatalf("expected requestID 7, got %d", header.RequestID)
	}
	if int(header.MessageLength) != len(b) {
		t.Fatalf("message length mismatch: header says %d, actual %d", header.MessageLength, len(b))
	}
}

func TestEncodeDecodeReplyRoundTrip(t *testing.T) {
	buf := &buffer{}
	writeHeader(buf, 1, 7, OpReply)
	buf.int32(0)
	buf.int64(12345)
	buf.int32(0)
	buf.int32(1)
	doc, _ := bson.Marshal(bson.D{{Key: "ok", Value: 1.0}})
	buf.raw(doc)
	frame := finalizeLength(buf)

	reply, err := DecodeReply(frame)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.CursorID != 12345 {
		t.Fatalf("expected cursorID 12345, got %d", reply.CursorID)
	}
	if len(reply.Documents) != 1 {
		t.Fatalf("expected 1 document, got %d", len(reply.Documents))
	}
	var decoded bson.M
	if err := bson.Unmarshal(reply.Documents[0], &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["ok"] != 1.0 {
		t.Fatalf("expected ok=1.0, got %v", decoded["ok"])
	}
}

func TestEncodeDecodeMsgRoundTrip(t *testing.T) {
	b, err := EncodeMsg(3, 0, bson.D{{Key: "ping", Value: 1}, {Key: "$db", Value: "admin"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := DecodeMsg(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var decoded bson.M
	if err := bson.Unmarshal(msg.Body, &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded["ping"] != int32(1) {
		t.Fatalf("expected ping=1, got %v", decoded["ping"])
	}
}

func TestEncodeDecodeMsgWithDocumentSequence(t *testing.T) {
	doc1, _ := bson.Marshal(bson.D{{Key: "_id", Value: 1}})
	doc2, _ := bson.Marshal(bson.D{{Key: "_id", Value: 2}})

	seq := &DocumentSequence{
		Identifier: "documents",
		Documents:  []bson.Raw{doc1, doc2},
	}

	b, err := EncodeMsg(4, 0, bson.D{{Key: "insert", Value: "coll"}, {Key: "$db", Value: "test"}}, seq)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg, err := DecodeMsg(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Sequence == nil {
		t.Fatalf("expected a document sequence")
	}
	if msg.Sequence.Identifier != "documents" {
		t.Fatalf("unexpected identifier: %q", msg.Sequence.Identifier)
	}
	if len(msg.Sequence.Documents) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(msg.Sequence.Documents))
	}
}

func TestDecodeRejectsWrongOpCode(t *testing.T) {
	b, _ := EncodeQuery(QueryMessage{RequestID: 1, FullCollectionName: "a.b", Query: bson.D{}})
	if _, err := DecodeMsg(b); err == nil {
		t.Fatalf("expected error decoding OP_QUERY frame as OP_MSG")
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := ParseHeader([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short header")
	}
}

func TestNextRequestIDMonotonic(t *testing.T) {
	a := NextRequestID()
	b := NextRequestID()
	if b <= a {
		t.Fatalf("expected monotonically increasing request ids, got %d then %d", a, b)
	}
}

func TestWireVersionCapabilities(t *testing.T) {
	if VersionOld.SupportsOpMsg() {
		t.Fatalf("old wire version should not support OP_MSG")
	}
	if !Version36.SupportsOpMsg() {
		t.Fatalf("wire version 36 should support OP_MSG")
	}
	if VersionOld.SupportsScramSHA1() {
		t.Fatalf("old wire version should not support SCRAM-SHA-1")
	}
	if !Version30.SupportsScramSHA1() {
		t.Fatalf("wire version 30 should support SCRAM-SHA-1")
	}
}
