package wire

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// MsgFlags are the bit flags carried in the OP_MSG flagBits field.
type MsgFlags uint32

const (
	MsgFlagChecksumPresent MsgFlags = 1 << 0
	MsgFlagMoreToCome      MsgFlags = 1 << 1
	MsgFlagExhaustAllowed  MsgFlags = 1 << 16
)

const (
	sectionKindBody              byte = 0
	sectionKindDocumentSequence   byte = 1
)

// MsgMessage is a decoded OP_MSG: one body document (section kind 0) plus
// at most one document sequence (section kind 1), matching the shape
// every database command + its optional bulk payload takes in this
// driver — we never need more than one sequence per command. If a frame
// carries several kind-1 sections, DecodeMsg keeps only the last.
type MsgMessage struct {
	Header   Header
	Flags    MsgFlags
	Body     bson.Raw
	Sequence *DocumentSequence
}

// DocumentSequence is a section-kind-1 payload: a named array of BSON
// documents transmitted without the surrounding array wrapper.
type DocumentSequence struct {
	Identifier string
	Documents  []bson.Raw
}

// EncodeMsg serializes a command document into an OP_MSG frame.
func EncodeMsg(requestID int32, flags MsgFlags, body interface{}, seq *DocumentSequence) ([]byte, error) {
	buf := &buffer{}
	writeHeader(buf, requestID, 0, OpMsg)
	buf.int32(int32(flags))

	buf.byte(sectionKindBody)
	if err := buf.bsonDoc(body); err != nil {
		return nil, fmt.Errorf("wire: encoding OP_MSG body: %w", err)
	}

	if seq != nil {
		seqBuf := &buffer{}
		seqBuf.cstring(seq.Identifier)
		for _, doc := range seq.Documents {
			seqBuf.raw(doc)
		}
		buf.byte(sectionKindDocumentSequence)
		buf.int32(int32(len(seqBuf.b) + 4))
		buf.raw(seqBuf.b)
	}

	return finalizeLength(buf), nil
}

// DecodeMsg parses a full OP_MSG frame, header included.
func DecodeMsg(b []byte) (MsgMessage, error) {
	header, err := ParseHeader(b)
	if err != nil {
		return MsgMessage{}, err
	}
	if header.OpCode != OpMsg {
		return MsgMessage{}, fmt.Errorf("wire: expected OP_MSG, got %s", header.OpCode)
	}

	r := newReader(b)
	r.pos = headerLen

	flagsRaw, err := r.int32()
	if err != nil {
		return MsgMessage{}, err
	}
	flags := MsgFlags(uint32(flagsRaw))

	var msg MsgMessage
	msg.Header = header
	msg.Flags = flags

	checksumLen := 0
	if flags&MsgFlagChecksumPresent != 0 {
		checksumLen = 4
	}

	haveBody := false
	for r.pos < len(b)-checksumLen {
		kind, err := r.byte()
		if err != nil {
			return MsgMessage{}, err
		}
		switch kind {
		case sectionKindBody:
			doc, err := r.bsonDoc()
			if err != nil {
				return MsgMessage{}, err
			}
			msg.Body = doc
			haveBody = true
		case sectionKindDocumentSequence:
			sectionLen, err := r.int32()
			if err != nil {
				return MsgMessage{}, err
			}
			sectionEnd := r.pos + int(sectionLen) - 4
			if sectionEnd > len(b)-checksumLen {
				return MsgMessage{}, fmt.Errorf("wire: document sequence overruns message")
			}
			identifier, err := r.cstring()
			if err != nil {
				return MsgMessage{}, err
			}
			seq := &DocumentSequence{Identifier: identifier}
			for r.pos < sectionEnd {
				doc, err := r.bsonDoc()
				if err != nil {
					return MsgMessage{}, err
				}
				seq.Documents = append(seq.Documents, doc)
			}
			msg.Sequence = seq
		default:
			return MsgMessage{}, fmt.Errorf("wire: unknown OP_MSG section kind %d", kind)
		}
	}

	if !haveBody {
		return MsgMessage{}, fmt.Errorf("wire: OP_MSG frame carries no body section")
	}

	return msg, nil
}
