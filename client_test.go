package mongolink

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/conn"
	"github.com/mongolink/mongolink/internal/pool"
	"github.com/mongolink/mongolink/internal/uri"
	"github.com/mongolink/mongolink/internal/wire"
)

// fakeMongoServer plays the server side of the wire protocol over a
// net.Pipe for root-package tests: each OP_MSG command is dispatched to a
// caller-supplied handler by its first field name.
type fakeMongoServer struct {
	conn     net.Conn
	handlers map[string]func(cmd bson.D) bson.D

	getMore func(cursorID int64, numberToReturn int32) (docs []bson.D, nextCursorID int64)

	mu            sync.Mutex
	killedCursors []int64
}

func newFakeMongoServer(netConn net.Conn) *fakeMongoServer {
	return &fakeMongoServer{conn: netConn, handlers: map[string]func(cmd bson.D) bson.D{}}
}

func (f *fakeMongoServer) on(verb string, handler func(cmd bson.D) bson.D) {
	f.handlers[verb] = handler
}

func (f *fakeMongoServer) onGetMore(handler func(cursorID int64, numberToReturn int32) (docs []bson.D, nextCursorID int64)) {
	f.getMore = handler
}

func (f *fakeMongoServer) wasCursorKilled(id int64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.killedCursors {
		if k == id {
			return true
		}
	}
	return false
}

func (f *fakeMongoServer) serve() {
	for {
		if err := f.serveOne(); err != nil {
			return
		}
	}
}

func (f *fakeMongoServer) serveOne() error {
	lenBuf := make([]byte, 4)
	if _, err := readFull(f.conn, lenBuf); err != nil {
		return err
	}
	total := int(int32(lenBuf[0]) | int32(lenBuf[1])<<8 | int32(lenBuf[2])<<16 | int32(lenBuf[3])<<24)
	rest := make([]byte, total-4)
	if _, err := readFull(f.conn, rest); err != nil {
		return err
	}
	frame := append(lenBuf, rest...)

	header, err := wire.ParseHeader(frame)
	if err != nil {
		return err
	}
	switch header.OpCode {
	case wire.OpGetMore:
		return f.handleGetMore(frame, header)
	case wire.OpKillCursors:
		return f.handleKillCursors(frame)
	case wire.OpMsg:
		// fall through below
	default:
		return nil
	}

	msg, err := wire.DecodeMsg(frame)
	if err != nil {
		return err
	}
	var cmd bson.D
	if err := bson.Unmarshal(msg.Body, &cmd); err != nil {
		return err
	}
	verb := cmd[0].Key
	handler, ok := f.handlers[verb]
	var reply bson.D
	if ok {
		reply = handler(cmd)
	} else {
		reply = bson.D{{Key: "ok", Value: 1.0}}
	}

	replyFrame, err := wire.EncodeMsg(1, 0, reply, nil)
	if err != nil {
		return err
	}
	replyFrame[8] = byte(header.RequestID)
	replyFrame[9] = byte(header.RequestID >> 8)
	replyFrame[10] = byte(header.RequestID >> 16)
	replyFrame[11] = byte(header.RequestID >> 24)
	_, err = f.conn.Write(replyFrame)
	return err
}

func (f *fakeMongoServer) handleGetMore(frame []byte, header wire.Header) error {
	pos := 16
	pos += 4 // reserved
	start := pos
	for frame[pos] != 0 {
		pos++
	}
	pos++ // skip the cstring's NUL
	_ = frame[start:pos]
	numberToReturn := readLE32(frame[pos:])
	pos += 4
	cursorID := readLE64(frame[pos:])

	var docs []bson.D
	nextCursorID := int64(0)
	if f.getMore != nil {
		docs, nextCursorID = f.getMore(cursorID, numberToReturn)
	}

	buf := make([]byte, 0, 36)
	buf = append(buf, 0, 0, 0, 0)
	buf = append(buf, le32(1)...)
	buf = append(buf, le32(header.RequestID)...)
	buf = append(buf, le32(int32(wire.OpReply))...)
	buf = append(buf, le32(0)...)
	buf = append(buf, le64(nextCursorID)...)
	buf = append(buf, le32(0)...)
	buf = append(buf, le32(int32(len(docs)))...)
	for _, d := range docs {
		enc, err := bson.Marshal(d)
		if err != nil {
			return err
		}
		buf = append(buf, enc...)
	}
	total := len(buf)
	buf[0] = byte(total)
	buf[1] = byte(total >> 8)
	buf[2] = byte(total >> 16)
	buf[3] = byte(total >> 24)
	_, err := f.conn.Write(buf)
	return err
}

func (f *fakeMongoServer) handleKillCursors(frame []byte) error {
	pos := 16
	pos += 4 // reserved
	n := readLE32(frame[pos:])
	pos += 4
	ids := make([]int64, 0, n)
	for i := int32(0); i < n; i++ {
		ids = append(ids, readLE64(frame[pos:]))
		pos += 8
	}
	f.mu.Lock()
	f.killedCursors = append(f.killedCursors, ids...)
	f.mu.Unlock()
	return nil
}

func readLE32(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}

func readLE64(b []byte) int64 {
	return int64(b[0]) | int64(b[1])<<8 | int64(b[2])<<16 | int64(b[3])<<24 |
		int64(b[4])<<32 | int64(b[5])<<40 | int64(b[6])<<48 | int64(b[7])<<56
}

func le32(v int32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func le64(v int64) []byte {
	return []byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}

func readFull(c net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := c.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// newTestClient builds a Client backed by a single net.Pipe connection and
// a fake server the test can program per command verb.
func newTestClient(t *testing.T, maxWire wire.Version, configure func(*fakeMongoServer)) (*Client, func()) {
	t.Helper()
	clientSide, serverSide := net.Pipe()

	srv := newFakeMongoServer(serverSide)
	if configure != nil {
		configure(srv)
	}
	go srv.serve()

	cn := conn.NewTestConnection(clientSide, conn.ServerDescription{
		MaxWireVersion: maxWire,
		ConnectionID:   7,
	}, uri.Settings{})

	used := false
	factory := func(ctx context.Context) (*conn.Connection, error) {
		if used {
			return nil, context.Canceled
		}
		used = true
		return cn, nil
	}

	p := pool.New(factory, pool.Config{MaxConnections: 1, AcquireTimeout: 2 * time.Second, Logger: slog.Default()})
	client := &Client{pool: p, logger: slog.Default()}

	cleanup := func() {
		p.Close()
		clientSide.Close()
		serverSide.Close()
	}
	return client, cleanup
}

func TestPingSucceedsWhenServerRepliesOK(t *testing.T) {
	client, cleanup := newTestClient(t, wire.Version36, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestServerVersionReadsBuildInfo(t *testing.T) {
	client, cleanup := newTestClient(t, wire.Version36, func(f *fakeMongoServer) {
		f.on("buildInfo", func(cmd bson.D) bson.D {
			return bson.D{{Key: "ok", Value: 1.0}, {Key: "version", Value: "4.2.3"}}
		})
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	version, err := client.ServerVersion(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != "4.2.3" {
		t.Fatalf("expected version 4.2.3, got %q", version)
	}
}

func TestCollectionRejectsMalformedPath(t *testing.T) {
	client, cleanup := newTestClient(t, wire.Version36, nil)
	defer cleanup()

	if _, err := client.Collection("nodot"); err == nil {
		t.Fatalf("expected an error for a path without a dot")
	}
	if _, err := client.Collection(".coll"); err == nil {
		t.Fatalf("expected an error for an empty database name")
	}
}

func TestConnectWithOptionsRejectsBadURI(t *testing.T) {
	if _, err := ConnectWithOptions(context.Background(), "not-a-mongo-uri", nil, nil); err == nil {
		t.Fatal("expected an error for a malformed connection string")
	}
}

func TestConnectWithOptionsRejectsEmptyHostList(t *testing.T) {
	if _, err := ConnectWithOptions(context.Background(), "mongodb:///db", nil, nil); err == nil {
		t.Fatal("expected an error for a uri with no hosts")
	}
}
