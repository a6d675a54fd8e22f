package mongolink

import (
	"context"
	"runtime"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/conn"
	"github.com/mongolink/mongolink/internal/mongoerr"
	"github.com/mongolink/mongolink/internal/wire"
)

// CursorType selects a find command's tailable behavior.
type CursorType int

const (
	// NonTailable is the default: the cursor closes once the result set is
	// exhausted.
	NonTailable CursorType = iota
	// Tailable sets the find command's tailable flag.
	Tailable
	// TailableAwait additionally sets awaitData and honors MaxAwaitTime on
	// getMore.
	TailableAwait
)

// Decoder turns one raw BSON document into a T. Cursor[bson.Raw] with
// rawDecoder is the degenerate "no decoding" case.
type Decoder[T any] func(bson.Raw) (T, error)

// cursorState is the heap-allocated, reference-counted block shared
// between every copy of a Cursor handle, so the last holder — and only
// the last holder — kills the live server cursor.
type cursorState struct {
	mu sync.Mutex

	client *Client
	ns     string

	cursorID int64
	alive    bool

	batch []bson.Raw
	pos   int

	refs int32

	iterationStarted bool

	sort        interface{}
	skip        int64
	limit       int64
	batchSize   int32
	singleBatch bool

	maxAwaitTimeMS int64
	cursorType     CursorType

	// startQuery, set only on a cursor built from Find, defers issuing the
	// find command until the first Empty call so SetSort/SetSkip/SetLimit
	// have a real pre-iteration window. nil for cursors that already have
	// their first batch in hand (Aggregate, runListCommand).
	startQuery func(ctx context.Context, s *cursorState) (ns string, cursorID int64, firstBatch []bson.Raw, err error)
}

// Cursor is a forward, non-restartable lazy sequence of documents of type
// T. Copying a Cursor shares the same underlying state and
// increments its reference count; Close (or, for a leaked handle, the
// finalizer) decrements it, killing the server cursor on the last release.
type Cursor[T any] struct {
	state   *cursorState
	decoder Decoder[T]
}

func newCursorState(client *Client, ns string) *cursorState {
	s := &cursorState{client: client, ns: ns, refs: 1}
	runtime.SetFinalizer(s, finalizeCursorState)
	return s
}

// finalizeCursorState runs only when a Cursor was dropped without Close
// ever being called. Killing the server cursor here would risk
// reentrancy into the runtime during finalization, so we only log.
func finalizeCursorState(s *cursorState) {
	s.mu.Lock()
	leaked := s.alive && s.cursorID != 0
	s.mu.Unlock()
	if leaked {
		s.client.logger.Warn("mongolink: cursor garbage-collected with a live server cursor; killCursors skipped", "ns", s.ns, "cursorId", s.cursorID)
	}
}

// cursorTypeFromOptions maps the find command's tailable/awaitData flags
// onto the cursor's own CursorType, so fetchMore knows whether getMore
// should honor MaxAwaitTime.
func cursorTypeFromOptions(tailable, awaitData bool) CursorType {
	switch {
	case tailable && awaitData:
		return TailableAwait
	case tailable:
		return Tailable
	default:
		return NonTailable
	}
}

func newCursorFromFirstBatch[T any](client *Client, ns string, cursorID int64, firstBatch []bson.Raw, batchSize int32, decoder Decoder[T]) (*Cursor[T], error) {
	state := newCursorState(client, ns)
	state.cursorID = cursorID
	state.alive = cursorID != 0
	state.batch = firstBatch
	state.batchSize = batchSize
	state.iterationStarted = true
	return &Cursor[T]{state: state, decoder: decoder}, nil
}

// newPendingCursor constructs a Cursor[T] whose backing query has not run
// yet: iterationStarted stays false until the first Empty call, so
// SetSort/SetSkip/SetLimit can still take effect. startQuery is called at
// most once, reading whatever sort/skip/limit/batchSize/singleBatch is on
// the cursorState at that point.
func newPendingCursor[T any](client *Client, decoder Decoder[T], startQuery func(ctx context.Context, s *cursorState) (ns string, cursorID int64, firstBatch []bson.Raw, err error)) *Cursor[T] {
	state := newCursorState(client, "")
	state.startQuery = startQuery
	return &Cursor[T]{state: state, decoder: decoder}
}

// ensureStarted runs a pending cursor's deferred query on first use. A
// no-op for cursors that were already started at construction.
func (c *Cursor[T]) ensureStarted(ctx context.Context) error {
	c.state.mu.Lock()
	if c.state.iterationStarted || c.state.startQuery == nil {
		c.state.mu.Unlock()
		return nil
	}
	startQuery := c.state.startQuery
	c.state.mu.Unlock()

	ns, cursorID, firstBatch, err := startQuery(ctx, c.state)
	if err != nil {
		return err
	}

	c.state.mu.Lock()
	c.state.ns = ns
	c.state.cursorID = cursorID
	c.state.alive = cursorID != 0
	c.state.batch = firstBatch
	c.state.pos = 0
	c.state.iterationStarted = true
	c.state.startQuery = nil
	c.state.mu.Unlock()
	return nil
}

// Clone returns a second handle to the same underlying cursor, bumping
// the reference count.
func (c *Cursor[T]) Clone() *Cursor[T] {
	c.state.mu.Lock()
	c.state.refs++
	c.state.mu.Unlock()
	return &Cursor[T]{state: c.state, decoder: c.decoder}
}

func (c *Cursor[T]) checkNotStarted(what string) error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.iterationStarted {
		return mongoerr.Usage("cursor: cannot set %s after iteration has started", what)
	}
	return nil
}

// SetSort sets the find command's sort document. Usage error once
// iteration has started.
func (c *Cursor[T]) SetSort(sort interface{}) error {
	if err := c.checkNotStarted("sort"); err != nil {
		return err
	}
	c.state.mu.Lock()
	c.state.sort = sort
	c.state.mu.Unlock()
	return nil
}

// SetSkip sets the find command's skip. Usage error once iteration has
// started.
func (c *Cursor[T]) SetSkip(skip int64) error {
	if err := c.checkNotStarted("skip"); err != nil {
		return err
	}
	c.state.mu.Lock()
	c.state.skip = skip
	c.state.mu.Unlock()
	return nil
}

// SetLimit sets the result-set limit. A negative value maps to
// singleBatch=true with the absolute value as the batch's max size.
func (c *Cursor[T]) SetLimit(limit int64) error {
	if err := c.checkNotStarted("limit"); err != nil {
		return err
	}
	c.state.mu.Lock()
	if limit < 0 {
		c.state.singleBatch = true
		limit = -limit
	}
	c.state.limit = limit
	c.state.mu.Unlock()
	return nil
}

// Empty reports whether the cursor has no more documents to yield,
// fetching the next batch via getMore if the current one is drained and
// the server cursor is still alive.
func (c *Cursor[T]) Empty(ctx context.Context) (bool, error) {
	if err := c.ensureStarted(ctx); err != nil {
		return true, err
	}

	c.state.mu.Lock()
	hasBuffered := c.state.pos < len(c.state.batch)
	alive := c.state.alive
	cursorID := c.state.cursorID
	c.state.mu.Unlock()

	if hasBuffered {
		return false, nil
	}
	if !alive || cursorID == 0 {
		return true, nil
	}

	if err := c.fetchMore(ctx); err != nil {
		return true, err
	}

	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	return c.state.pos >= len(c.state.batch), nil
}

func (c *Cursor[T]) fetchMore(ctx context.Context) error {
	c.state.mu.Lock()
	ns := c.state.ns
	cursorID := c.state.cursorID
	limit := c.state.limit
	batchSize := c.state.batchSize
	cursorType := c.state.cursorType
	maxAwaitTimeMS := c.state.maxAwaitTimeMS
	c.state.mu.Unlock()

	numberToReturn := batchSize
	if limit > 0 && (numberToReturn == 0 || int64(numberToReturn) > limit) {
		numberToReturn = int32(limit)
	}

	var result conn.QueryResult
	err := c.state.client.withConnection(ctx, func(cn *conn.Connection) error {
		// A tailable-await cursor's MaxAwaitTime can only be honored
		// through the modern getMore command: the legacy OP_GET_MORE
		// opcode carries no maxTimeMS field at all.
		if cursorType == TailableAwait && maxAwaitTimeMS > 0 &&
			cn.ServerDescription().MaxWireVersion.AtLeast(wire.Version32) {
			if db, collection, ok := strings.Cut(ns, "."); ok {
				var err error
				result, err = cn.GetMoreCommand(ctx, db, collection, cursorID, numberToReturn, maxAwaitTimeMS)
				return err
			}
		}
		var err error
		result, err = cn.GetMore(ctx, ns, numberToReturn, cursorID)
		return err
	})
	if err != nil {
		return err
	}

	c.state.mu.Lock()
	c.state.batch = result.Documents
	c.state.pos = 0
	c.state.cursorID = result.CursorID
	c.state.alive = result.CursorID != 0
	c.state.mu.Unlock()

	if result.CursorID == 0 {
		return nil
	}

	// A user-imposed limit reached exactly at a batch boundary still
	// requires an explicit kill.
	c.state.mu.Lock()
	exhaustedByLimit := limit > 0 && int64(len(result.Documents)) >= limit
	c.state.mu.Unlock()
	if exhaustedByLimit {
		return c.killServerCursor(ctx)
	}
	return nil
}

// Front returns the current document without advancing. Callers must
// check Empty first.
func (c *Cursor[T]) Front() (T, error) {
	var zero T
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.pos >= len(c.state.batch) {
		return zero, mongoerr.Usage("cursor: Front called on an empty cursor")
	}
	return c.decoder(c.state.batch[c.state.pos])
}

// PopFront advances past the current document.
func (c *Cursor[T]) PopFront() error {
	c.state.mu.Lock()
	defer c.state.mu.Unlock()
	if c.state.pos >= len(c.state.batch) {
		return mongoerr.Usage("cursor: PopFront called on an empty cursor")
	}
	c.state.pos++
	return nil
}

// All drains the cursor into a slice, for callers who don't need lazy
// iteration.
func (c *Cursor[T]) All(ctx context.Context) ([]T, error) {
	var out []T
	for {
		empty, err := c.Empty(ctx)
		if err != nil {
			return out, err
		}
		if empty {
			return out, nil
		}
		v, err := c.Front()
		if err != nil {
			return out, err
		}
		out = append(out, v)
		if err := c.PopFront(); err != nil {
			return out, err
		}
	}
}

// WithDecoder rewraps a raw-BSON cursor with a typed decoder, sharing the
// same underlying server cursor (and bumping its reference count) rather
// than re-issuing the query — a generic Cursor[T] in place of
// template-dispatched deserialization.
func WithDecoder[T any](c *Cursor[bson.Raw], decoder Decoder[T]) *Cursor[T] {
	c.state.mu.Lock()
	c.state.refs++
	c.state.mu.Unlock()
	return &Cursor[T]{state: c.state, decoder: decoder}
}

func (c *Cursor[T]) killServerCursor(ctx context.Context) error {
	c.state.mu.Lock()
	cursorID := c.state.cursorID
	c.state.alive = false
	c.state.cursorID = 0
	c.state.mu.Unlock()

	if cursorID == 0 {
		return nil
	}
	return c.state.client.withConnection(ctx, func(cn *conn.Connection) error {
		return cn.KillCursors(ctx, []int64{cursorID})
	})
}

// Close releases this handle. On the last reference to a live server
// cursor, it issues killCursors.
func (c *Cursor[T]) Close(ctx context.Context) error {
	c.state.mu.Lock()
	c.state.refs--
	last := c.state.refs <= 0
	c.state.mu.Unlock()

	if !last {
		return nil
	}
	runtime.SetFinalizer(c.state, nil)
	return c.killServerCursor(ctx)
}
