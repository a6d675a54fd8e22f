package mongolink

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/wire"
)

func TestCursorFetchesAdditionalBatchesViaGetMore(t *testing.T) {
	coll, cleanup := testCollection(t, wire.Version36, func(f *fakeMongoServer) {
		f.on("find", func(cmd bson.D) bson.D {
			doc, _ := bson.Marshal(bson.D{{Key: "n", Value: 1}})
			return bson.D{
				{Key: "ok", Value: 1.0},
				{Key: "cursor", Value: bson.D{
					{Key: "id", Value: int64(99)},
					{Key: "ns", Value: "testdb.widgets"},
					{Key: "firstBatch", Value: bson.A{bson.Raw(doc)}},
				}},
			}
		})
		f.onGetMore(func(cursorID int64, numberToReturn int32) ([]bson.D, int64) {
			return []bson.D{{{Key: "n", Value: 2}}}, 0
		})
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cur, err := coll.Find(ctx, bson.D{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cur.Close(ctx)

	docs, err := cur.All(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 documents across two batches, got %d", len(docs))
	}
}

func TestCursorKillsServerCursorOnClose(t *testing.T) {
	var srv *fakeMongoServer
	coll, cleanup := testCollection(t, wire.Version36, func(f *fakeMongoServer) {
		srv = f
		f.on("find", func(cmd bson.D) bson.D {
			doc, _ := bson.Marshal(bson.D{{Key: "n", Value: 1}})
			return bson.D{
				{Key: "ok", Value: 1.0},
				{Key: "cursor", Value: bson.D{
					{Key: "id", Value: int64(123)},
					{Key: "ns", Value: "testdb.widgets"},
					{Key: "firstBatch", Value: bson.A{bson.Raw(doc)}},
				}},
			}
		})
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cur, err := coll.Find(ctx, bson.D{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cur.Empty(ctx); err != nil {
		t.Fatalf("unexpected error fetching first batch: %v", err)
	}
	if err := cur.Close(ctx); err != nil {
		t.Fatalf("unexpected error closing cursor: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if srv.wasCursorKilled(123) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected killCursors to be sent for cursor 123")
}

func TestCursorSettersApplyBeforeFirstFetch(t *testing.T) {
	var captured bson.D
	coll, cleanup := testCollection(t, wire.Version36, func(f *fakeMongoServer) {
		f.on("find", func(cmd bson.D) bson.D {
			captured = cmd
			doc, _ := bson.Marshal(bson.D{{Key: "n", Value: 1}})
			return bson.D{
				{Key: "ok", Value: 1.0},
				{Key: "cursor", Value: bson.D{
					{Key: "id", Value: int64(0)},
					{Key: "ns", Value: "testdb.widgets"},
					{Key: "firstBatch", Value: bson.A{bson.Raw(doc)}},
				}},
			}
		})
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cur, err := coll.Find(ctx, bson.D{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer cur.Close(ctx)

	if err := cur.SetSort(bson.D{{Key: "name", Value: -1}}); err != nil {
		t.Fatalf("unexpected error setting sort before iteration: %v", err)
	}
	if err := cur.SetSkip(3); err != nil {
		t.Fatalf("unexpected error setting skip before iteration: %v", err)
	}
	if err := cur.SetLimit(7); err != nil {
		t.Fatalf("unexpected error setting limit before iteration: %v", err)
	}

	if _, err := cur.Empty(ctx); err != nil {
		t.Fatalf("unexpected error fetching first batch: %v", err)
	}

	if captured == nil {
		t.Fatalf("expected the find command to have been issued")
	}
	got := captured.Map()
	if sort, _ := got["sort"].(bson.D); len(sort) != 1 || sort[0].Key != "name" {
		t.Fatalf("expected the sort set before iteration to reach the wire, got %#v", got["sort"])
	}
	if skip, ok := got["skip"].(int64); !ok || skip != 3 {
		t.Fatalf("expected skip=3 to reach the wire, got %#v", got["skip"])
	}
	if limit, ok := got["limit"].(int64); !ok || limit != 7 {
		t.Fatalf("expected limit=7 to reach the wire, got %#v", got["limit"])
	}

	if err := cur.SetSort(bson.D{}); err == nil {
		t.Fatalf("expected SetSort to fail once iteration has started")
	}
}

func TestCursorCloneSharesStateAndKillsOnlyOnLastClose(t *testing.T) {
	coll, cleanup := testCollection(t, wire.Version36, func(f *fakeMongoServer) {
		f.on("find", func(cmd bson.D) bson.D {
			doc, _ := bson.Marshal(bson.D{{Key: "n", Value: 1}})
			return bson.D{
				{Key: "ok", Value: 1.0},
				{Key: "cursor", Value: bson.D{
					{Key: "id", Value: int64(55)},
					{Key: "ns", Value: "testdb.widgets"},
					{Key: "firstBatch", Value: bson.A{bson.Raw(doc)}},
				}},
			}
		})
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cur, err := coll.Find(ctx, bson.D{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cur.Empty(ctx); err != nil {
		t.Fatalf("unexpected error fetching first batch: %v", err)
	}
	clone := cur.Clone()

	if err := cur.Close(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !clone.state.alive {
		t.Fatalf("expected the clone to keep the server cursor alive after the first Close")
	}
	if err := clone.Close(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
