package mongolink

import (
	"context"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/wire"
)

func testCollection(t *testing.T, maxWire wire.Version, configure func(*fakeMongoServer)) (*Collection, func()) {
	t.Helper()
	client, cleanup := newTestClient(t, maxWire, configure)
	return client.Database("testdb").Collection("widgets"), cleanup
}

func TestInsertOneGeneratesIDWhenMissing(t *testing.T) {
	var captured bson.D
	coll, cleanup := testCollection(t, wire.Version36, func(f *fakeMongoServer) {
		f.on("insert", func(cmd bson.D) bson.D {
			for _, e := range cmd {
				if e.Key == "documents" {
					docs := e.Value.(bson.A)
					captured = docs[0].(bson.D)
				}
			}
			return bson.D{{Key: "ok", Value: 1.0}, {Key: "n", Value: int32(1)}}
		})
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := coll.InsertOne(ctx, bson.D{{Key: "name", Value: "widget"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == nil {
		t.Fatalf("expected a generated _id")
	}
	if len(captured) == 0 || captured[0].Key != "_id" {
		t.Fatalf("expected _id to be first field sent on the wire, got %+v", captured)
	}
}

func TestInsertOneKeepsCallerSuppliedID(t *testing.T) {
	coll, cleanup := testCollection(t, wire.Version36, func(f *fakeMongoServer) {
		f.on("insert", func(cmd bson.D) bson.D {
			return bson.D{{Key: "ok", Value: 1.0}, {Key: "n", Value: int32(1)}}
		})
	})
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	id, err := coll.InsertOne(ctx, bson.D{{Key: "_id", Value: "explicit"}, {Key: "name", Value: "widget"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != "explicit" {
		t.Fatalf("expected caller-supplied _id to survive, got %v", id)
	}
}

func TestReplaceOneRejectsDollarPrefixedKeys(t *testing.T) {
	coll, cleanup := testCollection(t, wire.Version36, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: 1}}, bson.D{{Key: "$set", Value: bson.D{{Key: "x", Value: 1}}}})
	if err == nil {
		t.Fatalf("expected an error for a replacement document with a $-prefixed key")
	}
}

func TestUpdateOneRequiresDollarPrefixedKeys(t *testing.T) {
	coll, cleanup := testCollection(t, wire.Version36, nil)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := coll.UpdateOne(ctx, bson.D{{Key: "_id", Value: 1}}, bson.D{{Key: "x", Value: 1}})
	if err == nil {
		t.Fatalf("expected an error for an update document with no operator keys")
	}
}

func TestDropIndexRejectsWildcard(t *testing.T) {
	coll, cleanup := testCollection(t, wire.Version36, nil)
	defer cleanup()

	if err := coll.DropIndex(context.Background(), "*"); err == nil {
		t.Fatalf("expected DropIndex(\"*\") to be rejected in favor of DropIndexes")
	}
}

func TestFindDecodesFirstBatch(t *testing.T) {
	coll, cleanup := testCollection(t, wire.Version36, func(f *fakeMongoServer) {
		f.on("find", func(cmd bson.D) bson.D {
			doc, _ := bson.Marshal(bson.D{{Key: "_id", Value: 1}, {Key: "name", Value: "widget"}})
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

	docs, err := cur.All(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	var decoded struct {
		Name string `bson:"name"`
	}
	if err := bson.Unmarshal(docs[0], &decoded); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decoded.Name != "widget" {
		t.Fatalf("expected name \"widget\", got %q", decoded.Name)
	}
}

func TestCreateIndexesUsesDefaultName(t *testing.T) {
	var sentName string
	coll, cleanup := testCollection(t, wire.Version36, func(f *fakeMongoServer) {
		f.on("createIndexes", func(cmd bson.D) bson.D {
			for _, e := range cmd {
				if e.Key == "indexes" {
					idx := e.Value.(bson.A)[0].(bson.D)
					for _, ie := range idx {
						if ie.Key == "name" {
							sentName = ie.Value.(string)
						}
					}
				}
			}
			return bson.D{{Key: "ok", Value: 1.0}}
		})
	})
	defer cleanup()

	names, err := coll.CreateIndexes(context.Background(), []bson.D{{{Key: "email", Value: 1}}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if names[0] != "email_1" {
		t.Fatalf("expected default name email_1, got %q", names[0])
	}
	if sentName != "email_1" {
		t.Fatalf("expected wire name email_1, got %q", sentName)
	}
}
