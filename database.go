package mongolink

import (
	"context"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/conn"
)

// Database is a lightweight (client, name) handle; it does not touch the
// network on its own.
type Database struct {
	client *Client
	name   string
}

// Name returns the database name.
func (d *Database) Name() string { return d.name }

// Collection returns a handle for a collection within this database.
func (d *Database) Collection(name string) *Collection {
	return &Collection{
		database: d,
		name:     name,
		fullName: d.name + "." + name,
	}
}

// GetCollection is an alias for Collection, matching the driver family's
// literal naming for the equivalent client-level accessor.
func (d *Database) GetCollection(name string) *Collection { return d.Collection(name) }

type listCollectionsReply struct {
	Cursor struct {
		FirstBatch []struct {
			Name string `bson:"name"`
		} `bson:"firstBatch"`
		ID int64 `bson:"id"`
	} `bson:"cursor"`
}

// CollectionNames lists the collections of this database via
// listCollections. Only the names in the first batch are returned; a
// server cursor left open for further batches is killed.
func (d *Database) CollectionNames(ctx context.Context) ([]string, error) {
	var names []string
	err := d.client.withConnection(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, d.name, bson.D{
			{Key: "listCollections", Value: 1},
			{Key: "nameOnly", Value: true},
		})
		if err != nil {
			return err
		}
		var reply listCollectionsReply
		if err := bson.Unmarshal(raw, &reply); err != nil {
			return err
		}
		names = make([]string, 0, len(reply.Cursor.FirstBatch))
		for _, c := range reply.Cursor.FirstBatch {
			names = append(names, c.Name)
		}
		if reply.Cursor.ID != 0 {
			cn.KillCursors(ctx, []int64{reply.Cursor.ID})
		}
		return nil
	})
	return names, err
}
