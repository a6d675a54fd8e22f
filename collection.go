package mongolink

import (
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"context"

	"github.com/mongolink/mongolink/internal/conn"
	"github.com/mongolink/mongolink/internal/mongoerr"
	"github.com/mongolink/mongolink/internal/wire"
)

// Collection carries (client, database, name, fullPath="db.coll"). All
// operations are expressed as BSON command documents with a prescribed
// key order.
type Collection struct {
	database *Database
	name     string
	fullName string
}

// Name returns the bare collection name.
func (c *Collection) Name() string { return c.name }

// FullName returns the "db.coll" dotted path.
func (c *Collection) FullName() string { return c.fullName }

func (c *Collection) withConn(ctx context.Context, fn func(*conn.Connection) error) error {
	return c.database.client.withConnection(ctx, fn)
}

// ensureID returns doc re-encoded as a bson.D with "_id" first, generating
// a fresh ObjectID when the caller's document lacked one, and reports the
// id that was used (caller-supplied or generated).
func ensureID(doc interface{}) (bson.D, interface{}, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, nil, mongoerr.Wrap(mongoerr.KindUsage, err, "encoding document")
	}
	var d bson.D
	if err := bson.Unmarshal(raw, &d); err != nil {
		return nil, nil, mongoerr.Wrap(mongoerr.KindUsage, err, "decoding document")
	}
	for _, e := range d {
		if e.Key == "_id" {
			return d, e.Value, nil
		}
	}
	id := primitive.NewObjectID()
	withID := make(bson.D, 0, len(d)+1)
	withID = append(withID, bson.E{Key: "_id", Value: id})
	withID = append(withID, d...)
	return withID, id, nil
}

type insertReply struct {
	N         int32  `bson:"n"`
	OK        float64 `bson:"ok"`
	ErrMsg    string `bson:"errmsg"`
	WriteErrs []struct {
		Index  int    `bson:"index"`
		Code   int32  `bson:"code"`
		ErrMsg string `bson:"errmsg"`
	} `bson:"writeErrors"`
}

// InsertOne inserts a single document, generating and returning its _id
// when the caller did not supply one.
func (c *Collection) InsertOne(ctx context.Context, doc interface{}, opts ...InsertOptions) (interface{}, error) {
	ids, err := c.InsertMany(ctx, []interface{}{doc}, opts...)
	if err != nil {
		return nil, err
	}
	return ids[0], nil
}

// InsertMany inserts every document in docs, returning a map from index
// to the _id used (whether caller-supplied or generated).
func (c *Collection) InsertMany(ctx context.Context, docs []interface{}, opts ...InsertOptions) (map[int]interface{}, error) {
	ordered := true
	if len(opts) > 0 {
		ordered = opts[0].Ordered
	}

	prepared := make(bson.A, 0, len(docs))
	ids := make(map[int]interface{}, len(docs))
	for i, doc := range docs {
		d, id, err := ensureID(doc)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, d)
		ids[i] = id
	}

	cmd := bson.D{
		{Key: "insert", Value: c.name},
		{Key: "documents", Value: prepared},
		{Key: "ordered", Value: ordered},
	}

	var reply insertReply
	err := c.withConn(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, c.database.name, cmd)
		if err != nil {
			return err
		}
		return bson.Unmarshal(raw, &reply)
	})
	if err != nil {
		return nil, err
	}
	if len(reply.WriteErrs) > 0 {
		first := reply.WriteErrs[0]
		return ids, mongoerr.New(mongoerr.KindDatabase, "insert failed at index %d: %s (code %d)", first.Index, first.ErrMsg, first.Code)
	}
	return ids, nil
}

type writeCountReply struct {
	N int64 `bson:"n"`
}

func (c *Collection) deleteDocs(ctx context.Context, filter interface{}, limit int32, opts DeleteOptions) (int64, error) {
	if filter == nil {
		filter = bson.D{}
	}
	del := bson.D{
		{Key: "q", Value: filter},
		{Key: "limit", Value: limit},
	}
	if opts.Collation != nil {
		del = append(del, bson.E{Key: "collation", Value: opts.Collation})
	}
	if opts.Hint != nil {
		del = append(del, bson.E{Key: "hint", Value: opts.Hint})
	}
	cmd := bson.D{
		{Key: "delete", Value: c.name},
		{Key: "deletes", Value: bson.A{del}},
	}

	var reply writeCountReply
	err := c.withConn(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, c.database.name, cmd)
		if err != nil {
			return err
		}
		return bson.Unmarshal(raw, &reply)
	})
	return reply.N, err
}

// DeleteOne removes at most one matching document.
func (c *Collection) DeleteOne(ctx context.Context, filter interface{}, opts ...DeleteOptions) (int64, error) {
	var o DeleteOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return c.deleteDocs(ctx, filter, 1, o)
}

// DeleteMany removes every matching document.
func (c *Collection) DeleteMany(ctx context.Context, filter interface{}, opts ...DeleteOptions) (int64, error) {
	var o DeleteOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return c.deleteDocs(ctx, filter, 0, o)
}

// DeleteAll removes every document in the collection.
func (c *Collection) DeleteAll(ctx context.Context) (int64, error) {
	return c.DeleteMany(ctx, bson.D{})
}

func hasDollarKeys(doc interface{}) bool {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return false
	}
	var d bson.D
	if err := bson.Unmarshal(raw, &d); err != nil {
		return false
	}
	for _, e := range d {
		if strings.HasPrefix(e.Key, "$") {
			return true
		}
	}
	return false
}

func (c *Collection) updateDocs(ctx context.Context, filter, update interface{}, multi bool, opts UpdateOptions) (int64, error) {
	upd := bson.D{
		{Key: "q", Value: filter},
		{Key: "u", Value: update},
		{Key: "multi", Value: multi},
	}
	if opts.Upsert {
		upd = append(upd, bson.E{Key: "upsert", Value: true})
	}
	if opts.Collation != nil {
		upd = append(upd, bson.E{Key: "collation", Value: opts.Collation})
	}
	if opts.Hint != nil {
		upd = append(upd, bson.E{Key: "hint", Value: opts.Hint})
	}
	cmd := bson.D{
		{Key: "update", Value: c.name},
		{Key: "updates", Value: bson.A{upd}},
	}

	var reply writeCountReply
	err := c.withConn(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, c.database.name, cmd)
		if err != nil {
			return err
		}
		return bson.Unmarshal(raw, &reply)
	})
	return reply.N, err
}

// ReplaceOne replaces the first matching document wholesale. replacement
// must not contain any "$"-prefixed operator keys.
func (c *Collection) ReplaceOne(ctx context.Context, filter, replacement interface{}, opts ...UpdateOptions) (int64, error) {
	if hasDollarKeys(replacement) {
		return 0, mongoerr.Usage("replaceOne: replacement document must not contain \"$\"-prefixed keys")
	}
	var o UpdateOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return c.updateDocs(ctx, filter, replacement, false, o)
}

func requireDollarKeys(update interface{}) error {
	if !hasDollarKeys(update) {
		return mongoerr.Usage("update document must contain at least one \"$\"-prefixed operator")
	}
	return nil
}

// UpdateOne applies update operators to the first matching document.
func (c *Collection) UpdateOne(ctx context.Context, filter, update interface{}, opts ...UpdateOptions) (int64, error) {
	if err := requireDollarKeys(update); err != nil {
		return 0, err
	}
	var o UpdateOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return c.updateDocs(ctx, filter, update, false, o)
}

// UpdateMany applies update operators to every matching document.
func (c *Collection) UpdateMany(ctx context.Context, filter, update interface{}, opts ...UpdateOptions) (int64, error) {
	if err := requireDollarKeys(update); err != nil {
		return 0, err
	}
	var o UpdateOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	return c.updateDocs(ctx, filter, update, true, o)
}

// Find returns a cursor backed by the find command. The command itself
// is not issued until the first Empty call, so sort/skip/limit/
// batchSize may still be set on the returned cursor up until then.
func (c *Collection) Find(ctx context.Context, filter interface{}, opts ...FindOptions) (*Cursor[bson.Raw], error) {
	var o FindOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	if filter == nil {
		filter = bson.D{}
	}

	initialBatchSize := int32(o.BatchSize)
	if o.Limit != 0 && (initialBatchSize == 0 || int64(initialBatchSize) > o.Limit) {
		initialBatchSize = int32(o.Limit)
	}

	cur := newPendingCursor[bson.Raw](c.database.client, rawDecoder, func(ctx context.Context, s *cursorState) (string, int64, []bson.Raw, error) {
		s.mu.Lock()
		sort := s.sort
		skip := s.skip
		limit := s.limit
		singleBatch := s.singleBatch
		batchSize := s.batchSize
		if limit != 0 && (batchSize == 0 || int64(batchSize) > limit) {
			batchSize = int32(limit)
		}
		s.batchSize = batchSize
		s.mu.Unlock()

		var (
			ns         string
			firstBatch []bson.Raw
			cursorID   int64
		)
		err := c.withConn(ctx, func(cn *conn.Connection) error {
			maxWire := cn.ServerDescription().MaxWireVersion

			base := bson.D{
				{Key: "find", Value: c.name},
				{Key: "filter", Value: filter},
			}
			doc, err := buildOptionsDoc(base, maxWire, c.database.client.logger,
				optionField{wireName: "sort", value: sort},
				optionField{wireName: "projection", value: o.Projection},
				optionField{wireName: "skip", value: int64OrNil(skip)},
				optionField{wireName: "limit", value: int64OrNil(limit)},
				optionField{wireName: "batchSize", value: int64OrNil(int64(batchSize))},
				optionField{wireName: "singleBatch", value: boolOrNil(singleBatch)},
				optionField{wireName: "tailable", value: boolOrNil(o.Tailable)},
				optionField{wireName: "awaitData", value: boolOrNil(o.AwaitData)},
				optionField{wireName: "maxTimeMS", value: int64OrNil(o.MaxTimeMS)},
				optionField{wireName: "collation", value: o.Collation, sinceVersion: wire.Version34},
				optionField{wireName: "comment", value: stringOrNil(o.Comment)},
			)
			if err != nil {
				return err
			}

			raw, err := cn.RunCommandChecked(ctx, c.database.name, doc)
			if err != nil {
				return err
			}
			var reply cursorReply
			if err := bson.Unmarshal(raw, &reply); err != nil {
				return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding find reply")
			}
			ns = reply.Cursor.NS
			firstBatch = reply.Cursor.FirstBatch
			cursorID = reply.Cursor.ID
			return nil
		})
		return ns, cursorID, firstBatch, err
	})

	cur.state.sort = o.Sort
	cur.state.skip = o.Skip
	if o.Limit < 0 {
		cur.state.singleBatch = true
		cur.state.limit = -o.Limit
	} else {
		cur.state.limit = o.Limit
		cur.state.singleBatch = o.SingleBatch
	}
	cur.state.batchSize = initialBatchSize
	cur.state.cursorType = cursorTypeFromOptions(o.Tailable, o.AwaitData)
	cur.state.maxAwaitTimeMS = o.MaxAwaitTime
	return cur, nil
}

// FindOne is Find with limit=1, returning the first document or
// (nil, nil) when nothing matched.
func (c *Collection) FindOne(ctx context.Context, filter interface{}, opts ...FindOptions) (bson.Raw, error) {
	var o FindOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	o.Limit = 1
	o.SingleBatch = true

	cur, err := c.Find(ctx, filter, o)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	empty, err := cur.Empty(ctx)
	if err != nil {
		return nil, err
	}
	if empty {
		return nil, nil
	}
	return cur.Front()
}

type countGroupReply struct {
	Cursor struct {
		FirstBatch []struct {
			N int64 `bson:"n"`
		} `bson:"firstBatch"`
	} `bson:"cursor"`
}

// CountDocuments counts matching documents via an aggregation pipeline:
// {$match},{$skip},{$limit},{$group: n=$sum:1}.
func (c *Collection) CountDocuments(ctx context.Context, filter interface{}, skip, limit int64) (int64, error) {
	if filter == nil {
		filter = bson.D{}
	}
	pipeline := bson.A{bson.D{{Key: "$match", Value: filter}}}
	if skip > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$skip", Value: skip}})
	}
	if limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: limit}})
	}
	pipeline = append(pipeline, bson.D{{Key: "$group", Value: bson.D{
		{Key: "_id", Value: 1},
		{Key: "n", Value: bson.D{{Key: "$sum", Value: 1}}},
	}}})

	cmd := bson.D{
		{Key: "aggregate", Value: c.name},
		{Key: "pipeline", Value: pipeline},
		{Key: "cursor", Value: bson.D{}},
	}

	var reply countGroupReply
	err := c.withConn(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, c.database.name, cmd)
		if err != nil {
			return err
		}
		return bson.Unmarshal(raw, &reply)
	})
	if err != nil {
		return 0, err
	}
	if len(reply.Cursor.FirstBatch) == 0 {
		return 0, nil
	}
	return reply.Cursor.FirstBatch[0].N, nil
}

type collStatsCountReply struct {
	Cursor struct {
		FirstBatch []struct {
			Count struct {
				Count int64 `bson:"count"`
			} `bson:"count"`
		} `bson:"firstBatch"`
	} `bson:"cursor"`
}

type legacyCountReply struct {
	N int64 `bson:"n"`
}

// EstimatedDocumentCount uses $collStats on v49+ servers and the legacy
// count command otherwise.
func (c *Collection) EstimatedDocumentCount(ctx context.Context) (int64, error) {
	var n int64
	err := c.withConn(ctx, func(cn *conn.Connection) error {
		if cn.ServerDescription().MaxWireVersion.AtLeast(wire.Version49) {
			cmd := bson.D{
				{Key: "aggregate", Value: c.name},
				{Key: "pipeline", Value: bson.A{bson.D{{Key: "$collStats", Value: bson.D{{Key: "count", Value: bson.D{}}}}}}},
				{Key: "cursor", Value: bson.D{}},
			}
			raw, err := cn.RunCommandChecked(ctx, c.database.name, cmd)
			if err != nil {
				return err
			}
			var reply collStatsCountReply
			if err := bson.Unmarshal(raw, &reply); err != nil {
				return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding $collStats reply")
			}
			if len(reply.Cursor.FirstBatch) > 0 {
				n = reply.Cursor.FirstBatch[0].Count.Count
			}
			return nil
		}

		raw, err := cn.RunCommandChecked(ctx, c.database.name, bson.D{{Key: "count", Value: c.name}})
		if err != nil {
			return err
		}
		var reply legacyCountReply
		if err := bson.Unmarshal(raw, &reply); err != nil {
			return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding count reply")
		}
		n = reply.N
		return nil
	})
	return n, err
}

// Count is a thin legacy alias of EstimatedDocumentCount without the
// aggregation pipeline, for servers below the count-as-aggregation
// cutover.
func (c *Collection) Count(ctx context.Context) (int64, error) {
	var n int64
	err := c.withConn(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, c.database.name, bson.D{{Key: "count", Value: c.name}})
		if err != nil {
			return err
		}
		var reply legacyCountReply
		if err := bson.Unmarshal(raw, &reply); err != nil {
			return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding count reply")
		}
		n = reply.N
		return nil
	})
	return n, err
}

// Aggregate returns a cursor backed by the aggregate command.
func (c *Collection) Aggregate(ctx context.Context, pipeline interface{}, opts ...AggregateOptions) (*Cursor[bson.Raw], error) {
	var o AggregateOptions
	if len(opts) > 0 {
		o = opts[0]
	}

	var (
		ns         string
		firstBatch []bson.Raw
		cursorID   int64
	)

	err := c.withConn(ctx, func(cn *conn.Connection) error {
		maxWire := cn.ServerDescription().MaxWireVersion

		base := bson.D{
			{Key: "aggregate", Value: c.name},
			{Key: "pipeline", Value: pipeline},
		}
		if !o.Explain {
			cursorDoc := bson.D{}
			if o.BatchSize != 0 {
				cursorDoc = append(cursorDoc, bson.E{Key: "batchSize", Value: o.BatchSize})
			}
			base = append(base, bson.E{Key: "cursor", Value: cursorDoc})
		} else {
			base = append(base, bson.E{Key: "explain", Value: true})
		}

		doc, err := buildOptionsDoc(base, maxWire, c.database.client.logger,
			optionField{wireName: "allowDiskUse", value: boolOrNil(o.AllowDiskUse)},
			optionField{wireName: "maxTimeMS", value: int64OrNil(o.MaxTimeMS)},
			optionField{wireName: "readConcern", value: o.ReadConcern, sinceVersion: wire.Version32},
			optionField{wireName: "collation", value: o.Collation, sinceVersion: wire.Version34},
			optionField{wireName: "hint", value: o.Hint, sinceVersion: wire.Version34},
			optionField{wireName: "comment", value: stringOrNil(o.Comment)},
		)
		if err != nil {
			return err
		}

		raw, err := cn.RunCommandChecked(ctx, c.database.name, doc)
		if err != nil {
			return err
		}
		if o.Explain {
			// Explain replies carry no cursor; hand the whole reply back as
			// a single-document, already-exhausted cursor.
			firstBatch = []bson.Raw{raw}
			return nil
		}
		var reply cursorReply
		if err := bson.Unmarshal(raw, &reply); err != nil {
			return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding aggregate reply")
		}
		ns = reply.Cursor.NS
		firstBatch = reply.Cursor.FirstBatch
		cursorID = reply.Cursor.ID
		return nil
	})
	if err != nil {
		return nil, err
	}

	return newCursorFromFirstBatch[bson.Raw](c.database.client, ns, cursorID, firstBatch, int32(o.BatchSize), rawDecoder)
}

type distinctReply struct {
	Values bson.A `bson:"values"`
}

// Distinct returns the deduplicated values of key among documents
// matching query, in server order.
func (c *Collection) Distinct(ctx context.Context, key string, query interface{}, opts ...DistinctOptions) ([]interface{}, error) {
	if query == nil {
		query = bson.D{}
	}
	var o DistinctOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	cmd := bson.D{
		{Key: "distinct", Value: c.name},
		{Key: "key", Value: key},
		{Key: "query", Value: query},
	}
	if o.MaxTimeMS != 0 {
		cmd = append(cmd, bson.E{Key: "maxTimeMS", Value: o.MaxTimeMS})
	}

	var reply distinctReply
	err := c.withConn(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, c.database.name, cmd)
		if err != nil {
			return err
		}
		return bson.Unmarshal(raw, &reply)
	})
	if err != nil {
		return nil, err
	}
	return reply.Values, nil
}

// CreateIndexes builds one or more indexes. On v26+ servers it issues the
// createIndexes command; earlier servers take the legacy
// insert-into-system.indexes path.
func (c *Collection) CreateIndexes(ctx context.Context, keys []bson.D, opts []IndexOptions) ([]string, error) {
	if len(opts) != 0 && len(opts) != len(keys) {
		return nil, mongoerr.Usage("createIndexes: opts must be empty or match len(keys)")
	}

	names := make([]string, len(keys))
	specs := make(bson.A, len(keys))
	for i, key := range keys {
		var o IndexOptions
		if len(opts) > 0 {
			o = opts[i]
		}
		name := o.Name
		if name == "" {
			name = indexName(key)
		}
		names[i] = name

		spec := bson.D{
			{Key: "key", Value: key},
			{Key: "name", Value: name},
		}
		if o.Unique {
			spec = append(spec, bson.E{Key: "unique", Value: true})
		}
		if o.Sparse {
			spec = append(spec, bson.E{Key: "sparse", Value: true})
		}
		if o.Background {
			spec = append(spec, bson.E{Key: "background", Value: true})
		}
		if o.ExpireAfterSeconds != nil {
			spec = append(spec, bson.E{Key: "expireAfterSeconds", Value: *o.ExpireAfterSeconds})
		}
		if o.PartialFilterExpression != nil {
			spec = append(spec, bson.E{Key: "partialFilterExpression", Value: o.PartialFilterExpression})
		}
		specs[i] = spec
	}

	err := c.withConn(ctx, func(cn *conn.Connection) error {
		if cn.ServerDescription().MaxWireVersion.AtLeast(wire.Version26) {
			_, err := cn.RunCommandChecked(ctx, c.database.name, bson.D{
				{Key: "createIndexes", Value: c.name},
				{Key: "indexes", Value: specs},
			})
			return err
		}

		// Legacy path: each index definition is a document inserted into
		// "<db>.system.indexes", with "ns" naming the target collection.
		docs := make([]interface{}, len(specs))
		for i, spec := range specs {
			d := spec.(bson.D)
			docs[i] = append(bson.D{{Key: "ns", Value: c.fullName}}, d...)
		}
		return cn.Insert(ctx, c.database.name+".system.indexes", false, docs)
	})
	return names, err
}

// EnsureIndex is a single-index convenience wrapper over CreateIndexes,
// matching the original mgo API surface.
func (c *Collection) EnsureIndex(ctx context.Context, key bson.D, opts ...IndexOptions) error {
	_, err := c.CreateIndexes(ctx, []bson.D{key}, opts)
	return err
}

// DropIndex drops the named index. The literal "*" is rejected; use
// DropIndexes instead.
func (c *Collection) DropIndex(ctx context.Context, name string) error {
	if name == "*" {
		return mongoerr.Usage("dropIndex: use DropIndexes to drop all indexes, not DropIndex(\"*\")")
	}
	return c.withConn(ctx, func(cn *conn.Connection) error {
		_, err := cn.RunCommandChecked(ctx, c.database.name, bson.D{
			{Key: "dropIndexes", Value: c.name},
			{Key: "index", Value: name},
		})
		return err
	})
}

// DropIndexes with no names drops every index on the collection (except
// _id) via index "*". With names, v42+ servers get one command using the
// array form of "index"; earlier servers get one command per given name.
func (c *Collection) DropIndexes(ctx context.Context, names ...string) error {
	return c.withConn(ctx, func(cn *conn.Connection) error {
		if len(names) == 0 {
			_, err := cn.RunCommandChecked(ctx, c.database.name, bson.D{
				{Key: "dropIndexes", Value: c.name},
				{Key: "index", Value: "*"},
			})
			return err
		}
		if cn.ServerDescription().MaxWireVersion.AtLeast(wire.Version42) {
			_, err := cn.RunCommandChecked(ctx, c.database.name, bson.D{
				{Key: "dropIndexes", Value: c.name},
				{Key: "index", Value: names},
			})
			return err
		}
		for _, name := range names {
			if _, err := cn.RunCommandChecked(ctx, c.database.name, bson.D{
				{Key: "dropIndexes", Value: c.name},
				{Key: "index", Value: name},
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

type indexDescription struct {
	Name string `bson:"name"`
	Key  bson.D `bson:"key"`
}

// ListIndexes returns the index descriptions defined on the collection.
// On v30+ servers it uses the listIndexes command; earlier servers query
// "<db>.system.indexes" directly.
func (c *Collection) ListIndexes(ctx context.Context) ([]bson.Raw, error) {
	var docs []bson.Raw
	err := c.withConn(ctx, func(cn *conn.Connection) error {
		if cn.ServerDescription().MaxWireVersion.AtLeast(wire.Version30) {
			raw, err := cn.RunCommandChecked(ctx, c.database.name, bson.D{{Key: "listIndexes", Value: c.name}})
			if err != nil {
				return err
			}
			var reply cursorReply
			if err := bson.Unmarshal(raw, &reply); err != nil {
				return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding listIndexes reply")
			}
			docs = reply.Cursor.FirstBatch
			if reply.Cursor.ID != 0 {
				cn.KillCursors(ctx, []int64{reply.Cursor.ID})
			}
			return nil
		}

		result, err := cn.Query(ctx, c.database.name+".system.indexes", 0, 0, -1, bson.D{{Key: "ns", Value: c.fullName}}, nil)
		if err != nil {
			return err
		}
		docs = result.Documents
		return nil
	})
	return docs, err
}

// Drop drops the collection. Idempotent: dropping an already-dropped
// collection succeeds without observable effect.
func (c *Collection) Drop(ctx context.Context) error {
	return c.withConn(ctx, func(cn *conn.Connection) error {
		_, err := cn.RunCommand(ctx, c.database.name, bson.D{{Key: "drop", Value: c.name}})
		if err != nil {
			return err
		}
		// "ns not found" on an already-dropped collection is success, not
		// failure; RunCommand (unchecked) already swallowed the ok:0 case.
		return nil
	})
}

type findAndModifyReply struct {
	Value bson.Raw `bson:"value"`
}

// FindAndModify runs a findAndModify command with explicit update/remove
// semantics chosen by opts, returning the server's "value" field.
func (c *Collection) FindAndModify(ctx context.Context, query, update interface{}, opts FindAndModifyOptions) (bson.Raw, error) {
	cmd := bson.D{
		{Key: "findAndModify", Value: c.name},
		{Key: "query", Value: query},
	}
	if opts.Remove {
		cmd = append(cmd, bson.E{Key: "remove", Value: true})
	} else {
		cmd = append(cmd, bson.E{Key: "update", Value: update})
		if opts.Upsert {
			cmd = append(cmd, bson.E{Key: "upsert", Value: true})
		}
	}
	if opts.Sort != nil {
		cmd = append(cmd, bson.E{Key: "sort", Value: opts.Sort})
	}
	if opts.Fields != nil {
		cmd = append(cmd, bson.E{Key: "fields", Value: opts.Fields})
	}
	if opts.ReturnNew {
		cmd = append(cmd, bson.E{Key: "new", Value: true})
	}

	var reply findAndModifyReply
	err := c.withConn(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, c.database.name, cmd)
		if err != nil {
			return err
		}
		return bson.Unmarshal(raw, &reply)
	})
	return reply.Value, err
}
