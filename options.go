package mongolink

import (
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/mongoerr"
	"github.com/mongolink/mongolink/internal/wire"
)

// optionField is one row of a per-field wire-version descriptor table,
// used in place of compile-time option structs walked by reflection: a
// field only reaches the wire when it is set and the server's
// negotiated wire version satisfies its constraints.
type optionField struct {
	wireName           string
	value              interface{} // nil means "unset": omit entirely
	sinceVersion       wire.Version
	untilVersion       wire.Version
	errorBeforeVersion wire.Version
	deprecatedSince    wire.Version
}

// buildOptionsDoc evaluates fields against maxWire and appends the
// surviving ones, in order, to base.
func buildOptionsDoc(base bson.D, maxWire wire.Version, logger *slog.Logger, fields ...optionField) (bson.D, error) {
	if logger == nil {
		logger = slog.Default()
	}
	doc := base
	for _, f := range fields {
		if f.value == nil {
			continue
		}
		if f.errorBeforeVersion != 0 && maxWire < f.errorBeforeVersion {
			return nil, mongoerr.Usage("option %q requires wire version >= %v, server is at %v", f.wireName, f.errorBeforeVersion, maxWire)
		}
		if f.sinceVersion != 0 && maxWire < f.sinceVersion {
			continue
		}
		if f.untilVersion != 0 && maxWire > f.untilVersion {
			continue
		}
		if f.deprecatedSince != 0 && maxWire >= f.deprecatedSince {
			logger.Warn("mongolink: option is deprecated on this server", "option", f.wireName, "wireVersion", maxWire)
		}
		doc = append(doc, bson.E{Key: f.wireName, Value: f.value})
	}
	return doc, nil
}

// FindOptions shapes the command layout of a find command.
type FindOptions struct {
	Sort         interface{}
	Projection   interface{}
	Skip         int64
	Limit        int64
	BatchSize    int64
	SingleBatch  bool
	Tailable     bool
	AwaitData    bool
	MaxTimeMS    int64
	MaxAwaitTime int64 // only meaningful with CursorTypeTailableAwait, on getMore
	Collation    interface{}
	Hint         interface{}
	Comment      string
}

// AggregateOptions shapes the aggregate command.
type AggregateOptions struct {
	BatchSize    int64
	Explain      bool
	AllowDiskUse bool
	MaxTimeMS    int64
	ReadConcern  interface{}
	Collation    interface{}
	Hint         interface{}
	Comment      string
}

// IndexOptions is the per-index option set, including the
// TTL/partial/sparse/unique/background fields found across driver-family
// index APIs.
type IndexOptions struct {
	Name                    string
	Unique                  bool
	Sparse                  bool
	Background              bool
	ExpireAfterSeconds      *int32
	PartialFilterExpression interface{}
}

// InsertOptions controls insertOne/insertMany.
type InsertOptions struct {
	Ordered bool
}

// UpdateOptions controls replaceOne/updateOne/updateMany.
type UpdateOptions struct {
	Upsert    bool
	Collation interface{}
	Hint      interface{}
}

// DeleteOptions controls deleteOne/deleteMany.
type DeleteOptions struct {
	Collation interface{}
	Hint      interface{}
}

// DistinctOptions controls distinct.
type DistinctOptions struct {
	MaxTimeMS int64
}

// FindAndModifyOptions controls findAndModify/FindAndModifyExt.
type FindAndModifyOptions struct {
	Sort      interface{}
	Fields    interface{}
	Upsert    bool
	Remove    bool
	ReturnNew bool
}

func boolOrNil(b bool) interface{} {
	if !b {
		return nil
	}
	return b
}

func int64OrNil(v int64) interface{} {
	if v == 0 {
		return nil
	}
	return v
}

func stringOrNil(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
