package mongolink

import (
	"context"
	"log/slog"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/mongolink/mongolink/internal/conn"
	"github.com/mongolink/mongolink/internal/mongoerr"
	"github.com/mongolink/mongolink/internal/pool"
	"github.com/mongolink/mongolink/internal/uri"
)

// Client is the top-level entry point: settings, parsed once and never
// mutated, glued to a connection pool. Construction immediately acquires
// one connection so a bad URI or an unreachable server fails the caller
// synchronously rather than on first use.
type Client struct {
	settings uri.Settings
	pool     *pool.Pool
	logger   *slog.Logger
}

// Connect parses rawURI, builds a pool whose factory dials and
// authenticates a fresh internal/conn.Connection against the first seed
// host (no topology discovery or failover), and immediately acquires
// one connection so construction fails fast on a bad URI or an
// unreachable server.
func Connect(ctx context.Context, rawURI string) (*Client, error) {
	return ConnectWithLogger(ctx, rawURI, nil)
}

// ConnectWithLogger is Connect with an explicit logger for connection and
// pool diagnostics; a nil logger falls back to slog.Default().
func ConnectWithLogger(ctx context.Context, rawURI string, logger *slog.Logger) (*Client, error) {
	return ConnectWithOptions(ctx, rawURI, logger, nil)
}

// ConnectWithOptions is ConnectWithLogger with an additional onExhausted
// hook, invoked whenever an acquire call must wait because the pool is
// at MaxConnections. A nil hook is a no-op, same as not supplying one.
func ConnectWithOptions(ctx context.Context, rawURI string, logger *slog.Logger, onExhausted pool.OnExhausted) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	settings, err := uri.Parse(rawURI)
	if err != nil {
		return nil, mongoerr.Wrap(mongoerr.KindURI, err, "parsing connection string")
	}
	if len(settings.Hosts) == 0 {
		return nil, mongoerr.New(mongoerr.KindURI, "no hosts in connection string")
	}

	host := settings.Hosts[0]
	factory := func(ctx context.Context) (*conn.Connection, error) {
		c := conn.New(settings, host, logger)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}

	p := pool.New(factory, pool.Config{
		MaxConnections: settings.MaxConnections,
		AcquireTimeout: settings.ConnectTimeout,
		OnExhausted:    onExhausted,
		Logger:         logger,
	})

	client := &Client{settings: settings, pool: p, logger: logger}

	h, err := p.LockConnection(ctx)
	if err != nil {
		p.Close()
		return nil, err
	}
	h.Release()

	return client, nil
}

// Close drains the pool and releases every connection.
func (c *Client) Close() {
	c.pool.Close()
}

// Database returns a handle to the named database. It does not touch the
// network; the database need not exist yet.
func (c *Client) Database(name string) *Database {
	return &Database{client: c, name: name}
}

// GetDatabase is an alias for Database, matching the driver family's
// literal `getDatabase` naming.
func (c *Client) GetDatabase(name string) *Database { return c.Database(name) }

// Collection resolves a "db.coll" dotted path directly to a Collection,
// matching the driver family's `getCollection("db.coll")` convention.
func (c *Client) Collection(fullPath string) (*Collection, error) {
	dbName, collName, ok := strings.Cut(fullPath, ".")
	if !ok || dbName == "" || collName == "" {
		return nil, mongoerr.Usage("getCollection: %q is not a \"db.coll\" path", fullPath)
	}
	return c.Database(dbName).Collection(collName), nil
}

// withConnection acquires an exclusive connection for the duration of fn,
// releasing it (or discarding it, if fn tainted it) afterward.
func (c *Client) withConnection(ctx context.Context, fn func(*conn.Connection) error) error {
	h, err := c.pool.LockConnection(ctx)
	if err != nil {
		return mongoerr.Wrap(mongoerr.KindDriver, err, "acquiring pooled connection")
	}
	defer h.Release()
	return fn(h.Connection())
}

// CleanupConnections closes every idle pooled connection, matching the
// driver family's `cleanupConnections()` and the pool's `removeUnused`
// contract.
func (c *Client) CleanupConnections() {
	c.pool.RemoveUnused(nil)
}

// ListDatabases returns every database on the server.
func (c *Client) ListDatabases(ctx context.Context) ([]conn.DatabaseInfo, error) {
	var infos []conn.DatabaseInfo
	err := c.withConnection(ctx, func(cn *conn.Connection) error {
		var err error
		infos, err = cn.ListDatabases(ctx)
		return err
	})
	return infos, err
}

// Ping issues a trivial {ping: 1} command, surfacing connectivity or auth
// failures without touching any collection data.
func (c *Client) Ping(ctx context.Context) error {
	return c.withConnection(ctx, func(cn *conn.Connection) error {
		_, err := cn.RunCommandChecked(ctx, "admin", bson.D{{Key: "ping", Value: 1}})
		return err
	})
}

type buildInfoReply struct {
	Version string `bson:"version"`
}

// ServerVersion reads the server's reported version string via buildInfo.
func (c *Client) ServerVersion(ctx context.Context) (string, error) {
	var version string
	err := c.withConnection(ctx, func(cn *conn.Connection) error {
		raw, err := cn.RunCommandChecked(ctx, "admin", bson.D{{Key: "buildInfo", Value: 1}})
		if err != nil {
			return err
		}
		var reply buildInfoReply
		if err := bson.Unmarshal(raw, &reply); err != nil {
			return mongoerr.Wrap(mongoerr.KindDriver, err, "decoding buildInfo reply")
		}
		version = reply.Version
		return nil
	})
	return version, err
}

// PoolStats exposes the underlying pool's occupancy snapshot, consumed by
// the admin layer's metrics and status endpoints.
func (c *Client) PoolStats() pool.Stats {
	return c.pool.Stats()
}
