// Package conn implements a single authenticated connection to a MongoDB
// server: handshake, authentication mechanism selection, legacy opcode
// operations, OP_MSG commands, and the taint/disconnect lifecycle a pool
// depends on.
package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/mongolink/mongolink/internal/auth"
	"github.com/mongolink/mongolink/internal/mongoerr"
	"github.com/mongolink/mongolink/internal/uri"
	"github.com/mongolink/mongolink/internal/wire"
)

// ServerDescription is what the handshake reply told us about the server
// we are talking to. It never changes after Connect returns.
type ServerDescription struct {
	MaxWireVersion wire.Version
	MinWireVersion wire.Version
	ReadOnly       bool
	ConnectionID   int64
	SetName        string
}

// Connection is a single, non-pooled connection to one mongod/mongos. It
// is not safe for concurrent use: a connection is affine to the task
// holding it for the duration of a request/response.
type Connection struct {
	settings uri.Settings
	host     uri.Host

	netConn net.Conn
	reader  *bufio.Reader

	server ServerDescription

	requestID int32 // plain field: single owner at a time, no atomic needed

	logger *slog.Logger

	mu      sync.Mutex
	tainted bool
}

// New constructs an unconnected Connection bound to a single seed host.
// Callers must call Connect before issuing any operation.
func New(settings uri.Settings, host uri.Host, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	return &Connection{
		settings: settings,
		host:     host,
		logger:   logger.With("component", "conn", "host", host.String()),
	}
}

// Connect dials, optionally wraps with TLS, performs the isMaster
// handshake, and authenticates according to resolveMechanism's
// precedence.
func (c *Connection) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.settings.ConnectTimeout}

	deadline, hasDeadline := ctx.Deadline()

	netConn, err := dialer.DialContext(ctx, "tcp", c.host.String())
	if err != nil {
		return mongoerr.Wrap(mongoerr.KindDriver, err, "dialing %s", c.host)
	}

	if c.settings.SSL {
		tlsConn, err := c.wrapTLS(netConn)
		if err != nil {
			netConn.Close()
			return mongoerr.Wrap(mongoerr.KindDriver, err, "establishing TLS with %s", c.host)
		}
		netConn = tlsConn
	}

	if hasDeadline {
		netConn.SetDeadline(deadline)
	}

	c.netConn = netConn
	c.reader = bufio.NewReader(netConn)

	if err := c.handshake(ctx); err != nil {
		c.netConn.Close()
		return err
	}

	if cred, ok := auth.CredentialFromSettings(c.settings); ok {
		resolved, err := resolveMechanism(cred, c.server, c.settings)
		if err != nil {
			c.netConn.Close()
			return mongoerr.Wrap(mongoerr.KindAuth, err, "selecting auth mechanism")
		}
		cred.Mechanism = resolved
		if err := auth.Authenticate(ctx, c, cred); err != nil {
			c.netConn.Close()
			return mongoerr.Wrap(mongoerr.KindAuth, err, "authenticating as %q", cred.Username)
		}
	}

	if hasDeadline {
		netConn.SetDeadline(time.Time{})
	}

	return nil
}

func (c *Connection) wrapTLS(raw net.Conn) (net.Conn, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: !c.settings.SSLVerifyCertificate,
		ServerName:         c.host.Name,
	}

	if c.settings.SSLCAFile != "" {
		pem, err := os.ReadFile(c.settings.SSLCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading sslCAFile: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from sslCAFile %q", c.settings.SSLCAFile)
		}
		cfg.RootCAs = pool
	}

	if c.settings.SSLPEMKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(c.settings.SSLPEMKeyFile, c.settings.SSLPEMKeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading sslPEMKeyFile: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	tlsConn := tls.Client(raw, cfg)
	if err := tlsConn.HandshakeContext(context.Background()); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

func (c *Connection) nextRequestID() int32 {
	c.requestID++
	if c.requestID == 0 {
		c.requestID = 1
	}
	return c.requestID
}

// Taint marks the connection unusable: the pool must not return it to
// service. Any I/O or codec error taints the connection.
func (c *Connection) Taint() {
	c.mu.Lock()
	c.tainted = true
	c.mu.Unlock()
}

// Tainted reports whether a driver error has already poisoned this
// connection.
func (c *Connection) Tainted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tainted
}

// Disconnect closes the underlying socket and is idempotent.
func (c *Connection) Disconnect() error {
	if c.netConn == nil {
		return nil
	}
	err := c.netConn.Close()
	c.netConn = nil
	if err != nil {
		return mongoerr.Wrap(mongoerr.KindDriver, err, "closing connection to %s", c.host)
	}
	return nil
}

// ServerDescription returns the handshake-captured server description.
func (c *Connection) ServerDescription() ServerDescription {
	return c.server
}

// Host returns the seed host this connection is bound to.
func (c *Connection) Host() uri.Host { return c.host }

func (c *Connection) setDeadline(ctx context.Context) {
	if c.netConn == nil {
		return
	}
	if deadline, ok := ctx.Deadline(); ok {
		c.netConn.SetDeadline(deadline)
		return
	}
	if c.settings.SocketTimeout > 0 {
		c.netConn.SetDeadline(time.Now().Add(c.settings.SocketTimeout))
		return
	}
	c.netConn.SetDeadline(time.Time{})
}

func (c *Connection) write(b []byte) error {
	if _, err := c.netConn.Write(b); err != nil {
		c.Taint()
		return mongoerr.Wrap(mongoerr.KindDriver, err, "writing to %s", c.host)
	}
	return nil
}

// readFrame reads one complete wire frame: a 4-byte little-endian total
// length followed by the remainder of the message.
func (c *Connection) readFrame() ([]byte, error) {
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(c.reader, lenBuf); err != nil {
		c.Taint()
		return nil, mongoerr.Wrap(mongoerr.KindDriver, err, "reading frame length from %s", c.host)
	}
	total := int(int32(lenBuf[0]) | int32(lenBuf[1])<<8 | int32(lenBuf[2])<<16 | int32(lenBuf[3])<<24)
	if total < 16 {
		c.Taint()
		return nil, mongoerr.New(mongoerr.KindDriver, "reply frame too short: %d bytes", total)
	}
	frame := make([]byte, total)
	copy(frame, lenBuf)
	if _, err := io.ReadFull(c.reader, frame[4:]); err != nil {
		c.Taint()
		return nil, mongoerr.Wrap(mongoerr.KindDriver, err, "reading frame body from %s", c.host)
	}
	return frame, nil
}

// resolveMechanism picks an auth mechanism by precedence when the URI
// did not force one explicitly.
func resolveMechanism(cred auth.Credential, server ServerDescription, settings uri.Settings) (uri.AuthMechanism, error) {
	if cred.Mechanism != uri.AuthNone {
		if cred.Mechanism == uri.AuthMongoDBX509 && !settings.SSL {
			return 0, fmt.Errorf("MONGODB-X509 requires a TLS connection")
		}
		return cred.Mechanism, nil
	}
	if settings.SSLPEMKeyFile != "" && server.MaxWireVersion >= wire26 {
		return uri.AuthMongoDBX509, nil
	}
	if cred.Digest != "" {
		if server.MaxWireVersion.SupportsScramSHA1() {
			return uri.AuthScramSHA1, nil
		}
		return uri.AuthMongoDBCR, nil
	}
	return 0, fmt.Errorf("no usable credential for this server")
}

const wire26 = wire.Version26
