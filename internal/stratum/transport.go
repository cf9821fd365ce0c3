package stratum

import (
	"bufio"
	"context"
	"crypto/tls"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/gomp-miner/pkg/errors"
)

// maxLineLength caps a single incoming line; a pool that never sends a
// newline should not grow the buffer without bound
const maxLineLength = 64 * 1024

// Transport is the line-oriented connection the session talks over
type Transport interface {
	Connect(ctx context.Context) error
	IsConnected() bool
	// ReadLine returns the next line without its terminator. A timeout
	// with no complete line returns "" and a nil error.
	ReadLine(timeout time.Duration) (string, error)
	// Write sends line as-is and returns the number of bytes written
	Write(line string) (int, error)
	LastRead() time.Time
	LastWrite() time.Time
	Close() error
}

// ConnConfig configures a TCP or TLS transport
type ConnConfig struct {
	Addr         string
	TLS          bool
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// TLSConfig overrides the default client config when TLS is set
	TLSConfig *tls.Config
}

// Conn is a Transport over net.Conn
type Conn struct {
	cfg ConnConfig

	connMu sync.Mutex
	conn   net.Conn

	readMu  sync.Mutex
	reader  *bufio.Reader
	partial []byte

	writeMu sync.Mutex

	connected atomic.Bool
	lastRead  atomic.Int64
	lastWrite atomic.Int64
}

// NewConn creates an unconnected transport
func NewConn(cfg ConnConfig) *Conn {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	return &Conn{cfg: cfg}
}

// Addr returns the configured pool address
func (c *Conn) Addr() string {
	return c.cfg.Addr
}

// Connect dials the pool, replacing any previous connection
func (c *Conn) Connect(ctx context.Context) error {
	_ = c.Close()

	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout, KeepAlive: 30 * time.Second}

	var (
		conn net.Conn
		err  error
	)
	if c.cfg.TLS {
		tlsCfg := c.cfg.TLSConfig
		if tlsCfg == nil {
			host, _, splitErr := net.SplitHostPort(c.cfg.Addr)
			if splitErr != nil {
				host = c.cfg.Addr
			}
			tlsCfg = &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
		}
		td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
		conn, err = td.DialContext(ctx, "tcp", c.cfg.Addr)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeNetwork, "pool_connect", "dial failed").
			WithContext("addr", c.cfg.Addr).
			WithContext("tls", c.cfg.TLS)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.readMu.Lock()
	c.reader = bufio.NewReaderSize(conn, 4096)
	c.partial = nil
	c.readMu.Unlock()

	now := time.Now().UnixNano()
	c.lastRead.Store(now)
	c.lastWrite.Store(now)
	c.connected.Store(true)
	return nil
}

// IsConnected reports whether the last connect succeeded and nothing has failed since
func (c *Conn) IsConnected() bool {
	return c.connected.Load()
}

func (c *Conn) current() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// ReadLine implements Transport
func (c *Conn) ReadLine(timeout time.Duration) (string, error) {
	conn := c.current()
	if conn == nil || !c.connected.Load() {
		return "", ErrNotConnected
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", c.fail(err, "pool_read", "set deadline")
	}

	data, err := c.reader.ReadBytes('\n')
	if len(data) > 0 {
		c.lastRead.Store(time.Now().UnixNano())
	}
	if err != nil {
		var ne net.Error
		if stderrors.As(err, &ne) && ne.Timeout() {
			c.partial = append(c.partial, data...)
			if len(c.partial) > maxLineLength {
				c.partial = nil
				return "", c.fail(err, "pool_read", "line too long")
			}
			return "", nil
		}
		return "", c.fail(err, "pool_read", "read failed")
	}

	if len(c.partial) > 0 {
		data = append(c.partial, data...)
		c.partial = nil
	}
	return trimEOL(data), nil
}

func trimEOL(b []byte) string {
	n := len(b)
	for n > 0 && (b[n-1] == '\n' || b[n-1] == '\r') {
		n--
	}
	return string(b[:n])
}

// Write implements Transport
func (c *Conn) Write(line string) (int, error) {
	conn := c.current()
	if conn == nil || !c.connected.Load() {
		return 0, ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return 0, c.fail(err, "pool_write", "set deadline")
	}
	n, err := conn.Write([]byte(line))
	if n > 0 {
		c.lastWrite.Store(time.Now().UnixNano())
	}
	if err != nil {
		return n, c.fail(err, "pool_write", "write failed")
	}
	return n, nil
}

func (c *Conn) fail(err error, op, msg string) error {
	c.connected.Store(false)
	return errors.Wrap(err, errors.ErrorTypeNetwork, op, msg).WithContext("addr", c.cfg.Addr)
}

// LastRead returns when data was last received
func (c *Conn) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// LastWrite returns when data was last sent
func (c *Conn) LastWrite() time.Time {
	return time.Unix(0, c.lastWrite.Load())
}

// Close tears the connection down. It is safe to call more than once.
func (c *Conn) Close() error {
	c.connected.Store(false)

	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
