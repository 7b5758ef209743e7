package qipc

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quantbench/qenv/internal/sentinel"
)

// ErrClosed is returned by Sync on a connection that was never opened or
// has already been closed.
const ErrClosed = sentinel.Error("connection is closed")

// capability is the protocol level offered during the handshake. Level 3
// carries the timestamp/timespan types and compressed messages.
const capability = 3

// Conn is one authenticated IPC connection to a kdb server. Requests are
// serialized: a single Sync round-trip is in flight at a time.
type Conn struct {
	mu      sync.Mutex
	conn    net.Conn
	r       *bufio.Reader
	version byte
}

// Dial connects to addr, authenticates as user with password and
// negotiates the protocol level. The context bounds the whole exchange
// including the handshake read. The server signals rejected credentials by
// closing the connection, which surfaces here as a handshake error.
func Dial(ctx context.Context, addr, user, password string) (*Conn, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Conn{conn: nc, r: bufio.NewReader(nc)}
	stop := c.watchCancel(ctx)
	err = c.handshake(user, password)
	stop()
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) handshake(user, password string) error {
	creds := append([]byte(user+":"+password), capability, 0)
	if _, err := c.conn.Write(creds); err != nil {
		return fmt.Errorf("send credentials: %w", err)
	}
	version, err := c.r.ReadByte()
	if err != nil {
		return fmt.Errorf("handshake rejected: %w", err)
	}
	c.version = version
	return nil
}

// Version returns the protocol level the server accepted at Dial.
func (c *Conn) Version() byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.version
}

// Sync sends expr, with optional positional arguments, as a synchronous
// request and blocks for the response value. A server-side evaluation
// failure is returned as *Error. Context cancellation or deadline expiry
// interrupts the exchange by poisoning the socket deadline; the connection
// must be treated as unusable afterwards.
func (c *Conn) Sync(ctx context.Context, expr string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrClosed
	}

	msg, err := EncodeMessage(MsgSync, requestValue(expr, args))
	if err != nil {
		return nil, err
	}

	stop := c.watchCancel(ctx)
	defer stop()

	if _, err := c.conn.Write(msg); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	for {
		t, v, err := DecodeMessage(c.r)
		if err != nil {
			return nil, err
		}
		if t == MsgResponse {
			return v, nil
		}
		// An interleaved async message; drop it and keep waiting for the
		// response to our request.
	}
}

// Close closes the connection. Further Sync calls return ErrClosed. Safe
// to call any number of times.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.r = nil
	return err
}

// watchCancel arranges for ctx cancellation to interrupt blocking socket
// I/O by moving the deadline into the past. The returned stop function
// must be called exactly once; it clears the deadline again.
func (c *Conn) watchCancel(ctx context.Context) func() {
	if ctx.Done() == nil {
		return func() {}
	}
	if d, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(d)
	}

	stopc := make(chan struct{})
	donec := make(chan struct{})
	conn := c.conn
	go func() {
		defer close(donec)
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-stopc:
		}
	}()
	return func() {
		close(stopc)
		<-donec
		_ = conn.SetDeadline(time.Time{})
	}
}
