package qenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/quantbench/qenv/internal/qipc"
)

// Conn manages the client side of one session: it establishes the IPC
// connection with a bounded retry policy, evaluates expressions
// synchronously, and coerces temporal scalars in results to host types.
//
// Conn never reconnects on its own: a fault during an established session
// surfaces as ErrEvaluation and the connection stays in whatever state the
// transport left it. Only Start establishes connections.
type Conn struct {
	mu    sync.Mutex
	creds *Credentials
	c     *qipc.Conn

	attempts       int
	backoffInitial time.Duration
	backoffMax     time.Duration
	log            *slog.Logger
}

// NewConn creates a connection manager for the given credentials. The
// credentials pointer is shared, not copied: a session migrating its port
// moves the connection target with it. Fails when the applied options are
// mutually inconsistent.
func NewConn(creds *Credentials, opts ...Option) (*Conn, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newConn(creds, cfg), nil
}

func newConn(creds *Credentials, cfg config) *Conn {
	return &Conn{
		creds:          creds,
		attempts:       cfg.connectAttempts,
		backoffInitial: cfg.backoffInitial,
		backoffMax:     cfg.backoffMax,
		log:            Logger(),
	}
}

// Start connects and authenticates. A freshly spawned server accepts the
// TCP connection before it can complete the handshake, so failures are
// retried under bounded exponential backoff, each attempt closed cleanly
// before the next. Exhaustion fails with ErrConnectionFailed joined with
// the last underlying error. An existing connection is closed first.
func (c *Conn) Start(ctx context.Context) error {
	return c.startWithAbort(ctx, nil)
}

// startWithAbort is Start with an abort channel: when it closes, the retry
// loop stops immediately with errProcessExited. The session wires the
// supervised process's exit channel here so connecting to a server that
// died before listening does not burn the full retry budget.
func (c *Conn) startWithAbort(ctx context.Context, abort <-chan struct{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c != nil {
		_ = c.c.Close()
		c.c = nil
	}

	addr := c.creds.Addr()
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.backoffInitial
	bo.MaxInterval = c.backoffMax
	bo.MaxElapsedTime = 0 // bounded by the attempt count, not wall time

	var attempt int
	var lastErr error
	operation := func() error {
		select {
		case <-abort:
			return backoff.Permanent(errProcessExited)
		default:
		}
		attempt++
		qc, err := qipc.Dial(ctx, addr, c.creds.Username, c.creds.Password)
		if err != nil {
			lastErr = err
			c.log.Debug("connect attempt failed", "addr", addr, "attempt", attempt, "error", err)
			return err
		}
		c.c = qc
		return nil
	}

	err := backoff.Retry(operation,
		backoff.WithMaxRetries(backoff.WithContext(bo, ctx), uint64(c.attempts-1)))
	if err == nil {
		c.log.Debug("connected", "addr", addr, "attempts", attempt)
		return nil
	}
	if errors.Is(err, errProcessExited) {
		return fmt.Errorf("connect to %s: %w", addr, errProcessExited)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("connect to %s: %w", addr, ctxErr)
	}
	return fmt.Errorf("connect to %s after %d attempts: %w",
		addr, attempt, errors.Join(ErrConnectionFailed, lastErr))
}

// Stop closes the connection if present and clears it. Idempotent.
func (c *Conn) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.c == nil {
		return nil
	}
	err := c.c.Close()
	c.c = nil
	return err
}

// IsConnected reports whether a live connection handle is present.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c != nil
}

// Eval evaluates expr with the given positional arguments. Query
// expressions round-trip a synchronous request and block until the server
// responds; Local expressions are invoked in-process with the same
// arguments and never touch the wire. The context is the request-level
// timeout: its deadline is pushed onto the socket and cancellation
// interrupts the exchange.
//
// Temporal scalars in the response are coerced: calendar-class values
// (date, month, datetime, timestamp) become time.Time, span-class values
// (timespan, minute, second, time) become time.Duration. Every other shape
// passes through unchanged.
func (c *Conn) Eval(ctx context.Context, expr Expr, args ...any) (any, error) {
	if expr.IsLocal() {
		return expr.local(ctx, args...)
	}

	c.mu.Lock()
	qc := c.c
	c.mu.Unlock()
	if qc == nil {
		return nil, fmt.Errorf("eval %q: %w", expr.String(), ErrNotStarted)
	}

	v, err := qc.Sync(ctx, expr.query, args...)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", expr.String(), errors.Join(ErrEvaluation, err))
	}
	return coerceResult(v), nil
}

// coerceResult converts a temporal scalar to the host representation: an
// absolute time for calendar-class ticks, a duration for span-class ticks.
// Nulls and all non-scalar shapes pass through untouched.
func coerceResult(v any) any {
	t, ok := v.(qipc.Temporal)
	if !ok || t.IsNull() {
		return v
	}
	if t.IsInterval() {
		return t.Duration()
	}
	return t.Time()
}
