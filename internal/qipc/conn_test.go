package qipc_test

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/quantbench/qenv/internal/qipc"
	"github.com/quantbench/qenv/internal/qipc/qipctest"
)

func TestDialAndSync(t *testing.T) {
	t.Parallel()

	srv, err := qipctest.Start(func(expr string, args []any) (any, error) {
		switch expr {
		case "1+1":
			return int64(2), nil
		case "args":
			return args, nil
		default:
			return nil, &qipc.Error{Msg: expr}
		}
	})
	if err != nil {
		t.Fatalf("qipctest.Start() error: %v", err)
	}
	defer srv.Close()

	ctx := context.Background()
	conn, err := qipc.Dial(ctx, fmt.Sprintf("%s:%d", srv.Host(), srv.Port()), "trader", "s3cret")
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	if got := conn.Version(); got != 3 {
		t.Fatalf("Version() = %d, want 3", got)
	}

	v, err := conn.Sync(ctx, "1+1")
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if v != any(int64(2)) {
		t.Fatalf("Sync() = %#v, want int64(2)", v)
	}

	v, err = conn.Sync(ctx, "args", qipc.Symbol("x"), int64(7))
	if err != nil {
		t.Fatalf("Sync() with args error: %v", err)
	}
	if want := []any{qipc.Symbol("x"), int64(7)}; !reflect.DeepEqual(v, want) {
		t.Fatalf("Sync() = %#v, want %#v", v, want)
	}

	if got, want := srv.Creds(), []string{"trader:s3cret"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("server saw credentials %q, want %q", got, want)
	}
	if got, want := srv.Exprs(), []string{"1+1", "args"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("server saw requests %q, want %q", got, want)
	}
}

func TestSync_ServerError(t *testing.T) {
	t.Parallel()

	srv, err := qipctest.Start(func(expr string, args []any) (any, error) {
		return nil, &qipc.Error{Msg: "rank"}
	})
	if err != nil {
		t.Fatalf("qipctest.Start() error: %v", err)
	}
	defer srv.Close()

	conn, err := qipc.Dial(context.Background(), fmt.Sprintf("%s:%d", srv.Host(), srv.Port()), "u", "p")
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	_, err = conn.Sync(context.Background(), "anything")
	var qerr *qipc.Error
	if !errors.As(err, &qerr) {
		t.Fatalf("Sync() error = %v (%T), want *qipc.Error", err, err)
	}
	if got, want := qerr.Error(), "'rank"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}

	// The connection survives an evaluation error.
	if _, err := conn.Sync(context.Background(), "again"); err == nil {
		t.Fatal("second Sync() succeeded, want server error")
	}
}

func TestDial_RejectedThenAccepted(t *testing.T) {
	t.Parallel()

	srv, err := qipctest.StartRejecting(1, nil)
	if err != nil {
		t.Fatalf("qipctest.StartRejecting() error: %v", err)
	}
	defer srv.Close()

	addr := fmt.Sprintf("%s:%d", srv.Host(), srv.Port())

	if _, err := qipc.Dial(context.Background(), addr, "u", "p"); err == nil {
		t.Fatal("first Dial() succeeded, want handshake rejection")
	}

	conn, err := qipc.Dial(context.Background(), addr, "u", "p")
	if err != nil {
		t.Fatalf("second Dial() error: %v", err)
	}
	_ = conn.Close()
}

func TestConn_Close(t *testing.T) {
	t.Parallel()

	srv, err := qipctest.Start(nil)
	if err != nil {
		t.Fatalf("qipctest.Start() error: %v", err)
	}
	defer srv.Close()

	conn, err := qipc.Dial(context.Background(), fmt.Sprintf("%s:%d", srv.Host(), srv.Port()), "u", "p")
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() error: %v", err)
	}
	if _, err := conn.Sync(context.Background(), "1+1"); !errors.Is(err, qipc.ErrClosed) {
		t.Fatalf("Sync() after Close error = %v, want ErrClosed", err)
	}
}

func TestSync_SkipsAsyncMessages(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		r := bufio.NewReader(c)
		if _, err := r.ReadBytes(0); err != nil {
			return
		}
		if _, err := c.Write([]byte{3}); err != nil {
			return
		}
		if _, _, err := qipc.DecodeMessage(r); err != nil {
			return
		}

		// An unsolicited async message first, then the real response.
		noise, _ := qipc.EncodeMessage(qipc.MsgAsync, qipc.Symbol("tick"))
		reply, _ := qipc.EncodeMessage(qipc.MsgResponse, int64(7))
		_, _ = c.Write(append(noise, reply...))
	}()

	conn, err := qipc.Dial(context.Background(), ln.Addr().String(), "u", "p")
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	v, err := conn.Sync(context.Background(), "whatever")
	if err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if v != any(int64(7)) {
		t.Fatalf("Sync() = %#v, want int64(7)", v)
	}
}

func TestDial_ContextDeadline(t *testing.T) {
	t.Parallel()

	// A listener that accepts but never answers the handshake.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = qipc.Dial(ctx, ln.Addr().String(), "u", "p")
	if err == nil {
		t.Fatal("Dial() succeeded, want deadline error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Dial() blocked %v past its deadline", elapsed)
	}
}

func TestSync_ContextCanceled(t *testing.T) {
	t.Parallel()

	// Handshakes, then goes silent: the request is read but never answered.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error: %v", err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()

		r := bufio.NewReader(c)
		if _, err := r.ReadBytes(0); err != nil {
			return
		}
		if _, err := c.Write([]byte{3}); err != nil {
			return
		}
		_, _, _ = qipc.DecodeMessage(r)
		// Block until the client hangs up instead of answering.
		_, _, _ = qipc.DecodeMessage(r)
	}()

	conn, err := qipc.Dial(context.Background(), ln.Addr().String(), "u", "p")
	if err != nil {
		t.Fatalf("Dial() error: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	if _, err := conn.Sync(ctx, "hang"); err == nil {
		t.Fatal("Sync() succeeded, want cancellation error")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("Sync() blocked %v past cancellation", elapsed)
	}
}
