//go:build integration

// Package testutil provides shared helpers for the integration test packages.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quantbench/qenv"
)

// SetupTestLogging routes library logs to stderr at the level selected by
// QENV_TEST_LOG_LEVEL (debug, info, warn, error; default warn).
func SetupTestLogging() {
	level := slog.LevelWarn
	if raw := os.Getenv("QENV_TEST_LOG_LEVEL"); raw != "" {
		if err := level.UnmarshalText([]byte(raw)); err != nil {
			fmt.Fprintf(os.Stderr, "invalid QENV_TEST_LOG_LEVEL %q: %v\n", raw, err)
		}
	}
	qenv.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// RequireBinaryOrExit exits the test binary with a skip message when the q
// executable is not on PATH. Integration tests need a real server.
func RequireBinaryOrExit() {
	if _, err := exec.LookPath("q"); err != nil {
		fmt.Fprintln(os.Stderr, "skipping integration tests: q not found on PATH")
		os.Exit(0)
	}
}

// RunTestMain runs the tests and then tears down every server this test
// binary spawned, reaping orphans left behind by earlier crashed runs.
func RunTestMain(m *testing.M) int {
	code := m.Run()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := qenv.DefaultRegistry().StopAll(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "teardown StopAll: %v\n", err)
		if code == 0 {
			code = 1
		}
	}
	if n, err := qenv.ReapOrphans(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "teardown ReapOrphans: %v\n", err)
	} else if n > 0 {
		fmt.Fprintf(os.Stderr, "reaped %d orphaned servers\n", n)
	}

	return code
}

// nameCounter backs UniqueName.
var nameCounter atomic.Int64

// UniqueName returns a q variable name unique across parallel tests.
func UniqueName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, nameCounter.Add(1))
}

// StartSession creates a pooled-port session, starts it, and registers a
// cleanup that stops it. Fails the test on any error.
func StartSession(ctx context.Context, t *testing.T, opts ...qenv.Option) *qenv.Session {
	t.Helper()

	s, err := qenv.NewSession(nil, opts...)
	if err != nil {
		t.Fatalf("NewSession() error: %v", err)
	}
	if err := s.Start(ctx, qenv.StartExclusive); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() {
		if _, err := s.Stop(context.Background()); err != nil {
			t.Logf("stop session: %v", err)
		}
	})

	return s
}

// ServerPid asks the running server for its own pid via .z.i.
func ServerPid(ctx context.Context, t *testing.T, s *qenv.Session) int32 {
	t.Helper()

	out, err := s.Eval(ctx, qenv.Query(".z.i"))
	if err != nil {
		t.Fatalf("Eval(.z.i) error: %v", err)
	}
	pid, ok := out.(int32)
	if !ok {
		t.Fatalf("Eval(.z.i) = %T(%v), want int32", out, out)
	}

	return pid
}
