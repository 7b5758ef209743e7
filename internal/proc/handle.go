package proc

import (
	"log/slog"
	"os/exec"
	"time"

	"github.com/quantbench/qenv/internal/sentinel"
)

// ErrAlreadyStarted is returned when Start is called on a Handle that is
// already running. Callers must Stop the handle before starting it again.
const ErrAlreadyStarted = sentinel.Error("process already started")

// ErrNilCmd is returned when Start is called with a nil *exec.Cmd.
const ErrNilCmd = sentinel.Error("cmd must not be nil")

// ErrEmptyCmdPath is returned when Start is called with an empty cmd.Path.
const ErrEmptyCmdPath = sentinel.Error("cmd.Path must not be empty")

// Handle owns one spawned server process from Start to Stop.
//
// Handle is not safe for concurrent use. Callers must serialize access to
// all methods; in practice the Supervisor that owns a Handle serializes via
// its own mutex.
type Handle struct {
	cmd         *exec.Cmd
	waitDone    <-chan error    // receives cmd.Wait result; started once in Start
	exited      <-chan struct{} // closed when the process exits; readable by many goroutines
	pid         int             // captured at Start so it survives cmd teardown
	name        string          // process name for logging (e.g. "q")
	log         *slog.Logger
	stopTimeout time.Duration // fallback timeout when Stop is given zero
}

// NewHandle creates a Handle for a process with the given name. The
// stopTimeout is the fallback used when Stop receives a non-positive
// timeout; zero falls back to DefaultStopTimeout. A nil logger uses
// slog.Default(). Panics if name is empty, since an empty name produces
// useless log and error messages through the whole lifecycle.
func NewHandle(name string, logger *slog.Logger, stopTimeout time.Duration) Handle {
	if name == "" {
		panic("qenv: process name must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return Handle{name: name, log: logger, stopTimeout: stopTimeout}
}

// Start launches cmd and begins supervising it. The cmd must already have
// its Path and Args set. Standard streams are left at their zero value, so
// the child reads from and writes to the null device; the supervisor never
// consumes server output. Platform process attributes (parent-death signal
// on Linux) are applied here.
//
// A single goroutine calling cmd.Wait is started so that exactly one Wait
// call is made per process: the buffered done channel is consumed by Stop,
// and the closed exited channel broadcasts exit to any number of watchers.
//
// Returns ErrAlreadyStarted if the handle already supervises a live process.
func (h *Handle) Start(cmd *exec.Cmd) error {
	if cmd == nil {
		return ErrNilCmd
	}
	if cmd.Path == "" {
		return ErrEmptyCmdPath
	}
	if h.cmd != nil {
		return ErrAlreadyStarted
	}

	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return err
	}
	h.cmd = cmd
	h.pid = cmd.Process.Pid

	done := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		done <- cmd.Wait()
		close(exited)
	}()
	h.waitDone = done
	h.exited = exited

	return nil
}

// Stop terminates the process with the given timeout, escalating from
// SIGTERM to SIGKILL after a grace period. A non-positive timeout uses the
// handle's fallback. After Stop returns, IsStarted reports false regardless
// of outcome, because the process is no longer in a known-running state.
// Safe to call on a never-started or already-stopped handle; returns nil
// immediately in those cases.
func (h *Handle) Stop(timeout time.Duration) error {
	if h.cmd == nil || h.cmd.Process == nil {
		h.clear()
		return nil
	}
	if timeout <= 0 {
		timeout = h.stopTimeout
	}
	if timeout <= 0 {
		timeout = DefaultStopTimeout
	}
	pid := h.pid
	err := stopWithDone(h.cmd, h.waitDone, timeout, h.name)
	if err != nil {
		h.log.Warn("process stop failed; process may be orphaned",
			"process", h.name, "pid", pid, "error", err)
	}
	h.clear()
	return err
}

func (h *Handle) clear() {
	h.cmd = nil
	h.waitDone = nil
	h.exited = nil
}

// Pid returns the operating-system pid of the supervised process, or 0 if
// the handle never started one. The pid remains valid after Stop so callers
// can correlate log and journal entries.
func (h *Handle) Pid() int {
	return h.pid
}

// Exited returns a channel that is closed when the process exits. It is
// safe to select on from any number of goroutines. Returns nil if the
// process has not been started or has already been stopped.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// IsStarted reports whether the handle supervises a started, not yet
// stopped process.
func (h *Handle) IsStarted() bool {
	return h.cmd != nil
}
