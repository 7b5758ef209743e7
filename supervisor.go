package qenv

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/quantbench/qenv/internal/proc"
)

// serverBasename maps the host OS to the server executable name searched on
// PATH. A static map over the supported platforms, so an unmapped OS fails
// with a named error instead of falling through.
var serverBasename = map[string]string{
	"linux":   "q",
	"darwin":  "q",
	"windows": "q.bat",
}

// scanNames returns the process names a running server may report for a
// given executable basename. Windows batch launchers run the interpreter
// under the real binary name.
func scanNames(basename string) []string {
	if runtime.GOOS == "windows" {
		return []string{basename, "q.exe"}
	}
	return []string{basename}
}

// ServerProcess describes a process bound to a supervisor's port: either
// one this program spawned (owned) or one some other program put there.
type ServerProcess struct {
	Pid   int
	Owned bool

	handle  *proc.Handle     // owned processes
	foreign *process.Process // foreign processes
}

// Supervisor owns discovery, launch and termination of the server
// executable bound to its credentials' port. It distinguishes processes
// this program owns (recorded in the registry) from foreign processes
// already squatting on the port (found by a system scan).
//
// Safe for concurrent use; the registry's per-key lock serializes the
// spawn-or-detect sequence per credentials key.
type Supervisor struct {
	creds       *Credentials
	binary      string // resolved executable path
	basename    string
	registry    *Registry
	stopTimeout time.Duration
	log         *slog.Logger
}

// NewSupervisor creates a supervisor for the given credentials, resolving
// the server executable once: the platform basename ({linux,darwin: q,
// windows: q.bat}) searched on PATH, or the explicit WithBinary override.
// Fails with ErrUnsupportedPlatform on an unmapped OS and with the LookPath
// error when the executable is not installed.
func NewSupervisor(creds *Credentials, opts ...Option) (*Supervisor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return newSupervisor(creds, cfg)
}

func newSupervisor(creds *Credentials, cfg config) (*Supervisor, error) {
	basename, ok := serverBasename[runtime.GOOS]
	if !ok {
		return nil, fmt.Errorf("no server executable mapped for %s: %w",
			runtime.GOOS, ErrUnsupportedPlatform)
	}

	binary := cfg.binary
	if binary == "" {
		resolved, err := exec.LookPath(basename)
		if err != nil {
			return nil, fmt.Errorf("locate %s executable: %w", basename, err)
		}
		binary = resolved
	} else {
		basename = filepath.Base(binary)
	}

	registry := cfg.registry
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Supervisor{
		creds:       creds,
		binary:      binary,
		basename:    basename,
		registry:    registry,
		stopTimeout: cfg.stopTimeout,
		log:         Logger(),
	}, nil
}

// CurrentProcess returns the process bound to the credentials' port: the
// owned registry handle when this program spawned one, otherwise the first
// system process with a matching executable name listening on the port, or
// nil when the port is free. Foreign candidates that cannot be inspected
// are skipped, not fatal.
func (s *Supervisor) CurrentProcess(ctx context.Context) (*ServerProcess, error) {
	unlock := s.registry.lockKey(s.creds.key())
	defer unlock()
	return s.currentLocked(ctx)
}

// currentLocked implements CurrentProcess; callers hold the key lock.
func (s *Supervisor) currentLocked(ctx context.Context) (*ServerProcess, error) {
	key := s.creds.key()
	if h, ok := s.registry.lookup(key); ok {
		select {
		case <-h.Exited():
			// The owned process died on its own; the entry is stale.
			s.log.Warn("owned server exited unexpectedly", "pid", h.Pid(), "port", s.creds.Port)
			s.registry.remove(ctx, key)
		default:
			return &ServerProcess{Pid: h.Pid(), Owned: true, handle: h}, nil
		}
	}

	p, err := proc.FindListener(ctx, scanNames(s.basename), s.creds.Port)
	if err != nil {
		return nil, fmt.Errorf("scan for %s on port %d: %w", s.basename, s.creds.Port, err)
	}
	if p == nil {
		return nil, nil
	}
	return &ServerProcess{Pid: int(p.Pid), foreign: p}, nil
}

// IsRunning reports whether any process, owned or foreign, is bound to the
// credentials' port.
func (s *Supervisor) IsRunning(ctx context.Context) bool {
	cur, err := s.CurrentProcess(ctx)
	return err == nil && cur != nil
}

// Start ensures a server process exists on the credentials' port according
// to mode. On success the spawned handle is recorded in the registry and
// covered by the launch journal, so the process is stopped even if this
// program exits without calling Stop.
//
// Any process still bound to the port after the mode's pre-step fails the
// start with ErrPortInUse; a session interprets that as "migrate to the
// next candidate port" for pooled credentials.
func (s *Supervisor) Start(ctx context.Context, mode StartMode) error {
	if !mode.IsValid() {
		panic(fmt.Sprintf("qenv: invalid start mode %d", int(mode)))
	}
	key := s.creds.key()
	unlock := s.registry.lockKey(key)
	defer unlock()

	cur, err := s.currentLocked(ctx)
	if err != nil {
		return err
	}

	switch mode {
	case StartReuse:
		if cur != nil && cur.Owned {
			s.log.Debug("reusing owned server", "pid", cur.Pid, "port", s.creds.Port)
			return nil
		}
	case StartRestart:
		if cur != nil {
			if _, err := s.stopLocked(ctx, cur); err != nil {
				return fmt.Errorf("stop existing server before restart: %w", err)
			}
			cur, err = s.currentLocked(ctx)
			if err != nil {
				return err
			}
		}
	case StartExclusive:
		if cur != nil && cur.Owned {
			return fmt.Errorf("pid %d owns port %d: %w (%w)",
				cur.Pid, s.creds.Port, ErrAlreadyRunning, ErrPortInUse)
		}
	}

	if cur != nil {
		who := "foreign"
		if cur.Owned {
			who = "owned"
		}
		return fmt.Errorf("%s pid %d holds port %d: %w", who, cur.Pid, s.creds.Port, ErrPortInUse)
	}

	return s.spawnLocked(ctx)
}

// spawnLocked launches the executable with the target port. Standard
// streams stay at their zero value so os/exec wires them to the null
// device; the supervisor never reads server output.
func (s *Supervisor) spawnLocked(ctx context.Context) error {
	h := proc.NewHandle(s.basename, s.log, s.stopTimeout)
	cmd := exec.Command(s.binary, "-p", strconv.Itoa(s.creds.Port))
	if err := h.Start(cmd); err != nil {
		return fmt.Errorf("spawn %s -p %d: %w", s.binary, s.creds.Port, err)
	}
	s.registry.register(ctx, s.creds.key(), &h, s.creds.Port, s.basename)
	s.log.Info("server started", "pid", h.Pid(), "port", s.creds.Port)
	return nil
}

// Stop terminates whatever process is bound to the credentials' port,
// children first: a server may fork workers of its own, and orphaning them
// leaks resources. A process that is already gone at any step counts as
// stopped. Returns whether a process was actually found and stopped;
// stopping when nothing runs is (false, nil), not an error.
func (s *Supervisor) Stop(ctx context.Context) (bool, error) {
	unlock := s.registry.lockKey(s.creds.key())
	defer unlock()

	cur, err := s.currentLocked(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil {
		return false, nil
	}
	return s.stopLocked(ctx, cur)
}

// stopLocked terminates cur; callers hold the key lock.
func (s *Supervisor) stopLocked(ctx context.Context, cur *ServerProcess) (bool, error) {
	grace := termGrace(s.stopTimeout)

	if cur.Owned {
		if err := proc.TerminateChildren(ctx, cur.Pid, grace, s.log); err != nil {
			s.log.Warn("stopping server children failed", "pid", cur.Pid, "error", err)
		}
		err := cur.handle.Stop(s.stopTimeout)
		s.registry.remove(ctx, s.creds.key())
		if err != nil {
			return true, fmt.Errorf("stop owned server pid %d: %w", cur.Pid, err)
		}
		s.log.Info("server stopped", "pid", cur.Pid, "port", s.creds.Port)
		return true, nil
	}

	if err := proc.TerminateTree(ctx, cur.foreign, grace, s.log); err != nil {
		return true, fmt.Errorf("stop foreign server pid %d: %w", cur.Pid, err)
	}
	s.log.Info("foreign server stopped", "pid", cur.Pid, "port", s.creds.Port)
	return true, nil
}

// processExited returns the exit channel of the owned handle on the current
// port, or nil when this program owns nothing there. The session wires it
// into the connect-retry loop so a server that dies before its handshake
// aborts the retries immediately.
func (s *Supervisor) processExited() <-chan struct{} {
	h, ok := s.registry.lookup(s.creds.key())
	if !ok {
		return nil
	}
	return h.Exited()
}
