package proc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"
)

// terminatePollInterval is how often terminateOne re-checks liveness while
// waiting out the grace period after SIGTERM.
const terminatePollInterval = 50 * time.Millisecond

// FindListener scans all running processes for one whose executable name is
// in names and which holds a listening socket bound to port. Returns the
// first match, or nil when no such process exists. Candidates that exit
// mid-scan or cannot be inspected (insufficient privileges on foreign
// processes) are skipped rather than failing the scan.
func FindListener(ctx context.Context, names []string, port int) (*process.Process, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range procs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name, err := p.NameWithContext(ctx)
		if err != nil || !slices.Contains(names, name) {
			continue
		}
		if listensOn(ctx, p, port) {
			return p, nil
		}
	}
	return nil, nil
}

// VerifyListener reports whether pid is still a live process whose
// executable name is in names and which listens on port. It exists for
// journal-driven reaping: a recorded pid may have been recycled by the OS,
// so name and port must both match before the process may be killed.
// Returns nil without error when the pid fails any check.
func VerifyListener(ctx context.Context, pid int, names []string, port int) (*process.Process, error) {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil, nil
		}
		return nil, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	name, err := p.NameWithContext(ctx)
	if err != nil || !slices.Contains(names, name) {
		return nil, nil
	}
	if !listensOn(ctx, p, port) {
		return nil, nil
	}
	return p, nil
}

func listensOn(ctx context.Context, p *process.Process, port int) bool {
	conns, err := p.ConnectionsWithContext(ctx)
	if err != nil {
		return false
	}
	for _, conn := range conns {
		if conn.Status == "LISTEN" && int(conn.Laddr.Port) == port {
			return true
		}
	}
	return false
}

// TerminateChildren terminates the direct children of pid in parallel,
// giving each the SIGTERM-then-SIGKILL treatment with the given grace
// period. A pid with no children, or one that is already gone, is success.
func TerminateChildren(ctx context.Context, pid int, grace time.Duration, log *slog.Logger) error {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		if errors.Is(err, process.ErrorProcessNotRunning) {
			return nil
		}
		return fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	return terminateChildrenOf(ctx, p, grace, log)
}

// TerminateTree terminates p and its direct children, children first. A
// server may fork workers of its own; stopping only the parent would leak
// them.
func TerminateTree(ctx context.Context, p *process.Process, grace time.Duration, log *slog.Logger) error {
	if err := terminateChildrenOf(ctx, p, grace, log); err != nil {
		return err
	}
	return terminateOne(ctx, p, grace, log)
}

func terminateChildrenOf(ctx context.Context, p *process.Process, grace time.Duration, log *slog.Logger) error {
	children, err := p.ChildrenWithContext(ctx)
	if err != nil {
		// No children, or the parent vanished between lookup and
		// enumeration; either way there is nothing left to stop here.
		if errors.Is(err, process.ErrorNoChildren) || isGone(err) {
			return nil
		}
		log.Debug("child enumeration failed; stopping parent only",
			"pid", p.Pid, "error", err)
		return nil
	}

	g, gCtx := errgroup.WithContext(ctx)
	for _, child := range children {
		g.Go(func() error {
			return terminateOne(gCtx, child, grace, log)
		})
	}
	return g.Wait()
}

// terminateOne asks p to terminate, waits up to grace for it to exit, then
// kills it. A process that is already gone at any step counts as stopped.
func terminateOne(ctx context.Context, p *process.Process, grace time.Duration, log *slog.Logger) error {
	if err := p.TerminateWithContext(ctx); err != nil {
		if isGone(err) {
			return nil
		}
		return fmt.Errorf("terminate pid %d: %w", p.Pid, err)
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	tick := time.NewTicker(terminatePollInterval)
	defer tick.Stop()

	for {
		running, err := p.IsRunningWithContext(ctx)
		if err != nil || !running {
			return nil
		}
		select {
		case <-deadline.C:
			log.Debug("grace period elapsed, killing", "pid", p.Pid)
			if err := p.KillWithContext(ctx); err != nil && !isGone(err) {
				return fmt.Errorf("kill pid %d: %w", p.Pid, err)
			}
			return nil
		case <-tick.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isGone reports whether err means the target process no longer exists.
// Termination races the process's own exit constantly; losing that race is
// the desired outcome, not a failure.
func isGone(err error) bool {
	return errors.Is(err, process.ErrorProcessNotRunning) ||
		errors.Is(err, os.ErrProcessDone) ||
		errors.Is(err, syscall.ESRCH)
}
