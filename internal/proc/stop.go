package proc

import (
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"
)

// DefaultStopTimeout is the fallback timeout for stopping a process when the
// caller configured none.
const DefaultStopTimeout = 10 * time.Second

// termGracePeriod is the maximum time to wait for a process to exit after
// SIGTERM before escalating to SIGKILL. The actual grace period is capped at
// the overall stop timeout.
const termGracePeriod = 5 * time.Second

// killDrainTimeout bounds the wait on the done channel after SIGKILL has
// been sent (or after the process already exited). SIGKILL cannot be caught,
// so this should never fire; it exists to prevent indefinite blocking if
// cmd.Wait hangs on stuck I/O.
const killDrainTimeout = 10 * time.Second

// drainDone reads from the done channel with timeout as a hard upper bound.
// Returns true and the cmd.Wait error if the channel delivered in time, or
// false and nil if the timeout elapsed.
func drainDone(done <-chan error, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return true, err
	case <-t.C:
		return false, nil
	}
}

// stopWithDone runs the SIGTERM-then-SIGKILL shutdown sequence using a
// pre-existing done channel whose goroutine already calls cmd.Wait. Spawning
// a second cmd.Wait would be undefined behavior, so the channel must receive
// the result of exactly one Wait call.
//
//  1. Send SIGTERM.
//  2. Schedule SIGKILL via time.AfterFunc after a grace period, canceled if
//     the process exits first.
//  3. Wait for exit or the total timeout.
//
// stopWithDone does not clear cmd or the channel; the caller resets those
// after it returns. Worst-case blocking is timeout + killDrainTimeout, when
// the total timeout expires and the post-SIGKILL drain runs full length.
func stopWithDone(cmd *exec.Cmd, done <-chan error, timeout time.Duration, name string) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if done == nil {
		return fmt.Errorf("%s: done channel must not be nil", name)
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Signal failed: the process already exited. Drain the wait
		// goroutine with a hard upper bound.
		ok, waitErr := drainDone(done, killDrainTimeout)
		if !ok {
			return fmt.Errorf("%s: timed out draining process after signal failure", name)
		}
		return expectSignalExit(waitErr, name)
	}

	// grace is clamped to timeout so SIGKILL always fires before the total
	// timeout expires, giving drainDone a window to collect the exit status
	// instead of hitting the timeout path.
	grace := min(termGracePeriod, timeout)
	killTimer := time.AfterFunc(grace, func() {
		// Kill after the process exited returns "os: process already
		// finished", which is harmless and discarded.
		_ = cmd.Process.Kill()
	})
	defer killTimer.Stop()

	totalTimer := time.NewTimer(timeout)
	defer totalTimer.Stop()

	select {
	case err := <-done:
		return expectSignalExit(err, name)
	case <-totalTimer.C:
		ok, waitErr := drainDone(done, killDrainTimeout)
		if !ok {
			return fmt.Errorf("%s: timed out waiting for process to exit after SIGKILL", name)
		}
		if err := expectSignalExit(waitErr, name); err != nil {
			return fmt.Errorf("%s stop timeout: %w", name, err)
		}
		return nil
	}
}

// expectSignalExit interprets an error from cmd.Wait after a termination
// signal was sent. Exits caused by SIGTERM or SIGKILL are the intended
// outcome and count as success.
func expectSignalExit(err error, name string) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			sig := status.Signal()
			if sig == syscall.SIGTERM || sig == syscall.SIGKILL {
				return nil
			}
		}
	}
	return fmt.Errorf("%s: %w", name, err)
}
