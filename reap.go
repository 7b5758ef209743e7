package qenv

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/quantbench/qenv/internal/journal"
	"github.com/quantbench/qenv/internal/proc"
)

// reapLockRetryInterval is how often ReapOrphans re-tries the cross-process
// lock while waiting for another program's reap to finish.
const reapLockRetryInterval = 50 * time.Millisecond

// ReapOption configures ReapOrphans.
type ReapOption func(*reapConfig)

type reapConfig struct {
	journalPath string
	lockPath    string
	stopTimeout time.Duration
}

// WithReapJournal points the reaper at a specific journal file. Default:
// the journal DefaultRegistry writes. Panics if path is empty.
func WithReapJournal(path string) ReapOption {
	requireNonEmpty("reap journal path", path)
	return func(c *reapConfig) {
		c.journalPath = path
	}
}

// WithReapLock sets the cross-process lock file. Default: a lock next to
// the default journal. Panics if path is empty.
func WithReapLock(path string) ReapOption {
	requireNonEmpty("reap lock path", path)
	return func(c *reapConfig) {
		c.lockPath = path
	}
}

// WithReapStopTimeout bounds the termination of each orphan.
// Default: DefaultStopTimeout. Panics if d <= 0.
func WithReapStopTimeout(d time.Duration) ReapOption {
	requirePositive("reap stop timeout", d)
	return func(c *reapConfig) {
		c.stopTimeout = d
	}
}

// ReapOrphans terminates server processes recorded in the launch journal
// whose owning program died without stopping them, and returns how many it
// killed. A recorded pid may have been recycled by the OS, so an orphan is
// only killed after its executable name and listening port are re-verified;
// stale records are marked stopped either way. Records whose owner is still
// alive (including this program) are left alone.
//
// A file lock serializes reaps across programs so two cannot double-kill;
// the context bounds both the lock wait and the scan. Run it from TestMain
// or similar, after StopAll.
func ReapOrphans(ctx context.Context, opts ...ReapOption) (int, error) {
	cfg := reapConfig{
		journalPath: defaultJournalPath(),
		lockPath:    defaultReapLockPath(),
		stopTimeout: DefaultStopTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	log := Logger()

	if err := os.MkdirAll(DefaultBaseDir(), 0o700); err != nil {
		return 0, fmt.Errorf("create reap lock dir: %w", err)
	}
	fl := flock.New(cfg.lockPath)
	locked, err := fl.TryLockContext(ctx, reapLockRetryInterval)
	if err != nil {
		return 0, fmt.Errorf("acquire reap lock %s: %w", cfg.lockPath, err)
	}
	if !locked {
		return 0, fmt.Errorf("acquire reap lock %s: not acquired", cfg.lockPath)
	}
	// The lock file stays on disk: removing it would race a concurrent
	// acquirer holding a descriptor to the removed inode.
	defer func() {
		if err := fl.Close(); err != nil {
			log.Debug("release reap lock", "path", cfg.lockPath, "error", err)
		}
	}()

	j, err := journal.Open(ctx, cfg.journalPath)
	if err != nil {
		return 0, err
	}
	defer j.Close() //nolint:errcheck // read-mostly; stop records are best-effort below

	live, err := j.LiveRecords(ctx)
	if err != nil {
		return 0, err
	}

	var reaped atomic.Int64
	g, gCtx := errgroup.WithContext(ctx)
	for _, rec := range live {
		if ownerAlive(gCtx, rec.OwnerPID) {
			continue
		}
		g.Go(func() error {
			p, err := proc.VerifyListener(gCtx, rec.PID, scanNames(rec.Exe), rec.Port)
			if err != nil {
				return err
			}
			if p != nil {
				if err := proc.TerminateTree(gCtx, p, termGrace(cfg.stopTimeout), log); err != nil {
					return fmt.Errorf("reap pid %d: %w", rec.PID, err)
				}
				log.Info("reaped orphaned server", "pid", rec.PID, "port", rec.Port)
				reaped.Add(1)
			}
			// Verified dead or just killed: either way the record is settled.
			if err := j.RecordStop(gCtx, rec.ID); err != nil {
				log.Warn("journal stop record failed", "id", rec.ID, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(reaped.Load()), err
	}
	return int(reaped.Load()), nil
}

// ownerAlive reports whether the program that recorded a launch still runs.
// This program's own records are always "alive": its registry owns them.
func ownerAlive(ctx context.Context, ownerPID int) bool {
	if ownerPID == os.Getpid() {
		return true
	}
	alive, err := process.PidExistsWithContext(ctx, int32(ownerPID))
	return err == nil && alive
}
