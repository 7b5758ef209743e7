package qenv

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantbench/qenv/internal/journal"
	"github.com/quantbench/qenv/internal/proc"
)

// Registry tracks every server process this program owns, keyed by the
// credentials 4-tuple. It is the only state shared between sessions:
// supervisors consult it before scanning the system, record spawned handles
// in it, and remove entries on confirmed termination.
//
// The registry is explicit and injectable so tests can use a fresh one per
// case; production code normally shares DefaultRegistry. A per-key lock
// makes the supervisor's look-up/spawn/insert sequence atomic per
// credentials key without serializing unrelated keys.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry
	spawnMu sync.Map // key string -> *sync.Mutex

	journal *journal.Journal // optional; nil disables journaling
	log     *slog.Logger
}

type registryEntry struct {
	handle    *proc.Handle
	journalID string
	port      int
}

// NewRegistry creates an empty registry without a launch journal. Tests
// inject one of these per case to avoid cross-test leakage.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*registryEntry),
		log:     Logger(),
	}
}

var (
	defaultRegistryOnce sync.Once
	defaultRegistry     *Registry
)

// DefaultRegistry returns the process-wide registry, created on first use
// with the launch journal attached. If the journal cannot be opened the
// registry still works; spawns are just not recoverable by a later reap.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry()
		j, err := journal.Open(context.Background(), defaultJournalPath())
		if err != nil {
			defaultRegistry.log.Warn("launch journal unavailable; crash recovery disabled",
				"path", defaultJournalPath(), "error", err)
			return
		}
		defaultRegistry.journal = j
	})
	return defaultRegistry
}

// lockKey acquires the spawn lock for a credentials key and returns its
// unlock function. Holders may spawn, register or remove for that key.
func (r *Registry) lockKey(key string) func() {
	muAny, _ := r.spawnMu.LoadOrStore(key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// lookup returns the owned handle for a key, if any.
func (r *Registry) lookup(key string) (*proc.Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	return e.handle, true
}

// register records a freshly spawned handle under key and journals the
// spawn. Journal failures are logged, not returned: the process is already
// running and must be tracked regardless.
func (r *Registry) register(ctx context.Context, key string, h *proc.Handle, port int, exe string) {
	var journalID string
	if r.journal != nil {
		id, err := r.journal.RecordSpawn(ctx, h.Pid(), port, exe)
		if err != nil {
			r.log.Warn("journal spawn record failed", "pid", h.Pid(), "error", err)
		} else {
			journalID = id
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = &registryEntry{handle: h, journalID: journalID, port: port}
}

// remove drops the entry for key after its process was confirmed stopped,
// and journals the stop. Removing an absent key is a no-op.
func (r *Registry) remove(ctx context.Context, key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()

	if ok && r.journal != nil && e.journalID != "" {
		if err := r.journal.RecordStop(ctx, e.journalID); err != nil {
			r.log.Warn("journal stop record failed", "pid", e.handle.Pid(), "error", err)
		}
	}
}

// Len returns the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// StopAll terminates every registered process in parallel and clears the
// registry. It is the program-exit finalizer surface: defer it from
// TestMain or main so processes do not outlive the program. Individual stop
// failures are collected; the rest still proceed.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	entries := make(map[string]*registryEntry, len(r.entries))
	for k, e := range r.entries {
		entries[k] = e
	}
	r.entries = make(map[string]*registryEntry)
	r.mu.Unlock()

	g, gCtx := errgroup.WithContext(ctx)
	for _, e := range entries {
		g.Go(func() error {
			if err := proc.TerminateChildren(gCtx, e.handle.Pid(), termGrace(DefaultStopTimeout), r.log); err != nil {
				r.log.Warn("stopping children failed", "pid", e.handle.Pid(), "error", err)
			}
			err := e.handle.Stop(DefaultStopTimeout)
			if r.journal != nil && e.journalID != "" {
				if jerr := r.journal.RecordStop(gCtx, e.journalID); jerr != nil {
					r.log.Warn("journal stop record failed", "pid", e.handle.Pid(), "error", jerr)
				}
			}
			return err
		})
	}
	return g.Wait()
}

// termGrace derives the SIGTERM grace period from an overall stop timeout,
// leaving room for the SIGKILL escalation to complete inside the timeout.
func termGrace(stopTimeout time.Duration) time.Duration {
	return stopTimeout / 2
}
