package qenv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"sync"

	"github.com/quantbench/qenv/internal/qipc"
)

// Session composes one Credentials, one Supervisor and one Conn behind a
// single start/stop/eval surface. Starting a session drives the supervisor
// inside a port-conflict retry loop: on a pooled-credentials port collision
// it migrates to the next candidate port and tries again, treating
// collisions as steady-state noise from other sessions racing on the same
// host rather than as failures.
//
// A Session may be reused: Start again after Stop. All operations that need
// a live server fail with ErrNotStarted outside the running state.
type Session struct {
	mu     sync.Mutex
	creds  *Credentials
	sup    *Supervisor
	conn   *Conn
	state  sessionState
	loaded map[string]struct{} // absolute cleaned paths already loaded via ReadKDB

	initScripts []string
	discoverer  SchemaDiscoverer
	log         *slog.Logger
}

type sessionState int

const (
	stateUnstarted sessionState = iota
	stateRunning
	stateStopped
)

// NewSession creates a session. creds may be nil, which means fresh pooled
// defaults; a non-nil creds is cloned, so consuming candidate ports never
// disturbs the caller's copy. Fails when no server executable can be
// resolved for this platform.
func NewSession(creds *Credentials, opts ...Option) (*Session, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if creds == nil {
		var err error
		creds, err = NewCredentials()
		if err != nil {
			return nil, err
		}
	} else {
		creds = creds.Clone()
	}

	sup, err := newSupervisor(creds, cfg)
	if err != nil {
		return nil, err
	}

	discoverer := cfg.discoverer
	if discoverer == nil {
		discoverer = &DefaultSchemaDiscoverer{}
	}

	s := &Session{
		creds:       creds,
		sup:         sup,
		conn:        newConn(creds, cfg),
		loaded:      make(map[string]struct{}),
		initScripts: cfg.initScripts,
		discoverer:  discoverer,
		log:         Logger().With("session", fmt.Sprintf("%08x", rand.Uint32())),
	}
	return s, nil
}

// Credentials returns a copy of the session's current credentials. The port
// reflects any migrations performed by Start.
func (s *Session) Credentials() *Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.Clone()
}

// IsRunning reports whether the session is in the running state.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Start brings the session to the running state: it ensures a server
// process per mode, connects to it, and loads any configured
// initialization scripts.
//
// Port collisions drive the retry loop: when the supervisor reports
// ErrPortInUse (or the freshly spawned server loses a bind race and dies
// before its handshake), fixed-port credentials fail immediately with
// ErrPortFixed, while pooled credentials migrate to their next candidate
// port and retry until the pool is exhausted. A failed Start leaves no
// spawned process or open connection behind.
//
// Starting a running session with StartReuse is a no-op; StartRestart
// always yields a fresh process.
func (s *Session) Start(ctx context.Context, mode StartMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateRunning && mode == StartReuse && s.conn.IsConnected() {
		return nil
	}
	// From here on the session is mid-transition: until this start
	// succeeds it must not report Running.
	if s.state == stateRunning {
		s.state = stateStopped
	}
	if mode == StartRestart {
		// A fresh process has nothing loaded into its namespace.
		s.loaded = make(map[string]struct{})
	}

	for {
		if err := s.sup.Start(ctx, mode); err != nil {
			if errors.Is(err, ErrPortInUse) {
				if migErr := s.migratePort(err); migErr != nil {
					return migErr
				}
				continue
			}
			return err
		}

		err := s.conn.startWithAbort(ctx, s.sup.processExited())
		if err == nil {
			break
		}

		// Never leave the process we just spawned behind a failed start.
		if _, stopErr := s.sup.Stop(ctx); stopErr != nil {
			s.log.Warn("cleanup after failed connect", "error", stopErr)
		}
		if errors.Is(err, errProcessExited) {
			// The server died before the handshake: it lost a bind race
			// with another process. Same treatment as a port conflict.
			if migErr := s.migratePort(err); migErr != nil {
				return migErr
			}
			continue
		}
		return err
	}

	for _, path := range s.initScripts {
		if _, err := s.readKDBLocked(ctx, path); err != nil {
			_ = s.conn.Stop()
			if _, stopErr := s.sup.Stop(ctx); stopErr != nil {
				s.log.Warn("cleanup after failed init script", "error", stopErr)
			}
			return fmt.Errorf("load init script %s: %w", path, err)
		}
	}

	s.state = stateRunning
	s.log.Info("session running", "addr", s.creds.Addr())
	return nil
}

// migratePort advances pooled credentials to their next candidate after a
// collision reported as cause. Fixed-port credentials fail with ErrPortFixed
// joined to the cause; a drained pool propagates ErrPortsExhausted.
func (s *Session) migratePort(cause error) error {
	if s.creds.IsFixedPort() {
		return fmt.Errorf("port %d: %w", s.creds.Port, errors.Join(ErrPortFixed, cause))
	}
	old := s.creds.Port
	next, err := s.creds.NextPort()
	if err != nil {
		return err
	}
	s.log.Debug("port in use, migrating", "from", old, "to", next)
	return nil
}

// Stop releases the connection first and the process second, never the
// reverse: closing the client link before terminating the server keeps the
// server's shutdown from racing an abrupt socket reset. Idempotent:
// stopping a session that is not running returns (false, nil). The bool
// reports whether a process was actually stopped.
func (s *Session) Stop(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateRunning {
		return false, nil
	}
	connErr := s.conn.Stop()
	stopped, supErr := s.sup.Stop(ctx)
	s.state = stateStopped
	s.loaded = make(map[string]struct{})
	if supErr != nil {
		return stopped, supErr
	}
	return stopped, connErr
}

// Close stops the session with a background context, making a Session an
// io.Closer for scoped teardown:
//
//	defer sess.Close()
func (s *Session) Close() error {
	_, err := s.Stop(context.Background())
	return err
}

// running fails with ErrNotStarted unless the session is running. Callers
// hold s.mu.
func (s *Session) running(op string) error {
	if s.state != stateRunning {
		return fmt.Errorf("%s: %w", op, ErrNotStarted)
	}
	return nil
}

// Eval evaluates expr with the given arguments against the live session.
// See Conn.Eval for dispatch and result-coercion semantics.
func (s *Session) Eval(ctx context.Context, expr Expr, args ...any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.running("eval"); err != nil {
		return nil, err
	}
	return s.conn.Eval(ctx, expr, args...)
}

// Get reads the server variable with the given name. A missing variable is
// a server-side evaluation error, surfaced as ErrEvaluation.
func (s *Session) Get(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.running("get " + name); err != nil {
		return nil, err
	}
	return s.conn.Eval(ctx, Query(name))
}

// Set binds value to the server variable with the given name.
func (s *Session) Set(ctx context.Context, name string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.running("set " + name); err != nil {
		return err
	}
	_, err := s.conn.Eval(ctx, Query("set"), qipc.Symbol(name), value)
	return err
}

// ReadKDB loads the q file at path into the server's namespace. The path is
// normalized to an absolute cleaned form; a path this session already
// loaded is a no-op returning (nil, nil). Idempotence is scoped to the
// session, and the loaded set resets when the underlying process is
// replaced.
func (s *Session) ReadKDB(ctx context.Context, path string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.running("load " + path); err != nil {
		return nil, err
	}
	return s.readKDBLocked(ctx, path)
}

func (s *Session) readKDBLocked(ctx context.Context, path string) (any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("normalize %s: %w", path, err)
	}
	abs = filepath.Clean(abs)
	if _, ok := s.loaded[abs]; ok {
		return nil, nil
	}
	v, err := s.conn.Eval(ctx, Query(`\l `+abs))
	if err != nil {
		return nil, err
	}
	s.loaded[abs] = struct{}{}
	return v, nil
}

// LoadScripts loads each path via ReadKDB, in order. It is the explicit
// surface for installing session-scoped library definitions; the same
// loading runs automatically at Start for paths configured with
// WithInitScripts.
func (s *Session) LoadScripts(ctx context.Context, paths ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.running("load scripts"); err != nil {
		return err
	}
	for _, path := range paths {
		if _, err := s.readKDBLocked(ctx, path); err != nil {
			return err
		}
	}
	return nil
}

// tableClassifier evaluates per declared table name: .Q.qp reports 1b for
// partitioned and 0b for splayed on-disk tables, and a non-boolean for
// in-memory values; the wrapper collapses the latter to -1. The result is a
// vector of longs aligned with the names from \a.
const tableClassifier = `{t:.Q.qp[eval x]; $[-1h=type t; "j"$t; -1]} each system "a"`

// Tables returns the tables declared in the server's namespace with their
// storage kind, in the server's (ascending name) order.
func (s *Session) Tables(ctx context.Context) ([]TableInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.running("tables"); err != nil {
		return nil, err
	}
	return s.tablesLocked(ctx)
}

func (s *Session) tablesLocked(ctx context.Context) ([]TableInfo, error) {
	namesV, err := s.conn.Eval(ctx, Query(`\a`))
	if err != nil {
		return nil, err
	}
	names, ok := namesV.([]qipc.Symbol)
	if !ok {
		if namesV == nil {
			return nil, nil
		}
		return nil, fmt.Errorf("table names: unexpected shape %T: %w", namesV, ErrEvaluation)
	}
	if len(names) == 0 {
		return nil, nil
	}

	kindsV, err := s.conn.Eval(ctx, Query(tableClassifier))
	if err != nil {
		return nil, err
	}
	kinds, ok := kindsV.([]int64)
	if !ok || len(kinds) != len(names) {
		return nil, fmt.Errorf("table classifier: unexpected shape %T: %w", kindsV, ErrEvaluation)
	}

	infos := make([]TableInfo, len(names))
	for i, name := range names {
		kind, err := tableKindFromClassifier(kinds[i])
		if err != nil {
			return nil, err
		}
		infos[i] = TableInfo{Name: string(name), Kind: kind}
	}
	return infos, nil
}

// Memory returns the server's memory-usage snapshot (.Q.w[]) as a
// name-to-bytes association.
func (s *Session) Memory(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.running("memory"); err != nil {
		return nil, err
	}

	v, err := s.conn.Eval(ctx, Query(".Q.w[]"))
	if err != nil {
		return nil, err
	}
	dict, ok := v.(qipc.Dict)
	if !ok {
		return nil, fmt.Errorf("memory snapshot: unexpected shape %T: %w", v, ErrEvaluation)
	}
	keys, ok := dict.SymbolKeys()
	vals, vok := dict.Vals.([]int64)
	if !ok || !vok || len(keys) != len(vals) {
		return nil, fmt.Errorf("memory snapshot: unexpected shape: %w", ErrEvaluation)
	}
	out := make(map[string]int64, len(keys))
	for i, k := range keys {
		out[k] = vals[i]
	}
	return out, nil
}

// Lookup is the indexing sugar: when name is a declared table it returns a
// lazily-bound *TableHandle addressed by the session's locator, deferring
// any data fetch; otherwise it falls back to Get. The assignment-side sugar
// is Set.
func (s *Session) Lookup(ctx context.Context, name string) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.running("lookup " + name); err != nil {
		return nil, err
	}

	infos, err := s.tablesLocked(ctx)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Name == name {
			return &TableHandle{name: name, kind: info.Kind, locator: locatorFor(s.creds, name), s: s}, nil
		}
	}
	return s.conn.Eval(ctx, Query(name))
}
