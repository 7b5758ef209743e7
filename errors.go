package qenv

import "github.com/quantbench/qenv/internal/sentinel"

// Sentinel errors for inspection with errors.Is. Failures carry context via
// wrapping; compound failures (a sentinel plus its underlying cause) join
// both into the chain so either can be matched.
const (
	// ErrPortInUse means a process this session does not control is bound
	// to the target port. Recoverable for pooled credentials (the session
	// migrates to the next candidate port); fatal for fixed-port
	// credentials, where it surfaces joined with ErrPortFixed.
	ErrPortInUse = sentinel.Error("port is in use")

	// ErrPortFixed is returned when a port change is required but the
	// credentials were constructed with an explicit port.
	ErrPortFixed = sentinel.Error("port is fixed")

	// ErrPortsExhausted means the credentials' candidate port pool is
	// empty. Fatal for that session.
	ErrPortsExhausted = sentinel.Error("candidate ports exhausted")

	// ErrUnsupportedPlatform means no server executable name is mapped
	// for the host operating system.
	ErrUnsupportedPlatform = sentinel.Error("unsupported platform")

	// ErrConnectionFailed means every connection attempt was exhausted
	// without completing the handshake. The last underlying error is
	// joined into the chain. Retryable by the caller via a fresh Start.
	ErrConnectionFailed = sentinel.Error("connection failed")

	// ErrEvaluation means a post-connection request failed, either a
	// transport fault or a server-side evaluation error. The connection
	// may be unusable afterwards; callers should assume Stop+Start.
	ErrEvaluation = sentinel.Error("evaluation failed")

	// ErrNotStarted means an operation requiring a live session was
	// invoked before Start or after Stop.
	ErrNotStarted = sentinel.Error("session not started")

	// ErrAlreadyRunning means StartExclusive found a live server this
	// program already owns on the target port. It is always joined with
	// ErrPortInUse, which is the condition start loops act on.
	ErrAlreadyRunning = sentinel.Error("server already running")
)

// errProcessExited aborts a connect-retry loop when the freshly spawned
// server exits before completing a handshake, typically because it lost a
// bind race for the port. The session start loop translates it into a port
// migration.
const errProcessExited = sentinel.Error("server process exited before handshake")
