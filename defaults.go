package qenv

import (
	"os"
	"path/filepath"
	"time"
)

// Candidate port range for pooled credentials, [low, high). The range sits
// in the private/dynamic port space, away from well-known service ports, so
// default sessions never collide with registered services. It is a module
// constant, not a tunable: every qenv program on a host drawing from the
// same range is what makes the shuffled allocation effective.
const (
	DefaultPortRangeLow  = 47823
	DefaultPortRangeHigh = 47923
)

// Connection-establishment retry policy. A freshly spawned server accepts
// the TCP connection before it is ready to complete the credentials
// handshake, so failed attempts are expected during startup.
const (
	// DefaultConnectAttempts is the maximum number of dial+handshake
	// attempts per Conn.Start call.
	DefaultConnectAttempts = 100

	// DefaultConnectBackoffInitial is the delay after the first failed
	// attempt; subsequent delays grow exponentially.
	DefaultConnectBackoffInitial = 10 * time.Millisecond

	// DefaultConnectBackoffMax caps the delay between attempts.
	DefaultConnectBackoffMax = 250 * time.Millisecond
)

// DefaultStopTimeout bounds how long stopping a server process may take,
// covering the SIGTERM grace period and the SIGKILL escalation.
const DefaultStopTimeout = 10 * time.Second

// LocatorScheme is the scheme of the locator strings handed out for
// lazily-bound tables: kdb://user@host:port::table.
const LocatorScheme = "kdb"

// DefaultBaseDir returns the directory holding cross-process state: the
// launch journal and the reaper lock file.
func DefaultBaseDir() string {
	return filepath.Join(os.TempDir(), "qenv")
}

// defaultJournalPath is where the process-wide registry journals spawns.
func defaultJournalPath() string {
	return filepath.Join(DefaultBaseDir(), "launches.db")
}

// defaultReapLockPath is the flock file serializing orphan reaps across
// programs.
func defaultReapLockPath() string {
	return filepath.Join(DefaultBaseDir(), "reap.lock")
}
