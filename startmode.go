package qenv

// StartMode controls how Start treats a server that already exists on the
// target port.
type StartMode int

const (
	// StartReuse returns immediately when this program already owns a
	// running server on the port; otherwise a fresh one is spawned. This
	// is the mode for callers that just need a session to exist.
	StartReuse StartMode = iota

	// StartRestart unconditionally stops any existing process on the
	// port, owned or foreign, before spawning a fresh server. Use it to
	// guarantee a clean process identity.
	StartRestart

	// StartExclusive spawns only when nothing occupies the port. Any
	// existing process, owned or foreign, fails the start with
	// ErrPortInUse; for pooled credentials the session start loop then
	// migrates to the next candidate port.
	StartExclusive
)

// IsValid reports whether m is a recognized StartMode value.
func (m StartMode) IsValid() bool {
	switch m {
	case StartReuse, StartRestart, StartExclusive:
		return true
	default:
		return false
	}
}

// String returns the mode name.
func (m StartMode) String() string {
	switch m {
	case StartReuse:
		return "StartReuse"
	case StartRestart:
		return "StartRestart"
	case StartExclusive:
		return "StartExclusive"
	default:
		return "StartMode(unknown)"
	}
}
