package qenv

import "time"

// WithPortRange overrides the candidate pool for pooled credentials.
// Exported only for the _test package; production pools use the module
// constants.
var WithPortRange = withPortRange

// NewPooledCredentialsForTesting builds pooled credentials with an explicit
// candidate order, bypassing the shuffle so tests can script exactly which
// ports a session will try. The first candidate becomes the initial port.
func NewPooledCredentialsForTesting(host, username string, ports []int) *Credentials {
	c := &Credentials{Host: host, Username: username}
	c.remaining = make([]int, len(ports))
	copy(c.remaining, ports)
	if _, err := c.NextPort(); err != nil {
		panic("qenv: NewPooledCredentialsForTesting needs at least one port")
	}
	return c
}

// RemainingPorts exposes the candidate cursor for assertions.
func RemainingPorts(c *Credentials) []int {
	out := make([]int, len(c.remaining))
	copy(out, c.remaining)
	return out
}

// ImportExpr exposes the generated CSV import expression.
var ImportExpr = importExpr

// TableClassifierExpr is the classifier round-trip expression Tables sends.
const TableClassifierExpr = tableClassifier

// ErrProcessExitedForTesting lets tests match the bind-race abort condition.
const ErrProcessExitedForTesting = errProcessExited

// ConfigSnapshot copies config fields for option assertions.
type ConfigSnapshot struct {
	Binary          string
	Registry        *Registry
	StopTimeout     time.Duration
	ConnectAttempts int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	InitScripts     []string
	Discoverer      SchemaDiscoverer
}

// ApplyOptionsForTesting applies opts over the default config and returns a
// snapshot, so tests verify option closures without reaching into
// constructors.
func ApplyOptionsForTesting(opts ...Option) ConfigSnapshot {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return ConfigSnapshot{
		Binary:          cfg.binary,
		Registry:        cfg.registry,
		StopTimeout:     cfg.stopTimeout,
		ConnectAttempts: cfg.connectAttempts,
		BackoffInitial:  cfg.backoffInitial,
		BackoffMax:      cfg.backoffMax,
		InitScripts:     cfg.initScripts,
		Discoverer:      cfg.discoverer,
	}
}
