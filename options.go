package qenv

import (
	"errors"
	"fmt"
	"time"
)

// requirePositive panics if v <= 0 with a descriptive message.
func requirePositive[T int | time.Duration](name string, v T) {
	if v <= 0 {
		panic(fmt.Sprintf("qenv: %s must be greater than 0, got %v", name, v))
	}
}

// requireNonEmpty panics if s is empty with a descriptive message.
func requireNonEmpty(name, s string) {
	if s == "" {
		panic(fmt.Sprintf("qenv: %s must not be empty", name))
	}
}

// CredentialsOption configures NewCredentials. Invalid option arguments
// panic: option values are typically compile-time constants, so a bad one
// is a programmer error, not a runtime condition.
type CredentialsOption func(*credentialsConfig)

type credentialsConfig struct {
	host        string
	username    string
	hasUsername bool
	password    string
	port        int
	hasPort     bool
	portLow     int
	portHigh    int
}

// WithHost sets the endpoint host. Default: the local hostname.
// Panics if host is empty.
func WithHost(host string) CredentialsOption {
	requireNonEmpty("host", host)
	return func(c *credentialsConfig) {
		c.host = host
	}
}

// WithPort fixes the endpoint port. Fixed-port credentials never migrate:
// a port conflict fails the session instead of reallocating.
// Panics if port is outside 1-65535.
func WithPort(port int) CredentialsOption {
	if port < 1 || port > 65535 {
		panic(fmt.Sprintf("qenv: port must be in 1-65535, got %d", port))
	}
	return func(c *credentialsConfig) {
		c.port = port
		c.hasPort = true
	}
}

// WithUsername sets the username presented in the connection handshake.
// Default: the current OS user. An empty username is allowed; the server
// treats it as anonymous.
func WithUsername(username string) CredentialsOption {
	return func(c *credentialsConfig) {
		c.username = username
		c.hasUsername = true
	}
}

// WithPassword sets the handshake password. Default: empty.
func WithPassword(password string) CredentialsOption {
	return func(c *credentialsConfig) {
		c.password = password
	}
}

// withPortRange overrides the candidate pool. Test hook; the production
// range is a module constant. Panics unless 1 <= low < high <= 65536.
func withPortRange(low, high int) CredentialsOption {
	if low < 1 || high > 65536 || low >= high {
		panic(fmt.Sprintf("qenv: port range [%d, %d) is invalid", low, high))
	}
	return func(c *credentialsConfig) {
		c.portLow = low
		c.portHigh = high
	}
}

// Option configures NewSupervisor, NewConn and NewSession. All three share
// one option vocabulary; constructors read the fields that concern them.
// Invalid option arguments panic, matching CredentialsOption.
type Option func(*config)

type config struct {
	binary          string
	registry        *Registry
	stopTimeout     time.Duration
	connectAttempts int
	backoffInitial  time.Duration
	backoffMax      time.Duration
	initScripts     []string
	discoverer      SchemaDiscoverer
}

func defaultConfig() config {
	return config{
		stopTimeout:     DefaultStopTimeout,
		connectAttempts: DefaultConnectAttempts,
		backoffInitial:  DefaultConnectBackoffInitial,
		backoffMax:      DefaultConnectBackoffMax,
	}
}

// validate collects configuration violations that can only be judged once
// all options are applied.
func (c *config) validate() error {
	var errs []error
	if c.backoffMax < c.backoffInitial {
		errs = append(errs, fmt.Errorf("connect backoff max %v is below initial %v",
			c.backoffMax, c.backoffInitial))
	}
	return errors.Join(errs...)
}

// WithBinary overrides executable resolution with an explicit path to the
// server binary, bypassing the PATH search. Panics if path is empty.
func WithBinary(path string) Option {
	requireNonEmpty("binary path", path)
	return func(c *config) {
		c.binary = path
	}
}

// WithRegistry injects the process-handle registry. Default:
// DefaultRegistry(). Tests inject a fresh NewRegistry() per case so owned
// handles never leak between cases. Panics if r is nil.
func WithRegistry(r *Registry) Option {
	if r == nil {
		panic("qenv: registry must not be nil")
	}
	return func(c *config) {
		c.registry = r
	}
}

// WithStopTimeout bounds process termination, covering the SIGTERM grace
// period and SIGKILL escalation. Default: DefaultStopTimeout.
// Panics if d <= 0.
func WithStopTimeout(d time.Duration) Option {
	requirePositive("stop timeout", d)
	return func(c *config) {
		c.stopTimeout = d
	}
}

// WithConnectAttempts caps dial+handshake attempts per connection start.
// Default: DefaultConnectAttempts. Panics if n <= 0.
func WithConnectAttempts(n int) Option {
	requirePositive("connect attempts", n)
	return func(c *config) {
		c.connectAttempts = n
	}
}

// WithConnectBackoff sets the exponential backoff between connection
// attempts: the delay after the first failure and the cap it grows toward.
// Defaults: DefaultConnectBackoffInitial, DefaultConnectBackoffMax.
// Panics if either is <= 0; initial above max is a validation error.
func WithConnectBackoff(initial, max time.Duration) Option {
	requirePositive("connect backoff initial", initial)
	requirePositive("connect backoff max", max)
	return func(c *config) {
		c.backoffInitial = initial
		c.backoffMax = max
	}
}

// WithInitScripts configures q files loaded (via ReadKDB) every time the
// session starts, installing session-scoped library definitions. Panics if
// any path is empty.
func WithInitScripts(paths ...string) Option {
	for _, p := range paths {
		requireNonEmpty("init script path", p)
	}
	return func(c *config) {
		c.initScripts = append(c.initScripts, paths...)
	}
}

// WithSchemaDiscoverer injects the CSV schema-discovery collaborator used
// by ReadCSV. Default: a zero DefaultSchemaDiscoverer. Panics if d is nil.
func WithSchemaDiscoverer(d SchemaDiscoverer) Option {
	if d == nil {
		panic("qenv: schema discoverer must not be nil")
	}
	return func(c *config) {
		c.discoverer = d
	}
}
