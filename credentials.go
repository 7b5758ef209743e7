package qenv

import (
	"fmt"
	"math/rand/v2"
	"os"
	"os/user"
)

// Credentials identifies one session endpoint: where the server listens and
// who connects to it. Treat a Credentials value as immutable apart from its
// port cursor: NextPort is the only mutator, and only pooled credentials
// have one.
//
// Credentials constructed without an explicit port are "pooled": they own a
// private shuffled permutation of the [DefaultPortRangeLow,
// DefaultPortRangeHigh) candidate range and start on its first entry.
// Shuffling keeps many sessions racing on the same shared range from
// colliding in the same order every time.
type Credentials struct {
	Host     string
	Port     int
	Username string
	Password string

	fixed     bool
	remaining []int // pooled mode: candidate ports not yet tried
}

// NewCredentials builds session credentials. Defaults: host is the local
// machine's hostname (falling back to "localhost"), username is the current
// OS user (falling back to empty), password is empty, and the port is drawn
// from a freshly shuffled candidate pool. WithPort fixes the port instead.
func NewCredentials(opts ...CredentialsOption) (*Credentials, error) {
	cfg := credentialsConfig{
		portLow:  DefaultPortRangeLow,
		portHigh: DefaultPortRangeHigh,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	c := &Credentials{
		Host:     cfg.host,
		Username: cfg.username,
		Password: cfg.password,
	}
	if c.Host == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "localhost"
		}
		c.Host = host
	}
	if !cfg.hasUsername {
		if u, err := user.Current(); err == nil {
			c.Username = u.Username
		}
	}

	if cfg.hasPort {
		c.Port = cfg.port
		c.fixed = true
		return c, nil
	}

	c.remaining = shuffledRange(cfg.portLow, cfg.portHigh)
	if _, err := c.NextPort(); err != nil {
		return nil, fmt.Errorf("draw initial port: %w", err)
	}
	return c, nil
}

// shuffledRange returns the integers of [low, high) in random order.
func shuffledRange(low, high int) []int {
	ports := make([]int, high-low)
	for i := range ports {
		ports[i] = low + i
	}
	rand.Shuffle(len(ports), func(i, j int) {
		ports[i], ports[j] = ports[j], ports[i]
	})
	return ports
}

// IsFixedPort reports whether the credentials were constructed with an
// explicit port. A fixed port never changes.
func (c *Credentials) IsFixedPort() bool {
	return c.fixed
}

// NextPort moves the credentials to the next candidate port and returns it.
// Fails with ErrPortFixed on fixed-port credentials and ErrPortsExhausted
// once the pool is drained.
func (c *Credentials) NextPort() (int, error) {
	if c.fixed {
		return 0, fmt.Errorf("port %d: %w", c.Port, ErrPortFixed)
	}
	if len(c.remaining) == 0 {
		return 0, fmt.Errorf("no candidate ports left after %d: %w", c.Port, ErrPortsExhausted)
	}
	c.Port = c.remaining[0]
	c.remaining = c.remaining[1:]
	return c.Port, nil
}

// Clone returns an independent copy. A pooled clone gets its own snapshot
// of the remaining candidate sequence, so consuming ports on one copy does
// not disturb the other.
func (c *Credentials) Clone() *Credentials {
	dup := *c
	if c.remaining != nil {
		dup.remaining = make([]int, len(c.remaining))
		copy(dup.remaining, c.remaining)
	}
	return &dup
}

// Equal reports whether two credentials identify the same endpoint: all of
// host, port, username and password match. The pool cursor does not
// participate.
func (c *Credentials) Equal(o *Credentials) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.Host == o.Host && c.Port == o.Port &&
		c.Username == o.Username && c.Password == o.Password
}

// Addr returns the host:port dial address.
func (c *Credentials) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String renders the endpoint with the password redacted.
func (c *Credentials) String() string {
	return fmt.Sprintf("%s@%s:%d", c.Username, c.Host, c.Port)
}

// key is the registry map key: the full equality 4-tuple. The field
// separator cannot appear in a hostname or port, and a username containing
// it would need a password with a colliding prefix to alias another key.
func (c *Credentials) key() string {
	return fmt.Sprintf("%s\x00%d\x00%s\x00%s", c.Host, c.Port, c.Username, c.Password)
}
