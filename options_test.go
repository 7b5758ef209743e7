package qenv_test

import (
	"errors"
	"testing"
	"time"

	"github.com/quantbench/qenv"
)

// requirePanics asserts that fn panics.
func requirePanics(t *testing.T, name string, fn func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s: expected panic, got none", name)
		}
	}()
	fn()
}

func TestOptionPanicsOnProgrammerError(t *testing.T) {
	t.Parallel()

	tests := map[string]func(){
		"WithPort zero":             func() { qenv.WithPort(0) },
		"WithPort above range":      func() { qenv.WithPort(70000) },
		"WithHost empty":            func() { qenv.WithHost("") },
		"WithPortRange inverted":    func() { qenv.WithPortRange(5000, 5000) },
		"WithBinary empty":          func() { qenv.WithBinary("") },
		"WithRegistry nil":          func() { qenv.WithRegistry(nil) },
		"WithStopTimeout zero":      func() { qenv.WithStopTimeout(0) },
		"WithConnectAttempts zero":  func() { qenv.WithConnectAttempts(0) },
		"WithConnectBackoff zero":   func() { qenv.WithConnectBackoff(0, time.Second) },
		"WithInitScripts empty":     func() { qenv.WithInitScripts("a.q", "") },
		"WithSchemaDiscoverer nil":  func() { qenv.WithSchemaDiscoverer(nil) },
		"Local nil function":        func() { qenv.Local(nil) },
		"WithReapJournal empty":     func() { qenv.WithReapJournal("") },
		"WithReapLock empty":        func() { qenv.WithReapLock("") },
		"WithReapStopTimeout zero":  func() { qenv.WithReapStopTimeout(0) },
	}

	for name, fn := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			requirePanics(t, name, fn)
		})
	}
}

func TestOptionsApplyOverDefaults(t *testing.T) {
	t.Parallel()

	def := qenv.ApplyOptionsForTesting()
	if def.ConnectAttempts != qenv.DefaultConnectAttempts {
		t.Errorf("default ConnectAttempts = %d, want %d",
			def.ConnectAttempts, qenv.DefaultConnectAttempts)
	}
	if def.StopTimeout != qenv.DefaultStopTimeout {
		t.Errorf("default StopTimeout = %v, want %v", def.StopTimeout, qenv.DefaultStopTimeout)
	}
	if def.BackoffInitial != qenv.DefaultConnectBackoffInitial ||
		def.BackoffMax != qenv.DefaultConnectBackoffMax {
		t.Errorf("default backoff = (%v, %v), want (%v, %v)",
			def.BackoffInitial, def.BackoffMax,
			qenv.DefaultConnectBackoffInitial, qenv.DefaultConnectBackoffMax)
	}

	reg := qenv.NewRegistry()
	disc := &qenv.DefaultSchemaDiscoverer{SampleRows: 7}
	got := qenv.ApplyOptionsForTesting(
		qenv.WithBinary("/opt/kdb/q"),
		qenv.WithRegistry(reg),
		qenv.WithStopTimeout(3*time.Second),
		qenv.WithConnectAttempts(7),
		qenv.WithConnectBackoff(time.Millisecond, time.Second),
		qenv.WithInitScripts("lib.q", "util.q"),
		qenv.WithSchemaDiscoverer(disc),
	)
	if got.Binary != "/opt/kdb/q" {
		t.Errorf("Binary = %q", got.Binary)
	}
	if got.Registry != reg {
		t.Error("Registry option did not apply")
	}
	if got.StopTimeout != 3*time.Second {
		t.Errorf("StopTimeout = %v", got.StopTimeout)
	}
	if got.ConnectAttempts != 7 {
		t.Errorf("ConnectAttempts = %d", got.ConnectAttempts)
	}
	if got.BackoffInitial != time.Millisecond || got.BackoffMax != time.Second {
		t.Errorf("backoff = (%v, %v)", got.BackoffInitial, got.BackoffMax)
	}
	if len(got.InitScripts) != 2 || got.InitScripts[0] != "lib.q" {
		t.Errorf("InitScripts = %v", got.InitScripts)
	}
	if got.Discoverer != disc {
		t.Error("SchemaDiscoverer option did not apply")
	}
}

func TestNewSessionRejectsInvertedBackoff(t *testing.T) {
	t.Parallel()

	// Each bound is individually valid, so the options apply; the
	// combination is the violation, caught by config validation.
	_, err := qenv.NewSession(nil,
		qenv.WithBinary("/bin/true"),
		qenv.WithConnectBackoff(time.Second, time.Millisecond))
	if err == nil {
		t.Fatal("NewSession() accepted backoff max below initial")
	}
}

func TestNewConnRejectsInvertedBackoff(t *testing.T) {
	t.Parallel()

	creds, err := qenv.NewCredentials(qenv.WithPort(5010))
	if err != nil {
		t.Fatalf("NewCredentials() error: %v", err)
	}
	if _, err := qenv.NewConn(creds,
		qenv.WithConnectBackoff(time.Second, time.Millisecond)); err == nil {
		t.Fatal("NewConn() accepted backoff max below initial")
	}
}

func TestStartModeEnum(t *testing.T) {
	t.Parallel()

	valid := map[qenv.StartMode]string{
		qenv.StartReuse:     "StartReuse",
		qenv.StartRestart:   "StartRestart",
		qenv.StartExclusive: "StartExclusive",
	}
	for mode, name := range valid {
		if !mode.IsValid() {
			t.Errorf("%s.IsValid() = false", name)
		}
		if mode.String() != name {
			t.Errorf("String() = %q, want %q", mode.String(), name)
		}
	}
	if qenv.StartMode(99).IsValid() {
		t.Error("StartMode(99).IsValid() = true")
	}
}

func TestSentinelErrorsAreDistinct(t *testing.T) {
	t.Parallel()

	sentinels := []error{
		qenv.ErrPortInUse, qenv.ErrPortFixed, qenv.ErrPortsExhausted,
		qenv.ErrUnsupportedPlatform, qenv.ErrConnectionFailed,
		qenv.ErrEvaluation, qenv.ErrNotStarted, qenv.ErrAlreadyRunning,
	}
	for i, a := range sentinels {
		for j, b := range sentinels {
			if (i == j) != errors.Is(a, b) {
				t.Errorf("errors.Is(%v, %v) = %v", a, b, i == j)
			}
		}
	}
}
