package qenv_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"
	"time"

	"github.com/quantbench/qenv"
)

// fakeServer writes a stand-in q executable that ignores its arguments and
// stays alive until signalled. Process-lifecycle tests exercise the
// supervisor against it; protocol behavior is covered separately by the
// in-process IPC test server.
func fakeServer(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake server script needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "q")
	script := "#!/bin/sh\nwhile :; do sleep 1; done\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake server: %v", err)
	}
	return path
}

// fakeDyingServer writes a stand-in q executable that exits immediately,
// for bind-race paths where the spawned server dies before listening.
func fakeDyingServer(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake server script needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "q")
	if err := os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatalf("write fake server: %v", err)
	}
	return path
}

// fixedCreds builds fixed-port credentials with a stable identity for
// registry keying.
func fixedCreds(t *testing.T, port int) *qenv.Credentials {
	t.Helper()
	c, err := qenv.NewCredentials(
		qenv.WithHost("127.0.0.1"), qenv.WithPort(port), qenv.WithUsername("quant"))
	if err != nil {
		t.Fatalf("NewCredentials() error: %v", err)
	}
	return c
}

// newTestSupervisor wires a supervisor to a fake binary and a fresh
// registry, and guarantees teardown.
func newTestSupervisor(t *testing.T, binary string, port int) (*qenv.Supervisor, *qenv.Registry) {
	t.Helper()
	reg := qenv.NewRegistry()
	sup, err := qenv.NewSupervisor(fixedCreds(t, port),
		qenv.WithBinary(binary), qenv.WithRegistry(reg),
		qenv.WithStopTimeout(5*time.Second))
	if err != nil {
		t.Fatalf("NewSupervisor() error: %v", err)
	}
	t.Cleanup(func() {
		_ = reg.StopAll(context.Background())
	})
	return sup, reg
}

// pidGone reports whether pid no longer exists (or is a reaped zombie we
// cannot signal).
func pidGone(pid int) bool {
	return syscall.Kill(pid, 0) != nil
}

func TestSupervisorStartReuseIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sup, reg := newTestSupervisor(t, fakeServer(t), 46001)

	if sup.IsRunning(ctx) {
		t.Fatal("IsRunning() = true before Start")
	}
	if err := sup.Start(ctx, qenv.StartReuse); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("registry has %d entries after Start, want 1", reg.Len())
	}

	first, err := sup.CurrentProcess(ctx)
	if err != nil {
		t.Fatalf("CurrentProcess() error: %v", err)
	}
	if first == nil || !first.Owned || first.Pid <= 0 {
		t.Fatalf("CurrentProcess() = %+v, want an owned process", first)
	}

	// Reuse must not spawn: the process identity stays the same.
	if err := sup.Start(ctx, qenv.StartReuse); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	second, err := sup.CurrentProcess(ctx)
	if err != nil {
		t.Fatalf("CurrentProcess() error: %v", err)
	}
	if second.Pid != first.Pid {
		t.Fatalf("StartReuse changed pid %d -> %d", first.Pid, second.Pid)
	}
}

func TestSupervisorStartRestartReplacesProcess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sup, _ := newTestSupervisor(t, fakeServer(t), 46002)

	if err := sup.Start(ctx, qenv.StartRestart); err != nil {
		t.Fatalf("Start(StartRestart) on empty port error: %v", err)
	}
	first, err := sup.CurrentProcess(ctx)
	if err != nil {
		t.Fatalf("CurrentProcess() error: %v", err)
	}

	if err := sup.Start(ctx, qenv.StartRestart); err != nil {
		t.Fatalf("Start(StartRestart) error: %v", err)
	}
	second, err := sup.CurrentProcess(ctx)
	if err != nil {
		t.Fatalf("CurrentProcess() error: %v", err)
	}
	if second.Pid == first.Pid {
		t.Fatalf("StartRestart kept pid %d", first.Pid)
	}
	if !pidGone(first.Pid) {
		t.Fatalf("previous process %d still alive after restart", first.Pid)
	}
}

func TestSupervisorStartExclusiveFailsOnOwnedProcess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sup, _ := newTestSupervisor(t, fakeServer(t), 46003)

	if err := sup.Start(ctx, qenv.StartExclusive); err != nil {
		t.Fatalf("Start(StartExclusive) on empty port error: %v", err)
	}
	err := sup.Start(ctx, qenv.StartExclusive)
	if !errors.Is(err, qenv.ErrPortInUse) {
		t.Fatalf("Start() error = %v, want ErrPortInUse", err)
	}
	if !errors.Is(err, qenv.ErrAlreadyRunning) {
		t.Fatalf("Start() error = %v, want ErrAlreadyRunning in the chain", err)
	}
}

func TestSupervisorStopIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sup, reg := newTestSupervisor(t, fakeServer(t), 46004)

	if err := sup.Start(ctx, qenv.StartReuse); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	cur, err := sup.CurrentProcess(ctx)
	if err != nil {
		t.Fatalf("CurrentProcess() error: %v", err)
	}

	stopped, err := sup.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if !stopped {
		t.Fatal("Stop() = false, want true for a running process")
	}
	if reg.Len() != 0 {
		t.Fatalf("registry has %d entries after Stop, want 0", reg.Len())
	}
	if !pidGone(cur.Pid) {
		t.Fatalf("process %d still alive after Stop", cur.Pid)
	}

	// Nothing to stop is success, not an error.
	stopped, err = sup.Stop(ctx)
	if err != nil {
		t.Fatalf("second Stop() error: %v", err)
	}
	if stopped {
		t.Fatal("second Stop() = true, want false")
	}
}

func TestSupervisorDetectsDeadOwnedProcess(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	sup, reg := newTestSupervisor(t, fakeDyingServer(t), 46005)

	if err := sup.Start(ctx, qenv.StartReuse); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	// The fake exits at once. The supervisor must notice the stale handle
	// rather than reporting a phantom owned process forever.
	deadline := time.Now().Add(5 * time.Second)
	for {
		cur, err := sup.CurrentProcess(ctx)
		if err != nil {
			t.Fatalf("CurrentProcess() error: %v", err)
		}
		if cur == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("CurrentProcess() still reports %+v for an exited process", cur)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry still holds %d stale entries", reg.Len())
	}
}

func TestSupervisorStopAllKillsEverything(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	binary := fakeServer(t)
	reg := qenv.NewRegistry()

	var pids []int
	for i, port := range []int{46006, 46007} {
		sup, err := qenv.NewSupervisor(fixedCreds(t, port),
			qenv.WithBinary(binary), qenv.WithRegistry(reg))
		if err != nil {
			t.Fatalf("NewSupervisor() #%d error: %v", i, err)
		}
		if err := sup.Start(ctx, qenv.StartReuse); err != nil {
			t.Fatalf("Start() #%d error: %v", i, err)
		}
		cur, err := sup.CurrentProcess(ctx)
		if err != nil {
			t.Fatalf("CurrentProcess() #%d error: %v", i, err)
		}
		pids = append(pids, cur.Pid)
	}
	if reg.Len() != 2 {
		t.Fatalf("registry has %d entries, want 2", reg.Len())
	}

	if err := reg.StopAll(ctx); err != nil {
		t.Fatalf("StopAll() error: %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("registry has %d entries after StopAll, want 0", reg.Len())
	}
	for _, pid := range pids {
		if !pidGone(pid) {
			t.Errorf("process %d survived StopAll", pid)
		}
	}
}

func TestDefaultRegistryIsSingleton(t *testing.T) {
	t.Parallel()

	if qenv.DefaultRegistry() != qenv.DefaultRegistry() {
		t.Fatal("DefaultRegistry() returned different instances")
	}
}
