//go:build !windows

package repl

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"go.uber.org/zap"
)

// sleepProcess wraps a long sleep in a process so terminate can be
// observed without an interpreter.
func sleepProcess(t *testing.T) *process {
	t.Helper()
	cmd := exec.Command("sleep", "60")
	setProcessGroup(cmd)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.Fatal(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatal(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		t.Fatal(err)
	}
	if err := cmd.Start(); err != nil {
		t.Skipf("starting sleep: %v", err)
	}
	p := &process{
		limits:     Limits{KillGrace: time.Second}.withDefaults(),
		logger:     zap.NewNop(),
		cmd:        cmd,
		stdin:      stdin,
		stdoutPipe: stdout,
		stderrPipe: stderr,
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()
	t.Cleanup(p.terminate)
	return p
}

func TestTerminateDuringStartupKillsLateInterpreter(t *testing.T) {
	proc := sleepProcess(t)
	release := make(chan struct{})
	spawn := func(ctx context.Context) (*process, error) {
		<-release
		return proc, nil
	}
	s := newSession(Python, "slow", spawn, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Terminate(ctx); err == nil {
		t.Fatal("expected Terminate to give up while the spawn is running")
	}
	if got := s.State(); got != StateTerminated {
		t.Fatalf("expected terminated, got %s", got)
	}

	close(release)
	lockCtx, cancelLock := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelLock()
	if err := s.lock.Lock(lockCtx); err != nil {
		t.Fatalf("startup never released the lock: %v", err)
	}
	defer s.lock.Unlock()

	if got := s.State(); got != StateTerminated {
		t.Errorf("expected state to stay terminated, got %s", got)
	}
	if info := s.Info(); info.PID != 0 {
		t.Errorf("expected no interpreter on the session, got pid %d", info.PID)
	}
	select {
	case <-proc.exited:
	case <-time.After(5 * time.Second):
		t.Fatal("late interpreter was not killed")
	}
}
