package backend

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestRun_BasicExecution(t *testing.T) {
	stdout, stderr, err := Run(context.Background(), nil, "", "echo", "hello")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(string(stdout), "hello") {
		t.Errorf("Expected stdout to contain 'hello', got: %s", stdout)
	}
	if len(stderr) > 0 {
		t.Errorf("Expected empty stderr, got: %s", stderr)
	}
}

func TestRun_UsesWorkDir(t *testing.T) {
	dir := t.TempDir()
	stdout, _, err := Run(context.Background(), nil, dir, "pwd")
	if err != nil {
		t.Fatalf("pwd failed: %v", err)
	}
	got, _ := filepath.EvalSymlinks(strings.TrimSpace(string(stdout)))
	want, _ := filepath.EvalSymlinks(dir)
	if got != want {
		t.Errorf("Expected command to run in %s, ran in %s", want, got)
	}
}

// Output well above the 64KB pipe buffer must not deadlock.
func TestRun_LargeOutput(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stdout, _, err := Run(ctx, nil, "", "bash", "-c", "head -c 262144 /dev/zero | tr '\\0' 'x'; echo 'oops' >&2")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(stdout) != 262144 {
		t.Errorf("Expected 262144 bytes of stdout, got %d", len(stdout))
	}
}

func TestRun_NonZeroExitCode(t *testing.T) {
	stdout, stderr, err := Run(context.Background(), nil, "", "bash", "-c", "echo partial; echo broken >&2; exit 3")
	if err == nil {
		t.Fatal("Expected error due to non-zero exit code, got nil")
	}
	if ExitCode(err) != 3 {
		t.Errorf("Expected exit code 3, got %d", ExitCode(err))
	}
	if !strings.Contains(string(stdout), "partial") {
		t.Errorf("Expected stdout to be captured on failure, got: %s", stdout)
	}
	if !strings.Contains(string(stderr), "broken") || !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected stderr in output and error, got stderr=%q err=%v", stderr, err)
	}
	if ExitCode(errors.New("plain")) != -1 {
		t.Error("Expected -1 for non-exit errors")
	}
}

func TestRun_ContextCancellationKillsGroup(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	// the child sleep inherits the pipes; killing only bash would hang Wait
	_, _, err := Run(ctx, nil, "", "bash", "-c", "sleep 30 & sleep 30")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Expected error from cancelled command")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected context.DeadlineExceeded in chain, got: %v", err)
	}
	if elapsed > 5*time.Second {
		t.Errorf("Cancellation took too long: %v", elapsed)
	}
}

func TestRun_TracksWhileRunning(t *testing.T) {
	pm := NewProcessManager()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = Run(context.Background(), pm, "", "sleep", "0.3")
	}()

	deadline := time.Now().Add(2 * time.Second)
	for pm.Count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if pm.Count() != 1 {
		t.Fatalf("Expected 1 tracked process while running, got %d", pm.Count())
	}

	<-done
	if pm.Count() != 0 {
		t.Errorf("Expected process to be untracked after exit, got %d", pm.Count())
	}
}

func TestProcessManager_TrackAndKillAll(t *testing.T) {
	pm := NewProcessManager()
	cmd := newCommand(context.Background(), "", "sleep", "300")
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start process: %v", err)
	}
	pm.Track(cmd)

	if pm.Count() != 1 {
		t.Errorf("Expected 1 tracked process, got %d", pm.Count())
	}

	if err := pm.KillAll(); err != nil {
		t.Errorf("KillAll failed: %v", err)
	}

	err := cmd.Wait()
	if err == nil {
		t.Fatal("Expected process to be killed (non-nil error), got nil")
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && !status.Signaled() {
			t.Errorf("Expected process to be signaled, got exit status: %v", status)
		}
	}

	pm.Untrack(cmd)
	if pm.Count() != 0 {
		t.Errorf("Expected 0 tracked processes after Untrack, got %d", pm.Count())
	}
}
