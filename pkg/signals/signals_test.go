package signals

import (
	"syscall"
	"testing"
	"time"
)

func noExit(int) {}

// TestSetupSIGTERM ensures SIGTERM triggers stopCh closure and ctx cancellation.
func TestSetupSIGTERM(t *testing.T) {
	stopCh := make(chan struct{})
	ctx := setup(stopCh, noExit)

	// Send SIGTERM after a short delay to allow the goroutine to install the handler.
	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	})

	select {
	case <-stopCh:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for stopCh after SIGTERM")
	}

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ctx.Done() after SIGTERM")
	}
}

// TestSetupSIGINTNilStop ensures SIGINT cancels the context without a stop channel.
func TestSetupSIGINTNilStop(t *testing.T) {
	ctx := setup(nil, noExit)

	time.AfterFunc(50*time.Millisecond, func() {
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGINT)
	})

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ctx.Done() after SIGINT")
	}
}

// TestSecondSignalExits ensures a repeated signal forces the exit path.
func TestSecondSignalExits(t *testing.T) {
	exited := make(chan int, 1)
	ctx := setup(nil, func(code int) { exited <- code })

	_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for ctx.Done()")
	}

	_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	select {
	case code := <-exited:
		if code != 1 {
			t.Fatalf("exit code = %d, want 1", code)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timeout waiting for forced exit")
	}
}
