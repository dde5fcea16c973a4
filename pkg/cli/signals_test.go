package cli

import (
	"syscall"
	"testing"
	"time"
)

// ============================================================================
// Signal Handling Tests
// ============================================================================

func TestWaitForShutdown(t *testing.T) {
	ch := WaitForShutdown()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("failed to send signal: %v", err)
	}

	select {
	case sig := <-ch:
		if sig != syscall.SIGTERM {
			t.Errorf("expected SIGTERM, got %v", sig)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for shutdown signal")
	}
}
