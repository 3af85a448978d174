// Package testutils holds small test helpers shared across the
// engine's package-level test suites.
package testutils

import (
	"context"
	"testing"
	"time"
)

// TestContext creates a test context with a generous timeout, cancelled
// automatically when the test ends.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// AssertEventuallyTrue polls condition until it's true or timeout elapses,
// failing the test with message otherwise. Useful for asserting on
// Scheduler/Runner state transitions that happen on a worker goroutine.
func AssertEventuallyTrue(t *testing.T, condition func() bool, timeout time.Duration, message string) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition never became true: %s", message)
}
