package testutil

import (
	"os"
	"testing"
)

// RequireGuest skips the test unless FLATVM_GUEST_TEST is set. Tests that
// mount virtio shares or switch users only work inside a flatvm guest
// running as root.
func RequireGuest(t *testing.T) {
	t.Helper()
	if os.Getenv("FLATVM_GUEST_TEST") == "" {
		t.Skip("Skipping test: requires FLATVM_GUEST_TEST environment")
	}
}

// RequirePTY skips the test when the system has no pseudo-terminal support.
func RequirePTY(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("Skipping test: /dev/ptmx not available")
	}
}
