package kms_test

import (
	"testing"

	"github.com/NeowayLabs/kms"
)

var (
	card, errCard = kms.Available()
)

// requireCard skips tests that need real hardware when no card node is
// present (containers, CI).
func requireCard(t *testing.T) {
	t.Helper()
	if errCard != nil {
		t.Skipf("no graphics card available: %v", errCard)
	}
}
