package utils

import (
	"strings"
	"testing"
)

func TestCleanLabel(t *testing.T) {
	if got := CleanLabel("  Zoë-Ångström "); got != "Zoe-Angstrom" {
		t.Fatalf("CleanLabel = %q", got)
	}
	if got := CleanLabel(strings.Repeat("x", 80)); len(got) != 50 {
		t.Fatalf("label not truncated: %d", len(got))
	}
}
