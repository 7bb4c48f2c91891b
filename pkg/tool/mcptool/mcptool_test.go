package mcptool

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	s := strings.Repeat("ü", 100)
	got := truncate(s, 33)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate split a rune: %q", got)
	}
	if got != strings.Repeat("ü", 16)+"…" {
		t.Fatalf("truncate = %q", got)
	}
}

func TestTruncateShortStringUntouched(t *testing.T) {
	if got := truncate("short", 200); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
}
