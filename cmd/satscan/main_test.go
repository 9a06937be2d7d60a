package main

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("short strings pass through, got %q", got)
	}
	if got := truncate("line one\nline two", 60); got != "line one line two" {
		t.Errorf("newlines become spaces, got %q", got)
	}

	long := strings.Repeat("x", 59) + "é tail that gets cut"
	got := truncate(long, 60)
	if !strings.HasSuffix(got, "...") {
		t.Errorf("expected ellipsis, got %q", got)
	}
	if !utf8.ValidString(got) {
		t.Errorf("truncation split a rune: %q", got)
	}
}
