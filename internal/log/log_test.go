package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q): expected %v, got %v", in, want, got)
		}
	}
}

func TestNewToFiltersByLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := NewTo(&buf, "warn")
	logger.Info("hidden")
	logger.Warn("shown", "subdomain", "abc")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected info record to be dropped, got %q", out)
	}
	if !strings.Contains(out, "msg=shown") || !strings.Contains(out, "subdomain=abc") {
		t.Fatalf("expected warn record with attrs, got %q", out)
	}
}
