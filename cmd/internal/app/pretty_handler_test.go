package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestStripANSI(t *testing.T) {
	t.Parallel()

	in := ansiBlue + "INFO" + ansiReset + " plain " + ansiRed + "ERR" + ansiReset
	got := stripANSI(in)
	want := "INFO plain ERR"
	if got != want {
		t.Fatalf("stripANSI()=%q want=%q", got, want)
	}
}

func TestWrapSegments_WrapsForNarrowWidth(t *testing.T) {
	t.Parallel()

	s1 := strings.Repeat("a", 20)
	s2 := strings.Repeat("b", 20)
	s3 := strings.Repeat("c", 20)

	lines := wrapSegments([]string{s1, s2, s3}, " | ", 60, "-> ")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d (%v)", len(lines), lines)
	}
	if lines[0] != s1+" | "+s2 {
		t.Fatalf("line[0]=%q want %q", lines[0], s1+" | "+s2)
	}
	if lines[1] != "-> "+s3 {
		t.Fatalf("line[1]=%q want %q", lines[1], "-> "+s3)
	}
}

func TestWrapSegments_TruncatesLongSegment(t *testing.T) {
	t.Parallel()

	lines := wrapSegments([]string{strings.Repeat("x", 80)}, " | ", 60, "-> ")
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	if visualLen(lines[0]) > 60 {
		t.Fatalf("line too wide: %q (visualLen=%d)", lines[0], visualLen(lines[0]))
	}
	if !strings.HasSuffix(lines[0], ellipsis) {
		t.Fatalf("expected truncation marker in %q", lines[0])
	}
}

func TestWrapSegments_IgnoresColourWhenMeasuring(t *testing.T) {
	t.Parallel()

	coloured := colorize(strings.Repeat("a", 25), ansiGreen, true)
	lines := wrapSegments([]string{coloured, coloured}, "  ", 60, "-> ")
	if len(lines) != 1 {
		t.Fatalf("ANSI codes must not count towards width: %q", lines)
	}
}

func TestTerminalWidth_PrefersExplicitOverride(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("GINVITE_LOG_WIDTH", "88")
	t.Setenv("COLUMNS", "132")
	if got := h.terminalWidth(); got != 88 {
		t.Fatalf("terminalWidth()=%d want 88", got)
	}
}

func TestTerminalWidth_UsesColumnsWhenOverrideMissing(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("GINVITE_LOG_WIDTH", "")
	t.Setenv("COLUMNS", "72")
	if got := h.terminalWidth(); got != 72 {
		t.Fatalf("terminalWidth()=%d want 72", got)
	}
}

func TestTerminalWidth_FallbackDefault(t *testing.T) {
	h := &prettyHandler{}

	t.Setenv("GINVITE_LOG_WIDTH", "10")
	t.Setenv("COLUMNS", "20")
	if got := h.terminalWidth(); got != defaultLogWidth {
		t.Fatalf("terminalWidth()=%d want %d", got, defaultLogWidth)
	}
}

func TestPrettyHandler_GroupsAndAttrs(t *testing.T) {
	t.Setenv("GINVITE_LOG_WIDTH", "200")

	var buf bytes.Buffer
	log := slog.New(newPrettyHandler(&buf, nil, false)).With("component", "reconciler").WithGroup("invitation")
	log.Warn("invitation.reconcile.fail", "id", "7", "err", "db down")

	out := buf.String()
	for _, want := range []string{"[WARN]", "invitation.reconcile.fail", "component=reconciler", "invitation.id=7", `invitation.err="db down"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in %q", want, out)
		}
	}
}
