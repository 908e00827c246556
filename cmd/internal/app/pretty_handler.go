package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
)

const (
	defaultLogWidth = 100
	minLogWidth     = 40
	segmentSep      = "  "
	contPrefix      = "    ↳ "
	ellipsis        = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// prettyHandler renders records as coloured key=value segments for local
// development, wrapped to the terminal width.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		w:     w,
		color: color,
		mu:    &sync.Mutex{},
	}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	segs := []string{
		applyDim(ts.Format("15:04:05.000"), h.color) + " " + levelTag(r.Level, h.color) + " " + applyBold(r.Message, h.color),
	}

	for _, a := range h.attrs {
		segs = h.appendAttr(segs, a, "")
	}
	prefix := strings.Join(h.groups, ".")
	r.Attrs(func(a slog.Attr) bool {
		segs = h.appendAttr(segs, a, prefix)
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		frames := runtime.CallersFrames([]uintptr{r.PC})
		frame, _ := frames.Next()
		if frame.File != "" {
			segs = append(segs, applyDim(fmt.Sprintf("@%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	lines := wrapSegments(segs, segmentSep, h.terminalWidth(), contPrefix)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, strings.Join(lines, "\n")+"\n")
	return err
}

// WithAttrs qualifies attrs with the groups open at the time of the call.
func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	cp := *h
	if len(h.groups) > 0 {
		attrs = []slog.Attr{{Key: strings.Join(h.groups, "."), Value: slog.GroupValue(attrs...)}}
	}
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

// terminalWidth prefers GINVITE_LOG_WIDTH, then COLUMNS. Values too narrow to
// be useful fall back to the default.
func (h *prettyHandler) terminalWidth() int {
	for _, key := range []string{EnvPrefix + "LOG_WIDTH", "COLUMNS"} {
		raw := strings.TrimSpace(os.Getenv(key))
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < minLogWidth {
			return defaultLogWidth
		}
		return n
	}
	return defaultLogWidth
}

func (h *prettyHandler) appendAttr(segs []string, a slog.Attr, parent string) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return segs
	}

	key := strings.TrimSpace(a.Key)
	if key == "" {
		return segs
	}
	fullKey := key
	if parent != "" {
		fullKey = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			segs = h.appendAttr(segs, ga, fullKey)
		}
		return segs
	}

	return append(segs, applyDim(fullKey+"=", h.color)+h.prettyValue(key, a.Value))
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path", "link":
		return colorize(strings.TrimSpace(v.String()), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result", "outcome":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "severity":
		return colorizeSeverity(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	case "err":
		return colorize(quoteIfNeeded(valueToString(v)), ansiRed, h.color)
	}
	return quoteIfNeeded(valueToString(v))
}

// wrapSegments packs segments into lines no wider than width. Continuation
// lines start with cont; a segment that cannot fit on its own line is cut
// and marked with an ellipsis.
func wrapSegments(segs []string, sep string, width int, cont string) []string {
	if width < minLogWidth {
		width = minLogWidth
	}

	var lines []string
	cur := ""
	for _, seg := range segs {
		if cur == "" {
			cur = truncateVisual(seg, width)
			continue
		}
		if visualLen(cur)+visualLen(sep)+visualLen(seg) <= width {
			cur += sep + seg
			continue
		}
		lines = append(lines, cur)
		cur = cont + truncateVisual(seg, width-visualLen(cont))
	}
	if cur != "" {
		lines = append(lines, cur)
	}
	return lines
}

func truncateVisual(s string, width int) string {
	if visualLen(s) <= width {
		return s
	}
	plain := []rune(stripANSI(s))
	keep := width - utf8.RuneCountInString(ellipsis)
	if keep < 0 {
		keep = 0
	}
	return string(plain[:keep]) + ellipsis
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return colorize("[ERROR]", ansiRed, color)
	case level >= slog.LevelWarn:
		return colorize("[WARN]", ansiYellow, color)
	case level < slog.LevelInfo:
		return colorize("[DEBUG]", ansiMagenta, color)
	default:
		return colorize("[INFO]", ansiBlue, color)
	}
}

func colorizeHTTPMethod(m string, color bool) string {
	switch m {
	case "GET", "HEAD":
		return colorize(m, ansiGreen, color)
	case "POST":
		return colorize(m, ansiBlue, color)
	case "PUT", "PATCH":
		return colorize(m, ansiYellow, color)
	case "DELETE":
		return colorize(m, ansiRed, color)
	default:
		return colorize(m, ansiMagenta, color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	return colorize(strconv.Itoa(code), statusColor(code), color)
}

func colorizeStatusClass(class string, color bool) string {
	switch class {
	case "2xx":
		return colorize(class, ansiGreen, color)
	case "3xx":
		return colorize(class, ansiCyan, color)
	case "4xx":
		return colorize(class, ansiYellow, color)
	case "5xx":
		return colorize(class, ansiRed, color)
	default:
		return class
	}
}

func statusColor(code int) string {
	switch {
	case code >= 500:
		return ansiRed
	case code >= 400:
		return ansiYellow
	case code >= 300:
		return ansiCyan
	default:
		return ansiGreen
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return colorize(s, ansiRed, color)
	case ms >= 250:
		return colorize(s, ansiYellow, color)
	default:
		return colorize(s, ansiDim, color)
	}
}

func colorizeResult(r string, color bool) string {
	switch r {
	case "success", "accepted", "declined", "ok":
		return colorize(r, ansiGreen, color)
	case "redirect":
		return colorize(r, ansiCyan, color)
	case "client_error", "forbidden", "invalid_state", "invalid", "conflict", "not_found":
		return colorize(r, ansiYellow, color)
	case "server_error", "partial", "persistence", "error":
		return colorize(r, ansiRed, color)
	default:
		return r
	}
}

func colorizeSeverity(s string, color bool) string {
	switch s {
	case "error":
		return colorize(s, ansiRed, color)
	case "warning":
		return colorize(s, ansiYellow, color)
	default:
		return colorize(s, ansiGreen, color)
	}
}

func colorize(s, code string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func applyDim(s string, color bool) string {
	return colorize(s, ansiDim, color)
}

func applyBold(s string, color bool) string {
	return colorize(s, ansiBright, color)
}
