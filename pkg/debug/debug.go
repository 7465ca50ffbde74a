// Package debug provides category-scoped debug logging on top of log/slog.
//
// Categories select WHAT is logged (DIALOG_DEBUG, comma separated), the level
// selects HOW MUCH (DIALOG_LOG_LEVEL). Environment values win over config.
//
//	debug.Log(debug.Stream, "skipping malformed line", "line", line)
//	if debug.Enabled(debug.Provider) { /* expensive formatting */ }
package debug

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync/atomic"
)

// Known categories.
const (
	RateLimit = "ratelimit"
	Queue     = "queue"
	Retry     = "retry"
	Tools     = "tools"
	Stream    = "stream"
	Engine    = "engine"
	Provider  = "provider"
	Config    = "config"
	Transport = "transport"
	MCP       = "mcp"
	All       = "all"
)

// LevelTrace sits below slog.LevelDebug. At TRACE, full request and
// response bodies are logged.
const LevelTrace = slog.LevelDebug - 4

var categories atomic.Pointer[map[string]bool]

func init() {
	setCategories(parseCategories(os.Getenv("DIALOG_DEBUG")))
}

// Options configures Init.
type Options struct {
	Categories string
	Level      string
	// Format is "text" (default) or "json".
	Format string
	Output io.Writer
}

// Init installs the default slog logger and the enabled categories.
func Init(opts Options) {
	cats := os.Getenv("DIALOG_DEBUG")
	if cats == "" {
		cats = opts.Categories
	}
	setCategories(parseCategories(cats))

	level := os.Getenv("DIALOG_LOG_LEVEL")
	if level == "" {
		level = opts.Level
	}
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	slog.SetDefault(slog.New(newHandler(out, opts.Format, ParseLevel(level))))
}

func newHandler(w io.Writer, format string, level slog.Level) slog.Handler {
	hopts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				if lvl, ok := a.Value.Any().(slog.Level); ok && lvl == LevelTrace {
					a.Value = slog.StringValue("TRACE")
				}
			}
			return a
		},
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(w, hopts)
	}
	return slog.NewTextHandler(w, hopts)
}

// Enabled reports whether debug output is active for category.
func Enabled(category string) bool {
	m := *categories.Load()
	return m[All] || m[category]
}

// Log emits a debug message tagged with category. No-op when the category is off.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a TRACE message tagged with category.
func Trace(category string, msg string, args ...any) {
	if !TraceEnabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceEnabled reports whether category is on and the logger accepts TRACE.
func TraceEnabled(category string) bool {
	return Enabled(category) && slog.Default().Enabled(context.Background(), LevelTrace)
}

// Raw writes text to stderr unformatted, for copy-paste ready bodies.
// Only emitted at TRACE.
func Raw(category string, text string) {
	if !TraceEnabled(category) {
		return
	}
	fmt.Fprintln(os.Stderr, text)
}

// ParseLevel converts a level name to a slog.Level. Unknown names map to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories returns the enabled categories, sorted.
func Categories() []string {
	m := *categories.Load()
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

// Truncate shortens s to maxLen bytes, appending "..." when cut.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func setCategories(m map[string]bool) {
	categories.Store(&m)
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}
