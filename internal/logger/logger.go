// Package logger installs the process-wide slog handler used by the phone
// daemon and the token server: one "[15:04:05] [LEVEL] msg k=v" line per
// record, with a runtime-adjustable level.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

var level = new(slog.LevelVar)

// JSONParsingWriter reformats JSON log lines (sipgo emits them) into the
// same text layout as the slog handler. Other lines pass through.
type JSONParsingWriter struct {
	base io.Writer
}

// NewJSONParsingWriter wraps w.
func NewJSONParsingWriter(w io.Writer) *JSONParsingWriter {
	return &JSONParsingWriter{base: w}
}

// Write implements io.Writer
func (w *JSONParsingWriter) Write(p []byte) (int, error) {
	if !strings.HasPrefix(strings.TrimSpace(string(p)), "{") {
		return w.base.Write(p)
	}
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err != nil {
		return w.base.Write(p)
	}

	lvl := "info"
	if v, ok := entry["level"]; ok {
		lvl = fmt.Sprint(v)
	}
	msg := "unknown"
	if v, ok := entry["message"]; ok {
		msg = fmt.Sprint(v)
	} else if v, ok := entry["msg"]; ok {
		msg = fmt.Sprint(v)
	}
	ts := time.Now()
	if v, ok := entry["time"]; ok {
		if parsed, err := time.Parse(time.RFC3339, fmt.Sprint(v)); err == nil {
			ts = parsed
		}
	}

	var attrs []string
	for k, v := range entry {
		switch k {
		case "level", "message", "msg", "time", "caller":
			continue
		}
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, v))
	}
	// Map order is random; keep lines stable.
	slices.Sort(attrs)

	if _, err := io.WriteString(w.base, format(ts, strings.ToUpper(lvl), msg, attrs)); err != nil {
		return 0, err
	}
	return len(p), nil
}

func format(ts time.Time, lvl, msg string, attrs []string) string {
	line := "[" + ts.Format("15:04:05") + "] [" + lvl + "] " + msg
	if len(attrs) > 0 {
		line += " " + strings.Join(attrs, " ")
	}
	return line + "\n"
}

// SetLevel sets the global log level
func SetLevel(levelStr string) {
	level.Set(ParseLevel(levelStr))
}

// GetLevel returns the current log level as a string
func GetLevel() string {
	switch level.Level() {
	case slog.LevelDebug:
		return "debug"
	case slog.LevelInfo:
		return "info"
	case slog.LevelWarn:
		return "warn"
	case slog.LevelError:
		return "error"
	default:
		return "debug"
	}
}

// ParseLevel parses a string to an slog level. Unknown strings mean debug.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// textHandler writes formatted records to every output. Handlers derived
// through WithAttrs share the outputs and the write lock.
type textHandler struct {
	outs  []io.Writer
	mu    *sync.Mutex
	attrs []string
	group string
}

// NewHandler returns the line-formatting handler used by InitLogger.
func NewHandler(outputs ...io.Writer) slog.Handler {
	return &textHandler{outs: outputs, mu: &sync.Mutex{}}
}

// Enabled implements slog.Handler
func (h *textHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= level.Level()
}

// Handle implements slog.Handler
func (h *textHandler) Handle(_ context.Context, record slog.Record) error {
	attrs := slices.Clone(h.attrs)
	record.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, h.render(a))
		return true
	})

	line := format(record.Time, strings.ToUpper(record.Level.String()), record.Message, attrs)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, out := range h.outs {
		if out != nil {
			_, _ = io.WriteString(out, line)
		}
	}
	return nil
}

func (h *textHandler) render(a slog.Attr) string {
	key := a.Key
	if h.group != "" {
		key = h.group + "." + key
	}
	return key + "=" + a.Value.Resolve().String()
}

// WithAttrs implements slog.Handler
func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = slices.Clone(h.attrs)
	for _, a := range attrs {
		next.attrs = append(next.attrs, h.render(a))
	}
	return &next
}

// WithGroup implements slog.Handler
func (h *textHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	if h.group != "" {
		name = h.group + "." + name
	}
	next.group = name
	return &next
}

// InitLogger initializes the global logger with one or more output writers
func InitLogger(outputs ...io.Writer) {
	slog.SetDefault(slog.New(NewHandler(outputs...)))
}
