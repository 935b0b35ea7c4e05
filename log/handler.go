package log

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

// formatterHandler adapts a LogFormatter (TextFormatter, JSONFormatter, or
// ColorFormatter) into an slog.Handler, so that Logger can be backed by
// either slog's native JSON handler or one of the formatters in
// formatter.go.
type formatterHandler struct {
	formatter LogFormatter
	w         io.Writer
	level     slog.Level
	mu        sync.Mutex
	attrs     []slog.Attr
	groups    []string
}

func (h *formatterHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *formatterHandler) Handle(_ context.Context, record slog.Record) error {
	fields := make(map[string]interface{}, record.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		fields[a.Key] = a.Value.Any()
	}
	record.Attrs(func(a slog.Attr) bool {
		fields[a.Key] = a.Value.Any()
		return true
	})

	entry := LogEntry{
		Timestamp: record.Time,
		Level:     levelFromSlog(record.Level),
		Message:   record.Message,
		Fields:    fields,
	}

	line := h.formatter.Format(entry)

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, line+"\n")
	return err
}

func (h *formatterHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &next
}

func (h *formatterHandler) WithGroup(name string) slog.Handler {
	next := *h
	next.groups = append(append([]string{}, h.groups...), name)
	return &next
}

// levelFromSlog maps an slog.Level onto the LogLevel scale used by the
// formatters. slog has no FATAL level, so anything above ERROR maps to FATAL.
func levelFromSlog(l slog.Level) LogLevel {
	switch {
	case l < slog.LevelInfo:
		return DEBUG
	case l < slog.LevelWarn:
		return INFO
	case l < slog.LevelError:
		return WARN
	case l == slog.LevelError:
		return ERROR
	default:
		return FATAL
	}
}
