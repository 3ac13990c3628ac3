package sync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	gosync "sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// logger is the package-level structured logger for all sync operations.
// Defaults to a no-op (discard) handler until InitLogger is called.
var logger *slog.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))

// LogOptions configures InitLogger.
type LogOptions struct {
	File  string     // rotating log file; empty disables file output
	Level slog.Level // minimum level for the log file
	Quiet bool       // suppress console output
}

// InitLogger configures the sync package logger.
// Console output routes INFO→stdout and WARN/ERROR→stderr unless Quiet.
// If File is set, every record at or above Level is also appended to it,
// rotated at 10MB with 3 backups.
func InitLogger(opts LogOptions) error {
	handlers := []slog.Handler{&errorCaptureHandler{}}

	if !opts.Quiet {
		handlers = append(handlers, &consoleHandler{
			stdout: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
			stderr: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
		})
	}

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		handlers = append(handlers, slog.NewTextHandler(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10,
			MaxBackups: 3,
		}, &slog.HandlerOptions{Level: opts.Level}))
	}

	logger = slog.New(&multiHandler{handlers: handlers})
	return nil
}

// ParseLevel maps a level name (debug, info, warn, error) to a slog.Level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", name)
	}
	return level, nil
}

// Logger returns the package logger tagged with component, for callers
// outside the package such as the command line.
func Logger(component string) *slog.Logger {
	return sub(component)
}

// sub returns a child logger tagged with the given component name.
func sub(component string) *slog.Logger {
	return logger.With("comp", component)
}

// logEnabled reports whether the given log level is enabled.
// Use this to guard expensive DEBUG logging in hot paths.
func logEnabled(level slog.Level) bool {
	return logger.Enabled(context.Background(), level)
}

// LogEvent renders one SyncEvent. Mutations are logged at INFO,
// errors at WARN.
func LogEvent(pair string, e SyncEvent) {
	l := sub("events")
	switch e.Kind {
	case DirCreated:
		l.Info("created directory", "pair", pair, "path", e.Path)
	case FileCopied:
		l.Info("copied file", "pair", pair, "from", e.Source, "to", e.Path, "bytes", e.Size)
	case FileDeleted:
		l.Info("deleted file", "pair", pair, "path", e.Path)
	case DirDeleted:
		l.Info("deleted directory", "pair", pair, "path", e.Path)
	case SyncError:
		l.Warn("sync error", "pair", pair, "path", e.Path, "source", e.Source, "err", e.Err)
	default:
		l.Warn("unknown event", "pair", pair, "kind", e.Kind, "path", e.Path)
	}
}

// LogSummary renders the end-of-pass summary.
func LogSummary(s PassSummary) {
	l := sub("events")
	attrs := []any{
		"pair", s.Pair,
		"status", s.Status,
		"dirsCreated", s.DirsCreated,
		"filesCopied", s.FilesCopied,
		"filesDeleted", s.FilesDeleted,
		"dirsDeleted", s.DirsDeleted,
		"errors", s.Errors,
		"bytes", s.BytesCopied,
		"took", s.Duration.Round(time.Millisecond),
	}
	switch s.Status {
	case StatusFailed:
		l.Error("synchronization failed", append(attrs, "err", s.Error)...)
	case StatusPartial:
		l.Warn("synchronization completed with errors", attrs...)
	default:
		l.Info("synchronization completed", attrs...)
	}
}

// --- consoleHandler: routes INFO→stdout, WARN+→stderr ---

type consoleHandler struct {
	stdout slog.Handler
	stderr slog.Handler
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelInfo
}

func (h *consoleHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.stderr.Handle(ctx, r)
	}
	return h.stdout.Handle(ctx, r)
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &consoleHandler{
		stdout: h.stdout.WithAttrs(attrs),
		stderr: h.stderr.WithAttrs(attrs),
	}
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	return &consoleHandler{
		stdout: h.stdout.WithGroup(name),
		stderr: h.stderr.WithGroup(name),
	}
}

// --- errorCapture: captures recent error-level log messages ---

// LogEntry represents a captured error log entry.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Comp    string    `json:"comp"`
	Message string    `json:"message"`
	Error   string    `json:"error,omitempty"`
}

var errorRing struct {
	mu      gosync.Mutex
	entries [2]LogEntry
	count   int
}

// RecentErrors returns the most recent error log entries (up to 2).
func RecentErrors() []LogEntry {
	errorRing.mu.Lock()
	defer errorRing.mu.Unlock()
	n := errorRing.count
	if n > 2 {
		n = 2
	}
	out := make([]LogEntry, n)
	// Return newest first
	for i := 0; i < n; i++ {
		out[i] = errorRing.entries[(2-1-i+errorRing.count)%2]
	}
	return out
}

// errorCaptureHandler keeps attrs added through With so the component
// survives into captured entries.
type errorCaptureHandler struct {
	attrs []slog.Attr
}

func (h *errorCaptureHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= slog.LevelError
}

func (h *errorCaptureHandler) Handle(_ context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Message: r.Message,
	}
	capture := func(a slog.Attr) bool {
		switch a.Key {
		case "comp":
			entry.Comp = a.Value.String()
		case "err":
			entry.Error = a.Value.String()
		}
		return true
	}
	for _, a := range h.attrs {
		capture(a)
	}
	r.Attrs(capture)

	errorRing.mu.Lock()
	errorRing.entries[errorRing.count%2] = entry
	errorRing.count++
	errorRing.mu.Unlock()
	return nil
}

func (h *errorCaptureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &errorCaptureHandler{attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *errorCaptureHandler) WithGroup(_ string) slog.Handler { return h }

// --- multiHandler: fans out to multiple handlers ---

type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, hh := range h.handlers {
		if hh.Enabled(ctx, r.Level) {
			if err := hh.Handle(ctx, r.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithAttrs(attrs)
	}
	return &multiHandler{handlers: hs}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	hs := make([]slog.Handler, len(h.handlers))
	for i, hh := range h.handlers {
		hs[i] = hh.WithGroup(name)
	}
	return &multiHandler{handlers: hs}
}
