package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"

	"incidentflow/internal/config"
)

const (
	ansiReset  = "\x1b[0m"
	ansiBlue   = "\x1b[34m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
	ansiGray   = "\x1b[90m"
)

var quotedPattern = regexp.MustCompile(`"[^"\n]*"`)

// New builds a logger for configured sinks and returns a cleanup function.
// Params: cfg contains console/file sink settings; service is attached to every record.
// Returns: slog logger, cleanup callback, and setup error.
func New(cfg config.LogConfig, service string) (*slog.Logger, func(), error) {
	var (
		handlers []slog.Handler
		closers  []io.Closer
	)

	if cfg.Console.Enabled {
		handler, err := sinkHandler(cfg.Console, &levelColorWriter{dst: os.Stdout}, os.Stdout, true)
		if err != nil {
			return nil, nil, fmt.Errorf("build console handler: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		file, err := os.OpenFile(cfg.File.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", cfg.File.Path, err)
		}
		handler, err := sinkHandler(cfg.File, file, file, false)
		if err != nil {
			_ = file.Close()
			return nil, nil, fmt.Errorf("build file handler: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, file)
	}

	if len(handlers) == 0 {
		return nil, nil, errors.New("no log sinks enabled")
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	var handler slog.Handler = fanout(handlers)
	if len(handlers) == 1 {
		handler = handlers[0]
	}
	logger := slog.New(handler)
	if service != "" {
		logger = logger.With("service", service)
	}
	return logger, closeFn, nil
}

// Discard returns logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))
}

// sinkHandler builds one slog handler for a sink.
// Params: sink settings, writers for line/json formats, and whether time is dropped (console).
// Returns: configured handler or error.
func sinkHandler(sink config.LogSinkConfig, lineDst, jsonDst io.Writer, dropTime bool) (slog.Handler, error) {
	level, err := ParseLevel(sink.Level)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: level}
	if dropTime {
		opts.ReplaceAttr = func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return attr
		}
	}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "line":
		return slog.NewTextHandler(lineDst, opts), nil
	case "json":
		return slog.NewJSONHandler(jsonDst, opts), nil
	default:
		return nil, fmt.Errorf("unsupported log format %q", sink.Format)
	}
}

// ParseLevel converts configuration level into slog.Level.
func ParseLevel(value string) (slog.Level, error) {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", value)
	}
}

// fanout sends one record to every enabled handler.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range f {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range f {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make(fanout, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithAttrs(attrs))
	}
	return next
}

func (f fanout) WithGroup(name string) slog.Handler {
	next := make(fanout, 0, len(f))
	for _, handler := range f {
		next = append(next, handler.WithGroup(name))
	}
	return next
}

// levelColorWriter tints console text lines by level and highlights quoted values.
type levelColorWriter struct {
	dst io.Writer
}

func (w *levelColorWriter) Write(payload []byte) (int, error) {
	line := string(payload)
	tone := levelTone(line)
	if tone == "" {
		return w.dst.Write(payload)
	}

	highlighted := quotedPattern.ReplaceAllStringFunc(line, func(match string) string {
		return ansiGreen + match + ansiReset + tone
	})
	n, err := io.WriteString(w.dst, tone+highlighted+ansiReset)
	if n > len(payload) {
		n = len(payload)
	}
	return n, err
}

func levelTone(line string) string {
	switch {
	case strings.Contains(line, "level=DEBUG"):
		return ansiGray
	case strings.Contains(line, "level=INFO"):
		return ansiBlue
	case strings.Contains(line, "level=WARN"):
		return ansiYellow
	case strings.Contains(line, "level=ERROR"):
		return ansiRed
	default:
		return ""
	}
}
