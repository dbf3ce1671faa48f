package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ardnew/ptpusb/pkg"
)

// Environment overrides for logging, applied after the config file and
// flags.
const (
	EnvLogLevel = "PTPGET_LOG_LEVEL"
	EnvLogJSON  = "PTPGET_LOG_JSON"
)

func applyEnvOverrides(cfg *logConfig) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogJSON))); err == nil {
		cfg.JSON = v
	}
}

// configureLogging installs the transport logger: pterm on the console, or
// JSON when cfg.JSON is set, plus a rotating JSON file when cfg.File is set.
// The returned closer flushes the file.
func configureLogging(cfg logConfig, console io.Writer) (io.Closer, error) {
	level, ok := pkg.ParseLogLevel(cfg.Level)
	if !ok && strings.TrimSpace(cfg.Level) != "" {
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	pkg.SetLogLevel(level)

	opts := &slog.HandlerOptions{Level: pkg.LevelVar()}
	var handlers []slog.Handler
	if cfg.JSON {
		handlers = append(handlers, slog.NewJSONHandler(console, opts))
	} else {
		logger := pterm.DefaultLogger.WithLevel(pterm.LogLevelTrace).WithWriter(console)
		handlers = append(handlers, pterm.NewSlogHandler(logger))
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		handlers = append(handlers, slog.NewJSONHandler(file, opts))
		closer = file
	}

	pkg.SetLogger(slog.New(&teeHandler{level: pkg.LevelVar(), handlers: handlers}))
	return closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// teeHandler sends each record to every handler that accepts it.
type teeHandler struct {
	level    slog.Leveler
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if level < t.level.Level() {
		return false
	}
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, h := range t.handlers {
		if h.Enabled(ctx, r.Level) {
			err = multierr.Append(err, h.Handle(ctx, r.Clone()))
		}
	}
	return err
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &teeHandler{level: t.level, handlers: make([]slog.Handler, len(t.handlers))}
	for i, h := range t.handlers {
		next.handlers[i] = h.WithAttrs(attrs)
	}
	return next
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := &teeHandler{level: t.level, handlers: make([]slog.Handler, len(t.handlers))}
	for i, h := range t.handlers {
		next.handlers[i] = h.WithGroup(name)
	}
	return next
}
