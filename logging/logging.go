package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Setup builds the process logger writing text records to stdout. When dir is
// set, records are also appended to <dir>/<name>-<timestamp>.log and the
// returned cleanup closes that file.
func Setup(levelName, dir, name string) (*slog.Logger, func() error, error) {
	return setup(os.Stdout, levelName, dir, name, time.Now())
}

func setup(stdout io.Writer, levelName, dir, name string, now time.Time) (*slog.Logger, func() error, error) {
	cleanup := func() error { return nil }

	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, cleanup, fmt.Errorf("log level %q: %w", levelName, err)
	}
	opts := &slog.HandlerOptions{Level: level}

	if dir == "" {
		return slog.New(slog.NewTextHandler(stdout, opts)), cleanup, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, cleanup, fmt.Errorf("create log dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%s-%s.log", name, now.Format("20060102T150405")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, cleanup, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(io.MultiWriter(stdout, file), opts))
	return logger, file.Close, nil
}

type ctxKey struct{}

// WithLogger stores a request scoped logger in ctx.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func Lookup(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	return logger, ok && logger != nil
}
