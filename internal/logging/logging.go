// Package logging configures the process-wide slog logger. Package-level
// component loggers (logging.L) may be created before Init runs; they follow
// whichever handler Init installs last.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Structured field names shared across packages.
const (
	KeyOperationID = "operationId"
	KeyOperation   = "operation"
	KeyVersion     = "version"
	KeyComponent   = "component"
	KeyDurationMs  = "durationMs"
	KeyError       = "error"
)

// root holds the handler installed by Init.
type root struct {
	h atomic.Pointer[slog.Handler]
}

func (r *root) load() slog.Handler { return *r.h.Load() }

func (r *root) store(h slog.Handler) { r.h.Store(&h) }

// deferredHandler replays WithAttrs/WithGroup calls, in order, on top of the
// current root handler at log time.
type deferredHandler struct {
	root  *root
	steps []func(slog.Handler) slog.Handler
}

func (d *deferredHandler) resolve() slog.Handler {
	h := d.root.load()
	for _, step := range d.steps {
		h = step(h)
	}
	return h
}

func (d *deferredHandler) with(step func(slog.Handler) slog.Handler) *deferredHandler {
	steps := make([]func(slog.Handler) slog.Handler, len(d.steps), len(d.steps)+1)
	copy(steps, d.steps)
	return &deferredHandler{root: d.root, steps: append(steps, step)}
}

func (d *deferredHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return d.root.load().Enabled(ctx, level)
}

func (d *deferredHandler) Handle(ctx context.Context, r slog.Record) error {
	return d.resolve().Handle(ctx, r)
}

func (d *deferredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return d
	}
	return d.with(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (d *deferredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return d
	}
	return d.with(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

var (
	level   = new(slog.LevelVar)
	current = newRoot(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	base    = slog.New(&deferredHandler{root: current})
)

func newRoot(h slog.Handler) *root {
	r := &root{}
	r.store(h)
	return r
}

func init() {
	slog.SetDefault(base)
}

// Init installs the output handler. format is "json" or "text"; an unknown
// level logs at info. A nil output writes to stdout.
func Init(format, lvl string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	l, _ := ParseLevel(lvl)
	level.Set(l)

	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		current.store(slog.NewJSONHandler(output, opts))
	} else {
		current.store(slog.NewTextHandler(output, opts))
	}
}

// SetLevel changes the minimum level at runtime.
func SetLevel(lvl string) {
	l, _ := ParseLevel(lvl)
	level.Set(l)
}

// ParseLevel maps debug|info|warn|warning|error to a level. ok is false for
// anything else, which maps to info.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, true
	case "info", "":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}
	return slog.LevelInfo, false
}

// L returns a logger tagged with a component name.
func L(component string) *slog.Logger {
	return base.With(slog.String(KeyComponent, component))
}

// WithOperation tags logger with one update operation run.
func WithOperation(logger *slog.Logger, opID, opName string) *slog.Logger {
	return logger.With(
		slog.String(KeyOperationID, opID),
		slog.String(KeyOperation, opName),
	)
}

