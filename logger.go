package framekit

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/framekit/batch"
	"github.com/gogpu/framekit/parallel"
	"github.com/gogpu/framekit/render"
)

// nopHandler is a slog.Handler that silently discards all log records.
// The Enabled method returns false so the caller skips message formatting
// entirely, making disabled logging effectively zero-cost.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

// newNopLogger creates a logger that silently discards all output.
func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for framekit and all its sub-packages.
// By default, framekit produces no log output. Call SetLogger to enable
// logging.
//
// SetLogger is safe for concurrent use. Pass nil to disable logging.
//
// Log levels used by framekit:
//   - [slog.LevelDebug]: worker spawns, buffer allocation, frame phases
//   - [slog.LevelInfo]: coordinator lifecycle and device resets
//   - [slog.LevelWarn]: dropped frames, suppressed teardown errors
//
// Example:
//
//	framekit.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	parallel.SetLogger(l)
	batch.SetLogger(l)
	render.SetLogger(l)
}

// Logger returns the current logger used by framekit.
//
// Logger is safe for concurrent use.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}
