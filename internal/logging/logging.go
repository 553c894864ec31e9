// Package logging configures the process-wide slog default.
package logging

import (
	"io"
	"log/slog"
	"os"
	"runtime/debug"
	"sync"

	"github.com/charmbracelet/log/v2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var initOnce sync.Once

type Options struct {
	// File, when set, receives rotated JSON logs instead of the console.
	File  string
	Debug bool
	// Console defaults to os.Stderr.
	Console io.Writer
}

// Setup installs the default logger. Only the first call has any effect.
func Setup(opts Options) {
	initOnce.Do(func() {
		slog.SetDefault(slog.New(newHandler(opts)))
	})
}

func newHandler(opts Options) slog.Handler {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // MB
			MaxBackups: 3,
			MaxAge:     30, // days
		}
		return slog.NewJSONHandler(rotator, &slog.HandlerOptions{
			Level:     level,
			AddSource: opts.Debug,
		})
	}

	w := opts.Console
	if w == nil {
		w = os.Stderr
	}
	logger := log.New(w)
	logger.SetReportTimestamp(true)
	if opts.Debug {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// RecoverPanic logs a recovered panic with its stack and runs cleanup. It
// must be deferred directly.
func RecoverPanic(name string, cleanup func()) {
	if r := recover(); r != nil {
		slog.Error("panic recovered", "goroutine", name, "panic", r, "stack", string(debug.Stack()))
		if cleanup != nil {
			cleanup()
		}
	}
}
