// Package logging wraps slog with the agent's dual-sink setup: a console
// handler for interactive runs and a size-rotated file under the storage
// root for the long-running service.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps slog for structured logging.
type Logger struct {
	*slog.Logger
	rotator *lumberjack.Logger
}

// Options controls logger construction.
type Options struct {
	Dir         string // log directory; empty disables the file sink
	Debug       bool   // console level DEBUG instead of INFO
	JSONConsole bool   // JSON instead of text on stdout
	MaxSizeMB   int    // per-file rotation threshold (default 10)
	MaxBackups  int    // rotated files kept (default 5)
}

// New creates a Logger writing to stdout and, when opts.Dir is set, to a
// rotating log file named log_YYYY-MM-DD.log in that directory.
func New(opts Options) *Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stdout
	var rotator *lumberjack.Logger
	if opts.Dir != "" {
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 10
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 5
		}
		rotator = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "log_"+time.Now().Format("2006-01-02")+".log"),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
		w = io.MultiWriter(os.Stdout, rotator)
	}

	var handler slog.Handler
	if opts.JSONConsole {
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return &Logger{Logger: slog.New(handler), rotator: rotator}
}

// NewDiscard returns a logger that drops everything. Used in tests.
func NewDiscard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Critical logs at a level above ERROR. Reserved for records that indicate
// compromised cross-restart behavior (failed identity or token persistence).
func (l *Logger) Critical(msg string, args ...any) {
	l.Log(context.Background(), slog.LevelError+4, msg, args...)
}

// Close flushes and closes the file sink, if any.
func (l *Logger) Close() error {
	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}
