// Package studiolog builds the zap loggers shared by the fine-tuning workers and tools.
package studiolog

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls logger construction.
type Options struct {
	// Name is attached to every entry as the logger name.
	Name string
	// Debug enables debug level entries.
	Debug bool
	// Stdout and Stderr default to os.Stdout and os.Stderr.
	Stdout io.Writer
	Stderr io.Writer
}

// New creates a logger configured with datetime and caller information that
// splits output to stdout and stderr based on error level.
func New(opts Options) *zap.Logger {
	stdout, stderr := opts.Stdout, opts.Stderr
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	minLevel := zapcore.InfoLevel
	if opts.Debug {
		minLevel = zapcore.DebugLevel
	}

	isErrorLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= zapcore.ErrorLevel
	})
	isInfoLevel := zap.LevelEnablerFunc(func(lvl zapcore.Level) bool {
		return lvl >= minLevel && lvl < zapcore.ErrorLevel
	})

	config := zap.NewProductionEncoderConfig()
	config.EncodeTime = zapcore.RFC3339TimeEncoder
	encoder := zapcore.NewJSONEncoder(config)

	core := zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.AddSync(stderr), isErrorLevel),
		zapcore.NewCore(encoder, zapcore.AddSync(stdout), isInfoLevel),
	)

	logger := zap.New(core, zap.AddCaller())
	if opts.Name != "" {
		logger = logger.Named(opts.Name)
	}
	return logger
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
