// Package log builds the zap loggers used across storq.
//
// Components never construct loggers themselves; they receive one at
// construction and default to a no-op logger when given nil. The server
// entrypoint builds the root logger once and hands out component-tagged
// children via Component.
package log

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects level, encoding and destination for a root logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is json or console. Empty means console.
	Format string
	// Output is stderr, stdout, or a file path. Empty means stderr.
	Output string
}

// New constructs a root logger from opts.
func New(opts Options) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	if opts.Level != "" {
		parsed, err := zapcore.ParseLevel(opts.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", opts.Level, err)
		}
		lvl = parsed
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	switch opts.Format {
	case "", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	case "json":
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	sink, err := openSink(opts.Output)
	if err != nil {
		return nil, err
	}
	return zap.New(zapcore.NewCore(enc, sink, lvl)), nil
}

// Nop returns a logger that discards everything. Constructors use it as the
// default when no logger is injected.
func Nop() *zap.Logger { return zap.NewNop() }

// Component returns a child logger tagged with the component name. Nil in,
// no-op out, so callers can tag unconditionally.
func Component(l *zap.Logger, name string) *zap.Logger {
	if l == nil {
		return Nop()
	}
	return l.With(zap.String("component", name))
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch output {
	case "", "stderr":
		return zapcore.Lock(os.Stderr), nil
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output %s: %w", output, err)
		}
		return zapcore.Lock(f), nil
	}
}
