// Package logging provides structured logging for pulsar-mcp.
//
// This is a thin shim over go.uber.org/zap that maintains a single
// package-level logger so call sites don't need to thread a logger through
// every constructor. New code should prefer injecting a *zap.SugaredLogger
// directly where a struct genuinely needs one; use [Get] otherwise.
package logging

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var singleton atomic.Pointer[zap.SugaredLogger]

func init() {
	singleton.Store(zap.NewNop().Sugar())
}

// Get returns the current singleton logger.
func Get() *zap.SugaredLogger {
	return singleton.Load()
}

// Set replaces the singleton logger. Intended for tests that need to capture
// log output; production code should use [Initialize] instead.
func Set(l *zap.SugaredLogger) {
	singleton.Store(l)
}

// Options configures Initialize.
type Options struct {
	// Debug enables debug-level logging.
	Debug bool
	// JSON forces JSON-encoded output even on a terminal. Defaults to
	// console encoding for TTYs and JSON otherwise when false.
	JSON bool
}

// Initialize builds and installs the process-wide logger.
func Initialize(opts Options) {
	level := zapcore.InfoLevel
	if opts.Debug {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.JSON || !isTerminal(os.Stderr) {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core, zap.AddCaller())
	singleton.Store(logger.Sugar())
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Debugf logs a message at debug level using the singleton logger.
func Debugf(msg string, args ...any) { Get().Debugf(msg, args...) }

// Infof logs a message at info level using the singleton logger.
func Infof(msg string, args ...any) { Get().Infof(msg, args...) }

// Warnf logs a message at warning level using the singleton logger.
func Warnf(msg string, args ...any) { Get().Warnf(msg, args...) }

// Errorf logs a message at error level using the singleton logger.
func Errorf(msg string, args ...any) { Get().Errorf(msg, args...) }

// Infow logs a message at info level with structured key-value pairs.
func Infow(msg string, keysAndValues ...any) { Get().Infow(msg, keysAndValues...) }

// Warnw logs a message at warning level with structured key-value pairs.
func Warnw(msg string, keysAndValues ...any) { Get().Warnw(msg, keysAndValues...) }

// Errorw logs a message at error level with structured key-value pairs.
func Errorw(msg string, keysAndValues ...any) { Get().Errorw(msg, keysAndValues...) }

// Sync flushes any buffered log entries. Call on shutdown.
func Sync() error {
	err := Get().Sync()
	if err != nil && isIgnorableSyncError(err) {
		return nil
	}
	return err
}

func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return msg == "sync /dev/stderr: invalid argument" || msg == "sync /dev/stderr: inappropriate ioctl for device"
}
