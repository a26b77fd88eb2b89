// Package logging provides the leveled logger facade used across the
// controller. It wraps log/slog so call sites read like printf-style
// logging (Debugf/Infof/Warnf/Errorf) while the underlying handler can be
// swapped to a rotating file once the agent home directory is known.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu      sync.Mutex
	base    atomic.Pointer[slog.Logger]
	rotator *lumberjack.Logger
)

func init() {
	base.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// SetupBaseLogger installs the default stderr console logger. Safe to call
// more than once; later calls are no-ops once ConfigureLogOutput has taken
// over the writer.
func SetupBaseLogger() {
	mu.Lock()
	defer mu.Unlock()
	if rotator != nil {
		return
	}
	base.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
}

// SetLevel adjusts the minimum emitted level. Accepts "debug", "info",
// "warn", "error"; unknown values fall back to info.
func SetLevel(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	mu.Lock()
	defer mu.Unlock()
	if rotator != nil {
		base.Store(slog.New(slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: lvl})))
		return
	}
	base.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

// ConfigureLogOutput redirects subsequent log output to a rotating file at
// path. Mirrors the debugLog wiring: 10MB per file, 3 backups,
// 28-day retention, compressed. Pass an empty path to return to stderr.
func ConfigureLogOutput(path string) {
	mu.Lock()
	defer mu.Unlock()
	if path == "" {
		rotator = nil
		base.Store(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})))
		return
	}
	rotator = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
	base.Store(slog.New(slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func logger() *slog.Logger {
	l := base.Load()
	if l == nil {
		return slog.Default()
	}
	return l
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) {
	logger().Debug(fmt.Sprintf(format, args...))
}

// Infof logs at info level.
func Infof(format string, args ...any) {
	logger().Info(fmt.Sprintf(format, args...))
}

// Warnf logs at warn level.
func Warnf(format string, args ...any) {
	logger().Warn(fmt.Sprintf(format, args...))
}

// Errorf logs at error level.
func Errorf(format string, args ...any) {
	logger().Error(fmt.Sprintf(format, args...))
}

// Fatalf logs at error level then exits the process with status 1.
func Fatalf(format string, args ...any) {
	logger().Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
