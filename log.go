package qenv

import (
	"log/slog"
	"sync/atomic"
)

// logger is the package-level logger, stored as an atomic pointer so reads
// and writes are safe from any goroutine. Nil means no custom logger has
// been set; Logger falls back to a cached default derived from
// slog.Default().
var logger atomic.Pointer[slog.Logger]

// defaultLogger caches the default-derived logger so it is not rebuilt on
// every Logger call. If slog.SetDefault changes after the first Logger
// call, the cache keeps the old value; SetLogger(nil) clears it so the next
// call picks up the new default.
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current package-level logger: the one installed via
// SetLogger, or slog.Default() tagged with the qenv component attribute.
func Logger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := slog.Default().With("component", "qenv")
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

// SetLogger replaces the package-level logger used by qenv. The provided
// logger should already carry any desired attributes; qenv adds per-session
// ids itself. Passing nil restores the default: slog.Default() with the
// component attribute, re-derived on the next Logger call.
//
// Safe to call concurrently with any qenv operation.
func SetLogger(l *slog.Logger) {
	logger.Store(l)
	defaultLogger.Store(nil)
}
