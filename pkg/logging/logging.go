// Package logging wires structured logging for memcore. The teacher repo
// targets WASM and has no server-side logging package to imitate directly;
// the convention here — a single *zap.Logger threaded through constructors,
// defaulting to a no-op logger when unset — is adopted from kart-io-sentinel-x,
// the pack repo whose ambient stack centers on go.uber.org/zap.
package logging

import "go.uber.org/zap"

// New builds a production JSON logger. Callers embedding memcore in a CLI or
// test binary typically call this once and pass the *zap.Logger into every
// layer constructor's Options.
func New() *zap.Logger {
	logger, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// OrNop returns l, or a no-op logger if l is nil — every constructor in
// memcore calls this on its Options.Logger field so logging is always safe
// to dereference without every call site needing a nil check.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}
