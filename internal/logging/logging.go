// Package logging wraps goa.design/clue/log for structured, leveled
// logging across the gateway, grounded on
// runtime/agent/telemetry.ClueLogger's key-value-to-Fielder conversion.
package logging

import (
	"context"

	"goa.design/clue/log"
)

// KV is clue's key-value Fielder, re-exported so callers never need a
// direct goa.design/clue/log import.
type KV = log.KV

// Context attaches a logger to ctx, reading format/debug settings the way
// clue's own log.Context does. Call once at process startup.
func Context(ctx context.Context, opts ...log.ContextOption) context.Context {
	return log.Context(ctx, opts...)
}

// WithFormat and WithDebug are re-exported so callers configuring the
// logging context do not need a direct goa.design/clue/log import.
var (
	WithFormat = log.WithFormat
	WithDebug  = log.WithDebug
)

// FormatJSON and FormatTerminal are re-exported clue log formats.
var (
	FormatJSON     = log.FormatJSON
	FormatTerminal = log.FormatTerminal
)

// IsTerminal, Print, Printf, Fatal, Fatalf and Debugf are re-exported
// as-is: they are plain printf-style helpers clue itself exposes for
// startup-time logging, before structured keyvals are worth the
// ceremony, mirroring example/cmd/assistant/main.go's own usage.
var (
	IsTerminal = log.IsTerminal
	Print      = log.Print
	Printf     = log.Printf
	Fatal      = log.Fatal
	Fatalf     = log.Fatalf
	Debugf     = log.Debugf
)

// Debug emits a debug-level message with structured key-value pairs.
func Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, fielders(msg, keyvals)...)
}

// Info emits an info-level message with structured key-value pairs.
func Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, fielders(msg, keyvals)...)
}

// Warn emits a warning-level message with structured key-value pairs.
func Warn(ctx context.Context, msg string, keyvals ...any) {
	fs := append([]log.Fielder{log.KV{K: "severity", V: "warning"}}, fielders(msg, keyvals)...)
	log.Warn(ctx, fs...)
}

// Error emits an error-level message, attaching err when non-nil.
func Error(ctx context.Context, err error, msg string, keyvals ...any) {
	log.Error(ctx, err, fielders(msg, keyvals)...)
}

func fielders(msg string, keyvals []any) []log.Fielder {
	return append([]log.Fielder{log.KV{K: "msg", V: msg}}, kvToFielders(keyvals)...)
}

// kvToFielders converts variadic key-value pairs (k1, v1, k2, v2, ...) into
// clue's log.Fielder slice, skipping any pair whose key is not a string.
func kvToFielders(keyvals []any) []log.Fielder {
	var out []log.Fielder
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		out = append(out, log.KV{K: k, V: v})
	}
	return out
}
