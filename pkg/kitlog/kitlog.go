// Package kitlog provides a component-tagged structured logger over
// log/slog, matching the call shape other control-plane packages expect
// (InfoCF/WarnCF/ErrorCF with a component name and a field map).
package kitlog

import (
	"log/slog"
	"os"
	"sync"
)

var (
	mu  sync.RWMutex
	std *slog.Logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
)

// SetDefault replaces the process-wide logger, for example to route
// output to a file or adjust the level.
func SetDefault(l *slog.Logger) {
	mu.Lock()
	defer mu.Unlock()
	std = l
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return std
}

func args(fields map[string]any) []any {
	out := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

// InfoCF logs an info-level message tagged with a component name and a
// structured field map.
func InfoCF(component, msg string, fields map[string]any) {
	current().Info(msg, append([]any{"component", component}, args(fields)...)...)
}

// WarnCF logs a warn-level message tagged with a component name.
func WarnCF(component, msg string, fields map[string]any) {
	current().Warn(msg, append([]any{"component", component}, args(fields)...)...)
}

// ErrorCF logs an error-level message tagged with a component name.
func ErrorCF(component, msg string, fields map[string]any) {
	current().Error(msg, append([]any{"component", component}, args(fields)...)...)
}

// DebugCF logs a debug-level message tagged with a component name.
func DebugCF(component, msg string, fields map[string]any) {
	current().Debug(msg, append([]any{"component", component}, args(fields)...)...)
}

// Component returns a *slog.Logger pre-bound to a component name, for
// packages (like pkg/deploy in the original tree) that prefer to hold a
// *slog.Logger directly rather than calling the CF helpers.
func Component(name string) *slog.Logger {
	return current().With("component", name)
}
