// Package logutil provides the nil-safe logger helper every component
// constructor uses for its optional *slog.Logger field.
package logutil

import "log/slog"

// OrDefault returns l when non-nil, otherwise the process-wide default
// logger. Intended as the first line of a logger() accessor method or a
// constructor that accepts an optional *slog.Logger.
func OrDefault(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
