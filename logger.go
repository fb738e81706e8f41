package echo

import "log/slog"

// Logger receives connection and server events. Arguments after msg are
// alternating keys and values, so *slog.Logger satisfies it directly;
// cmd/echod plugs in zerolog through a small adapter.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger is used when no LoggerOption or ServerLoggerOption is given.
func defaultLogger() Logger {
	return slog.Default()
}
