package main

import (
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// newLogger builds a console zerolog logger at level, defaulting to info.
func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: time.RFC3339,
	}
	return zerolog.New(output).Level(lvl).With().Timestamp().Str("app", "echod").Logger()
}

// zlog adapts a zerolog.Logger to echo.Logger. Arguments are slog style
// alternating keys and values.
type zlog struct {
	l zerolog.Logger
}

func (z zlog) Debug(msg string, args ...any) { z.log(z.l.Debug(), msg, args) }
func (z zlog) Info(msg string, args ...any)  { z.log(z.l.Info(), msg, args) }
func (z zlog) Warn(msg string, args ...any)  { z.log(z.l.Warn(), msg, args) }
func (z zlog) Error(msg string, args ...any) { z.log(z.l.Error(), msg, args) }

func (z zlog) log(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = "!BADKEY"
		}
		switch v := args[i+1].(type) {
		case error:
			e = e.AnErr(key, v)
		case interface{ String() string }:
			e = e.Stringer(key, v)
		default:
			e = e.Interface(key, v)
		}
	}
	if len(args)%2 == 1 {
		e = e.Interface("!BADKEY", args[len(args)-1])
	}
	e.Msg(msg)
}

// with returns a logger carrying an extra string field.
func (z zlog) with(key, value string) zlog {
	return zlog{l: z.l.With().Str(key, value).Logger()}
}
