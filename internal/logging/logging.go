// Package logging configures the structured logger shared by every engine
// component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors the small set of levels the engine's config accepts.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format selects the zerolog writer.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures New.
type Config struct {
	Level  Level
	Format Format
}

// New builds a zerolog.Logger with a timestamp, caller info, and a
// "component" field callers can override with .With().Str(...).
func New(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("component", "viewengine").
		Logger()
}
