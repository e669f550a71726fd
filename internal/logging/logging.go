// Package logging configures the process-wide structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, ready to use before Init is called:
// console output to stdout, with no level filter until Init sets one.
var Logger zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

// Level is a logging verbosity, mirroring zerolog's named levels.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Options configures Init.
type Options struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init replaces the global Logger according to opts.
func Init(opts Options) {
	var level zerolog.Level
	switch opts.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := opts.Output
	if output == nil {
		output = os.Stdout
	}

	if opts.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with the given component name.
// Rooms, Sessions and the Registry each get their own so a log line can be
// traced back to the actor that emitted it.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}
