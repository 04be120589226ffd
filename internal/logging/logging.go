// Package logging bootstraps the zerolog logger used by
// cmd/fleet-controld, generalizing the teacher's inline setup in cmd/nixfleet-dashboard
// and cmd/nixfleet-agent (zerolog.New(zerolog.ConsoleWriter{...}).With().
// Timestamp().Logger()) with a JSON writer for production deployments,
// selected by format rather than hardcoded to the console writer.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// Format selects the output encoding.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// New builds the root logger. A level string that zerolog.ParseLevel
// rejects falls back to info.
func New(format Format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == FormatJSON {
		return zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
