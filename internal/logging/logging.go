// Package logging sets up zerolog for cachewire binaries and tests.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment overrides.
const (
	EnvLevel     = "CACHEWIRE_LOG_LEVEL"
	EnvTimestamp = "CACHEWIRE_LOG_TIMESTAMP"
	EnvNoColor   = "CACHEWIRE_LOG_NOCOLOR"
)

// Profile holds logger settings before environment overrides are applied.
type Profile struct {
	Out       io.Writer
	Level     zerolog.Level
	Timestamp bool
	NoColor   bool
}

// DefaultProfile logs info and above to stderr with timestamps.
func DefaultProfile() Profile {
	return Profile{Out: os.Stderr, Level: zerolog.InfoLevel, Timestamp: true}
}

// TestProfile discards everything unless CACHEWIRE_LOG_LEVEL says otherwise.
func TestProfile() Profile {
	return Profile{Out: os.Stderr, Level: zerolog.Disabled, NoColor: true}
}

// FromEnv applies the CACHEWIRE_LOG_* variables to p. Unparseable values
// are ignored.
func (p Profile) FromEnv() Profile {
	if v := strings.TrimSpace(os.Getenv(EnvLevel)); v != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			p.Level = lvl
		}
	}
	if v := os.Getenv(EnvTimestamp); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			p.Timestamp = b
		}
	}
	if v := os.Getenv(EnvNoColor); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			p.NoColor = b
		}
	}
	return p
}

// New builds a console logger for app from p.
func New(app string, p Profile) zerolog.Logger {
	out := p.Out
	if out == nil {
		out = os.Stderr
	}
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
		NoColor:    p.NoColor,
	}

	ctx := zerolog.New(output).Level(p.Level).With()
	if p.Timestamp {
		ctx = ctx.Timestamp()
	}
	if app != "" {
		ctx = ctx.Str("app", app)
	}
	return ctx.Logger()
}

// Configure builds the logger for app from p and the environment and
// installs it as the global log.Logger.
func Configure(app string, p Profile) zerolog.Logger {
	logger := New(app, p.FromEnv())
	log.Logger = logger
	return logger
}
