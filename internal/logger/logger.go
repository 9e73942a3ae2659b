// Package logger builds the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"gate-controller/internal/config"
)

// New returns a root logger configured from cfg and installs it as the
// zerolog global so third-party code logging through log.Logger agrees.
func New(cfg config.LogConfig) (zerolog.Logger, error) {
	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), err
		}
		level = parsed
	}

	zerolog.TimeFieldFormat = time.RFC3339

	l := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "gate-controller").
		Logger()

	log.Logger = l
	return l, nil
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
