// Package monitoring carries the ambient observability stack: the zerolog
// setup, the Prometheus metric set and the optional health/metrics HTTP
// server.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | pretty
}

// NewLogger creates the service-wide structured logger.
//
// json format emits one JSON object per line (log-aggregator friendly);
// pretty wraps stdout in a ConsoleWriter for humans watching a terminal.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "web3-listener").
		Logger()
}
