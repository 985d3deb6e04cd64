package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"jobdispatch/internal/config"
)

// Setup configures the global zerolog logger.
func Setup(cfg config.LoggingConfig) error {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		return fmt.Errorf("invalid log level %q", cfg.Level)
	}

	var out io.Writer
	switch cfg.Output {
	case "", "stdout":
		out = os.Stdout
	case "stderr":
		out = os.Stderr
	default:
		return fmt.Errorf("invalid log output %q", cfg.Output)
	}

	log.Logger = New(out, cfg.Format, level)
	zerolog.SetGlobalLevel(level)
	return nil
}

// New builds a logger writing to out in the given format.
func New(out io.Writer, format string, level zerolog.Level) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
