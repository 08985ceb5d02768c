// Package logging builds the process logger from configuration.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// New returns a logrus logger with the configured level and formatter.
func New(cfg Config) (*logrus.Logger, error) {
	log := logrus.New()
	level := logrus.InfoLevel
	if cfg.Level != "" {
		l, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		level = l
	}
	log.SetLevel(level)
	switch cfg.Format {
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339Nano, FullTimestamp: true})
	default:
		return nil, fmt.Errorf("logging format %q: want text or json", cfg.Format)
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)
	return log, nil
}
