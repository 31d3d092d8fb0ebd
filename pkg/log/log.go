// Package log builds the loggers used by the wikistats binaries: pretty
// console output on a terminal, plain JSON lines when running inside a
// cluster.
package log

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

func New() *zerolog.Logger {
	var output io.Writer
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		output = os.Stderr
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02T15:04:05.999Z07:00"}
	}

	zerolog.TimeFieldFormat = time.RFC3339Nano

	logger := zerolog.New(output).With().Timestamp().Logger()
	return &logger
}

// NewSlog adapts the zerolog logger for code that takes *slog.Logger.
func NewSlog() *slog.Logger {
	return slog.New(logr.ToSlogHandler(zerologr.New(New())))
}
