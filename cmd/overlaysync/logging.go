package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fredcamaral/overlaysync/internal/domain/entities"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// newLogger builds the process logger from the logging section. The returned
// closer releases the log file, if one was opened.
func newLogger(cfg entities.LoggingConfig, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var (
		out    = stderr
		closer io.Closer = nopCloser{}
	)

	if cfg.File != "" {
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 - path from validated config
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", cfg.File, err)
		}
		out = file
		closer = file
	}

	opts := &slog.HandlerOptions{Level: slogLevel(cfg.GetLevel())}

	var handler slog.Handler
	if cfg.JSONFormat {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer, nil
}

func slogLevel(level entities.LogLevel) slog.Level {
	switch level {
	case entities.LogLevelDebug:
		return slog.LevelDebug
	case entities.LogLevelWarn:
		return slog.LevelWarn
	case entities.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
