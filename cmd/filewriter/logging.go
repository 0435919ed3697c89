package main

import (
	"log/slog"
	"os"
)

// setupLogger builds the process-wide structured logger, grounded on
// cmd/semstreams/logging.go's setupLogger (JSON handler, level parsed
// from config, a service/pid attribute group attached once at the
// root). level follows config.LoggingConfig.Level: 0=debug, 1=info,
// 2=warn, 3=error; anything else falls back to info.
func setupLogger(level int, file string) (*slog.Logger, *os.File, error) {
	var out *os.File = os.Stderr
	var opened *os.File
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, err
		}
		out = f
		opened = f
	}

	var logLevel slog.Level
	switch level {
	case 0:
		logLevel = slog.LevelDebug
	case 1:
		logLevel = slog.LevelInfo
	case 2:
		logLevel = slog.LevelWarn
	case 3:
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel, AddSource: logLevel == slog.LevelDebug}
	handler := slog.NewJSONHandler(out, opts)
	logger := slog.New(handler).With("service", "filewriter", "pid", os.Getpid())
	return logger, opened, nil
}
