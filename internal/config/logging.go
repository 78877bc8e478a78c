package config

import (
	"io"
	"log/slog"
	"os"
)

// SetupLogger builds the process logger and installs it as slog's default.
func SetupLogger(cfg Config) *slog.Logger {
	return setupLogger(os.Stdout, cfg)
}

func setupLogger(out io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.MessageKey {
				attr.Key = "message"
			}
			return attr
		},
	}

	var handler slog.Handler
	if cfg.LogFormat == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	logger := slog.New(handler).With(slog.String("service", "media-jobs"))
	slog.SetDefault(logger)
	return logger
}
