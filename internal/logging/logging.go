package logging

import (
	"io"
	"log/slog"

	"github.com/estensen/nft-sales-pipeline/internal/config"
)

// New builds the process logger: human-readable text locally, JSON elsewhere.
func New(w io.Writer, env string, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch env {
	case config.EnvDev, config.EnvProd:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler).With(slog.String("env", env))
}
