package app

import (
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/vk/racegate/internal/engine"
)

// App encapsulates the application's dependencies, configuration, and lifecycle.
type App struct {
	outW   io.Writer
	logger *slog.Logger
	config *Config

	httpServer *http.Server
	// current is the engine of the running attack, if any.
	current atomic.Pointer[engine.Engine]
}

// NewApp is the constructor for the main application. The report is
// written to outW and logs to logW.
func NewApp(outW, logW io.Writer, cfg *Config) *App {
	logger := newLogger(cfg.LogLevel, cfg.LogFormat, logW)
	logger.Debug("Logger configured successfully.")

	return &App{
		outW:   outW,
		logger: logger,
		config: cfg,
	}
}
