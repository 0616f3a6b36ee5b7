// Package app provides the fincheck server application.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kart-io/logger"
	"github.com/spf13/viper"

	"github.com/kart-io/fincheck/cmd/fincheck/app/options"
	"github.com/kart-io/fincheck/pkg/infra/app"
)

const (
	// Name is the name of the application.
	Name = "fincheck"

	// commandDesc is the description of the command.
	commandDesc = `Financial Statement Analysis & Compliance Check

fincheck answers questions about an uploaded financial statement PDF.

This server provides:
  - PDF upload with page-aware text extraction
  - Passage indexing with vector embeddings (memory, Milvus or pgvector)
  - Retrieval-grounded answers with numbered citations
  - Canned analysis topics: financial metrics, compliance, summary, regulations
  - Support for multiple LLM providers (OpenAI-compatible, Ollama, local embeddings)`
)

// NewApp creates and returns a new App object with default parameters.
func NewApp() *app.App {
	opts := options.NewServerOptions()
	application := app.NewApp(
		app.WithName(Name),
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithConfigWatch(onConfigChange(opts)),
		app.WithRunFunc(run(opts)),
	)

	return application
}

// run contains the main logic for initializing and running the server.
func run(opts *options.ServerOptions) app.RunFunc {
	return func() error {
		// Load the configuration options
		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		ctx := setupSignalContext()

		// Build the server using the configuration
		server, err := cfg.NewServer(ctx)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		// Run the server with signal context for graceful shutdown
		return server.Run(ctx)
	}
}

// onConfigChange reloads the log level when the config file changes.
func onConfigChange(opts *options.ServerOptions) app.ConfigChangeFunc {
	return func(v *viper.Viper) {
		level := v.GetString("log.level")
		if err := opts.LogOptions.Reload(level); err != nil {
			logger.Warnw("failed to reload log level", "level", level, "error", err.Error())
			return
		}
		logger.Infow("config file changed", "log.level", opts.LogOptions.Level)
	}
}

// setupSignalContext returns a context that is cancelled on SIGINT or SIGTERM.
func setupSignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 2)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		cancel()
		<-c
		os.Exit(1)
	}()
	return ctx
}
