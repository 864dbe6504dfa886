package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"protosink/internal/app"
	"protosink/internal/config"
	"protosink/internal/server"
	"protosink/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume the topic and write transformed rows until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, *configFile)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.ValidateKafka(); err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())

			ctx, stop := signalContext(cmd.Context(), logger)
			defer stop()

			shutdownTracing, err := tracing.Init(ctx, cfg.TraceEndpoint, version)
			if err != nil {
				return err
			}
			defer func() { _ = shutdownTracing(context.Background()) }()

			a, err := app.NewKafka(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer closeApp(a, logger)

			if stopOps := startOps(cfg, a, logger); stopOps != nil {
				defer stopOps()
			}

			logger.Info("protosink started",
				"topic", cfg.Topic,
				"group", cfg.GroupID,
				"plugin", cfg.PluginPath,
				"mode", cfg.PluginMode)
			if err := a.Pipeline.Run(ctx); err != nil {
				logger.Error("pipeline stopped", "error", err)
				return err
			}
			st := a.Pipeline.Stats()
			logger.Info("protosink stopped", "batches", st.Batches, "messages", st.Messages, "rows", st.Rows)
			return nil
		},
	}
}

// signalContext cancels on the first SIGINT or SIGTERM and exits the process
// on the second.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, func()) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			logger.Info("shutting down after in-flight batch", "signal", sig.String())
			cancel()
		case <-done:
			return
		}
		select {
		case sig := <-sigs:
			logger.Warn("forced exit", "signal", sig.String())
			os.Exit(1)
		case <-done:
		}
	}()
	return ctx, func() {
		signal.Stop(sigs)
		close(done)
		cancel()
	}
}

// startOps serves health, readiness and metrics when an address is
// configured. The returned func stops the listener.
func startOps(cfg *config.Config, a *app.App, logger *slog.Logger) func() {
	if cfg.MetricsAddr == "" {
		return nil
	}
	srv := server.New(cfg.MetricsAddr, a.Checks(), logger)
	if err := srv.Start(); err != nil {
		logger.Warn("ops server disabled", "addr", cfg.MetricsAddr, "error", err)
		return nil
	}
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("ops server shutdown", "error", err)
		}
	}
}

func closeApp(a *app.App, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Close(ctx); err != nil {
		logger.Warn("close", "error", err)
	}
}
