package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tjfontaine/verigate/internal/app"
	"github.com/tjfontaine/verigate/internal/telemetry"
)

func newServeCmd(_, stderr io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local API the UI drives submissions through",
		Long: `Run the local HTTP API.

The API pays for each prompt through the configured wallet, submits it to the
backend and verifies the signed response before showing it as verified.

Examples:
  verigate serve
  VERIGATE_SERVER__PORT=9000 verigate serve --config verigate.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			offline, _ := cmd.Flags().GetBool("offline")
			return runServe(cmd, stderr, offline)
		},
	}
	cmd.Flags().Bool("offline", false, "Recover signers locally instead of asking the backend oracle")
	return cmd
}

func runServe(cmd *cobra.Command, stderr io.Writer, offline bool) error {
	cfg, logger, err := loadConfig(cmd, stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(telemetry.Options{
		Enabled:     cfg.Telemetry.Enabled,
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     version,
		Writer:      stderr,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	opts := []app.Option{app.WithConfig(cfg), app.WithLogger(logger)}
	if offline {
		opts = append(opts, app.WithOfflineVerification())
	}
	a, err := app.New(opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}
