package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/warp/clinic-billing/api"
	"github.com/warp/clinic-billing/coordinator"
	"github.com/warp/clinic-billing/logger"
	"github.com/warp/clinic-billing/monthclose"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the billing HTTP API",
	Long: `Starts the HTTP API on BILLING_PORT.

On SIGINT/SIGTERM the server stops accepting connections, waits up to 30s
for active requests, stops the reconciliation sweep and closes the store.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("port", "", "HTTP server port")
	serveCmd.Flags().Duration("sweep-interval", 0, "Background reconciliation interval (0 disables)")
	if err := settings.BindPFlag("BILLING_PORT", serveCmd.Flags().Lookup("port")); err != nil {
		panic(err)
	}
	if err := settings.BindPFlag("BILLING_RECONCILE_INTERVAL", serveCmd.Flags().Lookup("sweep-interval")); err != nil {
		panic(err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("server")

	ctx := cmd.Context()
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	base := logger.Get()
	coord := coordinator.New(store, coordinator.WithLogger(base))
	closer := monthclose.New(store, monthclose.WithLogger(base))

	handler := api.NewHandler(coord, closer, base)
	handler.DemoScenarios = cfg.DemoScenarios
	if cfg.ReconcileInterval > 0 {
		scheduler := api.NewReconciliationScheduler(coord, base)
		scheduler.CheckInterval = cfg.ReconcileInterval
		scheduler.Start()
		defer scheduler.Stop()
		handler.Scheduler = scheduler
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, cfg.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Str("store", cfg.Store).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down server")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info().Msg("server stopped")
	return nil
}
