package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	router "github.com/dkeye/Turtle/internal/adapters/http"
	"github.com/dkeye/Turtle/internal/app"
	"github.com/dkeye/Turtle/internal/config"
)

func newBrokerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the address-resolution and signaling broker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closer, err := setup(cmd)
			if err != nil {
				return err
			}
			defer closer.Close()
			return runBroker(cmd.Context(), cfg)
		},
	}
	cmd.Flags().Int("broker-port", 8080, "listen port")
	cmd.Flags().Int("broker-claim-limit", 10, "claims per session per interval")
	return cmd
}

func runBroker(ctx context.Context, cfg *config.Config) error {
	reg := app.NewRegistry()
	r := router.SetupRouter(ctx, cfg, reg)
	addr := fmt.Sprintf(":%d", cfg.Broker.Port)

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Turtle broker started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}
	log.Info().Msg("Broker exited gracefully")
	return nil
}
