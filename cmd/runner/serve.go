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

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/rsanchezec/AzureAIAgentService/internal/app"
	transport "github.com/rsanchezec/AzureAIAgentService/internal/transport/http"
	"github.com/rsanchezec/AzureAIAgentService/internal/transport/http/ws"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the session API and the internal backend API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := root.buildApp(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return serve(ctx, a)
		},
	}
}

// serve runs both servers and the session janitor until ctx ends, then
// shuts everything down.
func serve(ctx context.Context, a *app.App) error {
	cfg := a.Config
	log := a.Logger

	wsServer := ws.NewServer(a.Service, ws.DefaultConfig(), log.With().Str("component", "ws").Logger())
	external := transport.NewExternalServer(a.Service, a.Metrics, wsServer, log.With().Str("server", "external").Logger())
	internal := transport.NewInternalServer(a.Backend, cfg.InternalAPIKey, log.With().Str("server", "internal").Logger())

	janitorCtx, stopJanitor := context.WithCancel(context.WithoutCancel(ctx))
	janitorDone := make(chan struct{})
	go func() {
		defer close(janitorDone)
		a.Manager.Run(janitorCtx)
	}()

	errCh := make(chan error, 2)
	start := func(name string, e *echo.Echo, port int) {
		addr := fmt.Sprintf(":%d", port)
		log.Info().Str("server", name).Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go start("external", external, cfg.HTTPPort)
	go start("internal", internal, cfg.InternalPort)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case runErr = <-errCh:
		log.Error().Err(runErr).Msg("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := external.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to shutdown external server gracefully")
	}
	if err := internal.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to shutdown internal server gracefully")
	}
	stopJanitor()
	<-janitorDone

	if err := a.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("failed to close application cleanly")
	}
	log.Info().Msg("runner stopped")
	return runErr
}
