package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/antoniostano/botconsole/internal/chat"
	"github.com/antoniostano/botconsole/internal/config"
	"github.com/antoniostano/botconsole/internal/consoleapi"
	"github.com/antoniostano/botconsole/internal/httpapi"
	"github.com/antoniostano/botconsole/internal/logging"
	"github.com/antoniostano/botconsole/internal/observability"
	"github.com/antoniostano/botconsole/internal/reconcile"
	"github.com/antoniostano/botconsole/internal/session"
	"github.com/antoniostano/botconsole/internal/store"
	"github.com/antoniostano/botconsole/internal/timeseries"
	"github.com/antoniostano/botconsole/internal/webhook"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg config.Config) error {
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	metrics := observability.NewMetrics(cfg.Metrics.Namespace)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openStore(ctx, cfg, metrics)
	if err != nil {
		return err
	}
	defer backend.Close()

	prober := webhook.NewHealthChecker(cfg.Webhook.HealthTimeout, metrics)
	sender := webhook.NewClient(cfg.Webhook.SendTimeout, metrics)

	sessions := session.NewManager(cfg.Session.InactivityTimeout, chat.Deps{
		Bots:    backend,
		Sink:    backend,
		Prober:  prober,
		Sender:  sender,
		Metrics: metrics,
	})
	sessions.SetExpireHook(func(id string, ctrl *chat.Controller) {
		logging.Info().Str("session_id", id).Str("bot_id", ctrl.BotID()).Msg("chat session expired")
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Store:      backend,
		Sessions:   sessions,
		Prober:     prober,
		Reconciler: reconcile.New(backend, metrics),
		Dashboard:  timeseries.NewDashboard(timeseries.StoreSource{Metrics: backend}, timeseries.NewRangeCache(), metrics),
		Metrics:    metrics,
	})
	httpServer := &http.Server{
		Addr:              cfg.Server.BindAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sessions.StartJanitor(ctx, 5*time.Second)

	errCh := make(chan error, 1)
	go func() {
		logging.Info().Str("addr", cfg.Server.BindAddr).Str("store_driver", cfg.Store.Driver).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen error: %w", err)
		}
	case <-ctx.Done():
		logging.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}
	logging.Info().Msg("shutdown complete")
	return nil
}

// openStore builds the persistence backend named by cfg.Store.Driver. The
// remote driver talks to another console deployment over HTTP.
func openStore(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (store.Store, error) {
	if cfg.Store.Driver == "remote" {
		client := consoleapi.New(consoleapi.Config{
			BaseURL:       cfg.Remote.URL,
			Token:         cfg.Remote.Token,
			RetryAttempts: cfg.Remote.RetryAttempts,
			RetryDelay:    cfg.Remote.RetryDelay,
			MaxRetryDelay: cfg.Remote.MaxRetryDelay,
			Timeout:       cfg.Remote.Timeout,
			Metrics:       metrics,
		})
		client.OnUnauthorized(func() {
			logging.Warn().Str("url", cfg.Remote.URL).Msg("console api rejected credentials, token cleared")
		})
		return client, nil
	}
	backend, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, cfg.Store.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	return backend, nil
}
