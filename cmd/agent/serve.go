package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"eqagent/internal/api"
	"eqagent/internal/api/handlers"
	"eqagent/internal/engine/delivery"
	"eqagent/internal/engine/ledger"
	"eqagent/internal/engine/relay"
	"eqagent/internal/engine/routes"
	"eqagent/internal/engine/stream"
	"eqagent/internal/platform/central"
	"eqagent/internal/platform/config"
	"eqagent/internal/platform/database"
	"eqagent/internal/platform/keys"
	"eqagent/internal/platform/models"
	"eqagent/internal/pkg/logger"
)

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the relay agent",
		Long: `Start the delivery engine: connect to the event stream, reconcile
any items left over from a previous run, and serve the local API.

Requires a generated key pair (see "eqagent keygen") and the
credentials file issued during onboarding.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(rootOpts)
		},
	}
}

func serve(rootOpts *RootOptions) error {
	cfg, err := config.Load(rootOpts.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger.Init(cfg.Logging)

	if err := os.MkdirAll(cfg.Storage.Path, 0700); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	km, err := keys.Load(cfg.Storage.PrivateKeyPath())
	if err != nil {
		return fmt.Errorf("no usable key pair (run \"eqagent keygen\" first): %w", err)
	}

	creds, err := central.LoadCredentials(cfg.Storage.CredentialsPath())
	if err != nil {
		return fmt.Errorf("no credentials (complete onboarding first): %w", err)
	}

	db, err := database.Open(cfg.Storage.DatabasePath())
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer db.Close()

	centralClient := central.NewClient(cfg.Central.URL, creds, cfg.Central.RequestTimeout)

	ledgerStore := ledger.New(db)
	routeRepo := routes.NewRepository(db)
	routeTable := routes.NewTable(routeRepo)
	forwarder := delivery.NewForwarder(cfg.Delivery.ForwardTimeout)
	feed := relay.NewFeed()

	engine := relay.New(relay.Config{
		Workers:         cfg.Delivery.WorkerCount,
		RetryMinBackoff: cfg.Delivery.RetryMinBackoff,
		RetryMaxBackoff: cfg.Delivery.RetryMaxBackoff,
	}, ledgerStore, km, routeTable, routeRepo, forwarder, centralClient, feed)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return err
	}

	consumer := stream.NewConsumer(cfg.Central.URL, creds, cfg.Stream.ReconnectDelay,
		func(ctx context.Context, item *models.EncryptedItem) error {
			return engine.Ingest(ctx, item)
		})

	consumerErr := make(chan error, 1)
	go func() {
		consumerErr <- consumer.Run(ctx)
	}()

	deps := &api.Dependencies{
		CallsHandler:  handlers.NewCallsHandler(engine),
		RoutesHandler: handlers.NewRoutesHandler(routeRepo, routeTable, centralClient),
		EventsHandler: handlers.NewEventsHandler(feed),
		HealthHandler: handlers.NewHealthHandler(db),
	}

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      api.NewRouter(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("local API listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-consumerErr:
		if err != nil && ctx.Err() == nil {
			// Only a ledger write failure stops the consumer; the agent
			// must not keep acking items it cannot persist.
			log.Error().Err(err).Msg("stream consumer failed")
			runErr = err
		}
	case err := <-serverErr:
		log.Error().Err(err).Msg("local API server failed")
		runErr = err
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}

	// Let in-flight forwards finish or time out before exit.
	engine.Shutdown()

	return runErr
}
