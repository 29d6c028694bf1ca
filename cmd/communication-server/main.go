package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/commhub/communication-server/internal/api"
	"github.com/commhub/communication-server/internal/app"
	"github.com/commhub/communication-server/internal/config"
	"github.com/commhub/communication-server/internal/events"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	// Create context
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{Name: cfg.Server.Name, MigrateMaster: true})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialise tenant router")
	}

	apiServer := api.NewRESTServer(cfg, api.Deps{
		Store:    a.Store,
		Registry: a.Registry,
		Resolver: a.Resolver,
		Workflow: a.Workflow,
	})

	// WaitGroup for services
	var wg sync.WaitGroup

	// Start API server
	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Tenant events from other instances
	if nc := a.NATS(); nc != nil {
		subscriber := events.NewSubscriber(nc, a.Origin, a.Directory)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("Starting tenant event subscriber")
			if err := subscriber.Start(ctx); err != nil {
				log.Error().Err(err).Msg("Tenant event subscriber stopped")
			}
		}()
	} else {
		log.Info().Msg("NATS not configured, running in standalone mode")
	}

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	// Cancel context
	cancel()

	// Shutdown API server
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	// Wait for all services
	wg.Wait()

	a.Close()
	log.Info().Msg("Communication server stopped")
}
