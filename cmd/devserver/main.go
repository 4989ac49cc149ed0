// Command devserver runs a local stand-in for the platform API and its
// realtime endpoint, for developing against the SDK without a backend.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/base44/go-sdk/config"
	"github.com/base44/go-sdk/handlers"
	"github.com/base44/go-sdk/logger"
	"github.com/base44/go-sdk/models"
	"github.com/base44/go-sdk/nats_service"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	withNATS := flag.Bool("nats", false, "forward room updates to NATS JetStream")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	base := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log := base.Component("devserver")
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		os.Exit(1)
	}
	logger.SetDefault(base)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// --- NATS bridge ---
	var publisher handlers.Publisher
	var natsSvc *nats_service.NatsService
	if *withNATS {
		natsSvc, err = nats_service.NewNatsService(cfg, base)
		if err != nil {
			log.Error().Err(err).Str("url", cfg.NatsURL).Msg("Failed to initialize NATS service")
			os.Exit(1)
		}
		defer natsSvc.Close()
		publisher = natsSvc
		log.Info().Str("url", cfg.NatsURL).Msg("NATS service initialized")
	}

	hub := handlers.NewHub(base, publisher, reg)

	if natsSvc != nil {
		consumeCtx, err := natsSvc.SubscribeUpdates(context.Background(), func(ev models.UpdateEvent) {
			hub.Deliver(ev)
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to subscribe to peer updates")
			os.Exit(1)
		}
		defer consumeCtx.Stop()
	}

	// --- Fiber app ---
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	app.Use(recover.New())

	server := &handlers.Server{
		Memory:       handlers.NewMemory(),
		Hub:          hub,
		Log:          base,
		UserToken:    cfg.Token,
		ServiceToken: cfg.ServiceToken,
		Gatherer:     reg,
	}
	server.Register(app)

	go func() {
		log.Info().Str("addr", cfg.ServerAddr).Msg("Starting server")
		if err := app.Listen(cfg.ServerAddr); err != nil {
			log.Error().Err(err).Msg("Server failed to start")
			os.Exit(1)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	if err := app.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Error shutting down Fiber")
	}
	log.Info().Msg("Server gracefully stopped")
}
