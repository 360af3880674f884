// Package server assembles the reference backend: store, push hub, optional
// kafka relay, lock sweeper and the HTTP application around them.
package server

import (
	"fmt"

	"rentsync/internal/backend/handler"
	"rentsync/internal/backend/push"
	"rentsync/internal/backend/relay"
	"rentsync/internal/backend/repository"
	"rentsync/internal/backend/service"
	"rentsync/internal/backend/sweeper"
	"rentsync/internal/backend/validator"
	"rentsync/pkg/app"
	"rentsync/pkg/clock"
	"rentsync/pkg/config"
	kafka_config "rentsync/pkg/kafka/config"
	"rentsync/pkg/middleware"

	"go.mongodb.org/mongo-driver/mongo"
)

type Backend struct {
	App     *app.Application
	Hub     *push.Hub
	Service service.AvailabilityService
}

// New wires the backend described by cfg. clk may be nil for the wall clock.
func New(cfg *config.Config, clk clock.Clock) (*Backend, error) {
	resources, locks, mongoClient := stores(cfg)

	hub := push.NewHub(push.DefaultConfig(), cfg.Log)
	application := app.NewApplication()

	var publisher service.Publisher = hub
	if cfg.KafkaEnabled {
		kcfg, err := kafka_config.Load()
		if err != nil {
			hub.Close()
			return nil, fmt.Errorf("load kafka config: %w", err)
		}
		kcfg.LogConfiguration(cfg.Log)

		r, err := relay.New(kcfg, cfg, hub)
		if err != nil {
			hub.Close()
			return nil, fmt.Errorf("create relay: %w", err)
		}
		publisher = r
		application.AddWorker(r)
	}

	svc := service.NewAvailabilityService(
		resources,
		locks,
		validator.NewAvailabilityValidator(cfg.Log),
		publisher,
		clk,
		cfg,
	)

	sw, err := sweeper.New(cfg.LockSweepSchedule, cfg.RequestTimeout, svc, cfg.Log)
	if err != nil {
		hub.Close()
		return nil, err
	}
	application.AddWorker(sw)

	availabilityHandler := handler.NewAvailabilityHandler(svc, int64(cfg.MaxRequestSize), cfg.Log)
	if cfg.AdminSigningSecret != "" {
		availabilityHandler.WithInventoryGuard(middleware.SignatureVerification(cfg.AdminSigningSecret, cfg.Log))
	}

	application.SetApp(cfg, handler.NewHealthHandler(mongoClient, cfg.Log), availabilityHandler, hub)
	application.OnShutdown(hub.Close)
	application.OnShutdown(cfg.GracefulShutdown)

	return &Backend{
		App:     application,
		Hub:     hub,
		Service: svc,
	}, nil
}

func stores(cfg *config.Config) (repository.ResourceRepository, repository.LockRepository, *mongo.Client) {
	if cfg.StoreBackend == config.StoreMongo {
		cfg.SetMongo()
		return repository.NewMongoResourceRepository(cfg), repository.NewMongoLockRepository(cfg), cfg.Client.Mongo
	}
	cfg.Log.Info("Using in-memory store")
	return repository.NewMemoryResourceRepository(), repository.NewMemoryLockRepository(), nil
}
