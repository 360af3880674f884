package main

import (
	"rentsync/internal/backend/server"
	"rentsync/pkg/config"

	"github.com/joho/godotenv"
)

const ServiceName = "availability-sim"

func main() {
	_ = godotenv.Load()

	cfg := config.Load(ServiceName)

	cfg.Log.Info("Starting availability simulator", "store", cfg.StoreBackend, "kafka_enabled", cfg.KafkaEnabled)
	backend, err := server.New(cfg, nil)
	if err != nil {
		cfg.Log.Fatal("Failed to initialize backend", "error", err)
	}
	backend.App.Run()
}
