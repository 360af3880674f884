package config

import "time"

const (
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"

	DefaultBackendURL            = "http://localhost:8080"
	DefaultPushURL               = "ws://localhost:8080/ws"
	DefaultRequestTimeout        = 30 * time.Second
	DefaultHeartbeatInterval     = 30 * time.Second
	DefaultReconnectInitialDelay = 1 * time.Second
	DefaultReconnectMaxDelay     = 30 * time.Second
	DefaultReconnectMaxAttempts  = 5
	DefaultRealtimeEnabled       = true
	DefaultPollInterval          = 60 * time.Second
	DefaultMinRentalDays         = 1
	DefaultMaxRentalDays         = 30

	StoreMemory = "memory"
	StoreMongo  = "mongo"

	DefaultPort              = "8080"
	DefaultStoreBackend      = StoreMemory
	DefaultMongoURI          = "mongodb://localhost:27017"
	DefaultMongoDatabaseName = "rentsync"
	DefaultMongoConnTimeout  = 10 * time.Second
	DefaultLockTTL           = 10 * time.Minute
	DefaultLockSweepSchedule = "@every 5s"
	DefaultKafkaEnabled      = false
	DefaultKafkaEventsTopic  = "rentsync.availability"
	DefaultKafkaGroupID      = "rentsync-push"
	DefaultKafkaDLQTopic     = "rentsync.availability.dlq"
	DefaultMaxRequestSize    = 1 * 1024 * 1024 // 1MB

	DefaultRateLimitRequests = 600
	DefaultRateLimitWindow   = 1 * time.Minute
	DefaultIdempotencyTTL    = 2 * time.Minute

	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 15 * time.Second
	DefaultIdleTimeout     = 60 * time.Second
	DefaultShutdownTimeout = 30 * time.Second
)
