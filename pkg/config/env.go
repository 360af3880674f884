package config

const (
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"

	// Client
	EnvBackendURL            = "BACKEND_URL"
	EnvPushURL               = "PUSH_URL"
	EnvSessionID             = "SESSION_ID"
	EnvRequestTimeout        = "REQUEST_TIMEOUT"
	EnvHeartbeatInterval     = "HEARTBEAT_INTERVAL"
	EnvReconnectInitialDelay = "RECONNECT_INITIAL_DELAY"
	EnvReconnectMaxDelay     = "RECONNECT_MAX_DELAY"
	EnvReconnectMaxAttempts  = "RECONNECT_MAX_ATTEMPTS"
	EnvRealtimeEnabled       = "REALTIME_ENABLED"
	EnvPollInterval          = "POLL_INTERVAL"
	EnvMinRentalDays         = "MIN_RENTAL_DAYS"
	EnvMaxRentalDays         = "MAX_RENTAL_DAYS"
	EnvLockStatePath         = "LOCK_STATE_PATH"

	// Reference backend
	EnvPort              = "PORT"
	EnvStoreBackend      = "STORE_BACKEND"
	EnvMongoURI          = "MONGO_URI"
	EnvMongoDatabaseName = "MONGO_DATABASE_NAME"
	EnvMongoConnTimeout  = "MONGO_CONN_TIMEOUT"
	EnvLockTTL           = "LOCK_TTL"
	EnvLockSweepSchedule = "LOCK_SWEEP_SCHEDULE"
	EnvKafkaEnabled      = "KAFKA_ENABLED"
	EnvKafkaEventsTopic  = "KAFKA_EVENTS_TOPIC"
	EnvKafkaGroupID      = "KAFKA_CONSUMER_GROUP"
	EnvKafkaDLQTopic     = "KAFKA_DLQ_TOPIC"
	EnvMaxRequestSize    = "MAX_REQUEST_SIZE"

	EnvRateLimitRequests  = "RATE_LIMIT_REQUESTS"
	EnvRateLimitWindow    = "RATE_LIMIT_WINDOW"
	EnvIdempotencyTTL     = "IDEMPOTENCY_TTL"
	EnvAdminSigningSecret = "ADMIN_SIGNING_SECRET"

	EnvReadTimeout     = "READ_TIMEOUT"
	EnvWriteTimeout    = "WRITE_TIMEOUT"
	EnvIdleTimeout     = "IDLE_TIMEOUT"
	EnvShutdownTimeout = "SHUTDOWN_TIMEOUT"
)
