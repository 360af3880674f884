package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"rentsync/pkg/client"
	"rentsync/pkg/logger"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

type Config struct {
	// Client
	BackendURL            string
	PushURL               string
	SessionID             string
	RequestTimeout        time.Duration
	HeartbeatInterval     time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMaxAttempts  int
	RealtimeEnabled       bool
	PollInterval          time.Duration
	MinRentalDays         int
	MaxRentalDays         int
	LockStatePath         string

	// Reference backend
	Port              string
	StoreBackend      string
	MongoURI          string
	MongoDatabaseName string
	MongoConnTimeout  time.Duration
	LockTTL           time.Duration
	LockSweepSchedule string
	KafkaEnabled      bool
	KafkaEventsTopic  string
	KafkaGroupID      string
	KafkaDLQTopic     string
	MaxRequestSize    int
	RateLimitRequests int
	RateLimitWindow   time.Duration
	IdempotencyTTL    time.Duration

	// AdminSigningSecret, when set, requires inventory writes to be signed.
	AdminSigningSecret string

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	Log    *logger.Logger
	Client *client.Client
}

// Defaults returns a configuration built only from compiled-in defaults.
// Environment variables are not consulted.
func Defaults(serviceName string) *Config {
	return &Config{
		BackendURL:            DefaultBackendURL,
		PushURL:               DefaultPushURL,
		SessionID:             uuid.NewString(),
		RequestTimeout:        DefaultRequestTimeout,
		HeartbeatInterval:     DefaultHeartbeatInterval,
		ReconnectInitialDelay: DefaultReconnectInitialDelay,
		ReconnectMaxDelay:     DefaultReconnectMaxDelay,
		ReconnectMaxAttempts:  DefaultReconnectMaxAttempts,
		RealtimeEnabled:       DefaultRealtimeEnabled,
		PollInterval:          DefaultPollInterval,
		MinRentalDays:         DefaultMinRentalDays,
		MaxRentalDays:         DefaultMaxRentalDays,

		Port:              DefaultPort,
		StoreBackend:      DefaultStoreBackend,
		MongoURI:          DefaultMongoURI,
		MongoDatabaseName: DefaultMongoDatabaseName,
		MongoConnTimeout:  DefaultMongoConnTimeout,
		LockTTL:           DefaultLockTTL,
		LockSweepSchedule: DefaultLockSweepSchedule,
		KafkaEnabled:      DefaultKafkaEnabled,
		KafkaEventsTopic:  DefaultKafkaEventsTopic,
		KafkaGroupID:      DefaultKafkaGroupID,
		KafkaDLQTopic:     DefaultKafkaDLQTopic,
		MaxRequestSize:    DefaultMaxRequestSize,
		RateLimitRequests: DefaultRateLimitRequests,
		RateLimitWindow:   DefaultRateLimitWindow,
		IdempotencyTTL:    DefaultIdempotencyTTL,

		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,

		Log: logger.New(logger.Config{
			Level:   DefaultLogLevel,
			Format:  DefaultLogFormat,
			Service: serviceName,
		}),
		Client: client.NewClient(),
	}
}

// Load reads the environment, exits on an invalid configuration and logs the
// result.
func Load(serviceName string) *Config {
	cfg := FromEnv(serviceName)
	if err := cfg.Validate(); err != nil {
		cfg.Log.Fatal(err.Error())
	}
	cfg.LogConfiguration()
	return cfg
}

// FromEnv reads the environment without validating or logging. Callers that
// override values afterwards, such as CLI flags, validate themselves.
func FromEnv(serviceName string) *Config {
	return &Config{
		BackendURL:            getEnvStr(EnvBackendURL, DefaultBackendURL),
		PushURL:               getEnvStr(EnvPushURL, DefaultPushURL),
		SessionID:             getEnvStr(EnvSessionID, uuid.NewString()),
		RequestTimeout:        getEnvDuration(EnvRequestTimeout, DefaultRequestTimeout),
		HeartbeatInterval:     getEnvDuration(EnvHeartbeatInterval, DefaultHeartbeatInterval),
		ReconnectInitialDelay: getEnvDuration(EnvReconnectInitialDelay, DefaultReconnectInitialDelay),
		ReconnectMaxDelay:     getEnvDuration(EnvReconnectMaxDelay, DefaultReconnectMaxDelay),
		ReconnectMaxAttempts:  getEnvNum(EnvReconnectMaxAttempts, DefaultReconnectMaxAttempts),
		RealtimeEnabled:       getEnvBool(EnvRealtimeEnabled, DefaultRealtimeEnabled),
		PollInterval:          getEnvDuration(EnvPollInterval, DefaultPollInterval),
		MinRentalDays:         getEnvNum(EnvMinRentalDays, DefaultMinRentalDays),
		MaxRentalDays:         getEnvNum(EnvMaxRentalDays, DefaultMaxRentalDays),
		LockStatePath:         getEnvStr(EnvLockStatePath, ""),

		Port:              getEnvStr(EnvPort, DefaultPort),
		StoreBackend:      getEnvStr(EnvStoreBackend, DefaultStoreBackend),
		MongoURI:          getEnvStr(EnvMongoURI, DefaultMongoURI),
		MongoDatabaseName: getEnvStr(EnvMongoDatabaseName, DefaultMongoDatabaseName),
		MongoConnTimeout:  getEnvDuration(EnvMongoConnTimeout, DefaultMongoConnTimeout),
		LockTTL:           getEnvDuration(EnvLockTTL, DefaultLockTTL),
		LockSweepSchedule: getEnvStr(EnvLockSweepSchedule, DefaultLockSweepSchedule),
		KafkaEnabled:      getEnvBool(EnvKafkaEnabled, DefaultKafkaEnabled),
		KafkaEventsTopic:  getEnvStr(EnvKafkaEventsTopic, DefaultKafkaEventsTopic),
		KafkaGroupID:      getEnvStr(EnvKafkaGroupID, DefaultKafkaGroupID),
		KafkaDLQTopic:     getEnvStr(EnvKafkaDLQTopic, DefaultKafkaDLQTopic),
		MaxRequestSize:    getEnvNum(EnvMaxRequestSize, DefaultMaxRequestSize),
		RateLimitRequests: getEnvNum(EnvRateLimitRequests, DefaultRateLimitRequests),
		RateLimitWindow:   getEnvDuration(EnvRateLimitWindow, DefaultRateLimitWindow),
		IdempotencyTTL:    getEnvDuration(EnvIdempotencyTTL, DefaultIdempotencyTTL),

		AdminSigningSecret: getEnvStr(EnvAdminSigningSecret, ""),

		ReadTimeout:     getEnvDuration(EnvReadTimeout, DefaultReadTimeout),
		WriteTimeout:    getEnvDuration(EnvWriteTimeout, DefaultWriteTimeout),
		IdleTimeout:     getEnvDuration(EnvIdleTimeout, DefaultIdleTimeout),
		ShutdownTimeout: getEnvDuration(EnvShutdownTimeout, DefaultShutdownTimeout),

		Log: logger.New(logger.Config{
			Level:     getEnvStr(EnvLogLevel, DefaultLogLevel),
			Format:    getEnvStr(EnvLogFormat, DefaultLogFormat),
			AddSource: true,
			Service:   serviceName,
		}),
		Client: client.NewClient(),
	}
}

func (cfg *Config) SetMongo() {
	cfg.Client.SetMongo(cfg.Log, cfg.MongoURI, cfg.MongoConnTimeout)
}

func (cfg *Config) Validate() error {
	var errors []string

	if !validURL(cfg.BackendURL, "http", "https") {
		errors = append(errors, fmt.Sprintf("BackendURL must be an http(s) URL, got: %s", cfg.BackendURL))
	}
	if cfg.RealtimeEnabled && !validURL(cfg.PushURL, "ws", "wss") {
		errors = append(errors, fmt.Sprintf("PushURL must be a ws(s) URL when realtime is enabled, got: %s", cfg.PushURL))
	}
	if cfg.SessionID == "" {
		errors = append(errors, "SessionID cannot be empty")
	}

	if cfg.RequestTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("RequestTimeout must be positive, got: %s", cfg.RequestTimeout))
	}
	if cfg.HeartbeatInterval <= 0 {
		errors = append(errors, fmt.Sprintf("HeartbeatInterval must be positive, got: %s", cfg.HeartbeatInterval))
	}
	if cfg.ReconnectInitialDelay <= 0 {
		errors = append(errors, fmt.Sprintf("ReconnectInitialDelay must be positive, got: %s", cfg.ReconnectInitialDelay))
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectInitialDelay {
		errors = append(errors, fmt.Sprintf("ReconnectMaxDelay (%s) must be >= ReconnectInitialDelay (%s)", cfg.ReconnectMaxDelay, cfg.ReconnectInitialDelay))
	}
	if cfg.ReconnectMaxAttempts < 0 {
		errors = append(errors, fmt.Sprintf("ReconnectMaxAttempts cannot be negative, got: %d", cfg.ReconnectMaxAttempts))
	}
	if cfg.PollInterval <= 0 {
		errors = append(errors, fmt.Sprintf("PollInterval must be positive, got: %s", cfg.PollInterval))
	}
	if cfg.MinRentalDays < 1 {
		errors = append(errors, fmt.Sprintf("MinRentalDays must be at least 1, got: %d", cfg.MinRentalDays))
	}
	if cfg.MaxRentalDays < cfg.MinRentalDays {
		errors = append(errors, fmt.Sprintf("MaxRentalDays (%d) must be >= MinRentalDays (%d)", cfg.MaxRentalDays, cfg.MinRentalDays))
	}

	if port, err := strconv.Atoi(cfg.Port); err != nil || port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("Port must be between 1 and 65535, got: %s", cfg.Port))
	}

	switch cfg.StoreBackend {
	case StoreMemory:
	case StoreMongo:
		if cfg.MongoURI == "" {
			errors = append(errors, "MongoURI cannot be empty")
		} else if !regexp.MustCompile(`^mongodb(\+srv)?://`).MatchString(cfg.MongoURI) {
			errors = append(errors, fmt.Sprintf("MongoURI must start with 'mongodb://' or 'mongodb+srv://', got: %s", redactMongoURI(cfg.MongoURI)))
		}
		if cfg.MongoDatabaseName == "" {
			errors = append(errors, "MongoDatabaseName cannot be empty")
		}
		if cfg.MongoConnTimeout <= 0 {
			errors = append(errors, fmt.Sprintf("MongoConnTimeout must be positive, got: %s", cfg.MongoConnTimeout))
		}
	default:
		errors = append(errors, fmt.Sprintf("StoreBackend must be one of [%s, %s], got: %s", StoreMemory, StoreMongo, cfg.StoreBackend))
	}

	if cfg.LockTTL <= 0 {
		errors = append(errors, fmt.Sprintf("LockTTL must be positive, got: %s", cfg.LockTTL))
	}
	if _, err := cron.ParseStandard(cfg.LockSweepSchedule); err != nil {
		errors = append(errors, fmt.Sprintf("LockSweepSchedule is not a valid cron spec: %s (%v)", cfg.LockSweepSchedule, err))
	}
	if cfg.KafkaEnabled && cfg.KafkaEventsTopic == "" {
		errors = append(errors, "KafkaEventsTopic cannot be empty when Kafka is enabled")
	}
	if cfg.KafkaEnabled && cfg.KafkaGroupID == "" {
		errors = append(errors, "KafkaGroupID cannot be empty when Kafka is enabled")
	}
	if cfg.MaxRequestSize <= 0 {
		errors = append(errors, fmt.Sprintf("MaxRequestSize must be positive, got: %d", cfg.MaxRequestSize))
	}

	if cfg.RateLimitRequests <= 0 {
		errors = append(errors, fmt.Sprintf("RateLimitRequests must be positive, got: %d", cfg.RateLimitRequests))
	}
	if cfg.RateLimitWindow <= 0 {
		errors = append(errors, fmt.Sprintf("RateLimitWindow must be positive, got: %s", cfg.RateLimitWindow))
	}
	if cfg.IdempotencyTTL <= 0 {
		errors = append(errors, fmt.Sprintf("IdempotencyTTL must be positive, got: %s", cfg.IdempotencyTTL))
	}

	if cfg.ReadTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ReadTimeout must be positive, got: %s", cfg.ReadTimeout))
	}
	if cfg.WriteTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("WriteTimeout must be positive, got: %s", cfg.WriteTimeout))
	}
	if cfg.IdleTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("IdleTimeout must be positive, got: %s", cfg.IdleTimeout))
	}
	if cfg.ShutdownTimeout <= 0 {
		errors = append(errors, fmt.Sprintf("ShutdownTimeout must be positive, got: %s", cfg.ShutdownTimeout))
	}

	if len(errors) > 0 {
		errMsg := "Configuration validation failed:\n"
		for i, err := range errors {
			errMsg += fmt.Sprintf("  %d. %s\n", i+1, err)
		}
		return fmt.Errorf("%s", errMsg)
	}

	return nil
}

func (cfg *Config) LogConfiguration() {
	cfg.Log.Info("Configuration loaded successfully",
		"backend_url", cfg.BackendURL,
		"push_url", cfg.PushURL,
		"session_id", cfg.SessionID,
		"request_timeout", cfg.RequestTimeout,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"reconnect_initial_delay", cfg.ReconnectInitialDelay,
		"reconnect_max_delay", cfg.ReconnectMaxDelay,
		"reconnect_max_attempts", cfg.ReconnectMaxAttempts,
		"realtime_enabled", cfg.RealtimeEnabled,
		"poll_interval", cfg.PollInterval,
		"min_rental_days", cfg.MinRentalDays,
		"max_rental_days", cfg.MaxRentalDays,
		"lock_state_path", cfg.LockStatePath,
		"port", cfg.Port,
		"store_backend", cfg.StoreBackend,
		"mongo_uri", redactMongoURI(cfg.MongoURI),
		"mongo_database", cfg.MongoDatabaseName,
		"lock_ttl", cfg.LockTTL,
		"lock_sweep_schedule", cfg.LockSweepSchedule,
		"kafka_enabled", cfg.KafkaEnabled,
		"kafka_events_topic", cfg.KafkaEventsTopic,
		"max_request_size", cfg.MaxRequestSize,
		"rate_limit_requests", cfg.RateLimitRequests,
		"rate_limit_window", cfg.RateLimitWindow,
		"idempotency_ttl", cfg.IdempotencyTTL,
		"signed_inventory_writes", cfg.AdminSigningSecret != "",
		"read_timeout", cfg.ReadTimeout,
		"write_timeout", cfg.WriteTimeout,
		"idle_timeout", cfg.IdleTimeout,
		"shutdown_timeout", cfg.ShutdownTimeout,
	)
}

func (cfg *Config) GracefulShutdown() {
	cfg.Client.GracefulShutdown(cfg.Log, cfg.ShutdownTimeout)
}

func validURL(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

func redactMongoURI(uri string) string {
	credentialRegex := regexp.MustCompile(`(mongodb(\+srv)?://)[^:]+:[^@]+@`)
	return credentialRegex.ReplaceAllString(uri, "${1}***:***@")
}

func getEnvStr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvNum(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
