package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// Invalid token registry backends.
const (
	BackendNone      = "none"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// InvalidTokenConfig selects where rejected device tokens are remembered.
type InvalidTokenConfig struct {
	Backend string
	// TTL is how long a dead device token is remembered; zero keeps it.
	TTL time.Duration
}

// ApnsConfig holds the provider credentials and the gateway connection settings.
type ApnsConfig struct {
	TeamID   string
	KeyID    string
	BundleID string // default apns-topic
	// KeyFile is a path to the .p8 file; P8Key is its raw content. One is required.
	KeyFile string
	P8Key   string

	Sandbox bool
	Host    string // overrides the host chosen by Sandbox

	RefreshInterval   time.Duration
	RetryExpiredToken bool
	MaxParallel       int
}

// GatewayConfig returns the client configuration for the selected gateway.
func (c ApnsConfig) GatewayConfig() apns.Config {
	host := c.Host
	if host == "" {
		host = apns.HostProduction
		if c.Sandbox {
			host = apns.HostSandbox
		}
	}
	return apns.Config{
		TeamID:          c.TeamID,
		KeyID:           c.KeyID,
		DefaultTopic:    c.BundleID,
		Host:            host,
		RefreshInterval: c.RefreshInterval,
	}.WithDefaults()
}

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis         RedisConfig
	Apns          ApnsConfig
	InvalidTokens InvalidTokenConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	// 1. Apply Environment Overrides
	if val := os.Getenv("PROJECT_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "PROJECT_ID", "source", "env")
		cfg.ProjectID = val
	}
	if val := os.Getenv("PORT"); val != "" {
		logger.Debug("Overriding config value", "key", "PORT", "source", "env")
		cfg.ListenAddr = ":" + val
	}
	if val := os.Getenv("SUBSCRIPTION_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_ID", "source", "env")
		cfg.SubscriptionID = val
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(val)
	}
	if val := os.Getenv("SUBSCRIPTION_DLQ_TOPIC_ID"); val != "" {
		logger.Debug("Overriding config value", "key", "SUBSCRIPTION_DLQ_TOPIC_ID", "source", "env")
		cfg.SubscriptionDLQTopicID = val
	}
	if val := os.Getenv("NUM_PIPELINE_WORKERS"); val != "" {
		if workers, err := strconv.Atoi(val); err == nil && workers > 0 {
			logger.Debug("Overriding config value", "key", "NUM_PIPELINE_WORKERS", "source", "env")
			cfg.NumPipelineWorkers = workers
		}
	}

	// Redis Overrides
	if val := os.Getenv("REDIS_ADDR"); val != "" {
		cfg.Redis.Addr = val
		cfg.Redis.Enabled = true
	}
	if val := os.Getenv("REDIS_PASSWORD"); val != "" {
		cfg.Redis.Password = val
	}
	if val := os.Getenv("REDIS_DB"); val != "" {
		if db, err := strconv.Atoi(val); err == nil {
			cfg.Redis.DB = db
		}
	}
	if val := os.Getenv("REDIS_ENABLED"); val != "" {
		enabled, _ := strconv.ParseBool(val)
		cfg.Redis.Enabled = enabled
	}

	if val := os.Getenv("INVALID_TOKEN_BACKEND"); val != "" {
		logger.Debug("Overriding config value", "key", "INVALID_TOKEN_BACKEND", "source", "env")
		cfg.InvalidTokens.Backend = val
	}

	// APNs Overrides
	stringOverrides := []struct {
		key  string
		dest *string
	}{
		{"APNS_TEAM_ID", &cfg.Apns.TeamID},
		{"APNS_KEY_ID", &cfg.Apns.KeyID},
		{"APNS_KEY_FILE", &cfg.Apns.KeyFile},
		{"APNS_P8_KEY", &cfg.Apns.P8Key},
		{"APNS_BUNDLE_ID", &cfg.Apns.BundleID},
		{"APNS_HOST", &cfg.Apns.Host},
	}
	for _, o := range stringOverrides {
		if val := os.Getenv(o.key); val != "" {
			logger.Debug("Overriding config value", "key", o.key, "source", "env")
			*o.dest = val
		}
	}
	if val := os.Getenv("APNS_SANDBOX"); val != "" {
		if sandbox, err := strconv.ParseBool(val); err == nil {
			cfg.Apns.Sandbox = sandbox
		}
	}
	if val := os.Getenv("APNS_RETRY_EXPIRED_TOKEN"); val != "" {
		if retry, err := strconv.ParseBool(val); err == nil {
			cfg.Apns.RetryExpiredToken = retry
		}
	}
	if val := os.Getenv("APNS_REFRESH_INTERVAL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return nil, fmt.Errorf("APNS_REFRESH_INTERVAL: %w", err)
		}
		cfg.Apns.RefreshInterval = d
	}
	if val := os.Getenv("APNS_MAX_PARALLEL"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			cfg.Apns.MaxParallel = n
		}
	}

	// CORS Overrides
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		logger.Debug("Overriding config value", "key", "CORS_ALLOWED_ORIGINS", "source", "env")
		rawOrigins := strings.Split(corsOrigins, ",")
		var cleanOrigins []string
		for _, o := range rawOrigins {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	}

	// 2. Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if err := validateApns(cfg.Apns); err != nil {
		return nil, err
	}
	if err := resolveInvalidTokenBackend(cfg); err != nil {
		return nil, err
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Apns.RefreshInterval <= 0 {
		cfg.Apns.RefreshInterval = apns.DefaultRefreshInterval
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}

func validateApns(c ApnsConfig) error {
	switch {
	case c.TeamID == "":
		return fmt.Errorf("apns.team_id is required (set via YAML or APNS_TEAM_ID env var)")
	case c.KeyID == "":
		return fmt.Errorf("apns.key_id is required (set via YAML or APNS_KEY_ID env var)")
	case c.BundleID == "":
		return fmt.Errorf("apns.bundle_id is required (set via YAML or APNS_BUNDLE_ID env var)")
	case c.KeyFile == "" && c.P8Key == "":
		return fmt.Errorf("an APNs signing key is required (APNS_KEY_FILE or APNS_P8_KEY)")
	case c.RefreshInterval >= time.Hour:
		return fmt.Errorf("apns.refresh_interval must be under one hour, got %s", c.RefreshInterval)
	}
	return nil
}

func resolveInvalidTokenBackend(cfg *Config) error {
	switch cfg.InvalidTokens.Backend {
	case "":
		cfg.InvalidTokens.Backend = BackendNone
		if cfg.Redis.Enabled {
			cfg.InvalidTokens.Backend = BackendRedis
		}
	case BackendRedis:
		if !cfg.Redis.Enabled {
			return fmt.Errorf("invalid_tokens.backend %q requires redis to be enabled", BackendRedis)
		}
	case BackendNone, BackendFirestore:
	default:
		return fmt.Errorf("unknown invalid_tokens.backend %q", cfg.InvalidTokens.Backend)
	}
	return nil
}
