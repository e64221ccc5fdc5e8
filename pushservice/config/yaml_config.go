package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type YamlCorsConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	Role           string   `yaml:"role"`
}

type YamlRedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Enabled  bool   `yaml:"enabled"`
}

type YamlInvalidTokenConfig struct {
	Backend string `yaml:"backend"`
	TTL     string `yaml:"ttl"`
}

type YamlApnsConfig struct {
	TeamID            string `yaml:"team_id"`
	KeyID             string `yaml:"key_id"`
	BundleID          string `yaml:"bundle_id"`
	KeyFile           string `yaml:"key_file"`
	Sandbox           bool   `yaml:"sandbox"`
	Host              string `yaml:"host"`
	RefreshInterval   string `yaml:"refresh_interval"`
	RetryExpiredToken bool   `yaml:"retry_expired_token"`
	MaxParallel       int    `yaml:"max_parallel"`
}

// YamlConfig is the structure that mirrors the raw config.yaml file.
type YamlConfig struct {
	ProjectID              string                 `yaml:"project_id"`
	ListenAddr             string                 `yaml:"listen_addr"`
	TopicID                string                 `yaml:"topic_id"`
	SubscriptionID         string                 `yaml:"subscription_id"`
	SubscriptionDLQTopicID string                 `yaml:"subscription_dlq_topic_id"`
	CorsConfig             YamlCorsConfig         `yaml:"cors"`
	RedisConfig            YamlRedisConfig        `yaml:"redis"`
	ApnsConfig             YamlApnsConfig         `yaml:"apns"`
	InvalidTokenConfig     YamlInvalidTokenConfig `yaml:"invalid_tokens"`
	NumPipelineWorkers     int                    `yaml:"num_pipeline_workers"`
}

// NewConfigFromYaml converts the YamlConfig into a clean, base Config struct.
// The raw key content is never read from YAML; it comes from the environment.
func NewConfigFromYaml(baseCfg *YamlConfig, logger *slog.Logger) (*Config, error) {
	logger.Debug("Mapping YAML config to base config struct")

	refresh, err := parseOptionalDuration(baseCfg.ApnsConfig.RefreshInterval)
	if err != nil {
		return nil, fmt.Errorf("apns.refresh_interval: %w", err)
	}
	invalidTTL, err := parseOptionalDuration(baseCfg.InvalidTokenConfig.TTL)
	if err != nil {
		return nil, fmt.Errorf("invalid_tokens.ttl: %w", err)
	}

	cfg := &Config{
		ProjectID:      baseCfg.ProjectID,
		ListenAddr:     baseCfg.ListenAddr,
		TopicID:        baseCfg.TopicID,
		SubscriptionID: baseCfg.SubscriptionID,
		CorsConfig: middleware.CorsConfig{
			AllowedOrigins: baseCfg.CorsConfig.AllowedOrigins,
			Role:           middleware.CorsRole(baseCfg.CorsConfig.Role),
		},
		Redis: RedisConfig{
			Addr:     baseCfg.RedisConfig.Addr,
			Password: baseCfg.RedisConfig.Password,
			DB:       baseCfg.RedisConfig.DB,
			Enabled:  baseCfg.RedisConfig.Enabled,
		},
		InvalidTokens: InvalidTokenConfig{
			Backend: baseCfg.InvalidTokenConfig.Backend,
			TTL:     invalidTTL,
		},
		Apns: ApnsConfig{
			TeamID:            baseCfg.ApnsConfig.TeamID,
			KeyID:             baseCfg.ApnsConfig.KeyID,
			BundleID:          baseCfg.ApnsConfig.BundleID,
			KeyFile:           baseCfg.ApnsConfig.KeyFile,
			Sandbox:           baseCfg.ApnsConfig.Sandbox,
			Host:              baseCfg.ApnsConfig.Host,
			RefreshInterval:   refresh,
			RetryExpiredToken: baseCfg.ApnsConfig.RetryExpiredToken,
			MaxParallel:       baseCfg.ApnsConfig.MaxParallel,
		},
		SubscriptionDLQTopicID: baseCfg.SubscriptionDLQTopicID,
		NumPipelineWorkers:     baseCfg.NumPipelineWorkers,
	}

	if cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("YAML config mapping complete",
		"project_id", cfg.ProjectID,
		"listen_addr", cfg.ListenAddr,
		"subscription_id", cfg.SubscriptionID,
		"apns_sandbox", cfg.Apns.Sandbox,
	)

	return cfg, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
