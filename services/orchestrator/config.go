// Copyright (C) 2025 Swarmgate Labs (dev@swarmgate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package orchestrator

import (
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AccountConfig declares one execution identity. The credential is read
// from KeyEnv so keys never live in the config file.
type AccountConfig struct {
	ID     string `yaml:"id" validate:"required"`
	Label  string `yaml:"label"`
	KeyEnv string `yaml:"key_env" validate:"required"`
}

// QuotaConfig overrides the per-model rate ceilings.
type QuotaConfig struct {
	Hourly int `yaml:"hourly" validate:"gte=1"`
	Daily  int `yaml:"daily" validate:"gte=1"`
}

// Config holds every tunable of the swarmgate service. Values come from
// a YAML file plus environment overrides; zero values use defaults.
type Config struct {
	Port    int    `yaml:"port" validate:"gte=0,lte=65535"`
	GinMode string `yaml:"gin_mode" validate:"omitempty,oneof=debug release test"`

	// DBPath is the SQLite file; ":memory:" for ephemeral runs.
	DBPath string `yaml:"db_path"`

	// RedisAddr enables the distributed rate counters. Empty runs
	// local-only.
	RedisAddr string `yaml:"redis_addr"`

	// WeaviateURL enables the similarity store. Empty disables memory
	// prediction and RCA history.
	WeaviateURL string `yaml:"weaviate_url" validate:"omitempty,url"`

	OTelEndpoint  string `yaml:"otel_endpoint"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	TracingOff    bool   `yaml:"tracing_off"`

	AgentBaseURL string  `yaml:"agent_base_url" validate:"omitempty,url"`
	AgentRPS     float64 `yaml:"agent_rps" validate:"gte=0"`

	OpenAIKey     string `yaml:"-"`
	OpenAIBaseURL string `yaml:"openai_base_url" validate:"omitempty,url"`

	TelegramChatID int64 `yaml:"telegram_chat_id"`

	Accounts []AccountConfig        `yaml:"accounts" validate:"dive"`
	Quotas   map[string]QuotaConfig `yaml:"quotas" validate:"dive"`

	DailyLimitUSD    float64 `yaml:"daily_limit_usd" validate:"gte=0"`
	DeepTierDisabled bool    `yaml:"deep_tier_disabled"`
}

func applyConfigDefaults(cfg Config) Config {
	if cfg.Port == 0 {
		cfg.Port = 12310
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./data/swarmgate.db"
	}
	if cfg.OTelEndpoint == "" {
		cfg.OTelEndpoint = "swarmgate-otel-collector:4317"
	}
	if cfg.AgentRPS == 0 {
		cfg.AgentRPS = 2
	}
	if cfg.DailyLimitUSD == 0 {
		cfg.DailyLimitUSD = 25
	}
	return cfg
}

// LoadConfig reads path (optional), applies environment overrides, and
// validates the result.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	cfg = applyConfigDefaults(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWARMGATE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("SWARMGATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SWARMGATE_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("SWARMGATE_WEAVIATE_URL"); v != "" {
		cfg.WeaviateURL = v
	}
	if v := os.Getenv("SWARMGATE_AGENT_BASE_URL"); v != "" {
		cfg.AgentBaseURL = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTelEndpoint = v
	}
	if v := os.Getenv("SWARMGATE_DAILY_LIMIT_USD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.DailyLimitUSD = f
		}
	}
	cfg.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.TelegramChatID = id
		}
	}
}
