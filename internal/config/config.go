// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CompletionConfig holds the completion service settings.
type CompletionConfig struct {
	BaseURL         string
	APIKey          string
	Model           string
	MaxTokens       int
	SystemContext   string
	InputTokenRate  float64
	OutputTokenRate float64
	Timeout         time.Duration
}

// OAuthConfig holds optional client-credentials settings for delivery
// providers that authenticate with OAuth2 instead of an API key.
type OAuthConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// Enabled reports whether OAuth2 credentials are configured.
func (o OAuthConfig) Enabled() bool {
	return o.TokenURL != "" && o.ClientID != "" && o.ClientSecret != ""
}

// DeliveryConfig holds the delivery service settings.
type DeliveryConfig struct {
	BaseURL     string
	Domain      string
	APIKey      string
	FromAddress string
	OAuth       OAuthConfig
}

// RetryConfig holds the shared external-call retry policy.
type RetryConfig struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	Multiplier     float64
	AttemptTimeout time.Duration
}

// LimitsConfig holds admission and performance budgets.
type LimitsConfig struct {
	EstimatedCost  float64
	TotalBudget    time.Duration
	AdmissionWarn  time.Duration
	CompletionWarn time.Duration
	DeliveryWarn   time.Duration
}

// Config holds all configuration for the reply pipeline service.
type Config struct {
	DatabaseURL string
	RedisURL    string
	Port        int
	SigningKey  string
	DedupWindow time.Duration

	Completion CompletionConfig
	Delivery   DeliveryConfig
	Retry      RetryConfig
	Limits     LimitsConfig
}

// rawConfig mirrors the YAML structure for unmarshalling. Durations are
// strings ("45s", "2m") parsed by time.ParseDuration.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL string `yaml:"url"`
	} `yaml:"redis"`
	Server struct {
		Port       int    `yaml:"port"`
		SigningKey string `yaml:"signing_key"`
	} `yaml:"server"`
	Inbound struct {
		DedupWindow string `yaml:"dedup_window"`
	} `yaml:"inbound"`
	Completion struct {
		BaseURL         string  `yaml:"base_url"`
		APIKey          string  `yaml:"api_key"`
		Model           string  `yaml:"model"`
		MaxTokens       int     `yaml:"max_tokens"`
		SystemContext   string  `yaml:"system_context"`
		InputTokenRate  float64 `yaml:"input_token_rate"`
		OutputTokenRate float64 `yaml:"output_token_rate"`
		Timeout         string  `yaml:"timeout"`
	} `yaml:"completion"`
	Delivery struct {
		BaseURL     string `yaml:"base_url"`
		Domain      string `yaml:"domain"`
		APIKey      string `yaml:"api_key"`
		FromAddress string `yaml:"from_address"`
		OAuth       struct {
			TokenURL     string   `yaml:"token_url"`
			ClientID     string   `yaml:"client_id"`
			ClientSecret string   `yaml:"client_secret"`
			Scopes       []string `yaml:"scopes"`
		} `yaml:"oauth"`
	} `yaml:"delivery"`
	Retry struct {
		MaxAttempts    int     `yaml:"max_attempts"`
		BaseDelay      string  `yaml:"base_delay"`
		Multiplier     float64 `yaml:"multiplier"`
		AttemptTimeout string  `yaml:"attempt_timeout"`
	} `yaml:"retry"`
	Limits struct {
		EstimatedCost  float64 `yaml:"estimated_cost"`
		TotalBudget    string  `yaml:"total_budget"`
		AdmissionWarn  string  `yaml:"admission_warn"`
		CompletionWarn string  `yaml:"completion_warn"`
		DeliveryWarn   string  `yaml:"delivery_warn"`
	} `yaml:"limits"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables for non-YAML settings.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	// Expand ${VAR} references in the YAML
	expanded := os.ExpandEnv(string(data))

	var raw rawConfig
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return nil, fmt.Errorf("parse config YAML: %w", err)
	}

	cfg := &Config{
		DatabaseURL: firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:    firstNonEmpty(raw.Redis.URL, envOrDefault("REDIS_URL", "redis://localhost:6379/0")),
		Port:        raw.Server.Port,
		SigningKey:  firstNonEmpty(raw.Server.SigningKey, os.Getenv("WEBHOOK_SIGNING_KEY")),
		DedupWindow: parseDuration(raw.Inbound.DedupWindow, 10*time.Minute),
		Completion: CompletionConfig{
			BaseURL:         firstNonEmpty(raw.Completion.BaseURL, "https://api.anthropic.com"),
			APIKey:          firstNonEmpty(raw.Completion.APIKey, os.Getenv("COMPLETION_API_KEY")),
			Model:           raw.Completion.Model,
			MaxTokens:       raw.Completion.MaxTokens,
			SystemContext:   raw.Completion.SystemContext,
			InputTokenRate:  raw.Completion.InputTokenRate,
			OutputTokenRate: raw.Completion.OutputTokenRate,
			Timeout:         parseDuration(raw.Completion.Timeout, 60*time.Second),
		},
		Delivery: DeliveryConfig{
			BaseURL:     raw.Delivery.BaseURL,
			Domain:      raw.Delivery.Domain,
			APIKey:      firstNonEmpty(raw.Delivery.APIKey, os.Getenv("DELIVERY_API_KEY")),
			FromAddress: raw.Delivery.FromAddress,
			OAuth: OAuthConfig{
				TokenURL:     raw.Delivery.OAuth.TokenURL,
				ClientID:     raw.Delivery.OAuth.ClientID,
				ClientSecret: raw.Delivery.OAuth.ClientSecret,
				Scopes:       raw.Delivery.OAuth.Scopes,
			},
		},
		Retry: RetryConfig{
			MaxAttempts:    raw.Retry.MaxAttempts,
			BaseDelay:      parseDuration(raw.Retry.BaseDelay, 1*time.Second),
			Multiplier:     raw.Retry.Multiplier,
			AttemptTimeout: parseDuration(raw.Retry.AttemptTimeout, 30*time.Second),
		},
		Limits: LimitsConfig{
			EstimatedCost:  raw.Limits.EstimatedCost,
			TotalBudget:    parseDuration(raw.Limits.TotalBudget, 90*time.Second),
			AdmissionWarn:  parseDuration(raw.Limits.AdmissionWarn, 2*time.Second),
			CompletionWarn: parseDuration(raw.Limits.CompletionWarn, 45*time.Second),
			DeliveryWarn:   parseDuration(raw.Limits.DeliveryWarn, 30*time.Second),
		},
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = envOrDefaultInt("PORT", 8080)
	}
	if cfg.Completion.MaxTokens == 0 {
		cfg.Completion.MaxTokens = 1024
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2
	}
	if cfg.Limits.EstimatedCost == 0 {
		cfg.Limits.EstimatedCost = 0.05
	}
}

func validate(cfg *Config) error {
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database.url (or DATABASE_URL) is required")
	}
	if cfg.Completion.APIKey == "" {
		return fmt.Errorf("completion.api_key is required")
	}
	if cfg.Completion.Model == "" {
		return fmt.Errorf("completion.model is required")
	}
	if cfg.Delivery.BaseURL == "" || cfg.Delivery.Domain == "" {
		return fmt.Errorf("delivery.base_url and delivery.domain are required")
	}
	if cfg.Delivery.APIKey == "" && !cfg.Delivery.OAuth.Enabled() {
		return fmt.Errorf("delivery needs either api_key or oauth client credentials")
	}
	if cfg.Delivery.FromAddress == "" {
		return fmt.Errorf("delivery.from_address is required")
	}
	return nil
}

// parseDuration parses a YAML duration string, falling back on empty or
// malformed values.
func parseDuration(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
