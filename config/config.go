// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport types.
const (
	TransportPubSub = "pubsub"
	TransportMQTT   = "mqtt"
	TransportMemory = "memory"
)

// Storage types.
const (
	StorageBadger = "badger"
	StorageEtcd   = "etcd"
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
)

// Config holds all configuration for the C2 daemon.
type Config struct {
	C2        C2Config        `yaml:"c2"`
	Transport TransportConfig `yaml:"transport"`
	Storage   StorageConfig   `yaml:"storage"`
	Records   RecordsConfig   `yaml:"records"`
	BuildLogs BuildLogsConfig `yaml:"build_logs"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Server    ServerConfig    `yaml:"server"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Log       LogConfig       `yaml:"log"`
}

// C2Config holds control plane settings.
type C2Config struct {
	Project        string        `yaml:"project"`
	Topic          string        `yaml:"topic"`
	Deployment     string        `yaml:"deployment"`
	SubscriptionID string        `yaml:"subscription_id"`
	CallbackTTL    time.Duration `yaml:"callback_ttl"`   // 0 keeps callbacks until resolved
	SweepInterval  time.Duration `yaml:"sweep_interval"` // 0 disables the sweeper
	ReceiveWorkers int           `yaml:"receive_workers"`
}

// TransportConfig selects and configures the message bus.
type TransportConfig struct {
	Type   string       `yaml:"type"` // pubsub, mqtt, memory
	PubSub PubSubConfig `yaml:"pubsub"`
	MQTT   MQTTConfig   `yaml:"mqtt"`
}

// PubSubConfig holds Google Cloud Pub/Sub client settings.
type PubSubConfig struct {
	Endpoint        string `yaml:"endpoint"` // emulator or private endpoint
	CredentialsFile string `yaml:"credentials_file"`
	MaxOutstanding  int    `yaml:"max_outstanding"`
}

// MQTTConfig holds MQTT client settings.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	Prefix         string        `yaml:"prefix"`
	Shared         bool          `yaml:"shared"` // receive via $share/{subscription}/...
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StorageConfig selects the callback correlation store.
type StorageConfig struct {
	Type string `yaml:"type"` // badger, etcd, memory

	// BadgerDB settings
	BadgerDir string `yaml:"badger_dir"`

	Etcd EtcdConfig `yaml:"etcd"`
}

// EtcdConfig holds etcd client settings for a shared callback store.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// RecordsConfig selects the cluster, build and task stores.
type RecordsConfig struct {
	Type       string `yaml:"type"` // sqlite, memory
	SQLitePath string `yaml:"sqlite_path"`
}

// BuildLogsConfig holds build-log ingestion settings.
type BuildLogsConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Topic        string `yaml:"topic"`
	Subscription string `yaml:"subscription"` // defaults to {deployment}-build-logs-sub
}

// RateLimitConfig holds the per-destination outbound command limit.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	CommandsPerSecond float64 `yaml:"commands_per_second"`
	Burst             int     `yaml:"burst"`
}

// ServerConfig holds side server settings.
type ServerConfig struct {
	HealthEnabled   bool          `yaml:"health_enabled"`
	HealthAddr      string        `yaml:"health_addr"`
	EventsEnabled   bool          `yaml:"events_enabled"`
	EventsAddr      string        `yaml:"events_addr"`
	EventsPath      string        `yaml:"events_path"`
	MetricsEnabled  bool          `yaml:"metrics_enabled"` // enables OTel
	MetricsAddr     string        `yaml:"metrics_addr"`    // OTLP endpoint
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
	OtelInsecure        bool    `yaml:"otel_insecure"`          // plaintext gRPC to the collector
	OtelCAFile          string  `yaml:"otel_ca_file"`           // TLS trust root; system pool when empty
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled         bool              `yaml:"enabled"`
	QueueSize       int               `yaml:"queue_size"`
	DropPolicy      string            `yaml:"drop_policy"` // "oldest" or "newest"
	Workers         int               `yaml:"workers"`
	ShutdownTimeout time.Duration     `yaml:"shutdown_timeout"`
	Defaults        WebhookDefaults   `yaml:"defaults"`
	Endpoints       []WebhookEndpoint `yaml:"endpoints"`
}

// WebhookDefaults holds default settings for webhook endpoints.
type WebhookDefaults struct {
	Timeout        time.Duration        `yaml:"timeout"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RetryConfig holds retry configuration for webhook delivery.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// WebhookEndpoint defines a single webhook endpoint configuration.
type WebhookEndpoint struct {
	Name         string            `yaml:"name"`
	Type         string            `yaml:"type"` // "http"
	URL          string            `yaml:"url"`
	Events       []string          `yaml:"events"`       // empty means all
	Destinations []string          `yaml:"destinations"` // glob patterns, e.g. "cluster_*"
	Headers      map[string]string `yaml:"headers"`
	Timeout      time.Duration     `yaml:"timeout,omitempty"` // Override default
	Retry        *RetryConfig      `yaml:"retry,omitempty"`   // Override default
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		C2: C2Config{
			Topic:          "c2",
			Deployment:     "fluxc2",
			SubscriptionID: "c2resp",
			CallbackTTL:    0,
			SweepInterval:  time.Minute,
			ReceiveWorkers: 4,
		},
		Transport: TransportConfig{
			Type: TransportMemory,
			PubSub: PubSubConfig{
				MaxOutstanding: 1000,
			},
			MQTT: MQTTConfig{
				Broker:         "tcp://localhost:1883",
				ClientID:       "fluxc2",
				QoS:            1,
				Prefix:         "c2",
				ConnectTimeout: 10 * time.Second,
			},
		},
		Storage: StorageConfig{
			Type:      StorageBadger,
			BadgerDir: "/tmp/fluxc2/callbacks",
			Etcd: EtcdConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/c2/callbacks/",
				DialTimeout: 5 * time.Second,
			},
		},
		Records: RecordsConfig{
			Type:       StorageSQLite,
			SQLitePath: "/tmp/fluxc2/records.db",
		},
		BuildLogs: BuildLogsConfig{
			Enabled: false,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			CommandsPerSecond: 10,
			Burst:             20,
		},
		Server: ServerConfig{
			HealthEnabled:       true,
			HealthAddr:          ":8081",
			EventsEnabled:       false,
			EventsAddr:          ":8082",
			EventsPath:          "/events",
			MetricsEnabled:      false,
			MetricsAddr:         "localhost:4317",
			ShutdownTimeout:     30 * time.Second,
			OtelServiceName:     "fluxc2",
			OtelServiceVersion:  "1.0.0",
			OtelTracesEnabled:   false,
			OtelMetricsEnabled:  true,
			OtelTraceSampleRate: 0.1,
			OtelInsecure:        true,
		},
		Webhook: WebhookConfig{
			Enabled:         false,
			QueueSize:       10000,
			DropPolicy:      "oldest",
			Workers:         5,
			ShutdownTimeout: 30 * time.Second,
			Defaults: WebhookDefaults{
				Timeout: 5 * time.Second,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1 * time.Second,
					MaxInterval:     30 * time.Second,
					Multiplier:      2.0,
				},
				CircuitBreaker: CircuitBreakerConfig{
					FailureThreshold: 5,
					ResetTimeout:     60 * time.Second,
				},
			},
			Endpoints: []WebhookEndpoint{},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// BuildLogSubscription returns the configured build-log subscription or
// the deployment default.
func (c *Config) BuildLogSubscription() string {
	if c.BuildLogs.Subscription != "" {
		return c.BuildLogs.Subscription
	}
	return c.C2.Deployment + "-build-logs-sub"
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.C2.Topic == "" {
		return fmt.Errorf("c2.topic cannot be empty")
	}
	if c.C2.Deployment == "" {
		return fmt.Errorf("c2.deployment cannot be empty")
	}
	if c.C2.CallbackTTL < 0 {
		return fmt.Errorf("c2.callback_ttl cannot be negative")
	}
	if c.C2.SweepInterval < 0 {
		return fmt.Errorf("c2.sweep_interval cannot be negative")
	}
	if c.C2.ReceiveWorkers < 1 {
		return fmt.Errorf("c2.receive_workers must be at least 1")
	}

	switch c.Transport.Type {
	case TransportPubSub:
		if c.C2.Project == "" {
			return fmt.Errorf("c2.project required when transport.type is pubsub")
		}
	case TransportMQTT:
		if c.Transport.MQTT.Broker == "" {
			return fmt.Errorf("transport.mqtt.broker required when transport.type is mqtt")
		}
		if c.Transport.MQTT.QoS > 2 {
			return fmt.Errorf("transport.mqtt.qos must be 0, 1 or 2")
		}
	case TransportMemory:
	default:
		return fmt.Errorf("transport.type must be one of: pubsub, mqtt, memory")
	}

	switch c.Storage.Type {
	case StorageBadger:
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required when type is badger")
		}
	case StorageEtcd:
		if len(c.Storage.Etcd.Endpoints) == 0 {
			return fmt.Errorf("storage.etcd.endpoints required when type is etcd")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.type must be one of: badger, etcd, memory")
	}

	switch c.Records.Type {
	case StorageSQLite:
		if c.Records.SQLitePath == "" {
			return fmt.Errorf("records.sqlite_path required when type is sqlite")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("records.type must be one of: sqlite, memory")
	}

	if c.BuildLogs.Enabled && c.BuildLogs.Topic == "" {
		return fmt.Errorf("build_logs.topic required when build log ingestion is enabled")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.CommandsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.commands_per_second must be positive")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health server is enabled")
	}
	if c.Server.EventsEnabled && c.Server.EventsAddr == "" {
		return fmt.Errorf("server.events_addr required when event feed is enabled")
	}

	// OpenTelemetry validation (only if metrics enabled)
	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Server.OtelInsecure && c.Server.OtelCAFile != "" {
			return fmt.Errorf("server.otel_ca_file cannot be set with server.otel_insecure")
		}
	}

	// Webhook validation (only if enabled)
	if c.Webhook.Enabled {
		if c.Webhook.QueueSize < 100 {
			return fmt.Errorf("webhook.queue_size must be at least 100")
		}
		if c.Webhook.DropPolicy != "oldest" && c.Webhook.DropPolicy != "newest" {
			return fmt.Errorf("webhook.drop_policy must be 'oldest' or 'newest'")
		}
		if c.Webhook.Workers < 1 {
			return fmt.Errorf("webhook.workers must be at least 1")
		}
		if c.Webhook.ShutdownTimeout < time.Second {
			return fmt.Errorf("webhook.shutdown_timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Timeout < time.Second {
			return fmt.Errorf("webhook.defaults.timeout must be at least 1 second")
		}
		if c.Webhook.Defaults.Retry.MaxAttempts < 1 {
			return fmt.Errorf("webhook.defaults.retry.max_attempts must be at least 1")
		}
		if c.Webhook.Defaults.Retry.Multiplier < 1.0 {
			return fmt.Errorf("webhook.defaults.retry.multiplier must be at least 1.0")
		}
		if c.Webhook.Defaults.CircuitBreaker.FailureThreshold < 1 {
			return fmt.Errorf("webhook.defaults.circuit_breaker.failure_threshold must be at least 1")
		}

		for i, endpoint := range c.Webhook.Endpoints {
			if endpoint.Name == "" {
				return fmt.Errorf("webhook.endpoints[%d].name cannot be empty", i)
			}
			if endpoint.Type != "http" {
				return fmt.Errorf("webhook.endpoints[%d].type must be 'http'", i)
			}
			if endpoint.URL == "" {
				return fmt.Errorf("webhook.endpoints[%d].url cannot be empty", i)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
