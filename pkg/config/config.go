package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Port     string         `koanf:"port"`
	Database DatabaseConfig `koanf:"database"`
	Cache    CacheConfig    `koanf:"cache"`
	Broker   BrokerConfig   `koanf:"broker"`
	Stream   StreamConfig   `koanf:"stream"`
	Client   ClientConfig   `koanf:"client"`
	Security SecurityConfig `koanf:"security"`
	Log      LogConfig      `koanf:"log"`
}

type DatabaseConfig struct {
	URL          string `koanf:"url"`
	MaxOpenConns int    `koanf:"max_open_conns"`
}

type CacheConfig struct {
	URL string        `koanf:"url"`
	TTL time.Duration `koanf:"ttl"`
}

// BrokerConfig drives the stream consumer and producer. An empty Addrs list
// disables queue ingestion; the HTTP side keeps working.
type BrokerConfig struct {
	Addrs               []string      `koanf:"addrs"`
	ClientID            string        `koanf:"client_id"`
	GroupID             string        `koanf:"group_id"`
	ConsumerTopics      []string      `koanf:"consumer_topics"`
	ProducerTopic       string        `koanf:"producer_topic"`
	FromBeginning       bool          `koanf:"from_beginning"`
	SessionTimeout      time.Duration `koanf:"session_timeout"`
	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"`
	RebalanceTimeout    time.Duration `koanf:"rebalance_timeout"`
	Concurrency         int           `koanf:"concurrency"`
	AutoCommitInterval  time.Duration `koanf:"auto_commit_interval"`
	AutoCommitThreshold int           `koanf:"auto_commit_threshold"`
	ProbeTimeout        time.Duration `koanf:"probe_timeout"`
	MaxRetries          int           `koanf:"max_retries"`
	StreamMaxLen        int64         `koanf:"stream_max_len"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
}

// ClientConfig is served to browsers through /env.js.
type ClientConfig struct {
	SSEURL           string  `koanf:"sse_url"`
	ReconnectMs      int     `koanf:"reconnect_ms"`
	MaxEvents        int     `koanf:"max_events"`
	MaxCompactEvents int     `koanf:"max_compact_events"`
	Volume           float64 `koanf:"volume"`
}

type SecurityConfig struct {
	CORSOrigins    []string `koanf:"cors_origins"`
	AdminKey       string   `koanf:"admin_key"`
	AdminJWTSecret string   `koanf:"admin_jwt_secret"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Port: "8080",
		Database: DatabaseConfig{
			MaxOpenConns: 10,
		},
		Cache: CacheConfig{
			TTL: 30 * time.Second,
		},
		Broker: BrokerConfig{
			ClientID:            "eventcast",
			GroupID:             "eventcast-consumers",
			ConsumerTopics:      []string{"events"},
			SessionTimeout:      30 * time.Second,
			HeartbeatInterval:   3 * time.Second,
			RebalanceTimeout:    60 * time.Second,
			Concurrency:         3,
			AutoCommitInterval:  5 * time.Second,
			AutoCommitThreshold: 100,
			ProbeTimeout:        5 * time.Second,
			MaxRetries:          8,
			StreamMaxLen:        10000,
		},
		Stream: StreamConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		Client: ClientConfig{
			SSEURL:           "/events",
			ReconnectMs:      3000,
			MaxEvents:        10,
			MaxCompactEvents: 20,
			Volume:           1.0,
		},
		Security: SecurityConfig{
			CORSOrigins: []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

var envMappings = map[string]string{
	"port":                         "port",
	"database_url":                 "database.url",
	"db_max_open_conns":            "database.max_open_conns",
	"redis_url":                    "cache.url",
	"cache_ttl":                    "cache.ttl",
	"broker_addrs":                 "broker.addrs",
	"broker_client_id":             "broker.client_id",
	"broker_group_id":              "broker.group_id",
	"broker_consumer_topics":       "broker.consumer_topics",
	"broker_producer_topic":        "broker.producer_topic",
	"broker_from_beginning":        "broker.from_beginning",
	"broker_session_timeout":       "broker.session_timeout",
	"broker_heartbeat_interval":    "broker.heartbeat_interval",
	"broker_rebalance_timeout":     "broker.rebalance_timeout",
	"broker_concurrency":           "broker.concurrency",
	"broker_auto_commit_interval":  "broker.auto_commit_interval",
	"broker_auto_commit_threshold": "broker.auto_commit_threshold",
	"broker_probe_timeout":         "broker.probe_timeout",
	"broker_max_retries":           "broker.max_retries",
	"broker_stream_max_len":        "broker.stream_max_len",
	"sse_heartbeat_interval":       "stream.heartbeat_interval",
	"sse_url":                      "client.sse_url",
	"sse_reconnect_ms":             "client.reconnect_ms",
	"max_events":                   "client.max_events",
	"max_compact_events":           "client.max_compact_events",
	"default_volume":               "client.volume",
	"cors_origins":                 "security.cors_origins",
	"admin_key":                    "security.admin_key",
	"admin_jwt_secret":             "security.admin_jwt_secret",
	"log_level":                    "log.level",
	"log_format":                   "log.format",
}

var sliceConfigPaths = []string{
	"broker.addrs",
	"broker.consumer_topics",
	"security.cors_origins",
}

// envTransform maps known environment variables to config paths. Unknown
// variables return "" and are skipped by the provider.
func envTransform(key string) string {
	return envMappings[strings.ToLower(key)]
}

// Load reads defaults, then the environment.
func Load() (*Config, error) {
	return load(env.Provider("", ".", envTransform))
}

func load(envProvider koanf.Provider) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// processSliceFields turns comma-separated env values into trimmed slices.
// An empty value yields an empty slice.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		if err := k.Set(path, SplitList(strVal)); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// SplitList splits a comma-separated list, dropping blanks.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port must not be empty"))
	}
	if c.Broker.Concurrency < 1 {
		errs = append(errs, errors.New("broker.concurrency must be >= 1"))
	}
	if c.Broker.AutoCommitThreshold < 1 {
		errs = append(errs, errors.New("broker.auto_commit_threshold must be >= 1"))
	}
	if c.Broker.ProbeTimeout <= 0 {
		errs = append(errs, errors.New("broker.probe_timeout must be positive"))
	}
	if c.Stream.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("stream.heartbeat_interval must be positive"))
	}
	if c.Client.Volume < 0 || c.Client.Volume > 1 {
		errs = append(errs, errors.New("client.volume must be within [0,1]"))
	}
	return errors.Join(errs...)
}

// QueueEnabled reports whether broker addresses were configured.
func (c *Config) QueueEnabled() bool {
	return len(c.Broker.Addrs) > 0
}
