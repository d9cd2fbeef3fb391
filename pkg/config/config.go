// Package config loads the §6.5 configuration keys via koanf, from
// environment variables (DCB_ prefixed) layered over an optional YAML
// file, mirroring the env+file provider stack used elsewhere in the
// retrieval pack.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// TopicConfig mirrors one "Per topic" block from §6.5.
type TopicConfig struct {
	Topic          string            `koanf:"topic"`
	RequiredTags   map[string]string `koanf:"required_tags"`
	AnyOfTags      map[string]string `koanf:"any_of_tags"`
	ExactTagValues map[string]string `koanf:"exact_tag_values"`
	Publishers     []string          `koanf:"publishers"`
}

// ViewConfig mirrors one "Per view" block from §6.5.
type ViewConfig struct {
	Name           string            `koanf:"name"`
	EventTypes     []string          `koanf:"event_types"`
	RequiredTags   map[string]string `koanf:"required_tags"`
	AnyOfTags      map[string]string `koanf:"any_of_tags"`
}

// EventStoreConfig maps the eventstore.* keys.
type EventStoreConfig struct {
	PersistCommands      bool   `koanf:"persist_commands"`
	TransactionIsolation string `koanf:"transaction_isolation"`
	FetchSize            int    `koanf:"fetch_size"`
}

// OutboxConfig maps the outbox.* keys.
type OutboxConfig struct {
	Enabled              bool          `koanf:"enabled"`
	BatchSize            int           `koanf:"batch_size"`
	PollingIntervalMs    int           `koanf:"polling_interval_ms"`
	MaxRetries           int           `koanf:"max_retries"`
	RetryDelayMs         int           `koanf:"retry_delay_ms"`
	HeartbeatTTLSeconds  int           `koanf:"heartbeat_ttl_seconds"`
	Topics               []TopicConfig `koanf:"topics"`
}

// ViewsConfig maps the views.* keys.
type ViewsConfig struct {
	Enabled                     bool         `koanf:"enabled"`
	PollingIntervalMs           int          `koanf:"polling_interval_ms"`
	BatchSize                   int          `koanf:"batch_size"`
	BackoffThreshold            int          `koanf:"backoff_threshold"`
	BackoffMultiplier           float64      `koanf:"backoff_multiplier"`
	MaxBackoffSeconds           int          `koanf:"max_backoff_seconds"`
	LeaderElectionRetryInterval int          `koanf:"leader_election_retry_interval_ms"`
	Views                       []ViewConfig `koanf:"views"`
}

// Config is the root configuration record — a plain struct populated by
// koanf.Unmarshal, not an annotation-driven container.
type Config struct {
	DatabaseURL string           `koanf:"database_url"`
	EventStore  EventStoreConfig `koanf:"eventstore"`
	Outbox      OutboxConfig     `koanf:"outbox"`
	Views       ViewsConfig      `koanf:"views"`
}

func defaults() Config {
	return Config{
		EventStore: EventStoreConfig{
			PersistCommands:      true,
			TransactionIsolation: "read_committed",
			FetchSize:            1000,
		},
		Outbox: OutboxConfig{
			Enabled:             true,
			BatchSize:           100,
			PollingIntervalMs:   1000,
			MaxRetries:          5,
			RetryDelayMs:        1000,
			HeartbeatTTLSeconds: 30,
		},
		Views: ViewsConfig{
			Enabled:                     true,
			PollingIntervalMs:           1000,
			BatchSize:                   100,
			BackoffThreshold:            5,
			BackoffMultiplier:           2.0,
			MaxBackoffSeconds:           60,
			LeaderElectionRetryInterval: 2000,
		},
	}
}

// Load builds a Config from defaults, an optional YAML file (skipped if
// path is empty; an unreadable file is an error), and DCB_-prefixed
// environment variables,
// in that precedence order. Environment keys nest on a double underscore
// (DCB_OUTBOX__BATCH_SIZE -> outbox.batch_size) so single underscores
// inside a snake_case key name survive the translation.
func Load(path string) (Config, error) {
	k := koanf.New(".")

	def := defaults()
	if err := k.Load(structs.Provider(def, "koanf"), nil); err != nil {
		return Config{}, err
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, err
		}
	}

	if err := k.Load(env.Provider("DCB_", ".", func(s string) string {
		trimmed := strings.ToLower(strings.TrimPrefix(s, "DCB_"))
		return strings.ReplaceAll(trimmed, "__", ".")
	}), nil); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
