package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/PratikDhanave/event-projection-service/internal/projection"
)

// Strategy selects the projection store.
type Strategy string

const (
	StrategyMemory   Strategy = "memory"
	StrategyPostgres Strategy = "postgres"
	StrategySQLite   Strategy = "sqlite"
	StrategyEmbedded Strategy = "embedded"
)

// Config contains runtime configuration required by the service.
type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"event-projection-service"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8080"`

	// An empty broker list runs against an in-process log.
	KafkaBrokers  []string `env:"KAFKA_BOOTSTRAP_SERVERS" envSeparator:","`
	KafkaUsername string   `env:"KAFKA_USERNAME"`
	KafkaPassword string   `env:"KAFKA_PASSWORD"`
	KafkaTLS      bool     `env:"KAFKA_TLS"`
	KafkaClientID string   `env:"KAFKA_CLIENT_ID"`
	KafkaGroupID  string   `env:"KAFKA_GROUP_ID" envDefault:"event-projection-service"`

	SensorReadingsTopic string `env:"SENSOR_READINGS_TOPIC" envDefault:"SENSOR.READINGS"`
	DoorBadgeInTopic    string `env:"DOOR_BADGEIN_TOPIC" envDefault:"DOOR.BADGEIN"`

	Strategy       Strategy      `env:"PROJECTION_STRATEGY" envDefault:"memory"`
	StartPolicyRaw string        `env:"START_POLICY"`
	PollTimeout    time.Duration `env:"POLL_TIMEOUT" envDefault:"2s"`
	LookupGateRaw  string        `env:"LOOKUP_GATE" envDefault:"started"`

	DBURL      string `env:"DB_URL"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/projections.db"`
	StateDir   string `env:"STATE_DIR" envDefault:"data/state"`

	APIKeysRaw string `env:"API_KEYS"`

	// APIKeys maps apiKey -> client name. Empty disables authentication.
	APIKeys map[string]string

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	ReadyRequiresCaughtUp bool `env:"READY_REQUIRES_CAUGHT_UP"`
	SupervisorMaxAttempts int  `env:"SUPERVISOR_MAX_ATTEMPTS" envDefault:"5"`

	StartPolicy projection.StartPolicy
	LookupGate  projection.Gate
}

// Load reads the environment and validates option combinations.
// API_KEYS format: "client1:key1,client2:key2"
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	switch cfg.Strategy {
	case StrategyMemory, StrategyEmbedded, StrategySQLite:
	case StrategyPostgres:
		if strings.TrimSpace(cfg.DBURL) == "" {
			return Config{}, errors.New("DB_URL required for postgres strategy")
		}
	default:
		return Config{}, fmt.Errorf("unknown PROJECTION_STRATEGY %q", cfg.Strategy)
	}

	// Volatile state must be rebuilt from the start of the log; durable
	// strategies resume from their checkpoints.
	cfg.StartPolicy = projection.ResumeFromCommitted
	if cfg.Strategy == StrategyMemory {
		cfg.StartPolicy = projection.FullReplay
	}
	if raw := strings.TrimSpace(cfg.StartPolicyRaw); raw != "" {
		p, err := projection.ParseStartPolicy(raw)
		if err != nil {
			return Config{}, fmt.Errorf("START_POLICY: %w", err)
		}
		cfg.StartPolicy = p
	}
	if cfg.Strategy == StrategyMemory && cfg.StartPolicy == projection.ResumeFromCommitted {
		return Config{}, errors.New("memory strategy requires START_POLICY=full-replay")
	}

	gate, err := projection.ParseGate(strings.TrimSpace(cfg.LookupGateRaw))
	if err != nil {
		return Config{}, fmt.Errorf("LOOKUP_GATE: %w", err)
	}
	cfg.LookupGate = gate

	if cfg.PollTimeout <= 0 {
		return Config{}, errors.New("POLL_TIMEOUT must be positive")
	}
	if cfg.SupervisorMaxAttempts < 1 {
		return Config{}, errors.New("SUPERVISOR_MAX_ATTEMPTS must be at least 1")
	}

	keys, err := parseAPIKeys(cfg.APIKeysRaw)
	if err != nil {
		return Config{}, err
	}
	cfg.APIKeys = keys

	return cfg, nil
}

func parseAPIKeys(raw string) (map[string]string, error) {
	apiKeys := map[string]string{}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return apiKeys, nil
	}

	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		parts := strings.SplitN(p, ":", 2)
		if len(parts) != 2 {
			return nil, errors.New(`API_KEYS must be "client:key,client:key"`)
		}
		client := strings.TrimSpace(parts[0])
		key := strings.TrimSpace(parts[1])
		if client == "" || key == "" {
			return nil, errors.New(`API_KEYS must be "client:key,client:key"`)
		}
		apiKeys[key] = client
	}
	return apiKeys, nil
}
