package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// ConfigFileName is the single configuration file the manager reads.
const ConfigFileName = "peregrine.yaml"

// PeregrineYAMLConfig mirrors the peregrine.yaml file structure. Durations
// are strings in YAML and parsed during resolution.
type PeregrineYAMLConfig struct {
	Database    *DatabaseConfig        `yaml:"database"`
	Redis       *RedisConfig           `yaml:"redis"`
	NATS        *NATSConfig            `yaml:"nats"`
	Bus         *BusYAMLConfig         `yaml:"bus"`
	Scheduler   *SchedulerYAMLConfig   `yaml:"scheduler"`
	Registry    *RegistryYAMLConfig    `yaml:"registry"`
	HTTP        *HTTPConfig            `yaml:"http"`
	Logging     *LoggingConfig         `yaml:"logging"`
	Maintenance *MaintenanceYAMLConfig `yaml:"maintenance"`
}

// BusYAMLConfig holds event stream settings from YAML.
type BusYAMLConfig struct {
	Stream            string `yaml:"stream,omitempty"`
	Group             string `yaml:"group,omitempty"`
	ProcessIndex      int    `yaml:"process_index,omitempty"`
	AutoclaimIdle     string `yaml:"autoclaim_idle,omitempty"`
	AutoclaimInterval string `yaml:"autoclaim_interval,omitempty"`
}

// SchedulerYAMLConfig holds dispatcher settings from YAML.
type SchedulerYAMLConfig struct {
	TickInterval     string `yaml:"tick_interval,omitempty"`
	TickJitter       string `yaml:"tick_jitter,omitempty"`
	MaxRetriesToSkip int    `yaml:"max_retries_to_skip,omitempty"`
}

// RegistryYAMLConfig holds session-creation settings from YAML.
type RegistryYAMLConfig struct {
	DefaultSharedMemory string `yaml:"default_shared_memory,omitempty"`
	PriorityMin         *int   `yaml:"priority_min,omitempty"`
	PriorityMax         *int   `yaml:"priority_max,omitempty"`
	DefaultMaxWait      string `yaml:"default_max_wait,omitempty"`
	AgentLostTimeout    string `yaml:"agent_lost_timeout,omitempty"`
}

// MaintenanceYAMLConfig holds periodic job settings from YAML.
type MaintenanceYAMLConfig struct {
	LivenessSweepInterval string `yaml:"liveness_sweep_interval,omitempty"`
	WaiterSweepInterval   string `yaml:"waiter_sweep_interval,omitempty"`
	MetricsInterval       string `yaml:"metrics_interval,omitempty"`
	RecalcSchedule        string `yaml:"recalc_schedule,omitempty"`
}

// Initialize loads, resolves, and validates the configuration.
//
// Steps performed:
//  1. Read peregrine.yaml from configDir
//  2. Expand environment variables ({{.VAR}} syntax)
//  3. Parse YAML into section structs
//  4. Merge user values over built-in defaults
//  5. Validate the resolved configuration
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized successfully",
		"database", fmt.Sprintf("%s:%d/%s", cfg.Database.Host, cfg.Database.Port, cfg.Database.Database),
		"redis", cfg.Redis.Addr,
		"nats", cfg.NATS.URL,
		"listen_addr", cfg.HTTP.ListenAddr)
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	var raw PeregrineYAMLConfig
	if err := loader.loadYAML(ConfigFileName, &raw); err != nil {
		return nil, NewLoadError(ConfigFileName, err)
	}

	database := DefaultDatabaseConfig()
	if raw.Database != nil {
		if err := mergo.Merge(database, raw.Database, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge database config: %w", err)
		}
	}
	redisCfg := DefaultRedisConfig()
	if raw.Redis != nil {
		if err := mergo.Merge(redisCfg, raw.Redis, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge redis config: %w", err)
		}
	}
	natsCfg := DefaultNATSConfig()
	if raw.NATS != nil {
		if err := mergo.Merge(natsCfg, raw.NATS, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge nats config: %w", err)
		}
	}
	httpCfg := DefaultHTTPConfig()
	if raw.HTTP != nil {
		if err := mergo.Merge(httpCfg, raw.HTTP, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge http config: %w", err)
		}
	}
	loggingCfg := DefaultLoggingConfig()
	if raw.Logging != nil {
		if err := mergo.Merge(loggingCfg, raw.Logging, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge logging config: %w", err)
		}
	}

	return &Config{
		configDir:   configDir,
		Database:    database,
		Redis:       redisCfg,
		NATS:        natsCfg,
		Bus:         resolveBusConfig(raw.Bus),
		Scheduler:   resolveSchedulerConfig(raw.Scheduler),
		Registry:    resolveRegistryConfig(raw.Registry),
		HTTP:        httpCfg,
		Logging:     loggingCfg,
		Maintenance: resolveMaintenanceConfig(raw.Maintenance),
	}, nil
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// ExpandEnv passes the original data through on parse errors so the YAML
	// parser produces the clearer error message.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// resolveDuration parses a duration string, falling back to def with a
// warning on malformed values.
func resolveDuration(value string, def time.Duration, field string) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		slog.Warn("Invalid duration in config, using default",
			"field", field, "value", value, "default", def, "error", err)
		return def
	}
	return d
}

func resolveBusConfig(raw *BusYAMLConfig) *BusConfig {
	cfg := DefaultBusConfig()
	if raw == nil {
		return cfg
	}
	if raw.Stream != "" {
		cfg.Stream = raw.Stream
	}
	if raw.Group != "" {
		cfg.Group = raw.Group
	}
	cfg.ProcessIndex = raw.ProcessIndex
	cfg.AutoclaimIdle = resolveDuration(raw.AutoclaimIdle, cfg.AutoclaimIdle, "bus.autoclaim_idle")
	cfg.AutoclaimInterval = resolveDuration(raw.AutoclaimInterval, cfg.AutoclaimInterval, "bus.autoclaim_interval")
	return cfg
}

func resolveSchedulerConfig(raw *SchedulerYAMLConfig) *SchedulerConfig {
	cfg := DefaultSchedulerConfig()
	if raw == nil {
		return cfg
	}
	cfg.TickInterval = resolveDuration(raw.TickInterval, cfg.TickInterval, "scheduler.tick_interval")
	cfg.TickJitter = resolveDuration(raw.TickJitter, cfg.TickJitter, "scheduler.tick_jitter")
	if raw.MaxRetriesToSkip > 0 {
		cfg.MaxRetriesToSkip = raw.MaxRetriesToSkip
	}
	return cfg
}

func resolveRegistryConfig(raw *RegistryYAMLConfig) *RegistryConfig {
	cfg := DefaultRegistryConfig()
	if raw == nil {
		return cfg
	}
	if raw.DefaultSharedMemory != "" {
		cfg.DefaultSharedMemory = raw.DefaultSharedMemory
	}
	if raw.PriorityMin != nil {
		cfg.PriorityMin = *raw.PriorityMin
	}
	if raw.PriorityMax != nil {
		cfg.PriorityMax = *raw.PriorityMax
	}
	cfg.DefaultMaxWait = resolveDuration(raw.DefaultMaxWait, cfg.DefaultMaxWait, "registry.default_max_wait")
	cfg.AgentLostTimeout = resolveDuration(raw.AgentLostTimeout, cfg.AgentLostTimeout, "registry.agent_lost_timeout")
	return cfg
}

func resolveMaintenanceConfig(raw *MaintenanceYAMLConfig) *MaintenanceConfig {
	cfg := DefaultMaintenanceConfig()
	if raw == nil {
		return cfg
	}
	cfg.LivenessSweepInterval = resolveDuration(raw.LivenessSweepInterval, cfg.LivenessSweepInterval, "maintenance.liveness_sweep_interval")
	cfg.WaiterSweepInterval = resolveDuration(raw.WaiterSweepInterval, cfg.WaiterSweepInterval, "maintenance.waiter_sweep_interval")
	cfg.MetricsInterval = resolveDuration(raw.MetricsInterval, cfg.MetricsInterval, "maintenance.metrics_interval")
	if raw.RecalcSchedule != "" {
		cfg.RecalcSchedule = raw.RecalcSchedule
	}
	return cfg
}
