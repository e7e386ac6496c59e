// Package config loads and validates the manager configuration from
// peregrine.yaml. Values support {{.VAR}} environment expansion; every
// section has built-in defaults so a minimal file only names credentials.
package config

import "time"

// Config is the resolved configuration returned by Initialize.
type Config struct {
	configDir string

	Database    *DatabaseConfig
	Redis       *RedisConfig
	NATS        *NATSConfig
	Bus         *BusConfig
	Scheduler   *SchedulerConfig
	Registry    *RegistryConfig
	HTTP        *HTTPConfig
	Logging     *LoggingConfig
	Maintenance *MaintenanceConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// RedisConfig holds the Redis connection settings shared by the event
// stream, the scheduler mutexes, and the concurrency counters.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// NATSConfig holds the agent RPC transport settings.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// BusConfig holds the event stream settings. ProcessIndex distinguishes
// multiple worker processes on one host.
type BusConfig struct {
	Stream            string        `yaml:"stream"`
	Group             string        `yaml:"group"`
	ProcessIndex      int           `yaml:"process_index"`
	AutoclaimIdle     time.Duration `yaml:"-"`
	AutoclaimInterval time.Duration `yaml:"-"`
}

// SchedulerConfig holds the dispatcher knobs.
type SchedulerConfig struct {
	TickInterval     time.Duration `yaml:"-"`
	TickJitter       time.Duration `yaml:"-"`
	MaxRetriesToSkip int           `yaml:"max_retries_to_skip"`
}

// RegistryConfig holds session-creation policy knobs.
type RegistryConfig struct {
	DefaultSharedMemory string        `yaml:"default_shared_memory"`
	PriorityMin         int           `yaml:"priority_min"`
	PriorityMax         int           `yaml:"priority_max"`
	DefaultMaxWait      time.Duration `yaml:"-"`
	AgentLostTimeout    time.Duration `yaml:"-"`
}

// HTTPConfig holds the ops API server settings.
type HTTPConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// Mode selects the gin runtime mode: debug or release.
	Mode string `yaml:"mode"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is one of text, json.
	Format string `yaml:"format"`
}

// MaintenanceConfig holds the periodic job settings.
type MaintenanceConfig struct {
	LivenessSweepInterval time.Duration `yaml:"-"`
	WaiterSweepInterval   time.Duration `yaml:"-"`
	MetricsInterval       time.Duration `yaml:"-"`
	// RecalcSchedule is a cron spec for the hourly resource-usage recalculation.
	RecalcSchedule string `yaml:"recalc_schedule"`
}
