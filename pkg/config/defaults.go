package config

import "time"

// DefaultDatabaseConfig returns database settings for a local deployment.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "peregrine",
		Database: "peregrine",
		SSLMode:  "disable",
		MaxConns: 16,
		MinConns: 2,
	}
}

// DefaultRedisConfig returns Redis settings for a local deployment.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Addr: "localhost:6379",
	}
}

// DefaultNATSConfig returns NATS settings for a local deployment.
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL: "nats://localhost:4222",
	}
}

// DefaultBusConfig returns the event stream defaults.
func DefaultBusConfig() *BusConfig {
	return &BusConfig{
		Stream:            "events",
		Group:             "manager",
		AutoclaimIdle:     30 * time.Second,
		AutoclaimInterval: 10 * time.Second,
	}
}

// DefaultSchedulerConfig returns the dispatcher defaults.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval:     10 * time.Second,
		TickJitter:       2 * time.Second,
		MaxRetriesToSkip: 0,
	}
}

// DefaultRegistryConfig returns the session-creation defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		DefaultSharedMemory: "64m",
		PriorityMin:         0,
		PriorityMax:         100,
		DefaultMaxWait:      30 * time.Second,
		AgentLostTimeout:    time.Minute,
	}
}

// DefaultHTTPConfig returns the ops API defaults.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		ListenAddr: ":8080",
		Mode:       "release",
	}
}

// DefaultLoggingConfig returns the logging defaults.
func DefaultLoggingConfig() *LoggingConfig {
	return &LoggingConfig{
		Level:  "info",
		Format: "text",
	}
}

// DefaultMaintenanceConfig returns the periodic job defaults.
func DefaultMaintenanceConfig() *MaintenanceConfig {
	return &MaintenanceConfig{
		LivenessSweepInterval: 30 * time.Second,
		WaiterSweepInterval:   time.Minute,
		MetricsInterval:       15 * time.Second,
		RecalcSchedule:        "13 * * * *",
	}
}
