package config

import (
	"fmt"
	"slices"
)

// validate performs validation on the resolved configuration.
func validate(cfg *Config) error {
	checks := []func(*Config) error{
		validateDatabase,
		validateRedis,
		validateNATS,
		validateBus,
		validateRegistry,
		validateLogging,
	}
	for _, check := range checks {
		if err := check(cfg); err != nil {
			return err
		}
	}
	return nil
}

func validateDatabase(cfg *Config) error {
	db := cfg.Database
	if db.Host == "" {
		return NewValidationError("database", "host", ErrMissingRequiredField)
	}
	if db.Port <= 0 || db.Port > 65535 {
		return NewValidationError("database", "port",
			fmt.Errorf("%w: %d", ErrInvalidValue, db.Port))
	}
	if db.User == "" {
		return NewValidationError("database", "user", ErrMissingRequiredField)
	}
	if db.Database == "" {
		return NewValidationError("database", "database", ErrMissingRequiredField)
	}
	if db.MaxConns < db.MinConns {
		return NewValidationError("database", "max_conns",
			fmt.Errorf("%w: max_conns %d below min_conns %d",
				ErrInvalidValue, db.MaxConns, db.MinConns))
	}
	return nil
}

func validateRedis(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		return NewValidationError("redis", "addr", ErrMissingRequiredField)
	}
	return nil
}

func validateNATS(cfg *Config) error {
	if cfg.NATS.URL == "" {
		return NewValidationError("nats", "url", ErrMissingRequiredField)
	}
	return nil
}

func validateBus(cfg *Config) error {
	if cfg.Bus.Stream == "" {
		return NewValidationError("bus", "stream", ErrMissingRequiredField)
	}
	if cfg.Bus.Group == "" {
		return NewValidationError("bus", "group", ErrMissingRequiredField)
	}
	if cfg.Bus.ProcessIndex < 0 {
		return NewValidationError("bus", "process_index",
			fmt.Errorf("%w: %d", ErrInvalidValue, cfg.Bus.ProcessIndex))
	}
	return nil
}

func validateRegistry(cfg *Config) error {
	r := cfg.Registry
	if r.PriorityMin > r.PriorityMax {
		return NewValidationError("registry", "priority_min",
			fmt.Errorf("%w: priority_min %d above priority_max %d",
				ErrInvalidValue, r.PriorityMin, r.PriorityMax))
	}
	if r.DefaultMaxWait <= 0 {
		return NewValidationError("registry", "default_max_wait",
			fmt.Errorf("%w: %s", ErrInvalidValue, r.DefaultMaxWait))
	}
	if r.AgentLostTimeout <= 0 {
		return NewValidationError("registry", "agent_lost_timeout",
			fmt.Errorf("%w: %s", ErrInvalidValue, r.AgentLostTimeout))
	}
	return nil
}

func validateLogging(cfg *Config) error {
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.Logging.Level) {
		return NewValidationError("logging", "level",
			fmt.Errorf("%w: %q", ErrInvalidValue, cfg.Logging.Level))
	}
	if !slices.Contains([]string{"text", "json"}, cfg.Logging.Format) {
		return NewValidationError("logging", "format",
			fmt.Errorf("%w: %q", ErrInvalidValue, cfg.Logging.Format))
	}
	return nil
}
