package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Database:    DefaultDatabaseConfig(),
		Redis:       DefaultRedisConfig(),
		NATS:        DefaultNATSConfig(),
		Bus:         DefaultBusConfig(),
		Scheduler:   DefaultSchedulerConfig(),
		Registry:    DefaultRegistryConfig(),
		HTTP:        DefaultHTTPConfig(),
		Logging:     DefaultLoggingConfig(),
		Maintenance: DefaultMaintenanceConfig(),
	}
}

func TestValidateDefaultsPass(t *testing.T) {
	assert.NoError(t, validate(validConfig()))
}

func TestValidateDatabase(t *testing.T) {
	cfg := validConfig()
	cfg.Database.Host = ""
	err := validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingRequiredField))

	cfg = validConfig()
	cfg.Database.Port = 70000
	require.Error(t, validate(cfg))

	cfg = validConfig()
	cfg.Database.MaxConns = 1
	cfg.Database.MinConns = 4
	require.Error(t, validate(cfg))
}

func TestValidateBus(t *testing.T) {
	cfg := validConfig()
	cfg.Bus.Group = ""
	require.Error(t, validate(cfg))

	cfg = validConfig()
	cfg.Bus.ProcessIndex = -1
	require.Error(t, validate(cfg))
}

func TestValidateLogging(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "verbose"
	err := validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidValue))

	cfg = validConfig()
	cfg.Logging.Format = "logfmt"
	require.Error(t, validate(cfg))
}
