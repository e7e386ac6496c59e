package bus

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConsumerIDFormat(t *testing.T) {
	id := ConsumerID(3)
	// sha1(hostname):sha1(install path):process index
	assert.Regexp(t, regexp.MustCompile(`^[0-9a-f]{40}:[0-9a-f]{40}:3$`), id)

	// Stable across calls for the same process index.
	assert.Equal(t, id, ConsumerID(3))
	assert.NotEqual(t, id, ConsumerID(4))
}

func TestConfigDefaults(t *testing.T) {
	var cfg Config
	cfg.withDefaults()
	assert.Equal(t, "events", cfg.Stream)
	assert.Equal(t, "manager", cfg.Group)
	assert.Positive(t, cfg.AutoclaimIdle)
	assert.Positive(t, cfg.AutoclaimInterval)
}
