package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnvSubstitutes(t *testing.T) {
	t.Setenv("EXPAND_TEST_HOST", "redis.internal")
	out := ExpandEnv([]byte("addr: {{.EXPAND_TEST_HOST}}:6379"))
	assert.Equal(t, "addr: redis.internal:6379", string(out))
}

func TestExpandEnvMissingVarBecomesEmpty(t *testing.T) {
	out := ExpandEnv([]byte("password: '{{.EXPAND_TEST_ABSENT}}'"))
	assert.Equal(t, "password: ''", string(out))
}

func TestExpandEnvLeavesDollarSignsAlone(t *testing.T) {
	in := []byte("startup_command: echo $HOME ${ARRAY[0]}")
	assert.Equal(t, in, ExpandEnv(in))
}

func TestExpandEnvMalformedTemplatePassesThrough(t *testing.T) {
	in := []byte("value: {{.unterminated")
	assert.Equal(t, in, ExpandEnv(in))
}
