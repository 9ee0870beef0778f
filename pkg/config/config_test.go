package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) func(string) (string, bool) {
	return func(name string) (string, bool) {
		v, ok := env[name]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(envLookup(map[string]string{
		"DATABASE_URL":   "postgres://localhost/nodebase",
		"ENCRYPTION_KEY": "secret",
	}))

	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, StepStoreMemory, cfg.StepStore)
	assert.Equal(t, 3, cfg.StepMaxAttempts)
	assert.Equal(t, "nodebase:", cfg.RealtimePrefix)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	_, err := load(envLookup(map[string]string{"ENCRYPTION_KEY": "secret"}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoad_RedisStoreNeedsURL(t *testing.T) {
	_, err := load(envLookup(map[string]string{
		"DATABASE_URL":   "postgres://localhost/nodebase",
		"ENCRYPTION_KEY": "secret",
		"STEP_STORE":     "Redis",
	}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "REDIS_URL")
}

func TestLoad_InvalidAttempts(t *testing.T) {
	_, err := load(envLookup(map[string]string{
		"DATABASE_URL":      "postgres://localhost/nodebase",
		"ENCRYPTION_KEY":    "secret",
		"STEP_MAX_ATTEMPTS": "many",
	}))

	require.Error(t, err)
}

func TestLoad_UnknownStepStore(t *testing.T) {
	_, err := load(envLookup(map[string]string{
		"DATABASE_URL":   "postgres://localhost/nodebase",
		"ENCRYPTION_KEY": "secret",
		"STEP_STORE":     "etcd",
	}))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "etcd")
}
