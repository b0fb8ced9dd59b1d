package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.Defaults()

	assert.Equal(t, "memory", cfg.Registry.Type)
	assert.Equal(t, "/gwrs/", cfg.Registry.Prefix)
	assert.False(t, cfg.Proxy.TLSLenient, "strict SNI is the default")
	assert.Equal(t, "info", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownRegistryType(t *testing.T) {
	cfg := &Config{}
	cfg.Defaults()
	cfg.Registry.Type = "carrier-pigeon"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestValidateRequiresEtcdEndpoints(t *testing.T) {
	cfg := &Config{}
	cfg.Defaults()
	cfg.Registry.Type = "etcd"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "endpoints")
}

func TestValidateRejectsNonPositiveDrainCeiling(t *testing.T) {
	cfg := &Config{}
	cfg.Defaults()
	cfg.Proxy.DrainCeiling = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drain_ceiling")
}
