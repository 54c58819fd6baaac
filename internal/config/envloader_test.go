package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mapLookup(env map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestMergeFrom_AgentConfig(t *testing.T) {
	cfg := DefaultAgentConfig()
	err := MergeFrom(cfg, mapLookup(map[string]string{
		"WENDY_AGENT_LISTEN":           "0.0.0.0:6000",
		"WENDY_CLOUD_GRPC":             "cloud.example:8443",
		"WENDY_AGENT_REFRESH_INTERVAL": "15m",
		"WENDY_LOG_LEVEL":              "debug",
		"WENDY_AGENT_STATE_DIR":        "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:6000", cfg.ListenAddr)
	assert.Equal(t, "cloud.example:8443", cfg.CloudHost)
	assert.Equal(t, 15*time.Minute, cfg.Refresh.Interval)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, DefaultAgentConfig().StateDir, cfg.StateDir, "empty values are ignored")
}

func TestMergeFrom_SlicesAndBools(t *testing.T) {
	cfg := DefaultDevCloudConfig(t.TempDir())
	err := MergeFrom(cfg, mapLookup(map[string]string{
		"WENDY_DEVCLOUD_HOSTS": " devcloud.local, 10.0.0.5 ,",
		"WENDY_LOG_PRETTY":     "false",
	}))
	require.NoError(t, err)
	assert.Equal(t, []string{"devcloud.local", "10.0.0.5"}, cfg.Hosts)
	assert.False(t, cfg.Logging.Pretty)
}

func TestMergeFrom_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"duration", map[string]string{"WENDY_AGENT_REFRESH_INTERVAL": "soon"}},
		{"bool", map[string]string{"WENDY_LOG_PRETTY": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := MergeFrom(DefaultAgentConfig(), mapLookup(tt.env))
			assert.Error(t, err)
		})
	}
}

func TestMergeFrom_RequiresPointer(t *testing.T) {
	assert.Error(t, MergeFrom(AgentConfig{}, mapLookup(nil)))
	assert.Error(t, MergeFrom((*AgentConfig)(nil), mapLookup(nil)))
}
