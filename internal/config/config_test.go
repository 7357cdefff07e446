package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, time.Second, cfg.Stream.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.Stream.ReconnectMax)
	assert.Equal(t, 5, cfg.Stream.MaxAttempts)
	assert.Equal(t, 3*time.Second, cfg.Poller.Grace)
	assert.Equal(t, 10*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 10*time.Second, cfg.Commands.Timeout)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
server:
  base_url: https://board.example.edu/api
poller:
  interval: 2s
webhooks:
  - url: https://hooks.example.edu/help
    events: [help_request_created]
`))
	require.NoError(t, err)
	assert.Equal(t, "wss://board.example.edu/api/ws/events", cfg.EventsURL())
	assert.Equal(t, 2*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 3*time.Second, cfg.Poller.Grace)
	require.Len(t, cfg.Webhooks, 1)
	assert.Equal(t, []string{"help_request_created"}, cfg.Webhooks[0].Events)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"scheme":   "server:\n  base_url: ftp://x\n",
		"backoff":  "stream:\n  reconnect_base: 10s\n  reconnect_max: 1s\n",
		"timeout":  "commands:\n  timeout: 0s\n",
		"webhook":  "webhooks:\n  - url: ''\n",
		"wsPath":   "server:\n  events_path: ws/events\n",
		"badYAML":  "server: [",
		"interval": "poller:\n  enabled: true\n  interval: 0s\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOptionalWithoutFile(t *testing.T) {
	cfg, err := LoadOptional(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", cfg.Server.BaseURL)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestLoadFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault("http://127.0.0.1:9000")), 0o644))
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9000/ws/events", cfg.EventsURL())
}
