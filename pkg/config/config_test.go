package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crmsync/crmsync/pkg/constants"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crmsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
graphql_url: https://api.example.test/query
socket_url: wss://realtime.example.test/socket/websocket
api_key: secret
request_timeout: 5s
cache_ttl: 1m
log_level: debug
mqtt:
  broker: tcp://localhost:1883
  prefix: crm/events
`)

	s, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test/query", s.GraphQLURL)
	assert.Equal(t, "wss://realtime.example.test/socket/websocket", s.SocketURL)
	assert.Equal(t, "secret", s.APIKey)
	assert.Equal(t, 5*time.Second, s.RequestTimeout)
	assert.Equal(t, time.Minute, s.CacheTTL)
	assert.Equal(t, constants.TimelinePageSize, s.TimelinePageSize)
	assert.Equal(t, "tcp://localhost:1883", s.MQTT.Broker)
	assert.Equal(t, "crm/events", s.MQTT.Prefix)
	assert.Equal(t, "crmsync", s.MQTT.ClientID)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "graphql_url: https://file.example.test/query\n")
	t.Setenv("CRMSYNC_GRAPHQL_URL", "https://env.example.test/query")
	t.Setenv("CRMSYNC_TIMELINE_PAGE_SIZE", "25")
	t.Setenv("CRMSYNC_MQTT_BROKER", "tcp://broker:1883")

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://env.example.test/query", s.GraphQLURL)
	assert.Equal(t, 25, s.TimelinePageSize)
	assert.Equal(t, "tcp://broker:1883", s.MQTT.Broker)
}

func TestDemoNeedsNoEndpoint(t *testing.T) {
	v := NewViper()
	v.Set("demo", true)

	s, err := FromViper(v)
	require.NoError(t, err)
	assert.True(t, s.Demo)
}

func TestValidate(t *testing.T) {
	v := NewViper()
	v.Set("socket_url", "not a url")
	v.Set("timeline_page_size", 0)
	v.Set("log_level", "loud")

	_, err := FromViper(v)
	require.Error(t, err)
	for _, want := range []string{"graphql_url is required", "socket_url", "timeline_page_size", "log_level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidateSchemes(t *testing.T) {
	v := NewViper()
	v.Set("graphql_url", "ws://api.example.test/query")
	v.Set("socket_url", "https://realtime.example.test/socket")

	_, err := FromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "graphql_url scheme must be one of http, https")
	assert.Contains(t, err.Error(), "socket_url scheme must be one of ws, wss")
}
