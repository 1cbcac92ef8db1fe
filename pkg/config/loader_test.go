package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "configs", cfg.Protocols.Dir)
	assert.Equal(t, "kaflow", cfg.Checkpoint.MongoDatabase)
	assert.Equal(t, "checkpoints", cfg.Checkpoint.MongoCollection)
	assert.Equal(t, "admin", cfg.Checkpoint.MongoAuthSource)
	assert.Equal(t, 5*time.Second, cfg.Checkpoint.ConnectTimeout)
	assert.NotEmpty(t, cfg.Completion.Indicators)
	assert.NotEmpty(t, cfg.Completion.FalsePositives)
}

func TestLoad_YAML(t *testing.T) {
	doc := `
server:
  host: 0.0.0.0
  port: 9000
  shutdown_timeout: 30s
logging:
  level: debug
  format: simple
protocols:
  dir: ./flows
checkpoint:
  mongo_uri: mongodb://localhost:27017
  mongo_database: testdb
`
	cfg, err := Load([]byte(doc))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "./flows", cfg.Protocols.Dir)
	assert.Equal(t, "mongodb://localhost:27017", cfg.Checkpoint.MongoURI)
	assert.Equal(t, "testdb", cfg.Checkpoint.MongoDatabase)
}

func TestLoad_JSONFallback(t *testing.T) {
	cfg, err := Load([]byte(`{"server": {"port": 8123}}`))
	require.NoError(t, err)
	assert.Equal(t, 8123, cfg.Server.Port)
}

func TestLoad_InvalidPort(t *testing.T) {
	_, err := Load([]byte("server:\n  port: -5\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation failed")
}

func TestExpandEnvString(t *testing.T) {
	t.Setenv("KAFLOW_TEST_SET", "present")

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"braced set", "${KAFLOW_TEST_SET}", "present"},
		{"braced unset", "${KAFLOW_TEST_UNSET}", ""},
		{"default used", "${KAFLOW_TEST_UNSET:fallback}", "fallback"},
		{"default ignored when set", "${KAFLOW_TEST_SET:fallback}", "present"},
		{"shell style default", "${KAFLOW_TEST_UNSET:-fallback}", "fallback"},
		{"bare dollar", "$KAFLOW_TEST_SET", "present"},
		{"embedded", "prefix-${KAFLOW_TEST_SET}-suffix", "prefix-present-suffix"},
		{"no reference", "plain text", "plain text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExpandEnvString(tt.in))
		})
	}
}

func TestExpandEnvVars_Recursive(t *testing.T) {
	t.Setenv("KAFLOW_TEST_KEY", "secret")

	input := map[string]any{
		"top": "${KAFLOW_TEST_KEY}",
		"nested": map[string]any{
			"inner": "${KAFLOW_TEST_KEY}",
		},
		"list":   []any{"${KAFLOW_TEST_KEY}", 42},
		"number": 7,
	}

	out := ExpandEnvVars(input)
	assert.Equal(t, "secret", out["top"])
	assert.Equal(t, "secret", out["nested"].(map[string]any)["inner"])
	assert.Equal(t, "secret", out["list"].([]any)[0])
	assert.Equal(t, 42, out["list"].([]any)[1])
	assert.Equal(t, 7, out["number"])
}

func TestDecode_DurationHook(t *testing.T) {
	var cfg ServerConfig
	err := Decode(map[string]any{"shutdown_timeout": "45s"}, &cfg)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.ShutdownTimeout)
}
