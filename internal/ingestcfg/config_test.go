package ingestcfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ingest.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}"))
	require.NoError(t, err)

	assert.Equal(t, ":7600", cfg.Server.Listen)
	assert.Equal(t, "ingest", cfg.Redis.ConsumerGroup)
	assert.Equal(t, 100, cfg.Redis.ReadCount)
	assert.Equal(t, 5000, cfg.Redis.BlockMs)
	assert.Equal(t, "TRANSPORT_EVENTS", cfg.NATS.Stream)
	assert.Equal(t, SigningModeID, cfg.Ingest.SigningMode)
	assert.Equal(t, []string{"typing-start"}, cfg.Ingest.EphemeralTypes)
	assert.Equal(t, 3, cfg.Ingest.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Ingest.RetryBackoff())
	assert.Equal(t, time.Duration(0), cfg.Ingest.RegistryCacheTTL())
}

func TestLoad_DLQDerivedFromStream(t *testing.T) {
	cfg, err := Load(writeConfig(t, "redis:\n  enabled: true\n  stream: transport-events\n"))
	require.NoError(t, err)
	assert.Equal(t, "transport-events:dlq", cfg.Redis.DLQStream)
}

func TestLoad_EmptyEphemeralListKept(t *testing.T) {
	cfg, err := Load(writeConfig(t, "ingest:\n  ephemeral_types: []\n"))
	require.NoError(t, err)
	assert.Empty(t, cfg.Ingest.EphemeralTypes)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "postgres:\n  enabled: true\n  dsn: postgres://from-file\n")

	t.Setenv("INGEST_PG_DSN", "postgres://from-env")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-env", cfg.Postgres.DSN)

	secret := filepath.Join(t.TempDir(), "dsn")
	require.NoError(t, os.WriteFile(secret, []byte("postgres://from-secret\n"), 0o600))
	t.Setenv("INGEST_PG_DSN_FILE", secret)
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://from-secret", cfg.Postgres.DSN)

	t.Setenv("INGEST_REDIS_PASSWORD", "sekret")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sekret", cfg.Redis.Password)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad signing mode", "ingest:\n  signing_mode: payload\n"},
		{"redis without stream", "redis:\n  enabled: true\n"},
		{"postgres without dsn", "postgres:\n  enabled: true\n"},
		{"malformed yaml", "server: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
