package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsDevelopment(t *testing.T) {
	cfg := &Config{Environment: "development"}
	assert.True(t, cfg.IsDevelopment())

	cfg = &Config{Environment: "production"}
	assert.False(t, cfg.IsDevelopment())

	cfg = &Config{Environment: "staging"}
	assert.False(t, cfg.IsDevelopment())
}

func TestIsProduction(t *testing.T) {
	cfg := &Config{Environment: "production"}
	assert.True(t, cfg.IsProduction())

	cfg = &Config{Environment: "development"}
	assert.False(t, cfg.IsProduction())
}

func TestLoadWithOptions(t *testing.T) {
	os.Setenv("SERVER_PORT", "9000")
	os.Setenv("SERVER_HOST", "127.0.0.1")
	os.Setenv("DB_HOST", "testhost")
	os.Setenv("DB_PORT", "5432")
	os.Setenv("DB_USER", "testuser")
	os.Setenv("DB_PASSWORD", "testpass")
	os.Setenv("DB_NAME", "test_system")
	os.Setenv("DB_SCHEMA_PREFIX", "tenant_test")
	os.Setenv("ENVIRONMENT", "development")
	os.Setenv("SECRET_KEY", "test-key")
	os.Setenv("STREAM_ADDR", "localhost:6380")

	defer func() {
		for _, key := range []string{
			"SERVER_PORT", "SERVER_HOST", "DB_HOST", "DB_PORT", "DB_USER",
			"DB_PASSWORD", "DB_NAME", "DB_SCHEMA_PREFIX", "ENVIRONMENT",
			"SECRET_KEY", "STREAM_ADDR",
		} {
			os.Unsetenv(key)
		}
	}()

	cfg, err := LoadWithOptions(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "testhost", cfg.Database.Host)
	assert.Equal(t, "testuser", cfg.Database.User)
	assert.Equal(t, "tenant_test", cfg.Database.SchemaPrefix)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "test-key", cfg.Security.SecretKey)
	assert.Equal(t, "localhost:6380", cfg.Stream.Addr)
	assert.True(t, cfg.Dispatcher.MaxConcurrentDeliveries > 0)
}

func TestLoadWithOptions_MissingSecretKey(t *testing.T) {
	os.Unsetenv("SECRET_KEY")

	_, err := LoadWithOptions(LoadOptions{})
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("SECRET_KEY", "test-key")
	defer os.Unsetenv("SECRET_KEY")

	cfg, err := LoadWithOptions(LoadOptions{})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Stream.Partitions)
	assert.Equal(t, 10, cfg.Dispatcher.DefaultMaxAttempts)
	assert.Equal(t, "prometheus", cfg.Tracing.MetricsExporter)
}
