package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := LoadWithEnvFile("", "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, DriverSQLite, cfg.Database.Driver)
	assert.Equal(t, "data/approvals.db", cfg.Database.Path)
	assert.Equal(t, []string{ChannelLog}, cfg.Notification.Channels)
	assert.Equal(t, 5*time.Minute, cfg.Identity.CacheTTL)
	assert.Equal(t, 50, cfg.Workflow.HistoryPageSize)
	assert.False(t, cfg.Tracing.Enabled)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  port: 9090
  read_timeout: 5s
database:
  driver: memory
notification:
  channels: [log, redis]
  max_attempts: 3
redis:
  addr: cache:6379
`)
	t.Setenv("APPROVALS_SERVER_PORT", "9191")
	t.Setenv("REDIS_PASSWORD", "s3cret")

	cfg, err := LoadWithEnvFile(path, "")
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port, "environment beats the file")
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, DriverMemory, cfg.Database.Driver)
	assert.True(t, cfg.HasChannel(ChannelRedis))
	assert.False(t, cfg.HasChannel(ChannelNATS))
	assert.Equal(t, 3, cfg.Notification.MaxAttempts)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, "s3cret", cfg.Redis.Password)
}

func TestLoad_EnvFile(t *testing.T) {
	const key = "APPROVALS_LOGGER_LEVEL"
	t.Setenv(key, "")
	require.NoError(t, os.Unsetenv(key))
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	envFile := writeFile(t, ".env", key+"=debug\n")

	cfg, err := LoadWithEnvFile("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logger.Level)

	_, err = LoadWithEnvFile("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err, "a missing env file is not an error")
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := LoadWithEnvFile(filepath.Join(t.TempDir(), "nope.yaml"), "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := LoadWithEnvFile("", "")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"unknown driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"memory without path", func(c *Config) { c.Database.Driver = DriverMemory; c.Database.Path = "" }, ""},
		{"no directory", func(c *Config) { c.Identity.DirectoryFile = "" }, "identity.directory_file"},
		{"unknown channel", func(c *Config) { c.Notification.Channels = []string{"sms"} }, "unknown notification channel"},
		{"duplicate channel", func(c *Config) { c.Notification.Channels = []string{"log", "log"} }, "listed twice"},
		{"lark without credentials", func(c *Config) { c.Notification.Channels = []string{ChannelLark} }, "lark.app_id"},
		{"lark without receiver", func(c *Config) {
			c.Notification.Channels = []string{ChannelLark}
			c.Lark.AppID, c.Lark.AppSecret = "cli_x", "secret"
		}, "lark.receive_id"},
		{"nats without url", func(c *Config) {
			c.Notification.Channels = []string{ChannelNATS}
			c.NATS.URL = ""
		}, "nats.url"},
		{"zero attempts", func(c *Config) { c.Notification.MaxAttempts = 0 }, "max_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
