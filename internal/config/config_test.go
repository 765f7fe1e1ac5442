package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadRequiresSigningSecret(t *testing.T) {
	_, err := Load(NewViper())
	require.ErrorContains(t, err, "auth.signing_secret")
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("LEADSYNC_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("LEADSYNC_CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	require.Equal(t, "secret", cfg.SigningSecret)
	require.Equal(t, 24*time.Hour, cfg.TokenTTL)
	require.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestLoadClientDefaults(t *testing.T) {
	t.Setenv("LEADSYNC_API_TOKEN", "token")

	cfg, err := LoadClient(NewViper())
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080", cfg.APIBaseURL)
	require.Equal(t, []string{"timeline", "messages"}, cfg.Sources)
	require.True(t, cfg.PollingEnabled)
	require.Equal(t, 5*time.Second, cfg.MinInterval)
	require.Equal(t, 7*time.Second, cfg.PollPeriod)
	require.Equal(t, 3*time.Second, cfg.StatusWindow)
	require.Equal(t, []string{"owner_id", "stage"}, cfg.ImmediateFields)
	require.Equal(t, []string{"id", "version", "created_at", "updated_at"}, cfg.SystemFields)
}

func TestLoadClientReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leadsync.yaml")
	content := "api:\n  base_url: https://crm.example.com/\n  token: abc\nsync:\n  polling_enabled: false\n  poll_period: 30s\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	configViper := NewViper()
	configViper.SetConfigFile(path)
	require.NoError(t, configViper.ReadInConfig())

	cfg, err := LoadClient(configViper)
	require.NoError(t, err)
	require.Equal(t, "https://crm.example.com", cfg.APIBaseURL)
	require.False(t, cfg.PollingEnabled)
	require.Equal(t, 30*time.Second, cfg.PollPeriod)
}

func TestLoadClientRejectsRelativeBaseURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("api.base_url", "crm.local")
	configViper.Set("api.token", "abc")

	_, err := LoadClient(configViper)
	require.ErrorContains(t, err, "api.base_url")
}

func TestReadConfigFileRejectsMissingExplicitPath(t *testing.T) {
	err := ReadConfigFile(NewViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "missing.yaml")
}

func TestReadConfigFileToleratesAbsentDefaultFile(t *testing.T) {
	require.NoError(t, ReadConfigFile(NewViper(), ""))
}
