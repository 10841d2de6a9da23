package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
[server]
domain = "Mail.Example.com"

[webhook]
secret = "s"

[auth]
jwt_secret = "j"
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", cfg.Server.Domain)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "X-Webhook-Signature", cfg.Webhook.SignatureHeader)
	assert.Equal(t, 7*24*time.Hour, cfg.Threading.SubjectWindow)
	assert.Equal(t, 200, cfg.Threading.PreviewLength)
	assert.Equal(t, 30*time.Second, cfg.Stream.HeartbeatInterval)
	assert.Equal(t, "./data/blobs", cfg.Storage.BlobDir)
	assert.Equal(t, "http://localhost:3000", cfg.Server.PublicBaseURL)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 8080
domain = "innbox.test"
public_base_url = "https://innbox.test/"

[webhook]
secret = "file-secret"

[auth]
jwt_secret = "j"

[threading]
subject_window = "72h"

[stream]
heartbeat_interval = "5s"
`)
	t.Setenv("INNBOX_WEBHOOK_SECRET", "env-secret")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://innbox.test", cfg.Server.PublicBaseURL)
	assert.Equal(t, "env-secret", cfg.Webhook.Secret)
	assert.Equal(t, 72*time.Hour, cfg.Threading.SubjectWindow)
	assert.Equal(t, 5*time.Second, cfg.Stream.HeartbeatInterval)
}

func TestLoadConfigMissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("INNBOX_WEBHOOK_SECRET", "w")
	t.Setenv("INNBOX_JWT_SECRET", "j")

	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.toml"))
	require.ErrorContains(t, err, "server.domain")
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Server.Domain = "innbox.test"
	cfg.Auth.JWTSecret = "j"
	require.ErrorContains(t, cfg.Validate(), "webhook.secret")

	cfg.Webhook.Secret = "w"
	require.NoError(t, cfg.Validate())

	cfg.Threading.SubjectWindow = 0
	require.Error(t, cfg.Validate())
}

func TestLoadConfigBadTOML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "[server\nport = "))
	require.Error(t, err)
}
