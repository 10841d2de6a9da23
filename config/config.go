package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type ServerConfig struct {
	Port          int    `toml:"port"`
	Domain        string `toml:"domain"`          // Mail domain served, e.g. mail.example.com
	PublicBaseURL string `toml:"public_base_url"` // Prefix for blob URLs
	BodyLimit     int    `toml:"body_limit"`      // Max request body in bytes
}

type WebhookConfig struct {
	Secret          string `toml:"secret"` // Shared with the mail relay
	SignatureHeader string `toml:"signature_header"`
}

type AuthConfig struct {
	JWTSecret string `toml:"jwt_secret"` // For verifying client bearer tokens
}

type StorageConfig struct {
	DataDir string `toml:"data_dir"`
	BlobDir string `toml:"blob_dir"`
}

type ThreadingConfig struct {
	SubjectWindow time.Duration `toml:"subject_window"`
	PreviewLength int           `toml:"preview_length"`
}

type StreamConfig struct {
	HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	BufferSize        int           `toml:"buffer_size"` // Pending frames per connection
}

type RateLimitConfig struct {
	Requests int           `toml:"requests"`
	Window   time.Duration `toml:"window"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Auth      AuthConfig      `toml:"auth"`
	Storage   StorageConfig   `toml:"storage"`
	Threading ThreadingConfig `toml:"threading"`
	Stream    StreamConfig    `toml:"stream"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Log       LogConfig       `toml:"log"`
}

// Default returns a configuration with every default filled in
func Default() *Config {
	var config Config

	config.Server.Port = 3000
	config.Server.BodyLimit = 25 * 1024 * 1024 // attachments arrive inline
	config.Webhook.SignatureHeader = "X-Webhook-Signature"
	config.Storage.DataDir = "./data"
	config.Threading.SubjectWindow = 7 * 24 * time.Hour
	config.Threading.PreviewLength = 200
	config.Stream.HeartbeatInterval = 30 * time.Second
	config.Stream.BufferSize = 32
	config.RateLimit.Requests = 100
	config.RateLimit.Window = time.Minute
	config.Log.Level = "info"

	return &config
}

// LoadConfig reads the TOML file at filepath over the defaults. A missing
// file is not an error; secrets may come from the environment instead.
func LoadConfig(filepath string) (*Config, error) {
	config := Default()

	if _, err := toml.DecodeFile(filepath, config); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath, err)
	}

	config.applyEnv()
	config.fillDerived()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration error: %w", err)
	}

	return config, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("INNBOX_WEBHOOK_SECRET"); v != "" {
		c.Webhook.Secret = v
	}
	if v := os.Getenv("INNBOX_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
}

func (c *Config) fillDerived() {
	c.Server.Domain = strings.ToLower(strings.TrimSpace(c.Server.Domain))
	if c.Storage.BlobDir == "" {
		c.Storage.BlobDir = strings.TrimRight(c.Storage.DataDir, "/") + "/blobs"
	}
	if c.Server.PublicBaseURL == "" {
		c.Server.PublicBaseURL = fmt.Sprintf("http://localhost:%d", c.Server.Port)
	}
	c.Server.PublicBaseURL = strings.TrimRight(c.Server.PublicBaseURL, "/")
}

// Validate checks the settings the service cannot run without
func (c *Config) Validate() error {
	if c.Server.Domain == "" {
		return fmt.Errorf("server.domain is required")
	}
	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook.secret is required (or INNBOX_WEBHOOK_SECRET)")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (or INNBOX_JWT_SECRET)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Threading.SubjectWindow <= 0 {
		return fmt.Errorf("threading.subject_window must be positive")
	}
	if c.Threading.PreviewLength <= 0 {
		return fmt.Errorf("threading.preview_length must be positive")
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("stream.heartbeat_interval must be positive")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("rate_limit requests and window must be positive")
	}
	return nil
}

// GetSecurityHeaders returns headers added to every API response
func (c *Config) GetSecurityHeaders() map[string]string {
	return map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
		"Cache-Control":          "no-store",
	}
}
