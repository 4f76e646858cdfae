package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Database        DatabaseConfig        `yaml:"database"`
	Auth            AuthConfig            `yaml:"auth"`
	Cart            CartConfig            `yaml:"cart"`
	Worker          WorkerConfig          `yaml:"worker"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	SnapshotStorage SnapshotStorageConfig `yaml:"snapshot_storage"`
	Client          ClientConfig          `yaml:"client"`
	Log             LogConfig             `yaml:"log"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins are browser origins accepted on broadcast streams.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig contains database settings.
type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"-"` // env-only, carries credentials
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// CartConfig contains cart business rules.
type CartConfig struct {
	MaxQuantityPerLine    int      `yaml:"max_quantity_per_line"`
	FreeShippingThreshold int64    `yaml:"free_shipping_threshold"`
	ShippingFee           int64    `yaml:"shipping_fee"`
	TTL                   Duration `yaml:"ttl"`
	Currency              string   `yaml:"currency"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	ExpiryInterval       Duration `yaml:"expiry_interval"`
	CompactionInterval   Duration `yaml:"compaction_interval"`
	EventRetention       Duration `yaml:"event_retention"`
	IdempotencyRetention Duration `yaml:"idempotency_retention"`
	BackupInterval       Duration `yaml:"backup_interval"`
	BackupPath           string   `yaml:"backup_path"`
}

// RateLimitConfig bounds mutation submissions per cart.
type RateLimitConfig struct {
	MutationsPerSecond float64 `yaml:"mutations_per_second"`
	Burst              int     `yaml:"burst"`
}

// SnapshotStorageConfig contains S3-compatible backup storage settings.
// An empty Bucket keeps backups local.
type SnapshotStorageConfig struct {
	Endpoint  string   `yaml:"endpoint"`
	Bucket    string   `yaml:"bucket"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
}

// ClientConfig contains settings for the cart client and CLI.
type ClientConfig struct {
	ServerURL      string   `yaml:"server_url"`
	LogPath        string   `yaml:"log_path"`
	ClientID       string   `yaml:"client_id"`
	GraceWindow    Duration `yaml:"grace_window"`
	PingInterval   Duration `yaml:"ping_interval"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
// Returns an immutable Config suitable for concurrent read access.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("CARTSYNC_CONFIG_PATH", "config/cartsync.yaml")

	// Missing file is not an error
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used for testing and explicit path specification.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "data/cartsync.db",
		},
		Cart: CartConfig{
			MaxQuantityPerLine:    5,
			FreeShippingThreshold: 20000,
			ShippingFee:           1890,
			TTL:                   Duration(72 * time.Hour),
			Currency:              "BRL",
		},
		Worker: WorkerConfig{
			ExpiryInterval:       Duration(5 * time.Minute),
			CompactionInterval:   Duration(1 * time.Hour),
			EventRetention:       Duration(7 * 24 * time.Hour),
			IdempotencyRetention: Duration(24 * time.Hour),
			BackupInterval:       Duration(1 * time.Hour),
			BackupPath:           "data/backups/cartsync.db",
		},
		RateLimit: RateLimitConfig{
			MutationsPerSecond: 20,
			Burst:              40,
		},
		SnapshotStorage: SnapshotStorageConfig{
			Region:    "us-east-1",
			UseSSL:    boolPtr(true),
			URLExpiry: Duration(15 * time.Minute),
		},
		Client: ClientConfig{
			ServerURL:      "http://localhost:8080",
			LogPath:        "~/.cartsync/client.db",
			GraceWindow:    Duration(1 * time.Second),
			PingInterval:   Duration(5 * time.Second),
			InitialBackoff: Duration(200 * time.Millisecond),
			MaxBackoff:     Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(key string, dst *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("CARTSYNC_PORT", &cfg.Server.Port)
	envDuration("CARTSYNC_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("CARTSYNC_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("CARTSYNC_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Database
	envString("CARTSYNC_DB_DRIVER", &cfg.Database.Driver)
	envString("CARTSYNC_DB_PATH", &cfg.Database.Path)
	envString("CARTSYNC_DB_DSN", &cfg.Database.DSN)

	// Auth
	envString("CARTSYNC_API_KEY", &cfg.Auth.APIKey)

	// Cart
	envInt("CARTSYNC_MAX_QUANTITY_PER_LINE", &cfg.Cart.MaxQuantityPerLine)
	envInt64("CARTSYNC_FREE_SHIPPING_THRESHOLD", &cfg.Cart.FreeShippingThreshold)
	envInt64("CARTSYNC_SHIPPING_FEE", &cfg.Cart.ShippingFee)
	envDuration("CARTSYNC_CART_TTL", &cfg.Cart.TTL)

	// Worker
	envDuration("CARTSYNC_EXPIRY_INTERVAL", &cfg.Worker.ExpiryInterval)
	envDuration("CARTSYNC_COMPACTION_INTERVAL", &cfg.Worker.CompactionInterval)
	envDuration("CARTSYNC_EVENT_RETENTION", &cfg.Worker.EventRetention)
	envDuration("CARTSYNC_IDEMPOTENCY_RETENTION", &cfg.Worker.IdempotencyRetention)
	envDuration("CARTSYNC_BACKUP_INTERVAL", &cfg.Worker.BackupInterval)
	envString("CARTSYNC_BACKUP_PATH", &cfg.Worker.BackupPath)

	// Rate limit
	if v := os.Getenv("CARTSYNC_MUTATIONS_PER_SECOND"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimit.MutationsPerSecond = f
		}
	}
	envInt("CARTSYNC_RATE_LIMIT_BURST", &cfg.RateLimit.Burst)

	// Snapshot storage
	envString("CARTSYNC_S3_ENDPOINT", &cfg.SnapshotStorage.Endpoint)
	envString("CARTSYNC_SNAPSHOT_BUCKET", &cfg.SnapshotStorage.Bucket)
	envString("CARTSYNC_S3_ACCESS_KEY", &cfg.SnapshotStorage.AccessKey)
	envString("CARTSYNC_S3_SECRET_KEY", &cfg.SnapshotStorage.SecretKey)
	envString("CARTSYNC_S3_REGION", &cfg.SnapshotStorage.Region)
	if v := os.Getenv("CARTSYNC_S3_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.SnapshotStorage.UseSSL = &useSSL
	}
	envDuration("CARTSYNC_S3_URL_EXPIRY", &cfg.SnapshotStorage.URLExpiry)

	// Client
	envString("CARTSYNC_SERVER_URL", &cfg.Client.ServerURL)
	envString("CARTSYNC_CLIENT_LOG_PATH", &cfg.Client.LogPath)
	envString("CARTSYNC_CLIENT_ID", &cfg.Client.ClientID)
	envDuration("CARTSYNC_GRACE_WINDOW", &cfg.Client.GraceWindow)
	envDuration("CARTSYNC_PING_INTERVAL", &cfg.Client.PingInterval)
	envDuration("CARTSYNC_INITIAL_BACKOFF", &cfg.Client.InitialBackoff)
	envDuration("CARTSYNC_MAX_BACKOFF", &cfg.Client.MaxBackoff)

	// Log
	envString("CARTSYNC_LOG_LEVEL", &cfg.Log.Level)
	envString("CARTSYNC_LOG_FORMAT", &cfg.Log.Format)
}

// validate checks that configuration values are usable.
// In dev mode (CARTSYNC_DEV_MODE=true), API key validation is skipped.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("CARTSYNC_DB_DSN is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Cart.MaxQuantityPerLine < 1 {
		return errors.New("cart.max_quantity_per_line must be at least 1")
	}
	if c.Cart.FreeShippingThreshold < 0 || c.Cart.ShippingFee < 0 {
		return errors.New("cart shipping amounts must not be negative")
	}
	if c.RateLimit.MutationsPerSecond < 0 || c.RateLimit.Burst < 0 {
		return errors.New("rate_limit values must not be negative")
	}
	if c.Client.MaxBackoff > 0 && c.Client.InitialBackoff > c.Client.MaxBackoff {
		return errors.New("client.initial_backoff must not exceed client.max_backoff")
	}

	if os.Getenv("CARTSYNC_DEV_MODE") == "true" {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New("CARTSYNC_API_KEY is required")
	}
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
