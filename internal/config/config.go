// Package config loads keepsync settings from a YAML file, .env files and
// KEEPSYNC_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	// ConfigDir is the default home directory name under $HOME.
	ConfigDir = ".keepsync"
	// ConfigName is the config file base name (keepsync.yaml).
	ConfigName = "keepsync"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "KEEPSYNC"
)

// Engine defaults.
const (
	DefaultSyncDelay          = 5 * time.Second
	DefaultMinSyncInterval    = 1 * time.Second
	DefaultCloudCheckInterval = 10 * time.Second
	MinCloudCheckInterval     = 5 * time.Second
	DefaultMaxRetries         = 3
	DefaultRetryBackoff       = 2 * time.Second
	DefaultLoginAttempts      = 3
	DefaultLoginBackoff       = 2 * time.Second
	DefaultNetworkTimeout     = 15 * time.Second
	DefaultWebAddr            = "127.0.0.1:7790"
)

// DefaultWatchedKeys are the domains synchronized out of the box.
var DefaultWatchedKeys = []string{"workoutState", "userProfile", "gamificationState", "nutritionState"}

// Config is the full keepsync configuration.
type Config struct {
	Home   string       `mapstructure:"home"`
	Store  StoreConfig  `mapstructure:"store"`
	Remote RemoteConfig `mapstructure:"remote"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Auth   AuthConfig   `mapstructure:"auth"`
	Web    WebConfig    `mapstructure:"web"`
	Log    LogConfig    `mapstructure:"log"`
	Notify NotifyConfig `mapstructure:"notify"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// StoreConfig selects the local persistence.
type StoreConfig struct {
	Driver string `mapstructure:"driver" validate:"oneof=sqlite file memory"`
	Path   string `mapstructure:"path"`
	Watch  bool   `mapstructure:"watch"` // file driver: pick up edits from other processes
}

// RemoteConfig selects and configures the remote document store.
type RemoteConfig struct {
	Backend   string `mapstructure:"backend" validate:"oneof=memory http s3 couchdb"`
	Endpoint  string `mapstructure:"endpoint" validate:"required_unless=Backend memory"`
	Bucket    string `mapstructure:"bucket" validate:"required_if=Backend s3"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"` // S3 object prefix (default "users")
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Database  string `mapstructure:"database" validate:"required_if=Backend couchdb"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	Token     string `mapstructure:"token"` // bearer token for the http backend

	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"gte=0"`
	Burst             int     `mapstructure:"burst" validate:"gte=0"`
}

// SyncConfig tunes the engine.
type SyncConfig struct {
	WatchedKeys        []string      `mapstructure:"watched_keys" validate:"min=1,dive,required"`
	SyncDelay          time.Duration `mapstructure:"sync_delay" validate:"gte=0"`
	MinSyncInterval    time.Duration `mapstructure:"min_sync_interval" validate:"gte=0"`
	CloudCheckInterval time.Duration `mapstructure:"cloud_check_interval" validate:"gte=5s"`
	MaxRetries         int           `mapstructure:"max_retries" validate:"min=1"`
	RetryBackoff       time.Duration `mapstructure:"retry_backoff" validate:"gte=0"`
	LoginAttempts      int           `mapstructure:"login_attempts" validate:"min=1"`
	LoginBackoff       time.Duration `mapstructure:"login_backoff" validate:"gte=0"`
	NetworkTimeout     time.Duration `mapstructure:"network_timeout" validate:"gt=0"`
}

// AuthConfig supplies the signed-in user.
type AuthConfig struct {
	UserID    string `mapstructure:"user_id"`
	Token     string `mapstructure:"token"`
	JWTSecret string `mapstructure:"jwt_secret" validate:"required_with=Token"`
}

// WebConfig configures the local control API.
type WebConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr" validate:"required_if=Enabled true"`
	Token   string `mapstructure:"token"` // bearer token required by the API when set
}

// LogConfig configures zap and file rotation.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	JSON       bool   `mapstructure:"json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// NotifyConfig lists webhooks that receive engine events.
type NotifyConfig struct {
	Webhooks []WebhookConfig `mapstructure:"webhooks" validate:"dive"`
}

// WebhookConfig is one notification target. Slack and Discord URLs get
// their native message shape; anything else receives the raw event.
type WebhookConfig struct {
	URL     string            `mapstructure:"url" validate:"required,url"`
	Events  []string          `mapstructure:"events" validate:"dive,oneof=sync_completed sync_error cloud_data_updated retry_exhausted status_changed"`
	Headers map[string]string `mapstructure:"headers"`
	Enabled bool              `mapstructure:"enabled"`
}

// Runtime is the subset of SyncConfig that can change while the engine runs.
// Zero values mean "leave unchanged".
type Runtime struct {
	SyncDelay          time.Duration
	MinSyncInterval    time.Duration
	WatchedKeys        []string
	CloudCheckInterval time.Duration
}

// Runtime extracts the hot-updatable settings.
func (c SyncConfig) Runtime() Runtime {
	return Runtime{
		SyncDelay:          c.SyncDelay,
		MinSyncInterval:    c.MinSyncInterval,
		WatchedKeys:        append([]string(nil), c.WatchedKeys...),
		CloudCheckInterval: c.CloudCheckInterval,
	}
}

// Apply overlays the non-zero fields of r onto c.
func (c SyncConfig) Apply(r Runtime) SyncConfig {
	if r.SyncDelay > 0 {
		c.SyncDelay = r.SyncDelay
	}
	if r.MinSyncInterval > 0 {
		c.MinSyncInterval = r.MinSyncInterval
	}
	if r.WatchedKeys != nil {
		c.WatchedKeys = append([]string(nil), r.WatchedKeys...)
	}
	if r.CloudCheckInterval > 0 {
		c.CloudCheckInterval = r.CloudCheckInterval
	}
	return c
}

// Options controls Load.
type Options struct {
	ConfigFile string   // explicit file; empty searches Home and the working dir
	EnvFiles   []string // .env files to load first; empty loads ./.env if present
}

// DefaultHome returns $KEEPSYNC_HOME or ~/.keepsync.
func DefaultHome() string {
	if h := os.Getenv(EnvPrefix + "_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return filepath.Join(home, ConfigDir)
}

// SetDefaults registers every key so environment overrides reach Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("home", DefaultHome())

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "")
	v.SetDefault("store.watch", false)

	v.SetDefault("remote.backend", "memory")
	for _, k := range []string{"endpoint", "bucket", "region", "access_key", "secret_key", "database", "username", "password", "token"} {
		v.SetDefault("remote."+k, "")
	}
	v.SetDefault("remote.prefix", "users")
	v.SetDefault("remote.requests_per_second", 0.0)
	v.SetDefault("remote.burst", 1)

	v.SetDefault("sync.watched_keys", DefaultWatchedKeys)
	v.SetDefault("sync.sync_delay", DefaultSyncDelay)
	v.SetDefault("sync.min_sync_interval", DefaultMinSyncInterval)
	v.SetDefault("sync.cloud_check_interval", DefaultCloudCheckInterval)
	v.SetDefault("sync.max_retries", DefaultMaxRetries)
	v.SetDefault("sync.retry_backoff", DefaultRetryBackoff)
	v.SetDefault("sync.login_attempts", DefaultLoginAttempts)
	v.SetDefault("sync.login_backoff", DefaultLoginBackoff)
	v.SetDefault("sync.network_timeout", DefaultNetworkTimeout)

	v.SetDefault("auth.user_id", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("web.enabled", true)
	v.SetDefault("web.addr", DefaultWebAddr)
	v.SetDefault("web.token", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("notify.webhooks", []WebhookConfig{})
}

// NewViper returns a viper instance with defaults and env binding set up.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads, defaults and validates the configuration.
func Load(opts Options) (*Config, error) {
	if len(opts.EnvFiles) > 0 {
		if err := godotenv.Load(opts.EnvFiles...); err != nil {
			return nil, errors.Wrap(err, "load env files")
		}
	} else {
		_ = godotenv.Load()
	}

	v := NewViper()
	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(v.GetString("home"))
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, err
	}
	cfg.File = v.ConfigFileUsed()
	return cfg, nil
}

// LoadWithViper unmarshals and validates an already prepared viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.fillPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) fillPaths() {
	if c.Home == "" {
		c.Home = DefaultHome()
	}
	if c.Store.Path == "" {
		switch c.Store.Driver {
		case "sqlite":
			c.Store.Path = filepath.Join(c.Home, "keepsync.db")
		case "file":
			c.Store.Path = filepath.Join(c.Home, "state.json")
		}
	}
}

var validate = validator.New()

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	return nil
}

// ValidateRuntime checks an updateConfig request. Only the set fields are
// checked; the cloud interval is clamped by the poller rather than rejected.
func ValidateRuntime(r Runtime) error {
	if r.SyncDelay < 0 || r.MinSyncInterval < 0 || r.CloudCheckInterval < 0 {
		return errors.New("durations must not be negative")
	}
	for _, k := range r.WatchedKeys {
		if strings.TrimSpace(k) == "" {
			return errors.New("watched keys must not be empty")
		}
	}
	return nil
}
