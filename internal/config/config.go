// Package config loads cronflow settings from defaults, an optional YAML
// file, CRONFLOW_* environment variables and bound command-line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const EnvPrefix = "CRONFLOW"

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Addr      string    `mapstructure:"addr"`
	DB        string    `mapstructure:"db"`
	Debug     bool      `mapstructure:"debug"`
	Log       Log       `mapstructure:"log"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Artifacts Artifacts `mapstructure:"artifacts"`
	Actions   Actions   `mapstructure:"actions"`
}

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Scheduler struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	BatchSize        int           `mapstructure:"batch_size"`
	Workers          int           `mapstructure:"workers"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
	ClaimAttempts    int           `mapstructure:"claim_attempts"`
	ClaimBackoff     time.Duration `mapstructure:"claim_backoff"`
	DispatchRate     float64       `mapstructure:"dispatch_rate"`
	CatchUp          bool          `mapstructure:"catch_up"`
}

type Artifacts struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	S3      S3     `mapstructure:"s3"`
}

type S3 struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	PathStyle bool   `mapstructure:"path_style"`
}

type Actions struct {
	Webhook Webhook `mapstructure:"webhook"`
}

type Webhook struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

const (
	BackendFS = "fs"
	BackendS3 = "s3"
)

var defaults = map[string]any{
	"addr":                        ":8080",
	"db":                          "cronflow.db",
	"debug":                       false,
	"log.level":                   "info",
	"log.format":                  "console",
	"scheduler.poll_interval":     time.Second,
	"scheduler.batch_size":        50,
	"scheduler.workers":           4,
	"scheduler.execution_timeout": 5 * time.Minute,
	"scheduler.stale_after":       15 * time.Minute,
	"scheduler.claim_attempts":    3,
	"scheduler.claim_backoff":     100 * time.Millisecond,
	"scheduler.dispatch_rate":     0.0,
	"scheduler.catch_up":          false,
	"artifacts.backend":           BackendFS,
	"artifacts.dir":               "artifacts",
	"artifacts.s3.bucket":         "",
	"artifacts.s3.region":         "us-east-1",
	"artifacts.s3.endpoint":       "",
	"artifacts.s3.access_key":     "",
	"artifacts.s3.secret_key":     "",
	"artifacts.s3.path_style":     false,
	"actions.webhook.url":         "",
	"actions.webhook.timeout":     30 * time.Second,
}

// New returns a viper instance carrying every default with environment
// overrides enabled: scheduler.workers is read from CRONFLOW_SCHEDULER_WORKERS.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (if not empty) into v and decodes the merged settings.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
	}

	if c.DB == "" {
		bad("db is required")
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		bad("log.level %q", c.Log.Level)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		bad("log.format must be console or json, got %q", c.Log.Format)
	}

	s := c.Scheduler
	if s.PollInterval <= 0 {
		bad("scheduler.poll_interval must be positive")
	}
	if s.BatchSize <= 0 {
		bad("scheduler.batch_size must be positive")
	}
	if s.Workers <= 0 {
		bad("scheduler.workers must be positive")
	}
	if s.ExecutionTimeout <= 0 {
		bad("scheduler.execution_timeout must be positive")
	}
	if s.StaleAfter < 0 {
		bad("scheduler.stale_after must not be negative")
	}
	if s.StaleAfter > 0 && s.StaleAfter <= s.ExecutionTimeout {
		bad("scheduler.stale_after (%s) must exceed scheduler.execution_timeout (%s)", s.StaleAfter, s.ExecutionTimeout)
	}
	if s.ClaimAttempts < 1 {
		bad("scheduler.claim_attempts must be at least 1")
	}
	if s.ClaimBackoff <= 0 {
		bad("scheduler.claim_backoff must be positive")
	}
	if s.DispatchRate < 0 {
		bad("scheduler.dispatch_rate must not be negative")
	}

	switch c.Artifacts.Backend {
	case BackendFS:
		if c.Artifacts.Dir == "" {
			bad("artifacts.dir is required for the fs backend")
		}
	case BackendS3:
		if c.Artifacts.S3.Bucket == "" {
			bad("artifacts.s3.bucket is required for the s3 backend")
		}
		if c.Artifacts.S3.AccessKey == "" || c.Artifacts.S3.SecretKey == "" {
			bad("artifacts.s3.access_key and artifacts.s3.secret_key are required for the s3 backend")
		}
	default:
		bad("artifacts.backend must be fs or s3, got %q", c.Artifacts.Backend)
	}

	if c.Actions.Webhook.URL != "" && c.Actions.Webhook.Timeout <= 0 {
		bad("actions.webhook.timeout must be positive")
	}

	return errors.Join(errs...)
}
