// Package config loads the hub configuration: a YAML file, then
// PATCHSYNC_* environment overrides, then defaults.
package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/patchsync/internal/patchlog"
	"github.com/agentworkforce/patchsync/internal/retry"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Docs    DocsConfig    `yaml:"docs"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	InstanceID      string        `yaml:"instance_id"`
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	OriginPatterns  []string      `yaml:"origin_patterns"`
}

// StorageConfig picks the backends. An explicit DSN wins over the one
// implied by Profile.
type StorageConfig struct {
	Profile       string `yaml:"profile"`
	DataDir       string `yaml:"data_dir"`
	LogDSN        string `yaml:"log_dsn"`
	RecordDSN     string `yaml:"record_dsn"`
	ProductionDSN string `yaml:"production_dsn"`
}

type AuthConfig struct {
	JWTSecret       string        `yaml:"jwt_secret"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
}

type DocsConfig struct {
	SaveRoot         string                  `yaml:"save_root"`
	AutosaveInterval time.Duration           `yaml:"autosave_interval"`
	SaveRetries      int                     `yaml:"save_retries"`
	IdleClose        time.Duration           `yaml:"idle_close"`
	Snapshot         patchlog.SnapshotPolicy `yaml:"snapshot"`
	Backoff          BackoffConfig           `yaml:"backoff"`
}

type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
}

func (b BackoffConfig) Backoff() retry.Backoff {
	return retry.Backoff{Initial: b.Initial, Max: b.Max, Factor: b.Factor}
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Read decodes the YAML file at path. Unknown keys are rejected.
func Read(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads path when it is non-empty, applies the environment, fills
// defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		read, err := Read(path)
		if err != nil {
			return nil, err
		}
		cfg = read
	}
	cfg.ApplyEnv()
	cfg.PopulateDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
