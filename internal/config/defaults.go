package config

import (
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/patchsync/internal/patchlog"
)

var defaultServer = ServerConfig{
	Addr:            ":8080",
	MaxBodyBytes:    1 << 20,
	MaxMessageBytes: 32 << 20,
	WriteTimeout:    10 * time.Second,
	ShutdownTimeout: 30 * time.Second,
}

var defaultStorage = StorageConfig{
	Profile: ProfileMemory,
	DataDir: ".patchsync",
}

var defaultAuth = AuthConfig{
	JWTSecret:       "dev-secret",
	RateLimitWindow: time.Minute,
}

var defaultDocs = DocsConfig{
	AutosaveInterval: 45 * time.Second,
	SaveRetries:      3,
	IdleClose:        30 * time.Second,
	Snapshot:         patchlog.DefaultSnapshotPolicy(),
	Backoff: BackoffConfig{
		Initial: 100 * time.Millisecond,
		Max:     5 * time.Second,
		Factor:  2,
	},
}

var defaultLog = LogConfig{
	Level:  "info",
	Format: "json",
}

func Default() *Config {
	cfg := &Config{
		Server:  defaultServer,
		Storage: defaultStorage,
		Auth:    defaultAuth,
		Docs:    defaultDocs,
		Log:     defaultLog,
	}
	cfg.PopulateDefaults()
	return cfg
}

func (c *ServerConfig) PopulateDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = uuid.NewString()
	}
	if c.Addr == "" {
		c.Addr = defaultServer.Addr
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = defaultServer.MaxBodyBytes
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = defaultServer.MaxMessageBytes
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaultServer.WriteTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaultServer.ShutdownTimeout
	}
}

func (c *StorageConfig) PopulateDefaults() {
	if c.Profile == "" && c.LogDSN == "" && c.RecordDSN == "" {
		c.Profile = defaultStorage.Profile
	}
	if c.DataDir == "" {
		c.DataDir = defaultStorage.DataDir
	}
}

func (c *AuthConfig) PopulateDefaults() {
	if c.JWTSecret == "" {
		c.JWTSecret = defaultAuth.JWTSecret
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = defaultAuth.RateLimitWindow
	}
}

func (c *DocsConfig) PopulateDefaults() {
	if c.AutosaveInterval == 0 {
		c.AutosaveInterval = defaultDocs.AutosaveInterval
	}
	if c.SaveRetries == 0 {
		c.SaveRetries = defaultDocs.SaveRetries
	}
	if c.IdleClose == 0 {
		c.IdleClose = defaultDocs.IdleClose
	}
	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = defaultDocs.Snapshot.Interval
	}
	if c.Snapshot.MaxBytes == 0 {
		c.Snapshot.MaxBytes = defaultDocs.Snapshot.MaxBytes
	}
	if c.Backoff.Initial == 0 {
		c.Backoff.Initial = defaultDocs.Backoff.Initial
	}
	if c.Backoff.Max == 0 {
		c.Backoff.Max = defaultDocs.Backoff.Max
	}
	if c.Backoff.Factor == 0 {
		c.Backoff.Factor = defaultDocs.Backoff.Factor
	}
}

func (c *LogConfig) PopulateDefaults() {
	if c.Level == "" {
		c.Level = defaultLog.Level
	}
	if c.Format == "" {
		c.Format = defaultLog.Format
	}
}

func (c *Config) PopulateDefaults() {
	c.Server.PopulateDefaults()
	c.Storage.PopulateDefaults()
	c.Auth.PopulateDefaults()
	c.Docs.PopulateDefaults()
	c.Log.PopulateDefaults()
}
