package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	ProfileCustom       = "custom"
	ProfileMemory       = "memory"
	ProfileDurableLocal = "durable-local"
	ProfileProduction   = "production"
)

func normalizeProfile(profile string) string {
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", "custom":
		return ProfileCustom
	case "memory", "inmemory":
		return ProfileMemory
	case "durable-local", "local-durable":
		return ProfileDurableLocal
	case "production", "prod":
		return ProfileProduction
	default:
		return ""
	}
}

// DSNs returns the log and record store DSNs. Explicit DSNs take
// precedence over the profile.
func (c StorageConfig) DSNs() (logDSN, recordDSN string, err error) {
	profile := normalizeProfile(c.Profile)
	switch profile {
	case ProfileCustom:
	case ProfileMemory:
		logDSN, recordDSN = "memory://", "memory://"
	case ProfileDurableLocal:
		dir, absErr := filepath.Abs(c.DataDir)
		if absErr != nil {
			return "", "", absErr
		}
		logDSN = "file://" + filepath.ToSlash(filepath.Join(dir, "patches"))
		recordDSN = "file://" + filepath.ToSlash(filepath.Join(dir, "records.json"))
	case ProfileProduction:
		if strings.TrimSpace(c.ProductionDSN) == "" {
			return "", "", ErrMissingProductionDSN
		}
		logDSN, recordDSN = c.ProductionDSN, c.ProductionDSN
	default:
		return "", "", fmt.Errorf("%w: %s", ErrUnknownProfile, c.Profile)
	}
	if c.LogDSN != "" {
		logDSN = c.LogDSN
	}
	if c.RecordDSN != "" {
		recordDSN = c.RecordDSN
	}
	return logDSN, recordDSN, nil
}

func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigIsNil
	}
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Docs.Validate(); err != nil {
		return err
	}
	return c.Log.Validate()
}

func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return fmt.Errorf("%w: server.addr is empty", ErrInvalidValue)
	}
	if c.MaxBodyBytes < 0 || c.MaxMessageBytes < 0 {
		return fmt.Errorf("%w: byte limits must not be negative", ErrInvalidValue)
	}
	return nil
}

func (c *StorageConfig) Validate() error {
	_, _, err := c.DSNs()
	return err
}

func (c *AuthConfig) Validate() error {
	if c.RateLimitMax < 0 {
		return fmt.Errorf("%w: auth.rate_limit_max must not be negative", ErrInvalidValue)
	}
	return nil
}

func (c *DocsConfig) Validate() error {
	if c.SaveRetries < 0 {
		return fmt.Errorf("%w: docs.save_retries must not be negative", ErrInvalidValue)
	}
	if c.Snapshot.Interval < 0 || c.Snapshot.MaxBytes < 0 {
		return fmt.Errorf("%w: docs.snapshot must not be negative", ErrInvalidValue)
	}
	if c.Backoff.Factor != 0 && c.Backoff.Factor < 1 {
		return fmt.Errorf("%w: docs.backoff.factor must be at least 1", ErrInvalidValue)
	}
	return nil
}

func (c *LogConfig) Validate() error {
	switch c.Format {
	case "", "json", "console":
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownLogFormat, c.Format)
	}
}
