package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// ApplyEnv overrides file values with any PATCHSYNC_* variables that are
// set. Unparseable numbers keep the current value.
func (c *Config) ApplyEnv() {
	c.Server.InstanceID = stringEnv("PATCHSYNC_INSTANCE_ID", c.Server.InstanceID)
	c.Server.Addr = stringEnv("PATCHSYNC_ADDR", c.Server.Addr)
	c.Server.MaxBodyBytes = int64Env("PATCHSYNC_MAX_BODY_BYTES", c.Server.MaxBodyBytes)
	c.Server.MaxMessageBytes = int64Env("PATCHSYNC_MAX_MESSAGE_BYTES", c.Server.MaxMessageBytes)
	c.Server.WriteTimeout = durationEnv("PATCHSYNC_WRITE_TIMEOUT", c.Server.WriteTimeout)
	c.Server.ShutdownTimeout = durationEnv("PATCHSYNC_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	if raw := strings.TrimSpace(os.Getenv("PATCHSYNC_ORIGIN_PATTERNS")); raw != "" {
		c.Server.OriginPatterns = strings.Split(raw, ",")
	}

	c.Storage.Profile = stringEnv("PATCHSYNC_BACKEND_PROFILE", c.Storage.Profile)
	c.Storage.DataDir = stringEnv("PATCHSYNC_DATA_DIR", c.Storage.DataDir)
	c.Storage.LogDSN = stringEnv("PATCHSYNC_LOG_DSN", c.Storage.LogDSN)
	c.Storage.RecordDSN = stringEnv("PATCHSYNC_RECORD_DSN", c.Storage.RecordDSN)
	c.Storage.ProductionDSN = stringEnv("PATCHSYNC_PRODUCTION_DSN", c.Storage.ProductionDSN)
	if c.Storage.ProductionDSN == "" {
		c.Storage.ProductionDSN = stringEnv("PATCHSYNC_POSTGRES_DSN", "")
	}

	c.Auth.JWTSecret = stringEnv("PATCHSYNC_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.RateLimitMax = intEnv("PATCHSYNC_RATE_LIMIT_MAX", c.Auth.RateLimitMax)
	c.Auth.RateLimitWindow = durationEnv("PATCHSYNC_RATE_LIMIT_WINDOW", c.Auth.RateLimitWindow)

	c.Docs.SaveRoot = stringEnv("PATCHSYNC_SAVE_ROOT", c.Docs.SaveRoot)
	c.Docs.AutosaveInterval = durationEnv("PATCHSYNC_AUTOSAVE_INTERVAL", c.Docs.AutosaveInterval)
	c.Docs.SaveRetries = intEnv("PATCHSYNC_SAVE_RETRIES", c.Docs.SaveRetries)
	c.Docs.IdleClose = durationEnv("PATCHSYNC_IDLE_CLOSE", c.Docs.IdleClose)
	c.Docs.Snapshot.Interval = intEnv("PATCHSYNC_SNAPSHOT_INTERVAL", c.Docs.Snapshot.Interval)
	c.Docs.Snapshot.MaxBytes = intEnv("PATCHSYNC_SNAPSHOT_MAX_BYTES", c.Docs.Snapshot.MaxBytes)
	c.Docs.Backoff.Initial = durationEnv("PATCHSYNC_BACKOFF_INITIAL", c.Docs.Backoff.Initial)
	c.Docs.Backoff.Max = durationEnv("PATCHSYNC_BACKOFF_MAX", c.Docs.Backoff.Max)
	c.Docs.Backoff.Factor = floatEnv("PATCHSYNC_BACKOFF_FACTOR", c.Docs.Backoff.Factor)

	c.Log.Level = stringEnv("PATCHSYNC_LOG_LEVEL", c.Log.Level)
	c.Log.Format = stringEnv("PATCHSYNC_LOG_FORMAT", c.Log.Format)
}

func stringEnv(name, fallback string) string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return raw
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int("fallback", fallback).Msg("invalid integer env")
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Int64("fallback", fallback).Msg("invalid integer env")
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Float64("fallback", fallback).Msg("invalid float env")
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("name", name).Str("value", raw).Dur("fallback", fallback).Msg("invalid duration env")
		return fallback
	}
	return value
}
