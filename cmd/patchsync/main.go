package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/patchsync/internal/backend"
	"github.com/agentworkforce/patchsync/internal/config"
	"github.com/agentworkforce/patchsync/internal/httpapi"
	"github.com/agentworkforce/patchsync/internal/logging"
	"github.com/agentworkforce/patchsync/internal/source"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "patchsync",
		Usage: "patch log sync hub",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML config file",
				EnvVars: []string{"PATCHSYNC_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
			tokenCommand(),
			configCommand(),
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the hub",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format).
				With().Str("instance", cfg.Server.InstanceID).Logger()

			resolver, closeBackends, err := buildResolver(cfg)
			if err != nil {
				return fmt.Errorf("initialize storage backends: %w", err)
			}
			defer func() {
				if err := closeBackends(); err != nil {
					log.Warn().Err(err).Msg("close backends")
				}
			}()

			hub := httpapi.NewServerWithConfig(resolver, serverConfig(cfg, log))
			httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: hub}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			serveErr := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Server.Addr).Str("profile", cfg.Storage.Profile).Msg("patchsync listening")
				serveErr <- httpServer.ListenAndServe()
			}()

			select {
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			log.Info().Msg("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			// Sessions and documents first so that final saves reach the
			// backends before they close.
			closeErr := hub.Close(shutdownCtx)
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				closeErr = errors.Join(closeErr, err)
			}
			return closeErr
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "issue a bearer token for a client",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "secret", Usage: "signing secret", EnvVars: []string{"PATCHSYNC_JWT_SECRET"}, Value: "dev-secret"},
			&cli.StringFlag{Name: "project", Usage: "project id, or * for all", Required: true},
			&cli.IntFlag{Name: "user", Usage: "user id"},
			&cli.StringSliceFlag{Name: "scope", Value: cli.NewStringSlice(httpapi.ScopeRead, httpapi.ScopeWrite)},
			&cli.DurationFlag{Name: "ttl", Value: 0, Usage: "token lifetime (default 1h)"},
		},
		Action: func(c *cli.Context) error {
			token, err := httpapi.IssueToken(c.String("secret"), c.String("project"), c.Int("user"), c.StringSlice("scope"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(c.App.Writer, token)
			return err
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "print the effective configuration",
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "<redacted>"
			}
			if cfg.Storage.ProductionDSN != "" {
				cfg.Storage.ProductionDSN = "<redacted>"
			}
			enc := yaml.NewEncoder(c.App.Writer)
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

// buildResolver opens the configured backends. The returned func closes
// them.
func buildResolver(cfg *config.Config) (*source.Resolver, func() error, error) {
	logDSN, recordDSN, err := cfg.Storage.DSNs()
	if err != nil {
		return nil, nil, err
	}
	logs, err := backend.BuildLogServiceFromDSN(logDSN)
	if err != nil {
		return nil, nil, err
	}
	records, err := backend.BuildRecordStoreFromDSN(recordDSN)
	if err != nil {
		_ = logs.Close()
		return nil, nil, err
	}
	closeAll := func() error {
		return errors.Join(records.Close(), logs.Close())
	}
	return &source.Resolver{Logs: logs, Records: records}, closeAll, nil
}

func serverConfig(cfg *config.Config, log zerolog.Logger) httpapi.ServerConfig {
	return httpapi.ServerConfig{
		JWTSecret:        cfg.Auth.JWTSecret,
		RateLimitMax:     cfg.Auth.RateLimitMax,
		RateLimitWindow:  cfg.Auth.RateLimitWindow,
		MaxBodyBytes:     cfg.Server.MaxBodyBytes,
		MaxMessageBytes:  cfg.Server.MaxMessageBytes,
		WriteTimeout:     cfg.Server.WriteTimeout,
		OriginPatterns:   cfg.Server.OriginPatterns,
		SaveRoot:         cfg.Docs.SaveRoot,
		AutosaveInterval: cfg.Docs.AutosaveInterval,
		SaveRetries:      cfg.Docs.SaveRetries,
		SnapshotPolicy:   cfg.Docs.Snapshot,
		IdleClose:        cfg.Docs.IdleClose,
		Backoff:          cfg.Docs.Backoff.Backoff(),
		Logger:           log,
	}
}
