// Package app wires configuration, storage and services into one value
// shared by the CLI, the HTTP servers and the MCP server.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"crewline/internal/admission"
	"crewline/internal/config"
	"crewline/internal/db"
	"crewline/internal/engine"
	"crewline/internal/events"
	"crewline/internal/logging"
	"crewline/internal/migrate"
	"crewline/internal/pull"
	"crewline/internal/session"
)

const secretFile = "session.key"

type App struct {
	Config   *config.Config
	DB       *sql.DB
	Engine   engine.Engine
	Sessions *session.Authority
	Pull     *pull.Coordinator
	Registry *pull.Registry
	Logger   *slog.Logger

	closers []io.Closer
}

// Open loads cfg's workspace database, migrates it and builds the
// services on top. Callers must Close the result.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	a.Logger = logger
	a.closers = append(a.closers, closer)

	conn, err := db.Open(db.Config{Workspace: cfg.Workspace})
	if err != nil {
		return nil, err
	}
	a.DB = conn
	a.closers = append(a.closers, conn)
	applied, err := migrate.Migrate(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if applied > 0 {
		logger.InfoContext(ctx, "applied migrations", "count", applied, "db", db.Path(cfg.Workspace))
	}

	locker, err := newLocker(cfg.Admission)
	if err != nil {
		return nil, err
	}
	if c, isCloser := locker.(io.Closer); isCloser {
		a.closers = append(a.closers, c)
	}

	sinks := events.MultiSink{events.LogSink{Logger: logger}}
	if cfg.Events.AMQP.URL != "" {
		amqpSink, err := events.NewAMQPSink(cfg.Events.AMQP, logger)
		if err != nil {
			return nil, fmt.Errorf("amqp: %w", err)
		}
		sinks = append(sinks, amqpSink)
		a.closers = append(a.closers, amqpSink)
	}

	a.Engine = engine.New(conn, locker, sinks, logger)

	secret, err := sessionSecret(cfg)
	if err != nil {
		return nil, err
	}
	a.Sessions, err = session.New(a.Engine, session.Config{
		TTL:         cfg.Sessions.TTL,
		IdleTimeout: cfg.Sessions.IdleTimeout,
		Secret:      secret,
		Purpose:     cfg.Sessions.DefaultPurpose,
	})
	if err != nil {
		return nil, err
	}
	a.Pull = pull.New(a.Engine, a.Sessions, logger)
	a.Registry = pull.NewRegistry(a.Pull)
	ok = true
	return a, nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newLocker(cfg config.AdmissionConfig) (admission.Locker, error) {
	switch cfg.Backend {
	case "", "local":
		return admission.NewLocalLocker(), nil
	case "redis":
		l, err := admission.NewRedisLocker(admission.RedisConfig{
			Address:  cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
			LockTTL:  cfg.Redis.LockTTL,
		})
		if err != nil {
			return nil, fmt.Errorf("admission: %w", err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unknown admission backend %q", cfg.Backend)
	}
}

// sessionSecret returns the configured signing secret, or the workspace
// key file, generating it on first use.
func sessionSecret(cfg *config.Config) (string, error) {
	if s := strings.TrimSpace(cfg.Sessions.JWTSecret); s != "" {
		return s, nil
	}
	dir, err := db.EnsureWorkspace(cfg.Workspace)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, secretFile)
	data, err := os.ReadFile(path)
	if err == nil && len(strings.TrimSpace(string(data))) > 0 {
		return strings.TrimSpace(string(data)), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	secret := hex.EncodeToString(buf)
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("write session key: %w", err)
	}
	return secret, nil
}
