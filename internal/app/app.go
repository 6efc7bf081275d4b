// Package app wires the stride components together for the CLI and the API
// server.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"stride/internal/coach"
	"stride/internal/config"
	"stride/internal/db"
	"stride/internal/engine"
	"stride/internal/events"
	"stride/internal/llm"
	"stride/internal/logging"
	"stride/internal/migrate"
)

// Options select the workspace and override parts of the loaded config.
type Options struct {
	Workspace string
	// ConfigPath replaces the workspace stride.yml when set.
	ConfigPath string
	// LogLevel overrides logging.level when set.
	LogLevel string
	LogJSON  bool
	// Logger is used as-is when set; no logger is built from config.
	Logger *zap.Logger
	// Completer replaces the configured model client.
	Completer llm.Completer
}

// App holds one process's components.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *sql.DB
	Bus    *events.Bus
	Engine engine.Engine
	Coach  *coach.Coach

	ownLogger bool
}

// LoadConfig reads the config named by opts, falling back to defaults when the
// workspace has no stride.yml.
func LoadConfig(opts Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(opts.Workspace)
	}
	if err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogJSON {
		cfg.Logging.JSON = true
	}
	return cfg, nil
}

// Bootstrap loads config, opens and migrates the workspace database, and
// builds the engine, model client and coach. Callers must Close the App.
func Bootstrap(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Logger: opts.Logger}
	if a.Logger == nil {
		a.Logger, err = logging.New(logging.Options{Level: cfg.Logging.Level, JSON: cfg.Logging.JSON})
		if err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
		a.ownLogger = true
	}
	a.DB, err = db.Open(db.Config{
		Workspace: opts.Workspace,
		Options:   db.Options{BusyTimeout: cfg.BusyTimeoutDuration(), JournalMode: cfg.Database.JournalMode},
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, a.DB); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Bus = events.NewBus()
	a.Engine = engine.New(a.DB, a.Bus, a.Logger.Named("engine"))
	completer := opts.Completer
	if completer == nil {
		completer = llm.NewClient(cfg, a.Logger.Named("llm"))
	}
	a.Coach = coach.New(a.Engine, completer, cfg, a.Logger)
	a.Logger.Debug("bootstrapped", zap.String("workspace", opts.Workspace), zap.String("db", db.Path(opts.Workspace)))
	return a, nil
}

// Close releases the database and flushes the logger.
func (a *App) Close() error {
	var errs []error
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	if a.ownLogger && a.Logger != nil {
		// Sync reports EINVAL on terminals; it is not worth surfacing.
		_ = a.Logger.Sync()
	}
	return errors.Join(errs...)
}
