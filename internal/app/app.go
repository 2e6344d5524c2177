// Package app opens a workspace and wires the engine the CLI commands share.
package app

import (
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"tasksift/internal/config"
	"tasksift/internal/credentials"
	"tasksift/internal/db"
	"tasksift/internal/engine"
	"tasksift/internal/migrate"
)

type Options struct {
	Workspace string
	// LogLevel overrides logging.level from the config file when set.
	LogLevel string
}

// Runtime is an opened workspace.
type Runtime struct {
	DB       *sql.DB
	Config   *config.Config
	Logger   *slog.Logger
	Engine   engine.Engine
	closeLog func() error
}

// Open loads the optional workspace config, sets up logging, opens and
// migrates the database and builds the engine.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, errors.Wrap(err, "prepare workspace")
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", config.Path(workspace))
	}
	level := cfg.Logging.Level
	if strings.TrimSpace(opts.LogLevel) != "" {
		level = opts.LogLevel
	}
	logFile := cfg.Logging.File
	if logFile != "" && !filepath.IsAbs(logFile) {
		logFile = filepath.Join(workspace, logFile)
	}
	logger, closeLog := config.SetupLogger(logFile, config.ParseLevel(level))

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		_ = closeLog()
		return nil, errors.Wrap(err, "open database")
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		_ = conn.Close()
		_ = closeLog()
		return nil, errors.Wrap(err, "migrate database")
	}
	return &Runtime{
		DB:       conn,
		Config:   cfg,
		Logger:   logger,
		Engine:   engine.New(conn, cfg, logger),
		closeLog: closeLog,
	}, nil
}

func (r *Runtime) Close() error {
	err := r.DB.Close()
	if r.closeLog != nil {
		err = errors.CombineErrors(err, r.closeLog())
	}
	return err
}

// Caller pairs an actor with credentials read from the environment. When the
// provider is unset the configured default applies.
func (r *Runtime) Caller(actorID string, creds credentials.Static) engine.Caller {
	if strings.TrimSpace(creds.ClassifierProvider) == "" {
		creds.ClassifierProvider = r.Config.Classifier.Provider
	}
	return engine.Caller{ActorID: strings.TrimSpace(actorID), Credentials: creds}
}
