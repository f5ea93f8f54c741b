// Package app carries the process-wide pieces (workspace, config, logger)
// explicitly through the release pipeline.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"cascade/internal/config"
	"cascade/internal/db"
	"cascade/internal/domain"
	"cascade/internal/graph"
	"cascade/internal/manifest"
	"cascade/internal/migrate"
	"cascade/internal/repo"
)

type Context struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
}

// New builds a Context, falling back to the default config and a no-op logger.
func New(workspace string, cfg *config.Config, logger *zap.Logger) *Context {
	if workspace == "" {
		workspace = "."
	}
	if abs, err := filepath.Abs(workspace); err == nil {
		workspace = abs
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Context{Workspace: workspace, Config: cfg, Logger: logger}
}

// NewLogger builds a zap logger for level (debug|info|warn|error) and
// format (json|console).
func NewLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info", "":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}

	var cfg zap.Config
	switch format {
	case "json", "":
		cfg = zap.NewProductionConfig()
	case "console":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	return cfg.Build()
}

// Manifests returns the manifest store for the workspace members.
func (c *Context) Manifests() *manifest.Store {
	return manifest.New(c.Workspace, c.Config.Workspace.Members)
}

// LoadPackages reads the workspace and marks every package on the config
// skip list or in extraSkip as skipped.
func (c *Context) LoadPackages(store *manifest.Store, extraSkip []string) ([]domain.Package, error) {
	pkgs, err := store.LoadWorkspace()
	if err != nil {
		return nil, err
	}
	skip := map[string]bool{}
	for _, n := range c.Config.Release.Skip {
		skip[n] = true
	}
	for _, n := range extraSkip {
		skip[n] = true
	}
	known := map[string]bool{}
	for i := range pkgs {
		known[pkgs[i].Name] = true
		if skip[pkgs[i].Name] {
			pkgs[i].Skip = true
		}
	}
	for _, n := range append(append([]string{}, c.Config.Release.Skip...), extraSkip...) {
		if !known[n] {
			return nil, fmt.Errorf("%w: skip list names unknown package %s", graph.ErrInvalidWorkspace, n)
		}
	}
	c.Logger.Debug("workspace loaded", zap.String("workspace", c.Workspace), zap.Int("packages", len(pkgs)))
	return pkgs, nil
}

// Graph loads the workspace and builds its dependency graph.
func (c *Context) Graph(store *manifest.Store, extraSkip []string) (*graph.Graph, error) {
	pkgs, err := c.LoadPackages(store, extraSkip)
	if err != nil {
		return nil, err
	}
	return graph.Build(pkgs, graph.Options{IgnoreDevDeps: c.Config.Workspace.IgnoreDevDeps})
}

// OpenHistory opens and migrates the run history database.
func (c *Context) OpenHistory(ctx context.Context) (repo.Repo, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: c.Workspace})
	if err != nil {
		return repo.Repo{}, nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return repo.Repo{}, nil, err
	}
	return repo.Repo{DB: conn}, conn, nil
}
