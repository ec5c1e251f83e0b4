package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"syncline/internal/config"
	"syncline/internal/db"
	"syncline/internal/engine"
	"syncline/internal/migrate"
	"syncline/internal/seed"
)

// Workspace is an opened workspace: its config, migrated database and engine.
type Workspace struct {
	Dir    string
	Config *config.Config
	Conn   *sql.DB
	Engine engine.Engine
	// Seeded is true when this open inserted the demo dataset.
	Seeded bool
}

// OpenWorkspace loads syncline.yml (defaults when absent), opens and migrates
// the database and seeds the demo dataset into an empty store. A non-nil cfg
// replaces the file config.
func OpenWorkspace(ctx context.Context, dir string, cfg *config.Config, logger *slog.Logger) (*Workspace, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		loaded, err := config.Load(dir)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	conn, err := db.Open(db.Config{Workspace: dir, BusyTimeout: cfg.Store.BusyTimeout})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = logger.With("component", "engine")
	seeded, err := seed.Apply(ctx, e.Repo)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("seed: %w", err)
	}
	if seeded {
		logger.Info("seeded demo dataset", "workspace", dir)
	}
	return &Workspace{Dir: dir, Config: cfg, Conn: conn, Engine: e, Seeded: seeded}, nil
}

func (w *Workspace) Close() error {
	return w.Conn.Close()
}

// InitWorkspace creates the workspace directory and writes the default
// config. An existing config is kept unless force is set.
func InitWorkspace(dir string, force bool) (string, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return "", err
	}
	path := config.Path(dir)
	if _, err := os.Stat(path); err == nil && !force {
		return path, fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
		return "", err
	}
	return path, nil
}
