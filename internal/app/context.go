package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"fiadopay/internal/config"
	"fiadopay/internal/db"
	"fiadopay/internal/engine"
	"fiadopay/internal/migrate"
	"fiadopay/internal/repo"
)

// Workspace is an opened, migrated workspace database with its config.
type Workspace struct {
	Dir    string
	DB     *sql.DB
	Config *config.Config
}

// OpenWorkspace loads fiadopay.yml (defaults when absent), opens the
// workspace database and applies pending migrations.
func OpenWorkspace(ctx context.Context, dir string) (*Workspace, error) {
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Workspace{Dir: dir, DB: conn, Config: cfg}, nil
}

func (w *Workspace) Repo() repo.Repo {
	return repo.Repo{DB: w.DB}
}

// Engine builds an engine over the workspace. The caller closes it before
// closing the workspace.
func (w *Workspace) Engine(log *slog.Logger) *engine.Engine {
	return engine.New(w.DB, w.Config, engine.Options{Logger: log})
}

func (w *Workspace) Close() error {
	return w.DB.Close()
}
