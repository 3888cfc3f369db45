package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	logx "livewatch/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations_sqlite.sql migrations_postgres.sql
var migrationsFS embed.FS

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL: a committed row must survive power loss before we notify.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	st := &sqlStore{
		db:  db,
		log: log,
		upsert: `INSERT INTO channel_state(channel_id, snapshot, updated_at) VALUES(?,?,?)
		 ON CONFLICT(channel_id) DO UPDATE SET snapshot=excluded.snapshot, updated_at=excluded.updated_at`,
		delete: `DELETE FROM channel_state WHERE channel_id = ?`,
	}
	b, err := migrationsFS.ReadFile("migrations_sqlite.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.migrate(context.Background(), string(b)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
