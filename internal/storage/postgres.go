package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	logx "livewatch/pkg/logx"

	_ "github.com/lib/pq"
)

func openPostgres(cfg Config, log logx.Logger) (Store, error) {
	dsn := strings.TrimSpace(cfg.Path)
	if dsn == "" {
		return nil, errors.New("postgres connection string is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	st := &sqlStore{
		db:  db,
		log: log,
		upsert: `INSERT INTO channel_state(channel_id, snapshot, updated_at) VALUES($1,$2,$3)
		 ON CONFLICT(channel_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=EXCLUDED.updated_at`,
		delete: `DELETE FROM channel_state WHERE channel_id = $1`,
	}
	b, err := migrationsFS.ReadFile("migrations_postgres.sql")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := st.migrate(ctx, string(b)); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}
