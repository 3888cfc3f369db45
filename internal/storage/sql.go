package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"livewatch/internal/channel"
	logx "livewatch/pkg/logx"
)

// sqlStore is shared by the sqlite and postgres drivers. Only the
// placeholder style and upsert statement differ.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	upsert string
	delete string
}

func (s *sqlStore) Load(ctx context.Context) (map[channel.ID]channel.State, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, snapshot FROM channel_state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[channel.ID]channel.State{}
	for rows.Next() {
		var (
			rawID string
			doc   sql.NullString
		)
		if err := rows.Scan(&rawID, &doc); err != nil {
			return nil, err
		}
		id := channel.NormalizeID(rawID)
		st, err := channel.DecodeState([]byte(doc.String))
		if err != nil {
			s.log.Warn("cache entry malformed, treating as offline", logx.Channel(id), logx.Err(err))
			st = channel.State{}
		}
		out[id] = st
	}
	return out, rows.Err()
}

func (s *sqlStore) Save(ctx context.Context, id channel.ID, st channel.State) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	b, err := channel.EncodeState(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.upsert, string(id), string(b), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *sqlStore) Remove(ctx context.Context, id channel.ID) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx, s.delete, string(id))
	return err
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) migrate(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
