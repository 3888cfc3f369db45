package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"livewatch/internal/channel"
	logx "livewatch/pkg/logx"
)

const (
	docSuffix  = ".json"
	partSuffix = "-part.json"
)

// fileStore keeps one document per channel under a directory.
//
// Files:
//   - <dir>/<channel>.json      (committed snapshot)
//   - <dir>/<channel>-part.json (in-flight write, renamed over the snapshot)
type fileStore struct {
	log logx.Logger
	dir string

	mu     sync.Mutex
	closed bool
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("cache.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

func (s *fileStore) docPath(id channel.ID) string {
	return filepath.Join(s.dir, url.PathEscape(string(id))+docSuffix)
}

func (s *fileStore) Load(ctx context.Context) (map[channel.ID]channel.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	entries, err := os.ReadDir(s.dir)
	if errors.Is(err, os.ErrNotExist) {
		return map[channel.ID]channel.State{}, nil
	}
	if err != nil {
		return nil, err
	}

	out := make(map[channel.ID]channel.State, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, docSuffix) || strings.HasSuffix(name, partSuffix) {
			continue
		}
		raw, err := url.PathUnescape(strings.TrimSuffix(name, docSuffix))
		if err != nil {
			s.log.Warn("skipping cache file with bad name", logx.String("file", name), logx.Err(err))
			continue
		}
		id := channel.NormalizeID(raw)

		b, err := os.ReadFile(filepath.Join(s.dir, name))
		if err != nil {
			s.log.Warn("cache entry unreadable, treating as offline", logx.Channel(id), logx.Err(err))
			out[id] = channel.State{}
			continue
		}
		st, err := channel.DecodeState(b)
		if err != nil {
			s.log.Warn("cache entry malformed, treating as offline", logx.Channel(id), logx.Err(err))
			out[id] = channel.State{}
			continue
		}
		out[id] = st
	}
	return out, nil
}

func (s *fileStore) Save(ctx context.Context, id channel.ID, st channel.State) error {
	_ = ctx
	b, err := channel.EncodeState(st)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	final := s.docPath(id)
	tmp := strings.TrimSuffix(final, docSuffix) + partSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("commit %s: %w", id, err)
	}
	return nil
}

func (s *fileStore) Remove(ctx context.Context, id channel.ID) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	err := os.Remove(s.docPath(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
