package ledger

import (
	"context"
	"database/sql"
	"strings"

	_ "modernc.org/sqlite"
)

const MemoryDSN = ":memory:"

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		path = MemoryDSN
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// an in-memory database lives and dies with its connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	return &Store{db: db}, nil
}

func OpenMemory(ctx context.Context) (*Store, error) {
	s, err := Open(MemoryDSN)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS updates (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  resource TEXT NOT NULL,
  resource_id TEXT NOT NULL,
  event TEXT NOT NULL DEFAULT 'message',
  kind TEXT NOT NULL,
  fields_json TEXT NOT NULL DEFAULT '[]',
  data_json TEXT NOT NULL,
  recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_updates_resource ON updates(resource, resource_id, seq);
CREATE TABLE IF NOT EXISTS uploads (
  file_id TEXT PRIMARY KEY,
  uri TEXT NOT NULL,
  filename TEXT NOT NULL,
  content_type TEXT NOT NULL,
  size_bytes INTEGER NOT NULL,
  sha256 TEXT NOT NULL,
  chat_id TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_uploads_chat ON uploads(chat_id, created_at);`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
