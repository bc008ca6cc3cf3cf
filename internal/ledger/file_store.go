package ledger

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var ErrUploadNotFound = errors.New("upload not found")

type UploadRecord struct {
	FileID      string
	URI         string
	Filename    string
	ContentType string
	SizeBytes   int64
	SHA256      string
	ChatID      string
	CreatedAt   time.Time
}

func (s *Store) CreateUpload(ctx context.Context, rec UploadRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO uploads(file_id, uri, filename, content_type, size_bytes, sha256, chat_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(file_id) DO UPDATE SET chat_id=excluded.chat_id`,
		rec.FileID,
		rec.URI,
		rec.Filename,
		rec.ContentType,
		rec.SizeBytes,
		rec.SHA256,
		rec.ChatID,
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) GetUpload(ctx context.Context, fileID string) (UploadRecord, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT file_id, uri, filename, content_type, size_bytes, sha256, chat_id, created_at
		 FROM uploads
		 WHERE file_id=?`,
		fileID,
	)
	var out UploadRecord
	var ts string
	if err := row.Scan(
		&out.FileID,
		&out.URI,
		&out.Filename,
		&out.ContentType,
		&out.SizeBytes,
		&out.SHA256,
		&out.ChatID,
		&ts,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return UploadRecord{}, ErrUploadNotFound
		}
		return UploadRecord{}, err
	}
	out.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return out, nil
}

func (s *Store) ListUploads(ctx context.Context, chatID string) ([]UploadRecord, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT file_id, uri, filename, content_type, size_bytes, sha256, chat_id, created_at
		 FROM uploads WHERE chat_id=? ORDER BY created_at ASC`,
		chatID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []UploadRecord{}
	for rows.Next() {
		var rec UploadRecord
		var ts string
		if err := rows.Scan(&rec.FileID, &rec.URI, &rec.Filename, &rec.ContentType, &rec.SizeBytes, &rec.SHA256, &rec.ChatID, &ts); err != nil {
			return nil, err
		}
		rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}
