package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"helixstream/internal/events"
)

var ErrEntryNotFound = errors.New("journal entry not found")

const (
	ResourceTask        = "task"
	ResourceChat        = "chat"
	ResourceChatMessage = "chat_message"
)

type Entry struct {
	Seq        int64
	Resource   string
	ResourceID string
	Event      string
	Kind       events.Kind
	Fields     []string
	Data       json.RawMessage
	RecordedAt time.Time
}

func EntryFromUpdate(resource, resourceID, eventType string, u events.Update) Entry {
	return Entry{
		Resource:   resource,
		ResourceID: resourceID,
		Event:      eventType,
		Kind:       u.Kind,
		Fields:     u.Fields,
		Data:       u.Data,
	}
}

func (s *Store) Append(ctx context.Context, e Entry) (int64, error) {
	if e.Resource == "" || e.ResourceID == "" {
		return 0, fmt.Errorf("journal entry needs resource and resource id")
	}
	if e.Event == "" {
		e.Event = events.TypeMessage
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	fields := e.Fields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, _ := json.Marshal(fields)
	data := string(e.Data)
	if data == "" {
		data = "null"
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO updates(resource, resource_id, event, kind, fields_json, data_json, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.Resource, e.ResourceID, e.Event, e.Kind.String(), string(fieldsJSON), data, e.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) List(ctx context.Context, resource, resourceID string, fromSeq, limit int64) ([]Entry, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT seq, resource, resource_id, event, kind, fields_json, data_json, recorded_at
		 FROM updates WHERE resource=? AND resource_id=? AND seq>=?
		 ORDER BY seq ASC LIMIT ?`,
		resource, resourceID, fromSeq, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Latest(ctx context.Context, resource, resourceID string) (Entry, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT seq, resource, resource_id, event, kind, fields_json, data_json, recorded_at
		 FROM updates WHERE resource=? AND resource_id=?
		 ORDER BY seq DESC LIMIT 1`,
		resource, resourceID,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (Entry, error) {
	var e Entry
	var kind, fieldsJSON, dataJSON, ts string
	if err := sc.Scan(&e.Seq, &e.Resource, &e.ResourceID, &e.Event, &kind, &fieldsJSON, &dataJSON, &ts); err != nil {
		return Entry{}, err
	}
	if kind == events.KindPartial.String() {
		e.Kind = events.KindPartial
		_ = json.Unmarshal([]byte(fieldsJSON), &e.Fields)
	}
	e.Data = json.RawMessage(dataJSON)
	e.RecordedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return e, nil
}
