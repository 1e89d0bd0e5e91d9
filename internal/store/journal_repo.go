package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/anthropics/cascade-engine/internal/domain"
)

// JournalRepo handles persistence for cascade events and the injection log.
type JournalRepo struct{}

// AppendEvent inserts a cascade event and returns its assigned ID.
func (r *JournalRepo) AppendEvent(ctx context.Context, db *sql.DB, event domain.CascadeEvent) (int64, error) {
	const q = `INSERT INTO cascade_events (source, event_type, payload_json, created_at)
VALUES (?, ?, ?, ?)`
	res, err := db.ExecContext(ctx, q,
		event.Source,
		event.EventType,
		event.PayloadJSON,
		event.CreatedAt,
	)
	if err != nil {
		return 0, domain.WrapStackError(domain.ErrStoreWrite.Code, "append event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event id: %w", err)
	}
	return id, nil
}

// ListEvents returns events with IDs greater than sinceID, ordered by ID
// ascending. An empty source matches all sources.
func (r *JournalRepo) ListEvents(ctx context.Context, db *sql.DB, source string, sinceID int64) ([]domain.CascadeEvent, error) {
	const q = `SELECT id, source, event_type, payload_json, created_at
FROM cascade_events
WHERE (? = '' OR source = ?) AND id > ?
ORDER BY id ASC`

	rows, err := db.QueryContext(ctx, q, source, source, sinceID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []domain.CascadeEvent
	for rows.Next() {
		var e domain.CascadeEvent
		if err := rows.Scan(&e.ID, &e.Source, &e.EventType, &e.PayloadJSON, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordInjection inserts one routed-insight record.
func (r *JournalRepo) RecordInjection(ctx context.Context, db *sql.DB, rec domain.InjectionRecord) error {
	const q = `INSERT INTO injection_log (id, source, score, chars, created_at)
VALUES (?, ?, ?, ?, ?)`
	_, err := db.ExecContext(ctx, q,
		rec.ID,
		rec.Source,
		rec.Score,
		rec.Chars,
		rec.CreatedAt,
	)
	if err != nil {
		return domain.WrapStackError(domain.ErrStoreWrite.Code, "record injection", err)
	}
	return nil
}

// ListInjections returns injection records from a source ordered by
// creation time ascending. An empty source matches all sources.
func (r *JournalRepo) ListInjections(ctx context.Context, db *sql.DB, source string) ([]domain.InjectionRecord, error) {
	const q = `SELECT id, source, score, chars, created_at
FROM injection_log
WHERE (? = '' OR source = ?)
ORDER BY created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, source, source)
	if err != nil {
		return nil, fmt.Errorf("list injections: %w", err)
	}
	defer rows.Close()

	var recs []domain.InjectionRecord
	for rows.Next() {
		var rec domain.InjectionRecord
		if err := rows.Scan(&rec.ID, &rec.Source, &rec.Score, &rec.Chars, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan injection: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
