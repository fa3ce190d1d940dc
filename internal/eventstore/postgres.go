package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore is a durable, crash-recoverable Store backed by Postgres,
// modeled on the teacher's transactional package store: a single append-only
// table, and id assignment delegated to a
// `BIGSERIAL` column so Postgres itself guarantees gap-free monotonicity
// under concurrent writers.
//
// Best-effort event types are queued in memory rather than written
// synchronously, trading durability for latency on high-frequency
// telemetry-shaped events (spec.md §4.1, §9). Queued events are written only
// when Flush is called; nothing flushes them in the background, and Append
// returns such an event with ID 0 because no id is assigned until Flush.
type PostgresStore struct {
	db *sql.DB

	mu      sync.Mutex
	pending []pendingEvent
}

type pendingEvent struct {
	eventType   Type
	subject     Subject
	payload     map[string]interface{}
	causationID *uint64
}

// NewPostgresStore wraps an open *sql.DB. The caller is responsible for
// creating the schema (see EnsureSchema) before first use.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS kernel_events (
	id           BIGSERIAL PRIMARY KEY,
	wall_clock   TIMESTAMPTZ NOT NULL,
	monotonic_ts BIGINT NOT NULL,
	tenant_id    TEXT NOT NULL DEFAULT '',
	event_type   TEXT NOT NULL,
	service_id   TEXT NOT NULL DEFAULT '',
	is_system    BOOLEAN NOT NULL DEFAULT FALSE,
	payload      JSONB NOT NULL DEFAULT '{}'::jsonb,
	causation_id BIGINT
)`

// EnsureSchema creates the events table if it does not already exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, createTableSQL)
	return err
}

func (s *PostgresStore) Append(ctx context.Context, eventType Type, subject Subject, payload map[string]interface{}, causationID *uint64) (Event, error) {
	if !Durable(eventType) {
		s.mu.Lock()
		s.pending = append(s.pending, pendingEvent{eventType, subject, payload, causationID})
		s.mu.Unlock()
		return Event{
			WallClock:   time.Now().UTC(),
			MonotonicTS: time.Now().UnixNano(),
			TenantID:    subject.TenantID,
			EventType:   eventType,
			Subject:     subject,
			Payload:     payload,
			CausationID: causationID,
		}, nil
	}
	return s.insert(ctx, eventType, subject, payload, causationID)
}

func (s *PostgresStore) insert(ctx context.Context, eventType Type, subject Subject, payload map[string]interface{}, causationID *uint64) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	now := time.Now().UTC()
	var ev Event
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO kernel_events
			(wall_clock, monotonic_ts, tenant_id, event_type, service_id, is_system, payload, causation_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, wall_clock, monotonic_ts
	`, now, now.UnixNano(), subject.TenantID, string(eventType), subject.ServiceID, subject.System, body, causationID)

	if err := row.Scan(&ev.ID, &ev.WallClock, &ev.MonotonicTS); err != nil {
		return Event{}, err
	}
	ev.TenantID = subject.TenantID
	ev.EventType = eventType
	ev.Subject = subject
	ev.Payload = payload
	ev.CausationID = causationID
	return ev, nil
}

// Flush drains any queued best-effort events into the database.
func (s *PostgresStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range batch {
		if _, err := s.insert(ctx, p.eventType, p.subject, p.payload, p.causationID); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) Stream(ctx context.Context, sinceID uint64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wall_clock, monotonic_ts, tenant_id, event_type, service_id, is_system, payload, causation_id
		FROM kernel_events
		WHERE id > $1
		ORDER BY id ASC
	`, sinceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *PostgresStore) Filter(ctx context.Context, f Filter) ([]Event, error) {
	query := `
		SELECT id, wall_clock, monotonic_ts, tenant_id, event_type, service_id, is_system, payload, causation_id
		FROM kernel_events
		WHERE ($1 = '' OR tenant_id = $1)
		  AND ($2 = '' OR service_id = $2)
		  AND ($3 = '' OR event_type = $3)
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, f.TenantID, f.ServiceID, string(f.EventType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	out := make([]Event, 0)
	for rows.Next() {
		var ev Event
		var body []byte
		var eventType string
		var causationID sql.NullInt64
		if err := rows.Scan(&ev.ID, &ev.WallClock, &ev.MonotonicTS, &ev.TenantID, &eventType,
			&ev.Subject.ServiceID, &ev.Subject.System, &body, &causationID); err != nil {
			return nil, err
		}
		ev.EventType = Type(eventType)
		ev.Subject.TenantID = ev.TenantID
		if len(body) > 0 {
			if err := json.Unmarshal(body, &ev.Payload); err != nil {
				return nil, err
			}
		}
		if causationID.Valid {
			id := uint64(causationID.Int64)
			ev.CausationID = &id
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) LastID(ctx context.Context) (uint64, error) {
	var id sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(id) FROM kernel_events`).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}

func (s *PostgresStore) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `TRUNCATE TABLE kernel_events RESTART IDENTITY`)
	return err
}
