package devserver

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
)

// SubjectState is the current KYC record of a subject, served by the REST
// status endpoint.
type SubjectState struct {
	ID        string          `json:"id"`
	Status    string          `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	UpdatedAt int64           `json:"updatedAt"`
}

// EventRecord is one entry of a subject's event log.
type EventRecord struct {
	ID        string          `json:"id"`
	SubjectID string          `json:"subjectId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt int64           `json:"createdAt"`
}

// Store provides CRUD operations on the dev backend database.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertSubject inserts or replaces the state of a subject.
func (s *Store) UpsertSubject(st SubjectState) error {
	l := sub("store")
	l.Debug("UpsertSubject", "id", st.ID, "status", st.Status)
	_, err := s.db.Exec(`
		INSERT INTO subjects (id, status, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status     = excluded.status,
			payload    = excluded.payload,
			updated_at = excluded.updated_at
	`, st.ID, st.Status, string(st.Payload), st.UpdatedAt)
	if err != nil {
		l.Error("UpsertSubject failed", "id", st.ID, "err", err)
		return fmt.Errorf("upsert subject: %w", err)
	}
	return nil
}

// GetSubject retrieves a subject by id. Returns nil, nil when unknown.
func (s *Store) GetSubject(id string) (*SubjectState, error) {
	st := &SubjectState{}
	var payload string
	err := s.db.QueryRow(`
		SELECT id, status, payload, updated_at FROM subjects WHERE id = ?
	`, id).Scan(&st.ID, &st.Status, &payload, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		if logEnabled(slog.LevelDebug) {
			sub("store").Debug("GetSubject", "id", id, "found", false)
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subject: %w", err)
	}
	st.Payload = json.RawMessage(payload)
	return st, nil
}

// ListSubjects returns every subject ordered by id.
func (s *Store) ListSubjects() ([]SubjectState, error) {
	rows, err := s.db.Query(`SELECT id, status, payload, updated_at FROM subjects ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list subjects: %w", err)
	}
	defer rows.Close()

	var out []SubjectState
	for rows.Next() {
		var st SubjectState
		var payload string
		if err := rows.Scan(&st.ID, &st.Status, &payload, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		st.Payload = json.RawMessage(payload)
		out = append(out, st)
	}
	return out, rows.Err()
}

// DeleteSubject removes a subject and its event log.
func (s *Store) DeleteSubject(id string) error {
	sub("store").Debug("DeleteSubject", "id", id)
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec("DELETE FROM events WHERE subject_id = ?", id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}
	if _, err := tx.Exec("DELETE FROM subjects WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete subject: %w", err)
	}
	return tx.Commit()
}

// AppendEvent records an event in the subject's log.
func (s *Store) AppendEvent(e EventRecord) error {
	sub("store").Debug("AppendEvent", "id", e.ID, "subject", e.SubjectID, "type", e.Type)
	_, err := s.db.Exec(`
		INSERT INTO events (id, subject_id, type, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, e.ID, e.SubjectID, e.Type, string(e.Payload), e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events of a subject, newest first.
func (s *Store) RecentEvents(subjectID string, limit int) ([]EventRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, subject_id, type, payload, created_at
		FROM events WHERE subject_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()

	out := []EventRecord{}
	for rows.Next() {
		var e EventRecord
		var payload string
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountEvents returns the number of logged events for a subject.
func (s *Store) CountEvents(subjectID string) (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM events WHERE subject_id = ?", subjectID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
