package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Event types recorded by lifecycle adapters.
const (
	EventPrompt         = "prompt"
	EventToolUse        = "tool_use"
	EventToolError      = "tool_error"
	EventSessionSummary = "session_summary"
	EventSubagent       = "subagent"
)

// Event is one immutable record in the event log. There is deliberately
// no update path: the events_no_update trigger aborts any UPDATE because
// the FTS index is maintained from inserts and deletes only.
type Event struct {
	ID            int64           `json:"id"`
	SchemaVersion int             `json:"schema_version"`
	Type          string          `json:"type"`
	Timestamp     time.Time       `json:"ts"`
	SessionID     string          `json:"session_id"`
	Project       string          `json:"project"`
	ProjectPath   string          `json:"project_path"`
	Payload       json.RawMessage `json:"payload"`
}

// EventFilter selects events for QueryEvents. Zero values mean "any".
type EventFilter struct {
	Type        string
	SessionID   string
	Project     string
	ProjectPath string
	Since       time.Time

	// Search is an FTS5 match expression over the text/error payload
	// fields of indexed events.
	Search string

	// Limit caps the number of returned events; 0 means unlimited.
	Limit int
}

// AppendEvent inserts an event. It fails only on serialization or storage
// errors; callers on the hook path treat failure as advisory.
func (s *Store) AppendEvent(ctx context.Context, ev *Event) error {
	if ev.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if ev.SessionID == "" {
		return fmt.Errorf("event session id is required")
	}
	if ev.SchemaVersion == 0 {
		ev.SchemaVersion = 1
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload := ev.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	} else if !json.Valid(payload) {
		return fmt.Errorf("event payload is not valid JSON")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (schema_version, type, ts, session_id, project, project_path, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.SchemaVersion, ev.Type, ev.Timestamp.UTC().Format(time.RFC3339Nano),
		ev.SessionID, ev.Project, ev.ProjectPath, string(payload))
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

// QueryEvents returns events matching the filter, newest first.
func (s *Store) QueryEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	var (
		conds []string
		args  []any
	)
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Project != "" {
		conds = append(conds, "project = ?")
		args = append(args, f.Project)
	}
	if f.ProjectPath != "" {
		conds = append(conds, "project_path = ?")
		args = append(args, f.ProjectPath)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, f.Since.UTC().Format(time.RFC3339Nano))
	}
	if f.Search != "" {
		conds = append(conds, "id IN (SELECT rowid FROM events_fts WHERE events_fts MATCH ?)")
		args = append(args, f.Search)
	}

	query := "SELECT id, schema_version, type, ts, session_id, project, project_path, payload FROM events"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC, id DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SessionEvents returns up to limit of the session's most recent events.
func (s *Store) SessionEvents(ctx context.Context, sessionID string, limit int) ([]*Event, error) {
	return s.QueryEvents(ctx, EventFilter{SessionID: sessionID, Limit: limit})
}

// Prune deletes events older than the retention horizon, and knowledge
// entries older than the horizon that have never produced a match.
// Proven-useful knowledge (use_count > 0) is kept indefinitely.
func (s *Store) Prune(ctx context.Context, retentionDays int) (events int64, entries int64, err error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays).Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts < ?", cutoff)
	if err != nil {
		return 0, 0, fmt.Errorf("pruning events: %w", err)
	}
	events, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `
		DELETE FROM knowledge WHERE created_at < ? AND use_count = 0
	`, cutoff)
	if err != nil {
		return events, 0, fmt.Errorf("pruning knowledge: %w", err)
	}
	entries, _ = res.RowsAffected()

	// Vectors whose owner rows were pruned are orphaned; drop them too.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM knowledge_vectors WHERE owner_id NOT IN (SELECT id FROM knowledge)
	`); err != nil {
		return events, entries, fmt.Errorf("pruning orphaned vectors: %w", err)
	}
	return events, entries, nil
}

func scanEvent(rows *sql.Rows) (*Event, error) {
	var (
		ev      Event
		ts      string
		payload string
	)
	if err := rows.Scan(&ev.ID, &ev.SchemaVersion, &ev.Type, &ts, &ev.SessionID, &ev.Project, &ev.ProjectPath, &payload); err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parsing event timestamp %q: %w", ts, err)
	}
	ev.Timestamp = parsed
	ev.Payload = json.RawMessage(payload)
	return &ev, nil
}
