package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SkillRecord is the indexed form of an externally managed skill
// definition. The definition file is the source of truth; these rows
// exist so skill descriptions can be vector-searched.
type SkillRecord struct {
	ID          int64
	Name        string
	Scope       string
	SourcePath  string
	Description string

	// Triggers is a JSON array of declared trigger phrases.
	Triggers string

	UpdatedAt time.Time
}

const skillColumns = "id, name, scope, source_path, description, triggers, updated_at"

// UpsertSkill inserts or refreshes a skill record by name and returns its
// row id. A refreshed record drops its vector so the reconciler re-embeds
// it against the new description.
func (s *Store) UpsertSkill(ctx context.Context, rec *SkillRecord) (int64, error) {
	if rec.Name == "" {
		return 0, fmt.Errorf("skill name is required")
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	existing, err := s.SkillByName(ctx, rec.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return 0, err
	}

	if existing != nil {
		if !updatedAt.After(existing.UpdatedAt) {
			return existing.ID, nil
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE skills SET scope = ?, source_path = ?, description = ?, triggers = ?, updated_at = ?
			WHERE id = ?
		`, rec.Scope, rec.SourcePath, nullable(rec.Description), nullable(rec.Triggers),
			updatedAt.Format(time.RFC3339Nano), existing.ID)
		if err != nil {
			return 0, fmt.Errorf("updating skill record: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, "DELETE FROM skill_vectors WHERE owner_id = ?", existing.ID); err != nil {
			return 0, fmt.Errorf("dropping stale skill vector: %w", err)
		}
		return existing.ID, nil
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO skills (name, scope, source_path, description, triggers, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Name, rec.Scope, rec.SourcePath, nullable(rec.Description), nullable(rec.Triggers),
		updatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("inserting skill record: %w", err)
	}
	return res.LastInsertId()
}

// ListSkills returns all skill records ordered by name.
func (s *Store) ListSkills(ctx context.Context) ([]*SkillRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+skillColumns+" FROM skills ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing skill records: %w", err)
	}
	defer rows.Close()

	var recs []*SkillRecord
	for rows.Next() {
		rec, err := scanSkill(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// SkillByName returns the skill record with the given name.
func (s *Store) SkillByName(ctx context.Context, name string) (*SkillRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+skillColumns+" FROM skills WHERE name = ?", name)
	return scanSkill(row)
}

// SkillByID returns the skill record with the given row id.
func (s *Store) SkillByID(ctx context.Context, id int64) (*SkillRecord, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+skillColumns+" FROM skills WHERE id = ?", id)
	return scanSkill(row)
}

func scanSkill(row rowScanner) (*SkillRecord, error) {
	var (
		rec         SkillRecord
		description sql.NullString
		triggers    sql.NullString
		updatedAt   string
	)
	err := row.Scan(&rec.ID, &rec.Name, &rec.Scope, &rec.SourcePath, &description, &triggers, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning skill record: %w", err)
	}
	rec.Description = description.String
	rec.Triggers = triggers.String
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		rec.UpdatedAt = t
	}
	return &rec, nil
}
