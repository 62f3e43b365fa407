package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Collection names a source table and its parallel vector table. The
// registry keeps vector search generic: any table can gain semantic
// lookup by pairing it with an owner_id -> blob table.
type Collection struct {
	Name        string
	sourceTable string
	vectorTable string

	// embedText is a SQL expression over the source table producing the
	// text to embed for a row.
	embedText string
}

// Registered collections.
var (
	// CollectionKnowledge holds error-signature vectors.
	CollectionKnowledge = Collection{
		Name:        "knowledge",
		sourceTable: "knowledge",
		vectorTable: "knowledge_vectors",
		embedText:   "normalized_key",
	}

	// CollectionSkills holds skill-description vectors.
	CollectionSkills = Collection{
		Name:        "skills",
		sourceTable: "skills",
		vectorTable: "skill_vectors",
		embedText:   "COALESCE(description, '') || ' ' || COALESCE(triggers, '')",
	}
)

// VectorRow is one stored vector with its owner identity.
type VectorRow struct {
	OwnerID int64
	Vector  []float32
}

// PendingVector is a source row that has no vector yet, with the text the
// reconciler should embed for it.
type PendingVector struct {
	OwnerID int64
	Text    string
}

// UpsertVector replaces the vector for an owner row. Delete-then-insert
// keeps the operation idempotent under reconciler re-runs.
func (s *Store) UpsertVector(ctx context.Context, c Collection, ownerID int64, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("vector is empty")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning vector upsert: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM "+c.vectorTable+" WHERE owner_id = ?", ownerID); err != nil {
		return fmt.Errorf("deleting stale vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO "+c.vectorTable+" (owner_id, vector) VALUES (?, ?)",
		ownerID, vectorToBlob(vec)); err != nil {
		return fmt.Errorf("inserting vector: %w", err)
	}
	return tx.Commit()
}

// VectorRows streams every stored vector in the collection.
func (s *Store) VectorRows(ctx context.Context, c Collection, fn func(VectorRow) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT owner_id, vector FROM "+c.vectorTable)
	if err != nil {
		return fmt.Errorf("querying %s vectors: %w", c.Name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ownerID int64
			blob    []byte
		)
		if err := rows.Scan(&ownerID, &blob); err != nil {
			return fmt.Errorf("scanning vector row: %w", err)
		}
		vec, err := blobToVector(blob)
		if err != nil {
			// Corrupt blob: skip the row rather than failing the scan.
			continue
		}
		if err := fn(VectorRow{OwnerID: ownerID, Vector: vec}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// PendingVectors returns source rows missing a vector, oldest first.
func (s *Store) PendingVectors(ctx context.Context, c Collection) ([]PendingVector, error) {
	query := fmt.Sprintf(`
		SELECT id, %s FROM %s
		WHERE id NOT IN (SELECT owner_id FROM %s)
		ORDER BY id
	`, c.embedText, c.sourceTable, c.vectorTable)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying pending %s vectors: %w", c.Name, err)
	}
	defer rows.Close()

	var pending []PendingVector
	for rows.Next() {
		var p PendingVector
		if err := rows.Scan(&p.OwnerID, &p.Text); err != nil {
			return nil, fmt.Errorf("scanning pending vector: %w", err)
		}
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// vectorToBlob serializes a vector as little-endian float32s.
func vectorToBlob(vec []float32) []byte {
	blob := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// blobToVector parses a little-endian float32 blob.
func blobToVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
