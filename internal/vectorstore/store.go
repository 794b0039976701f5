// Package vectorstore holds the float32 embedding for every event that
// reaches the outbox and answers semantic similarity queries over them.
// It shares the event store's SQLite file rather than a dedicated
// vector database: at single-project, single-user scale a brute-force
// in-process cosine scan over a few thousand rows is well under the
// latency budget, and keeping one file simplifies backup, migration, and
// the project router's lifecycle (see DESIGN.md).
package vectorstore

import (
	"database/sql"
	_ "embed"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/buzzni/code-memory/internal/memerr"
)

//go:embed schema_vectors.sql
var schemaVectors string

// Record is one embedding row: the vector plus enough identifying
// metadata for the retriever to avoid a second round trip to the event
// store for the common case. EventType/SessionID/Timestamp are set by
// the outbox worker from the hydrated event (see spec.md §3's
// VectorRecord model); a zero Timestamp means the caller never hydrated
// the event (e.g. an older row written before this field existed), and
// callers that need an accurate age should still hydrate from the event
// store rather than trust a zero value here.
type Record struct {
	EventID   string
	Embedding []float32
	UpdatedAt time.Time
	EventType string
	SessionID string
	Timestamp time.Time
}

// Hit pairs a vector record with its normalized similarity score.
type Hit struct {
	EventID   string
	Score     float64 // cosine similarity remapped from [-1,1] to [0,1]
	EventType string
	SessionID string
	Timestamp time.Time
}

// SearchOptions narrows a Search call.
type SearchOptions struct {
	Limit        int
	MinScore     float64
	CandidateIDs []string // restrict the scan to this set, if non-empty
}

// cosineToScore maps cosine similarity (range [-1,1]) to the spec's
// "1 - distance/2" score, where distance = 1 - similarity. Algebraically
// this is (1 + similarity) / 2, giving a score in [0,1].
func cosineToScore(similarity float64) float64 {
	return (1 + similarity) / 2
}

// Store is the SQLite-backed vector index.
type Store struct {
	db *sql.DB
}

// Open attaches the vector store to an already-open SQLite connection
// (typically the same *sql.DB the event store uses) and ensures its
// table exists.
func Open(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schemaVectors); err != nil {
		return nil, fmt.Errorf("%w: vector schema init: %v", memerr.ErrVectorStoreUnavailable, err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrate self-migrates columns added by later releases onto a
// vector_records table created before they existed, mirroring the event
// store's PRAGMA table_info probe + ALTER TABLE idiom (see eventstore's
// ensureColumn).
func (s *Store) migrate() error {
	for _, col := range []struct{ name, sqlType string }{
		{"event_type", "TEXT NOT NULL DEFAULT ''"},
		{"session_id", "TEXT NOT NULL DEFAULT ''"},
		{"timestamp", "DATETIME"},
	} {
		if err := s.ensureColumn("vector_records", col.name, col.sqlType); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureColumn(table, column, sqlType string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("%w: table_info(%s): %v", memerr.ErrVectorStoreUnavailable, table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, sqlType)); err != nil {
		return fmt.Errorf("%w: add column %s.%s: %v", memerr.ErrVectorStoreUnavailable, table, column, err)
	}
	return nil
}

// Upsert writes or replaces the embedding for an event.
func (s *Store) Upsert(eventID string, embedding []float32) error {
	_, err := s.db.Exec(
		`INSERT INTO vector_records (event_id, embedding, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET embedding = excluded.embedding, updated_at = excluded.updated_at`,
		eventID, encodeEmbedding(embedding), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: upsert vector: %v", memerr.ErrVectorStoreUnavailable, err)
	}
	return nil
}

// UpsertBatch writes several records in one transaction, used by the
// outbox worker to amortize commit cost across a claimed batch. Records
// hydrated with EventType/SessionID/Timestamp carry them through so a
// later Search hit doesn't have to round-trip to the event store just to
// report them back.
func (s *Store) UpsertBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin vector batch: %v", memerr.ErrVectorStoreUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO vector_records (event_id, embedding, updated_at, event_type, session_id, timestamp) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id) DO UPDATE SET embedding = excluded.embedding, updated_at = excluded.updated_at,
		   event_type = excluded.event_type, session_id = excluded.session_id, timestamp = excluded.timestamp`,
	)
	if err != nil {
		return fmt.Errorf("%w: prepare vector batch: %v", memerr.ErrVectorStoreUnavailable, err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, r := range records {
		updatedAt := r.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = now
		}
		var ts any
		if !r.Timestamp.IsZero() {
			ts = r.Timestamp
		}
		if _, err := stmt.Exec(r.EventID, encodeEmbedding(r.Embedding), updatedAt, r.EventType, r.SessionID, ts); err != nil {
			return fmt.Errorf("%w: upsert vector batch row %s: %v", memerr.ErrVectorStoreUnavailable, r.EventID, err)
		}
	}
	return tx.Commit()
}

// Delete removes the vector record for an event, if any.
func (s *Store) Delete(eventID string) error {
	_, err := s.db.Exec(`DELETE FROM vector_records WHERE event_id = ?`, eventID)
	if err != nil {
		return fmt.Errorf("%w: delete vector: %v", memerr.ErrVectorStoreUnavailable, err)
	}
	return nil
}

// Exists reports whether an event already has an embedding, used by the
// outbox worker to skip re-embedding after a crash mid-batch.
func (s *Store) Exists(eventID string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM vector_records WHERE event_id = ?`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("%w: exists vector: %v", memerr.ErrVectorStoreUnavailable, err)
	}
	return true, nil
}

// Count returns the number of embedded events.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM vector_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count vectors: %v", memerr.ErrVectorStoreUnavailable, err)
	}
	return n, nil
}

// Search performs a brute-force cosine similarity scan against every
// stored embedding and returns the top opts.Limit hits scoring at least
// opts.MinScore, highest score first. opts.CandidateIDs, if non-empty,
// restricts the scan to that set; the retriever passes none and filters
// hits by session afterwards.
func (s *Store) Search(query []float32, opts SearchOptions) ([]Hit, error) {
	rows, err := s.scanRows(opts.CandidateIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var eventID, eventType, sessionID string
		var blob []byte
		var ts sql.NullTime
		if err := rows.Scan(&eventID, &blob, &eventType, &sessionID, &ts); err != nil {
			return nil, fmt.Errorf("%w: scan vector row: %v", memerr.ErrVectorStoreUnavailable, err)
		}
		emb := decodeEmbedding(blob)
		if emb == nil {
			continue
		}
		score := cosineToScore(cosineSimilarity(query, emb))
		if score < opts.MinScore {
			continue
		}
		hit := Hit{EventID: eventID, Score: score, EventType: eventType, SessionID: sessionID}
		if ts.Valid {
			hit.Timestamp = ts.Time
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate vectors: %v", memerr.ErrVectorStoreUnavailable, err)
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if opts.Limit > 0 && len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

const vectorSelectColumns = `event_id, embedding, event_type, session_id, timestamp`

func (s *Store) scanRows(candidateIDs []string) (*sql.Rows, error) {
	if len(candidateIDs) == 0 {
		rows, err := s.db.Query(`SELECT ` + vectorSelectColumns + ` FROM vector_records`)
		if err != nil {
			return nil, fmt.Errorf("%w: query vectors: %v", memerr.ErrVectorStoreUnavailable, err)
		}
		return rows, nil
	}

	placeholders := make([]byte, 0, len(candidateIDs)*2)
	args := make([]any, len(candidateIDs))
	for i, id := range candidateIDs {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}
		placeholders = append(placeholders, '?')
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT `+vectorSelectColumns+` FROM vector_records WHERE event_id IN (%s)`, string(placeholders))
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query vectors by id: %v", memerr.ErrVectorStoreUnavailable, err)
	}
	return rows, nil
}

// encodeEmbedding converts []float32 to a little-endian byte blob.
func encodeEmbedding(embedding []float32) []byte {
	buf := make([]byte, len(embedding)*4)
	for i, val := range embedding {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(val))
	}
	return buf
}

// decodeEmbedding converts a little-endian byte blob back to []float32.
func decodeEmbedding(blob []byte) []float32 {
	if len(blob)%4 != 0 {
		return nil
	}
	embedding := make([]float32, len(blob)/4)
	for i := range embedding {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		embedding[i] = math.Float32frombits(bits)
	}
	return embedding
}

// cosineSimilarity computes cosine similarity between two equal-length
// embeddings, returning 0 for mismatched lengths or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}
