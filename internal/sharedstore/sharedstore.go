// Package sharedstore holds cross-project troubleshooting knowledge:
// entries promoted out of a single project's event store because they
// proved useful enough to be worth surfacing in other projects too. It
// owns its own SQLite file and vector index under the shared path
// (§6), separate from any individual project's store.
package sharedstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/buzzni/code-memory/internal/embedding"
	"github.com/buzzni/code-memory/internal/memerr"
	"github.com/buzzni/code-memory/internal/retriever"
	"github.com/buzzni/code-memory/internal/vectorstore"
)

//go:embed schema_shared.sql
var schemaShared string

// Entry is a promoted troubleshooting memory, not tied to any one
// project after promotion.
type Entry struct {
	EntryID           string
	Title             string
	Content           string
	SourceProjectHash string
	Confidence        float64
	UsageCount        int
	LastUsedAt        *time.Time
	CreatedAt         time.Time
}

// Config gates promotion.
type Config struct {
	MinConfidenceForPromotion float64
	AutoPromote               bool
}

func (c Config) withDefaults() Config {
	if c.MinConfidenceForPromotion <= 0 {
		c.MinConfidenceForPromotion = 0.8
	}
	return c
}

// PromotionResult reports the outcome of a promote() call.
type PromotionResult struct {
	Promoted bool
	EntryID  string
	Reason   string // set when Promoted is false
}

// Store is the shared cross-project knowledge base.
type Store struct {
	db       *sql.DB
	vectors  *vectorstore.Store
	embedder embedding.Embedder
	cfg      Config
}

// Open opens (creating if absent) the shared SQLite file at path and
// ensures its schema and vector index exist.
func Open(path string, embedder embedding.Embedder, cfg Config) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create shared store dir: %v", memerr.ErrStorageUnavailable, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open shared store: %v", memerr.ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-64000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma %q: %v", memerr.ErrStorageUnavailable, p, err)
		}
	}
	if _, err := db.Exec(schemaShared); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: shared schema init: %v", memerr.ErrStorageUnavailable, err)
	}

	vectors, err := vectorstore.Open(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, vectors: vectors, embedder: embedder, cfg: cfg.withDefaults()}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Promote gates entry on confidence and auto_promote, then persists the
// entry plus its embedding.
func (s *Store) Promote(ctx context.Context, entry Entry, autoPromoteOverride *bool) (PromotionResult, error) {
	auto := s.cfg.AutoPromote
	if autoPromoteOverride != nil {
		auto = *autoPromoteOverride
	}
	if !auto {
		return PromotionResult{Promoted: false, Reason: "auto_promote disabled"}, nil
	}
	if entry.Confidence < s.cfg.MinConfidenceForPromotion {
		return PromotionResult{Promoted: false, Reason: fmt.Sprintf("confidence %.2f below minimum %.2f", entry.Confidence, s.cfg.MinConfidenceForPromotion)}, nil
	}

	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO shared_entries (entry_id, title, content, source_project_hash, confidence, usage_count, last_used_at, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, NULL, ?)`,
		entry.EntryID, entry.Title, entry.Content, entry.SourceProjectHash, entry.Confidence, entry.CreatedAt,
	)
	if err != nil {
		return PromotionResult{}, fmt.Errorf("%w: insert shared entry: %v", memerr.ErrStorageUnavailable, err)
	}

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, entry.Title+"\n"+entry.Content)
		if err != nil {
			return PromotionResult{}, fmt.Errorf("embed promoted entry: %w", err)
		}
		if err := s.vectors.Upsert(entry.EntryID, vec); err != nil {
			return PromotionResult{}, err
		}
	}

	return PromotionResult{Promoted: true, EntryID: entry.EntryID}, nil
}

// Get fetches an entry by id without bumping usage.
func (s *Store) Get(entryID string) (*Entry, error) {
	var e Entry
	var lastUsed sql.NullTime
	err := s.db.QueryRow(
		`SELECT entry_id, title, content, source_project_hash, confidence, usage_count, last_used_at, created_at
		 FROM shared_entries WHERE entry_id = ?`, entryID,
	).Scan(&e.EntryID, &e.Title, &e.Content, &e.SourceProjectHash, &e.Confidence, &e.UsageCount, &lastUsed, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get shared entry: %v", memerr.ErrStorageUnavailable, err)
	}
	if lastUsed.Valid {
		t := lastUsed.Time
		e.LastUsedAt = &t
	}
	return &e, nil
}

// SearchOptions narrows a hybrid Search call.
type SearchOptions struct {
	TopK               int
	MinConfidence      float64
	ExcludeProjectHash string
}

// SearchText performs a hybrid vector + keyword search over promoted
// entries by free-text query, excluding entries sourced from
// excludeProjectHash (the querying project's own prior promotions) when
// set. This is the spec's standalone search(query, {top_k,
// min_confidence}) operation, for callers (CLI, dashboard) that have
// only text, not a pre-computed query vector.
func (s *Store) SearchText(ctx context.Context, query string, opts SearchOptions) ([]retriever.SharedHit, error) {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}

	scores := map[string]float64{}
	entries := map[string]*Entry{}

	if s.embedder != nil {
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed shared query: %w", err)
		}
		hits, err := s.vectors.Search(vec, vectorstore.SearchOptions{Limit: 2 * opts.TopK})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			scores[h.EventID] = h.Score
		}
	}

	ftsHits, err := s.keywordSearch(query, 2*opts.TopK)
	if err != nil {
		return nil, err
	}
	for id, rank := range ftsHits {
		if existing, ok := scores[id]; ok {
			scores[id] = (existing + rank) / 2
		} else {
			scores[id] = rank
		}
	}

	type scored struct {
		id    string
		score float64
	}
	var ranked []scored
	for id, score := range scores {
		ranked = append(ranked, scored{id, score})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	var results []retriever.SharedHit
	for _, r := range ranked {
		if len(results) >= opts.TopK {
			break
		}
		e, ok := entries[r.id]
		if !ok {
			fetched, err := s.Get(r.id)
			if errors.Is(err, memerr.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			e = fetched
			entries[r.id] = e
		}
		if opts.ExcludeProjectHash != "" && e.SourceProjectHash == opts.ExcludeProjectHash {
			continue
		}
		if e.Confidence < opts.MinConfidence {
			continue
		}
		results = append(results, retriever.SharedHit{
			EntryID: e.EntryID,
			Title:   e.Title,
			Content: e.Content,
			Score:   r.score,
		})
	}
	return results, nil
}

func (s *Store) keywordSearch(query string, limit int) (map[string]float64, error) {
	ftsQuery := toPrefixQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}
	rows, err := s.db.Query(
		`SELECT e.entry_id, bm25(shared_entries_fts) AS rank
		 FROM shared_entries_fts JOIN shared_entries e ON e.rowid = shared_entries_fts.rowid
		 WHERE shared_entries_fts MATCH ? ORDER BY rank LIMIT ?`, ftsQuery, limit)
	if err != nil {
		return nil, nil // degrade silently, same posture as EventStore's FTS fallback
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			continue
		}
		out[id] = (-rank) / (1.0 + (-rank))
	}
	return out, rows.Err()
}

// Search implements retriever.SharedSearcher using a pre-computed query
// vector (the retriever already embedded the query once; this avoids a
// second embedding call). Vector-only, since the retriever's own
// errgroup already runs the project's own FTS search in parallel.
func (s *Store) Search(ctx context.Context, queryVec []float32, topK int, minScore float64, excludeProjectHash string) ([]retriever.SharedHit, error) {
	if topK <= 0 {
		topK = 5
	}
	hits, err := s.vectors.Search(queryVec, vectorstore.SearchOptions{Limit: topK, MinScore: minScore})
	if err != nil {
		return nil, err
	}
	var results []retriever.SharedHit
	for _, h := range hits {
		e, err := s.Get(h.EventID)
		if errors.Is(err, memerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if excludeProjectHash != "" && e.SourceProjectHash == excludeProjectHash {
			continue
		}
		results = append(results, retriever.SharedHit{EntryID: e.EntryID, Title: e.Title, Content: e.Content, Score: h.Score})
	}
	return results, nil
}

// BumpUsage increments usage_count and sets last_used_at, satisfying
// retriever.SharedSearcher.
func (s *Store) BumpUsage(ctx context.Context, entryID string) error {
	return s.RecordUsage(entryID)
}

// RecordUsage is the spec's record_usage(entry_id): the only mutation
// permitted on a promoted entry besides initial promotion.
func (s *Store) RecordUsage(entryID string) error {
	_, err := s.db.Exec(
		`UPDATE shared_entries SET usage_count = usage_count + 1, last_used_at = ? WHERE entry_id = ?`,
		time.Now(), entryID,
	)
	if err != nil {
		return fmt.Errorf("%w: record shared entry usage: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// Stats is the spec's stats() summary.
type Stats struct {
	TotalEntries  int
	TotalUsage    int
	AvgConfidence float64
}

// Stats reports aggregate counts over the shared store.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(usage_count), 0), COALESCE(AVG(confidence), 0) FROM shared_entries`).
		Scan(&st.TotalEntries, &st.TotalUsage, &st.AvgConfidence)
	if err != nil {
		return Stats{}, fmt.Errorf("%w: shared store stats: %v", memerr.ErrStorageUnavailable, err)
	}
	return st, nil
}

// toPrefixQuery builds an FTS5 MATCH expression out of a free-text
// query, mirroring the event store's own toFTSPrefixQuery so shared
// entry search degrades the same way on punctuation-heavy input.
func toPrefixQuery(query string) string {
	fields := strings.Fields(query)
	var terms []string
	for _, f := range fields {
		cleaned := strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				return r
			}
			return -1
		}, f)
		if cleaned != "" {
			terms = append(terms, cleaned+"*")
		}
	}
	return strings.Join(terms, " OR ")
}
