package vectorstore

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "vectors.db"))
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUpsertAndSearchRanksBySimilarity(t *testing.T) {
	s, err := Open(setupTestDB(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := s.Upsert("ev-close", []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Upsert("ev-orthogonal", []float32{0, 1, 0}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if err := s.Upsert("ev-opposite", []float32{-1, 0, 0}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	hits, err := s.Search([]float32{1, 0, 0}, SearchOptions{Limit: 3})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("len(hits) = %d, want 3", len(hits))
	}
	if hits[0].EventID != "ev-close" {
		t.Errorf("top hit = %q, want ev-close", hits[0].EventID)
	}
	if hits[0].Score < 0.99 {
		t.Errorf("top score = %f, want ~1.0", hits[0].Score)
	}
	if hits[len(hits)-1].EventID != "ev-opposite" {
		t.Errorf("bottom hit = %q, want ev-opposite", hits[len(hits)-1].EventID)
	}
	if hits[len(hits)-1].Score > 0.01 {
		t.Errorf("opposite-vector score = %f, want ~0.0", hits[len(hits)-1].Score)
	}
}

func TestSearchRespectsCandidateFilter(t *testing.T) {
	s, err := Open(setupTestDB(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Upsert("a", []float32{1, 0})
	s.Upsert("b", []float32{1, 0})
	s.Upsert("c", []float32{1, 0})

	hits, err := s.Search([]float32{1, 0}, SearchOptions{Limit: 10, CandidateIDs: []string{"b"}})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].EventID != "b" {
		t.Fatalf("Search() with candidate filter = %+v, want only b", hits)
	}
}

func TestSearchFiltersByMinScore(t *testing.T) {
	s, err := Open(setupTestDB(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.Upsert("close", []float32{1, 0})
	s.Upsert("opposite", []float32{-1, 0})

	hits, err := s.Search([]float32{1, 0}, SearchOptions{Limit: 10, MinScore: 0.5})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(hits) != 1 || hits[0].EventID != "close" {
		t.Fatalf("Search() with MinScore = %+v, want only close", hits)
	}
}

func TestUpsertBatchAndCount(t *testing.T) {
	s, err := Open(setupTestDB(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	err = s.UpsertBatch([]Record{
		{EventID: "a", Embedding: []float32{1, 2}},
		{EventID: "b", Embedding: []float32{3, 4}},
	})
	if err != nil {
		t.Fatalf("UpsertBatch() error = %v", err)
	}
	n, err := s.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("Count() = %d, want 2", n)
	}
}

func TestExistsAndDelete(t *testing.T) {
	s, err := Open(setupTestDB(t))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	ok, err := s.Exists("missing")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if ok {
		t.Fatalf("Exists() = true for missing event")
	}

	s.Upsert("present", []float32{1})
	ok, err = s.Exists("present")
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !ok {
		t.Fatalf("Exists() = false for present event")
	}

	if err := s.Delete("present"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	ok, _ = s.Exists("present")
	if ok {
		t.Fatalf("Exists() = true after delete")
	}
}

func TestCosineSimilarityMismatchedLengthsReturnsZero(t *testing.T) {
	if got := cosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); got != 0 {
		t.Errorf("cosineSimilarity() = %f, want 0 for mismatched lengths", got)
	}
}

func TestEncodeDecodeEmbeddingRoundTrip(t *testing.T) {
	original := []float32{0.5, -1.25, 3.75, 0}
	decoded := decodeEmbedding(encodeEmbedding(original))
	if len(decoded) != len(original) {
		t.Fatalf("len(decoded) = %d, want %d", len(decoded), len(original))
	}
	for i := range original {
		if decoded[i] != original[i] {
			t.Errorf("decoded[%d] = %f, want %f", i, decoded[i], original[i])
		}
	}
}
