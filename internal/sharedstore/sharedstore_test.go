package sharedstore

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/buzzni/code-memory/internal/memerr"
)

// wordBagEmbedder embeds text as presence/absence over a fixed small
// vocabulary, so semantically similar test fixtures produce similar
// vectors without needing a real model server.
type wordBagEmbedder struct {
	vocab []string
}

func (w *wordBagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	lower := strings.ToLower(text)
	vec := make([]float32, len(w.vocab))
	for i, word := range w.vocab {
		if strings.Contains(lower, word) {
			vec[i] = 1
		}
	}
	return vec, nil
}

func (w *wordBagEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := w.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (w *wordBagEmbedder) Dimensions() int { return len(w.vocab) }

func setupStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	dir := t.TempDir()
	embedder := &wordBagEmbedder{vocab: []string{"database", "network", "auth"}}
	s, err := Open(filepath.Join(dir, "shared.db"), embedder, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPromoteRejectsBelowConfidenceThreshold(t *testing.T) {
	s := setupStore(t, Config{AutoPromote: true, MinConfidenceForPromotion: 0.8})

	result, err := s.Promote(context.Background(), Entry{
		Title: "low confidence fix", Content: "database connection pool tuning",
		SourceProjectHash: "proj1", Confidence: 0.5,
	}, nil)
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if result.Promoted {
		t.Fatalf("should not promote below min confidence")
	}
}

func TestPromoteRejectsWhenAutoPromoteDisabled(t *testing.T) {
	s := setupStore(t, Config{AutoPromote: false, MinConfidenceForPromotion: 0.8})

	result, err := s.Promote(context.Background(), Entry{
		Title: "high confidence fix", Content: "database connection pool tuning",
		SourceProjectHash: "proj1", Confidence: 0.95,
	}, nil)
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if result.Promoted {
		t.Fatalf("should not promote when auto_promote is disabled")
	}
}

func TestPromoteAndGetRoundTrip(t *testing.T) {
	s := setupStore(t, Config{AutoPromote: true, MinConfidenceForPromotion: 0.8})

	result, err := s.Promote(context.Background(), Entry{
		Title: "fix database deadlock", Content: "increase busy_timeout and use WAL mode",
		SourceProjectHash: "proj1", Confidence: 0.9,
	}, nil)
	if err != nil {
		t.Fatalf("Promote() error = %v", err)
	}
	if !result.Promoted {
		t.Fatalf("expected promotion, reason=%q", result.Reason)
	}

	entry, err := s.Get(result.EntryID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Title != "fix database deadlock" {
		t.Errorf("Get().Title = %q", entry.Title)
	}
	if entry.UsageCount != 0 {
		t.Errorf("UsageCount = %d, want 0 before any RecordUsage", entry.UsageCount)
	}
}

func TestRecordUsageIncrementsCountAndSetsLastUsed(t *testing.T) {
	s := setupStore(t, Config{AutoPromote: true, MinConfidenceForPromotion: 0.8})
	result, _ := s.Promote(context.Background(), Entry{
		Title: "t", Content: "network timeout tuning", SourceProjectHash: "proj1", Confidence: 0.9,
	}, nil)

	if err := s.RecordUsage(result.EntryID); err != nil {
		t.Fatalf("RecordUsage() error = %v", err)
	}

	entry, err := s.Get(result.EntryID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", entry.UsageCount)
	}
	if entry.LastUsedAt == nil {
		t.Errorf("LastUsedAt not set")
	}
}

func TestSearchVectorExcludesOriginatingProject(t *testing.T) {
	s := setupStore(t, Config{AutoPromote: true, MinConfidenceForPromotion: 0.8})
	ctx := context.Background()

	result, _ := s.Promote(ctx, Entry{
		Title: "db fix", Content: "database connection tuning", SourceProjectHash: "proj-origin", Confidence: 0.9,
	}, nil)
	_, _ = s.Promote(ctx, Entry{
		Title: "db fix 2", Content: "database index tuning", SourceProjectHash: "proj-other", Confidence: 0.9,
	}, nil)

	queryVec, _ := (&wordBagEmbedder{vocab: []string{"database", "network", "auth"}}).Embed(ctx, "database tuning")

	hits, err := s.Search(ctx, queryVec, 5, 0, "proj-origin")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, h := range hits {
		if h.EntryID == result.EntryID {
			t.Fatalf("Search() should exclude entries from the originating project hash")
		}
	}
	if len(hits) == 0 {
		t.Fatalf("expected at least the non-excluded entry to match")
	}
}

func TestStatsAggregates(t *testing.T) {
	s := setupStore(t, Config{AutoPromote: true, MinConfidenceForPromotion: 0.8})
	ctx := context.Background()
	s.Promote(ctx, Entry{Title: "a", Content: "database x", SourceProjectHash: "p1", Confidence: 0.8}, nil)
	s.Promote(ctx, Entry{Title: "b", Content: "network y", SourceProjectHash: "p2", Confidence: 1.0}, nil)

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats.TotalEntries != 2 {
		t.Errorf("TotalEntries = %d, want 2", stats.TotalEntries)
	}
	if stats.AvgConfidence <= 0.8 || stats.AvgConfidence > 1.0 {
		t.Errorf("AvgConfidence = %f, want between 0.8 and 1.0", stats.AvgConfidence)
	}
}

func TestGetNotFoundReturnsErrNotFound(t *testing.T) {
	s := setupStore(t, Config{})
	_, err := s.Get("missing")
	if !errors.Is(err, memerr.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}
