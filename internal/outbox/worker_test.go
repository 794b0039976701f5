package outbox

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/buzzni/code-memory/internal/eventstore"
	"github.com/buzzni/code-memory/internal/vectorstore"
)

type fakeEmbedder struct {
	dims     int
	failFor  map[string]bool
	embedded []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.embedded = append(f.embedded, text)
	if f.failFor[text] {
		return nil, errors.New("embedder unavailable")
	}
	vec := make([]float32, f.dims)
	for i := range vec {
		vec[i] = float32(len(text))
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func setupWorkerDeps(t *testing.T) (*eventstore.Store, *vectorstore.Store) {
	t.Helper()
	dir := t.TempDir()
	es, err := eventstore.Open(filepath.Join(dir, "events.db"), false)
	if err != nil {
		t.Fatalf("eventstore.Open() error = %v", err)
	}
	t.Cleanup(func() { es.Close() })

	vs, err := vectorstore.Open(es.DB())
	if err != nil {
		t.Fatalf("vectorstore.Open() error = %v", err)
	}
	return es, vs
}

func TestProcessBatchEmbedsAndUpsertsSuccessfulJobs(t *testing.T) {
	es, vs := setupWorkerDeps(t)
	emb := &fakeEmbedder{dims: 4}
	w := NewWorker(es, vs, emb, nil, Config{BatchSize: 10}, zerolog.Nop())

	res, err := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeUserPrompt, SessionID: "s1", Content: "index this please"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := es.EnqueueForEmbedding(res.EventID, "index this please"); err != nil {
		t.Fatalf("EnqueueForEmbedding() error = %v", err)
	}

	n, err := w.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ProcessBatch() claimed %d jobs, want 1", n)
	}

	exists, err := vs.Exists(res.EventID)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Fatalf("vector record not written for embedded event")
	}

	remaining, err := es.ClaimPending(10)
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("completed job should not remain claimable, got %v", remaining)
	}
}

func TestProcessBatchRequeuesFailedEmbeds(t *testing.T) {
	es, vs := setupWorkerDeps(t)
	es.SetMaxRetries(5)
	emb := &fakeEmbedder{dims: 4, failFor: map[string]bool{"bad content": true}}
	w := NewWorker(es, vs, emb, nil, Config{BatchSize: 10}, zerolog.Nop())

	res, _ := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeUserPrompt, SessionID: "s1", Content: "bad content"})
	if err := es.EnqueueForEmbedding(res.EventID, "bad content"); err != nil {
		t.Fatalf("EnqueueForEmbedding() error = %v", err)
	}

	if _, err := w.ProcessBatch(context.Background()); err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}

	exists, _ := vs.Exists(res.EventID)
	if exists {
		t.Fatalf("vector should not exist for a failed embed")
	}

	requeued, err := es.ClaimPending(10)
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if len(requeued) != 1 {
		t.Fatalf("failed job should be requeued for retry, got %v", requeued)
	}
}

func TestProcessBatchSkipsOrphanedJobWhenEventPruned(t *testing.T) {
	es, vs := setupWorkerDeps(t)
	emb := &fakeEmbedder{dims: 4}
	w := NewWorker(es, vs, emb, nil, Config{BatchSize: 10}, zerolog.Nop())

	res, err := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeUserPrompt, SessionID: "s1", Content: "will be pruned"})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := es.EnqueueForEmbedding(res.EventID, "will be pruned"); err != nil {
		t.Fatalf("EnqueueForEmbedding() error = %v", err)
	}

	if _, err := es.DB().Exec(`DELETE FROM events WHERE id = ?`, res.EventID); err != nil {
		t.Fatalf("simulate prune: %v", err)
	}

	n, err := w.ProcessBatch(context.Background())
	if err != nil {
		t.Fatalf("ProcessBatch() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("ProcessBatch() claimed %d jobs, want 1", n)
	}
	if len(emb.embedded) != 0 {
		t.Fatalf("embedder should never be called for an orphaned job, got %v", emb.embedded)
	}

	exists, err := vs.Exists(res.EventID)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if exists {
		t.Fatalf("no vector record should be written for a pruned event")
	}

	remaining, err := es.ClaimPending(10)
	if err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("orphaned job should be marked done, not left claimable, got %v", remaining)
	}
}

func TestDrainAllProcessesMultipleBatches(t *testing.T) {
	es, vs := setupWorkerDeps(t)
	emb := &fakeEmbedder{dims: 2}
	w := NewWorker(es, vs, emb, nil, Config{BatchSize: 1}, zerolog.Nop())

	for i := 0; i < 3; i++ {
		res, err := es.Append(eventstore.AppendInput{
			EventType: eventstore.EventTypeUserPrompt,
			SessionID: "s1",
			Content:   string(rune('a' + i)),
		})
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		if err := es.EnqueueForEmbedding(res.EventID, string(rune('a'+i))); err != nil {
			t.Fatalf("EnqueueForEmbedding() error = %v", err)
		}
	}

	w.drainAll(context.Background())

	n, err := vs.Count()
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 3 {
		t.Fatalf("Count() = %d, want 3 after drainAll", n)
	}
}

func TestRunReconcilesStuckProcessingRowsOnStartup(t *testing.T) {
	es, vs := setupWorkerDeps(t)
	res, _ := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeUserPrompt, SessionID: "s1", Content: "stuck"})
	if err := es.EnqueueForEmbedding(res.EventID, "stuck"); err != nil {
		t.Fatalf("EnqueueForEmbedding() error = %v", err)
	}
	if _, err := es.ClaimPending(10); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}

	emb := &fakeEmbedder{dims: 2}
	w := NewWorker(es, vs, emb, nil, Config{BatchSize: 10, Interval: 20 * time.Millisecond}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	exists, err := vs.Exists(res.EventID)
	if err != nil {
		t.Fatalf("Exists() error = %v", err)
	}
	if !exists {
		t.Fatalf("stuck job should have been reconciled and embedded during Run()")
	}
}
