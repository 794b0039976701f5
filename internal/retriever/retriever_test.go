package retriever

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/buzzni/code-memory/internal/eventstore"
	"github.com/buzzni/code-memory/internal/matcher"
	"github.com/buzzni/code-memory/internal/vectorstore"
)

type stubEmbedder struct{ vec []float32 }

func (s *stubEmbedder) Embed(context.Context, string) ([]float32, error) { return s.vec, nil }
func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = s.vec
	}
	return out, nil
}
func (s *stubEmbedder) Dimensions() int { return len(s.vec) }

type stubGrad struct {
	notified []string
}

func (g *stubGrad) NotifyAccess(eventID, sessionID string, confidence matcher.Verdict) {
	g.notified = append(g.notified, eventID)
}

func setupRetrieverDeps(t *testing.T) (*eventstore.Store, *vectorstore.Store) {
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

func TestRetrieveFindsVectorAndKeywordMatches(t *testing.T) {
	es, vs := setupRetrieverDeps(t)

	res, err := es.Append(eventstore.AppendInput{
		EventType: eventstore.EventTypeAgentResponse,
		SessionID: "s1",
		Content:   "switched the retry backoff to exponential",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := vs.Upsert(res.EventID, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	grad := &stubGrad{}
	r := New(es, vs, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, grad)

	out, err := r.Retrieve(context.Background(), Query{Text: "backoff", TopK: 5})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(out.Memories) != 1 {
		t.Fatalf("len(Memories) = %d, want 1", len(out.Memories))
	}
	if out.Memories[0].Event.ID != res.EventID {
		t.Errorf("memory event id = %q, want %q", out.Memories[0].Event.ID, res.EventID)
	}
	if len(grad.notified) != 1 {
		t.Errorf("graduation notified %d times, want 1", len(grad.notified))
	}
	if !strings.Contains(out.Context, "## Relevant Memories") {
		t.Errorf("context string missing header: %q", out.Context)
	}
}

// TestRetrieveHydratesVectorOnlyCandidates covers an event that matches
// only via vector search (the query text never appears literally, so
// FTS returns nothing). buildCandidates must still hydrate its real
// timestamp/event type from the store rather than defaulting to
// ts=now/isResponse=false, which would mis-score its recency and status.
func TestRetrieveHydratesVectorOnlyCandidates(t *testing.T) {
	es, vs := setupRetrieverDeps(t)

	old := time.Now().Add(-30 * 24 * time.Hour)
	res, err := es.Append(eventstore.AppendInput{
		EventType: eventstore.EventTypeAgentResponse,
		SessionID: "s1",
		Timestamp: old,
		Content:   "unrelated literal text that the query never mentions",
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := vs.Upsert(res.EventID, []float32{1, 0, 0}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}

	r := New(es, vs, &stubEmbedder{vec: []float32{1, 0, 0}}, nil, nil, nil)

	candidates, eventsByID := r.buildCandidates(
		[]vectorstore.Hit{{EventID: res.EventID, Score: 0.9}},
		nil,
	)
	if len(candidates) != 1 {
		t.Fatalf("len(candidates) = %d, want 1", len(candidates))
	}
	c := candidates[0]
	if !c.Timestamp.Equal(old) {
		t.Errorf("candidate Timestamp = %v, want hydrated %v (not time.Now())", c.Timestamp, old)
	}
	if !c.IsResponse {
		t.Errorf("candidate IsResponse = false, want true (hydrated agent_response event type)")
	}
	if eventsByID[res.EventID] == nil {
		t.Errorf("eventsByID missing hydrated vector-only event")
	}
}

func TestRetrieveReturnsNoneWhenNothingMatches(t *testing.T) {
	es, vs := setupRetrieverDeps(t)
	r := New(es, vs, &stubEmbedder{vec: []float32{1, 0}}, nil, nil, nil)

	out, err := r.Retrieve(context.Background(), Query{Text: "anything", TopK: 5})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if out.Verdict != matcher.VerdictNone {
		t.Errorf("Verdict = %q, want none", out.Verdict)
	}
	if out.Context != "" {
		t.Errorf("Context = %q, want empty", out.Context)
	}
}

func TestRetrieveFiltersBySession(t *testing.T) {
	es, vs := setupRetrieverDeps(t)

	a, _ := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeAgentResponse, SessionID: "s1", Content: "content one"})
	b, _ := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeAgentResponse, SessionID: "s2", Content: "content two"})
	vs.Upsert(a.EventID, []float32{1, 0})
	vs.Upsert(b.EventID, []float32{1, 0})

	r := New(es, vs, &stubEmbedder{vec: []float32{1, 0}}, nil, nil, nil)
	out, err := r.Retrieve(context.Background(), Query{Text: "content", TopK: 5, SessionID: "s1"})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	for _, m := range out.Memories {
		if m.Event.SessionID != "s1" {
			t.Errorf("memory from session %q leaked into s1-filtered retrieve", m.Event.SessionID)
		}
	}
}

func TestRetrieveIncludesSessionNeighbors(t *testing.T) {
	es, vs := setupRetrieverDeps(t)

	first, _ := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeUserPrompt, SessionID: "s1", Content: "first turn"})
	mid, _ := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeAgentResponse, SessionID: "s1", Content: "middle turn about retries"})
	last, _ := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeUserPrompt, SessionID: "s1", Content: "last turn"})
	_ = first
	_ = last
	vs.Upsert(mid.EventID, []float32{1, 0})

	r := New(es, vs, &stubEmbedder{vec: []float32{1, 0}}, nil, nil, nil)
	out, err := r.Retrieve(context.Background(), Query{Text: "retries", TopK: 5, IncludeSessionContext: true})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(out.Memories) != 1 {
		t.Fatalf("len(Memories) = %d, want 1", len(out.Memories))
	}
	sc := out.Memories[0].SessionContext
	if sc == nil || sc.Before == nil || sc.After == nil {
		t.Fatalf("expected both neighbors populated, got %+v", sc)
	}
}

func TestRetrieveRespectsMaxTokensBudget(t *testing.T) {
	es, vs := setupRetrieverDeps(t)

	longContent := strings.Repeat("retry backoff exponential jitter ", 200)
	res, _ := es.Append(eventstore.AppendInput{EventType: eventstore.EventTypeAgentResponse, SessionID: "s1", Content: longContent})
	vs.Upsert(res.EventID, []float32{1, 0})

	r := New(es, vs, &stubEmbedder{vec: []float32{1, 0}}, nil, nil, nil)
	out, err := r.Retrieve(context.Background(), Query{Text: "retry", TopK: 5, MaxTokens: 10})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if estimateTokens(out.Context) > 10 && out.Context != "## Relevant Memories\n\n" {
		t.Errorf("context exceeds max token budget: %d tokens", estimateTokens(out.Context))
	}
}
