// Package retriever answers a query by combining semantic and keyword
// search, fusing the results through the matcher, hydrating full events,
// and assembling a token-bounded context string ready to inject into a
// prompt.
package retriever

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/buzzni/code-memory/internal/embedding"
	"github.com/buzzni/code-memory/internal/eventstore"
	"github.com/buzzni/code-memory/internal/matcher"
	"github.com/buzzni/code-memory/internal/vectorstore"
)

// SharedSearcher is the minimal surface of a SharedStore the retriever
// needs for hybrid cross-project retrieval. Defined here (rather than
// imported from the sharedstore package) so retriever has no dependency
// on sharedstore's storage details.
type SharedSearcher interface {
	Search(ctx context.Context, queryVec []float32, topK int, minScore float64, excludeProjectHash string) ([]SharedHit, error)
	BumpUsage(ctx context.Context, entryID string) error
}

// SharedHit is one cross-project knowledge entry returned by a SharedStore.
type SharedHit struct {
	EntryID string
	Title   string
	Content string
	Score   float64
}

// GraduationNotifier receives an access notification whenever a memory
// is surfaced by a retrieve() call, independent of whether the caller
// ultimately injects it into a prompt.
type GraduationNotifier interface {
	NotifyAccess(eventID, sessionID string, confidence matcher.Verdict)
}

// Query is the input to Retrieve.
type Query struct {
	Text                  string
	TopK                  int
	MinScore              float64
	SessionID             string // optional filter
	MaxTokens             int
	IncludeSessionContext bool
	IncludeShared         bool
	ProjectHash           string // used to exclude self-matches from shared search
}

// MemoryBlock is one hydrated, scored memory ready for context assembly.
type MemoryBlock struct {
	Event          *eventstore.Event
	Score          float64
	SessionContext *SessionContext // nil unless requested
}

// SessionContext holds the one-before/one-after neighbors of a memory
// within its own session.
type SessionContext struct {
	Before *eventstore.Event
	After  *eventstore.Event
}

// Result is Retrieve's output.
type Result struct {
	Verdict      matcher.Verdict
	Memories     []MemoryBlock
	Shared       []SharedHit
	Context      string
	AccessedIDs  []string // event ids surfaced; host increments access count only on actual use
}

// Retriever ties together the vector store, event store, embedder, and
// matcher to answer retrieve() queries.
type Retriever struct {
	events   *eventstore.Store
	vectors  *vectorstore.Store
	embedder embedding.Embedder
	match    *matcher.Matcher
	shared   SharedSearcher
	grad     GraduationNotifier
}

// New constructs a Retriever. shared and grad may be nil.
func New(events *eventstore.Store, vectors *vectorstore.Store, embedder embedding.Embedder, m *matcher.Matcher, shared SharedSearcher, grad GraduationNotifier) *Retriever {
	if m == nil {
		m = matcher.New()
	}
	return &Retriever{events: events, vectors: vectors, embedder: embedder, match: m, shared: shared, grad: grad}
}

// Retrieve runs the full pipeline described in the component design:
// embed, fan out to vector+keyword search, fuse via the matcher,
// hydrate, optionally fetch session neighbors and shared-store results,
// and build the bounded context string.
func (r *Retriever) Retrieve(ctx context.Context, q Query) (Result, error) {
	if q.TopK <= 0 {
		q.TopK = 5
	}
	if q.MaxTokens <= 0 {
		q.MaxTokens = 2000
	}

	queryVec, err := r.embedder.Embed(ctx, q.Text)
	if err != nil {
		return Result{}, fmt.Errorf("embed query: %w", err)
	}

	var vecHits []vectorstore.Hit
	var keywordHits []eventstore.KeywordHit
	var sharedHits []SharedHit

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_ = gctx
		hits, err := r.vectors.Search(queryVec, vectorstore.SearchOptions{
			Limit:        2 * q.TopK,
			MinScore:     q.MinScore,
			CandidateIDs: nil,
		})
		if err != nil {
			return fmt.Errorf("vector search: %w", err)
		}
		vecHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := r.events.KeywordSearch(q.Text, 2*q.TopK)
		if err != nil {
			return fmt.Errorf("keyword search: %w", err)
		}
		keywordHits = hits
		return nil
	})
	if q.IncludeShared && r.shared != nil {
		g.Go(func() error {
			hits, err := r.shared.Search(gctx, queryVec, q.TopK, q.MinScore, q.ProjectHash)
			if err != nil {
				return fmt.Errorf("shared search: %w", err)
			}
			sharedHits = hits
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	if q.SessionID != "" {
		vecHits = filterVecHitsBySession(r.events, vecHits, q.SessionID)
	}

	candidates, eventsByID := r.buildCandidates(vecHits, keywordHits)
	verdict := r.match.Match(candidates)

	var ranked []matcher.Scored
	if verdict.Verdict != matcher.VerdictNone {
		ranked = verdict.Ranked
	}
	if q.SessionID != "" {
		ranked = filterRankedBySession(r, ranked, q.SessionID)
	}
	if len(ranked) > q.TopK {
		ranked = ranked[:q.TopK]
	}

	var memories []MemoryBlock
	var accessed []string
	for _, scored := range ranked {
		ev := eventsByID[scored.EventID]
		if ev == nil {
			hydrated, err := r.events.GetEvent(scored.EventID)
			if err != nil {
				continue
			}
			ev = hydrated
		}

		block := MemoryBlock{Event: ev, Score: scored.CombinedScore}
		if q.IncludeSessionContext {
			block.SessionContext = r.sessionNeighbors(ev)
		}
		memories = append(memories, block)
		accessed = append(accessed, ev.ID)

		if r.grad != nil {
			r.grad.NotifyAccess(ev.ID, ev.SessionID, verdict.Verdict)
		}
	}

	for _, sh := range sharedHits {
		if r.shared != nil {
			_ = r.shared.BumpUsage(ctx, sh.EntryID)
		}
	}

	contextStr := buildContextString(memories, sharedHits, q.MaxTokens)

	return Result{
		Verdict:     verdict.Verdict,
		Memories:    memories,
		Shared:      sharedHits,
		Context:     contextStr,
		AccessedIDs: accessed,
	}, nil
}

// buildCandidates merges vector and keyword hits into one candidate per
// event id and hydrates every id against the event store before scoring.
// Vector hits only carry {EventID, Score}, so without this hydration a
// vector-only match would fall back to ts=now/isResponse=false and the
// recency/status terms would score it as if it were a brand new prompt
// regardless of its real age or type (spec's Open Question #2 bug).
func (r *Retriever) buildCandidates(vecHits []vectorstore.Hit, keywordHits []eventstore.KeywordHit) ([]matcher.Candidate, map[string]*eventstore.Event) {
	type agg struct {
		vector float64
		fts    float64
	}
	scores := map[string]*agg{}
	eventsByID := map[string]*eventstore.Event{}

	for _, h := range vecHits {
		a, ok := scores[h.EventID]
		if !ok {
			a = &agg{}
			scores[h.EventID] = a
		}
		a.vector = h.Score
	}
	for _, h := range keywordHits {
		a, ok := scores[h.Event.ID]
		if !ok {
			a = &agg{}
			scores[h.Event.ID] = a
		}
		a.fts = h.Rank
		eventsByID[h.Event.ID] = h.Event
	}

	candidates := make([]matcher.Candidate, 0, len(scores))
	for id, a := range scores {
		ev, ok := eventsByID[id]
		if !ok {
			hydrated, err := r.events.GetEvent(id)
			if err != nil {
				// Pruned or otherwise gone; skip rather than score it blind.
				continue
			}
			ev = hydrated
			eventsByID[id] = ev
		}
		candidates = append(candidates, matcher.Candidate{
			EventID:     id,
			VectorScore: a.vector,
			FTSScore:    a.fts,
			Timestamp:   ev.Timestamp,
			IsResponse:  ev.EventType == eventstore.EventTypeAgentResponse,
		})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].EventID < candidates[j].EventID })
	return candidates, eventsByID
}

func filterVecHitsBySession(events *eventstore.Store, hits []vectorstore.Hit, sessionID string) []vectorstore.Hit {
	var filtered []vectorstore.Hit
	for _, h := range hits {
		ev, err := events.GetEvent(h.EventID)
		if err != nil || ev.SessionID != sessionID {
			continue
		}
		filtered = append(filtered, h)
	}
	return filtered
}

func filterRankedBySession(r *Retriever, ranked []matcher.Scored, sessionID string) []matcher.Scored {
	var filtered []matcher.Scored
	for _, s := range ranked {
		ev, err := r.events.GetEvent(s.EventID)
		if err != nil || ev.SessionID != sessionID {
			continue
		}
		filtered = append(filtered, s)
	}
	return filtered
}

func (r *Retriever) sessionNeighbors(ev *eventstore.Event) *SessionContext {
	siblings, err := r.events.GetSessionEvents(ev.SessionID)
	if err != nil {
		return nil
	}
	ctx := &SessionContext{}
	for i, sib := range siblings {
		if sib.ID != ev.ID {
			continue
		}
		if i > 0 {
			ctx.Before = siblings[i-1]
		}
		if i < len(siblings)-1 {
			ctx.After = siblings[i+1]
		}
		break
	}
	return ctx
}

// estimateTokens approximates token count as ceil(len/4), matching the
// spec's estimator so context budgeting needs no tokenizer dependency.
func estimateTokens(s string) int {
	return int(math.Ceil(float64(len(s)) / 4))
}

func buildContextString(memories []MemoryBlock, shared []SharedHit, maxTokens int) string {
	if len(memories) == 0 && len(shared) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Relevant Memories\n\n")
	used := estimateTokens(sb.String())

	blocks := make([]string, 0, len(memories))
	for _, m := range memories {
		blocks = append(blocks, formatMemoryBlock(m))
	}

	written := 0
	for i, block := range blocks {
		addition := block
		if written > 0 {
			addition = "\n\n---\n\n" + block
		}
		if used+estimateTokens(addition) > maxTokens {
			break
		}
		sb.WriteString(addition)
		used += estimateTokens(addition)
		written++
		_ = i
	}

	if len(shared) > 0 && used < maxTokens {
		header := "\n\n---\n\n## Cross-Project Knowledge\n\n"
		if written == 0 {
			header = "## Cross-Project Knowledge\n\n"
		}
		if used+estimateTokens(header) <= maxTokens {
			sb.WriteString(header)
			used += estimateTokens(header)
			for i, sh := range shared {
				block := fmt.Sprintf("**%s** (score: %.2f)\n%s", sh.Title, sh.Score, sh.Content)
				addition := block
				if i > 0 {
					addition = "\n\n---\n\n" + block
				}
				if used+estimateTokens(addition) > maxTokens {
					break
				}
				sb.WriteString(addition)
				used += estimateTokens(addition)
			}
		}
	}

	return sb.String()
}

func formatMemoryBlock(m MemoryBlock) string {
	date := m.Event.Timestamp.Format("2006-01-02")
	neighbors := "none"
	if m.SessionContext != nil {
		var parts []string
		if m.SessionContext.Before != nil {
			parts = append(parts, "before: "+truncate(m.SessionContext.Before.Content, 80))
		}
		if m.SessionContext.After != nil {
			parts = append(parts, "after: "+truncate(m.SessionContext.After.Content, 80))
		}
		if len(parts) > 0 {
			neighbors = strings.Join(parts, "; ")
		}
	}
	return fmt.Sprintf("**%s** (%s, score: %.2f)\n%s\n\n_Context:_ %s",
		m.Event.EventType, date, m.Score, m.Event.Content, neighbors)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
