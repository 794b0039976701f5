// Package matcher fuses per-candidate similarity signals into a single
// ranking score and decides how confidently the retriever should act on
// the result: inject automatically, merely suggest, or ignore.
package matcher

import (
	"math"
	"sort"
	"time"
)

// Verdict is the closed set of confidence outcomes the matcher returns.
type Verdict string

const (
	VerdictHigh      Verdict = "high"
	VerdictSuggested Verdict = "suggested"
	VerdictNone      Verdict = "none"
)

// Weights controls the contribution of each signal to the fused score.
// Values are clamped to [0,1] but are not required to sum to 1.
type Weights struct {
	Semantic float64
	FTS      float64
	Recency  float64
	Status   float64
}

// DefaultWeights matches the values observed across the corpus's scoring
// configs: semantic similarity dominates, recency and status are tie-breakers.
func DefaultWeights() Weights {
	return Weights{Semantic: 0.40, FTS: 0.25, Recency: 0.20, Status: 0.15}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Thresholds controls the confidence verdict's decision boundaries.
type Thresholds struct {
	SuggestionThreshold float64
	MinCombinedScore    float64
	MinGap              float64
}

// DefaultThresholds returns the spec's default verdict thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{SuggestionThreshold: 0.75, MinCombinedScore: 0.92, MinGap: 0.03}
}

// Candidate is one retrieval hit before fusion: its raw semantic
// similarity, optional full-text rank, recency, and event kind.
type Candidate struct {
	EventID     string
	VectorScore float64 // 0 if not returned by vector search
	FTSScore    float64 // 0 if not returned by keyword search
	Timestamp   time.Time
	IsResponse  bool // true for agent_response, false for lower-status types
}

// Scored pairs a candidate with its fused score.
type Scored struct {
	Candidate
	CombinedScore float64
}

// Result is the matcher's output: the ranked candidates, a confidence
// verdict, and — for a high-confidence match with more than one
// candidate — the gap between the top two scores.
type Result struct {
	Verdict      Verdict
	Ranked       []Scored
	Gap          float64
	Alternatives []Scored // populated only for VerdictSuggested, up to 3
}

// Matcher fuses candidates into ranked scores and a confidence verdict.
type Matcher struct {
	weights    Weights
	thresholds Thresholds
	now        func() time.Time
}

// Option configures a Matcher.
type Option func(*Matcher)

// WithWeights overrides the default fusion weights.
func WithWeights(w Weights) Option {
	return func(m *Matcher) { m.weights = w }
}

// WithThresholds overrides the default verdict thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Matcher) { m.thresholds = t }
}

// withClock overrides the matcher's notion of "now", used by tests that
// need deterministic recency scoring.
func withClock(now func() time.Time) Option {
	return func(m *Matcher) { m.now = now }
}

// New constructs a Matcher with the spec's defaults, or the overrides
// supplied via Option.
func New(opts ...Option) *Matcher {
	m := &Matcher{
		weights:    DefaultWeights(),
		thresholds: DefaultThresholds(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// score computes the fused score for a single candidate.
func (m *Matcher) score(c Candidate) float64 {
	ageDays := m.now().Sub(c.Timestamp).Hours() / 24
	recency := math.Max(0, 1-ageDays/30)

	status := 0.8
	if c.IsResponse {
		status = 1.0
	}

	return clamp01(m.weights.Semantic)*clamp01(c.VectorScore) +
		clamp01(m.weights.FTS)*clamp01(c.FTSScore) +
		clamp01(m.weights.Recency)*recency +
		clamp01(m.weights.Status)*status
}

// Match fuses every candidate's score, ranks them highest-first, and
// computes the confidence verdict.
func (m *Matcher) Match(candidates []Candidate) Result {
	ranked := make([]Scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = Scored{Candidate: c, CombinedScore: m.score(c)}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].CombinedScore > ranked[j].CombinedScore
	})

	if len(ranked) == 0 || ranked[0].CombinedScore < m.thresholds.SuggestionThreshold {
		return Result{Verdict: VerdictNone, Ranked: ranked}
	}

	top := ranked[0].CombinedScore
	if top >= m.thresholds.MinCombinedScore {
		if len(ranked) == 1 {
			return Result{Verdict: VerdictHigh, Ranked: ranked}
		}
		gap := top - ranked[1].CombinedScore
		if gap >= m.thresholds.MinGap {
			return Result{Verdict: VerdictHigh, Ranked: ranked, Gap: gap}
		}
	}

	alts := ranked[1:]
	if len(alts) > 3 {
		alts = alts[:3]
	}
	return Result{Verdict: VerdictSuggested, Ranked: ranked, Alternatives: alts}
}
