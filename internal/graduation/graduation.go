// Package graduation promotes events across the engine's five memory
// levels based on usefulness signals — access count, cross-session
// reuse, and observed match confidence — rather than age alone.
package graduation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/buzzni/code-memory/internal/eventstore"
	"github.com/buzzni/code-memory/internal/matcher"
)

// Criteria gates one level transition.
type Criteria struct {
	MinAccess        int
	MinConfidence    float64
	MinCrossSession  int
	MaxAgeDays       int
}

// DefaultCriteria returns the spec's default per-transition table, keyed
// by the level being graduated FROM.
func DefaultCriteria() map[eventstore.MemoryLevel]Criteria {
	return map[eventstore.MemoryLevel]Criteria{
		eventstore.LevelL0: {MinAccess: 1, MinConfidence: 0.50, MinCrossSession: 0, MaxAgeDays: 30},
		eventstore.LevelL1: {MinAccess: 3, MinConfidence: 0.70, MinCrossSession: 1, MaxAgeDays: 60},
		eventstore.LevelL2: {MinAccess: 5, MinConfidence: 0.85, MinCrossSession: 2, MaxAgeDays: 90},
		eventstore.LevelL3: {MinAccess: 10, MinConfidence: 0.92, MinCrossSession: 3, MaxAgeDays: 180},
	}
}

// preferenceKeywords trigger a preference insight when found in a
// user_prompt event's text.
var preferenceKeywords = []string{"prefer", "like", "want", "always", "never", "favorite"}

// metrics is the usefulness state the pipeline tracks per event,
// in-memory only. Evaluation reads these fields, not the
// access_count/last_accessed_at columns the event row also carries, and
// nothing rebuilds them from the store, so every metric starts at zero
// whenever memoryd restarts (spec.md §9 Open Question #3 is left
// unresolved; see DESIGN.md).
type metrics struct {
	accessCount      int
	lastAccessed     time.Time
	originSession    string
	crossSessionRefs map[string]struct{} // distinct sessions, excluding origin
	confidence       float64
}

// Config controls worker cadence and batch size.
type Config struct {
	EvaluationInterval time.Duration
	BatchSize          int
	Cooldown           time.Duration
}

func (c Config) withDefaults() Config {
	if c.EvaluationInterval <= 0 {
		c.EvaluationInterval = 5 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Hour
	}
	return c
}

// Pipeline tracks per-event usefulness metrics and promotes events that
// meet the criteria table. Its metrics and lastEvaluated maps are not
// guarded by a lock, so a Pipeline is not safe for concurrent use.
type Pipeline struct {
	events   *eventstore.Store
	criteria map[eventstore.MemoryLevel]Criteria
	cfg      Config
	log      zerolog.Logger

	metrics       map[string]*metrics
	lastEvaluated map[string]time.Time
}

// New constructs a Pipeline with default criteria. metrics starts empty
// and is populated only by NotifyAccess calls as they arrive; there is
// no persistence to rebuild from (see the metrics type doc).
func New(events *eventstore.Store, cfg Config, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		events:        events,
		criteria:      DefaultCriteria(),
		cfg:           cfg.withDefaults(),
		log:           log.With().Str("component", "graduation").Logger(),
		metrics:       map[string]*metrics{},
		lastEvaluated: map[string]time.Time{},
	}
}

// WithCriteria overrides the default criteria table (used by tests and
// operators tuning thresholds).
func (p *Pipeline) WithCriteria(c map[eventstore.MemoryLevel]Criteria) *Pipeline {
	p.criteria = c
	return p
}

// NotifyAccess is the retriever's GraduationNotifier hook: it records an
// access, bumping cross-session reference count and tracking the
// confidence of the match that surfaced this event.
func (p *Pipeline) NotifyAccess(eventID, sessionID string, confidence matcher.Verdict) {
	m := p.metricsFor(eventID)
	m.accessCount++
	m.lastAccessed = time.Now()
	if m.originSession == "" {
		m.originSession = sessionID
	} else if sessionID != m.originSession {
		m.crossSessionRefs[sessionID] = struct{}{}
	}

	score := verdictToConfidence(confidence)
	if score > m.confidence {
		m.confidence = score
	}
}

func verdictToConfidence(v matcher.Verdict) float64 {
	switch v {
	case matcher.VerdictHigh:
		return 0.95
	case matcher.VerdictSuggested:
		return 0.75
	default:
		return 0
	}
}

func (p *Pipeline) metricsFor(eventID string) *metrics {
	m, ok := p.metrics[eventID]
	if !ok {
		m = &metrics{crossSessionRefs: map[string]struct{}{}}
		p.metrics[eventID] = m
	}
	return m
}

// Run starts the evaluation worker until ctx is canceled.
func (p *Pipeline) Run(ctx context.Context) error {
	p.log.Info().Dur("interval", p.cfg.EvaluationInterval).Msg("graduation worker starting")
	ticker := time.NewTicker(p.cfg.EvaluationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("graduation worker stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := p.EvaluateAll(); err != nil {
				p.log.Error().Err(err).Msg("evaluate all failed")
			}
		}
	}
}

// EvaluateAll runs one evaluation pass over every pre-L4 level, promoting
// events that meet their transition's criteria. Exposed directly for
// CLI force-run and tests.
func (p *Pipeline) EvaluateAll() error {
	for _, level := range []eventstore.MemoryLevel{eventstore.LevelL0, eventstore.LevelL1, eventstore.LevelL2, eventstore.LevelL3} {
		events, err := p.events.GetEventsByLevel(level, eventstore.EventFilter{Limit: p.cfg.BatchSize})
		if err != nil {
			return fmt.Errorf("get events at %s: %w", level, err)
		}
		for _, ev := range events {
			if last, ok := p.lastEvaluated[ev.ID]; ok && time.Since(last) < p.cfg.Cooldown {
				continue
			}
			p.lastEvaluated[ev.ID] = time.Now()

			promoted, err := p.EvaluateGraduation(ev.ID, level)
			if err != nil {
				p.log.Warn().Err(err).Str("event_id", ev.ID).Msg("evaluate graduation failed")
				continue
			}
			if promoted {
				next, _ := level.Next()
				p.log.Info().Str("event_id", ev.ID).Str("from", string(level)).Str("to", string(next)).Msg("promoted")
			}
		}
	}
	return nil
}

// EvaluateGraduation checks whether event qualifies to move past level
// and, if so, updates its stored level. It returns whether a promotion
// occurred.
func (p *Pipeline) EvaluateGraduation(eventID string, level eventstore.MemoryLevel) (bool, error) {
	criteria, ok := p.criteria[level]
	if !ok {
		return false, nil // L4 has no further transition
	}

	ev, err := p.events.GetEvent(eventID)
	if err != nil {
		return false, fmt.Errorf("get event: %w", err)
	}

	m := p.metricsFor(eventID)

	ageDays := int(time.Since(m.lastAccessedOrFallback(ev.Timestamp)).Hours() / 24)
	if m.accessCount < criteria.MinAccess ||
		m.confidence < criteria.MinConfidence ||
		len(m.crossSessionRefs) < criteria.MinCrossSession ||
		ageDays > criteria.MaxAgeDays {
		return false, nil
	}

	next, ok := level.Next()
	if !ok {
		return false, nil
	}
	if err := p.events.UpdateMemoryLevel(eventID, next); err != nil {
		return false, fmt.Errorf("update memory level: %w", err)
	}
	return true, nil
}

func (m *metrics) lastAccessedOrFallback(fallback time.Time) time.Time {
	if m.lastAccessed.IsZero() {
		return fallback
	}
	return m.lastAccessed
}

// ExtractInsights groups events by canonical key, emitting a pattern
// insight for any key shared by 2+ events, and a preference insight for
// user_prompt events whose content mentions a preference keyword.
func (p *Pipeline) ExtractInsights(events []*eventstore.Event) []*eventstore.Insight {
	var insights []*eventstore.Insight

	byKey := map[string][]*eventstore.Event{}
	for _, ev := range events {
		byKey[ev.CanonicalKey] = append(byKey[ev.CanonicalKey], ev)
	}
	for key, group := range byKey {
		if len(group) < 2 {
			continue
		}
		confidence := float64(len(group)) / 5
		if confidence > 1 {
			confidence = 1
		}
		ids := make([]string, len(group))
		for i, ev := range group {
			ids[i] = ev.ID
		}
		insights = append(insights, &eventstore.Insight{
			Kind:             eventstore.InsightPattern,
			CanonicalKey:     key,
			Description:      fmt.Sprintf("%d occurrences of a recurring event", len(group)),
			Confidence:       confidence,
			SupportingEvents: ids,
		})
	}

	for _, ev := range events {
		if ev.EventType != eventstore.EventTypeUserPrompt {
			continue
		}
		if containsPreferenceKeyword(ev.Content) {
			insights = append(insights, &eventstore.Insight{
				Kind:             eventstore.InsightPreference,
				CanonicalKey:     ev.CanonicalKey,
				Description:      "user expressed a preference",
				Confidence:       0.7,
				SupportingEvents: []string{ev.ID},
			})
		}
	}

	return insights
}

func containsPreferenceKeyword(content string) bool {
	lower := strings.ToLower(content)
	for _, kw := range preferenceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// SaveInsights persists each insight via the event store.
func (p *Pipeline) SaveInsights(insights []*eventstore.Insight) error {
	for _, in := range insights {
		if err := p.events.SaveInsight(in); err != nil {
			return fmt.Errorf("save insight: %w", err)
		}
	}
	return nil
}
