package workingset

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buzzni/code-memory/internal/eventstore"
	"github.com/buzzni/code-memory/internal/memerr"
)

// Summarizer produces an LLM-generated summary of a topic group's
// events. Callers that don't configure one get the rule-based
// concatenated-key-points summary instead.
type Summarizer interface {
	Summarize(ctx context.Context, events []*eventstore.Event) (string, error)
}

// ConsolidationConfig controls the consolidation worker's cadence and
// triggers.
type ConsolidationConfig struct {
	TriggerInterval     time.Duration
	TriggerEventCount   int
	TriggerIdle         time.Duration
	UseLLMSummarization bool
}

func (c ConsolidationConfig) withDefaults() ConsolidationConfig {
	if c.TriggerInterval <= 0 {
		c.TriggerInterval = time.Hour
	}
	if c.TriggerEventCount <= 0 {
		c.TriggerEventCount = 20
	}
	if c.TriggerIdle <= 0 {
		c.TriggerIdle = 30 * time.Minute
	}
	return c
}

// ConsolidatedMemory is a topic-grouped summary produced by consolidation.
type ConsolidatedMemory struct {
	MemoryID     string
	Summary      string
	Topics       []string
	SourceEvents []string
	Confidence   float64
	CreatedAt    time.Time
}

// Consolidator groups working-set items by topic and folds groups of 3+
// into a ConsolidatedMemory, pruning the source items from the set.
type Consolidator struct {
	set        *Set
	summarizer Summarizer
	cfg        ConsolidationConfig
	log        zerolog.Logger

	lastActivity time.Time
}

// NewConsolidator constructs a Consolidator. summarizer may be nil, in
// which case LLM summarization is always skipped regardless of
// cfg.UseLLMSummarization.
func NewConsolidator(set *Set, summarizer Summarizer, cfg ConsolidationConfig, log zerolog.Logger) *Consolidator {
	return &Consolidator{
		set:        set,
		summarizer: summarizer,
		cfg:        cfg.withDefaults(),
		log:        log.With().Str("component", "consolidation").Logger(),
	}
}

// Run starts the consolidation worker until ctx is canceled. Endless
// mode must be active (checked at the start of each tick) or the tick
// is skipped without consuming its trigger conditions.
func (c *Consolidator) Run(ctx context.Context) error {
	c.log.Info().Dur("interval", c.cfg.TriggerInterval).Msg("consolidation worker starting")
	ticker := time.NewTicker(c.cfg.TriggerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("consolidation worker stopping")
			return ctx.Err()
		case <-ticker.C:
			mode, err := c.set.GetMode()
			if err != nil {
				c.log.Error().Err(err).Msg("get mode failed")
				continue
			}
			if mode != ModeEndless {
				continue
			}
			if _, err := c.MaybeConsolidate(ctx, false); err != nil {
				c.log.Error().Err(err).Msg("consolidate failed")
			}
		}
	}
}

// MaybeConsolidate checks the trigger conditions (item count, idle time,
// or force) and, if met, runs one consolidation pass. It returns the
// memories created, if any.
func (c *Consolidator) MaybeConsolidate(ctx context.Context, force bool) ([]ConsolidatedMemory, error) {
	snap, err := c.set.Get()
	if err != nil {
		return nil, fmt.Errorf("get working set: %w", err)
	}

	idle := time.Since(snap.LatestActivity)
	triggered := force || len(snap.Events) >= c.cfg.TriggerEventCount || (len(snap.Events) > 0 && idle >= c.cfg.TriggerIdle)
	if !triggered {
		return nil, nil
	}

	items, err := c.set.items()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}

	eventByID := map[string]*eventstore.Event{}
	for _, ev := range snap.Events {
		eventByID[ev.ID] = ev
	}

	groups := groupByTopic(items, eventByID)

	var created []ConsolidatedMemory
	for topic, group := range groups {
		if len(group) < 3 {
			continue
		}

		var events []*eventstore.Event
		var itemIDs []string
		for _, g := range group {
			itemIDs = append(itemIDs, g.item.ID)
			if ev, ok := eventByID[g.item.EventID]; ok {
				events = append(events, ev)
			}
		}

		summary := c.summaryFor(ctx, topic, events)
		confidence := consolidationConfidence(len(events), events)

		mem := ConsolidatedMemory{
			MemoryID:     uuid.New().String(),
			Summary:      summary,
			Topics:       []string{topic},
			SourceEvents: eventIDs(events),
			Confidence:   confidence,
			CreatedAt:    time.Now(),
		}
		if err := c.persist(mem); err != nil {
			return created, fmt.Errorf("persist consolidated memory: %w", err)
		}
		if err := c.set.removeItems(itemIDs); err != nil {
			return created, fmt.Errorf("prune consolidated items: %w", err)
		}
		created = append(created, mem)
	}

	return created, nil
}

type groupedItem struct {
	item Item
}

// groupByTopic assigns each working-set item to its first extracted
// topic (items with no extractable topic are skipped — they stay in the
// working set for a later pass once more context accumulates).
func groupByTopic(items []Item, eventByID map[string]*eventstore.Event) map[string][]groupedItem {
	groups := map[string][]groupedItem{}
	for _, it := range items {
		topics := it.Topics
		if len(topics) == 0 {
			if ev, ok := eventByID[it.EventID]; ok {
				topics = ExtractTopics(ev.Content)
			}
		}
		if len(topics) == 0 {
			continue
		}
		groups[topics[0]] = append(groups[topics[0]], groupedItem{item: it})
	}
	return groups
}

var wordRe = regexp.MustCompile(`[A-Za-z][A-Za-z0-9_\-]{3,}`)

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true,
	"will": true, "would": true, "could": true, "should": true, "about": true,
	"there": true, "which": true, "their": true, "what": true, "when": true,
}

// ExtractTopics implements the spec's "simple keyword extraction from
// content": lowercase, tokenize on word boundaries, drop stopwords and
// short tokens, and return up to 3 of the most frequent remaining words.
func ExtractTopics(content string) []string {
	counts := map[string]int{}
	for _, w := range wordRe.FindAllString(strings.ToLower(content), -1) {
		if stopwords[w] {
			continue
		}
		counts[w]++
	}
	if len(counts) == 0 {
		return nil
	}

	type wc struct {
		word  string
		count int
	}
	var ranked []wc
	for w, c := range counts {
		ranked = append(ranked, wc{w, c})
	}
	// Stable-ish ordering: highest count first, ties broken
	// lexicographically so output is deterministic for tests.
	for i := 0; i < len(ranked); i++ {
		for j := i + 1; j < len(ranked); j++ {
			if ranked[j].count > ranked[i].count || (ranked[j].count == ranked[i].count && ranked[j].word < ranked[i].word) {
				ranked[i], ranked[j] = ranked[j], ranked[i]
			}
		}
	}

	n := 3
	if len(ranked) < n {
		n = len(ranked)
	}
	topics := make([]string, n)
	for i := 0; i < n; i++ {
		topics[i] = ranked[i].word
	}
	return topics
}

func (c *Consolidator) summaryFor(ctx context.Context, topic string, events []*eventstore.Event) string {
	if c.cfg.UseLLMSummarization && c.summarizer != nil {
		summary, err := c.summarizer.Summarize(ctx, events)
		if err == nil && summary != "" {
			return summary
		}
		c.log.Warn().Err(err).Msg("llm summarization failed, falling back to rule-based summary")
	}
	return ruleBasedSummary(topic, events)
}

// ruleBasedSummary concatenates a short excerpt from each event's
// content, capped so the summary stays skimmable.
func ruleBasedSummary(topic string, events []*eventstore.Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Topic: %s (%d events)\n", topic, len(events))
	for _, ev := range events {
		excerpt := ev.Content
		if len(excerpt) > 120 {
			excerpt = excerpt[:120] + "…"
		}
		sb.WriteString("- ")
		sb.WriteString(excerpt)
		sb.WriteString("\n")
	}
	return sb.String()
}

// consolidationConfidence = 0.5*min(1,count/10) + 0.5*time_proximity_score,
// where time proximity is derived from how tightly clustered the
// group's timestamps are relative to a one-hour reference window.
func consolidationConfidence(count int, events []*eventstore.Event) float64 {
	countTerm := math.Min(1, float64(count)/10)

	proximity := 1.0
	if len(events) > 1 {
		minTS, maxTS := events[0].Timestamp, events[0].Timestamp
		for _, ev := range events[1:] {
			if ev.Timestamp.Before(minTS) {
				minTS = ev.Timestamp
			}
			if ev.Timestamp.After(maxTS) {
				maxTS = ev.Timestamp
			}
		}
		spread := maxTS.Sub(minTS).Hours()
		proximity = math.Exp(-spread / 1.0)
	}

	return 0.5*countTerm + 0.5*proximity
}

func eventIDs(events []*eventstore.Event) []string {
	ids := make([]string, len(events))
	for i, ev := range events {
		ids[i] = ev.ID
	}
	return ids
}

func (c *Consolidator) persist(mem ConsolidatedMemory) error {
	topicsJSON := strings.Join(mem.Topics, ",")
	sourceJSON := strings.Join(mem.SourceEvents, ",")
	_, err := c.set.db.Exec(
		`INSERT INTO consolidated_memories (memory_id, summary, topics, source_events, confidence, created_at, access_count) VALUES (?, ?, ?, ?, ?, ?, 0)`,
		mem.MemoryID, mem.Summary, topicsJSON, sourceJSON, mem.Confidence, mem.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: insert consolidated memory: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// GetConsolidatedMemory retrieves a persisted consolidated memory by id
// and bumps its access accounting, mirroring the event store's
// increment_access_count contract.
func (c *Consolidator) GetConsolidatedMemory(memoryID string) (*ConsolidatedMemory, error) {
	var mem ConsolidatedMemory
	var topicsJoined, sourceJoined string
	err := c.set.db.QueryRow(
		`SELECT memory_id, summary, topics, source_events, confidence, created_at FROM consolidated_memories WHERE memory_id = ?`,
		memoryID,
	).Scan(&mem.MemoryID, &mem.Summary, &topicsJoined, &sourceJoined, &mem.Confidence, &mem.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, memerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get consolidated memory: %v", memerr.ErrStorageUnavailable, err)
	}
	if topicsJoined != "" {
		mem.Topics = strings.Split(topicsJoined, ",")
	}
	if sourceJoined != "" {
		mem.SourceEvents = strings.Split(sourceJoined, ",")
	}

	_, err = c.set.db.Exec(`UPDATE consolidated_memories SET access_count = access_count + 1, accessed_at = ? WHERE memory_id = ?`, time.Now(), memoryID)
	if err != nil {
		return nil, fmt.Errorf("%w: bump consolidated memory access: %v", memerr.ErrStorageUnavailable, err)
	}

	return &mem, nil
}
