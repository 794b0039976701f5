// Package workingset implements Endless Mode's short-term memory window:
// a capped, time-decaying set of recently relevant events, a
// consolidation worker that folds stale groups into long-term summaries,
// and a continuity scorer that judges how related two work contexts are.
package workingset

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/buzzni/code-memory/internal/eventstore"
	"github.com/buzzni/code-memory/internal/memerr"
)

// Mode is the process-wide retention mode.
type Mode string

const (
	ModeSession Mode = "session"
	ModeEndless Mode = "endless"
)

// Item is one entry in the working set.
type Item struct {
	ID             string
	EventID        string
	AddedAt        time.Time
	RelevanceScore float64
	Topics         []string
	ExpiresAt      time.Time
}

// Config controls window sizing.
type Config struct {
	TimeWindow time.Duration
	MaxEvents  int
}

func (c Config) withDefaults() Config {
	if c.TimeWindow <= 0 {
		c.TimeWindow = 4 * time.Hour
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = 200
	}
	return c
}

// Set manages the SQLite-backed working_set table.
type Set struct {
	events *eventstore.Store
	db     *sql.DB
	cfg    Config
}

// New constructs a Set sharing the event store's connection.
func New(events *eventstore.Store, cfg Config) *Set {
	return &Set{events: events, db: events.DB(), cfg: cfg.withDefaults()}
}

// GetMode reads the persisted process-wide mode, defaulting to session
// mode if never set.
func (s *Set) GetMode() (Mode, error) {
	v, err := s.events.GetEndlessConfig("mode")
	if errors.Is(err, memerr.ErrNotFound) {
		return ModeSession, nil
	}
	if err != nil {
		return "", err
	}
	return Mode(v), nil
}

// SetMode persists the process-wide mode switch.
func (s *Set) SetMode(m Mode) error {
	return s.events.SetEndlessConfig("mode", string(m))
}

// Add inserts a new working-set item for eventID, expiring after
// cfg.TimeWindow, then caps the set to cfg.MaxEvents by evicting the
// lowest (relevance_score, added_at) items first.
func (s *Set) Add(eventID string, relevance float64, topics []string) error {
	now := time.Now()
	topicsJSON, _ := json.Marshal(topics)

	_, err := s.db.Exec(
		`INSERT INTO working_set (id, event_id, added_at, relevance_score, topics, expires_at) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), eventID, now, relevance, string(topicsJSON), now.Add(s.cfg.TimeWindow),
	)
	if err != nil {
		return fmt.Errorf("%w: add working set item: %v", memerr.ErrStorageUnavailable, err)
	}
	return s.enforceCap()
}

func (s *Set) enforceCap() error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM working_set`).Scan(&count); err != nil {
		return fmt.Errorf("%w: count working set: %v", memerr.ErrStorageUnavailable, err)
	}
	if count <= s.cfg.MaxEvents {
		return nil
	}
	excess := count - s.cfg.MaxEvents
	_, err := s.db.Exec(
		`DELETE FROM working_set WHERE id IN (
			SELECT id FROM working_set ORDER BY relevance_score ASC, added_at ASC LIMIT ?
		)`, excess,
	)
	if err != nil {
		return fmt.Errorf("%w: enforce working set cap: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// pruneExpired removes items whose expires_at has passed.
func (s *Set) pruneExpired() error {
	_, err := s.db.Exec(`DELETE FROM working_set WHERE expires_at <= ?`, time.Now())
	if err != nil {
		return fmt.Errorf("%w: prune expired working set items: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// Snapshot is the hydrated working set: its items' events, the latest
// activity timestamp, and a continuity score against the prior snapshot.
type Snapshot struct {
	Events          []*eventstore.Event
	LatestActivity  time.Time
	ContinuityScore float64
}

// Get prunes expired items, then returns the hydrated snapshot. The
// continuity score is computed by the caller via Scorer — Get always
// leaves it zero.
func (s *Set) Get() (Snapshot, error) {
	if err := s.pruneExpired(); err != nil {
		return Snapshot{}, err
	}

	items, err := s.items()
	if err != nil {
		return Snapshot{}, err
	}

	var snap Snapshot
	for _, it := range items {
		ev, err := s.events.GetEvent(it.EventID)
		if errors.Is(err, memerr.ErrNotFound) {
			continue
		}
		if err != nil {
			return Snapshot{}, err
		}
		snap.Events = append(snap.Events, ev)
		if it.AddedAt.After(snap.LatestActivity) {
			snap.LatestActivity = it.AddedAt
		}
	}
	return snap, nil
}

func (s *Set) items() ([]Item, error) {
	rows, err := s.db.Query(`SELECT id, event_id, added_at, relevance_score, topics, expires_at FROM working_set ORDER BY added_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("%w: query working set: %v", memerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		var topicsJSON sql.NullString
		if err := rows.Scan(&it.ID, &it.EventID, &it.AddedAt, &it.RelevanceScore, &topicsJSON, &it.ExpiresAt); err != nil {
			return nil, err
		}
		if topicsJSON.Valid {
			_ = json.Unmarshal([]byte(topicsJSON.String), &it.Topics)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// removeItems deletes working-set rows by item id, used after
// consolidation prunes a grouped set of items.
func (s *Set) removeItems(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.Exec(`DELETE FROM working_set WHERE id = ?`, id); err != nil {
			return fmt.Errorf("%w: remove working set item %s: %v", memerr.ErrStorageUnavailable, id, err)
		}
	}
	return nil
}

// sortByRelevanceAsc is used by callers that need lowest-first ordering
// outside of the SQL query (kept for parity with the SQL ORDER used by
// enforceCap, exercised directly in tests).
func sortByRelevanceAsc(items []Item) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].RelevanceScore != items[j].RelevanceScore {
			return items[i].RelevanceScore < items[j].RelevanceScore
		}
		return items[i].AddedAt.Before(items[j].AddedAt)
	})
}
