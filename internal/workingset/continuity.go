package workingset

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/buzzni/code-memory/internal/memerr"
)

// ContextSnapshot is a point-in-time description of what a session was
// working on, used as the input to continuity scoring.
type ContextSnapshot struct {
	ID        string
	Topics    []string
	Files     []string
	Entities  []string
	Timestamp time.Time
}

// TransitionType classifies a scored transition between two contexts.
type TransitionType string

const (
	TransitionSeamless   TransitionType = "seamless"
	TransitionTopicShift TransitionType = "topic_shift"
	TransitionBreak      TransitionType = "break"
)

// ContinuityThresholds gates the score -> TransitionType mapping.
type ContinuityThresholds struct {
	Seamless   float64
	TopicShift float64
}

func DefaultContinuityThresholds() ContinuityThresholds {
	return ContinuityThresholds{Seamless: 0.7, TopicShift: 0.4}
}

// ContinuityConfig controls the decay term of the scoring formula.
type ContinuityConfig struct {
	DecayHalfLife time.Duration
	Thresholds    ContinuityThresholds
}

func (c ContinuityConfig) withDefaults() ContinuityConfig {
	if c.DecayHalfLife <= 0 {
		c.DecayHalfLife = 2 * time.Hour
	}
	if c.Thresholds == (ContinuityThresholds{}) {
		c.Thresholds = DefaultContinuityThresholds()
	}
	return c
}

// Scorer judges how related two work contexts are and logs the
// transition for later inspection.
type Scorer struct {
	db  *sql.DB
	cfg ContinuityConfig
}

// NewScorer constructs a Scorer sharing the working set's connection.
func NewScorer(set *Set, cfg ContinuityConfig) *Scorer {
	return &Scorer{db: set.db, cfg: cfg.withDefaults()}
}

// Score computes the weighted-overlap continuity score between from and
// to, classifies the transition, and persists it to continuity_log.
//
// score = 0.3*topic_overlap + 0.2*file_overlap + 0.3*time_decay + 0.2*entity_overlap
func (s *Scorer) Score(from, to ContextSnapshot) (float64, TransitionType, error) {
	topicOverlap := jaccardOverlap(from.Topics, to.Topics)
	fileOverlap := jaccardOverlap(from.Files, to.Files)
	entityOverlap := jaccardOverlap(from.Entities, to.Entities)

	delta := to.Timestamp.Sub(from.Timestamp)
	if delta < 0 {
		delta = -delta
	}
	decay := math.Exp(-delta.Hours() / s.cfg.DecayHalfLife.Hours())

	score := 0.3*topicOverlap + 0.2*fileOverlap + 0.3*decay + 0.2*entityOverlap

	transition := s.classify(score)

	if err := s.log(from.ID, to.ID, score, transition); err != nil {
		return score, transition, err
	}
	return score, transition, nil
}

func (s *Scorer) classify(score float64) TransitionType {
	switch {
	case score >= s.cfg.Thresholds.Seamless:
		return TransitionSeamless
	case score >= s.cfg.Thresholds.TopicShift:
		return TransitionTopicShift
	default:
		return TransitionBreak
	}
}

func (s *Scorer) log(fromID, toID string, score float64, transition TransitionType) error {
	_, err := s.db.Exec(
		`INSERT INTO continuity_log (from_context_id, to_context_id, score, transition_type, created_at) VALUES (?, ?, ?, ?, ?)`,
		fromID, toID, score, string(transition), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: log continuity transition: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// jaccardOverlap returns |a∩b|/max(|a|,|b|), or 0 if either set is empty.
func jaccardOverlap(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, v := range a {
		set[v] = struct{}{}
	}
	intersect := 0
	for _, v := range b {
		if _, ok := set[v]; ok {
			intersect++
		}
	}
	max := len(a)
	if len(b) > max {
		max = len(b)
	}
	return float64(intersect) / float64(max)
}

// NewContextID mints an id for a ContextSnapshot constructed ad hoc by a
// caller (e.g. the hook building the current turn's snapshot).
func NewContextID() string {
	return uuid.New().String()
}
