package eventstore

import "time"

// EventType is the closed set of conversation event kinds the engine
// persists. Represented as a string-backed enum so storage and JSON
// round-trip trivially, but every switch over it must be exhaustive.
type EventType string

const (
	EventTypeUserPrompt      EventType = "user_prompt"
	EventTypeAgentResponse   EventType = "agent_response"
	EventTypeSessionSummary  EventType = "session_summary"
	EventTypeToolObservation EventType = "tool_observation"
)

// Valid reports whether t is one of the recognized event types.
func (t EventType) Valid() bool {
	switch t {
	case EventTypeUserPrompt, EventTypeAgentResponse, EventTypeSessionSummary, EventTypeToolObservation:
		return true
	}
	return false
}

// MemoryLevel is an event's promotion tier. L0 is raw; L4 is active
// long-term knowledge. Levels only increase (see graduation package).
type MemoryLevel string

const (
	LevelL0 MemoryLevel = "L0"
	LevelL1 MemoryLevel = "L1"
	LevelL2 MemoryLevel = "L2"
	LevelL3 MemoryLevel = "L3"
	LevelL4 MemoryLevel = "L4"
)

// levelOrder gives each level a rank so callers can compare monotonicity
// without string comparison.
var levelOrder = map[MemoryLevel]int{
	LevelL0: 0,
	LevelL1: 1,
	LevelL2: 2,
	LevelL3: 3,
	LevelL4: 4,
}

// Rank returns the level's position in the L0..L4 ordering.
func (l MemoryLevel) Rank() int { return levelOrder[l] }

// Next returns the level immediately above l, and false if l is already L4.
func (l MemoryLevel) Next() (MemoryLevel, bool) {
	switch l {
	case LevelL0:
		return LevelL1, true
	case LevelL1:
		return LevelL2, true
	case LevelL2:
		return LevelL3, true
	case LevelL3:
		return LevelL4, true
	default:
		return l, false
	}
}

// OutboxStatus is the closed set of legal embedding-job states.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxDone       OutboxStatus = "done"
	OutboxFailed     OutboxStatus = "failed"
)

// Event is the L0 unit of the memory engine: an immutable record of one
// turn in a conversation. Immutable after append; access_count and
// last_accessed_at are the only mutable fields, and only via monotone
// increment performed by EventStore.IncrementAccessCount.
type Event struct {
	ID            string
	EventType     EventType
	SessionID     string
	Timestamp     time.Time
	Content       string
	CanonicalKey  string
	DedupeKey     string
	Metadata      map[string]any
	AccessCount   int
	LastAccessedAt *time.Time
}

// AppendInput is the caller-supplied payload for EventStore.Append.
type AppendInput struct {
	EventType EventType
	SessionID string
	Timestamp time.Time // zero means "now"
	Content   string
	Metadata  map[string]any
	Project   string // optional, used to scope the canonical key
}

// AppendResult reports whether Append wrote a new row or found a
// pre-existing one with the same dedupe key.
type AppendResult struct {
	EventID     string
	IsDuplicate bool
}

// Session represents an agent work session scoped to a project.
type Session struct {
	ID          string
	StartedAt   time.Time
	EndedAt     *time.Time
	ProjectPath string
	Summary     string
	Tags        []string
}

// SessionPartial is used by UpsertSession: only non-nil fields are applied
// to an existing row, but all fields are used for the initial insert.
type SessionPartial struct {
	ID          string
	StartedAt   *time.Time
	EndedAt     *time.Time
	ProjectPath *string
	Summary     *string
	Tags        []string
}

// OutboxJob is a durable unit of embedding work, enqueued with
// EnqueueForEmbedding for every non-duplicate Append (the hook does this
// right after appending).
type OutboxJob struct {
	ID           int64
	EventID      string
	Content      string
	Status       OutboxStatus
	RetryCount   int
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	ErrorMessage string

	// Hydrated by the caller (outbox worker) after claiming, not stored
	// on the outbox row itself.
	SessionID string
	EventType EventType
	Timestamp time.Time
	Metadata  map[string]any
}

// MemoryLevelRow is the (event_id -> level) row the spec calls MemoryLevel.
type MemoryLevelRow struct {
	EventID     string
	Level       MemoryLevel
	PromotedAt  time.Time
}

// EventFilter narrows GetEventsByLevel and similar range queries.
type EventFilter struct {
	Limit  int
	Offset int
}

// KeywordHit pairs an event with its full-text search rank.
type KeywordHit struct {
	Event *Event
	Rank  float64
}

// InsightKind is the closed set of derived-insight categories Graduation
// produces as a side product at L1+.
type InsightKind string

const (
	InsightPattern    InsightKind = "pattern"
	InsightPreference InsightKind = "preference"
)

// Insight is a derived observation persisted for the (out-of-scope)
// dashboard to render; it never feeds back into retrieval scoring.
type Insight struct {
	ID                string
	Kind              InsightKind
	CanonicalKey      string
	Description       string
	Confidence        float64
	SupportingEvents  []string
	CreatedAt         time.Time
}
