// Package eventstore implements the durable, append-only log at the heart
// of the memory engine: events, sessions, the embedding outbox, memory
// levels, and the Endless Mode tables, all backed by a single SQLite file
// per project (see internal/router).
package eventstore

import (
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/buzzni/code-memory/internal/canonicalkey"
	"github.com/buzzni/code-memory/internal/memerr"
)

//go:embed schema_events.sql
var schemaEvents string

//go:embed schema_outbox.sql
var schemaOutbox string

//go:embed schema_endless.sql
var schemaEndless string

// DefaultMaxRetries is the retry ceiling fail_jobs enforces before a job
// becomes terminally failed rather than re-queued.
const DefaultMaxRetries = 3

// Store is the SQLite-backed EventStore. One Store per project database
// file; the project router owns the mapping from project path to Store.
type Store struct {
	db         *sql.DB
	maxRetries int
	readOnly   bool
}

// Open opens (and, unless readOnly, initializes) the event store at path.
// Read-only openers skip schema creation, matching the spec's contract for
// short-lived dashboard connections that must never race the writer's DDL.
func Open(path string, readOnly bool) (*Store, error) {
	dsn := path
	if readOnly {
		dsn = path + "?mode=ro"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", memerr.ErrStorageUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA cache_size=-64000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma %q: %v", memerr.ErrStorageUnavailable, p, err)
		}
	}

	s := &Store{db: db, maxRetries: DefaultMaxRetries, readOnly: readOnly}

	if !readOnly {
		if err := s.migrate(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return s, nil
}

// SetMaxRetries overrides DefaultMaxRetries (used by tests and operators
// who want a tighter or looser retry budget).
func (s *Store) SetMaxRetries(n int) {
	if n > 0 {
		s.maxRetries = n
	}
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate executes the embedded schema files. It adds no columns itself;
// ensureColumn is the ALTER TABLE helper for columns added after the
// initial schema.
func (s *Store) migrate() error {
	for _, schema := range []string{schemaEvents, schemaOutbox, schemaEndless} {
		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("%w: schema init: %v", memerr.ErrStorageUnavailable, err)
		}
	}
	return nil
}

// ensureColumn adds column of the given SQL type to table if it is not
// already present, probing with PRAGMA table_info per the spec's
// self-migration contract (§6).
func (s *Store) ensureColumn(table, column, sqlType string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("%w: table_info(%s): %v", memerr.ErrStorageUnavailable, table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil // already present
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, sqlType))
	if err != nil {
		return fmt.Errorf("%w: add column %s.%s: %v", memerr.ErrSchemaVersionMismatch, table, column, err)
	}
	return nil
}

// ================================================
// Append / dedupe
// ================================================

// Append writes a new event, its dedupe index row, and its initial L0
// memory-level row in a single transaction. If the derived dedupe key
// already exists, Append returns the existing event id without writing
// anything new — idempotency is enforced by the dedupe table's primary
// key, so a concurrent retry collides into a clean duplicate result
// rather than a partial write.
func (s *Store) Append(in AppendInput) (AppendResult, error) {
	if s.readOnly {
		return AppendResult{}, fmt.Errorf("%w: append on read-only store", memerr.ErrStorageUnavailable)
	}
	if !in.EventType.Valid() {
		return AppendResult{}, fmt.Errorf("%w: unknown event type %q", memerr.ErrEmbedderInputInvalid, in.EventType)
	}

	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	var ctx *canonicalkey.Context
	if in.Project != "" {
		ctx = &canonicalkey.Context{Project: in.Project}
	}
	ck := canonicalkey.Canonical(in.Content, ctx)
	dk := canonicalkey.DedupeKey(in.Content, in.SessionID)

	// Fast path: dedupe row already exists.
	if existing, err := s.lookupDedupe(dk); err == nil {
		return AppendResult{EventID: existing, IsDuplicate: true}, nil
	} else if !errors.Is(err, memerr.ErrNotFound) {
		return AppendResult{}, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: begin append tx: %v", memerr.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	id := uuid.New().String()
	metadataJSON, err := json.Marshal(in.Metadata)
	if err != nil {
		return AppendResult{}, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO events (id, event_type, session_id, timestamp, content, canonical_key, dedupe_key, metadata, access_count, last_accessed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL)`,
		id, string(in.EventType), in.SessionID, ts, in.Content, ck, dk, string(metadataJSON),
	)
	if err != nil {
		if isUniqueViolation(err) {
			// Another writer won the race on dedupe_key via a later
			// event_dedup insert; treat as duplicate.
			tx.Rollback()
			if existing, lookupErr := s.lookupDedupe(dk); lookupErr == nil {
				return AppendResult{EventID: existing, IsDuplicate: true}, nil
			}
		}
		return AppendResult{}, fmt.Errorf("%w: insert event: %v", memerr.ErrStorageUnavailable, err)
	}

	_, err = tx.Exec(
		`INSERT INTO event_dedup (dedupe_key, event_id, created_at) VALUES (?, ?, ?)`,
		dk, id, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback()
			if existing, lookupErr := s.lookupDedupe(dk); lookupErr == nil {
				return AppendResult{EventID: existing, IsDuplicate: true}, nil
			}
			return AppendResult{}, fmt.Errorf("%w: dedupe conflict with no resolvable row", memerr.ErrConflict)
		}
		return AppendResult{}, fmt.Errorf("%w: insert dedupe row: %v", memerr.ErrStorageUnavailable, err)
	}

	_, err = tx.Exec(
		`INSERT INTO memory_levels (event_id, level, promoted_at) VALUES (?, ?, ?)`,
		id, string(LevelL0), ts,
	)
	if err != nil {
		return AppendResult{}, fmt.Errorf("%w: insert memory level row: %v", memerr.ErrStorageUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, fmt.Errorf("%w: commit append tx: %v", memerr.ErrStorageUnavailable, err)
	}

	return AppendResult{EventID: id, IsDuplicate: false}, nil
}

func (s *Store) lookupDedupe(dedupeKey string) (string, error) {
	var eventID string
	err := s.db.QueryRow(`SELECT event_id FROM event_dedup WHERE dedupe_key = ?`, dedupeKey).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", memerr.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: lookup dedupe: %v", memerr.ErrStorageUnavailable, err)
	}
	return eventID, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}

// ================================================
// Outbox
// ================================================

// EnqueueForEmbedding inserts a pending outbox row. Called only for
// non-duplicate appends.
func (s *Store) EnqueueForEmbedding(eventID, content string) error {
	_, err := s.db.Exec(
		`INSERT INTO embedding_outbox (event_id, content, status, retry_count, created_at) VALUES (?, ?, 'pending', 0, ?)`,
		eventID, content, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("%w: enqueue outbox job: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// ClaimPending atomically selects up to limit pending jobs, ordered
// oldest-first, and marks them processing in the same transaction —
// a single claim step rather than the non-atomic select-then-update pair
// called out as a correctness risk in the design notes, so concurrent
// workers can never double-claim the same row.
func (s *Store) ClaimPending(limit int) ([]OutboxJob, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("%w: begin claim tx: %v", memerr.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT id FROM embedding_outbox WHERE status = 'pending' ORDER BY created_at ASC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: select pending: %v", memerr.ErrStorageUnavailable, err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE embedding_outbox SET status = 'processing' WHERE id IN (%s)`, strings.Join(placeholders, ","))
	if _, err := tx.Exec(query, args...); err != nil {
		return nil, fmt.Errorf("%w: mark processing: %v", memerr.ErrStorageUnavailable, err)
	}

	jobRows, err := tx.Query(fmt.Sprintf(
		`SELECT id, event_id, content, status, retry_count, created_at, processed_at, error_message
		 FROM embedding_outbox WHERE id IN (%s) ORDER BY created_at ASC`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return nil, fmt.Errorf("%w: reselect claimed: %v", memerr.ErrStorageUnavailable, err)
	}
	defer jobRows.Close()

	var jobs []OutboxJob
	for jobRows.Next() {
		var j OutboxJob
		var processedAt sql.NullTime
		var errMsg sql.NullString
		if err := jobRows.Scan(&j.ID, &j.EventID, &j.Content, &j.Status, &j.RetryCount, &j.CreatedAt, &processedAt, &errMsg); err != nil {
			return nil, err
		}
		if processedAt.Valid {
			t := processedAt.Time
			j.ProcessedAt = &t
		}
		j.ErrorMessage = errMsg.String
		jobs = append(jobs, j)
	}
	if err := jobRows.Err(); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: commit claim tx: %v", memerr.ErrStorageUnavailable, err)
	}
	return jobs, nil
}

// CompleteJobs deletes the given outbox rows (terminal success).
func (s *Store) CompleteJobs(ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	_, err := s.db.Exec(fmt.Sprintf(`DELETE FROM embedding_outbox WHERE id IN (%s)`, strings.Join(placeholders, ",")), args...)
	if err != nil {
		return fmt.Errorf("%w: complete jobs: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// FailJobs increments retry_count and re-queues, or, once max_retries is
// reached, marks the row terminally failed and retains it for diagnosis.
func (s *Store) FailJobs(ids []int64, errMsg string) error {
	for _, id := range ids {
		var retryCount int
		err := s.db.QueryRow(`SELECT retry_count FROM embedding_outbox WHERE id = ?`, id).Scan(&retryCount)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: read retry_count: %v", memerr.ErrStorageUnavailable, err)
		}

		if retryCount+1 >= s.maxRetries {
			_, err = s.db.Exec(
				`UPDATE embedding_outbox SET status = 'failed', retry_count = retry_count + 1, processed_at = ?, error_message = ? WHERE id = ?`,
				time.Now(), errMsg, id,
			)
		} else {
			_, err = s.db.Exec(
				`UPDATE embedding_outbox SET status = 'pending', retry_count = retry_count + 1, error_message = ? WHERE id = ?`,
				errMsg, id,
			)
		}
		if err != nil {
			return fmt.Errorf("%w: fail job %d: %v", memerr.ErrStorageUnavailable, id, err)
		}
	}
	return nil
}

// ReconcilePending resets any row left in 'processing' from a prior crash
// back to 'pending', incrementing retry_count so repeated crash-loops
// still converge on 'failed'.
func (s *Store) ReconcilePending() (int, error) {
	result, err := s.db.Exec(`UPDATE embedding_outbox SET status = 'pending', retry_count = retry_count + 1 WHERE status = 'processing'`)
	if err != nil {
		return 0, fmt.Errorf("%w: reconcile pending: %v", memerr.ErrStorageUnavailable, err)
	}
	n, _ := result.RowsAffected()
	return int(n), nil
}

// ================================================
// Reads
// ================================================

const eventSelectColumns = `id, event_type, session_id, timestamp, content, canonical_key, dedupe_key, metadata, access_count, last_accessed_at`

// prefixColumns qualifies each column in a comma-separated list with an
// alias, used when a query joins events against another table.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func scanEvent(scanner interface {
	Scan(dest ...any) error
}) (*Event, error) {
	var e Event
	var metadataJSON sql.NullString
	var lastAccessed sql.NullTime
	var eventType string

	if err := scanner.Scan(&e.ID, &eventType, &e.SessionID, &e.Timestamp, &e.Content, &e.CanonicalKey, &e.DedupeKey, &metadataJSON, &e.AccessCount, &lastAccessed); err != nil {
		return nil, err
	}
	e.EventType = EventType(eventType)
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
	}
	if lastAccessed.Valid {
		t := lastAccessed.Time
		e.LastAccessedAt = &t
	}
	return &e, nil
}

// GetEvent retrieves a single event by id.
func (s *Store) GetEvent(id string) (*Event, error) {
	row := s.db.QueryRow(`SELECT `+eventSelectColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get event: %v", memerr.ErrStorageUnavailable, err)
	}
	return e, nil
}

// GetSessionEvents returns every event in a session, oldest first.
func (s *Store) GetSessionEvents(sessionID string) ([]*Event, error) {
	rows, err := s.db.Query(`SELECT `+eventSelectColumns+` FROM events WHERE session_id = ? ORDER BY timestamp ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: get session events: %v", memerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetRecent returns the most recent events across all sessions.
func (s *Store) GetRecent(limit int) ([]*Event, error) {
	rows, err := s.db.Query(`SELECT `+eventSelectColumns+` FROM events ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: get recent: %v", memerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsSince returns events appended at or after ts, oldest first,
// bounded by limit. Used by sync-style callers.
func (s *Store) GetEventsSince(ts time.Time, limit int) ([]*Event, error) {
	rows, err := s.db.Query(`SELECT `+eventSelectColumns+` FROM events WHERE timestamp >= ? ORDER BY timestamp ASC LIMIT ?`, ts, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: get events since: %v", memerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByLevel returns events currently at level, newest first.
func (s *Store) GetEventsByLevel(level MemoryLevel, filter EventFilter) ([]*Event, error) {
	cols := prefixColumns("e", eventSelectColumns)
	query := `SELECT ` + cols + `
		FROM events e JOIN memory_levels m ON m.event_id = e.id
		WHERE m.level = ? ORDER BY e.timestamp DESC`
	args := []any{string(level)}
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += ` OFFSET ?`
			args = append(args, filter.Offset)
		}
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: get events by level: %v", memerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetMostAccessed returns the events with the highest access_count.
func (s *Store) GetMostAccessed(limit int) ([]*Event, error) {
	rows, err := s.db.Query(`SELECT `+eventSelectColumns+` FROM events ORDER BY access_count DESC, timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: get most accessed: %v", memerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// KeywordSearch performs an FTS5 prefix-match search over event content,
// falling back to a substring scan ordered by recency if the FTS index is
// unavailable or the query cannot be parsed as valid FTS syntax.
func (s *Store) KeywordSearch(query string, limit int) ([]KeywordHit, error) {
	ftsQuery := toFTSPrefixQuery(query)
	if ftsQuery == "" {
		return nil, nil
	}

	rows, err := s.db.Query(
		`SELECT `+prefixColumns("e", eventSelectColumns)+`, bm25(events_fts) AS rank
		 FROM events_fts JOIN events e ON e.rowid = events_fts.rowid
		 WHERE events_fts MATCH ? ORDER BY rank LIMIT ?`, ftsQuery, limit)
	if err != nil {
		return s.keywordSearchFallback(query, limit)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var e Event
		var metadataJSON sql.NullString
		var lastAccessed sql.NullTime
		var eventType string
		var rank float64
		if err := rows.Scan(&e.ID, &eventType, &e.SessionID, &e.Timestamp, &e.Content, &e.CanonicalKey, &e.DedupeKey, &metadataJSON, &e.AccessCount, &lastAccessed, &rank); err != nil {
			return s.keywordSearchFallback(query, limit)
		}
		e.EventType = EventType(eventType)
		if metadataJSON.Valid && metadataJSON.String != "" {
			_ = json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		if lastAccessed.Valid {
			t := lastAccessed.Time
			e.LastAccessedAt = &t
		}
		// bm25 is negative and smaller-is-better; normalize to a
		// positive 0..1-ish rank (stronger matches closer to 1) so
		// downstream scoring treats it like any other similarity signal.
		hits = append(hits, KeywordHit{Event: &e, Rank: (-rank) / (1.0 + (-rank))})
	}
	if err := rows.Err(); err != nil {
		return s.keywordSearchFallback(query, limit)
	}
	return hits, nil
}

func (s *Store) keywordSearchFallback(query string, limit int) ([]KeywordHit, error) {
	pattern := "%" + query + "%"
	rows, err := s.db.Query(`SELECT `+eventSelectColumns+` FROM events WHERE content LIKE ? ORDER BY timestamp DESC LIMIT ?`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: keyword search fallback: %v", memerr.ErrStorageUnavailable, err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	hits := make([]KeywordHit, len(events))
	for i, e := range events {
		hits[i] = KeywordHit{Event: e, Rank: 0.5}
	}
	return hits, nil
}

// toFTSPrefixQuery turns free text into an FTS5 query matching any token
// as a prefix, tolerating punctuation the tokenizer would otherwise choke
// on by stripping everything but letters/numbers/space first.
func toFTSPrefixQuery(query string) string {
	fields := strings.Fields(query)
	var terms []string
	for _, f := range fields {
		cleaned := strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				return r
			}
			return -1
		}, f)
		if cleaned != "" {
			terms = append(terms, cleaned+"*")
		}
	}
	return strings.Join(terms, " OR ")
}

// IncrementAccessCount bumps access_count and last_accessed_at for the
// given events. Invoked only when a memory is actually used in a prompt,
// never on every search hit (see retriever package).
func (s *Store) IncrementAccessCount(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := time.Now()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("%w: begin access count tx: %v", memerr.ErrStorageUnavailable, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`UPDATE events SET access_count = access_count + 1, last_accessed_at = ? WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("%w: prepare access count update: %v", memerr.ErrStorageUnavailable, err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.Exec(now, id); err != nil {
			return fmt.Errorf("%w: increment access count %s: %v", memerr.ErrStorageUnavailable, id, err)
		}
	}
	return tx.Commit()
}

// ================================================
// Sessions
// ================================================

// UpsertSession inserts partial if no session with that id exists; else
// updates only the fields the caller supplied.
func (s *Store) UpsertSession(partial SessionPartial) error {
	var exists bool
	err := s.db.QueryRow(`SELECT 1 FROM sessions WHERE id = ?`, partial.ID).Scan(new(int))
	exists = err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: upsert session lookup: %v", memerr.ErrStorageUnavailable, err)
	}

	tagsJSON, _ := json.Marshal(partial.Tags)

	if !exists {
		started := time.Now()
		if partial.StartedAt != nil {
			started = *partial.StartedAt
		}
		var projectPath, summary string
		if partial.ProjectPath != nil {
			projectPath = *partial.ProjectPath
		}
		if partial.Summary != nil {
			summary = *partial.Summary
		}
		_, err := s.db.Exec(
			`INSERT INTO sessions (id, started_at, ended_at, project_path, summary, tags) VALUES (?, ?, ?, ?, ?, ?)`,
			partial.ID, started, partial.EndedAt, projectPath, summary, string(tagsJSON),
		)
		if err != nil {
			return fmt.Errorf("%w: insert session: %v", memerr.ErrStorageUnavailable, err)
		}
		return nil
	}

	sets := []string{}
	args := []any{}
	if partial.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *partial.StartedAt)
	}
	if partial.EndedAt != nil {
		sets = append(sets, "ended_at = ?")
		args = append(args, *partial.EndedAt)
	}
	if partial.ProjectPath != nil {
		sets = append(sets, "project_path = ?")
		args = append(args, *partial.ProjectPath)
	}
	if partial.Summary != nil {
		sets = append(sets, "summary = ?")
		args = append(args, *partial.Summary)
	}
	if partial.Tags != nil {
		sets = append(sets, "tags = ?")
		args = append(args, string(tagsJSON))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, partial.ID)
	_, err = s.db.Exec(fmt.Sprintf(`UPDATE sessions SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return fmt.Errorf("%w: update session: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// GetSession retrieves a session by id.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	var endedAt sql.NullTime
	var projectPath, summary, tagsJSON sql.NullString
	err := s.db.QueryRow(`SELECT id, started_at, ended_at, project_path, summary, tags FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.StartedAt, &endedAt, &projectPath, &summary, &tagsJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memerr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", memerr.ErrStorageUnavailable, err)
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	sess.ProjectPath = projectPath.String
	sess.Summary = summary.String
	if tagsJSON.Valid {
		_ = json.Unmarshal([]byte(tagsJSON.String), &sess.Tags)
	}
	return &sess, nil
}

// ================================================
// Memory levels
// ================================================

// GetEventLevel returns the current memory level for an event.
func (s *Store) GetEventLevel(eventID string) (MemoryLevel, error) {
	var level string
	err := s.db.QueryRow(`SELECT level FROM memory_levels WHERE event_id = ?`, eventID).Scan(&level)
	if errors.Is(err, sql.ErrNoRows) {
		return "", memerr.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: get event level: %v", memerr.ErrStorageUnavailable, err)
	}
	return MemoryLevel(level), nil
}

// UpdateMemoryLevel unconditionally overwrites the stored level; it is
// the Graduation pipeline's job, not the store's, to enforce monotonicity.
func (s *Store) UpdateMemoryLevel(eventID string, newLevel MemoryLevel) error {
	_, err := s.db.Exec(
		`UPDATE memory_levels SET level = ?, promoted_at = ? WHERE event_id = ?`,
		string(newLevel), time.Now(), eventID,
	)
	if err != nil {
		return fmt.Errorf("%w: update memory level: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// ================================================
// Insights
// ================================================

// SaveInsight persists a derived insight row.
func (s *Store) SaveInsight(in *Insight) error {
	if in.ID == "" {
		in.ID = uuid.New().String()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	supportingJSON, _ := json.Marshal(in.SupportingEvents)
	_, err := s.db.Exec(
		`INSERT INTO insights (id, kind, canonical_key, description, confidence, supporting_events, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.ID, string(in.Kind), in.CanonicalKey, in.Description, in.Confidence, string(supportingJSON), in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("%w: save insight: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// ================================================
// Endless config
// ================================================

// GetEndlessConfig reads a single endless-mode config value.
func (s *Store) GetEndlessConfig(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM endless_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", memerr.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("%w: get endless config: %v", memerr.ErrStorageUnavailable, err)
	}
	return value, nil
}

// SetEndlessConfig upserts a single endless-mode config value.
func (s *Store) SetEndlessConfig(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO endless_config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("%w: set endless config: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// RebuildFTS drops and repopulates the FTS index from the events table,
// used after a bulk import or to recover from index corruption.
func (s *Store) RebuildFTS() error {
	_, err := s.db.Exec(`INSERT INTO events_fts(events_fts) VALUES ('rebuild')`)
	if err != nil {
		return fmt.Errorf("%w: rebuild fts: %v", memerr.ErrStorageUnavailable, err)
	}
	return nil
}

// DB exposes the underlying connection for components (vectorstore,
// workingset) that share the same SQLite file under the single-database
// posture described in the router package.
func (s *Store) DB() *sql.DB { return s.db }
