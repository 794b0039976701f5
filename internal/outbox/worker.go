// Package outbox drains the embedding_outbox table: it claims pending
// jobs, embeds their content, and writes the resulting vectors into the
// vector store, decoupling fast event ingestion from slow network calls
// to an embedding model.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/buzzni/code-memory/internal/bus"
	"github.com/buzzni/code-memory/internal/embedding"
	"github.com/buzzni/code-memory/internal/eventstore"
	"github.com/buzzni/code-memory/internal/memerr"
	"github.com/buzzni/code-memory/internal/vectorstore"
)

// Config controls batch size and polling cadence.
type Config struct {
	BatchSize int           // jobs claimed per cycle
	Interval  time.Duration // poll interval when no wake-up arrives
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Interval <= 0 {
		c.Interval = 2 * time.Second
	}
	return c
}

// Worker processes embedding_outbox rows.
type Worker struct {
	events   *eventstore.Store
	vectors  *vectorstore.Store
	embedder embedding.Embedder
	bus      *bus.Client // optional; nil means poll on Interval only
	log      zerolog.Logger
	cfg      Config
}

// NewWorker constructs a Worker from its dependencies. busClient may be
// nil, in which case the worker falls back to pure interval polling.
func NewWorker(events *eventstore.Store, vectors *vectorstore.Store, embedder embedding.Embedder, busClient *bus.Client, cfg Config, log zerolog.Logger) *Worker {
	return &Worker{
		events:   events,
		vectors:  vectors,
		embedder: embedder,
		bus:      busClient,
		log:      log.With().Str("component", "outbox").Logger(),
		cfg:      cfg.withDefaults(),
	}
}

// Run starts the claim/embed/upsert loop until ctx is canceled. It first
// reconciles any rows left in 'processing' by a prior crash, then polls
// on a ticker, waking early whenever a wake-up notification arrives on
// the event bus.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.events.ReconcilePending(); err != nil {
		w.log.Error().Err(err).Msg("reconcile pending failed")
	} else if n > 0 {
		w.log.Info().Int("rows", n).Msg("reconciled stuck processing rows")
	}

	var wake <-chan struct{}
	if w.bus != nil {
		ch, unsubscribe, err := w.bus.SubscribeWakeups(bus.SubjectOutboxWake)
		if err != nil {
			w.log.Warn().Err(err).Msg("outbox wake-up subscription failed, falling back to polling only")
		} else {
			defer unsubscribe()
			wake = ch
		}
	}

	w.log.Info().Int("batch", w.cfg.BatchSize).Dur("interval", w.cfg.Interval).Msg("outbox worker starting")
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("outbox worker stopping")
			return ctx.Err()
		case <-ticker.C:
			w.drainAll(ctx)
		case <-wake:
			w.drainAll(ctx)
		}
	}
}

// drainAll repeatedly calls ProcessBatch until a batch comes back empty,
// so a burst of appends is cleared within one wake-up instead of trickling
// out one batch per tick.
func (w *Worker) drainAll(ctx context.Context) {
	for {
		n, err := w.ProcessBatch(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("process batch failed")
			return
		}
		if n < w.cfg.BatchSize {
			return
		}
	}
}

// ProcessBatch claims up to cfg.BatchSize jobs, embeds their content, and
// upserts the resulting vectors. It returns the number of jobs claimed
// (not necessarily the number that succeeded — per-job failures are
// retried via FailJobs rather than surfaced as a batch error).
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	jobs, err := w.events.ClaimPending(w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim pending: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var embedded, skipped, failed []int64
	var records []vectorstore.Record

	for _, j := range jobs {
		ev, err := w.events.GetEvent(j.EventID)
		if errors.Is(err, memerr.ErrNotFound) {
			// The event was pruned between enqueue and claim; there is
			// nothing left to embed. Mark the job done rather than
			// retrying or failing it, per the orphan-job NotFound
			// semantics. Kept separate from embedded so a later upsert
			// failure can't retry a job that was never meant to embed.
			w.log.Debug().Int64("job_id", j.ID).Str("event_id", j.EventID).Msg("outbox job orphaned: event pruned, skipping")
			skipped = append(skipped, j.ID)
			continue
		}
		if err != nil {
			w.log.Warn().Err(err).Int64("job_id", j.ID).Str("event_id", j.EventID).Msg("hydrate event failed")
			failed = append(failed, j.ID)
			continue
		}

		vec, err := w.embedder.Embed(ctx, ev.Content)
		if err != nil {
			w.log.Warn().Err(err).Int64("job_id", j.ID).Str("event_id", j.EventID).Msg("embed failed")
			failed = append(failed, j.ID)
			continue
		}
		records = append(records, vectorstore.Record{
			EventID:   j.EventID,
			Embedding: vec,
			EventType: string(ev.EventType),
			SessionID: ev.SessionID,
			Timestamp: ev.Timestamp,
		})
		embedded = append(embedded, j.ID)
	}

	done := skipped
	if len(records) > 0 {
		if err := w.vectors.UpsertBatch(records); err != nil {
			// The whole batch's vector write failed even though
			// embedding succeeded; requeue rather than silently drop.
			w.log.Error().Err(err).Int("count", len(records)).Msg("vector upsert batch failed")
			if err := w.events.FailJobs(embedded, err.Error()); err != nil {
				w.log.Error().Err(err).Msg("fail jobs after upsert failure errored")
			}
		} else {
			done = append(done, embedded...)
		}
	}

	if len(done) > 0 {
		if err := w.events.CompleteJobs(done); err != nil {
			w.log.Error().Err(err).Msg("complete jobs failed")
		}
	}
	if len(failed) > 0 {
		if err := w.events.FailJobs(failed, "embed failed"); err != nil {
			w.log.Error().Err(err).Msg("fail jobs failed")
		}
	}

	return len(jobs), nil
}
