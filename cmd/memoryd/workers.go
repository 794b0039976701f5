package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/buzzni/code-memory/internal/bus"
	"github.com/buzzni/code-memory/internal/config"
	"github.com/buzzni/code-memory/internal/embedding"
	"github.com/buzzni/code-memory/internal/outbox"
	"github.com/buzzni/code-memory/internal/router"
	"github.com/buzzni/code-memory/internal/workingset"
)

// workerManager starts the Outbox, Graduation, and Consolidation
// workers for every Service the router has opened, and periodically
// rescans for per-project stores created by separate memoryhook process
// invocations so newly active projects pick up a worker without a
// memoryd restart.
type workerManager struct {
	router   *router.Router
	embedder embedding.Embedder
	bus      *bus.Client
	cfg      *config.Config
	log      zerolog.Logger

	mu      sync.Mutex
	started map[string]bool // project hash -> workers already running
}

func newWorkerManager(r *router.Router, embedder embedding.Embedder, busClient *bus.Client, cfg *config.Config, log zerolog.Logger) *workerManager {
	return &workerManager{
		router:   r,
		embedder: embedder,
		bus:      busClient,
		cfg:      cfg,
		log:      log,
		started:  map[string]bool{},
	}
}

// rescanLoop discovers project hashes on disk, opens a Service for any
// the router hasn't already cached, and starts workers for any service
// that doesn't have them running yet. It runs until ctx is canceled.
func (wm *workerManager) rescanLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			wm.startNewlyDiscovered(ctx)
		}
	}
}

// startNewlyDiscovered opens services for project hashes found on disk
// and starts workers for every currently-cached service (global plus
// per-project) that doesn't already have workers running.
func (wm *workerManager) startNewlyDiscovered(ctx context.Context) {
	hashes, err := wm.router.DiscoverProjectHashes()
	if err != nil {
		wm.log.Error().Err(err).Msg("failed to scan project directories")
	}
	for _, hash := range hashes {
		if _, err := wm.router.GetServiceByHash(hash); err != nil {
			wm.log.Error().Err(err).Str("project_hash", hash).Msg("failed to open discovered project service")
		}
	}

	for _, svc := range wm.router.OpenServices() {
		wm.startWorkersOnce(ctx, svc)
	}
}

func (wm *workerManager) startWorkersOnce(ctx context.Context, svc *router.Service) {
	wm.mu.Lock()
	if wm.started[svc.ProjectHash] {
		wm.mu.Unlock()
		return
	}
	wm.started[svc.ProjectHash] = true
	wm.mu.Unlock()

	log := wm.log.With().Str("project_hash", svc.ProjectHash).Logger()

	if svc.Vectors != nil && wm.embedder != nil {
		worker := outbox.NewWorker(svc.Events, svc.Vectors, wm.embedder, wm.bus, wm.cfg.OutboxConfig(), log)
		go func() {
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("outbox worker exited")
			}
		}()
	}
	if svc.Graduation != nil {
		go func() {
			if err := svc.Graduation.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("graduation worker exited")
			}
		}()
	}
	if svc.WorkingSet != nil {
		consolidator := workingset.NewConsolidator(svc.WorkingSet, nil, wm.cfg.ConsolidationConfig(), log)
		go func() {
			if err := consolidator.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("consolidation worker exited")
			}
		}()
	}

	log.Info().Msg("started workers for project")
}
