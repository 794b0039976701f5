// Command memoryd is the long-running daemon side of the memory
// engine: it embeds a NATS server for inter-worker wake-up
// notifications and runs the Outbox, Graduation, and Consolidation
// workers for the global service and for every per-project store it
// discovers under its storage directory. memoryhook, a separate
// short-lived process execed per hook call, is the one actually
// writing those per-project stores (each hook invocation builds its own
// Router in its own process), so memoryd periodically rescans its
// storage directory for project hashes memoryhook has created and
// starts workers for any it hasn't seen yet — see workerManager below.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/rs/zerolog"

	"github.com/buzzni/code-memory/internal/bus"
	"github.com/buzzni/code-memory/internal/config"
	"github.com/buzzni/code-memory/internal/embedding"
	"github.com/buzzni/code-memory/internal/router"
	"github.com/buzzni/code-memory/internal/sharedstore"
)

func main() {
	configPath := flag.String("config", "configs/memory.yaml", "Path to configuration file")
	natsPort := flag.Int("nats-port", 4229, "Embedded NATS server port")
	httpPort := flag.Int("http-port", 4230, "Health/stats HTTP port")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}).With().Timestamp().Logger()
	log.Info().Msg("memoryd starting")

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		loaded, err := config.LoadConfig(*configPath)
		if err != nil {
			log.Warn().Err(err).Str("path", *configPath).Msg("failed to load config, using defaults")
		} else {
			cfg = loaded
			log.Info().Str("path", *configPath).Msg("loaded configuration")
		}
	} else {
		log.Info().Msg("config file not found, using defaults")
	}

	if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create storage directory")
	}

	natsOpts := &server.Options{
		Port:     *natsPort,
		HTTPPort: -1,
		NoLog:    true,
		NoSigs:   true,
	}
	natsServer, err := server.NewServer(natsOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create embedded NATS server")
	}
	go natsServer.Start()
	if !natsServer.ReadyForConnections(5 * time.Second) {
		log.Fatal().Msg("NATS server failed to start in time")
	}
	natsURL := fmt.Sprintf("nats://localhost:%d", *natsPort)
	log.Info().Str("url", natsURL).Msg("embedded NATS server started")

	busClient, err := bus.NewClient(natsURL, "memoryd", log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect internal bus client")
	}
	defer busClient.Close()

	var embedder embedding.Embedder
	if cfg.Embedding.Provider == "local" || cfg.Embedding.Provider == "openai" {
		embedder = embedding.NewProvider(cfg.EmbeddingProviderConfig())
	}

	var shared *sharedstore.Store
	if cfg.Features.SharedStore.Enabled {
		shared, err = sharedstore.Open(cfg.Features.SharedStore.SharedStoragePath, embedder, cfg.SharedStoreConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open shared store")
		}
		defer shared.Close()
		log.Info().Str("path", cfg.Features.SharedStore.SharedStoragePath).Msg("shared store opened")
	}

	r := router.New(router.Dependencies{
		BaseDir:      cfg.Storage.Path,
		Embedder:     embedder,
		Shared:       shared,
		Bus:          busClient,
		Log:          log,
		MatcherOpts:  cfg.MatcherOptions(),
		GradConfig:   cfg.GraduationConfig(),
		WorkingSetCf: cfg.WorkingSetConfig(),
	})
	defer r.CloseAll()

	if _, err := r.GetGlobalService(); err != nil {
		log.Fatal().Err(err).Msg("failed to open global service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wm := newWorkerManager(r, embedder, busClient, cfg, log)
	wm.startNewlyDiscovered(ctx) // opens the just-created global service's workers immediately
	go wm.rescanLoop(ctx, 10*time.Second)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok"}`)
	})
	httpServer := &http.Server{Addr: fmt.Sprintf(":%d", *httpPort), Handler: mux}
	go func() {
		log.Info().Int("port", *httpPort).Msg("health endpoint starting")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	natsServer.Shutdown()
	log.Info().Msg("memoryd shutdown complete")
}
