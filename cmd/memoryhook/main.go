// Command memoryhook is the thin, short-lived process Claude Code execs
// for every hook event (SessionStart, UserPromptSubmit, Stop,
// SessionEnd, PostToolUse). It reads one JSON object from stdin, writes
// one JSON object to stdout, and always exits 0 — failures are logged
// to stderr only when DEBUG is set, never surfaced to the host.
package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/buzzni/code-memory/internal/config"
	"github.com/buzzni/code-memory/internal/embedding"
	"github.com/buzzni/code-memory/internal/hook"
	"github.com/buzzni/code-memory/internal/router"
)

func main() {
	os.Exit(run())
}

// run performs the hook's work and returns the process exit code. It is
// separated from main so the empty-output-on-panic contract is
// enforced in one place; the hook protocol never exits non-zero, but
// keeping a real return path makes that guarantee easy to audit.
func run() int {
	log := hook.NewDebugLogger()

	var in hook.Input
	if err := json.NewDecoder(os.Stdin).Decode(&in); err != nil {
		log.Error().Err(err).Msg("malformed hook input")
		emitEmpty()
		return 0
	}

	cfgPath := os.Getenv("MEMORY_CONFIG_PATH")
	if cfgPath == "" {
		home, _ := os.UserHomeDir()
		cfgPath = filepath.Join(home, ".claude-code", "memory", "config.yaml")
	}
	cfg := config.LoadOrDefault(cfgPath)

	var embedder embedding.Embedder
	if cfg.Embedding.Provider == "local" || cfg.Embedding.Provider == "openai" {
		embedder = embedding.NewProvider(cfg.EmbeddingProviderConfig())
	}

	r := router.New(router.Dependencies{
		BaseDir:      cfg.Storage.Path,
		Embedder:     embedder,
		Log:          log,
		MatcherOpts:  cfg.MatcherOptions(),
		GradConfig:   cfg.GraduationConfig(),
		WorkingSetCf: cfg.WorkingSetConfig(),
	})
	defer r.CloseAll()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	d := hook.New(r, cfg, log)
	out := d.Dispatch(ctx, in)

	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		log.Error().Err(err).Msg("failed to encode hook output")
	}
	return 0
}

func emitEmpty() {
	json.NewEncoder(os.Stdout).Encode(hook.Output{})
}
