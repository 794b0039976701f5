// Package embedding defines the Embedder contract the outbox worker and
// retriever use to turn text into vectors, plus the HTTP-backed providers
// that implement it.
package embedding

import (
	"context"
	"fmt"

	"github.com/buzzni/code-memory/internal/memerr"
)

// Embedder turns text into a fixed-dimension vector. Implementations may
// call out to a local or remote model server; callers must pass a
// context with a deadline. The outbox worker calls it in the background,
// and the retriever calls it on the hook path (SessionStart and
// UserPromptSubmit), bounded by the hook's deadline.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// wrapTransportErr normalizes transport failures to memerr.ErrEmbedderUnavailable
// so callers can retry without inspecting provider-specific error strings.
func wrapTransportErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", memerr.ErrEmbedderUnavailable, err)
}
