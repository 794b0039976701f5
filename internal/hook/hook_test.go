package hook

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/buzzni/code-memory/internal/config"
	"github.com/buzzni/code-memory/internal/router"
)

type fakeEmbedder struct{ dims int }

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dims)
	for i := range vec {
		vec[i] = float32(len(text))
	}
	return vec, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := f.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dims }

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	dir := t.TempDir()
	r := router.New(router.Dependencies{
		BaseDir:  dir,
		Embedder: &fakeEmbedder{dims: 8},
		Log:      zerolog.Nop(),
	})
	t.Cleanup(func() { r.CloseAll() })
	return New(r, config.DefaultConfig(), zerolog.Nop())
}

func TestDispatchSessionStartRegistersSessionAndReturnsOutput(t *testing.T) {
	d := newTestDispatcher(t)
	projectDir := t.TempDir()

	out := d.Dispatch(context.Background(), Input{
		HookEventName: EventSessionStart,
		SessionID:     "s1",
		Cwd:           projectDir,
	})
	_ = out // empty context is fine on a fresh store

	svc, err := d.router.GetServiceForSession("s1")
	if err != nil {
		t.Fatalf("GetServiceForSession() error = %v", err)
	}
	if svc.ProjectPath != projectDir {
		t.Errorf("session not bound to registered project: got %q, want %q", svc.ProjectPath, projectDir)
	}
}

func TestDispatchUserPromptSubmitAppendsFilteredEvent(t *testing.T) {
	d := newTestDispatcher(t)
	projectDir := t.TempDir()
	d.Dispatch(context.Background(), Input{HookEventName: EventSessionStart, SessionID: "s1", Cwd: projectDir})

	d.Dispatch(context.Background(), Input{
		HookEventName: EventUserPromptSubmit,
		SessionID:     "s1",
		Prompt:        "hello <private>sk-xxx</private> world",
	})

	svc, _ := d.router.GetServiceForSession("s1")
	events, err := svc.Events.GetSessionEvents("s1")
	if err != nil {
		t.Fatalf("GetSessionEvents() error = %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Content != "hello [PRIVATE] world" {
		t.Errorf("stored content = %q, want redaction applied", events[0].Content)
	}
}

func TestDispatchUnknownEventIsNoOp(t *testing.T) {
	d := newTestDispatcher(t)
	out := d.Dispatch(context.Background(), Input{HookEventName: "SomethingElse", SessionID: "s1"})
	if out.Context != "" {
		t.Errorf("Dispatch() with unknown event: want empty output, got %+v", out)
	}
}

func TestDispatchPostToolUseSkipsExcludedTool(t *testing.T) {
	d := newTestDispatcher(t)
	d.cfg.ToolObserve.ExcludedTools = []string{"Bash"}
	projectDir := t.TempDir()
	d.Dispatch(context.Background(), Input{HookEventName: EventSessionStart, SessionID: "s1", Cwd: projectDir})

	d.Dispatch(context.Background(), Input{
		HookEventName: EventPostToolUse,
		SessionID:     "s1",
		ToolName:      "Bash",
		ToolResponse:  ToolResponse{Stdout: "should not be stored"},
	})

	svc, _ := d.router.GetServiceForSession("s1")
	events, err := svc.Events.GetSessionEvents("s1")
	if err != nil {
		t.Fatalf("GetSessionEvents() error = %v", err)
	}
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0 for excluded tool", len(events))
	}
}

func TestDispatchPanicRecoversToEmptyOutput(t *testing.T) {
	d := newTestDispatcher(t)
	d.router = nil // forces a nil-pointer panic inside a handler
	out := d.Dispatch(context.Background(), Input{HookEventName: EventSessionStart, SessionID: "s1"})
	if out.Context != "" {
		t.Errorf("Dispatch() after panic: want empty output, got %+v", out)
	}
}
