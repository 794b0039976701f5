// Package hook implements the host-facing hook protocol: decode one
// JSON object from stdin, dispatch it to the matching handler, encode
// one JSON object to stdout, and always exit 0. A hook invocation is
// short-lived and latency-sensitive (the host enforces a 3-10s budget
// per call), so the PostToolUse handler uses the Router's lightweight
// (event-store-only) service, and no handler dials the bus.
package hook

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/buzzni/code-memory/internal/config"
	"github.com/buzzni/code-memory/internal/eventstore"
	"github.com/buzzni/code-memory/internal/privacy"
	"github.com/buzzni/code-memory/internal/retriever"
	"github.com/buzzni/code-memory/internal/router"
	"github.com/buzzni/code-memory/internal/transcript"
)

// EventName is the closed set of hook events the host can invoke.
type EventName string

const (
	EventSessionStart     EventName = "SessionStart"
	EventUserPromptSubmit EventName = "UserPromptSubmit"
	EventStop             EventName = "Stop"
	EventSessionEnd       EventName = "SessionEnd"
	EventPostToolUse      EventName = "PostToolUse"
)

// Input is the union of every field any hook payload can carry. Unused
// fields are simply left zero-valued for a given event.
type Input struct {
	SessionID       string          `json:"session_id"`
	Cwd             string          `json:"cwd"`
	Prompt          string          `json:"prompt"`
	TranscriptPath  string          `json:"transcript_path"`
	PermissionMode  string          `json:"permission_mode"`
	HookEventName   EventName       `json:"hook_event_name"`
	StopHookActive  bool            `json:"stop_hook_active"`
	ToolName        string          `json:"tool_name"`
	ToolInput       map[string]any  `json:"tool_input"`
	ToolUseID       string          `json:"tool_use_id"`
	ToolResponse    ToolResponse    `json:"tool_response"`
}

// ToolResponse is PostToolUse's nested payload describing the tool's result.
type ToolResponse struct {
	Stdout      string `json:"stdout"`
	Stderr      string `json:"stderr"`
	Content     string `json:"content"`
	Interrupted bool   `json:"interrupted"`
	IsImage     bool   `json:"isImage"`
}

// Output is the union of every field a handler can return. Encoders
// omit zero-valued fields so SessionEnd/Stop/PostToolUse serialize as `{}`.
type Output struct {
	Context string `json:"context,omitempty"`
}

// Dispatcher wires the Router and Privacy Filter to each hook event.
// One Dispatcher is constructed per process invocation (a hook process
// is short-lived, so there is no long-lived state beyond the router's
// on-disk session registry and per-project SQLite files).
type Dispatcher struct {
	router *router.Router
	filter *privacy.Filter
	cfg    *config.Config
	log    zerolog.Logger
}

// New constructs a Dispatcher. log should be configured to write to
// stderr only when DEBUG is set — see NewDebugLogger.
func New(r *router.Router, cfg *config.Config, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		router: r,
		filter: privacy.New(cfg.PrivacyFilterConfig()),
		cfg:    cfg,
		log:    log.With().Str("component", "hook").Logger(),
	}
}

// NewDebugLogger returns a logger that writes to stderr only when the
// DEBUG environment variable is set (any non-empty value), and
// discards everything otherwise — hooks must stay silent by default.
func NewDebugLogger() zerolog.Logger {
	if os.Getenv("DEBUG") == "" {
		return zerolog.Nop()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Dispatch routes in to the handler for in.HookEventName. It never
// returns an error to the caller: every failure is logged (under
// DEBUG) and swallowed, producing an empty Output, per the spec's
// "never crashes a hook" propagation policy.
func (d *Dispatcher) Dispatch(ctx context.Context, in Input) Output {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error().Interface("panic", r).Msg("recovered in hook dispatch")
		}
	}()

	var (
		out Output
		err error
	)
	switch in.HookEventName {
	case EventSessionStart:
		out, err = d.handleSessionStart(ctx, in)
	case EventUserPromptSubmit:
		out, err = d.handleUserPromptSubmit(ctx, in)
	case EventStop:
		err = d.handleStop(ctx, in)
	case EventSessionEnd:
		err = d.handleSessionEnd(ctx, in)
	case EventPostToolUse:
		err = d.handlePostToolUse(ctx, in)
	default:
		d.log.Debug().Str("event", string(in.HookEventName)).Msg("unrecognized hook event")
	}
	if err != nil {
		d.log.Error().Err(err).Str("event", string(in.HookEventName)).Msg("hook handler failed")
		return Output{}
	}
	return out
}

func (d *Dispatcher) handleSessionStart(ctx context.Context, in Input) (Output, error) {
	if err := d.router.RegisterSession(in.SessionID, in.Cwd); err != nil {
		return Output{}, err
	}
	svc, err := d.router.GetServiceForSession(in.SessionID)
	if err != nil {
		return Output{}, err
	}
	if svc.Retriever == nil {
		return Output{}, nil
	}

	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := svc.Retriever.Retrieve(deadline, retriever.Query{
		Text:                  "session start",
		TopK:                  d.cfg.Retrieval.TopK,
		MinScore:              d.cfg.Retrieval.MinScore,
		MaxTokens:             d.cfg.Retrieval.MaxTokens,
		SessionID:             in.SessionID,
		IncludeSessionContext: true,
		IncludeShared:         d.cfg.Features.SharedStore.SearchShared,
		ProjectHash:           svc.ProjectHash,
	})
	if err != nil {
		return Output{}, nil // empty context on timeout/error, never an error to the host
	}
	return Output{Context: res.Context}, nil
}

func (d *Dispatcher) handleUserPromptSubmit(ctx context.Context, in Input) (Output, error) {
	svc, err := d.router.GetServiceForSession(in.SessionID)
	if err != nil {
		return Output{}, err
	}

	filtered, meta := d.filter.Apply(in.Prompt)
	if _, err := d.appendEvent(svc, eventstore.EventTypeUserPrompt, in.SessionID, filtered, meta, in.Cwd); err != nil {
		d.log.Error().Err(err).Msg("append user prompt")
	}

	if svc.Retriever == nil {
		return Output{}, nil
	}
	deadline, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()
	res, err := svc.Retriever.Retrieve(deadline, retriever.Query{
		Text:                  filtered,
		TopK:                  d.cfg.Retrieval.TopK,
		MinScore:              d.cfg.Retrieval.MinScore,
		MaxTokens:             d.cfg.Retrieval.MaxTokens,
		SessionID:             in.SessionID,
		IncludeSessionContext: true,
		IncludeShared:         d.cfg.Features.SharedStore.SearchShared,
		ProjectHash:           svc.ProjectHash,
	})
	if err != nil {
		return Output{}, nil
	}
	if len(res.AccessedIDs) > 0 && svc.Events != nil {
		_ = svc.Events.IncrementAccessCount(res.AccessedIDs)
	}
	return Output{Context: res.Context}, nil
}

func (d *Dispatcher) handleStop(ctx context.Context, in Input) error {
	if in.StopHookActive {
		// Already inside a Stop-triggered continuation; avoid recursive work.
		return nil
	}
	svc, err := d.router.GetServiceForSession(in.SessionID)
	if err != nil {
		return err
	}

	text, err := transcript.ReadLastAssistantText(in.TranscriptPath)
	if err != nil || text == "" {
		return nil
	}
	filtered, meta := d.filter.Apply(text)
	_, err = d.appendEvent(svc, eventstore.EventTypeAgentResponse, in.SessionID, filtered, meta, in.Cwd)
	return err
}

func (d *Dispatcher) handleSessionEnd(ctx context.Context, in Input) error {
	svc, err := d.router.GetServiceForSession(in.SessionID)
	if err != nil {
		return err
	}
	if svc.Events == nil {
		return nil
	}
	now := time.Now()
	return svc.Events.UpsertSession(eventstore.SessionPartial{
		ID:     in.SessionID,
		EndedAt: &now,
	})
}

func (d *Dispatcher) handlePostToolUse(ctx context.Context, in Input) error {
	if !d.cfg.ToolObserve.Enabled {
		return nil
	}
	for _, excluded := range d.cfg.ToolObserve.ExcludedTools {
		if excluded == in.ToolName {
			return nil
		}
	}
	if d.cfg.ToolObserve.StoreOnlyOnSuccess && (in.ToolResponse.Interrupted || in.ToolResponse.Stderr != "") {
		return nil
	}

	output := in.ToolResponse.Stdout
	if output == "" {
		output = in.ToolResponse.Content
	}
	output = truncateOutput(output, d.cfg.ToolObserve.MaxOutputLength, d.cfg.ToolObserve.MaxOutputLines)

	svc, err := d.router.GetLightweightService(in.SessionID)
	if err != nil {
		return err
	}
	defer svc.Close()

	filtered, meta := d.filter.Apply(output)
	_, err = d.appendEvent(svc, eventstore.EventTypeToolObservation, in.SessionID, filtered, meta, in.Cwd)
	return err
}

func (d *Dispatcher) appendEvent(svc *router.Service, kind eventstore.EventType, sessionID, content string, meta privacy.Metadata, project string) (eventstore.AppendResult, error) {
	if svc.Events == nil || content == "" {
		return eventstore.AppendResult{}, nil
	}
	res, err := svc.Events.Append(eventstore.AppendInput{
		EventType: kind,
		SessionID: sessionID,
		Content:   content,
		Metadata:  meta.ToMap(),
		Project:   project,
	})
	if err != nil || res.IsDuplicate {
		return res, err
	}
	return res, svc.Events.EnqueueForEmbedding(res.EventID, content)
}

func truncateOutput(s string, maxLen, maxLines int) string {
	if maxLines > 0 {
		lines := splitLines(s)
		if len(lines) > maxLines {
			lines = lines[:maxLines]
			s = joinLines(lines)
		}
	}
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}
