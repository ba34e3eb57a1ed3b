package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/bdobrica/karn/common/redact"
	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/observability"
)

// ErrBackend wraps every model transport or API failure. It is terminal for
// the turn; the caller decides whether the user hears about it.
var ErrBackend = errors.New("tools: model backend failed")

// DefaultToolResponse is sent after substantive tool results so the model
// does not repeat what sentinel tools already posted.
const DefaultToolResponse = "Any function call with an output of \"done\" has been already been handled. " +
	"You do not need to fulfill the requests from these function calls. " +
	"You may provide information about the function call if you would like. " +
	"However, you do not need to fulfill the request in your response. " +
	"For example, if the user requests a Magic: the Gathering card, the card will be sent " +
	"automatically when the `card` function is called. You should not include a link to the card in your own response."

// OrchestratorConfig holds per-request model settings.
type OrchestratorConfig struct {
	Model           string
	MaxOutputTokens int
	ReasoningEffort string
	// ToolResponse is appended before the follow-up request.
	ToolResponse string
}

// Turn is one model request to run.
type Turn struct {
	Room   string
	Window []llm.Message
	// Unprompted marks a best-effort turn; it only affects logging here.
	Unprompted bool
	// NoTools sends the window without tool definitions.
	NoTools bool
}

// Outcome is what a turn produced.
type Outcome struct {
	// Text is the reply to post; empty when the model said nothing.
	Text string
	// Handled is set when every tool call returned the sentinel: the tools
	// already posted everything and there is nothing more to send.
	Handled   bool
	ToolCalls int
	Usage     llm.TokenUsage
}

// Orchestrator submits a window to the model and runs at most one round of
// tool calls.
type Orchestrator struct {
	provider llm.Provider
	registry *Registry
	cfg      OrchestratorConfig
}

// NewOrchestrator returns an Orchestrator. registry may be nil.
func NewOrchestrator(provider llm.Provider, registry *Registry, cfg OrchestratorConfig) *Orchestrator {
	if cfg.ToolResponse == "" {
		cfg.ToolResponse = DefaultToolResponse
	}
	return &Orchestrator{provider: provider, registry: registry, cfg: cfg}
}

// Definitions returns the tools offered with each request, or nil when the
// backend cannot call tools.
func (o *Orchestrator) Definitions() []llm.ToolDefinition {
	if o.registry == nil || !o.provider.SupportsTools() {
		return nil
	}
	return o.registry.Definitions()
}

// Run executes turn.
func (o *Orchestrator) Run(ctx context.Context, turn Turn) (Outcome, error) {
	log := observability.WithTrace(ctx)

	var defs []llm.ToolDefinition
	if !turn.NoTools {
		defs = o.Definitions()
	}
	req := llm.Request{
		Model:           o.cfg.Model,
		Messages:        turn.Window,
		Tools:           defs,
		MaxOutputTokens: o.cfg.MaxOutputTokens,
		ReasoningEffort: o.cfg.ReasoningEffort,
	}
	resp, err := o.provider.Complete(ctx, req)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	out := Outcome{Usage: resp.Usage}
	if len(resp.ToolCalls) == 0 {
		out.Text = resp.Text
		return out, nil
	}

	calls := make([]llm.ToolCall, len(resp.ToolCalls))
	for i, c := range resp.ToolCalls {
		if c.ID == "" {
			c.ID = "call_" + strings.ReplaceAll(uuid.New().String(), "-", "")
		}
		calls[i] = c
	}

	follow := make([]llm.Message, 0, len(turn.Window)+len(calls)+2)
	follow = append(follow, turn.Window...)
	follow = append(follow, llm.Message{Role: llm.RoleAssistant, Content: resp.Text, ToolCalls: calls})

	substantive := false
	for _, call := range calls {
		res := o.execute(ctx, turn.Room, call)
		if !res.Done {
			substantive = true
		}
		follow = append(follow, llm.Message{
			Role:       llm.RoleTool,
			ToolCallID: call.ID,
			Name:       call.Name,
			Content:    res.Output,
		})
	}
	out.ToolCalls = len(calls)

	if !substantive {
		log.Info("tool calls fully handled", "room", turn.Room, "calls", len(calls))
		out.Handled = true
		return out, nil
	}

	follow = append(follow, llm.Message{Role: llm.RoleDeveloper, Content: o.cfg.ToolResponse})
	req.Messages = follow
	req.PreviousResponseID = resp.ID

	final, err := o.provider.Complete(ctx, req)
	if err != nil {
		return out, fmt.Errorf("%w: %w", ErrBackend, err)
	}
	if len(final.ToolCalls) > 0 {
		log.Warn("follow-up requested more tool calls, ignoring", "room", turn.Room, "calls", len(final.ToolCalls))
	}
	out.Text = final.Text
	out.Usage.InputTokens += final.Usage.InputTokens
	out.Usage.OutputTokens += final.Usage.OutputTokens
	out.Usage.TotalTokens += final.Usage.TotalTokens
	return out, nil
}

func (o *Orchestrator) execute(ctx context.Context, room string, call llm.ToolCall) Result {
	log := observability.WithTrace(ctx)
	if o.registry == nil {
		return errorResult("no tools available")
	}
	res, err := o.registry.Execute(ctx, room, call)
	if err != nil {
		log.Warn("tool call failed", "tool", call.Name, "call_id", call.ID, "err", err)
		return res
	}
	log.Info("tool call", "tool", call.Name, "call_id", call.ID, "done", res.Done)
	if log.Enabled(ctx, slog.LevelDebug) {
		var args map[string]any
		if json.Unmarshal([]byte(call.Arguments), &args) == nil {
			log.Debug("tool call arguments", "tool", call.Name, "args", redact.Map(args))
		}
	}
	return res
}
