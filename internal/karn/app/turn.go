package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/karn/common/redact"
	"github.com/bdobrica/karn/common/trace"
	"github.com/bdobrica/karn/internal/karn/chance"
	"github.com/bdobrica/karn/internal/karn/commands"
	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/matrix"
	"github.com/bdobrica/karn/internal/karn/observability"
	"github.com/bdobrica/karn/internal/karn/phrases"
	"github.com/bdobrica/karn/internal/karn/reply"
	"github.com/bdobrica/karn/internal/karn/store"
	"github.com/bdobrica/karn/internal/karn/tools"
	"github.com/bdobrica/karn/internal/karn/window"
)

// User-visible failures. They are only posted for prompted turns.
const (
	MsgBackendUnavailable = "Sorry I am unable to assist currently. Please try again later."
	MsgGenerationFailed   = "An error occured while trying to generate your message. Please try again later."
	msgUnknownCommand     = "Unknown command. Use `%shelp` to see what I can do."
)

// inbound is a room message as the turn pipeline sees it.
type inbound struct {
	Room        string
	Scope       string
	Sender      string
	DisplayName string
	Text        string
	Images      []string
}

// scopeOf maps a room to the directory holding its phrase and seed files.
func scopeOf(room string) string {
	return strings.TrimPrefix(room, "!")
}

// handleMessage is called by the Matrix client for every inbound message.
func (a *App) handleMessage(ctx context.Context, m matrix.Message) {
	a.handle(ctx, inbound{
		Room:        m.Room,
		Scope:       scopeOf(m.Room),
		Sender:      m.Sender,
		DisplayName: m.DisplayName,
		Text:        m.Text,
		Images:      m.Images,
	})
}

func (a *App) handle(ctx context.Context, in inbound) {
	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	log := observability.WithTrace(ctx)
	rt := a.current()

	if a.phrases.RefreshIfStale(in.Scope) {
		log.Debug("phrase lists reloaded", "scope", in.Scope)
	}

	if rt.router.IsCommand(in.Text) {
		a.runCommand(ctx, rt, in)
		return
	}

	decision := rt.policy.Decide(ctx, chance.Message{
		Room:   in.Room,
		Scope:  in.Scope,
		Sender: in.Sender,
		Text:   in.Text,
	})
	log.Debug("reply decision", "room", in.Room, "decision", decision.String(), "chance", rt.policy.Chance(in.Room))

	switch decision {
	case chance.Ignore:
		return
	case chance.Rude:
		a.canned(ctx, rt, in, decision, phrases.RespondRude)
	case chance.Nice:
		a.canned(ctx, rt, in, decision, phrases.RespondNice)
	default:
		_ = a.turn(ctx, in, commands.PromptOptions{Text: in.Text}, decision)
	}
}

func (a *App) runCommand(ctx context.Context, rt *runtime, in inbound) {
	log := observability.WithTrace(ctx)
	req := commands.Request{
		Room:        in.Room,
		Scope:       in.Scope,
		Sender:      in.Sender,
		DisplayName: in.DisplayName,
		Body:        in.Text,
	}
	text, err := rt.router.Route(ctx, in.Text, req)
	switch {
	case errors.Is(err, commands.ErrUnknownCommand):
		text = fmt.Sprintf(msgUnknownCommand, rt.router.Prefix())
	case err != nil:
		log.Error("command failed", "room", in.Room, "err", err)
		text = MsgGenerationFailed
	}
	if text == "" {
		return
	}
	if err := a.room.PostText(ctx, in.Room, text); err != nil {
		log.Error("could not send command reply", "room", in.Room, "err", err)
	}
}

// Prompt implements commands.Prompter.
func (a *App) Prompt(ctx context.Context, req commands.Request, opts commands.PromptOptions) error {
	return a.turn(ctx, inbound{
		Room:        req.Room,
		Scope:       req.Scope,
		Sender:      req.Sender,
		DisplayName: req.DisplayName,
		Text:        opts.Text,
	}, opts, chance.Prompted)
}

// canned answers from a respond_* phrase list without asking the model.
func (a *App) canned(ctx context.Context, rt *runtime, in inbound, decision chance.Decision, kind phrases.Kind) {
	log := observability.WithTrace(ctx)
	text := a.phrases.Random(in.Scope, kind, nil)
	if err := a.room.PostText(ctx, in.Room, text); err != nil {
		log.Error("could not send reply", "room", in.Room, "err", err)
		return
	}
	rt.policy.Reset(in.Room)
	id, err := a.db.LogTurn(ctx, store.Turn{
		TraceID:  trace.FromContext(ctx),
		RoomID:   in.Room,
		Sender:   in.Sender,
		Decision: decision.String(),
		Source:   "phrases",
	})
	if err != nil {
		log.Warn("could not log turn", "err", err)
		return
	}
	_ = a.db.FinishTurn(ctx, id, store.TurnResult{Status: "success"})
}

// turn runs one model turn for in: build the window, ask the model, clean
// the reply and post it. Turns in the same room are serialised and each one
// resets the room's reply chance. Failures are logged here; prompted turns
// also report them to the room, unprompted ones fail silently. Only
// window.ErrSeedNotFound is returned, for the caller to explain.
func (a *App) turn(ctx context.Context, in inbound, opts commands.PromptOptions, decision chance.Decision) error {
	unlock := a.locks.Lock(in.Room)
	defer unlock()

	log := observability.WithTrace(ctx)
	rt := a.current()
	started := time.Now()
	unprompted := decision == chance.Unprompted

	// Reset on commit, not on a successful post.
	rt.policy.Reset(in.Room)

	source := a.cfg.HistoryMode
	orch := rt.orch
	if (opts.Chat || opts.Seed != "") && rt.chat != nil {
		orch = rt.chat
	}
	// Seed files imitate a text; tools are never offered with them.
	noTools := opts.Seed != ""
	toolCost := 0
	if noTools {
		source = window.FileSeed
	} else {
		toolCost = rt.est.ToolCost(orch.Definitions())
	}

	fail := func(msg string) {
		if unprompted || msg == "" {
			return
		}
		if err := a.room.PostText(ctx, in.Room, msg); err != nil {
			log.Error("could not send error message", "room", in.Room, "err", err)
		}
	}

	failed := func(err error) error {
		log.Error("turn failed", "room", in.Room, "source", source.String(), "err", err)
		fail(MsgGenerationFailed)
		return nil
	}

	if !unprompted {
		a.room.SetTyping(ctx, in.Room, true)
		defer a.room.SetTyping(ctx, in.Room, false)
	}

	var prompt *llm.Message
	if source == window.StoredHistory {
		if m, ok := userMessage(in); ok {
			prompt = &m
		}
	}

	system, err := a.genesis(ctx, rt, in.Room)
	if err != nil {
		return failed(fmt.Errorf("read genesis: %w", err))
	}
	win, err := rt.builder.Build(ctx, window.Request{
		Room:           in.Room,
		Scope:          in.Scope,
		Source:         source,
		System:         system,
		Budget:         rt.persona.Limits.MaxInputTokens,
		ReservedOutput: rt.persona.Limits.MaxOutputTokens,
		ToolCost:       toolCost,
		Seed:           prompt,
		SeedFile:       opts.Seed,
	})
	if errors.Is(err, window.ErrSeedNotFound) {
		return err
	}
	if err != nil {
		return failed(err)
	}
	if prompt != nil {
		if _, err := a.db.InsertMessage(ctx, in.Room, *prompt); err != nil {
			return failed(fmt.Errorf("store message: %w", err))
		}
	}

	turnID, err := a.db.LogTurn(ctx, store.Turn{
		TraceID:      trace.FromContext(ctx),
		RoomID:       in.Room,
		Sender:       in.Sender,
		Decision:     decision.String(),
		Source:       source.String(),
		WindowTokens: win.Tokens,
	})
	if err != nil {
		log.Warn("could not log turn", "err", err)
	}
	finish := func(status string, out tools.Outcome, err error) {
		if turnID == 0 {
			return
		}
		res := store.TurnResult{
			Status:       status,
			ToolCalls:    out.ToolCalls,
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
			Duration:     time.Since(started),
		}
		if err != nil {
			res.Err = redact.Error(err, a.cfg.LLM.APIKey)
		}
		if ferr := a.db.FinishTurn(ctx, turnID, res); ferr != nil {
			log.Warn("could not finish turn", "err", ferr)
		}
	}

	out, err := orch.Run(ctx, tools.Turn{Room: in.Room, Window: win.Messages, Unprompted: unprompted, NoTools: noTools})
	if err != nil {
		log.Warn("model request failed", "room", in.Room, "unprompted", unprompted, "err", redact.Error(err, a.cfg.LLM.APIKey))
		fail(MsgBackendUnavailable)
		finish("error", out, err)
		return nil
	}
	if out.Handled {
		finish("success", out, nil)
		return nil
	}

	text := rt.reply.Process(out.Text, a.phrases.Get(in.Scope, phrases.Descriptor), unprompted)
	if strings.TrimSpace(text) == "" {
		log.Info("empty reply", "room", in.Room, "unprompted", unprompted)
		fail(MsgGenerationFailed)
		finish("empty", out, nil)
		return nil
	}

	for _, chunk := range reply.Chunk(text, reply.MaxMessageLength) {
		if err := a.room.PostText(ctx, in.Room, chunk); err != nil {
			log.Error("could not send reply", "room", in.Room, "err", err)
			finish("error", out, err)
			return nil
		}
	}

	if source == window.StoredHistory {
		if _, err := a.db.InsertMessage(ctx, in.Room, llm.Message{Role: llm.RoleAssistant, Content: text}); err != nil {
			log.Warn("could not store reply", "room", in.Room, "err", err)
		}
	}
	finish("success", out, nil)
	return nil
}

// genesis returns the room's instruction messages, or the persona genesis
// when the room has none.
func (a *App) genesis(ctx context.Context, rt *runtime, room string) ([]llm.Message, error) {
	rows, err := a.db.Genesis(ctx, room)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return []llm.Message{{Role: llm.RoleDeveloper, Content: rt.persona.Genesis}}, nil
	}
	out := make([]llm.Message, len(rows))
	for i, r := range rows {
		out[i] = llm.Message{Role: llm.RoleDeveloper, Content: r}
	}
	return out, nil
}

// userMessage is the triggering message as stored history keeps it. It
// reports false when there is nothing to keep.
func userMessage(in inbound) (llm.Message, bool) {
	var blocks []llm.Block
	if strings.TrimSpace(in.Text) != "" {
		name := in.DisplayName
		if name == "" {
			name = in.Sender
		}
		blocks = append(blocks, llm.Block{Type: llm.BlockInputText, Text: window.SpeakerPrefix(name) + in.Text})
	}
	for _, u := range in.Images {
		blocks = append(blocks, llm.Block{Type: llm.BlockInputImage, ImageURL: u})
	}
	if len(blocks) == 0 {
		return llm.Message{}, false
	}
	return llm.Message{Role: llm.RoleUser, Blocks: blocks}, true
}
