package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/persona"
	"github.com/bdobrica/karn/internal/karn/store"
	"github.com/bdobrica/karn/internal/karn/tokens"
	"github.com/bdobrica/karn/internal/karn/tools"
	"github.com/bdobrica/karn/internal/karn/window"
)

// --- Stubs ---

type stubProvider struct {
	mu    sync.Mutex
	text  string
	err   error
	tools bool
	calls []llm.Request
}

func (p *stubProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, req)
	if p.err != nil {
		return nil, p.err
	}
	return &llm.Response{ID: "r1", Text: p.text, Usage: llm.TokenUsage{InputTokens: 10, OutputTokens: 2}}, nil
}

func (p *stubProvider) SupportsTools() bool { return p.tools }

func (p *stubProvider) last() llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[len(p.calls)-1]
}

type stubRoom struct {
	mu    sync.Mutex
	texts []string
}

func (r *stubRoom) PostText(_ context.Context, _, text string) error {
	r.mu.Lock()
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	return nil
}

func (r *stubRoom) PostImage(context.Context, string, tools.Image) error { return nil }

func (r *stubRoom) PostNotice(ctx context.Context, room, text string) error {
	return r.PostText(ctx, room, text)
}

func (r *stubRoom) SetTyping(context.Context, string, bool) {}

func (r *stubRoom) posted() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...)
}

type stubHistory struct{ entries []window.HistoryEntry }

func (h *stubHistory) Recent(_ context.Context, _ string, _ time.Time, limit int) ([]window.HistoryEntry, error) {
	if len(h.entries) > limit {
		return h.entries[:limit], nil
	}
	return h.entries, nil
}

type harness struct {
	app      *App
	db       *store.Store
	room     *stubRoom
	provider *stubProvider
	history  *stubHistory
}

func newHarness(t *testing.T, mode window.Source) *harness {
	t.Helper()
	return newHarnessWith(t, mode, &stubProvider{text: "Hello there."})
}

func newHarnessWith(t *testing.T, mode window.Source, provider *stubProvider, builtins ...tools.Tool) *harness {
	t.Helper()
	dir := t.TempDir()
	db, err := store.New(filepath.Join(dir, "karn.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		db:       db,
		room:     &stubRoom{},
		provider: provider,
		history:  &stubHistory{},
	}
	a, err := assemble(parts{
		cfg:       &Config{FileRoot: filepath.Join(dir, "files"), HistoryMode: mode},
		db:        db,
		personas:  persona.NewLoader(),
		room:      h.room,
		history:   h.history,
		provider:  h.provider,
		builtins:  builtins,
		tokenizer: tokens.CharCounter{},
	})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	h.app = a
	return h
}

func (h *harness) say(text string) {
	h.app.handle(context.Background(), inbound{
		Room:        "!room:x",
		Scope:       "room:x",
		Sender:      "@alice:x",
		DisplayName: "alice",
		Text:        text,
	})
}

// --- Tests ---

func TestHandle_AddressedMessageGetsModelReply(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	h.history.entries = []window.HistoryEntry{
		{Sender: "@alice:x", DisplayName: "alice", Text: "Karn, how are you?"},
		{Sender: "@bob:x", DisplayName: "bob", Text: "morning all"},
	}

	h.say("Karn, how are you?")

	got := h.room.posted()
	if len(got) != 1 || got[0] != "Hello there." {
		t.Fatalf("posted %q", got)
	}
	req := h.provider.last()
	if len(req.Messages) != 3 {
		t.Fatalf("window has %d messages, want 3", len(req.Messages))
	}
	if req.Messages[0].Role != llm.RoleDeveloper || req.Messages[0].Content != persona.DefaultGenesis {
		t.Errorf("first message = %+v, want the default genesis", req.Messages[0])
	}
	if got := req.Messages[2].Text(); got != "alice:: Karn, how are you?" {
		t.Errorf("newest message = %q", got)
	}
	if n, _ := h.db.TurnCount(context.Background()); n != 1 {
		t.Errorf("turn count = %d, want 1", n)
	}
}

func TestHandle_RoomGenesisReplacesDefault(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	ctx := context.Background()
	_ = h.db.AddGenesis(ctx, "!room:x", "be terse")
	_ = h.db.AddGenesis(ctx, "!room:x", "talk like a pirate")

	h.say("Karn, hello")

	req := h.provider.last()
	if len(req.Messages) != 2 || req.Messages[0].Content != "be terse" || req.Messages[1].Content != "talk like a pirate" {
		t.Errorf("window = %+v", req.Messages)
	}
}

func TestHandle_BackendFailure(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	h.provider.err = errors.New("503")

	h.say("Karn, are you there?")
	if got := h.room.posted(); len(got) != 1 || got[0] != MsgBackendUnavailable {
		t.Errorf("prompted: posted %q", got)
	}

	h.app.current().policy.WithIntn(func(int) int { return 0 })
	h.say("anyone around tonight")
	if got := h.room.posted(); len(got) != 1 {
		t.Errorf("unprompted failure was reported: %q", got)
	}
}

func TestHandle_EmptyReply(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	h.provider.text = "   "

	h.say("Karn, say nothing")
	if got := h.room.posted(); len(got) != 1 || got[0] != MsgGenerationFailed {
		t.Errorf("posted %q", got)
	}
}

func TestHandle_UnpromptedDenylistIsSilent(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	h.provider.text = "Let me know if you need anything."
	h.app.current().policy.WithIntn(func(int) int { return 0 })

	h.say("what a lovely day outside")
	if got := h.room.posted(); len(got) != 0 {
		t.Errorf("posted %q", got)
	}
	if len(h.provider.calls) != 1 {
		t.Errorf("provider calls = %d, want 1", len(h.provider.calls))
	}
}

// ratchet raises the room's chance to 6 with five ignored messages, then
// makes every later draw succeed.
func ratchet(t *testing.T, h *harness) {
	t.Helper()
	pol := h.app.current().policy
	pol.WithIntn(func(n int) int {
		if n == 100 {
			return 99
		}
		return 0
	})
	for i := 0; i < 5; i++ {
		h.say("just chatting with friends")
	}
	if c := pol.Chance("!room:x"); c != 6 {
		t.Fatalf("chance = %d, want 6", c)
	}
	pol.WithIntn(func(int) int { return 0 })
}

func TestHandle_UnpromptedDrawResetsChanceWithoutReply(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	h.provider.text = "Let me know if you need anything."
	ratchet(t, h)

	h.say("what a lovely day outside")
	if got := h.room.posted(); len(got) != 0 {
		t.Errorf("posted %q", got)
	}
	if c := h.app.current().policy.Chance("!room:x"); c != 1 {
		t.Errorf("chance after a denylisted unprompted turn = %d, want 1", c)
	}
}

func TestHandle_BackendFailureResetsChance(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	h.provider.err = errors.New("503")
	ratchet(t, h)

	h.say("Karn, are you there?")
	if c := h.app.current().policy.Chance("!room:x"); c != 1 {
		t.Errorf("chance after a failed prompted turn = %d, want 1", c)
	}
}

func TestHandle_ReplyResetsChance(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	pol := h.app.current().policy
	// Ignore every draw and always ratchet.
	pol.WithIntn(func(n int) int {
		if n == 100 {
			return 99
		}
		return 0
	})
	for i := 0; i < 5; i++ {
		h.say("just chatting with friends")
	}
	if c := pol.Chance("!room:x"); c != 6 {
		t.Fatalf("chance = %d, want 6", c)
	}

	h.say("Karn, tell me a joke")
	if c := pol.Chance("!room:x"); c != 1 {
		t.Errorf("chance after reply = %d, want 1", c)
	}
}

func TestHandle_RudePhraseGetsCannedAnswer(t *testing.T) {
	h := newHarness(t, window.LiveHistory)

	h.say("Karn shut up")
	got := h.room.posted()
	if len(got) != 1 || got[0] != "I will leave, my apologies." {
		t.Errorf("posted %q", got)
	}
	if len(h.provider.calls) != 0 {
		t.Error("model was called for a rude message")
	}
}

func TestHandle_DescriptorSubstitution(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	h.provider.text = "As an AI language model, I like tea."

	h.say("Karn, do you like tea?")
	got := h.room.posted()
	if len(got) != 1 || !strings.Contains(got[0], "your humble assistant") || strings.Contains(got[0], "AI language model") {
		t.Errorf("posted %q", got)
	}
}

func TestHandle_StoredHistoryPersistsTurns(t *testing.T) {
	h := newHarness(t, window.StoredHistory)
	ctx := context.Background()

	h.say("Karn, remember this")
	msgs, err := h.db.ReadMessages(ctx, "!room:x")
	if err != nil {
		t.Fatalf("ReadMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("stored %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != llm.RoleUser || msgs[0].Text() != "alice:: Karn, remember this" {
		t.Errorf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != llm.RoleAssistant || msgs[1].Text() != "Hello there." {
		t.Errorf("assistant message = %+v", msgs[1])
	}

	h.say("Karn, and this")
	req := h.provider.last()
	// genesis + 3 stored messages (two from the first turn, one new)
	if len(req.Messages) != 4 {
		t.Errorf("window has %d messages, want 4", len(req.Messages))
	}
}

func TestHandle_Commands(t *testing.T) {
	h := newHarness(t, window.LiveHistory)

	h.say("$add_context speak in rhyme")
	h.say("$view_context")
	h.say("$nonsense")
	got := h.room.posted()
	if len(got) != 3 {
		t.Fatalf("posted %q", got)
	}
	if !strings.HasPrefix(got[0], "New system context message of length") {
		t.Errorf("add_context: %q", got[0])
	}
	if got[1] != "System context messages for this channel:\n* speak in rhyme" {
		t.Errorf("view_context: %q", got[1])
	}
	if !strings.Contains(got[2], "$help") {
		t.Errorf("unknown command: %q", got[2])
	}
}

func TestPrompt_FileSeedSendsNoTools(t *testing.T) {
	h := newHarnessWith(t, window.LiveHistory, &stubProvider{text: "Listen to them.", tools: true},
		tools.NewWeatherTool("", nil))
	dir := filepath.Join(h.app.cfg.FileRoot, "room:x")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dracula.txt"), []byte("I never drink wine.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.say("Karn, what is the weather?")
	if n := len(h.provider.last().Tools); n != 1 {
		t.Fatalf("addressed turn offered %d tools, want 1", n)
	}

	h.say("$prompt -f dracula")
	if n := len(h.provider.last().Tools); n != 0 {
		t.Errorf("seed file turn offered %d tools, want 0", n)
	}
}

func TestPrompt_FileSeed(t *testing.T) {
	h := newHarness(t, window.LiveHistory)
	dir := filepath.Join(h.app.cfg.FileRoot, "room:x")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "dracula.txt"), []byte("I never drink wine.\nListen to them.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	h.say("$prompt -f dracula")
	req := h.provider.last()
	if got := req.Messages[len(req.Messages)-1].Text(); got != "#dracula" {
		t.Errorf("last message = %q, want the file cue", got)
	}

	h.say("$prompt -f missing")
	got := h.room.posted()
	if got[len(got)-1] != "Input file not found. Use `$ls` to view available input files." {
		t.Errorf("posted %q", got)
	}

	h.say("$ls")
	got = h.room.posted()
	if got[len(got)-1] != "```\ndracula\n```" {
		t.Errorf("ls: %q", got[len(got)-1])
	}
}
