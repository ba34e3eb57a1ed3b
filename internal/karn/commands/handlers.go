package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/observability"
	"github.com/bdobrica/karn/internal/karn/tools"
	"github.com/bdobrica/karn/internal/karn/window"
)

// ErrContextTooLong marks a genesis message that does not fit the input
// budget.
var ErrContextTooLong = errors.New("commands: context too long")

// Fixed replies.
const (
	MsgContextTooLong  = "Input genesis message is too long. Context was not set."
	MsgContextReset    = "System context message has been reset to default settings"
	MsgContextMissing  = "You must include a system context message with this command.\nExample: `$add_context Respond using only Lovecraftian speech`\n\nPlease use `$help add_context` for more information."
	MsgNoContext       = "No system context messages set for this channel. Try using `$add_context` first!"
	MsgSeedNotFound    = "Input file not found. Use `$ls` to view available input files."
	MsgNoSeeds         = "No files exist in this room's directory."
	MsgGenerateMissing = "You must include a query used to generate the image.\nExample: `$generate a kitten dressed as a cowboy`\n\nPlease use `$help generate` for more information."
	MsgInvalidRoom     = "Invalid room. Please send the room ID in the format: !room:server\nUse `$help ignore` for more information"
)

// GenesisStore persists the per-room genesis messages.
type GenesisStore interface {
	Genesis(ctx context.Context, roomID string) ([]string, error)
	AddGenesis(ctx context.Context, roomID, content string) error
	SetGenesis(ctx context.Context, roomID, content string) error
	ClearGenesis(ctx context.Context, roomID string) (int64, error)
}

// PrefsStore toggles opt-outs from unprompted replies. Both return the new
// state.
type PrefsStore interface {
	ToggleUserResponds(ctx context.Context, userID string) (bool, error)
	ToggleRoomResponds(ctx context.Context, roomID string) (bool, error)
}

// HistoryStore clears stored conversation history.
type HistoryStore interface {
	DeleteAllMessages(ctx context.Context, roomID string) (int64, error)
}

// PromptOptions are the flags of the prompt command.
type PromptOptions struct {
	Text string
	// Chat selects the chat-completions backend when one is configured.
	Chat bool
	// Seed names a file to imitate.
	Seed string
}

// Prompter asks the model for a reply and posts it. It returns
// window.ErrSeedNotFound for a missing seed file.
type Prompter interface {
	Prompt(ctx context.Context, req Request, opts PromptOptions) error
}

// Deps are what the handlers work against. History, Generate and Seeds may
// be nil.
type Deps struct {
	Genesis GenesisStore
	Prefs   PrefsStore
	// History is set when conversation history is stored.
	History  HistoryStore
	Prompter Prompter
	Generate tools.Tool
	// DefaultGenesis returns the persona's current genesis text.
	DefaultGenesis func() string
	// MaxInputTokens returns the current input budget.
	MaxInputTokens func() int
	// Estimate prices one message.
	Estimate func(llm.Message) int
	// Seeds lists seed files for a scope.
	Seeds func(scope string) ([]string, error)
}

// Handlers implements the chat commands.
type Handlers struct {
	deps   Deps
	router *Router
}

// Register adds every command to r.
func Register(r *Router, deps Deps) *Handlers {
	h := &Handlers{deps: deps, router: r}
	p := r.Prefix()
	r.Register("prompt", "Ask the model for a reply. `-c` uses chat completions, `-f name` imitates a seed file. Example: `"+p+"prompt -f dracula`",
		h.prompt, "chat", "promt")
	r.Register("set_context", "Set the genesis message. `-c` resets it, `-o` overwrites the default instead of extending it.",
		h.setContext, "context")
	r.Register("add_context", "Add a system context message for this room. Example: `"+p+"add_context You always talk about baseball`",
		h.addContext)
	r.Register("view_context", "View the system context messages for this room.", h.viewContext)
	r.Register("clear_context", "Remove every system context message of this room.", h.clearContext)
	r.Register("ignore", "Toggle unprompted replies to your messages. `-c [room]` toggles them for a room.", h.ignore)
	r.Register("ls", "List the seed files available to `"+p+"prompt -f`.", h.ls)
	r.Register("generate", "Generate an image from a description. Example: `"+p+"generate a white horse`", h.generate, "gen")
	r.Register("help", "Show this list, or the help of one command.", h.help)
	return h
}

func (h *Handlers) prompt(ctx context.Context, cmd *Command, req Request) (string, error) {
	opts := PromptOptions{Chat: cmd.HasFlag("c")}
	args := cmd.Args
	if cmd.HasFlag("f") {
		if len(args) == 0 {
			return MsgSeedNotFound, nil
		}
		opts.Seed, args = args[0], args[1:]
	}
	opts.Text = strings.Join(args, " ")

	err := h.deps.Prompter.Prompt(ctx, req, opts)
	if errors.Is(err, window.ErrSeedNotFound) {
		return MsgSeedNotFound, nil
	}
	return "", err
}

func (h *Handlers) setContext(ctx context.Context, cmd *Command, req Request) (string, error) {
	if cmd.HasFlag("c") || cmd.Text == "" {
		if _, err := h.deps.Genesis.ClearGenesis(ctx, req.Room); err != nil {
			return "", fmt.Errorf("reset genesis: %w", err)
		}
		return MsgContextReset, nil
	}

	content := cmd.Text
	if !cmd.HasFlag("o") {
		content = h.deps.DefaultGenesis() + " " + cmd.Text
	}
	n, err := h.fits(content)
	if err != nil {
		return MsgContextTooLong, nil
	}
	if err := h.deps.Genesis.SetGenesis(ctx, req.Room, content); err != nil {
		return "", fmt.Errorf("set genesis: %w", err)
	}
	return fmt.Sprintf("New genesis message of length %d has been set!", n), nil
}

func (h *Handlers) addContext(ctx context.Context, cmd *Command, req Request) (string, error) {
	if cmd.Text == "" {
		return MsgContextMissing, nil
	}
	n, err := h.fits(cmd.Text)
	if err != nil {
		return MsgContextTooLong, nil
	}
	if err := h.deps.Genesis.AddGenesis(ctx, req.Room, cmd.Text); err != nil {
		return "", fmt.Errorf("add genesis: %w", err)
	}
	return fmt.Sprintf("New system context message of length %d has been added!", n), nil
}

// fits prices content as an instruction message and checks it against the
// input budget.
func (h *Handlers) fits(content string) (int, error) {
	n := h.deps.Estimate(llm.Message{Role: llm.RoleSystem, Content: content})
	if n > h.deps.MaxInputTokens() {
		return n, ErrContextTooLong
	}
	return n, nil
}

func (h *Handlers) viewContext(ctx context.Context, _ *Command, req Request) (string, error) {
	msgs, err := h.deps.Genesis.Genesis(ctx, req.Room)
	if err != nil {
		return "", fmt.Errorf("read genesis: %w", err)
	}
	if len(msgs) == 0 {
		return MsgNoContext, nil
	}
	return "System context messages for this channel:\n* " + strings.Join(msgs, "\n* "), nil
}

func (h *Handlers) clearContext(ctx context.Context, _ *Command, req Request) (string, error) {
	n, err := h.deps.Genesis.ClearGenesis(ctx, req.Room)
	if err != nil {
		return "", fmt.Errorf("clear genesis: %w", err)
	}
	reply := fmt.Sprintf("Removed %d system context message(s).", n)
	if h.deps.History != nil {
		m, err := h.deps.History.DeleteAllMessages(ctx, req.Room)
		if err != nil {
			return "", fmt.Errorf("clear history: %w", err)
		}
		reply += fmt.Sprintf(" Forgot %d stored message(s).", m)
	}
	return reply, nil
}

func (h *Handlers) ignore(ctx context.Context, cmd *Command, req Request) (string, error) {
	if cmd.HasFlag("c") {
		room := req.Room
		if arg, ok := cmd.Arg(0); ok {
			if !validRoomID(arg) {
				return MsgInvalidRoom, nil
			}
			room = arg
		}
		on, err := h.deps.Prefs.ToggleRoomResponds(ctx, room)
		if err != nil {
			return "", fmt.Errorf("toggle room: %w", err)
		}
		if on {
			return fmt.Sprintf("I will now occasionally respond to messages in %s without being prompted.", room), nil
		}
		return fmt.Sprintf("I will no longer respond to messages in %s without being prompted.", room), nil
	}

	on, err := h.deps.Prefs.ToggleUserResponds(ctx, req.Sender)
	if err != nil {
		return "", fmt.Errorf("toggle user: %w", err)
	}
	if on {
		return "I will now occasionally respond your messages without being prompted.", nil
	}
	return "I will no longer respond to your messages without being prompted.", nil
}

// validRoomID accepts "!opaque:server".
func validRoomID(s string) bool {
	local, server, ok := strings.Cut(strings.TrimPrefix(s, "!"), ":")
	return ok && strings.HasPrefix(s, "!") && local != "" && server != ""
}

func (h *Handlers) ls(_ context.Context, _ *Command, req Request) (string, error) {
	if h.deps.Seeds == nil {
		return MsgNoSeeds, nil
	}
	names, err := h.deps.Seeds(req.Scope)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return MsgNoSeeds, nil
	}
	return "```\n" + strings.Join(names, "\n") + "\n```", nil
}

func (h *Handlers) generate(ctx context.Context, cmd *Command, req Request) (string, error) {
	if h.deps.Generate == nil {
		return "Image generation is not configured.", nil
	}
	if cmd.Text == "" {
		return MsgGenerateMissing, nil
	}
	res, err := h.deps.Generate.Execute(ctx, req.Room, map[string]any{"prompt": cmd.Text})
	if err != nil {
		observability.WithTrace(ctx).Warn("generate command failed", "room", req.Room, "err", err)
		return tools.GenerateFailedMessage, nil
	}
	if !res.Done {
		return res.Output, nil
	}
	return "", nil
}

func (h *Handlers) help(_ context.Context, cmd *Command, _ Request) (string, error) {
	if name, ok := cmd.Arg(0); ok {
		name = strings.TrimPrefix(strings.ToLower(name), h.router.Prefix())
		text, found := h.router.HelpFor(name)
		if !found {
			return fmt.Sprintf("No command called %q found.", name), nil
		}
		return fmt.Sprintf("`%s%s`: %s", h.router.Prefix(), name, text), nil
	}
	return h.router.Help(), nil
}
