// Package window assembles the bounded list of messages submitted to the
// model for one request.
//
// History is walked newest first and accumulated until the next message would
// push the estimated cost over the budget; that message and everything older
// is left out. Instruction messages go to the front, and the result is in
// chronological order.
package window

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/observability"
	"github.com/bdobrica/karn/internal/karn/tokens"
)

// Source selects where conversation history comes from.
type Source int

const (
	// LiveHistory reads the room transcript through a HistorySource.
	LiveHistory Source = iota
	// StoredHistory reads the ConversationStore and prunes what is dropped.
	StoredHistory
	// FileSeed builds a style-imitation context from a per-scope text file.
	FileSeed
)

func (s Source) String() string {
	switch s {
	case LiveHistory:
		return "live"
	case StoredHistory:
		return "stored"
	case FileSeed:
		return "file"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// ParseSource maps "live" or "stored" to a Source.
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(s) {
	case "", "live":
		return LiveHistory, nil
	case "stored":
		return StoredHistory, nil
	default:
		return 0, fmt.Errorf("window: unknown history source %q", s)
	}
}

// HistoryEntry is one message of the live room transcript.
type HistoryEntry struct {
	ID          string
	Sender      string
	DisplayName string
	Text        string
	FromBot     bool
	// Images holds URLs of image attachments.
	Images []string
	At     time.Time
}

// HistorySource returns recent room messages, newest first, no older than
// since and at most limit of them.
type HistorySource interface {
	Recent(ctx context.Context, room string, since time.Time, limit int) ([]HistoryEntry, error)
}

// ConversationStore is the persisted history of a room. ReadMessages returns
// oldest first with IDs set.
type ConversationStore interface {
	ReadMessages(ctx context.Context, room string) ([]llm.Message, error)
	DeleteMessages(ctx context.Context, ids []int64) error
}

// ErrSeedNotFound is returned when a FileSeed request names a missing file.
var ErrSeedNotFound = errors.New("window: seed file not found")

// Config holds the lookback limits and normalisation settings.
type Config struct {
	// MaxAge bounds live history by age.
	MaxAge time.Duration
	// MaxHistory bounds live history by count.
	MaxHistory int
	// MaxFileLines bounds the number of lines a FileSeed context samples.
	MaxFileLines int
	// EchoPrefixes are stripped from the start of history messages so the
	// model does not see the command that asked it to speak.
	EchoPrefixes []string
	// FileRoot is the directory holding {scope}/{name}.txt seed files.
	FileRoot string
	// FileGenesis primes the model for FileSeed requests.
	FileGenesis llm.Message
}

// Request describes one window to build.
type Request struct {
	Room   string
	Scope  string
	Source Source
	// System holds the room's instruction messages in insertion order.
	System []llm.Message
	Budget int
	// ReservedOutput is charged up front for the model's reply.
	ReservedOutput int
	// ToolCost is the prompt cost of the tool definitions sent along.
	ToolCost int
	// Seed is the triggering user message when it is not yet part of the
	// history being walked. It is charged first and placed after history.
	Seed *llm.Message
	// SeedFile names the file for FileSeed requests.
	SeedFile string
}

// Result is a built window.
type Result struct {
	Messages []llm.Message
	Tokens   int
	// Pruned counts stored messages deleted because they fell outside the
	// window.
	Pruned int
}

// Builder builds windows. It is safe for concurrent use.
type Builder struct {
	est     *tokens.Estimator
	history HistorySource
	store   ConversationStore
	cfg     Config
	now     func() time.Time

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewBuilder returns a Builder. history and store may be nil when the
// matching Source is never requested.
func NewBuilder(est *tokens.Estimator, history HistorySource, store ConversationStore, cfg Config) *Builder {
	return &Builder{
		est:     est,
		history: history,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the random source used to sample seed file lines.
func (b *Builder) WithRand(r *rand.Rand) *Builder {
	b.rndMu.Lock()
	b.rnd = r
	b.rndMu.Unlock()
	return b
}

// Build assembles the window described by req.
func (b *Builder) Build(ctx context.Context, req Request) (Result, error) {
	switch req.Source {
	case FileSeed:
		return b.buildFromFile(req)
	case StoredHistory:
		if b.store == nil {
			return Result{}, errors.New("window: no conversation store configured")
		}
	case LiveHistory:
		if b.history == nil {
			return Result{}, errors.New("window: no history source configured")
		}
	default:
		return Result{}, fmt.Errorf("window: unsupported source %v", req.Source)
	}

	consumed := req.ReservedOutput + req.ToolCost
	if len(req.System) > 0 {
		consumed += b.est.Estimate(req.System...)
	}

	var acc []llm.Message
	if req.Seed != nil {
		acc = append(acc, *req.Seed)
		consumed += b.est.Estimate(*req.Seed)
	}

	var (
		pruned int
		err    error
	)
	switch req.Source {
	case LiveHistory:
		acc, consumed, err = b.walkLive(ctx, req, acc, consumed)
	case StoredHistory:
		acc, consumed, pruned, err = b.walkStored(ctx, req, acc, consumed)
	}
	if err != nil {
		return Result{}, err
	}

	for i := len(req.System) - 1; i >= 0; i-- {
		acc = append(acc, req.System[i])
	}
	reverse(acc)

	observability.WithTrace(ctx).Debug("context window built",
		"room", req.Room,
		"source", req.Source.String(),
		"messages", len(acc),
		"tokens", consumed,
		"budget", req.Budget,
		"pruned", pruned,
	)
	return Result{Messages: acc, Tokens: consumed, Pruned: pruned}, nil
}

func (b *Builder) walkLive(ctx context.Context, req Request, acc []llm.Message, consumed int) ([]llm.Message, int, error) {
	var since time.Time
	if b.cfg.MaxAge > 0 {
		since = b.now().Add(-b.cfg.MaxAge)
	}
	entries, err := b.history.Recent(ctx, req.Room, since, b.cfg.MaxHistory)
	if err != nil {
		return nil, 0, fmt.Errorf("read room history: %w", err)
	}
	for _, e := range entries {
		msg, ok := b.normalize(e)
		if !ok {
			continue
		}
		cost := b.est.Estimate(msg)
		if consumed+cost > req.Budget {
			break
		}
		consumed += cost
		acc = append(acc, msg)
	}
	return acc, consumed, nil
}

func (b *Builder) walkStored(ctx context.Context, req Request, acc []llm.Message, consumed int) ([]llm.Message, int, int, error) {
	rows, err := b.store.ReadMessages(ctx, req.Room)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read stored history: %w", err)
	}

	cut := -1
	for i := len(rows) - 1; i >= 0; i-- {
		cost := b.est.Estimate(rows[i])
		if consumed+cost > req.Budget {
			cut = i
			break
		}
		consumed += cost
		acc = append(acc, rows[i])
	}
	if cut < 0 {
		return acc, consumed, 0, nil
	}

	evicted := make([]int64, 0, cut+1)
	for _, r := range rows[:cut+1] {
		if r.ID != 0 {
			evicted = append(evicted, r.ID)
		}
	}
	if len(evicted) > 0 {
		if err := b.store.DeleteMessages(ctx, evicted); err != nil {
			return nil, 0, 0, fmt.Errorf("prune stored history: %w", err)
		}
	}
	return acc, consumed, len(evicted), nil
}

// normalize converts a transcript entry into a message. It reports false for
// entries that carry no usable content.
func (b *Builder) normalize(e HistoryEntry) (llm.Message, bool) {
	text := e.Text
	for _, p := range b.cfg.EchoPrefixes {
		if p != "" && strings.HasPrefix(text, p) {
			text = strings.TrimPrefix(text, p)
			break
		}
	}
	// U+2010 has been seen to produce blank completions.
	text = strings.ReplaceAll(text, "‐", "")

	var blocks []llm.Block
	if strings.TrimSpace(text) != "" {
		if e.FromBot {
			blocks = append(blocks, llm.Block{Type: llm.BlockOutputText, Text: text})
		} else {
			blocks = append(blocks, llm.Block{Type: llm.BlockInputText, Text: SpeakerPrefix(displayName(e)) + text})
		}
	}
	for _, u := range e.Images {
		if u != "" {
			blocks = append(blocks, llm.Block{Type: llm.BlockInputImage, ImageURL: u})
		}
	}
	if len(blocks) == 0 {
		return llm.Message{}, false
	}

	role := llm.RoleUser
	if e.FromBot {
		role = llm.RoleAssistant
	}
	return llm.Message{Role: role, Blocks: blocks}, true
}

// SpeakerPrefix is the "Name:: " marker that lets the model tell speakers in
// a shared room apart.
func SpeakerPrefix(name string) string { return name + ":: " }

func displayName(e HistoryEntry) string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return e.Sender
}

func reverse(msgs []llm.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
