// Package chance decides whether Karn answers a plain room message.
//
// Addressing the bot by name always gets an answer. Any other message that
// passes the filters may get an unprompted reply with probability
// chance/UpperLimit. Each room keeps its own chance, starting at 1; it is
// reset to 1 whenever the bot replies and creeps up while the bot stays quiet.
package chance

import (
	"context"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/bdobrica/karn/internal/karn/observability"
	"github.com/bdobrica/karn/internal/karn/phrases"
)

// Decision is the outcome of Decide.
type Decision int

const (
	// Ignore means no reply.
	Ignore Decision = iota
	// Prompted means the bot was addressed and should ask the model.
	Prompted
	// Rude means the bot was addressed rudely; answer from respond_rude.
	Rude
	// Nice means the bot was complimented; answer from respond_nice.
	Nice
	// Unprompted means the draw succeeded; ask the model in best-effort mode.
	Unprompted
)

func (d Decision) String() string {
	switch d {
	case Prompted:
		return "prompted"
	case Rude:
		return "rude"
	case Nice:
		return "nice"
	case Unprompted:
		return "unprompted"
	default:
		return "ignore"
	}
}

// Message is the part of an inbound message the policy looks at.
type Message struct {
	Room   string
	Scope  string
	Sender string
	// Text is the message with mentions rendered as display names.
	Text string
	// Raw is the message as sent, used for the tag-only check.
	Raw string
}

// Preferences reports opt-outs from unprompted replies.
type Preferences interface {
	UserResponds(ctx context.Context, userID string) (bool, error)
	RoomResponds(ctx context.Context, roomID string) (bool, error)
}

// Phrases matches rude and nice phrases for a scope.
type Phrases interface {
	Contains(scope string, kind phrases.Kind, text string) bool
}

// Config holds the policy constants.
type Config struct {
	// Name is the bot's name as users write it.
	Name string
	// MinLength is the shortest message considered at all.
	MinLength int
	// UpperLimit caps the chance and is the size of the draw.
	UpperLimit int
}

// DefaultConfig returns the stock constants for a bot called name.
func DefaultConfig(name string) Config {
	return Config{Name: name, MinLength: 4, UpperLimit: 100}
}

var (
	tagOnlyPattern = regexp.MustCompile(`^<@&*\d+>$|^@[^\s:]+:\S+$|@room|@everyone|@here`)
	votePattern    = regexp.MustCompile(`\A(?:\([\w\s']+\)|[\w']+)(?:--|\+\+)`)
	urlPattern     = regexp.MustCompile(`(?i)\b((?:https?://|www\d{0,3}[.]|[a-z0-9.\-]+[.][a-z]{2,4}/)(?:[^\s()<>]+|\(([^\s()<>]+|` +
		`(\([^\s()<>]+\)))*\))+(?:\(([^\s()<>]+|(\([^\s()<>]+\)))*\)|[^\s` + "`" + `!()\[\]{};:'".,<>?«»“”‘’]))`)
)

// NamePattern matches name when it is not the subject of a vote (name++ or
// name--). The first letter is case-insensitive.
func NamePattern(name string) *regexp.Regexp {
	if name == "" {
		name = "Karn"
	}
	first, rest := name[:1], regexp.QuoteMeta(name[1:])
	class := "[" + regexp.QuoteMeta(strings.ToUpper(first)) + regexp.QuoteMeta(strings.ToLower(first)) + "]"
	return regexp.MustCompile(class + rest + `(?:\z|[^+\-])`)
}

// Policy holds the per-room chance counters. It is safe for concurrent use.
type Policy struct {
	cfg     Config
	name    *regexp.Regexp
	prefs   Preferences
	phrases Phrases

	mu     sync.Mutex
	chance map[string]int
	intn   func(n int) int
}

// NewPolicy returns a Policy. prefs may be nil, meaning nobody opted out.
func NewPolicy(cfg Config, prefs Preferences, ph Phrases) *Policy {
	if cfg.MinLength <= 0 {
		cfg.MinLength = 4
	}
	if cfg.UpperLimit <= 0 {
		cfg.UpperLimit = 100
	}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Policy{
		cfg:     cfg,
		name:    NamePattern(cfg.Name),
		prefs:   prefs,
		phrases: ph,
		chance:  make(map[string]int),
		intn:    rnd.Intn,
	}
}

// WithIntn replaces the random source. intn(n) must return a value in [0, n).
func (p *Policy) WithIntn(intn func(n int) int) *Policy {
	p.mu.Lock()
	p.intn = intn
	p.mu.Unlock()
	return p
}

// Chance returns the current reply chance of room.
func (p *Policy) Chance(room string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.get(room)
}

// Reset sets the chance of room back to 1. Call it after every reply.
func (p *Policy) Reset(room string) {
	p.mu.Lock()
	p.chance[room] = 1
	p.mu.Unlock()
}

func (p *Policy) get(room string) int {
	if c, ok := p.chance[room]; ok {
		return c
	}
	return 1
}

// Addressed reports whether text mentions the bot by name.
func (p *Policy) Addressed(text string) bool { return p.name.MatchString(text) }

// Decide classifies msg. Filters run in a fixed order: length, name, word
// count, opt-outs, tag-only, vote syntax, URL, then the draw.
func (p *Policy) Decide(ctx context.Context, msg Message) Decision {
	if len(msg.Text) < p.cfg.MinLength {
		return Ignore
	}

	if p.Addressed(msg.Text) {
		if p.phrases != nil {
			if p.phrases.Contains(msg.Scope, phrases.Rude, msg.Text) {
				return Rude
			}
			if p.phrases.Contains(msg.Scope, phrases.Nice, msg.Text) {
				return Nice
			}
		}
		return Prompted
	}

	if len(strings.Fields(msg.Text)) <= 1 {
		return Ignore
	}

	if p.optedOut(ctx, msg) {
		return Ignore
	}

	raw := msg.Raw
	if raw == "" {
		raw = msg.Text
	}
	if tagOnly(raw) || votePattern.MatchString(raw) || urlPattern.MatchString(raw) {
		return Ignore
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.get(msg.Room)
	if p.intn(p.cfg.UpperLimit)+1 <= c {
		return Unprompted
	}
	if p.intn(c+1) == 0 && c < p.cfg.UpperLimit {
		p.chance[msg.Room] = c + 1
	}
	return Ignore
}

func (p *Policy) optedOut(ctx context.Context, msg Message) bool {
	if p.prefs == nil {
		return false
	}
	log := observability.WithTrace(ctx)
	ok, err := p.prefs.UserResponds(ctx, msg.Sender)
	if err != nil {
		log.Warn("user preference lookup failed", "user", msg.Sender, "err", err)
		return true
	}
	if !ok {
		return true
	}
	ok, err = p.prefs.RoomResponds(ctx, msg.Room)
	if err != nil {
		log.Warn("room preference lookup failed", "room", msg.Room, "err", err)
		return true
	}
	return !ok
}

func tagOnly(text string) bool {
	words := strings.Fields(text)
	for _, w := range words {
		if !tagOnlyPattern.MatchString(w) {
			return false
		}
	}
	return true
}
