// Package reply cleans model output before it is posted to a room.
package reply

import (
	"fmt"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// DescriptorToken in a rule's Replacement is substituted with one descriptor
// drawn from the pool passed to Process.
const DescriptorToken = "{descriptor}"

// Rule is one rewrite applied to a reply. Replacement uses regexp template
// syntax ($1, ${name}).
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// SelfDescriptorPattern matches the model calling itself an AI, a language
// model or a digital assistant, capturing a leading "As" or "I am".
const SelfDescriptorPattern = `([aA]s|I am)* an* (?:digital)*(?:virtual)*(?:responsible)*(?:time-traveling)* *(?:golem)* ` +
	`*(?:AI|digital|artificial intelligence|language model)` +
	`(?: language)*(?: text-based)*(?: model)*(?: assistant)*`

// DefaultDenylist holds generic non-answers that are never worth posting
// unprompted.
var DefaultDenylist = []string{
	`If you need any assistance or`,
	`[Ff]eel free to`,
	`If you have any`,
	`[Ll]et me know`,
	`I'm sorry, but I`,
}

// DefaultRules returns the rewrite list for a bot called name: descriptor
// substitution first, then removal of a leading speaker echo.
func DefaultRules(name string) []Rule {
	return []Rule{
		{
			Name:        "self-descriptor",
			Pattern:     regexp.MustCompile(SelfDescriptorPattern),
			Replacement: "${1} " + DescriptorToken,
		},
		{
			Name:    "speaker-echo",
			Pattern: regexp.MustCompile(`\A(?:\w+::|[^:\n]{1,64}::\s+)|(?:` + regexp.QuoteMeta(name) + `:)\s`),
		},
	}
}

// CompileDenylist compiles patterns, reporting the first invalid one.
func CompileDenylist(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("reply: invalid denylist pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Processor applies Rules in order. It is safe for concurrent use.
type Processor struct {
	Rules    []Rule
	Denylist []*regexp.Regexp

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewProcessor returns a Processor seeded from the clock.
func NewProcessor(rules []Rule, denylist []*regexp.Regexp) *Processor {
	return &Processor{
		Rules:    rules,
		Denylist: denylist,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithRand replaces the descriptor selection source.
func (p *Processor) WithRand(r *rand.Rand) *Processor {
	p.mu.Lock()
	p.rnd = r
	p.mu.Unlock()
	return p
}

// Process rewrites raw. In unprompted mode a reply matching the denylist is
// discarded and "" is returned. The caller decides what an empty result
// means.
func (p *Processor) Process(raw string, descriptors []string, unprompted bool) string {
	if unprompted && p.Denied(raw) {
		return ""
	}

	descriptor := p.pick(descriptors)
	out := raw
	for _, r := range p.Rules {
		repl := strings.ReplaceAll(r.Replacement, DescriptorToken, escapeTemplate(descriptor))
		out = r.Pattern.ReplaceAllString(out, repl)
	}
	return strings.TrimSpace(out)
}

// Denied reports whether text matches the denylist.
func (p *Processor) Denied(text string) bool {
	for _, re := range p.Denylist {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func (p *Processor) pick(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rnd == nil {
		p.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return pool[p.rnd.Intn(len(pool))]
}

func escapeTemplate(s string) string { return strings.ReplaceAll(s, "$", "$$") }

// MaxMessageLength is the longest message posted in one piece.
const MaxMessageLength = 2000

// Chunk splits text into pieces of at most limit bytes, cutting at the last
// newline inside the limit when there is one and never inside a UTF-8
// sequence.
func Chunk(text string, limit int) []string {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	var out []string
	for len(text) > limit {
		cut := strings.LastIndexByte(text[:limit], '\n')
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			if cut == 0 {
				cut = limit
			}
		}
		out = append(out, text[:cut])
		text = strings.TrimPrefix(text[cut:], "\n")
	}
	if text != "" || len(out) == 0 {
		out = append(out, text)
	}
	return out
}
