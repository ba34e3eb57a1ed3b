// Package tokens estimates the token cost of messages and tool definitions.
//
// The same Estimator is used for budgeting the context window and for the
// reserved output allowance so both sides of the budget agree.
package tokens

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/bdobrica/karn/internal/karn/llm"
)

// DefaultEncoding is the tokenizer used by the gpt-4o/gpt-5 model families.
const DefaultEncoding = "o200k_base"

// Tokenizer counts the tokens of a string.
type Tokenizer interface {
	Count(s string) int
}

// CharCounter approximates one token per four bytes, rounded up.
type CharCounter struct{}

func (CharCounter) Count(s string) int { return (len(s) + 3) / 4 }

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenCounter) Count(s string) int {
	if s == "" {
		return 0
	}
	return len(t.enc.Encode(s, nil, nil))
}

var (
	encMu    sync.Mutex
	encCache = map[string]Tokenizer{}
)

// NewTiktoken returns a BPE tokenizer for the named encoding. Loading the
// ranks may hit the network on first use; when it fails the CharCounter is
// returned instead and the failure is logged once per encoding.
func NewTiktoken(encoding string) Tokenizer {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	encMu.Lock()
	defer encMu.Unlock()
	if t, ok := encCache[encoding]; ok {
		return t
	}
	var tok Tokenizer
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		slog.Warn("tokens: falling back to character estimate", "encoding", encoding, "err", err)
		tok = CharCounter{}
	} else {
		tok = tiktokenCounter{enc: enc}
	}
	encCache[encoding] = tok
	return tok
}

// Estimator turns messages into an integer cost.
type Estimator struct {
	Tokenizer Tokenizer
	// PerMessage is added once per message.
	PerMessage int
	// PerReply primes the model's reply and is charged for an empty sequence.
	PerReply int
}

// NewEstimator returns an Estimator with the given overhead constants.
func NewEstimator(tok Tokenizer, perMessage, perReply int) *Estimator {
	if tok == nil {
		tok = CharCounter{}
	}
	return &Estimator{Tokenizer: tok, PerMessage: perMessage, PerReply: perReply}
}

// Estimate returns the cost of msgs: for each message the per-message
// overhead plus the token length of every string field. An empty sequence
// costs PerReply.
func (e *Estimator) Estimate(msgs ...llm.Message) int {
	if len(msgs) == 0 {
		return e.PerReply
	}
	n := 0
	for _, m := range msgs {
		n += e.PerMessage + e.Value(fields(m))
	}
	return n
}

// Value returns the token length of every string reachable from v, walking
// slices and maps. Numbers and booleans count by their decimal form.
func (e *Estimator) Value(v any) int {
	switch x := v.(type) {
	case nil:
		return 0
	case string:
		return e.Tokenizer.Count(x)
	case []string:
		n := 0
		for _, s := range x {
			n += e.Tokenizer.Count(s)
		}
		return n
	case []any:
		n := 0
		for _, item := range x {
			n += e.Value(item)
		}
		return n
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		n := 0
		for _, k := range keys {
			n += e.Value(x[k])
		}
		return n
	case json.RawMessage:
		return e.Value(decodeJSON(string(x)))
	default:
		return e.Tokenizer.Count(fmt.Sprint(x))
	}
}

// fields flattens a message into the generic shape Value walks. Tool call
// arguments are decoded so their nested strings are counted individually.
func fields(m llm.Message) map[string]any {
	f := map[string]any{"role": string(m.Role)}
	if m.Content != "" {
		f["content"] = m.Content
	}
	if len(m.Blocks) > 0 {
		blocks := make([]any, 0, len(m.Blocks))
		for _, b := range m.Blocks {
			blk := map[string]any{"type": string(b.Type)}
			if b.Text != "" {
				blk["text"] = b.Text
			}
			if b.ImageURL != "" {
				blk["image_url"] = b.ImageURL
			}
			blocks = append(blocks, blk)
		}
		f["content"] = blocks
	}
	if len(m.ToolCalls) > 0 {
		calls := make([]any, 0, len(m.ToolCalls))
		for _, tc := range m.ToolCalls {
			calls = append(calls, map[string]any{
				"id":        tc.ID,
				"name":      tc.Name,
				"arguments": decodeJSON(tc.Arguments),
			})
		}
		f["tool_calls"] = calls
	}
	if m.ToolCallID != "" {
		f["tool_call_id"] = m.ToolCallID
	}
	if m.Name != "" {
		f["name"] = m.Name
	}
	return f
}

// decodeJSON returns the decoded value of s, or s itself when it is not JSON.
func decodeJSON(s string) any {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return s
	}
	return v
}

// Overhead constants for pricing tool definitions.
const (
	funcInit = 10
	propInit = 3
	propKey  = 3
	enumInit = -3
	enumItem = 3
	funcEnd  = 12
)

// ToolCost returns the prompt cost of offering defs to the model.
func (e *Estimator) ToolCost(defs []llm.ToolDefinition) int {
	n := 0
	for _, d := range defs {
		n += funcInit + funcEnd + e.Tokenizer.Count(d.Name+":"+strings.TrimSuffix(d.Description, "."))

		props, _ := d.Parameters["properties"].(map[string]any)
		if len(props) == 0 {
			continue
		}
		n += propInit

		keys := make([]string, 0, len(props))
		for k := range props {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, key := range keys {
			n += propKey
			prop, _ := props[key].(map[string]any)
			switch enum := prop["enum"].(type) {
			case []any:
				n += enumInit
				for _, item := range enum {
					n += enumItem + e.Tokenizer.Count(fmt.Sprint(item))
				}
			case []string:
				n += enumInit
				for _, item := range enum {
					n += enumItem + e.Tokenizer.Count(item)
				}
			}
			typ, _ := prop["type"].(string)
			desc, _ := prop["description"].(string)
			n += e.Tokenizer.Count(key + ":" + typ + ":" + strings.TrimSuffix(desc, "."))
		}
		n += funcEnd
	}
	return n
}
