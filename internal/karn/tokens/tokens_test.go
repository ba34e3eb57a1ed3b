package tokens

import (
	"strings"
	"testing"

	"github.com/bdobrica/karn/internal/karn/llm"
)

// wordCounter counts whitespace-separated words so expected costs are easy to
// compute by hand.
type wordCounter struct{}

func (wordCounter) Count(s string) int { return len(strings.Fields(s)) }

func newTestEstimator() *Estimator { return NewEstimator(wordCounter{}, 3, 3) }

func TestEstimate_EmptySequenceCostsReplyOverhead(t *testing.T) {
	if got := newTestEstimator().Estimate(); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
}

func TestEstimate_PlainMessage(t *testing.T) {
	// 3 overhead + "developer" (1) + "Speak like a pirate." (4)
	m := llm.Message{Role: llm.RoleDeveloper, Content: "Speak like a pirate."}
	if got := newTestEstimator().Estimate(m); got != 8 {
		t.Errorf("got %d, want 8", got)
	}
}

func TestEstimate_BlocksAndToolCalls(t *testing.T) {
	e := newTestEstimator()
	m := llm.Message{
		Role: llm.RoleUser,
		Blocks: []llm.Block{
			{Type: llm.BlockInputText, Text: "amy:: hello there"},  // type 1 + text 3
			{Type: llm.BlockInputImage, ImageURL: "https://x/y.png"}, // type 1 + url 1
		},
	}
	if got, want := e.Estimate(m), 3+1+4+2; got != want {
		t.Errorf("blocks: got %d, want %d", got, want)
	}

	call := llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      "weather",
			Arguments: `{"location":"New York","days":[1,2]}`,
		}},
	}
	// 3 + role 1 + id 1 + name 1 + "New York" 2 + "1" + "2"
	if got, want := e.Estimate(call), 3+1+1+1+2+2; got != want {
		t.Errorf("tool call: got %d, want %d", got, want)
	}
}

func TestEstimate_SumsMessages(t *testing.T) {
	e := newTestEstimator()
	a := llm.Message{Role: llm.RoleUser, Content: "one two"}
	b := llm.Message{Role: llm.RoleAssistant, Content: "three"}
	if got, want := e.Estimate(a, b), e.Estimate(a)+e.Estimate(b); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
}

func TestValue_Recursive(t *testing.T) {
	e := newTestEstimator()
	v := map[string]any{
		"a": "x y",
		"b": []any{"z", map[string]any{"c": "w"}},
		"d": 3.5,
		"e": nil,
	}
	if got := e.Value(v); got != 5 {
		t.Errorf("got %d, want 5", got)
	}
}

func TestCharCounter(t *testing.T) {
	tests := map[string]int{"": 0, "a": 1, "abcd": 1, "abcde": 2}
	for in, want := range tests {
		if got := (CharCounter{}).Count(in); got != want {
			t.Errorf("Count(%q) = %d, want %d", in, got, want)
		}
	}
}

func TestToolCost(t *testing.T) {
	e := newTestEstimator()
	defs := []llm.ToolDefinition{
		{
			Name:        "weather",
			Description: "Fetches the weather.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"location": map[string]any{"type": "string", "description": "City name."},
					"unit":     map[string]any{"type": "string", "description": "Unit", "enum": []string{"c", "f"}},
				},
			},
		},
		{Name: "noop", Description: "Does nothing", Parameters: map[string]any{"type": "object"}},
	}
	// weather: 10+12 + "weather:Fetches the weather" (3)
	//          + 3 (props)
	//          + location: 3 + "location:string:City name" (2)
	//          + unit: 3 - 3 + (3+1)*2 + "unit:string:Unit" (1)
	//          + 12
	// noop:    10+12 + "noop:Does nothing" (2)
	want := (22 + 3 + 3 + 3 + 2 + 3 - 3 + 8 + 1 + 12) + (22 + 2)
	if got := e.ToolCost(defs); got != want {
		t.Errorf("got %d, want %d", got, want)
	}
	if got := e.ToolCost(nil); got != 0 {
		t.Errorf("nil defs: got %d, want 0", got)
	}
}
