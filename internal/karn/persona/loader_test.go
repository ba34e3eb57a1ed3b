package persona

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	p := Default()
	if p.Name != "Karn" || p.Prefix != "$" {
		t.Errorf("identity = %q %q", p.Name, p.Prefix)
	}
	if p.Limits.MaxInputTokens != 40000 || p.Limits.MaxOutputTokens != 5000 {
		t.Errorf("limits = %+v", p.Limits)
	}
	if p.History.MaxAge != 7*24*time.Hour || p.History.MaxMessages != 256 || p.History.MaxFileLines != 128 {
		t.Errorf("history = %+v", p.History)
	}
	if p.Model.Name != "gpt-5-mini" || p.Model.ReasoningEffort != "low" {
		t.Errorf("model = %+v", p.Model)
	}
	if !strings.HasPrefix(p.Genesis, "You are a time-travelling golem named Karn.") {
		t.Errorf("genesis = %q", p.Genesis)
	}
}

func TestParse_Overrides(t *testing.T) {
	doc := `
name: Urza
prefix: "!"
model:
  name: gpt-5
  reasoningEffort: medium
limits:
  maxInputTokens: 8000
  maxOutputTokens: 1000
history:
  maxAge: 48h
reply:
  upperLimit: 20
  denylist: ["(?i)as an ai"]
tools: [weather, card]
mcpServers:
  - name: files
    command: mcp-files
    args: ["--root", "/srv"]
`
	p, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Name != "Urza" || p.Prefix != "!" {
		t.Errorf("identity = %q %q", p.Name, p.Prefix)
	}
	if p.History.MaxAge != 48*time.Hour {
		t.Errorf("maxAge = %v", p.History.MaxAge)
	}
	if p.History.MaxMessages != 256 {
		t.Errorf("unset maxMessages not defaulted: %d", p.History.MaxMessages)
	}
	if !p.HasTool("card") || p.HasTool("generate") {
		t.Errorf("tools = %v", p.Tools)
	}
	if len(p.MCPs) != 1 || p.MCPs[0].Args[1] != "/srv" {
		t.Errorf("mcp = %+v", p.MCPs)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown key", "colour: blue\n"},
		{"bad effort", "model:\n  reasoningEffort: extreme\n"},
		{"unknown tool", "tools: [teleport]\n"},
		{"negative budget", "limits:\n  maxInputTokens: -1\n"},
		{"output above input", "limits:\n  maxInputTokens: 100\n  maxOutputTokens: 200\n"},
		{"bad regex", "reply:\n  denylist: [\"(\"]\n"},
		{"duplicate mcp", "mcpServers:\n  - {name: a, command: x}\n  - {name: a, command: y}\n"},
		{"mcp without command", "mcpServers:\n  - {name: a}\n"},
		{"bad duration", "history:\n  maxAge: forever\n"},
		{"not yaml", "name: [\n"},
	}
	for _, tt := range tests {
		if _, err := Parse([]byte(tt.doc)); err == nil {
			t.Errorf("%s: expected error", tt.name)
		}
	}
}

func TestLoader_ApplyKeepsLivePersonaOnError(t *testing.T) {
	l := NewLoader()
	if l.Hash() != "" || l.Persona().Name != "Karn" {
		t.Fatal("fresh loader should serve the default persona")
	}

	path := filepath.Join(t.TempDir(), "persona.yaml")
	if err := os.WriteFile(path, []byte("name: Jhoira\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := l.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if l.Persona().Name != "Jhoira" || len(l.Hash()) != 64 {
		t.Errorf("got %q hash %q", l.Persona().Name, l.Hash())
	}

	if err := l.Apply([]byte("name: 42abc\n")); err == nil {
		t.Fatal("expected invalid name to be rejected")
	}
	if l.Persona().Name != "Jhoira" {
		t.Errorf("live persona replaced by invalid document: %q", l.Persona().Name)
	}
}

func TestParse_Empty(t *testing.T) {
	p, err := Parse(nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Name != "Karn" {
		t.Errorf("got %q, want %q", p.Name, "Karn")
	}
}
