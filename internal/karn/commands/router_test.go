package commands

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestParse(t *testing.T) {
	r := NewRouter("$")
	tests := []struct {
		in       string
		name     string
		text     string
		flags    []string
		longFlag map[string]string
	}{
		{in: "$prompt hello there", name: "prompt", text: "hello there"},
		{in: "  $PROMPT -c what is it", name: "prompt", text: "what is it", flags: []string{"c"}},
		{in: "$prompt -f dracula", name: "prompt", text: "dracula", flags: []string{"f"}},
		{in: "$set_context -CO be brief", name: "set_context", text: "be brief", flags: []string{"c", "o"}},
		{in: "$ignore --room !a:b", name: "ignore", longFlag: map[string]string{"room": "!a:b"}},
		{in: "$ignore --verbose", name: "ignore", longFlag: map[string]string{"verbose": "true"}},
	}
	for _, tt := range tests {
		cmd, err := r.Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", tt.in, err)
		}
		if cmd.Name != tt.name {
			t.Errorf("Parse(%q).Name = %q, want %q", tt.in, cmd.Name, tt.name)
		}
		if cmd.Text != tt.text {
			t.Errorf("Parse(%q).Text = %q, want %q", tt.in, cmd.Text, tt.text)
		}
		for _, f := range tt.flags {
			if !cmd.HasFlag(f) {
				t.Errorf("Parse(%q): flag %q missing", tt.in, f)
			}
		}
		for k, v := range tt.longFlag {
			if cmd.Flags[k] != v {
				t.Errorf("Parse(%q): flag %q = %q, want %q", tt.in, k, cmd.Flags[k], v)
			}
		}
	}
}

func TestParse_NotACommand(t *testing.T) {
	r := NewRouter("$")
	if _, err := r.Parse("hello $prompt"); !errors.Is(err, ErrNotACommand) {
		t.Errorf("got %v, want ErrNotACommand", err)
	}
	if _, err := r.Parse("$"); err == nil {
		t.Error("expected error for empty command")
	}
}

func TestRoute_Aliases(t *testing.T) {
	r := NewRouter("!")
	var got string
	r.Register("prompt", "ask", func(_ context.Context, cmd *Command, _ Request) (string, error) {
		got = cmd.Name + ":" + cmd.Text
		return "ok", nil
	}, "chat")

	reply, err := r.Route(context.Background(), "!chat hi", Request{})
	if err != nil || reply != "ok" {
		t.Fatalf("Route: %q, %v", reply, err)
	}
	if got != "prompt:hi" {
		t.Errorf("got %q, want %q", got, "prompt:hi")
	}

	if _, err := r.Route(context.Background(), "!nope", Request{}); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("got %v, want ErrUnknownCommand", err)
	}
}

func TestRegister_DuplicatePanics(t *testing.T) {
	r := NewRouter("$")
	h := func(context.Context, *Command, Request) (string, error) { return "", nil }
	r.Register("ls", "list", h)
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	r.Register("ls", "list", h)
}

func TestHelp_Sorted(t *testing.T) {
	r := NewRouter("$")
	h := func(context.Context, *Command, Request) (string, error) { return "", nil }
	r.Register("zeta", "last", h)
	r.Register("alpha", "first", h)
	help := r.Help()
	if strings.Index(help, "$alpha") > strings.Index(help, "$zeta") {
		t.Errorf("help not sorted: %q", help)
	}
}
