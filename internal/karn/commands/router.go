// Package commands parses prefixed chat commands ("$prompt -c ...") and
// routes them to handlers.
package commands

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Command is a parsed command.
type Command struct {
	Name string
	// Args are the words that are not flags.
	Args []string
	// Flags holds single-letter flags ("-co" sets c and o) as "true" and
	// long flags ("--name value") with their value.
	Flags map[string]string
	// Text is Args joined by single spaces.
	Text string
	// RawText is the message with the prefix removed.
	RawText string
}

// Request identifies who issued a command and where.
type Request struct {
	Room        string
	Scope       string
	Sender      string
	DisplayName string
	// Body is the full message as received.
	Body string
}

var (
	// ErrNotACommand is returned by Parse when the message does not start
	// with the command prefix.
	ErrNotACommand = errors.New("commands: not a command")
	// ErrUnknownCommand is returned by Route for names with no handler.
	ErrUnknownCommand = errors.New("commands: unknown command")
)

// Handler runs a command and returns the reply to post, if any.
type Handler func(ctx context.Context, cmd *Command, req Request) (string, error)

type entry struct {
	handler Handler
	help    string
}

// Router routes commands to handlers.
type Router struct {
	prefix   string
	handlers map[string]entry
	aliases  map[string]string
}

// NewRouter creates a router for prefix.
func NewRouter(prefix string) *Router {
	return &Router{
		prefix:   prefix,
		handlers: make(map[string]entry),
		aliases:  make(map[string]string),
	}
}

// Prefix returns the command prefix.
func (r *Router) Prefix() string { return r.prefix }

// Register adds a handler with a one-line help text and optional aliases.
// It panics on a duplicate name.
func (r *Router) Register(name, help string, h Handler, aliases ...string) {
	if _, dup := r.handlers[name]; dup {
		panic("commands: duplicate command " + name)
	}
	r.handlers[name] = entry{handler: h, help: help}
	for _, a := range aliases {
		r.aliases[a] = name
	}
}

// IsCommand reports whether text starts with the prefix.
func (r *Router) IsCommand(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), r.prefix)
}

// Parse parses text into a command.
func (r *Router) Parse(text string) (*Command, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, r.prefix) {
		return nil, ErrNotACommand
	}
	text = strings.TrimSpace(strings.TrimPrefix(text, r.prefix))
	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	cmd := &Command{
		Name:    strings.ToLower(parts[0]),
		Args:    []string{},
		Flags:   make(map[string]string),
		RawText: text,
	}
	rest := parts[1:]
	for i := 0; i < len(rest); i++ {
		part := rest[i]
		switch {
		case strings.HasPrefix(part, "--") && len(part) > 2:
			name := strings.TrimPrefix(part, "--")
			if i+1 < len(rest) && !strings.HasPrefix(rest[i+1], "-") {
				cmd.Flags[name] = rest[i+1]
				i++
			} else {
				cmd.Flags[name] = "true"
			}
		case strings.HasPrefix(part, "-") && len(part) > 1:
			for _, c := range strings.ToLower(part[1:]) {
				cmd.Flags[string(c)] = "true"
			}
		default:
			cmd.Args = append(cmd.Args, part)
		}
	}
	cmd.Text = strings.Join(cmd.Args, " ")
	return cmd, nil
}

// Route parses text and runs its handler.
func (r *Router) Route(ctx context.Context, text string, req Request) (string, error) {
	cmd, err := r.Parse(text)
	if err != nil {
		return "", err
	}
	name := cmd.Name
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	e, ok := r.handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
	cmd.Name = name
	return e.handler(ctx, cmd, req)
}

// Help lists every command with its help text, sorted by name.
func (r *Router) Help() string {
	names := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		names = append(names, n)
	}
	sort.Strings(names)
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, n := range names {
		fmt.Fprintf(&b, "* `%s%s`: %s\n", r.prefix, n, r.handlers[n].help)
	}
	return strings.TrimRight(b.String(), "\n")
}

// HelpFor returns the help text of one command.
func (r *Router) HelpFor(name string) (string, bool) {
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	e, ok := r.handlers[name]
	return e.help, ok
}

// HasFlag reports whether the flag is present.
func (c *Command) HasFlag(name string) bool {
	_, ok := c.Flags[name]
	return ok
}

// Arg returns an argument by index.
func (c *Command) Arg(index int) (string, bool) {
	if index < 0 || index >= len(c.Args) {
		return "", false
	}
	return c.Args[index], true
}
