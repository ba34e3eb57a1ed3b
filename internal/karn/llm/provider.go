// Package llm defines the message model Karn builds context windows from and
// the Provider interface every model backend implements.
//
// One request shape serves all backends. Backends that cannot call tools
// report SupportsTools() == false and the orchestrator never offers them any.
package llm

import (
	"context"
	"errors"
	"strings"
)

// Role is the speaker of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleDeveloper Role = "developer"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// IsInstruction reports whether r primes the model rather than speaks in the
// conversation.
func (r Role) IsInstruction() bool { return r == RoleSystem || r == RoleDeveloper }

// BlockType identifies a typed content block.
type BlockType string

const (
	BlockInputText  BlockType = "input_text"
	BlockOutputText BlockType = "output_text"
	BlockInputImage BlockType = "input_image"
)

// Block is one part of a multi-part message.
type Block struct {
	Type     BlockType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL string    `json:"image_url,omitempty"`
}

// Message is one turn of a conversation. Either Content or Blocks carries the
// payload. ID is set only for messages read from the conversation store.
type Message struct {
	ID         int64      `json:"-"`
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	Blocks     []Block    `json:"blocks,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// Text flattens the message's textual payload. Image blocks are skipped.
func (m Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	parts := make([]string, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		if b.Type != BlockInputImage && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Images returns the image URLs referenced by the message.
func (m Message) Images() []string {
	var urls []string
	for _, b := range m.Blocks {
		if b.Type == BlockInputImage && b.ImageURL != "" {
			urls = append(urls, b.ImageURL)
		}
	}
	return urls
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a function the model may call. Parameters is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Request is the input to one model call.
type Request struct {
	Model           string
	Messages        []Message
	Tools           []ToolDefinition
	MaxOutputTokens int
	// PreviousResponseID links a follow-up to an earlier response. Messages
	// still holds the whole conversation; backends that keep state
	// server-side send only what follows the last tool-calling turn.
	PreviousResponseID string
	ReasoningEffort    string
}

// Response is the output of one model call.
type Response struct {
	ID        string
	Text      string
	ToolCalls []ToolCall
	Usage     TokenUsage
}

// TokenUsage reports token consumption as returned by the backend.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// afterLastToolCall returns the messages that follow the last assistant
// message carrying tool calls, or msgs unchanged when there is none.
func afterLastToolCall(msgs []Message) []Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			return msgs[i+1:]
		}
	}
	return msgs
}

// ErrEmptyResponse is returned when a backend answers with no choices.
var ErrEmptyResponse = errors.New("llm: empty response")

// Provider is implemented by every model backend.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	SupportsTools() bool
}
