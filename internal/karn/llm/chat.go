package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// ChatConfig configures the chat-completions adapter.
type ChatConfig struct {
	APIKey string
	// BaseURL defaults to https://api.openai.com/v1. Any server speaking the
	// chat-completions protocol works.
	BaseURL string
	// Model is used when Request.Model is empty.
	Model   string
	Timeout time.Duration
}

// chatProvider implements Provider over POST /chat/completions. It is the
// simple request shape: no tools, no response linkage.
type chatProvider struct {
	cfg    ChatConfig
	client *http.Client
}

// NewChat returns a Provider speaking the chat-completions protocol.
func NewChat(cfg ChatConfig) Provider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOpenAIBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &chatProvider{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}
}

func (p *chatProvider) SupportsTools() bool { return false }

// --- wire types ---

type chatRequest struct {
	Model               string        `json:"model"`
	Messages            []chatMessage `json:"messages"`
	MaxCompletionTokens int           `json:"max_completion_tokens,omitempty"`
	ReasoningEffort     string        `json:"reasoning_effort,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []chatPart
}

type chatPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *chatImageURL `json:"image_url,omitempty"`
}

type chatImageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role    string  `json:"role"`
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// toChatMessage maps typed blocks onto chat content parts. Assistant turns are
// flattened to plain text; the protocol rejects image parts on them.
func toChatMessage(m Message) chatMessage {
	cm := chatMessage{Role: string(m.Role)}
	if len(m.Blocks) == 0 || m.Role == RoleAssistant {
		cm.Content = m.Text()
		return cm
	}
	parts := make([]chatPart, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		switch b.Type {
		case BlockInputImage:
			parts = append(parts, chatPart{Type: "image_url", ImageURL: &chatImageURL{URL: b.ImageURL}})
		default:
			parts = append(parts, chatPart{Type: "text", Text: b.Text})
		}
	}
	cm.Content = parts
	return cm
}

// Complete sends a chat completion request.
func (p *chatProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	body := chatRequest{
		Model:               model,
		Messages:            make([]chatMessage, 0, len(req.Messages)),
		MaxCompletionTokens: req.MaxOutputTokens,
		ReasoningEffort:     req.ReasoningEffort,
	}
	for _, m := range req.Messages {
		if m.Role == RoleTool {
			continue
		}
		body.Messages = append(body.Messages, toChatMessage(m))
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var cr chatResponse
	if err := json.Unmarshal(respBody, &cr); err != nil {
		return nil, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if cr.Error != nil {
		return nil, fmt.Errorf("chat error %s: %s", cr.Error.Type, cr.Error.Message)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("chat request failed with status %d", resp.StatusCode)
	}
	if len(cr.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	out := &Response{
		ID: cr.ID,
		Usage: TokenUsage{
			InputTokens:  cr.Usage.PromptTokens,
			OutputTokens: cr.Usage.CompletionTokens,
			TotalTokens:  cr.Usage.TotalTokens,
		},
	}
	if c := cr.Choices[0].Message.Content; c != nil {
		out.Text = *c
	}
	return out, nil
}
