package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
)

const defaultOllamaBase = "http://localhost:11434"

// OllamaConfig configures the local Ollama backend.
type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// ollamaProvider is a text-only chat backend. Image blocks are dropped since
// Ollama expects inline image bytes rather than URLs.
type ollamaProvider struct {
	client *api.Client
	model  string
}

// NewOllama returns a Provider backed by an Ollama server.
func NewOllama(cfg OllamaConfig) (Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultOllamaBase
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	return &ollamaProvider{
		client: api.NewClient(base, &http.Client{Timeout: cfg.Timeout}),
		model:  cfg.Model,
	}, nil
}

func (p *ollamaProvider) SupportsTools() bool { return false }

func (p *ollamaProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleTool {
			continue
		}
		role := string(m.Role)
		if m.Role == RoleDeveloper {
			role = string(RoleSystem)
		}
		msgs = append(msgs, api.Message{Role: role, Content: m.Text()})
	}

	stream := false
	chatReq := &api.ChatRequest{
		Model:    model,
		Messages: msgs,
		Stream:   &stream,
	}
	if req.MaxOutputTokens > 0 {
		chatReq.Options = map[string]any{"num_predict": req.MaxOutputTokens}
	}

	var (
		text strings.Builder
		out  Response
	)
	err := p.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
		text.WriteString(resp.Message.Content)
		if resp.Done {
			out.Usage = TokenUsage{
				InputTokens:  resp.PromptEvalCount,
				OutputTokens: resp.EvalCount,
				TotalTokens:  resp.PromptEvalCount + resp.EvalCount,
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat: %w", err)
	}
	out.Text = text.String()
	return &out, nil
}
