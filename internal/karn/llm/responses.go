package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
)

// ResponsesConfig configures the Responses API adapter.
type ResponsesConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// responsesProvider implements Provider over the OpenAI Responses API. It is
// the tool-capable request shape: function tools, function_call_output items
// and previous_response_id linkage.
type responsesProvider struct {
	client openai.Client
	model  string
}

// NewResponses returns a tool-capable Provider backed by openai-go.
func NewResponses(cfg ResponsesConfig) Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		// Backend failures surface to the user once; no hidden retries.
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &responsesProvider{client: openai.NewClient(opts...), model: cfg.Model}
}

func (p *responsesProvider) SupportsTools() bool { return true }

// Complete sends one Responses API request.
func (p *responsesProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	msgs := req.Messages
	if req.PreviousResponseID != "" {
		msgs = afterLastToolCall(msgs)
	}
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(model),
		Input: responses.ResponseNewParamsInputUnion{OfInputItemList: toResponsesInput(msgs)},
	}
	if req.MaxOutputTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if req.PreviousResponseID != "" {
		params.PreviousResponseID = openai.String(req.PreviousResponseID)
	}
	if req.ReasoningEffort != "" {
		params.Reasoning = shared.ReasoningParam{Effort: shared.ReasoningEffort(req.ReasoningEffort)}
	}
	for _, t := range req.Tools {
		tool := responses.ToolParamOfFunction(t.Name, t.Parameters, false)
		if t.Description != "" {
			tool.OfFunction.Description = openai.String(t.Description)
		}
		params.Tools = append(params.Tools, tool)
	}

	resp, err := p.client.Responses.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("responses request: %w", err)
	}

	out := &Response{
		ID:   resp.ID,
		Text: resp.OutputText(),
		Usage: TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
	}
	for _, item := range resp.Output {
		if item.Type != "function_call" {
			continue
		}
		fc := item.AsFunctionCall()
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: fc.CallID, Name: fc.Name, Arguments: fc.Arguments})
	}
	return out, nil
}

// toResponsesInput converts the message model into Responses input items.
func toResponsesInput(msgs []Message) responses.ResponseInputParam {
	items := make(responses.ResponseInputParam, 0, len(msgs))
	for _, m := range msgs {
		switch {
		case m.Role == RoleTool:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Content))
		case m.Role == RoleAssistant:
			if text := m.Text(); text != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(text, responses.EasyInputMessageRoleAssistant))
			}
			for _, tc := range m.ToolCalls {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(tc.Arguments, tc.ID, tc.Name))
			}
		case len(m.Blocks) > 0:
			items = append(items, responses.ResponseInputItemParamOfMessage(toInputContent(m.Blocks), easyRole(m.Role)))
		default:
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, easyRole(m.Role)))
		}
	}
	return items
}

func toInputContent(blocks []Block) responses.ResponseInputMessageContentListParam {
	content := make(responses.ResponseInputMessageContentListParam, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == BlockInputImage {
			img := responses.ResponseInputContentParamOfInputImage(responses.ResponseInputImageDetailAuto)
			img.OfInputImage.ImageURL = openai.String(b.ImageURL)
			content = append(content, img)
			continue
		}
		content = append(content, responses.ResponseInputContentParamOfInputText(b.Text))
	}
	return content
}

func easyRole(r Role) responses.EasyInputMessageRole {
	switch r {
	case RoleSystem:
		return responses.EasyInputMessageRoleSystem
	case RoleDeveloper:
		return responses.EasyInputMessageRoleDeveloper
	case RoleAssistant:
		return responses.EasyInputMessageRoleAssistant
	default:
		return responses.EasyInputMessageRoleUser
	}
}
