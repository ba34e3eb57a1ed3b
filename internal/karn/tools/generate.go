package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/observability"
)

// GenerateFailedMessage is posted when the image backend refuses or fails.
const GenerateFailedMessage = "Unable to generate that image. Try modifying your prompt."

// GenerateConfig configures the image generation backend.
type GenerateConfig struct {
	APIKey  string
	BaseURL string
	// Model defaults to dall-e-3.
	Model   string
	Timeout time.Duration
}

// GenerateTool creates an image from a prompt and posts it.
type GenerateTool struct {
	client openai.Client
	model  string
	poster Poster
}

// NewGenerateTool returns a GenerateTool posting through poster.
func NewGenerateTool(cfg GenerateConfig, poster Poster) *GenerateTool {
	if cfg.Model == "" {
		cfg.Model = string(openai.ImageModelDallE3)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Minute
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(1),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &GenerateTool{client: openai.NewClient(opts...), model: cfg.Model, poster: poster}
}

func (t *GenerateTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "generate",
		Description: "Generates an image from a text description and sends it to the chat",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "A detailed description of the image to generate",
				},
			},
			"required":             []string{"prompt"},
			"additionalProperties": false,
		},
	}
}

func (t *GenerateTool) Execute(ctx context.Context, room string, args map[string]any) (Result, error) {
	prompt, _ := stringArg(args, "prompt")
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Result{}, errors.New("prompt is required")
	}

	params := openai.ImageGenerateParams{
		Prompt: prompt,
		Model:  openai.ImageModel(t.model),
		N:      openai.Int(1),
	}
	// gpt-image models always answer with base64 and reject response_format.
	if strings.HasPrefix(t.model, "dall-e") {
		params.ResponseFormat = openai.ImageGenerateParamsResponseFormatURL
	}

	resp, err := t.client.Images.Generate(ctx, params)
	if err != nil || resp == nil || len(resp.Data) == 0 {
		observability.WithTrace(ctx).Warn("image generation failed", "model", t.model, "err", err)
		if perr := t.poster.PostText(ctx, room, GenerateFailedMessage); perr != nil {
			return Result{}, fmt.Errorf("post generate failure: %w", perr)
		}
		return Done(), nil
	}

	for i, d := range resp.Data {
		img := Image{URL: d.URL, Name: fmt.Sprintf("generated-%d.png", i), MimeType: "image/png"}
		if img.URL == "" {
			data, err := base64.StdEncoding.DecodeString(d.B64JSON)
			if err != nil {
				return Result{}, fmt.Errorf("decode generated image: %w", err)
			}
			img.Data = data
		}
		if err := t.poster.PostImage(ctx, room, img); err != nil {
			return Result{}, fmt.Errorf("post generated image: %w", err)
		}
	}
	return Done(), nil
}
