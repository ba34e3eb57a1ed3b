package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/bdobrica/karn/internal/karn/llm"
)

const defaultImageSearchBase = "https://www.googleapis.com/customsearch/v1"

// ImageSearchConfig configures the Google Custom Search backend.
type ImageSearchConfig struct {
	BaseURL string
	APIKey  string
	CX      string
}

// ImageSearchTool finds images on the web and posts them into the room.
type ImageSearchTool struct {
	cfg    ImageSearchConfig
	client *http.Client
	poster Poster
}

// NewImageSearchTool returns an ImageSearchTool posting through poster.
func NewImageSearchTool(cfg ImageSearchConfig, client *http.Client, poster Poster) *ImageSearchTool {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultImageSearchBase
	}
	return &ImageSearchTool{cfg: cfg, client: newHTTPClient(client), poster: poster}
}

func (t *ImageSearchTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "image",
		Description: "Searches the web for images matching a query and sends them to the chat",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "What to search for",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "How many images to send. Defaults to 1.",
					"minimum":     1,
					"maximum":     10,
				},
			},
			"required":             []string{"query"},
			"additionalProperties": false,
		},
	}
}

type searchResponse struct {
	Items []struct {
		Link  string `json:"link"`
		Title string `json:"title"`
		Mime  string `json:"mime"`
	} `json:"items"`
}

func (t *ImageSearchTool) Execute(ctx context.Context, room string, args map[string]any) (Result, error) {
	query, _ := stringArg(args, "query")
	query = strings.TrimSpace(query)
	if query == "" {
		return Result{}, errors.New("query is required")
	}
	count := intArg(args, "count", 1)
	if count < 1 {
		count = 1
	}
	if count > 10 {
		count = 10
	}

	q := url.Values{}
	q.Set("key", t.cfg.APIKey)
	q.Set("cx", t.cfg.CX)
	q.Set("q", query)
	q.Set("searchType", "image")
	q.Set("num", strconv.Itoa(count))

	var res searchResponse
	if err := getJSON(ctx, t.client, t.cfg.BaseURL+"?"+q.Encode(), &res); err != nil {
		return Result{}, fmt.Errorf("image search: %w", err)
	}
	if len(res.Items) == 0 {
		if err := t.poster.PostText(ctx, room, "No images found."); err != nil {
			return Result{}, fmt.Errorf("post image search: %w", err)
		}
		return Done(), nil
	}
	if len(res.Items) > count {
		res.Items = res.Items[:count]
	}
	for _, item := range res.Items {
		img := Image{URL: item.Link, MimeType: item.Mime, Caption: item.Title}
		if err := t.poster.PostImage(ctx, room, img); err != nil {
			return Result{}, fmt.Errorf("post image: %w", err)
		}
	}
	return Done(), nil
}
