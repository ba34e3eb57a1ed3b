package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/observability"
)

const defaultScryfallBase = "https://api.scryfall.com"

// CardTool looks up a Magic: the Gathering card on Scryfall and posts its
// image into the room.
type CardTool struct {
	base   string
	client *http.Client
	poster Poster
}

// NewCardTool returns a CardTool posting through poster.
func NewCardTool(base string, client *http.Client, poster Poster) *CardTool {
	if base == "" {
		base = defaultScryfallBase
	}
	return &CardTool{base: strings.TrimRight(base, "/"), client: newHTTPClient(client), poster: poster}
}

func (t *CardTool) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "card",
		Description: "Sends the image of a Magic: the Gathering card to the chat",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name": map[string]any{
					"type":        "string",
					"description": "Name of the card. Partial or misspelled names are accepted.",
				},
			},
			"required":             []string{"name"},
			"additionalProperties": false,
		},
	}
}

type scryfallCard struct {
	Name      string            `json:"name"`
	ScryURI   string            `json:"scryfall_uri"`
	ImageURIs map[string]string `json:"image_uris"`
	CardFaces []struct {
		Name      string            `json:"name"`
		ImageURIs map[string]string `json:"image_uris"`
	} `json:"card_faces"`
}

type scryfallError struct {
	Code    string `json:"code"`
	Type    string `json:"type"`
	Details string `json:"details"`
}

type scryfallList struct {
	Data []scryfallCard `json:"data"`
}

func (t *CardTool) Execute(ctx context.Context, room string, args map[string]any) (Result, error) {
	name, _ := stringArg(args, "name")
	name = strings.TrimSpace(name)
	if name == "" {
		return Result{}, errors.New("name is required")
	}

	card, err := t.lookup(ctx, name)
	if err != nil {
		var se *scryfallError
		if errors.As(err, &se) {
			// Scryfall explains misses well enough to show as-is.
			if perr := t.poster.PostText(ctx, room, se.Details); perr != nil {
				return Result{}, fmt.Errorf("post card error: %w", perr)
			}
			return Done(), nil
		}
		return Result{}, err
	}

	images := cardImages(card)
	if len(images) == 0 {
		return Result{}, fmt.Errorf("card %q has no image", card.Name)
	}
	for i, u := range images {
		img := Image{URL: u, Name: fmt.Sprintf("%s-%d.png", slug(card.Name), i), MimeType: "image/png", Caption: card.Name}
		if err := t.poster.PostImage(ctx, room, img); err != nil {
			return Result{}, fmt.Errorf("post card image: %w", err)
		}
	}
	observability.WithTrace(ctx).Debug("card posted", "card", card.Name, "images", len(images))
	return Done(), nil
}

func (e *scryfallError) Error() string { return "scryfall: " + e.Details }

// lookup resolves name fuzzily and falls back to a search when the name is
// ambiguous.
func (t *CardTool) lookup(ctx context.Context, name string) (scryfallCard, error) {
	var card scryfallCard
	err := getJSON(ctx, t.client, t.base+"/cards/named?fuzzy="+url.QueryEscape(name), &card)
	if err == nil {
		return card, nil
	}
	apiErr, ok := asScryfallError(err)
	if !ok {
		return card, fmt.Errorf("card lookup: %w", err)
	}
	if apiErr.Type != "ambiguous" {
		return card, apiErr
	}

	var list scryfallList
	if err := getJSON(ctx, t.client, t.base+"/cards/search?q="+url.QueryEscape(name), &list); err != nil {
		if apiErr, ok := asScryfallError(err); ok {
			return card, apiErr
		}
		return card, fmt.Errorf("card search: %w", err)
	}
	if len(list.Data) == 0 {
		return card, apiErr
	}
	return list.Data[0], nil
}

func asScryfallError(err error) (*scryfallError, bool) {
	var se *httpStatusError
	if !errors.As(err, &se) {
		return nil, false
	}
	var apiErr scryfallError
	if jerr := decodeBody(se.Body, &apiErr); jerr != nil || apiErr.Details == "" {
		return nil, false
	}
	return &apiErr, true
}

func cardImages(c scryfallCard) []string {
	if u := c.ImageURIs["png"]; u != "" {
		return []string{u}
	}
	var out []string
	for _, f := range c.CardFaces {
		if u := f.ImageURIs["png"]; u != "" {
			out = append(out, u)
		}
	}
	return out
}

func slug(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, s)
}
