package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/bdobrica/karn/internal/karn/llm"
)

const wttrFixture = `{
  "current_condition": [{"temp_C": "4", "temp_F": "39", "FeelsLikeC": "1", "FeelsLikeF": "34",
    "humidity": "81", "windspeedKmph": "13", "windspeedMiles": "8", "visibility": "10",
    "pressureInches": "30", "weatherDesc": [{"value": "Light rain"}]}],
  "nearest_area": [{"areaName": [{"value": "Oslo"}], "region": [{"value": ""}], "country": [{"value": "Norway"}]}],
  "weather": [{"date": "2026-10-17", "maxtempC": "6", "maxtempF": "43", "mintempC": "2", "mintempF": "36"}]
}`

func TestWeatherTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/New York" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("format") != "j1" {
			t.Errorf("format = %q", r.URL.Query().Get("format"))
		}
		fmt.Fprint(w, wttrFixture)
	}))
	defer srv.Close()

	res, err := NewWeatherTool(srv.URL, srv.Client()).Execute(context.Background(), "!r", map[string]any{"location": "New York"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Done {
		t.Fatal("weather must return a substantive result")
	}
	var fc Forecast
	if err := json.Unmarshal([]byte(res.Output), &fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.Location != "Oslo, Norway" {
		t.Errorf("location = %q", fc.Location)
	}
	if fc.Current == nil || fc.Current.Description != "Light rain" || fc.Current.TempC != "4" {
		t.Errorf("current = %+v", fc.Current)
	}
	if len(fc.Days) != 1 || fc.Days[0].MaxC != "6" {
		t.Errorf("days = %+v", fc.Days)
	}
}

func TestWeatherTool_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown location", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewWeatherTool(srv.URL, srv.Client()).Execute(context.Background(), "!r", map[string]any{"location": "Atlantis"})
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Errorf("err = %v", err)
	}
}

func TestCardTool_Named(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cards/named" || r.URL.Query().Get("fuzzy") != "lightning bolt" {
			t.Errorf("unexpected request %s", r.URL)
		}
		fmt.Fprint(w, `{"name":"Lightning Bolt","image_uris":{"png":"https://img/bolt.png"}}`)
	}))
	defer srv.Close()
	poster := &recordingPoster{}

	res, err := NewCardTool(srv.URL, srv.Client(), poster).Execute(context.Background(), "!r", map[string]any{"name": "lightning bolt"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Done {
		t.Error("card must return the sentinel")
	}
	if len(poster.images) != 1 || poster.images[0].URL != "https://img/bolt.png" {
		t.Errorf("images = %+v", poster.images)
	}
}

func TestCardTool_AmbiguousFallsBackToSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/cards/named":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"object":"error","code":"not_found","type":"ambiguous","details":"Too many cards match ambiguous name"}`)
		case "/cards/search":
			fmt.Fprint(w, `{"data":[{"name":"Delver of Secrets","card_faces":[
				{"name":"Delver of Secrets","image_uris":{"png":"https://img/front.png"}},
				{"name":"Insectile Aberration","image_uris":{"png":"https://img/back.png"}}]}]}`)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer srv.Close()
	poster := &recordingPoster{}

	if _, err := NewCardTool(srv.URL, srv.Client(), poster).Execute(context.Background(), "!r", map[string]any{"name": "delver"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(poster.images) != 2 || poster.images[1].URL != "https://img/back.png" {
		t.Errorf("images = %+v", poster.images)
	}
}

func TestCardTool_NotFoundPostsDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"object":"error","code":"not_found","details":"No cards found matching “zzz”"}`)
	}))
	defer srv.Close()
	poster := &recordingPoster{}

	res, err := NewCardTool(srv.URL, srv.Client(), poster).Execute(context.Background(), "!r", map[string]any{"name": "zzz"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Done {
		t.Error("not found must still return the sentinel")
	}
	if len(poster.texts) != 1 || !strings.HasPrefix(poster.texts[0], "No cards found") {
		t.Errorf("texts = %v", poster.texts)
	}
}

func TestImageSearchTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("key") != "k" || q.Get("cx") != "cx" || q.Get("searchType") != "image" || q.Get("num") != "2" {
			t.Errorf("query = %v", q)
		}
		fmt.Fprint(w, `{"items":[{"link":"https://a/1.jpg","mime":"image/jpeg"},{"link":"https://a/2.jpg"},{"link":"https://a/3.jpg"}]}`)
	}))
	defer srv.Close()
	poster := &recordingPoster{}
	tool := NewImageSearchTool(ImageSearchConfig{BaseURL: srv.URL, APIKey: "k", CX: "cx"}, srv.Client(), poster)

	res, err := tool.Execute(context.Background(), "!r", map[string]any{"query": "cats", "count": float64(2)})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Done || len(poster.images) != 2 {
		t.Errorf("res = %+v images = %d", res, len(poster.images))
	}
}

func TestImageSearchTool_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()
	poster := &recordingPoster{}
	tool := NewImageSearchTool(ImageSearchConfig{BaseURL: srv.URL}, srv.Client(), poster)

	if _, err := tool.Execute(context.Background(), "!r", map[string]any{"query": "nothing"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(poster.texts) != 1 || poster.texts[0] != "No images found." {
		t.Errorf("texts = %v", poster.texts)
	}
}

func TestGenerateTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/images/generations") {
			t.Errorf("path = %q", r.URL.Path)
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["prompt"] != "a red fox" || body["response_format"] != "url" {
			t.Errorf("body = %v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"created":1,"data":[{"url":"https://img/fox.png"}]}`)
	}))
	defer srv.Close()
	poster := &recordingPoster{}
	tool := NewGenerateTool(GenerateConfig{APIKey: "sk", BaseURL: srv.URL}, poster)

	res, err := tool.Execute(context.Background(), "!r", map[string]any{"prompt": "a red fox"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Done || len(poster.images) != 1 || poster.images[0].URL != "https://img/fox.png" {
		t.Errorf("res = %+v images = %+v", res, poster.images)
	}
}

func TestGenerateTool_FailurePostsMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"rejected by safety system","type":"invalid_request_error"}}`)
	}))
	defer srv.Close()
	poster := &recordingPoster{}

	res, err := NewGenerateTool(GenerateConfig{APIKey: "sk", BaseURL: srv.URL}, poster).
		Execute(context.Background(), "!r", map[string]any{"prompt": "something"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Done || len(poster.texts) != 1 || poster.texts[0] != GenerateFailedMessage {
		t.Errorf("res = %+v texts = %v", res, poster.texts)
	}
}

func TestMCPSource(t *testing.T) {
	s := server.NewMCPServer("demo", "1.0.0", server.WithToolCapabilities(false))
	s.AddTool(mcp.NewTool("shout",
		mcp.WithDescription("Upper-cases text"),
		mcp.WithString("text", mcp.Required()),
	), func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(strings.ToUpper(text)), nil
	})

	c, err := client.NewInProcessClient(s)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	src, err := NewMCPSource(ctx, "demo", c)
	if err != nil {
		t.Fatalf("NewMCPSource: %v", err)
	}
	defer src.Close()

	r := NewRegistry()
	if n := src.RegisterAll(ctx, r); n != 1 {
		t.Fatalf("registered %d tools, want 1", n)
	}
	def := r.Definitions()[0]
	if def.Name != "demo__shout" || def.Description != "Upper-cases text" {
		t.Errorf("definition = %+v", def)
	}

	res, err := r.Execute(ctx, "!r", llm.ToolCall{Name: "demo__shout", Arguments: `{"text":"hi"}`})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Output != "HI" || res.Done {
		t.Errorf("got %+v", res)
	}
}
