package app

import (
	"time"

	"github.com/bdobrica/karn/internal/karn/matrix"
	"github.com/bdobrica/karn/internal/karn/tools"
	"github.com/bdobrica/karn/internal/karn/window"
)

// Config holds all runtime configuration for Karn.
type Config struct {
	DatabasePath string
	// FileRoot holds {scope}/{name}.txt phrase and seed files.
	FileRoot string
	// PersonaFile is optional; the built-in persona is used without it.
	PersonaFile string
	// HTTPAddr is the health server address. Empty disables it.
	HTTPAddr    string
	HistoryMode window.Source
	LogLevel    string
	LogFormat   string
	Matrix      matrix.Config
	LLM         LLMConfig
	Tools       ToolsConfig
}

// LLMConfig selects the model backend.
type LLMConfig struct {
	// Provider is "responses" (default), "chat", "ollama" or "anthropic".
	Provider string
	APIKey   string
	BaseURL  string
	// Model overrides the persona's model when set.
	Model   string
	Timeout time.Duration
}

// ToolsConfig holds the endpoints of the built-in tools.
type ToolsConfig struct {
	WeatherURL  string
	ScryfallURL string
	ImageSearch tools.ImageSearchConfig
	// ImageAPIKey enables the generate tool. It defaults to the LLM key for
	// OpenAI backends.
	ImageAPIKey  string
	ImageBaseURL string
}
