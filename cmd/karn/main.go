// Karn is a Matrix chat bot that answers when addressed and now and then
// joins a conversation on its own.
//
// Configuration comes from environment variables, optionally seeded from a
// .env file (--env-file).
//
// Required environment variables:
//
//	MATRIX_HOMESERVER     - Matrix homeserver URL
//	MATRIX_USER_ID        - the bot's Matrix ID (e.g. "@karn:example.org")
//	MATRIX_ACCESS_TOKEN   - the bot's access token
//
// Optional environment variables:
//
//	MATRIX_ROOMS          - comma-separated rooms to join at start
//	KARN_DB_PATH          - SQLite database (default: /data/karn.db)
//	KARN_FILE_ROOT        - phrase and seed file root (default: /data/files)
//	KARN_PERSONA_FILE     - persona YAML; the built-in persona is used without it
//	KARN_HTTP_ADDR        - health server address (default ":8080", "off" disables)
//	KARN_HISTORY_MODE     - "live" (default) or "stored"
//	LLM_PROVIDER          - "responses" (default), "chat", "ollama" or "anthropic"
//	LLM_API_KEY           - API key for the LLM provider
//	LLM_BASE_URL          - override the LLM API base URL
//	LLM_MODEL             - override the persona's model
//	LLM_TIMEOUT           - per-request timeout (default: 120s)
//	WEATHER_BASE_URL      - wttr.in compatible endpoint
//	SCRYFALL_BASE_URL     - Scryfall API endpoint
//	IMAGE_SEARCH_URL      - Custom Search endpoint
//	IMAGE_SEARCH_KEY      - Custom Search API key
//	IMAGE_SEARCH_CX       - Custom Search engine ID
//	IMAGE_API_KEY         - image generation key (default: LLM_API_KEY for OpenAI)
//	IMAGE_BASE_URL        - image generation base URL
//	LOG_LEVEL             - "debug", "info", "warn", "error" (default: "info")
//	LOG_FORMAT            - "text" or "json" (default: "text")
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bdobrica/karn/common/environment"
	"github.com/bdobrica/karn/common/version"
	"github.com/bdobrica/karn/internal/karn/app"
	"github.com/bdobrica/karn/internal/karn/matrix"
	"github.com/bdobrica/karn/internal/karn/tools"
	"github.com/bdobrica/karn/internal/karn/window"
)

func main() {
	if err := run(); err != nil {
		slog.Error("karn exited with error", "err", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		envFile     string
		personaFile string
		showVersion bool
	)
	flags := pflag.NewFlagSet("karn", pflag.ContinueOnError)
	flags.StringVar(&envFile, "env-file", ".env", "load environment variables from this file")
	flags.StringVar(&personaFile, "persona", "", "persona YAML file (overrides KARN_PERSONA_FILE)")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version.Info())
		return nil
	}

	if err := environment.LoadDotEnv(envFile); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if personaFile != "" {
		cfg.PersonaFile = personaFile
	}

	karn, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("initialise karn: %w", err)
	}
	return karn.Run()
}

func loadConfig() (*app.Config, error) {
	homeserver, err := environment.RequiredString("MATRIX_HOMESERVER")
	if err != nil {
		return nil, err
	}
	userID, err := environment.RequiredString("MATRIX_USER_ID")
	if err != nil {
		return nil, err
	}
	token, err := environment.RequiredString("MATRIX_ACCESS_TOKEN")
	if err != nil {
		return nil, err
	}
	mode, err := window.ParseSource(environment.StringOr("KARN_HISTORY_MODE", "live"))
	if err != nil {
		return nil, err
	}

	addr := environment.StringOr("KARN_HTTP_ADDR", ":8080")
	if addr == "off" {
		addr = ""
	}

	return &app.Config{
		DatabasePath: environment.StringOr("KARN_DB_PATH", "/data/karn.db"),
		FileRoot:     environment.StringOr("KARN_FILE_ROOT", "/data/files"),
		PersonaFile:  environment.StringOr("KARN_PERSONA_FILE", ""),
		HTTPAddr:     addr,
		HistoryMode:  mode,
		LogLevel:     environment.StringOr("LOG_LEVEL", "info"),
		LogFormat:    environment.StringOr("LOG_FORMAT", "text"),
		Matrix: matrix.Config{
			Homeserver:  homeserver,
			UserID:      userID,
			AccessToken: token,
			Rooms:       environment.StringSliceOr("MATRIX_ROOMS", nil),
		},
		LLM: app.LLMConfig{
			Provider: environment.StringOr("LLM_PROVIDER", "responses"),
			APIKey:   environment.StringOr("LLM_API_KEY", ""),
			BaseURL:  environment.StringOr("LLM_BASE_URL", ""),
			Model:    environment.StringOr("LLM_MODEL", ""),
			Timeout:  environment.DurationOr("LLM_TIMEOUT", 120*time.Second),
		},
		Tools: app.ToolsConfig{
			WeatherURL:  environment.StringOr("WEATHER_BASE_URL", ""),
			ScryfallURL: environment.StringOr("SCRYFALL_BASE_URL", ""),
			ImageSearch: tools.ImageSearchConfig{
				BaseURL: environment.StringOr("IMAGE_SEARCH_URL", ""),
				APIKey:  environment.StringOr("IMAGE_SEARCH_KEY", ""),
				CX:      environment.StringOr("IMAGE_SEARCH_CX", ""),
			},
			ImageAPIKey:  environment.StringOr("IMAGE_API_KEY", ""),
			ImageBaseURL: environment.StringOr("IMAGE_BASE_URL", ""),
		},
	}, nil
}
