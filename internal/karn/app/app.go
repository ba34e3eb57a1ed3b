// Package app wires Karn together: the Matrix client, the store, the model
// backend, the tool registry and the per-turn pipeline that decides, builds a
// context window, asks the model and posts the cleaned reply.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/bdobrica/karn/common/redact"
	"github.com/bdobrica/karn/common/version"
	"github.com/bdobrica/karn/internal/karn/chance"
	"github.com/bdobrica/karn/internal/karn/commands"
	"github.com/bdobrica/karn/internal/karn/llm"
	"github.com/bdobrica/karn/internal/karn/matrix"
	"github.com/bdobrica/karn/internal/karn/observability"
	"github.com/bdobrica/karn/internal/karn/persona"
	"github.com/bdobrica/karn/internal/karn/phrases"
	"github.com/bdobrica/karn/internal/karn/reply"
	"github.com/bdobrica/karn/internal/karn/store"
	"github.com/bdobrica/karn/internal/karn/tokens"
	"github.com/bdobrica/karn/internal/karn/tools"
	"github.com/bdobrica/karn/internal/karn/window"
)

// roomClient is the part of the Matrix client a turn needs.
type roomClient interface {
	tools.Poster
	PostNotice(ctx context.Context, roomID, text string) error
	SetTyping(ctx context.Context, roomID string, typing bool)
}

// App is the Karn application.
type App struct {
	cfg      *Config
	db       *store.Store
	personas *persona.Loader
	mx       *matrix.Client
	room     roomClient
	history  window.HistorySource
	provider llm.Provider
	// chat serves "$prompt -c"; nil when the primary backend already is one.
	chat     llm.Provider
	registry *tools.Registry
	builtins map[string]tools.Tool
	mcps     []*tools.MCPSource
	phrases  *phrases.Cache
	locks    *keyedMutex
	health   *HealthServer

	// tokenizer overrides the persona's encoding when set.
	tokenizer tokens.Tokenizer

	rtMu sync.RWMutex
	rt   *runtime
}

// runtime holds everything derived from the persona. It is rebuilt on
// reload.
type runtime struct {
	persona *persona.Persona
	est     *tokens.Estimator
	builder *window.Builder
	orch    *tools.Orchestrator
	chat    *tools.Orchestrator
	reply   *reply.Processor
	policy  *chance.Policy
	router  *commands.Router
}

// parts are the collaborators assemble wires together.
type parts struct {
	cfg       *Config
	db        *store.Store
	personas  *persona.Loader
	room      roomClient
	history   window.HistorySource
	provider  llm.Provider
	chat      llm.Provider
	builtins  []tools.Tool
	tokenizer tokens.Tokenizer
}

// New creates and initialises all subsystems. It does not start any
// goroutines; call Run for that.
func New(cfg *Config) (*App, error) {
	observability.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	personas := persona.NewLoader()
	if cfg.PersonaFile != "" {
		if err := personas.LoadFile(cfg.PersonaFile); err != nil {
			db.Close()
			return nil, fmt.Errorf("load persona: %w", err)
		}
	}

	mxCfg := cfg.Matrix
	mxCfg.DB = db.DB()
	mx, err := matrix.New(mxCfg)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init matrix: %w", err)
	}

	provider, chat, err := buildProviders(cfg.LLM)
	if err != nil {
		db.Close()
		return nil, err
	}

	a, err := assemble(parts{
		cfg:      cfg,
		db:       db,
		personas: personas,
		room:     mx,
		history:  mx,
		provider: provider,
		chat:     chat,
		builtins: builtinTools(cfg, personas.Persona(), mx),
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	a.mx = mx
	if cfg.HTTPAddr != "" {
		a.health = NewHealthServer(cfg.HTTPAddr, a)
	}
	return a, nil
}

func assemble(p parts) (*App, error) {
	a := &App{
		cfg:      p.cfg,
		db:       p.db,
		personas: p.personas,
		room:     p.room,
		history:  p.history,
		provider: p.provider,
		chat:     p.chat,
		registry: tools.NewRegistry(),
		builtins: make(map[string]tools.Tool, len(p.builtins)),
		phrases:  phrases.NewCache(p.cfg.FileRoot),
		locks:    newKeyedMutex(),

		tokenizer: p.tokenizer,
	}
	for _, t := range p.builtins {
		a.builtins[t.Definition().Name] = t
	}
	if err := a.apply(p.personas.Persona()); err != nil {
		return nil, err
	}
	return a, nil
}

// buildProviders returns the primary backend and, for the Responses API,
// a chat-completions backend on the same account.
func buildProviders(cfg LLMConfig) (llm.Provider, llm.Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "responses", "openai":
		primary := llm.NewResponses(llm.ResponsesConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout})
		chat := llm.NewChat(llm.ChatConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout})
		return primary, chat, nil
	case "chat":
		return llm.NewChat(llm.ChatConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout}), nil, nil
	case "ollama":
		p, err := llm.NewOllama(llm.OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout})
		if err != nil {
			return nil, nil, fmt.Errorf("init ollama: %w", err)
		}
		return p, nil, nil
	case "anthropic":
		return llm.NewAnthropic(llm.AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown LLM_PROVIDER %q", cfg.Provider)
	}
}

// builtinTools returns the tools whose backends are configured. The persona
// decides later which of them are offered.
func builtinTools(cfg *Config, p *persona.Persona, poster tools.Poster) []tools.Tool {
	out := []tools.Tool{
		tools.NewWeatherTool(cfg.Tools.WeatherURL, nil),
		tools.NewCardTool(cfg.Tools.ScryfallURL, nil, poster),
	}
	if cfg.Tools.ImageSearch.APIKey != "" && cfg.Tools.ImageSearch.CX != "" {
		out = append(out, tools.NewImageSearchTool(cfg.Tools.ImageSearch, nil, poster))
	}
	key := cfg.Tools.ImageAPIKey
	if key == "" && isOpenAI(cfg.LLM.Provider) {
		key = cfg.LLM.APIKey
	}
	if key != "" {
		out = append(out, tools.NewGenerateTool(tools.GenerateConfig{
			APIKey:  key,
			BaseURL: cfg.Tools.ImageBaseURL,
			Model:   p.Model.ImageModel,
		}, poster))
	}
	return out
}

func isOpenAI(provider string) bool {
	switch strings.ToLower(provider) {
	case "", "responses", "openai", "chat":
		return true
	}
	return false
}

// apply rebuilds the runtime for p and syncs the tool registry with its
// tool list.
func (a *App) apply(p *persona.Persona) error {
	denylist, err := reply.CompileDenylist(p.Reply.Denylist)
	if err != nil {
		return err
	}
	if len(p.Reply.Denylist) == 0 {
		denylist, _ = reply.CompileDenylist(reply.DefaultDenylist)
	}

	for name, t := range a.builtins {
		a.registry.Remove(name)
		if p.HasTool(name) {
			if err := a.registry.Add(t); err != nil {
				return fmt.Errorf("register %s: %w", name, err)
			}
		}
	}

	model := p.Model.Name
	if a.cfg.LLM.Model != "" {
		model = a.cfg.LLM.Model
	}
	orchCfg := tools.OrchestratorConfig{
		Model:           model,
		MaxOutputTokens: p.Limits.MaxOutputTokens,
		ReasoningEffort: p.Model.ReasoningEffort,
	}

	tok := a.tokenizer
	if tok == nil {
		tok = tokens.NewTiktoken(p.Limits.Encoding)
	}
	est := tokens.NewEstimator(tok, p.Limits.TokensPerMessage, p.Limits.TokensPerReply)
	rt := &runtime{
		persona: p,
		est:     est,
		builder: window.NewBuilder(est, a.history, a.db, window.Config{
			MaxAge:       p.History.MaxAge,
			MaxHistory:   p.History.MaxMessages,
			MaxFileLines: p.History.MaxFileLines,
			EchoPrefixes: echoPrefixes(p.Prefix),
			FileRoot:     a.cfg.FileRoot,
			FileGenesis:  llm.Message{Role: llm.RoleDeveloper, Content: p.FileGenesis},
		}),
		orch:  tools.NewOrchestrator(a.provider, a.registry, orchCfg),
		reply: reply.NewProcessor(reply.DefaultRules(p.Name), denylist),
		policy: chance.NewPolicy(chance.Config{
			Name:       p.Name,
			MinLength:  p.Reply.MinLength,
			UpperLimit: p.Reply.UpperLimit,
		}, a.db, a.phrases),
		router: commands.NewRouter(p.Prefix),
	}
	if a.chat != nil {
		rt.chat = tools.NewOrchestrator(a.chat, a.registry, orchCfg)
	}
	a.registerCommands(rt.router)

	a.rtMu.Lock()
	a.rt = rt
	a.rtMu.Unlock()
	return nil
}

func (a *App) current() *runtime {
	a.rtMu.RLock()
	defer a.rtMu.RUnlock()
	return a.rt
}

func (a *App) registerCommands(r *commands.Router) {
	var history commands.HistoryStore
	if a.cfg.HistoryMode == window.StoredHistory {
		history = a.db
	}
	commands.Register(r, commands.Deps{
		Genesis:        a.db,
		Prefs:          a.db,
		History:        history,
		Prompter:       a,
		Generate:       a.builtins["generate"],
		DefaultGenesis: func() string { return a.current().persona.Genesis },
		MaxInputTokens: func() int { return a.current().persona.Limits.MaxInputTokens },
		Estimate:       func(m llm.Message) int { return a.current().est.Estimate(m) },
		Seeds: func(scope string) ([]string, error) {
			exclude := make([]string, len(phrases.Kinds))
			for i, k := range phrases.Kinds {
				exclude[i] = string(k)
			}
			return window.ListSeeds(a.cfg.FileRoot, scope, exclude...)
		},
	})
}

// echoPrefixes are the prompt command forms stripped from live history.
func echoPrefixes(prefix string) []string {
	var out []string
	for _, name := range []string{"prompt", "chat", "promt"} {
		out = append(out, prefix+name+" -c ", prefix+name+" ")
	}
	return out
}

// Reload re-reads the persona file and rebuilds the runtime. The live
// persona is kept when the file is invalid.
func (a *App) Reload() error {
	if a.cfg.PersonaFile == "" {
		return nil
	}
	if err := a.personas.LoadFile(a.cfg.PersonaFile); err != nil {
		return err
	}
	return a.apply(a.personas.Persona())
}

// TurnCount implements statusProvider.
func (a *App) TurnCount(ctx context.Context) (int64, error) { return a.db.TurnCount(ctx) }

// PersonaHash implements statusProvider.
func (a *App) PersonaHash() string { return a.personas.Hash() }

// Run starts all subsystems and blocks until a shutdown signal is received.
// SIGHUP reloads the persona file.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if a.health != nil {
		if err := a.health.Start(ctx); err != nil {
			return err
		}
	}

	a.connectMCP(ctx, a.current().persona.MCPs)

	if err := a.mx.Start(ctx, a.handleMessage); err != nil {
		return fmt.Errorf("start matrix: %w", err)
	}

	p := a.current().persona
	slog.Info("Karn started",
		"version", version.Version,
		"name", p.Name,
		"model", p.Model.Name,
		"history", a.cfg.HistoryMode.String(),
		"tools", a.registry.Len(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigCh {
		if sig != syscall.SIGHUP {
			slog.Info("received shutdown signal", "signal", sig.String())
			break
		}
		if err := a.Reload(); err != nil {
			slog.Error("persona reload failed; keeping current persona", "err", err)
			continue
		}
		slog.Info("persona reloaded", "hash", a.personas.Hash())
	}

	slog.Info("shutting down")
	cancel()
	a.Stop()
	return nil
}

// connectMCP starts every configured MCP server and registers its tools. A
// server that fails to start is logged and skipped.
func (a *App) connectMCP(ctx context.Context, servers []persona.MCPServer) {
	for _, s := range servers {
		cctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		src, err := tools.ConnectMCP(cctx, tools.MCPServerConfig{
			Name:    s.Name,
			Command: s.Command,
			Args:    s.Args,
			Env:     s.Env,
		})
		cancel()
		if err != nil {
			slog.Error("mcp server unavailable", "server", s.Name, "err", redact.Error(err, envValues(s.Env)...))
			continue
		}
		src.RegisterAll(ctx, a.registry)
		a.mcps = append(a.mcps, src)
	}
}

func envValues(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, v := range env {
		out = append(out, v)
	}
	return out
}

// Stop shuts down all subsystems.
func (a *App) Stop() {
	if a.mx != nil {
		a.mx.Stop()
	}
	for _, s := range a.mcps {
		if err := s.Close(); err != nil {
			slog.Warn("close mcp server", "err", err)
		}
	}
	if a.health != nil {
		a.health.Stop()
	}
	if err := a.db.Close(); err != nil {
		slog.Warn("close store", "err", err)
	}
}
