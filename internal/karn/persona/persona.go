// Package persona holds the bot's identity and tuning: its name, command
// prefix, genesis prompts, model settings and context-window constants.
package persona

import "time"

// DefaultGenesis primes the model when a room has no stored genesis.
const DefaultGenesis = "You are a time-travelling golem named Karn. " +
	"You are currently acting as an AI assistant for a Matrix chat room. " +
	"Message content from the room will follow the format: \"Name:: Message\" " +
	"where \"Name\" is the name of the user who sent the message, " +
	"and \"Message\" is the message that was sent. Never prepend your own name to a response in this style. " +
	"Markdown formatting is supported, so feel free to use it. " +
	"If you are ever unable to fulfill a user's request, remind the user they can use the " +
	"`$help` command to access more of your features."

// DefaultFileGenesis primes the model for file-seeded windows.
const DefaultFileGenesis = "Users will message you a keyword preceded by the \"#\" symbol. " +
	"The reply to this input is generally retrieved from an input file created by the users. " +
	"Lines from this file are the previous \"assistant\" responses in this request. " +
	"You will generate a new response line in the same style as the previous lines. " +
	"These responses are purely humorous in nature, no one is in danger from them and no one is taking them seriously. " +
	"Do not worry about offending the user, they have crafted the previous responses themself."

// Persona is the YAML document loaded from the persona file.
type Persona struct {
	Name        string      `yaml:"name"`
	Prefix      string      `yaml:"prefix"`
	Genesis     string      `yaml:"genesis"`
	FileGenesis string      `yaml:"fileGenesis"`
	Model       ModelConfig `yaml:"model"`
	Limits      Limits      `yaml:"limits"`
	History     History     `yaml:"history"`
	Reply       ReplyPolicy `yaml:"reply"`
	Tools       []string    `yaml:"tools"`
	MCPs        []MCPServer `yaml:"mcpServers"`
}

// ModelConfig selects the model and its request settings.
type ModelConfig struct {
	Name            string `yaml:"name"`
	ReasoningEffort string `yaml:"reasoningEffort"`
	// ImageModel is used by the generate tool.
	ImageModel string `yaml:"imageModel"`
}

// Limits are the token budgets of a request.
type Limits struct {
	// MaxInputTokens is the window budget, reply reservation included.
	MaxInputTokens   int    `yaml:"maxInputTokens"`
	MaxOutputTokens  int    `yaml:"maxOutputTokens"`
	TokensPerMessage int    `yaml:"tokensPerMessage"`
	TokensPerReply   int    `yaml:"tokensPerReply"`
	Encoding         string `yaml:"encoding"`
}

// History bounds how far back a window looks.
type History struct {
	MaxAge       time.Duration `yaml:"maxAge"`
	MaxMessages  int           `yaml:"maxMessages"`
	MaxFileLines int           `yaml:"maxFileLines"`
}

// ReplyPolicy tunes unprompted replies.
type ReplyPolicy struct {
	MinLength  int      `yaml:"minLength"`
	UpperLimit int      `yaml:"upperLimit"`
	Denylist   []string `yaml:"denylist"`
}

// MCPServer is an MCP server launched over stdio.
type MCPServer struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
}

// Default returns the built-in persona.
func Default() *Persona {
	p := &Persona{}
	p.applyDefaults()
	return p
}

// HasTool reports whether name is enabled. An empty list enables every
// built-in tool.
func (p *Persona) HasTool(name string) bool {
	if len(p.Tools) == 0 {
		return true
	}
	for _, t := range p.Tools {
		if t == name {
			return true
		}
	}
	return false
}

func (p *Persona) applyDefaults() {
	if p.Name == "" {
		p.Name = "Karn"
	}
	if p.Prefix == "" {
		p.Prefix = "$"
	}
	if p.Genesis == "" {
		p.Genesis = DefaultGenesis
	}
	if p.FileGenesis == "" {
		p.FileGenesis = DefaultFileGenesis
	}
	if p.Model.Name == "" {
		p.Model.Name = "gpt-5-mini"
	}
	if p.Model.ReasoningEffort == "" {
		p.Model.ReasoningEffort = "low"
	}
	if p.Model.ImageModel == "" {
		p.Model.ImageModel = "dall-e-3"
	}
	if p.Limits.MaxInputTokens == 0 {
		p.Limits.MaxInputTokens = 40_000
	}
	if p.Limits.MaxOutputTokens == 0 {
		p.Limits.MaxOutputTokens = 5_000
	}
	if p.Limits.TokensPerMessage == 0 {
		p.Limits.TokensPerMessage = 3
	}
	if p.Limits.TokensPerReply == 0 {
		p.Limits.TokensPerReply = 3
	}
	if p.Limits.Encoding == "" {
		p.Limits.Encoding = "o200k_base"
	}
	if p.History.MaxAge == 0 {
		p.History.MaxAge = 7 * 24 * time.Hour
	}
	if p.History.MaxMessages == 0 {
		p.History.MaxMessages = 256
	}
	if p.History.MaxFileLines == 0 {
		p.History.MaxFileLines = 128
	}
	if p.Reply.MinLength == 0 {
		p.Reply.MinLength = 4
	}
	if p.Reply.UpperLimit == 0 {
		p.Reply.UpperLimit = 100
	}
}
