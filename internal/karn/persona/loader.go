package persona

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

//go:embed schema.json
var schemaJSON string

var schema = jsonschema.MustCompileString("persona.schema.json", schemaJSON)

// Loader holds the live persona and allows hot reloads.
type Loader struct {
	mu      sync.RWMutex
	persona *Persona
	hash    string
}

// NewLoader returns a Loader serving the built-in persona until a file is
// applied.
func NewLoader() *Loader {
	return &Loader{persona: Default()}
}

// LoadFile reads, validates and applies a persona file.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read persona file: %w", err)
	}
	return l.Apply(data)
}

// Apply parses and validates a YAML persona and replaces the live one. The
// live persona is untouched when validation fails.
func (l *Loader) Apply(data []byte) error {
	p, err := Parse(data)
	if err != nil {
		return err
	}
	h := sha256.Sum256(data)
	hash := hex.EncodeToString(h[:])

	l.mu.Lock()
	l.persona = p
	l.hash = hash
	l.mu.Unlock()

	slog.Info("persona applied", "name", p.Name, "model", p.Model.Name, "hash", hash[:12])
	return nil
}

// Persona returns the live persona. Callers must not modify it.
func (l *Loader) Persona() *Persona {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.persona
}

// Hash returns the SHA-256 of the applied file, or "" for the built-in
// persona.
func (l *Loader) Hash() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.hash
}

// Parse decodes a YAML persona, checks it against the schema, fills defaults
// and runs the semantic checks.
func Parse(data []byte) (*Persona, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse persona yaml: %w", err)
	}
	if raw != nil {
		doc, err := jsonCompatible(raw)
		if err != nil {
			return nil, fmt.Errorf("parse persona yaml: %w", err)
		}
		if err := schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("invalid persona: %w", err)
		}
	}

	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse persona yaml: %w", err)
	}
	p.applyDefaults()
	if err := Validate(&p); err != nil {
		return nil, fmt.Errorf("invalid persona: %w", err)
	}
	return &p, nil
}

// Validate runs the checks the schema cannot express.
func Validate(p *Persona) error {
	if p.Limits.MaxOutputTokens >= p.Limits.MaxInputTokens {
		return fmt.Errorf("limits.maxOutputTokens (%d) must be below limits.maxInputTokens (%d)",
			p.Limits.MaxOutputTokens, p.Limits.MaxInputTokens)
	}
	if p.Reply.UpperLimit < 1 {
		return errors.New("reply.upperLimit must be at least 1")
	}
	if strings.ContainsAny(p.Prefix, " \t\n") {
		return errors.New("prefix must not contain whitespace")
	}
	for i, pat := range p.Reply.Denylist {
		if _, err := regexp.Compile(pat); err != nil {
			return fmt.Errorf("reply.denylist[%d]: %w", i, err)
		}
	}
	seen := make(map[string]struct{}, len(p.MCPs))
	for i, m := range p.MCPs {
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("mcpServers[%d]: duplicate name %q", i, m.Name)
		}
		seen[m.Name] = struct{}{}
	}
	return nil
}

// jsonCompatible converts a YAML document into the value types a JSON
// decoder would produce.
func jsonCompatible(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
