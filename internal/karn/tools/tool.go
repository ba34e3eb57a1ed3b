// Package tools holds the functions the model may call and the orchestrator
// that runs one tool-calling round.
//
// A tool either returns a substantive result, which the model is asked to
// narrate, or the "done" sentinel, meaning the tool already posted everything
// the user needs to see (an image, a card) and no narration is wanted.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/karn/internal/karn/llm"
)

// SentinelDone is the output of a tool that needs no narration.
const SentinelDone = "done"

// Result is the output of one tool call.
type Result struct {
	Output string
	// Done marks the sentinel result.
	Done bool
}

// Done returns the sentinel result.
func Done() Result { return Result{Output: SentinelDone, Done: true} }

// JSON returns a substantive result holding v encoded as JSON.
func JSON(v any) (Result, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("encode tool result: %w", err)
	}
	return Result{Output: string(b)}, nil
}

// errorResult is a substantive result the model can explain to the user.
func errorResult(msg string) Result {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return Result{Output: string(b)}
}

// Image is media a tool posts into a room. Either URL or Data is set.
type Image struct {
	URL      string
	Data     []byte
	Name     string
	MimeType string
	Caption  string
}

// Poster delivers tool output straight to a room.
type Poster interface {
	PostText(ctx context.Context, roomID, text string) error
	PostImage(ctx context.Context, roomID string, img Image) error
}

// Tool is a function offered to the model.
type Tool interface {
	// Definition returns the name, description and JSON Schema parameters.
	Definition() llm.ToolDefinition
	// Execute runs the tool for room with arguments that already passed the
	// schema.
	Execute(ctx context.Context, room string, args map[string]any) (Result, error)
}

var (
	// ErrUnknownTool is returned for calls naming no registered tool.
	ErrUnknownTool = errors.New("tools: unknown tool")
	// ErrInvalidArguments is returned when arguments fail to decode or
	// validate.
	ErrInvalidArguments = errors.New("tools: invalid arguments")
)

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to tools. Add and Register may be called while
// the registry is serving calls.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Add registers t, compiling its parameter schema. It fails on a duplicate
// name or an invalid schema.
func (r *Registry) Add(t Tool) error {
	def := t.Definition()
	if def.Name == "" {
		return errors.New("tools: tool has no name")
	}
	var schema *jsonschema.Schema
	if len(def.Parameters) > 0 {
		raw, err := json.Marshal(def.Parameters)
		if err != nil {
			return fmt.Errorf("tools: encode schema for %s: %w", def.Name, err)
		}
		schema, err = jsonschema.CompileString(def.Name+".json", string(raw))
		if err != nil {
			return fmt.Errorf("tools: compile schema for %s: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[def.Name]; dup {
		return fmt.Errorf("tools: duplicate tool registration: %s", def.Name)
	}
	r.tools[def.Name] = registered{tool: t, schema: schema}
	return nil
}

// Register is Add for tools compiled into the binary; it panics on error.
func (r *Registry) Register(t Tool) {
	if err := r.Add(t); err != nil {
		panic(err)
	}
}

// Remove drops the tool called name.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	delete(r.tools, name)
	r.mu.Unlock()
}

// Get returns the tool called name, or nil.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name].tool
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Definitions returns every tool definition sorted by name, so the tool
// cost of a request is stable.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.tool.Definition())
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute decodes and validates the arguments of call and runs the tool.
// On failure it returns an error result alongside the error, so the model
// can still be told what went wrong.
func (r *Registry) Execute(ctx context.Context, room string, call llm.ToolCall) (Result, error) {
	r.mu.RLock()
	reg, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return errorResult("unknown tool " + call.Name), fmt.Errorf("%w: %s", ErrUnknownTool, call.Name)
	}

	args := map[string]any{}
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return errorResult("arguments are not a JSON object"), fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
		}
	}
	if reg.schema != nil {
		if err := reg.schema.Validate(any(args)); err != nil {
			return errorResult(err.Error()), fmt.Errorf("%w: %s: %v", ErrInvalidArguments, call.Name, err)
		}
	}

	res, err := reg.tool.Execute(ctx, room, args)
	if err != nil {
		return errorResult(err.Error()), fmt.Errorf("tool %s: %w", call.Name, err)
	}
	if res.Output == SentinelDone {
		res.Done = true
	}
	return res, nil
}

// stringArg returns args[key] when it is a string.
func stringArg(args map[string]any, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok
}

// intArg returns args[key] as an int, accepting JSON numbers.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}
