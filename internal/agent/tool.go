package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/strandlabs/strand/pkg/models"
)

// ToolOrigin identifies where a tool comes from.
type ToolOrigin string

const (
	OriginBuiltin ToolOrigin = "builtin"
	OriginMCP     ToolOrigin = "mcp"
)

// ToolKind marks tools with feature-gated behaviour.
type ToolKind string

const (
	KindStandard    ToolKind = "standard"
	KindSubAgent    ToolKind = "sub_agent"
	KindDebug       ToolKind = "debug"
	KindSkillLoader ToolKind = "skill_loader"
)

// ToolMeta describes a tool for filtering and event payloads.
type ToolMeta struct {
	Origin ToolOrigin `json:"origin"`
	Kind   ToolKind   `json:"kind"`
}

// EffectKind names a side effect a tool may request instead of acting itself.
type EffectKind string

const (
	// EffectLoadSkill asks the agent to activate a named skill and inject a
	// message advertising it.
	EffectLoadSkill EffectKind = "load_skill"
)

// Effect is a deferred state mutation returned by a tool.
type Effect struct {
	Kind    EffectKind
	Payload string
}

// ToolResult is the outcome of a single tool execution.
type ToolResult struct {
	// Output is the tool's result value. Strings pass through as-is; other
	// values are JSON-encoded when rendered into a tool_result message.
	Output any

	// IsError marks the result as a failure the model should see.
	IsError bool

	// Effect, when non-nil, is applied by the agent before the result is
	// recorded.
	Effect *Effect
}

// ToolContext carries per-call context into a tool's Execute.
type ToolContext struct {
	WorkingDir string
	SessionID  string
	CallID     string

	// Options is a snapshot of the agent configuration at dispatch time.
	Options Options

	// Messages is a snapshot of the transcript, newest first.
	Messages []models.Message

	// Emit publishes an event on the agent's stream (e.g. tool output
	// chunks while a long command runs).
	Emit func(models.AgentEvent)
}

// Tool is an executable capability exposed to the model.
type Tool interface {
	Name() string
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Meta describes the tool for the active-tool filter.
	Meta() ToolMeta

	// Execute runs the tool. A returned error becomes an is_error result;
	// tools should prefer returning ToolResult{IsError: true} for failures
	// the model can act on.
	Execute(ctx context.Context, args map[string]any, tc *ToolContext) (*ToolResult, error)
}

// ToolRegistry manages available tools with thread-safe registration,
// lookup, and argument validation against each tool's schema.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, replacing any tool with the same name. The tool's
// schema is compiled eagerly so invalid schemas surface at registration.
func (r *ToolRegistry) Register(tool Tool) error {
	name := tool.Name()

	var compiled *jsonschema.Schema
	if raw := tool.Schema(); len(raw) > 0 {
		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return fmt.Errorf("tool %s: invalid schema: %w", name, err)
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(name+".schema.json", bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("tool %s: %w", name, err)
		}
		s, err := c.Compile(name + ".schema.json")
		if err != nil {
			return fmt.Errorf("tool %s: schema compile: %w", name, err)
		}
		compiled = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = tool
	if compiled != nil {
		r.schemas[name] = compiled
	} else {
		delete(r.schemas, name)
	}
	return nil
}

// Unregister removes a tool by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Get returns a tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// ValidateArguments checks args against the tool's compiled schema. Tools
// without a schema accept anything.
func (r *ToolRegistry) ValidateArguments(name string, args map[string]any) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}
	// The validator wants plain decoded JSON; args already are.
	var doc any = map[string]any(args)
	if args == nil {
		doc = map[string]any{}
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("arguments for %s rejected: %w", name, err)
	}
	return nil
}

// Active returns the tools visible to the model under the given options,
// sorted by name. skillsAvailable gates the skill-loading tool.
func (r *ToolRegistry) Active(opts Options, skillsAvailable bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []Tool
	for name, tool := range r.tools {
		if toolFiltered(name, tool.Meta(), opts, skillsAvailable) {
			continue
		}
		active = append(active, tool)
	}
	slices.SortFunc(active, func(a, b Tool) int {
		switch {
		case a.Name() < b.Name():
			return -1
		case a.Name() > b.Name():
			return 1
		default:
			return 0
		}
	})
	return active
}

// toolFiltered implements the active-tool filter: a tool is rejected when
// any rule matches.
func toolFiltered(name string, meta ToolMeta, opts Options, skillsAvailable bool) bool {
	if slices.Contains(opts.DisabledTools, name) {
		return true
	}
	switch meta.Kind {
	case KindSubAgent:
		if !opts.Features.SubAgents {
			return true
		}
	case KindDebug:
		if !opts.Features.DebugLog {
			return true
		}
	case KindSkillLoader:
		if !opts.Features.Skills || !skillsAvailable {
			return true
		}
	}
	if meta.Origin == OriginMCP && !opts.Features.MCP {
		return true
	}
	return false
}

// Definitions renders the active tools into provider-neutral definitions.
func (r *ToolRegistry) Definitions(opts Options, skillsAvailable bool) []ToolDefinition {
	active := r.Active(opts, skillsAvailable)
	defs := make([]ToolDefinition, 0, len(active))
	for _, tool := range active {
		defs = append(defs, ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	return defs
}
