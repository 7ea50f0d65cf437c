package agent

import (
	"log/slog"
	"time"
)

// Options configures a single agent instance.
type Options struct {
	// Model is the provider model identifier sent with each request.
	Model string

	// SystemPrompt is prepended to every provider request.
	SystemPrompt string

	// MaxRetries bounds stream retry attempts per turn.
	MaxRetries int

	// BaseRetryDelay seeds the exponential backoff schedule.
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the backoff schedule.
	MaxRetryDelay time.Duration

	// ToolParallelism caps concurrent tool execution within a batch.
	ToolParallelism int

	// ToolTimeout applies a default timeout to each tool call.
	ToolTimeout time.Duration

	// CompactThreshold is the estimated-usage fraction of the context window
	// that triggers proactive compaction before a provider call.
	CompactThreshold float64

	// ContextWindow is the model's context window in tokens; zero disables
	// proactive compaction until the provider reports one.
	ContextWindow int

	// StallTimeout is how long a stream may go without events before the
	// watchdog reports it as stalled.
	StallTimeout time.Duration

	// AutoSaveDir, when set, receives a JSON export of the session after
	// every completed turn.
	AutoSaveDir string

	// Features toggles optional behaviours.
	Features Features

	// DisabledTools lists tool names hidden from the model.
	DisabledTools []string

	// WorkingDir is passed to tools through their execution context.
	WorkingDir string

	// Logger receives agent diagnostics.
	Logger *slog.Logger
}

// Features holds optional behaviour toggles.
type Features struct {
	// TitleGeneration extracts <title> tags from assistant text and stores
	// them as session metadata.
	TitleGeneration bool

	// DebugLog mirrors every emitted event into the broker's per-session
	// ring buffer, and exposes the debug tool.
	DebugLog bool

	// SubAgents exposes the sub-agent tool.
	SubAgents bool

	// MCP exposes tools originating from MCP servers.
	MCP bool

	// Skills exposes the skill-loading tool when skills are available.
	Skills bool
}

// DefaultOptions returns the baseline agent options.
func DefaultOptions() Options {
	return Options{
		MaxRetries:       3,
		BaseRetryDelay:   2 * time.Second,
		MaxRetryDelay:    60 * time.Second,
		ToolParallelism:  4,
		ToolTimeout:      60 * time.Second,
		CompactThreshold: 0.80,
		StallTimeout:     10 * time.Second,
		Features: Features{
			TitleGeneration: true,
			DebugLog:        true,
			SubAgents:       true,
			MCP:             true,
			Skills:          true,
		},
		Logger: slog.Default(),
	}
}

// sanitize fills zero values with defaults.
func (o *Options) sanitize() {
	def := DefaultOptions()
	if o.MaxRetries <= 0 {
		o.MaxRetries = def.MaxRetries
	}
	if o.BaseRetryDelay <= 0 {
		o.BaseRetryDelay = def.BaseRetryDelay
	}
	if o.MaxRetryDelay <= 0 {
		o.MaxRetryDelay = def.MaxRetryDelay
	}
	if o.ToolParallelism <= 0 {
		o.ToolParallelism = def.ToolParallelism
	}
	if o.ToolTimeout <= 0 {
		o.ToolTimeout = def.ToolTimeout
	}
	if o.CompactThreshold <= 0 || o.CompactThreshold > 1 {
		o.CompactThreshold = def.CompactThreshold
	}
	if o.StallTimeout <= 0 {
		o.StallTimeout = def.StallTimeout
	}
	if o.Logger == nil {
		o.Logger = def.Logger
	}
}

// ConfigPatch is a partial update applied atomically by Configure. Nil
// fields are left unchanged.
type ConfigPatch struct {
	Model            *string
	SystemPrompt     *string
	MaxRetries       *int
	BaseRetryDelay   *time.Duration
	MaxRetryDelay    *time.Duration
	ToolParallelism  *int
	ToolTimeout      *time.Duration
	CompactThreshold *float64
	ContextWindow    *int
	StallTimeout     *time.Duration
	AutoSaveDir      *string
	DisabledTools    *[]string
	TitleGeneration  *bool
	DebugLog         *bool
	SubAgents        *bool
	MCP              *bool
	Skills           *bool
}

func (o *Options) apply(p ConfigPatch) {
	if p.Model != nil {
		o.Model = *p.Model
	}
	if p.SystemPrompt != nil {
		o.SystemPrompt = *p.SystemPrompt
	}
	if p.MaxRetries != nil {
		o.MaxRetries = *p.MaxRetries
	}
	if p.BaseRetryDelay != nil {
		o.BaseRetryDelay = *p.BaseRetryDelay
	}
	if p.MaxRetryDelay != nil {
		o.MaxRetryDelay = *p.MaxRetryDelay
	}
	if p.ToolParallelism != nil {
		o.ToolParallelism = *p.ToolParallelism
	}
	if p.ToolTimeout != nil {
		o.ToolTimeout = *p.ToolTimeout
	}
	if p.CompactThreshold != nil {
		o.CompactThreshold = *p.CompactThreshold
	}
	if p.ContextWindow != nil {
		o.ContextWindow = *p.ContextWindow
	}
	if p.StallTimeout != nil {
		o.StallTimeout = *p.StallTimeout
	}
	if p.AutoSaveDir != nil {
		o.AutoSaveDir = *p.AutoSaveDir
	}
	if p.DisabledTools != nil {
		o.DisabledTools = *p.DisabledTools
	}
	if p.TitleGeneration != nil {
		o.Features.TitleGeneration = *p.TitleGeneration
	}
	if p.DebugLog != nil {
		o.Features.DebugLog = *p.DebugLog
	}
	if p.SubAgents != nil {
		o.Features.SubAgents = *p.SubAgents
	}
	if p.MCP != nil {
		o.Features.MCP = *p.MCP
	}
	if p.Skills != nil {
		o.Features.Skills = *p.Skills
	}
	o.sanitize()
}
