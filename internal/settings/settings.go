package settings

// Stream modes control when response text reaches the channel.
const (
	ModeStream  = "stream"  // forward every increment as produced
	ModeBundled = "bundled" // flush all completed messages once, after the run
	ModeFinal   = "final"   // flush only the last completed message
)

// Settings is one cascade level. Every field is optional; a nil field means
// "inherit from the level below". Nested groups merge field-by-field.
type Settings struct {
	Harness        *string        `json:"harness,omitempty"`
	StreamMode     *string        `json:"stream_mode,omitempty"`
	CurrentContext *ContextWindow `json:"current_context,omitempty"`
	CrossContext   *ContextWindow `json:"cross_context,omitempty"`
	Engine         *Engine        `json:"engine,omitempty"`
	Compaction     *Compaction    `json:"compaction,omitempty"`
}

// ContextWindow selects how much transcript history a request sees.
type ContextWindow struct {
	Limit            *int  `json:"limit,omitempty"`
	IncludeThoughts  *bool `json:"include_thoughts,omitempty"`
	IncludeTools     *bool `json:"include_tools,omitempty"`
	IncludeArchived  *bool `json:"include_archived,omitempty"`
	IncludeCompacted *bool `json:"include_compacted,omitempty"`
}

// Engine is the per-harness sub-configuration.
type Engine struct {
	Provider       *string  `json:"provider,omitempty"`
	Model          *string  `json:"model,omitempty"`
	PermissionMode *string  `json:"permission_mode,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	ThinkingLevel  *string  `json:"thinking_level,omitempty"`
}

// Compaction tunes the threshold trigger.
type Compaction struct {
	Threshold *int     `json:"threshold,omitempty"`
	Percent   *int     `json:"percent,omitempty"`
	Kinds     []string `json:"kinds,omitempty"`
}

// Resolved is the fully-populated cascade output for one request.
type Resolved struct {
	Harness        string
	StreamMode     string
	CurrentContext ResolvedContext
	CrossContext   ResolvedContext
	Engine         ResolvedEngine
	Compaction     ResolvedCompaction
}

type ResolvedContext struct {
	Limit            int
	IncludeThoughts  bool
	IncludeTools     bool
	IncludeArchived  bool
	IncludeCompacted bool
}

type ResolvedEngine struct {
	Provider       string
	Model          string
	PermissionMode string
	AllowedTools   []string
	ThinkingLevel  string
}

type ResolvedCompaction struct {
	Threshold int
	Percent   int
	Kinds     []string
}

// Defaults returns the compiled-in base of the cascade.
func Defaults() Resolved {
	return Resolved{
		Harness:    "openai",
		StreamMode: ModeStream,
		CurrentContext: ResolvedContext{
			Limit:        50,
			IncludeTools: true,
		},
		CrossContext: ResolvedContext{
			Limit: 0,
		},
		Engine: ResolvedEngine{
			Provider:       "openai",
			Model:          "gpt-4o-mini",
			PermissionMode: "default",
			ThinkingLevel:  "none",
		},
		Compaction: ResolvedCompaction{
			Threshold: 100,
			Percent:   50,
			Kinds:     []string{MessageKindUser, MessageKindAssistant},
		},
	}
}

// Message kinds counted toward the compaction threshold by default. Mirrors
// the transcript kinds without importing the types package.
const (
	MessageKindUser      = "user"
	MessageKindAssistant = "assistant"
)

// Resolve deep-merges cascade levels onto the defaults, lowest precedence
// first. Nil levels are skipped. Pure function: callers pass the global,
// channel, and session partials in that order and get a fresh value each
// time, since any level can change between requests.
func Resolve(levels ...*Settings) Resolved {
	out := Defaults()
	for _, level := range levels {
		if level == nil {
			continue
		}
		apply(&out, level)
	}
	return out
}

func apply(out *Resolved, s *Settings) {
	if s.Harness != nil {
		out.Harness = *s.Harness
	}
	if s.StreamMode != nil {
		out.StreamMode = *s.StreamMode
	}
	applyContext(&out.CurrentContext, s.CurrentContext)
	applyContext(&out.CrossContext, s.CrossContext)
	applyEngine(&out.Engine, s.Engine)
	applyCompaction(&out.Compaction, s.Compaction)
}

func applyContext(out *ResolvedContext, c *ContextWindow) {
	if c == nil {
		return
	}
	if c.Limit != nil {
		out.Limit = *c.Limit
	}
	if c.IncludeThoughts != nil {
		out.IncludeThoughts = *c.IncludeThoughts
	}
	if c.IncludeTools != nil {
		out.IncludeTools = *c.IncludeTools
	}
	if c.IncludeArchived != nil {
		out.IncludeArchived = *c.IncludeArchived
	}
	if c.IncludeCompacted != nil {
		out.IncludeCompacted = *c.IncludeCompacted
	}
}

func applyEngine(out *ResolvedEngine, e *Engine) {
	if e == nil {
		return
	}
	if e.Provider != nil {
		out.Provider = *e.Provider
	}
	if e.Model != nil {
		out.Model = *e.Model
	}
	if e.PermissionMode != nil {
		out.PermissionMode = *e.PermissionMode
	}
	if e.AllowedTools != nil {
		out.AllowedTools = append([]string(nil), e.AllowedTools...)
	}
	if e.ThinkingLevel != nil {
		out.ThinkingLevel = *e.ThinkingLevel
	}
}

func applyCompaction(out *ResolvedCompaction, c *Compaction) {
	if c == nil {
		return
	}
	if c.Threshold != nil {
		out.Threshold = *c.Threshold
	}
	if c.Percent != nil {
		out.Percent = *c.Percent
	}
	if c.Kinds != nil {
		out.Kinds = append([]string(nil), c.Kinds...)
	}
}
