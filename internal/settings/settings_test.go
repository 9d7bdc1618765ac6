package settings

import "testing"

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }
func boolPtr(b bool) *bool    { return &b }

func TestResolveDefaults(t *testing.T) {
	got := Resolve()

	if got.StreamMode != ModeStream {
		t.Errorf("default stream mode = %q, want %q", got.StreamMode, ModeStream)
	}
	if got.CurrentContext.Limit != 50 {
		t.Errorf("default current context limit = %d, want 50", got.CurrentContext.Limit)
	}
	if !got.CurrentContext.IncludeTools {
		t.Error("default current context should include tools")
	}
}

func TestResolveChannelOverridesGlobal(t *testing.T) {
	global := &Settings{StreamMode: strPtr(ModeStream)}
	channel := &Settings{StreamMode: strPtr(ModeFinal)}

	got := Resolve(global, channel, nil)
	if got.StreamMode != ModeFinal {
		t.Errorf("stream mode = %q, want %q", got.StreamMode, ModeFinal)
	}

	// Without the channel override the global value wins again.
	got = Resolve(global, nil, nil)
	if got.StreamMode != ModeStream {
		t.Errorf("stream mode = %q, want %q", got.StreamMode, ModeStream)
	}
}

func TestResolveNestedFieldMerge(t *testing.T) {
	global := &Settings{
		CurrentContext: &ContextWindow{
			Limit:        intPtr(100),
			IncludeTools: boolPtr(false),
		},
	}
	session := &Settings{
		CurrentContext: &ContextWindow{Limit: intPtr(10)},
	}

	got := Resolve(global, nil, session)
	if got.CurrentContext.Limit != 10 {
		t.Errorf("limit = %d, want 10", got.CurrentContext.Limit)
	}
	// Sibling field must survive a partial nested override.
	if got.CurrentContext.IncludeTools {
		t.Error("include_tools should still inherit false from global")
	}
}

func TestResolveEngineMerge(t *testing.T) {
	global := &Settings{
		Engine: &Engine{Model: strPtr("gpt-4o"), AllowedTools: []string{"read_url"}},
	}
	channel := &Settings{
		Engine: &Engine{Model: strPtr("gpt-4o-mini")},
	}

	got := Resolve(global, channel)
	if got.Engine.Model != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", got.Engine.Model)
	}
	if len(got.Engine.AllowedTools) != 1 || got.Engine.AllowedTools[0] != "read_url" {
		t.Errorf("allowed tools = %v, want [read_url]", got.Engine.AllowedTools)
	}
}

func TestResolveIsFreshPerCall(t *testing.T) {
	session := &Settings{
		Compaction: &Compaction{Kinds: []string{"user"}},
	}
	first := Resolve(session)
	first.Compaction.Kinds[0] = "mutated"

	second := Resolve(session)
	if second.Compaction.Kinds[0] != "user" {
		t.Error("resolved value shares state across calls")
	}
}
