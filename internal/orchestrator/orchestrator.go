package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/user/switchboard/internal/config"
	"github.com/user/switchboard/internal/harness"
	"github.com/user/switchboard/internal/settings"
	"github.com/user/switchboard/internal/skills"
	"github.com/user/switchboard/internal/tools"
	"github.com/user/switchboard/internal/trace"
	"github.com/user/switchboard/internal/types"
	"github.com/user/switchboard/pkg/llm"
)

const (
	// CompactionSessionKey is the dedicated session that synthetic
	// compaction runs execute under. It never triggers compaction itself
	// and control commands are not interpreted on it.
	CompactionSessionKey = types.SessionKey("system:compaction")

	stopCommand = "/stop"
	newCommand  = "/new"

	failureNotice = "Sorry, something went wrong processing your message."
)

// PromptSource assembles the system prompt and prior-turn context for a run.
type PromptSource interface {
	System(key types.SessionKey, channelPrompt string, toolNames, skillNames []string) string
	History(ctx context.Context, store types.Store, key types.SessionKey, resolved settings.Resolved, systemPrompt string) ([]llm.Message, error)
}

// EngineFactory builds the innermost harness for one request.
type EngineFactory func(resolved settings.Resolved, history []llm.Message) harness.Harness

// Options configure a new Orchestrator.
type Options struct {
	Store    types.Store
	Config   *config.Config
	Registry *tools.Registry
	Prompts  PromptSource
	Skills   skills.Source
	TraceDir string
	Engine   EngineFactory
}

type queueEntry struct {
	event   *types.InboundEvent
	channel types.Channel
}

// sessionState is the per-session lane: pending events in arrival order,
// whether a worker is draining them, and the cancel func of the in-flight
// run while one exists.
type sessionState struct {
	queue    []queueEntry
	draining bool
	cancel   context.CancelFunc
}

// Orchestrator routes inbound events to per-session FIFO lanes, runs at most
// one request per session at a time, and caps concurrent runs across all
// sessions with a weighted semaphore.
type Orchestrator struct {
	store    types.Store
	cfg      *config.Config
	registry *tools.Registry
	prompts  PromptSource
	skills   skills.Source
	traceDir string
	engine   EngineFactory

	sem        *semaphore.Weighted
	compacting chan struct{}

	mu       sync.Mutex
	sessions map[types.SessionKey]*sessionState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	maxConcurrent := opts.Config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      opts.Store,
		cfg:        opts.Config,
		registry:   opts.Registry,
		prompts:    opts.Prompts,
		skills:     opts.Skills,
		traceDir:   opts.TraceDir,
		engine:     opts.Engine,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		compacting: make(chan struct{}, 1),
		sessions:   make(map[types.SessionKey]*sessionState),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Shutdown interrupts every in-flight run and waits for workers to exit.
func (o *Orchestrator) Shutdown() {
	o.cancel()
	o.wg.Wait()
}

// HandleInbound enqueues one inbound event on its session's lane, starting a
// drain worker if none is running. /stop never enters the queue: it takes
// effect against whatever is queued or in flight right now.
func (o *Orchestrator) HandleInbound(event *types.InboundEvent, ch types.Channel) {
	if strings.TrimSpace(event.Content) == stopCommand && event.SessionKey != CompactionSessionKey {
		o.handleStop(event, ch)
		return
	}

	o.mu.Lock()
	st := o.sessions[event.SessionKey]
	if st == nil {
		st = &sessionState{}
		o.sessions[event.SessionKey] = st
	}
	st.queue = append(st.queue, queueEntry{event: event, channel: ch})
	start := !st.draining
	if start {
		st.draining = true
	}
	o.mu.Unlock()

	if start {
		o.wg.Add(1)
		go o.drain(event.SessionKey)
	}
}

// drain processes one session's queue to exhaustion, then retires the lane.
// A failed item never blocks the items behind it.
func (o *Orchestrator) drain(key types.SessionKey) {
	defer o.wg.Done()
	for {
		o.mu.Lock()
		st := o.sessions[key]
		if st == nil || len(st.queue) == 0 {
			delete(o.sessions, key)
			o.mu.Unlock()
			return
		}
		entry := st.queue[0]
		st.queue = st.queue[1:]
		runCtx, cancelRun := context.WithCancel(o.ctx)
		st.cancel = cancelRun
		o.mu.Unlock()

		err := func() error {
			if err := o.sem.Acquire(runCtx, 1); err != nil {
				return err
			}
			defer o.sem.Release(1)
			return o.process(runCtx, entry)
		}()
		cancelRun()

		o.mu.Lock()
		if st := o.sessions[key]; st != nil {
			st.cancel = nil
		}
		o.mu.Unlock()

		switch {
		case err == nil:
		case errors.Is(err, context.Canceled):
			slog.Info("run interrupted", "session", key)
		default:
			slog.Error("run failed", "session", key, "error", err)
			h := entry.channel.CreateHandler(entry.event)
			if rerr := h.Relay(context.WithoutCancel(o.ctx), failureNotice); rerr != nil {
				slog.Error("failure notice relay failed", "session", key, "error", rerr)
			}
			h.EndMessage()
		}
	}
}

// process runs a single queued event end to end: settings resolution,
// control-command handling, prompt assembly, and the decorated harness run.
func (o *Orchestrator) process(ctx context.Context, entry queueEntry) error {
	event := entry.event
	key := event.SessionKey

	if _, err := o.store.ResolveSession(ctx, key); err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}
	resolved := o.resolveSettings(ctx, key)

	if strings.TrimSpace(event.Content) == newCommand && key != CompactionSessionKey {
		return o.handleNew(ctx, entry)
	}

	handler := entry.channel.CreateHandler(event)
	if event.ConditionalSend() {
		resolved.StreamMode = settings.ModeFinal
		handler = withNoReplyFilter(handler)
	}

	var channelPrompt string
	if cp, ok := entry.channel.(types.CustomPrompter); ok {
		channelPrompt = cp.CustomPrompt()
	}
	var skillNames []string
	if o.skills != nil {
		list, err := o.skills.List(ctx)
		if err != nil {
			slog.Warn("skill listing failed", "error", err)
		}
		for _, s := range list {
			skillNames = append(skillNames, s.Name)
		}
	}

	system := o.prompts.System(key, channelPrompt, o.registry.Names(), skillNames)
	history, err := o.prompts.History(ctx, o.store, key, resolved, system)
	if err != nil {
		return fmt.Errorf("assemble history: %w", err)
	}

	w, err := trace.NewWriter(o.traceDir, key)
	if err != nil {
		return fmt.Errorf("open trace: %w", err)
	}

	req := &harness.Request{
		SessionKey:   key,
		RunID:        types.NewRunID(),
		Author:       event.Author,
		SystemPrompt: system,
		UserMessage:  event.Content,
		Attachments:  event.Attachments,
		Settings:     resolved,
	}

	h := o.engine(resolved, history)
	h = harness.WithTracing(h, w, harness.TraceOptions{
		Channel:    event.Channel,
		Invocation: fmt.Sprintf("switchboard run --session %s --harness %s", key, resolved.Harness),
		SkipDeltas: resolved.StreamMode != settings.ModeStream,
	})
	h = harness.WithPersistence(h, o.store)
	h = harness.WithRelay(h, handler, resolved.StreamMode)
	h = harness.WithTyping(h, handler)

	runErr := h.Run(ctx, req, harness.NopSink{})

	if rp, ok := entry.channel.(types.Reprompter); ok {
		rp.Reprompt()
	}
	if runErr != nil {
		return runErr
	}
	if key != CompactionSessionKey {
		o.maybeCompact(key, resolved)
	}
	return nil
}

// resolveSettings merges the three cascade levels for one session: global
// config, channel overrides, then the session's stored config blob.
func (o *Orchestrator) resolveSettings(ctx context.Context, key types.SessionKey) settings.Resolved {
	var session *settings.Settings
	raw, err := o.store.SessionConfig(ctx, key)
	switch {
	case err != nil:
		slog.Warn("session config load failed", "session", key, "error", err)
	case len(raw) > 0:
		var s settings.Settings
		if jerr := json.Unmarshal(raw, &s); jerr != nil {
			slog.Warn("session config malformed", "session", key, "error", jerr)
		} else {
			session = &s
		}
	}
	return settings.Resolve(&o.cfg.Settings, o.cfg.ChannelSettings(key.Channel()), session)
}

// handleStop interrupts the session's in-flight run if any, clears its queue,
// and confirms exactly what happened.
func (o *Orchestrator) handleStop(event *types.InboundEvent, ch types.Channel) {
	o.mu.Lock()
	var cleared int
	var interrupted bool
	if st := o.sessions[event.SessionKey]; st != nil {
		cleared = len(st.queue)
		st.queue = nil
		if st.cancel != nil {
			st.cancel()
			interrupted = true
		}
	}
	o.mu.Unlock()

	var text string
	switch {
	case interrupted && cleared > 0:
		text = fmt.Sprintf("Stopped the current response and cleared %d queued message(s).", cleared)
	case interrupted:
		text = "Stopped the current response."
	case cleared > 0:
		text = fmt.Sprintf("Cleared %d queued message(s).", cleared)
	default:
		text = "Nothing is running for this conversation."
	}
	o.confirm(context.WithoutCancel(o.ctx), ch.CreateHandler(event), text)
}

// handleNew archives the current conversation: any uncompacted history is
// compacted synchronously first so nothing is lost, then every message is
// marked archived and drops out of future prompts.
func (o *Orchestrator) handleNew(ctx context.Context, entry queueEntry) error {
	key := entry.event.SessionKey
	handler := entry.channel.CreateHandler(entry.event)

	count, err := o.store.CountUnarchived(ctx, key)
	if err != nil {
		return fmt.Errorf("count unarchived: %w", err)
	}
	if count == 0 {
		o.confirm(ctx, handler, "This conversation is already fresh.")
		return nil
	}

	pending, err := o.store.CountUncompacted(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("count uncompacted: %w", err)
	}
	if pending > 0 {
		if err := o.acquireCompaction(ctx); err != nil {
			return err
		}
		err = o.runCompaction(ctx, key, pending)
		o.releaseCompaction()
		if err != nil {
			return fmt.Errorf("compact before archive: %w", err)
		}
	}

	if err := o.store.MarkArchived(ctx, key); err != nil {
		return fmt.Errorf("archive session: %w", err)
	}
	o.confirm(ctx, handler, fmt.Sprintf("Archived %d message(s). Starting fresh.", count))
	return nil
}

func (o *Orchestrator) confirm(ctx context.Context, h types.OutputHandler, text string) {
	if err := h.Relay(ctx, text); err != nil {
		slog.Error("confirmation relay failed", "error", err)
	}
	h.EndMessage()
}
