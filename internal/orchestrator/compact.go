package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/switchboard/internal/settings"
	"github.com/user/switchboard/internal/types"
)

// maybeCompact launches a background compaction run when a session's
// uncompacted count crosses its threshold. At most one compaction runs
// process-wide; a trigger that loses the race is skipped and the next
// completed run retries.
func (o *Orchestrator) maybeCompact(key types.SessionKey, resolved settings.Resolved) {
	c := resolved.Compaction
	if c.Threshold <= 0 {
		return
	}
	count, err := o.store.CountUncompacted(o.ctx, key, c.Kinds)
	if err != nil {
		slog.Error("compaction count failed", "session", key, "error", err)
		return
	}
	if count < int64(c.Threshold) {
		return
	}
	if !o.tryAcquireCompaction() {
		slog.Debug("compaction already in flight, skipping", "session", key)
		return
	}

	// Round up so a small percentage of a small window still compacts
	// at least one message.
	n := (count*int64(c.Percent) + 99) / 100
	if n <= 0 || n > count {
		n = count
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.releaseCompaction()
		if err := o.runCompaction(o.ctx, key, n); err != nil {
			slog.Error("compaction failed", "session", key, "error", err)
		}
	}()
}

// runCompaction folds the n oldest messages of key into long-term memory by
// dispatching a synthetic run on the dedicated compaction session, then
// retires both the folded rows and the synthetic transcript. Callers hold
// the compaction slot.
func (o *Orchestrator) runCompaction(ctx context.Context, key types.SessionKey, n int64) error {
	slog.Info("compacting", "session", key, "messages", n)
	ev := &types.InboundEvent{
		SessionKey: CompactionSessionKey,
		Channel:    "system",
		Target:     "compaction",
		Author:     "system",
		At:         time.Now(),
		Content: fmt.Sprintf(
			"Review the oldest %d messages of conversation %s and save anything worth remembering to long-term memory with memory_save. Reply with a one-line summary when done.",
			n, key),
	}
	runErr := o.process(ctx, queueEntry{event: ev, channel: nullChannel{}})

	cleanup := context.WithoutCancel(ctx)
	if err := o.store.MarkCompacted(cleanup, CompactionSessionKey); err != nil {
		slog.Error("compaction transcript cleanup failed", "error", err)
	}
	if runErr != nil {
		return runErr
	}
	return o.store.MarkOldestCompacted(cleanup, key, n)
}

func (o *Orchestrator) tryAcquireCompaction() bool {
	select {
	case o.compacting <- struct{}{}:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) acquireCompaction(ctx context.Context) error {
	select {
	case o.compacting <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) releaseCompaction() { <-o.compacting }

// nullChannel backs synthetic runs that have no user-facing surface.
type nullChannel struct{}

func (nullChannel) Name() string { return "system" }

func (nullChannel) CreateHandler(*types.InboundEvent) types.OutputHandler { return nullHandler{} }

type nullHandler struct{}

func (nullHandler) Relay(context.Context, string) error { return nil }
func (nullHandler) EndMessage()                         {}
