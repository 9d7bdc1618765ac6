package scheduler

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/user/switchboard/internal/types"
)

// Dispatcher accepts synthetic inbound events, normally the orchestrator.
type Dispatcher interface {
	HandleInbound(event *types.InboundEvent, ch types.Channel)
}

// ChannelResolver maps a channel name to its running adapter so a fired
// task's output goes back out the surface its session lives on.
type ChannelResolver func(name string) (types.Channel, bool)

// Scheduler registers enabled tasks as cron entries and fires each one as a
// synthetic inbound event on its session.
type Scheduler struct {
	store    *TaskStore
	dispatch Dispatcher
	resolve  ChannelResolver
	cron     *cron.Cron
}

// cronParser accepts standard 5-field expressions, an optional leading
// seconds field, and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ValidateSpec checks a cron expression against the parser the scheduler
// runs with, so task entry points can reject bad schedules up front instead
// of storing a task that never fires.
func ValidateSpec(expr string) error {
	_, err := cronParser.Parse(expr)
	return err
}

func New(store *TaskStore, dispatch Dispatcher, resolve ChannelResolver) *Scheduler {
	return &Scheduler{
		store:    store,
		dispatch: dispatch,
		resolve:  resolve,
		cron:     cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads the task list, registers every enabled task with a schedule,
// and starts the ticker. Tasks with invalid expressions are logged and
// skipped so one bad entry cannot keep the rest from running.
func (s *Scheduler) Start() error {
	tasks, err := s.store.List()
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}
		task := task
		_, err := s.cron.AddFunc(task.Schedule, func() { s.fire(task) })
		if err != nil {
			slog.Error("invalid cron schedule", "task", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		slog.Info("scheduled task", "task", task.Name, "schedule", task.Schedule, "session", task.SessionKey)
	}
	s.cron.Start()
	return nil
}

// Reload rebuilds the cron from the store, picking up added or removed tasks.
func (s *Scheduler) Reload() error {
	s.cron.Stop()
	s.cron = cron.New(cron.WithParser(cronParser))
	return s.Start()
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) fire(task *Task) {
	ch, ok := s.resolve(task.SessionKey.Channel())
	if !ok {
		slog.Error("task session has no running channel", "task", task.Name, "session", task.SessionKey)
		return
	}
	slog.Info("firing task", "task", task.Name, "session", task.SessionKey)

	var raw json.RawMessage
	if task.Conditional {
		raw = json.RawMessage(`{"conditional_send":true}`)
	}
	s.dispatch.HandleInbound(&types.InboundEvent{
		SessionKey: task.SessionKey,
		Channel:    task.SessionKey.Channel(),
		Target:     task.SessionKey.Target(),
		Author:     "scheduler",
		At:         time.Now(),
		Content:    task.Prompt,
		Raw:        raw,
	}, ch)
}
