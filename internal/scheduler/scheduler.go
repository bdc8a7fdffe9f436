// Package scheduler implements the Scheduler component: a low-frequency
// ticker that walks persisted ScheduledTasks and invokes their module when
// the task's recurrence matches the current instant. It mirrors the
// original implementation's single background thread with a 1 Hz
// resolution rather than a cron-expression engine, because RORI's
// recurrence model mixes independent seconds/minutes/hours/days/at fields
// that a cron string cannot represent without lossy translation.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/rakunlabs/at/internal/model"
	"github.com/rakunlabs/at/internal/store"
)

// Invoker dispatches a fired task to its module. Implemented by the
// Supervisor, which routes the call into the module activation loop as a
// synthetic Interaction.
type Invoker interface {
	InvokeModule(ctx context.Context, moduleID int64, parameter map[string]string) error
}

// LeaderElector reports whether this process is allowed to fire tasks.
// In single-instance deployments, use AlwaysLeader. In clustered
// deployments, internal/cluster's Cluster implements it so exactly one
// replica's ticker is active at a time.
type LeaderElector interface {
	IsLeader() bool
}

// AlwaysLeader is the LeaderElector for non-clustered deployments.
type AlwaysLeader struct{}

// IsLeader always returns true.
func (AlwaysLeader) IsLeader() bool { return true }

// Scheduler owns the recurrence tick loop.
type Scheduler struct {
	tasks   store.TaskStorer
	modules store.ModuleStorer
	devices store.DeviceStorer
	invoker Invoker
	leader  LeaderElector

	tick time.Duration
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick overrides the default 1-second tick resolution. Exposed mainly
// for tests so they don't need to wait a full second per assertion.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) { s.tick = d }
}

// WithLeaderElector installs a LeaderElector; omit for single-instance use.
func WithLeaderElector(l LeaderElector) Option {
	return func(s *Scheduler) { s.leader = l }
}

// New builds a Scheduler.
func New(tasks store.TaskStorer, modules store.ModuleStorer, devices store.DeviceStorer, invoker Invoker, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:   tasks,
		modules: modules,
		devices: devices,
		invoker: invoker,
		leader:  AlwaysLeader{},
		tick:    time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the tick loop until ctx is canceled. Each tick loads the
// current task set, self-heals invalid rows, and fires whichever tasks
// match the instant.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if !s.leader.IsLeader() {
				continue
			}
			s.runOnce(ctx, now)
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, now time.Time) {
	tasks, err := s.tasks.AllTasks(ctx)
	if err != nil {
		slog.Error("scheduler: load tasks failed", "error", err)
		return
	}

	for _, t := range tasks {
		if err := s.validate(ctx, t); err != nil {
			slog.Warn("scheduler: dropping invalid task", "task_id", t.ID, "reason", err)
			if rmErr := s.tasks.RemoveTask(ctx, t.ID); rmErr != nil {
				slog.Error("scheduler: failed to drop invalid task", "task_id", t.ID, "error", rmErr)
			}
			continue
		}

		if !Matches(t, now) {
			continue
		}

		s.fire(ctx, t)
	}
}

// validate self-heals a task the way the original load_task did: a task is
// dropped if its module no longer exists, its parameter map is empty, or
// its (ring_id, username) target no longer resolves to a live device — an
// empty or dangling target means the task can never deliver anywhere
// useful and is the remnant of a failed /task/add or a since-revoked user.
func (s *Scheduler) validate(ctx context.Context, t model.ScheduledTask) error {
	if _, err := s.modules.ModuleByID(ctx, t.Module); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("module %d no longer exists", t.Module)
		}
		return err
	}

	params, err := decodeParameter(t.Parameter)
	if err != nil {
		return fmt.Errorf("parameter is not valid JSON: %w", err)
	}
	if len(params) == 0 {
		return errors.New("parameter map is empty")
	}

	if err := s.validateTarget(ctx, params); err != nil {
		return err
	}

	return nil
}

// validateTarget confirms parameter carries a (ring_id, username) pair that
// resolves to a live device: ring_id identifies the system account the
// reply goes out on, username the device owner to resolve via the Store.
func (s *Scheduler) validateTarget(ctx context.Context, params map[string]string) error {
	if params["ring_id"] == "" {
		return errors.New("parameter has no ring_id")
	}

	username := params["username"]
	if username == "" {
		return errors.New("parameter has no username")
	}

	devs, err := s.devices.DevicesByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("resolve username %q: %w", username, err)
	}
	if len(devs) == 0 {
		return fmt.Errorf("username %q does not resolve to a live device", username)
	}

	return nil
}

func (s *Scheduler) fire(ctx context.Context, t model.ScheduledTask) {
	params, err := decodeParameter(t.Parameter)
	if err != nil {
		slog.Error("scheduler: decode parameter failed", "task_id", t.ID, "error", err)
		return
	}

	if err := s.invoker.InvokeModule(ctx, t.Module, params); err != nil {
		slog.Error("scheduler: invoke module failed", "task_id", t.ID, "module_id", t.Module, "error", err)
	}

	if !t.Repeat {
		if err := s.tasks.RemoveTask(ctx, t.ID); err != nil {
			slog.Error("scheduler: remove one-shot task failed", "task_id", t.ID, "error", err)
		}
	}
}

func decodeParameter(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Matches reports whether task t should fire at instant now. Seconds,
// Minutes and Hours are independent strides measured from the Unix epoch
// (so "every 30 seconds" fires on :00 and :30 of every minute, matching
// the original clokwerk-backed scheduler's wall-clock-aligned behavior).
// At anchors the fire instant to a specific "HH:MM" when set. Days
// restricts firing to a weekday name ("Monday"), or a numeric day-of-month
// stride when parseable as an integer.
func Matches(t model.ScheduledTask, now time.Time) bool {
	if t.At != "" {
		if !matchesAt(t.At, now) {
			return false
		}
		if t.Days != "" {
			return matchesDays(t.Days, now)
		}
		// An At with no Days fires once per matching minute, every day.
		return true
	}

	if t.Days != "" && !matchesDays(t.Days, now) {
		return false
	}

	switch {
	case t.Seconds > 0:
		return now.Unix()%t.Seconds == 0
	case t.Minutes > 0:
		return now.Unix()%(t.Minutes*60) == 0
	case t.Hours > 0:
		return now.Unix()%(t.Hours*3600) == 0
	case t.Days != "":
		// Days alone with no other recurrence: fire once at local midnight.
		return now.Hour() == 0 && now.Minute() == 0 && now.Second() == 0
	default:
		return false
	}
}

func matchesAt(at string, now time.Time) bool {
	parts := strings.SplitN(at, ":", 2)
	if len(parts) != 2 {
		return false
	}
	hh, err1 := strconv.Atoi(parts[0])
	mm, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return false
	}
	return now.Hour() == hh && now.Minute() == mm && now.Second() == 0
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func matchesDays(days string, now time.Time) bool {
	if strings.EqualFold(days, "Weekday") {
		wd := now.Weekday()
		return wd >= time.Monday && wd <= time.Friday
	}

	if wd, ok := weekdays[strings.ToLower(days)]; ok {
		return now.Weekday() == wd
	}

	if n, err := strconv.Atoi(days); err == nil && n > 0 {
		return now.Day()%n == 0
	}

	return false
}
