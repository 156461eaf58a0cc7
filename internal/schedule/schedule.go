// Package schedule fires cron-scheduled agent instructions. Claiming a due
// row is an atomic store operation, so overlapping poll ticks and multiple
// process instances sharing the database fire each schedule once per due
// cycle.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/boardpilot/boardpilot/internal/action"
	otelx "github.com/boardpilot/boardpilot/internal/otel"
	"github.com/boardpilot/boardpilot/internal/store"
)

// MinInterval is the floor between two firings of one schedule.
const MinInterval = 5 * time.Minute

// cronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Runner executes one claimed schedule's instruction.
type Runner interface {
	RunSchedule(ctx context.Context, sched store.Schedule) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, sched store.Schedule) error

func (f RunnerFunc) RunSchedule(ctx context.Context, sched store.Schedule) error {
	return f(ctx, sched)
}

// Config holds the scheduler's dependencies.
type Config struct {
	Store    *store.Store
	Runner   Runner
	Logger   *slog.Logger
	Metrics  *otelx.Metrics
	Interval time.Duration // poll tick; defaults to 30 seconds
	Clock    func() time.Time
}

// Scheduler polls for due schedules, claims them, and hands each claim to
// the runner in its own goroutine.
type Scheduler struct {
	store    *store.Store
	runner   Runner
	logger   *slog.Logger
	metrics  *otelx.Metrics
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	running map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Scheduler.
func New(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		runner:   cfg.Runner,
		logger:   logger,
		metrics:  cfg.Metrics,
		interval: interval,
		now:      now,
		running:  make(map[string]bool),
	}
}

// Start begins the poll loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.PollOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PollOnce(ctx)
		}
	}
}

// PollOnce claims every due schedule and starts a run for each. A schedule
// whose previous run is still in flight in this process is not re-run, but
// its next_run_at is still restored so the row never goes dormant.
func (s *Scheduler) PollOnce(ctx context.Context) {
	now := s.now()
	claimed, err := s.store.ClaimDueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("claim due schedules", "error", err)
		return
	}
	if len(claimed) == 0 {
		return
	}
	if s.metrics != nil {
		s.metrics.ScheduleClaims.Add(ctx, int64(len(claimed)))
	}

	for _, sched := range claimed {
		if !s.markRunning(sched.ID) {
			s.logger.Warn("schedule still running from previous tick, skipping",
				"schedule_id", sched.ID, "name", sched.Name)
			s.restore(ctx, sched, now)
			continue
		}
		s.wg.Add(1)
		go func(sched store.Schedule) {
			defer s.wg.Done()
			s.execute(ctx, sched, now)
		}(sched)
	}
}

// ExecuteByID runs one schedule immediately, outside its cron cadence. The
// next_run_at cadence is left untouched; only last_run_at semantics apply
// through the runner's own ledger records.
func (s *Scheduler) ExecuteByID(ctx context.Context, id string) error {
	sched, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	if sched == nil {
		return action.NotFoundf("schedule %s", id)
	}
	if !s.markRunning(id) {
		return fmt.Errorf("schedule %s is already running", id)
	}
	defer s.unmarkRunning(id)

	s.logger.Info("schedule run (manual)", "schedule_id", id, "name", sched.Name)
	return s.runner.RunSchedule(ctx, *sched)
}

// execute runs one claimed schedule and always restores its next_run_at.
func (s *Scheduler) execute(ctx context.Context, sched store.Schedule, claimedAt time.Time) {
	defer s.unmarkRunning(sched.ID)
	defer s.restore(ctx, sched, claimedAt)

	start := s.now()
	err := s.runner.RunSchedule(ctx, sched)
	elapsed := s.now().Sub(start)
	if err != nil {
		s.logger.Error("schedule run failed",
			"schedule_id", sched.ID,
			"name", sched.Name,
			"elapsed", elapsed,
			"error", err,
		)
		return
	}
	s.logger.Info("schedule run completed",
		"schedule_id", sched.ID,
		"name", sched.Name,
		"elapsed", elapsed,
	)
}

// restore recomputes and writes next_run_at. On a bad expression it backs
// off by MinInterval rather than leaving the row unclaimable. The write is
// detached from the caller's context: a run cancelled by shutdown must not
// leave the row claimed forever.
func (s *Scheduler) restore(ctx context.Context, sched store.Schedule, after time.Time) {
	next, err := NextRunTime(sched.CronExpr, after)
	if err != nil {
		s.logger.Error("compute next run", "schedule_id", sched.ID, "cron_expr", sched.CronExpr, "error", err)
		next = after.Add(MinInterval)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.FinishScheduleRun(wctx, sched.ID, next); err != nil {
		s.logger.Error("restore schedule next run", "schedule_id", sched.ID, "error", err)
	}
}

func (s *Scheduler) markRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[id] {
		return false
	}
	s.running[id] = true
	return true
}

func (s *Scheduler) unmarkRunning(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, id)
}

// Create validates the cron expression, stamps the first next_run_at, and
// inserts the schedule.
func (s *Scheduler) Create(ctx context.Context, sched store.Schedule) (string, error) {
	if err := ValidateSpec(sched.CronExpr); err != nil {
		return "", err
	}
	next, err := NextRunTime(sched.CronExpr, s.now())
	if err != nil {
		return "", err
	}
	sched.NextRunAt = &next
	return s.store.InsertSchedule(ctx, sched)
}

// NextRunTime returns the expression's next firing after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	parsed, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron %q: %w", cronExpr, err)
	}
	return parsed.Next(after), nil
}

// ValidateSpec rejects malformed expressions and cadences tighter than
// MinInterval. The floor check probes consecutive firings rather than
// parsing fields, so "*/4 * * * *" and "0,2 * * * *" both fail.
func ValidateSpec(cronExpr string) error {
	parsed, err := cronParser.Parse(cronExpr)
	if err != nil {
		return action.ValidationFailedf("cron %q: %s", cronExpr, err)
	}
	after := time.Now()
	prev := parsed.Next(after)
	for i := 0; i < 8; i++ {
		next := parsed.Next(prev)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(prev); gap < MinInterval {
			return action.ValidationFailedf(
				"cron %q fires every %s, minimum interval is %s", cronExpr, gap, MinInterval)
		}
		prev = next
	}
	return nil
}
