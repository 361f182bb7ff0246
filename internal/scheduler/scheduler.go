// Package scheduler triggers the periodic syncs of the TrueLayer service.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ScheduleTime represents a specific time of day when a daily job should run.
type ScheduleTime struct {
	Hour   int
	Minute int
}

// String returns the time in HH:MM format.
func (st ScheduleTime) String() string {
	return fmt.Sprintf("%02d:%02d", st.Hour, st.Minute)
}

// ParseScheduleTime parses a time string in HH:MM format.
func ParseScheduleTime(s string) (ScheduleTime, error) {
	var hour, minute int
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return ScheduleTime{}, fmt.Errorf("invalid time format (expected HH:MM): %w", err)
	}

	if hour < 0 || hour > 23 {
		return ScheduleTime{}, fmt.Errorf("invalid hour: %d (must be 0-23)", hour)
	}
	if minute < 0 || minute > 59 {
		return ScheduleTime{}, fmt.Errorf("invalid minute: %d (must be 0-59)", minute)
	}

	return ScheduleTime{Hour: hour, Minute: minute}, nil
}

// Job is one scheduled unit of work.
type Job func(ctx context.Context) error

// Config holds configuration for the scheduler.
type Config struct {
	// Interval between runs of IntervalJob. Zero disables it.
	Interval    time.Duration
	IntervalJob Job

	// DailyTimes are HH:MM times at which DailyJob runs.
	DailyTimes []string
	DailyJob   Job

	// JobTimeout bounds a single run. Zero means no bound.
	JobTimeout time.Duration
}

// Scheduler runs an interval job and a set of daily jobs until shut down.
// A job never overlaps with itself: a tick that arrives while the previous
// run is still going is dropped.
type Scheduler struct {
	cfg        Config
	dailyTimes []ScheduleTime
	logger     *zap.Logger
	tick       time.Duration
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	lastRunKey  string
	intervalRun sync.Mutex
	dailyRun    sync.Mutex
}

// New creates a scheduler with the given configuration.
func New(cfg Config, logger *zap.Logger) (*Scheduler, error) {
	dailyTimes := make([]ScheduleTime, 0, len(cfg.DailyTimes))
	for _, timeStr := range cfg.DailyTimes {
		st, err := ParseScheduleTime(timeStr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse schedule time %q: %w", timeStr, err)
		}
		dailyTimes = append(dailyTimes, st)
	}
	sort.Slice(dailyTimes, func(i, j int) bool {
		return dailyTimes[i].Hour*60+dailyTimes[i].Minute < dailyTimes[j].Hour*60+dailyTimes[j].Minute
	})

	if cfg.Interval > 0 && cfg.IntervalJob == nil {
		return nil, fmt.Errorf("interval job is required when an interval is set")
	}
	if len(dailyTimes) > 0 && cfg.DailyJob == nil {
		return nil, fmt.Errorf("daily job is required when daily times are set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:        cfg,
		dailyTimes: dailyTimes,
		logger:     logger,
		tick:       time.Minute,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start launches the scheduling loops.
func (s *Scheduler) Start() {
	if s.cfg.Interval > 0 {
		s.wg.Add(1)
		go s.intervalLoop()
	}
	if len(s.dailyTimes) > 0 {
		s.wg.Add(1)
		go s.dailyLoop()
	}

	fields := []zap.Field{
		zap.Duration("interval", s.cfg.Interval),
		zap.Stringers("daily_times", s.dailyTimes),
	}
	if next := s.NextDailyRun(time.Now()); !next.IsZero() {
		fields = append(fields, zap.Time("next_daily_run", next))
	}
	s.logger.Info("scheduler started", fields...)
}

func (s *Scheduler) intervalLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.run("interval", &s.intervalRun, s.cfg.IntervalJob)
		}
	}
}

func (s *Scheduler) dailyLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if now := s.now(); s.shouldRun(now) {
				s.logger.Info("daily job triggered", zap.String("at", now.Format("15:04")))
				s.run("daily", &s.dailyRun, s.cfg.DailyJob)
			}
		}
	}
}

// shouldRun reports whether now matches a daily time not yet run this minute.
func (s *Scheduler) shouldRun(now time.Time) bool {
	currentKey := now.Format("2006-01-02-15:04")

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastRunKey == currentKey {
		return false
	}

	for _, st := range s.dailyTimes {
		if now.Hour() == st.Hour && now.Minute() == st.Minute {
			s.lastRunKey = currentKey
			return true
		}
	}
	return false
}

func (s *Scheduler) run(name string, guard *sync.Mutex, job Job) {
	if !guard.TryLock() {
		s.logger.Warn("previous run still in progress, skipping", zap.String("job", name))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer guard.Unlock()

		ctx := s.ctx
		if s.cfg.JobTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.cfg.JobTimeout)
			defer cancel()
		}

		start := time.Now()
		if err := job(ctx); err != nil {
			s.logger.Error("scheduled job finished with errors",
				zap.String("job", name),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err),
			)
			return
		}
		s.logger.Info("scheduled job finished",
			zap.String("job", name),
			zap.Duration("duration", time.Since(start)),
		)
	}()
}

// TriggerNow runs the interval job immediately, unless it is already running.
func (s *Scheduler) TriggerNow() {
	if s.cfg.IntervalJob == nil {
		return
	}
	s.run("interval", &s.intervalRun, s.cfg.IntervalJob)
}

// NextDailyRun returns the next time the daily job is due after now.
func (s *Scheduler) NextDailyRun(now time.Time) time.Time {
	for _, st := range s.dailyTimes {
		scheduled := time.Date(now.Year(), now.Month(), now.Day(), st.Hour, st.Minute, 0, 0, now.Location())
		if scheduled.After(now) {
			return scheduled
		}
	}

	if len(s.dailyTimes) > 0 {
		st := s.dailyTimes[0]
		tomorrow := now.AddDate(0, 0, 1)
		return time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(), st.Hour, st.Minute, 0, 0, now.Location())
	}
	return time.Time{}
}

// Shutdown cancels running jobs and waits up to timeout for them to stop.
func (s *Scheduler) Shutdown(timeout time.Duration) {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
	case <-time.After(timeout):
		s.logger.Warn("timeout waiting for scheduled jobs to stop")
	}
}
