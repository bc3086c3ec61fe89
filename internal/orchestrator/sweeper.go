package orchestrator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// JobInfo describes the sweep job.
type JobInfo struct {
	Name     string
	Schedule string
	LastRun  time.Time // zero if never run
	NextRun  time.Time // zero if not scheduled
}

// sweeper runs fn on a 5-field cron schedule that can be changed while
// running. Runs never overlap; a run still in progress when the next one is
// due pushes that one back.
type sweeper struct {
	name   string
	fn     func()
	logger *slog.Logger

	mu   sync.Mutex
	cron gocron.Scheduler
	job  gocron.Job
	expr string
}

func newSweeper(name, expr string, fn func(), logger *slog.Logger) (*sweeper, error) {
	c, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	s := &sweeper{name: name, fn: fn, logger: logger, cron: c, expr: expr}
	s.job, err = c.NewJob(gocron.CronJob(expr, false), gocron.NewTask(fn), s.options()...)
	if err != nil {
		_ = c.Shutdown()
		return nil, fmt.Errorf("schedule %s %q: %w", name, expr, err)
	}
	return s, nil
}

func (s *sweeper) options() []gocron.JobOption {
	return []gocron.JobOption{
		gocron.WithName(s.name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	}
}

// reschedule switches to expr. The current schedule stays when expr is
// rejected.
func (s *sweeper) reschedule(expr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if expr == s.expr {
		return nil
	}
	j, err := s.cron.Update(s.job.ID(), gocron.CronJob(expr, false), gocron.NewTask(s.fn), s.options()...)
	if err != nil {
		return fmt.Errorf("reschedule %s %q: %w", s.name, expr, err)
	}
	s.logger.Info("sweep rescheduled", "from", s.expr, "to", expr)
	s.job, s.expr = j, expr
	return nil
}

func (s *sweeper) info() JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := JobInfo{Name: s.name, Schedule: s.expr}
	if t, err := s.job.LastRun(); err == nil {
		info.LastRun = t
	}
	if t, err := s.job.NextRun(); err == nil {
		info.NextRun = t
	}
	return info
}

func (s *sweeper) start() { s.cron.Start() }

// stop waits for a running sweep to finish.
func (s *sweeper) stop() error { return s.cron.Shutdown() }
