// Package orchestrator runs query tasks against the configured log sources.
//
// A task parses its query once, resolves the instances it targets and
// acquires one cache entry per instance. Fetches are shared between tasks
// whose parameters hash to the same cache key. Every batch merged into an
// entry triggers a recomputation of each interested task: its subtask
// snapshots are merged newest first, the pipeline is rerun and a summary is
// sent to the Notifier.
//
// Locking: the cache has one mutex, each task has its own. A task lock may
// be held while calling into the cache; the cache lock is never held while
// taking a task lock.
//
// Logging:
//   - Logger is dependency-injected via Config
//   - Scoped with component="orchestrator"
//   - Lifecycle events only: task start/finish/cancel, fetch failures,
//     pipeline errors, config changes
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"

	"cruncher/internal/adapter"
	"cruncher/internal/cache"
	"cruncher/internal/callgroup"
	"cruncher/internal/config"
	"cruncher/internal/logging"
	"cruncher/internal/query"
	"cruncher/internal/querylang"
)

var (
	// ErrTaskNotFound is returned for an unknown or released task ID.
	ErrTaskNotFound = errors.New("task not found")
	// ErrUnknownInstance is returned when a target or source ref names no
	// configured instance.
	ErrUnknownInstance = errors.New("unknown instance")
	// ErrUnknownProfile is returned for a target profile that does not exist.
	ErrUnknownProfile = errors.New("unknown profile")
	// ErrNoInstances is returned when a query resolves to zero instances.
	ErrNoInstances = errors.New("query targets no instances")
	// ErrInvalidArgument is returned for malformed ranges, pages or formats.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrClosed is returned by RunQuery after Close.
	ErrClosed = errors.New("orchestrator closed")
)

// histogramTicks is the number of buckets in a batch summary histogram.
const histogramTicks = 100

// Config configures an Orchestrator. Zero durations and sizes take the
// config package defaults.
type Config struct {
	// Registry resolves connector types to plugins. Required.
	Registry *adapter.Registry

	// Notifier receives batch summaries and status changes. May be nil.
	Notifier Notifier

	// Logger is the base logger. If nil, logging is disabled.
	Logger *slog.Logger

	TaskTTL              time.Duration
	SweepCron            string
	MaxConcurrentFetches int
	ParseCacheSize       int

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Orchestrator owns the task table, the query cache and the instance
// registry.
type Orchestrator struct {
	registry *adapter.Registry
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	cache     *cache.Cache
	engine    *query.Engine
	parsed    *lru.Cache[string, *querylang.Query]
	pool      *ants.Pool
	sweeper   *sweeper
	params    callgroup.Group[string, map[string][]string]

	// ctx outlives every task; it is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool

	// gate is held shared while RunQuery registers a task and exclusively
	// by ResetQueries and Close, so neither sees a half-registered task.
	gate sync.RWMutex

	batches atomic.Int64

	mu        sync.RWMutex
	tasks     map[string]*Task
	instances map[string]*instance
	profiles  map[string][]string
	taskTTL   time.Duration
	sweepCron string
}

// New creates an orchestrator with no instances. Call ApplyConfig to add
// them and Start to begin sweeping expired tasks.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, errors.New("orchestrator: registry is required")
	}
	server := config.ServerConfig{
		TaskTTL:              cfg.TaskTTL,
		SweepCron:            cfg.SweepCron,
		MaxConcurrentFetches: cfg.MaxConcurrentFetches,
		ParseCacheSize:       cfg.ParseCacheSize,
	}.WithDefaults()
	if err := server.ValidateCron(); err != nil {
		return nil, err
	}

	logger := logging.Default(cfg.Logger).With("component", "orchestrator")

	parsed, err := lru.New[string, *querylang.Query](server.ParseCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create parse cache: %w", err)
	}
	pool, err := ants.NewPool(server.MaxConcurrentFetches, ants.WithPanicHandler(func(v any) {
		logger.Error("fetch panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("create fetch pool: %w", err)
	}

	notifier := cfg.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		registry:  cfg.Registry,
		notifier:  notifier,
		logger:    logger,
		now:       now,
		cache:     cache.New(cfg.Logger),
		engine:    query.NewEngine(),
		parsed:    parsed,
		pool:      pool,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[string]*Task),
		instances: make(map[string]*instance),
		profiles:  make(map[string][]string),
		taskTTL:   server.TaskTTL,
		sweepCron: server.SweepCron,
	}
	if o.sweeper, err = newSweeper("task-sweep", o.sweepCron, o.sweep, logger); err != nil {
		pool.Release()
		cancel()
		return nil, err
	}
	return o, nil
}

// Start begins the expired-task sweep.
func (o *Orchestrator) Start() {
	o.sweeper.start()
}

// Close cancels every task and fetch and waits for them to stop.
func (o *Orchestrator) Close() error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.ResetQueries()
	o.cancel()
	o.wg.Wait()

	var errs []error
	if err := o.pool.ReleaseTimeout(5 * time.Second); err != nil {
		errs = append(errs, fmt.Errorf("release fetch pool: %w", err))
	}
	if err := o.sweeper.stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop sweeper: %w", err))
	}
	o.logger.Info("orchestrator closed")
	return errors.Join(errs...)
}

// SweepJob reports the expired-task sweep schedule and its last and next
// runs.
func (o *Orchestrator) SweepJob() JobInfo {
	return o.sweeper.info()
}

// parse returns the AST for text, memoized by the exact text.
func (o *Orchestrator) parse(text string) (*querylang.Query, error) {
	if q, ok := o.parsed.Get(text); ok {
		return q, nil
	}
	q, err := querylang.Parse(text)
	if err != nil {
		return nil, err
	}
	o.parsed.Add(text, q)
	return q, nil
}

// task returns the live task with id.
func (o *Orchestrator) task(id string) (*Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	return t, nil
}

// Stats is a point-in-time count of orchestrator state, for metrics.
type Stats struct {
	Tasks        map[Status]int
	CacheEntries int
	Batches      int64
	Instances    int
	PoolRunning  int
	PoolWaiting  int
}

// Stats returns current counts.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	tasks := make(map[Status]int)
	for _, t := range o.tasks {
		tasks[t.Status()]++
	}
	instances := len(o.instances)
	o.mu.RUnlock()

	return Stats{
		Tasks:        tasks,
		CacheEntries: o.cache.Len(),
		Batches:      o.batches.Load(),
		Instances:    instances,
		PoolRunning:  o.pool.Running(),
		PoolWaiting:  o.pool.Waiting(),
	}
}
