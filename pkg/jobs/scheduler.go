package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/gatekeeper/pkg/observability"
)

// Job names
const (
	TrialReconcile = "trial-reconcile"
	AuditArchive   = "audit-archive"
)

// ErrUnknownJob is returned by RunNow for a name that was never added
var ErrUnknownJob = errors.New("unknown job")

// Func is the body of a scheduled job
type Func func(ctx context.Context) error

type entry struct {
	name string
	spec string
	fn   Func
	id   cron.EntryID
}

// Scheduler runs named jobs on cron schedules
type Scheduler struct {
	cron    *cron.Cron
	logger  *observability.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*entry
}

// NewScheduler creates a scheduler. Schedules are evaluated in UTC.
func NewScheduler(logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	logger = observability.OrNop(logger).WithField("component", "jobs")
	cronLogger := cronLogAdapter{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger)),
		),
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(map[string]*entry),
	}
}

// Add schedules fn under name. An empty spec leaves the job disabled but
// still runnable through RunNow.
func (s *Scheduler) Add(name, spec string, fn Func) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already added", name)
	}
	e := &entry{name: name, spec: spec, fn: fn}
	if spec != "" {
		id, err := s.cron.AddFunc(spec, func() { s.run(s.ctx, e) })
		if err != nil {
			return fmt.Errorf("invalid schedule %q for job %s: %w", spec, name, err)
		}
		e.id = id
	}
	s.jobs[name] = e
	return nil
}

// Start begins running scheduled jobs in the background
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.jobs {
		if e.spec == "" {
			continue
		}
		s.logger.WithFields(map[string]interface{}{
			"job":      e.name,
			"schedule": e.spec,
			"next_run": s.cron.Entry(e.id).Next,
		}).Info("Job scheduled")
	}
}

// Stop cancels running jobs and waits for them to return or for ctx to end
func (s *Scheduler) Stop(ctx context.Context) error {
	s.cancel()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a job synchronously, outside its schedule
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, e)
}

// Names lists the added jobs
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) run(ctx context.Context, e *entry) (err error) {
	started := time.Now()
	logger := s.logger.WithField("job", e.name)
	logger.Debug("Job started")

	defer func() {
		if rec := recover(); rec != nil {
			err = observability.PanicError(rec)
		}
		outcome := "success"
		if err != nil {
			outcome = "error"
			logger.WithError(err).Error("Job failed")
		} else {
			logger.WithField("duration_ms", time.Since(started).Milliseconds()).Info("Job completed")
		}
		s.metrics.ObserveJob(e.name, outcome, started)
	}()

	return e.fn(ctx)
}

// cronLogAdapter routes cron's own messages to the service logger
type cronLogAdapter struct {
	logger *observability.Logger
}

func (a cronLogAdapter) Info(msg string, keysAndValues ...interface{}) {
	// cron logs every wake up at info; keep that out of the service log
	a.logger.WithFields(kvFields(keysAndValues)).Debug("cron: " + msg)
}

func (a cronLogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	a.logger.WithError(err).WithFields(kvFields(keysAndValues)).Error("cron: " + msg)
}

func kvFields(keysAndValues []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return fields
}
