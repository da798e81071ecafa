// Package scheduler runs periodic per-tenant jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"portfolio-watch-bot/internal/metrics"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Job is a unit of work run for every tenant on a fixed interval.
type Job interface {
	Name() string
	Interval() time.Duration
	Run(ctx context.Context, tenantID int64) error
}

// TenantLister returns the tenants jobs run for.
type TenantLister interface {
	IDs(ctx context.Context) ([]int64, error)
}

type Options struct {
	// Workers bounds concurrent tenants per job; 1 runs them sequentially.
	Workers     int
	TenantDelay time.Duration
	Jitter      time.Duration
	MaxBackoff  time.Duration
}

type key struct {
	job      string
	tenantID int64
}

type failure struct {
	count int
	until time.Time
}

// Scheduler drives a set of jobs until its context ends.
type Scheduler struct {
	jobs    map[string]Job
	order   []string
	tenants TenantLister
	opts    Options
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.Mutex
	failures map[key]failure
	pending  map[key]struct{}
	triggers chan key
}

func New(tenants TenantLister, opts Options, logger *zap.Logger, jobs ...Job) *Scheduler {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 15 * time.Minute
	}
	s := &Scheduler{
		jobs:     make(map[string]Job, len(jobs)),
		tenants:  tenants,
		opts:     opts,
		logger:   logger.Named("scheduler"),
		now:      time.Now,
		failures: make(map[key]failure),
		pending:  make(map[key]struct{}),
		triggers: make(chan key, 256),
	}
	for _, j := range jobs {
		s.jobs[j.Name()] = j
		s.order = append(s.order, j.Name())
	}
	return s
}

// Run starts one loop per job and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range s.order {
		job := s.jobs[name]
		g.Go(func() error {
			s.loop(ctx, job)
			return nil
		})
	}
	g.Go(func() error {
		s.triggerLoop(ctx)
		return nil
	})
	return g.Wait()
}

// Trigger asks for an out-of-band run of job for one tenant. Requests for a
// pair that is already queued are collapsed. It never blocks.
func (s *Scheduler) Trigger(job string, tenantID int64) bool {
	if _, ok := s.jobs[job]; !ok {
		return false
	}
	k := key{job, tenantID}
	s.mu.Lock()
	if _, ok := s.pending[k]; ok {
		s.mu.Unlock()
		return true
	}
	s.pending[k] = struct{}{}
	s.mu.Unlock()

	select {
	case s.triggers <- k:
		return true
	default:
		s.mu.Lock()
		delete(s.pending, k)
		s.mu.Unlock()
		s.logger.Warn("Trigger queue full, dropping", zap.String("job", job), zap.Int64("tenant", tenantID))
		return false
	}
}

func (s *Scheduler) loop(ctx context.Context, job Job) {
	log := s.logger.With(zap.String("job", job.Name()))
	if s.opts.Jitter > 0 {
		wait := time.Duration(rand.Int64N(int64(s.opts.Jitter)))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}

	log.Info("Starting job loop", zap.Duration("interval", job.Interval()))
	ticker := time.NewTicker(job.Interval())
	defer ticker.Stop()

	for {
		s.Tick(ctx, job)
		select {
		case <-ctx.Done():
			log.Info("Stopping job loop")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs job once for every tenant that is not backing off.
func (s *Scheduler) Tick(ctx context.Context, job Job) {
	ids, err := s.tenants.IDs(ctx)
	if err != nil {
		s.logger.Error("Failed to list tenants", zap.String("job", job.Name()), zap.Error(err))
		return
	}

	g := new(errgroup.Group)
	g.SetLimit(s.opts.Workers)
	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if i > 0 && s.opts.TenantDelay > 0 {
			select {
			case <-time.After(s.opts.TenantDelay):
			case <-ctx.Done():
				continue
			}
		}
		if s.backingOff(job.Name(), id) {
			metrics.JobRuns.WithLabelValues(job.Name(), "backoff").Inc()
			continue
		}
		g.Go(func() error {
			s.runOne(ctx, job, id)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Scheduler) triggerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case k := <-s.triggers:
			s.mu.Lock()
			delete(s.pending, k)
			s.mu.Unlock()
			s.runOne(ctx, s.jobs[k.job], k.tenantID)
		}
	}
}

func (s *Scheduler) runOne(ctx context.Context, job Job, tenantID int64) {
	err := s.safeRun(ctx, job, tenantID)
	k := key{job.Name(), tenantID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, k)
		metrics.JobRuns.WithLabelValues(job.Name(), "ok").Inc()
		return
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return
	}

	f := s.failures[k]
	f.count++
	f.until = s.now().Add(s.backoff(job.Interval(), f.count))
	s.failures[k] = f
	metrics.JobRuns.WithLabelValues(job.Name(), "error").Inc()
	s.logger.Warn("Job failed",
		zap.String("job", job.Name()),
		zap.Int64("tenant", tenantID),
		zap.Int("failures", f.count),
		zap.Time("retry_after", f.until),
		zap.Error(err),
	)
}

func (s *Scheduler) safeRun(ctx context.Context, job Job, tenantID int64) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.JobRuns.WithLabelValues(job.Name(), "panic").Inc()
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
		}
	}()
	return job.Run(ctx, tenantID)
}

// backoff doubles the job interval per consecutive failure.
func (s *Scheduler) backoff(interval time.Duration, failures int) time.Duration {
	d := interval
	for i := 0; i < failures && d < s.opts.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, s.opts.MaxBackoff)
}

func (s *Scheduler) backingOff(job string, tenantID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.failures[key{job, tenantID}]
	return ok && s.now().Before(f.until)
}
