// Package scheduler implements the Scheduler (spec §4.9): a bounded worker
// pool firing JobDefinitions on cron or interval triggers, enforcing
// dependency freshness, same-job-never-concurrent, and whole-job retry with
// exponential backoff. Grounded on backend/scheduler/service.go's
// cron.New(WithSeconds(), WithChain(SkipIfStillRunning, Recover)) runner and
// its metadata/ingestion client-dispatch shape, generalized from an
// HTTP-triggered remote ingestion call to an in-process Job.
package scheduler

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/aicc6/weather-flick-batch/internal/batcherr"
	"github.com/aicc6/weather-flick-batch/internal/jobdef"
	"github.com/aicc6/weather-flick-batch/internal/jobs"
	"github.com/aicc6/weather-flick-batch/internal/keyregistry"
	"github.com/aicc6/weather-flick-batch/internal/ledger"
	"github.com/aicc6/weather-flick-batch/internal/logging"
	"github.com/aicc6/weather-flick-batch/internal/notify"
)

// keyMaintenanceInterval is the period the scheduler re-probes
// disabled-but-cooled-down keys, an always-on maintenance tick rather than
// a reactivation that only happens the next time a job asks for a key.
const keyMaintenanceInterval = 5 * time.Minute

// defaultWorkerPoolSize is spec §4.9's "bounded worker pool (default 20
// concurrent executions)".
const defaultWorkerPoolSize = 20

// JobFactory builds the runnable Job for a JobDefinition; jobs are
// constructed per-fire rather than held statically so each run gets fresh
// per-invocation state.
type JobFactory func(def jobdef.Definition) jobs.Job

// Scheduler owns the JobDefinition registry and fires bodies through a
// bounded worker pool.
type Scheduler struct {
	registry *jobdef.Registry
	ledger   *ledger.Ledger
	sink     notify.Sink
	factory  JobFactory
	log      *logging.Logger
	loc      *time.Location

	cronRunner *cron.Cron
	workers    chan struct{}

	mu      sync.Mutex
	running map[string]bool
	lastFire map[string]time.Time

	keyRegistry *keyregistry.Registry
	probers     map[keyregistry.Provider]keyregistry.Prober
}

type Options struct {
	WorkerPoolSize int
	Location       *time.Location
}

// WithKeyMaintenance enables the periodic probe-disabled-keys tick (a
// supplemented feature beyond the distilled spec's on-demand-only probe())
// for the given provider, using probe to issue one cheap request per
// candidate key.
func (s *Scheduler) WithKeyMaintenance(registry *keyregistry.Registry, provider keyregistry.Provider, probe keyregistry.Prober) *Scheduler {
	s.keyRegistry = registry
	if s.probers == nil {
		s.probers = make(map[keyregistry.Provider]keyregistry.Prober)
	}
	s.probers[provider] = probe
	return s
}

func New(registry *jobdef.Registry, ldg *ledger.Ledger, sink notify.Sink, factory JobFactory, log *logging.Logger, opts Options) *Scheduler {
	poolSize := opts.WorkerPoolSize
	if poolSize <= 0 {
		poolSize = defaultWorkerPoolSize
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Scheduler{
		registry: registry,
		ledger:   ldg,
		sink:     sink,
		factory:  factory,
		log:      log,
		loc:      loc,
		cronRunner: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(loc),
			cron.WithChain(
				cron.SkipIfStillRunning(cron.DefaultLogger),
				cron.Recover(cron.DefaultLogger),
			),
		),
		workers:  make(chan struct{}, poolSize),
		running:  make(map[string]bool),
		lastFire: make(map[string]time.Time),
	}
}

// Start schedules every enabled Definition's trigger and runs the misfire
// sweep, then starts the cron runner.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, def := range s.registry.Enabled() {
		if err := s.schedule(ctx, def); err != nil {
			return err
		}
	}
	s.runMisfireSweep(ctx)
	s.cronRunner.Start()
	if len(s.probers) > 0 {
		go s.runKeyMaintenance(ctx)
	}
	return nil
}

func (s *Scheduler) runKeyMaintenance(ctx context.Context) {
	ticker := time.NewTicker(keyMaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for provider, probe := range s.probers {
				n := s.keyRegistry.Probe(ctx, provider, probe)
				if n > 0 {
					s.log.WithField("provider", provider).WithField("reactivated", n).Info("key maintenance reactivated keys")
				}
			}
		}
	}
}

func (s *Scheduler) Stop() {
	<-s.cronRunner.Stop().Done()
}

func (s *Scheduler) schedule(ctx context.Context, def jobdef.Definition) error {
	fire := func() { s.fire(ctx, def, 0) }

	if def.Trigger.Cron != "" {
		_, err := s.cronRunner.AddFunc(def.Trigger.Cron, fire)
		if err != nil {
			return batcherr.New(batcherr.KindConfigError, "scheduler.schedule", err)
		}
		return nil
	}
	if def.Trigger.Interval > 0 {
		go s.runInterval(ctx, def.Trigger.Interval, fire)
		return nil
	}
	return batcherr.Newf(batcherr.KindConfigError, "scheduler.schedule", "job %s has neither cron nor interval trigger", def.ID)
}

func (s *Scheduler) runInterval(ctx context.Context, interval time.Duration, fire func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}

// runMisfireSweep fires, once, any enabled interval job whose last
// successful execution ended longer ago than one trigger period (spec §4.9
// "misfire grace window = one trigger period"). Jobs with no recorded
// success are not fired by the sweep. Cron misfires beyond the window are
// dropped rather than backfilled, to avoid a startup storm.
func (s *Scheduler) runMisfireSweep(ctx context.Context) {
	now := time.Now().In(s.loc)
	for _, def := range s.registry.Enabled() {
		period := def.Trigger.Interval
		if period <= 0 {
			continue // cron misfires beyond the grace window are dropped; no fixed period to measure against
		}
		exec, ok, err := s.ledger.LastSuccess(ctx, def.ID)
		if err != nil || !ok {
			continue
		}
		if now.Sub(exec.EndedAt) > period {
			go s.fire(ctx, def, 0)
		}
	}
}

// fire implements spec §4.9's on-fire step sequence.
func (s *Scheduler) fire(ctx context.Context, def jobdef.Definition, attempt int) {
	s.mu.Lock()
	if s.running[def.ID] {
		s.mu.Unlock()
		s.log.WithField("job_id", def.ID).Info("job already running, skipping fire")
		return
	}
	s.running[def.ID] = true
	s.lastFire[def.ID] = time.Now().In(s.loc)
	s.mu.Unlock()

	clearRunning := func() {
		s.mu.Lock()
		s.running[def.ID] = false
		s.mu.Unlock()
	}

	if !s.dependenciesSatisfied(ctx, def) {
		clearRunning()
		s.recordSkip(ctx, def, "dependency not satisfied within freshness window")
		return
	}

	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		clearRunning()
		return
	}

	go func() {
		defer func() {
			s.mu.Lock()
			s.running[def.ID] = false
			s.mu.Unlock()
			<-s.workers
		}()
		s.runOnce(ctx, def, attempt)
	}()
}

func (s *Scheduler) dependenciesSatisfied(ctx context.Context, def jobdef.Definition) bool {
	for _, dep := range def.Dependencies {
		exec, ok, err := s.ledger.LastSuccess(ctx, dep)
		if err != nil || !ok {
			return false
		}
		if time.Since(exec.EndedAt) > 24*time.Hour {
			return false
		}
	}
	return true
}

func (s *Scheduler) recordSkip(ctx context.Context, def jobdef.Definition, reason string) {
	exec := jobs.Execution{
		ExecutionID:  uuid.New().String(),
		JobID:        def.ID,
		StartedAt:    time.Now(),
		EndedAt:      time.Now(),
		Status:       jobs.StatusSkipped,
		ErrorMessage: reason,
	}
	if err := s.ledger.RecordStart(ctx, exec); err != nil {
		s.log.WithError(err).Error("failed to record skipped execution")
	}
}

func (s *Scheduler) runOnce(ctx context.Context, def jobdef.Definition, attempt int) {
	runCtx := ctx
	var cancel context.CancelFunc
	if def.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	job := s.factory(def)
	exec := jobs.RunTracked(runCtx, job, jobs.Params{"attempt": attempt}, func(start jobs.Execution) {
		if err := s.ledger.RecordStart(ctx, start); err != nil {
			s.log.WithError(err).Error("failed to persist job start record")
		}
	})
	exec.RetryAttempt = attempt

	if err := s.ledger.Record(ctx, exec); err != nil {
		s.log.WithError(err).Error("failed to persist job end record")
	}

	if exec.Status == jobs.StatusSuccess {
		return
	}

	retryable := attempt < def.MaxRetries && batcherr.Retryable(classifyExecErr(exec))
	if retryable {
		exec.RetryStatus = jobs.RetryScheduled
		delay := backoffDelay(def.RetryBackoffBase, attempt)
		s.log.WithField("job_id", def.ID).WithField("attempt", attempt+1).
			WithField("delay", delay).Warn("scheduling retry")
		time.AfterFunc(delay, func() { s.fire(ctx, def, attempt+1) })
		return
	}

	exec.RetryStatus = jobs.RetryExhausted
	s.alertFailure(ctx, def, exec)
}

func (s *Scheduler) alertFailure(ctx context.Context, def jobdef.Definition, exec jobs.Execution) {
	alert := notify.Alert{
		JobID:      def.ID,
		Incident:   "job:" + def.ID + ":failed",
		Severity:   exec.ErrorSeverity,
		Message:    exec.ErrorMessage,
		OccurredAt: time.Now(),
	}
	if err := s.sink.Notify(ctx, alert); err != nil {
		s.log.WithError(err).Error("failed to deliver failure alert")
	}
}

// classifyExecErr recovers a batcherr-classified error from an Execution's
// recorded ErrorKind, so the retryable-set check sees the job's real
// failure kind (e.g. AuthError, QuotaExhausted) instead of a reconstruction
// from Status alone, which previously collapsed every non-timeout failure
// into the always-retryable KindTransient.
func classifyExecErr(exec jobs.Execution) error {
	kind := exec.ErrorKind
	if kind == "" {
		if exec.Status == jobs.StatusTimeout {
			kind = batcherr.KindTimeout
		} else {
			kind = batcherr.KindTransient
		}
	}
	return batcherr.New(kind, "scheduler", errString(exec.ErrorMessage))
}

type errString string

func (e errString) Error() string { return string(e) }

// backoffDelay is spec §4.9's `backoff_base × 2^attempt` with an implicit
// cap (same shape as the Concurrency Governor's adaptive delay cap, here
// applied to whole-job retries rather than per-call pacing).
func backoffDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt)))
	const maxDelay = 10 * time.Minute
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
