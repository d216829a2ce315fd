package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v3"
	"github.com/google/uuid"

	"aitester/internal/eventbus"
	"aitester/internal/metrics"
	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

// Runner executes one attempt of a suite run.
type Runner interface {
	Run(ctx context.Context, job Job) (Outcome, error)
}

// Recorder persists finished executions.
type Recorder interface {
	AppendExecution(ctx context.Context, e suite.Execution) error
}

const recordTimeout = 5 * time.Second

type Service struct {
	mu      sync.Mutex
	cfg     Config
	permits chan struct{}
	stopped bool

	log     logx.Logger
	bus     eventbus.Bus
	runner  Runner
	rec     Recorder
	metrics *metrics.Metrics

	inFlight         atomic.Int32
	waitingForPermit atomic.Int32

	runMu   sync.Mutex
	running map[string]struct{}
	wg      sync.WaitGroup

	hmu     sync.Mutex
	history []suite.Execution
}

func New(cfg Config, runner Runner, rec Recorder, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		permits: newPermits(cfg.MaxConcurrent),
		log:     log,
		bus:     bus,
		runner:  runner,
		rec:     rec,
		metrics: m,
		running: map[string]struct{}{},
	}
}

func newPermits(n int) chan struct{} {
	ch := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		ch <- struct{}{}
	}
	return ch
}

// Apply swaps the configuration. A new concurrency limit applies to runs
// that have not acquired a permit yet.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if prev.MaxConcurrent != cfg.MaxConcurrent {
		s.permits = newPermits(cfg.MaxConcurrent)
	}
	s.mu.Unlock()
	s.log.Info("execution config applied", logx.Int("max_concurrent", cfg.MaxConcurrent), logx.Int("retry_max", cfg.RetryMax), logx.Duration("timeout", cfg.Timeout))
}

// Execute runs ts and blocks until the run finishes. It returns an error only
// when no verdict could be produced; failing tests come back as a Result with
// suite.StatusFailed.
func (s *Service) Execute(ctx context.Context, ts suite.TestSuite, rc RunConfig, env *suite.Environment) (Result, error) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return Result{}, ErrStopped
	}
	cfg := s.cfg
	permits := s.permits
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	if !s.tryAcquireSuite(ts.ID) {
		s.log.Debug("execution skipped: suite already running", logx.String("suite_id", ts.ID))
		return Result{}, fmt.Errorf("suite %s: %w", ts.ID, ErrAlreadyRunning)
	}
	defer s.releaseSuite(ts.ID)

	s.waitingForPermit.Add(1)
	select {
	case <-permits:
		s.waitingForPermit.Add(-1)
	case <-ctx.Done():
		s.waitingForPermit.Add(-1)
		return Result{}, ctx.Err()
	}
	defer func() { permits <- struct{}{} }()

	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	job := Job{
		ExecutionID: uuid.NewString(),
		Suite:       ts,
		Config:      rc,
		Environment: env,
		EnvName:     cfg.DefaultEnvironment,
		Browser:     cfg.Browser,
	}
	if env != nil && env.Name != "" {
		job.EnvName = env.Name
	}
	if len(rc.Browsers) > 0 && rc.Browsers[0] != "" {
		job.Browser = rc.Browsers[0]
	}
	return s.run(ctx, cfg, job)
}

func (s *Service) run(ctx context.Context, cfg Config, job Job) (Result, error) {
	start := time.Now()
	ev := Event{
		ExecutionID: job.ExecutionID,
		SuiteID:     job.Suite.ID,
		SuiteName:   job.Suite.Name,
		Trigger:     job.Config.Trigger,
		Environment: job.EnvName,
	}
	s.log.Info("execution started",
		logx.String("suite_id", job.Suite.ID),
		logx.String("execution_id", job.ExecutionID),
		logx.String("env", job.EnvName),
		logx.String("trigger", job.Config.Trigger),
		logx.Int("workers", job.Config.Workers),
	)
	eventbus.Publish(s.bus, eventbus.ExecutionStarted, ev)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = cfg.RetryBase
	eb.MaxInterval = cfg.RetryMaxDelay
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(cfg.RetryMax)), ctx)

	var out Outcome
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		job.Attempt = attempts
		o, err := s.attempt(ctx, cfg, job)
		if err != nil {
			if IsNoRetry(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = o
		return nil
	}, policy, func(err error, wait time.Duration) {
		s.log.Debug("execution retry scheduled", logx.String("suite_id", job.Suite.ID), logx.Int("attempt", attempts+1), logx.Duration("delay", wait), logx.Err(err))
	})

	took := time.Since(start)
	rec := suite.Execution{
		ID:          job.ExecutionID,
		SuiteID:     job.Suite.ID,
		SuiteName:   job.Suite.Name,
		Status:      out.Status,
		Trigger:     job.Config.Trigger,
		Environment: job.EnvName,
		StartedAt:   start.UTC(),
		FinishedAt:  start.Add(took).UTC(),
		Attempts:    attempts,
	}
	if err != nil {
		rec.Status = suite.StatusError
		rec.Error = err.Error()
	}
	if rec.Status == "" {
		rec.Status = suite.StatusError
	}
	s.record(cfg, rec)
	s.metrics.Execution(rec.Status, took)

	ev.Status = rec.Status
	ev.Attempts = attempts
	ev.Duration = took
	ev.Error = rec.Error
	fields := []logx.Field{
		logx.String("suite_id", job.Suite.ID),
		logx.String("execution_id", job.ExecutionID),
		logx.String("status", rec.Status),
		logx.Int("attempts", attempts),
		logx.Duration("dur", took),
	}
	switch rec.Status {
	case suite.StatusPassed:
		s.log.Info("execution finished", fields...)
		eventbus.Publish(s.bus, eventbus.ExecutionFinished, ev)
	default:
		s.log.Warn("execution failed", append(fields, logx.String("err", rec.Error), logx.Int("exit_code", out.ExitCode))...)
		eventbus.Publish(s.bus, eventbus.ExecutionFailed, ev)
	}

	res := Result{ExecutionID: job.ExecutionID, Status: rec.Status, Attempts: attempts, Duration: took}
	if err != nil {
		return res, fmt.Errorf("execute %s: %w", job.Suite.ID, err)
	}
	return res, nil
}

// attempt runs the runner once, converting panics into errors.
func (s *Service) attempt(ctx context.Context, cfg Config, job Job) (out Outcome, err error) {
	if s.runner == nil {
		return Outcome{}, NoRetry(errors.New("no runner configured"))
	}
	runCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("runner panicked", logx.String("suite_id", job.Suite.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("runner panic: %v", r)
		}
	}()
	return s.runner.Run(runCtx, job)
}

func (s *Service) record(cfg Config, rec suite.Execution) {
	if s.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		err := s.rec.AppendExecution(ctx, rec)
		cancel()
		if err != nil {
			s.log.Warn("execution record failed", logx.String("execution_id", rec.ID), logx.Err(err))
		}
	}

	s.hmu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > cfg.HistorySize {
		s.history = s.history[len(s.history)-cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) tryAcquireSuite(id string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if _, ok := s.running[id]; ok {
		return false
	}
	s.running[id] = struct{}{}
	return true
}

func (s *Service) releaseSuite(id string) {
	s.runMu.Lock()
	delete(s.running, id)
	s.runMu.Unlock()
}

// Running reports whether a run for suiteID is in flight.
func (s *Service) Running(suiteID string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	_, ok := s.running[suiteID]
	return ok
}

// Stop rejects new runs and waits for in-flight runs until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("execution service stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn("execution service stop timed out", logx.Int("in_flight", int(s.inFlight.Load())), logx.Err(ctx.Err()))
		return ctx.Err()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	s.runMu.Lock()
	running := make([]string, 0, len(s.running))
	for id := range s.running {
		running = append(running, id)
	}
	s.runMu.Unlock()
	sort.Strings(running)

	s.hmu.Lock()
	h := make([]suite.Execution, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		MaxConcurrent:    cfg.MaxConcurrent,
		InFlight:         int(s.inFlight.Load()),
		WaitingForPermit: int(s.waitingForPermit.Load()),
		Running:          running,
		Timeout:          cfg.Timeout,
		RetryMax:         cfg.RetryMax,
		History:          h,
	}
}
