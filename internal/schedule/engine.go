package schedule

import (
	"context"
	"sort"
	"sync"
	"time"

	"aitester/internal/eventbus"
	"aitester/internal/execution"
	"aitester/internal/metrics"
	"aitester/internal/suite"
	logx "aitester/pkg/logx"
)

// Store is the slice of persistence the engine needs.
type Store interface {
	ListTestSuites(ctx context.Context) ([]suite.TestSuite, error)
	ReplaceTestSuites(ctx context.Context, suites []suite.TestSuite) error
	ListEnvironments(ctx context.Context) ([]suite.Environment, error)
	CreateTestSuite(ctx context.Context, ts suite.TestSuite) (suite.TestSuite, error)
}

// Dispatcher runs a suite and blocks until it finishes.
type Dispatcher interface {
	Execute(ctx context.Context, ts suite.TestSuite, rc execution.RunConfig, env *suite.Environment) (execution.Result, error)
}

type Config struct {
	// Browser is the single engine every scheduled run uses.
	Browser string
	// FireTimeout bounds one fire including dispatch. 0 disables it.
	FireTimeout time.Duration
}

// ActiveSchedule is a read-only view of one live trigger.
type ActiveSchedule struct {
	SuiteID      string     `json:"suiteId"`
	IsRunning    bool       `json:"isRunning"`
	NextFireTime *time.Time `json:"nextFireTime"`
}

// Engine mirrors the persisted schedule definitions into live cron triggers
// and dispatches executions when they fire.
type Engine struct {
	cfg        Config
	log        logx.Logger
	store      Store
	triggerer  Triggerer
	dispatcher Dispatcher
	bus        eventbus.Bus
	metrics    *metrics.Metrics

	mu      sync.Mutex
	live    map[string]Trigger
	stopped bool

	// locks serializes mutating operations per suite id.
	locksMu sync.Mutex
	locks   map[string]*suiteLock
	// storeMu serializes read-modify-write sequences on the suite collection.
	storeMu sync.Mutex

	runCtx    context.Context
	runCancel context.CancelFunc
	manual    sync.WaitGroup

	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type suiteLock struct {
	mu   sync.Mutex
	refs int
}

func New(cfg Config, store Store, trig Triggerer, disp Dispatcher, log logx.Logger, bus eventbus.Bus, m *metrics.Metrics) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Browser == "" {
		cfg.Browser = "chromium"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:        cfg,
		log:        log,
		store:      store,
		triggerer:  trig,
		dispatcher: disp,
		bus:        bus,
		metrics:    m,
		live:       map[string]Trigger{},
		locks:      map[string]*suiteLock{},
		runCtx:     ctx,
		runCancel:  cancel,
		lastWarn:   map[string]time.Time{},
	}
}

// Apply swaps the config used by subsequent fires.
func (e *Engine) Apply(cfg Config) {
	if cfg.Browser == "" {
		cfg.Browser = "chromium"
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	e.log.Info("schedule config applied", logx.String("browser", cfg.Browser), logx.Duration("fire_timeout", cfg.FireTimeout))
}

// Start begins firing registered triggers. Values of ctx are inherited by
// dispatches; its cancellation is not.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.runCancel()
	e.runCtx, e.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	n := len(e.live)
	e.mu.Unlock()

	e.triggerer.Start()
	e.log.Info("schedule engine started", logx.Int("triggers", n))
}

// Shutdown stops every live trigger and waits for in-progress fires until
// ctx is done; dispatches still running after that are canceled.
func (e *Engine) Shutdown(ctx context.Context) error {
	start := time.Now()
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	live := e.live
	e.live = map[string]Trigger{}
	e.mu.Unlock()

	for _, t := range live {
		t.Stop()
	}
	e.metrics.SetActiveTriggers(0)

	err := e.triggerer.Stop(ctx)
	if err == nil {
		done := make(chan struct{})
		go func() {
			e.manual.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	e.runCancel()

	if err != nil {
		e.log.Warn("schedule engine stop timed out", logx.Err(err), logx.Duration("took", time.Since(start)))
		return err
	}
	e.log.Info("schedule engine stopped", logx.Int("triggers", len(live)), logx.Duration("took", time.Since(start)))
	return nil
}

func (e *Engine) validate(def suite.ScheduleDefinition) error {
	if err := e.triggerer.Validate(def.CronExpression); err != nil {
		return err
	}
	return checkWorkers(def)
}

// check validates a definition about to be persisted. A disabled definition
// never becomes a trigger, so only its worker count is checked.
func (e *Engine) check(def suite.ScheduleDefinition) error {
	if !def.Enabled {
		return checkWorkers(def)
	}
	return e.validate(def)
}

// register replaces the live trigger for suiteID. It validates first, so an
// invalid definition leaves the previous trigger untouched. Callers hold the
// suite lock.
func (e *Engine) register(suiteID string, def suite.ScheduleDefinition) error {
	if err := e.validate(def); err != nil {
		e.metrics.Registration(false)
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return ErrStopped
	}
	if old, ok := e.live[suiteID]; ok {
		old.Stop()
		delete(e.live, suiteID)
	}

	id := suiteID
	trig, err := e.triggerer.Schedule(def.CronExpression, func() { e.fire(id) })
	if err != nil {
		e.metrics.Registration(false)
		e.metrics.SetActiveTriggers(len(e.live))
		return err
	}
	e.live[suiteID] = trig
	e.metrics.Registration(true)
	e.metrics.SetActiveTriggers(len(e.live))

	fields := []logx.Field{logx.String("suite_id", suiteID), logx.String("cron", def.CronExpression)}
	if next, ok := trig.NextFire(); ok {
		fields = append(fields, logx.Time("next", next))
	}
	e.log.Debug("schedule registered", fields...)
	eventbus.Publish(e.bus, eventbus.ScheduleRegistered, suiteID)
	return nil
}

// unschedule stops and forgets the live trigger. Callers hold the suite lock.
func (e *Engine) unschedule(suiteID string) bool {
	e.mu.Lock()
	t, ok := e.live[suiteID]
	if ok {
		delete(e.live, suiteID)
	}
	n := len(e.live)
	e.mu.Unlock()
	if !ok {
		return false
	}

	t.Stop()
	e.metrics.SetActiveTriggers(n)
	e.log.Debug("schedule removed", logx.String("suite_id", suiteID))
	eventbus.Publish(e.bus, eventbus.ScheduleRemoved, suiteID)
	return true
}

// ActiveSchedules returns a snapshot of the live triggers ordered by suite id.
func (e *Engine) ActiveSchedules() []ActiveSchedule {
	e.mu.Lock()
	ids := make([]string, 0, len(e.live))
	trigs := make(map[string]Trigger, len(e.live))
	for id, t := range e.live {
		ids = append(ids, id)
		trigs[id] = t
	}
	e.mu.Unlock()
	sort.Strings(ids)

	out := make([]ActiveSchedule, 0, len(ids))
	for _, id := range ids {
		t := trigs[id]
		as := ActiveSchedule{SuiteID: id, IsRunning: t.Running()}
		if next, ok := t.NextFire(); ok {
			n := next
			as.NextFireTime = &n
		}
		out = append(out, as)
	}
	return out
}

func (e *Engine) lockSuite(id string) func() {
	e.locksMu.Lock()
	l := e.locks[id]
	if l == nil {
		l = &suiteLock{}
		e.locks[id] = l
	}
	l.refs++
	e.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.locks, id)
		}
		e.locksMu.Unlock()
	}
}
