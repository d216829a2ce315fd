package app

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"aitester/internal/api"
	"aitester/internal/config"
	"aitester/internal/eventbus"
	"aitester/internal/execution"
	"aitester/internal/metrics"
	"aitester/internal/notifier"
	"aitester/internal/schedule"
	"aitester/internal/storage"
	logx "aitester/pkg/logx"
)

// build wires config -> logging -> storage -> bus -> execution -> schedule
// engine -> notifier -> api.
func build(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, root := logx.New(mapLogConfig(cfg))
	log := root.With(logx.String("comp", "app"))
	fail := func(err error) (*App, error) {
		_ = logSvc.Close()
		return nil, err
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(err)
	}

	bus := eventbus.New()
	reg := newRegistry()
	m := metrics.New(reg)

	ec, cc, err := mapExecutionConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	runner := execution.NewCommandRunner(cc, root.With(logx.String("comp", "runner")))
	execSvc := execution.New(ec, runner, store, root.With(logx.String("comp", "execution")), bus, m)

	schedCfg, err := mapScheduleConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	engineLog := root.With(logx.String("comp", "schedule"))
	engine := schedule.New(schedCfg, store, schedule.NewCronTriggerer(engineLog), execSvc, engineLog, bus, m)

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	sender, err := newSender(ncfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	notif := notifier.New(ncfg, sender, root.With(logx.String("comp", "notifier")), bus)

	ac, err := mapAPIConfig(cfg)
	if err != nil {
		_ = store.Close()
		return fail(err)
	}
	apiLog := root.With(logx.String("comp", "api"))
	srv := api.NewServer(ac, api.Deps{
		Scheduler:  engine,
		Store:      store,
		Executions: execSvc,
		Notifier:   notif,
		Gatherer:   reg,
		Log:        apiLog,
	}, apiLog)

	return &App{
		cfgm:   cfgm,
		log:    log,
		logs:   logSvc,
		bus:    bus,
		reg:    reg,
		store:  store,
		runner: runner,
		exec:   execSvc,
		engine: engine,
		notif:  notif,
		api:    srv,
	}, nil
}

// newRegistry returns a private registry carrying the runtime collectors,
// so /metrics never depends on the global default registry.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
