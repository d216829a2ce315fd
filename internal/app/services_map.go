package app

import (
	"strings"
	"time"

	"aitester/internal/api"
	"aitester/internal/config"
	"aitester/internal/execution"
	"aitester/internal/notifier"
	"aitester/internal/schedule"
	logx "aitester/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapScheduleConfig(cfg *config.Config) (schedule.Config, error) {
	timeout, err := config.ParseDurationField("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)
	if err != nil {
		return schedule.Config{}, err
	}
	return schedule.Config{
		Browser:     strings.TrimSpace(cfg.Scheduler.Browser),
		FireTimeout: timeout,
	}, nil
}

// mapExecutionConfig leaves zero values for execution.Config defaults.
func mapExecutionConfig(cfg *config.Config) (execution.Config, execution.CommandConfig, error) {
	ex := cfg.Execution
	out := execution.Config{
		MaxConcurrent:      ex.MaxConcurrent,
		RetryMax:           ex.RetryMax,
		HistorySize:        ex.HistorySize,
		Browser:            strings.TrimSpace(cfg.Scheduler.Browser),
		DefaultEnvironment: strings.TrimSpace(ex.DefaultEnvironment),
	}
	var err error
	if out.Timeout, err = config.ParseDurationField("execution.timeout", ex.Timeout); err != nil {
		return execution.Config{}, execution.CommandConfig{}, err
	}
	if out.RetryBase, err = config.ParseDurationField("execution.retry_base", ex.RetryBase); err != nil {
		return execution.Config{}, execution.CommandConfig{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationField("execution.retry_max_delay", ex.RetryMaxDelay); err != nil {
		return execution.Config{}, execution.CommandConfig{}, err
	}
	cmd := execution.CommandConfig{
		Command:     strings.TrimSpace(ex.Runner.Command),
		Args:        ex.Runner.Args,
		WorkDir:     strings.TrimSpace(ex.Runner.WorkDir),
		OutputLimit: ex.Runner.OutputLimit,
	}
	return out, cmd, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	out := api.Config{
		Enabled:         a.Enabled,
		Addr:            strings.TrimSpace(a.Addr),
		Token:           strings.TrimSpace(a.Token),
		AllowInsecure:   a.AllowInsecure,
		Pprof:           a.Pprof,
		WriteRatePerSec: a.WriteRatePerSec,
		WriteBurst:      a.WriteBurst,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 10*time.Second); err != nil {
		return api.Config{}, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("api.write_timeout", a.WriteTimeout, 30*time.Second); err != nil {
		return api.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("api.idle_timeout", a.IdleTimeout, 60*time.Second); err != nil {
		return api.Config{}, err
	}
	return out, nil
}

// mapNotifierConfig maps the optional notifier section. Omitted means
// disabled.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Workers:         1,
		QueueSize:       256,
		RatePerSec:      1,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     5 * time.Minute,
		DedupMaxEntries: 1000,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}
	sendTimeout, err := config.ParseDurationField("notifier.telegram.send_timeout", n.Telegram.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	out.Telegram = notifier.TelegramConfig{
		Token:       strings.TrimSpace(n.Telegram.Token),
		ChatID:      n.Telegram.ChatID,
		ThreadID:    n.Telegram.ThreadID,
		SendTimeout: sendTimeout,
	}
	return out, nil
}

// newSender builds the Telegram sender, or nil when alerts are off.
func newSender(cfg notifier.Config) (notifier.Sender, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	ts, err := notifier.NewTelegramSender(cfg.Telegram)
	if err != nil {
		return nil, err
	}
	return ts, nil
}

// validateMapped rejects configs the typed mappers cannot convert.
func validateMapped(cfg *config.Config) error {
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapScheduleConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapExecutionConfig(cfg); err != nil {
		return err
	}
	if _, err := mapAPIConfig(cfg); err != nil {
		return err
	}
	_, err := mapNotifierConfig(cfg)
	return err
}
