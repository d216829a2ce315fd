package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault returns def when raw is empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate checks everything that can be checked without opening
// resources. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	duration := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}
	nonNegative := func(path string, v int) {
		if v < 0 {
			errs = append(errs, fmt.Errorf("%s must be >= 0", path))
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "file", "json":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path is required when storage.driver=sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	duration("storage.busy_timeout", cfg.Storage.BusyTimeout)

	duration("scheduler.fire_timeout", cfg.Scheduler.FireTimeout)

	ex := cfg.Execution
	nonNegative("execution.max_concurrent", ex.MaxConcurrent)
	nonNegative("execution.retry_max", ex.RetryMax)
	nonNegative("execution.history_size", ex.HistorySize)
	nonNegative("execution.runner.output_limit", ex.Runner.OutputLimit)
	duration("execution.timeout", ex.Timeout)
	duration("execution.retry_base", ex.RetryBase)
	duration("execution.retry_max_delay", ex.RetryMaxDelay)
	if strings.TrimSpace(ex.Runner.Command) == "" {
		errs = append(errs, errors.New("execution.runner.command is required"))
	}

	api := cfg.API
	duration("api.read_timeout", api.ReadTimeout)
	duration("api.write_timeout", api.WriteTimeout)
	duration("api.idle_timeout", api.IdleTimeout)
	nonNegative("api.write_burst", api.WriteBurst)
	if api.WriteRatePerSec < 0 {
		errs = append(errs, errors.New("api.write_rate_per_sec must be >= 0"))
	}

	if n := cfg.Notifier; n != nil {
		nonNegative("notifier.workers", n.Workers)
		nonNegative("notifier.queue_size", n.QueueSize)
		nonNegative("notifier.rate_per_sec", n.RatePerSec)
		nonNegative("notifier.retry_max", n.RetryMax)
		nonNegative("notifier.dedup_max_entries", n.DedupMaxEntries)
		duration("notifier.retry_base", n.RetryBase)
		duration("notifier.retry_max_delay", n.RetryMaxDelay)
		duration("notifier.dedup_window", n.DedupWindow)
		duration("notifier.telegram.send_timeout", n.Telegram.SendTimeout)
		if n.Enabled {
			if strings.TrimSpace(n.Telegram.Token) == "" {
				errs = append(errs, errors.New("notifier.telegram.token is required when notifier is enabled"))
			}
			if n.Telegram.ChatID == 0 {
				errs = append(errs, errors.New("notifier.telegram.chat_id is required when notifier is enabled"))
			}
		}
	}

	return errors.Join(errs...)
}
