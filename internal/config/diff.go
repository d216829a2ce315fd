package config

import (
	"reflect"
	"sort"
	"strings"

	logx "aitester/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging. Tokens are only ever reported as *_set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !sameStorage(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.browser", newCfg.Scheduler.Browser),
			logx.String("scheduler.fire_timeout", newCfg.Scheduler.FireTimeout),
		)
	}

	if !reflect.DeepEqual(oldCfg.Execution, newCfg.Execution) {
		changed = append(changed, "execution")
		attrs = append(attrs,
			logx.Int("execution.max_concurrent", newCfg.Execution.MaxConcurrent),
			logx.String("execution.timeout", newCfg.Execution.Timeout),
			logx.Int("execution.retry_max", newCfg.Execution.RetryMax),
			logx.Bool("execution.runner_changed", !reflect.DeepEqual(oldCfg.Execution.Runner, newCfg.Execution.Runner)),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", strings.TrimSpace(newCfg.API.Addr)),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if oldN != newN {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Int("notifier.workers", newN.Workers),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Bool("notifier.telegram_token_set", strings.TrimSpace(newN.Telegram.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports whether any of the changed sections can only be
// applied by restarting the process.
func RestartRequired(sections []string) bool {
	for _, s := range sections {
		if s == "storage" {
			return true
		}
	}
	return false
}

func sameStorage(a, b StorageConfig) bool {
	return strings.EqualFold(strings.TrimSpace(a.Driver), strings.TrimSpace(b.Driver)) &&
		strings.TrimSpace(a.Path) == strings.TrimSpace(b.Path) &&
		strings.TrimSpace(a.BusyTimeout) == strings.TrimSpace(b.BusyTimeout)
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}
