package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/subosito/gotenv"
)

// Environment overrides. They win over the file and are re-applied on every
// reload, so secrets can stay out of the config file.
const (
	EnvLogLevel         = "AITESTER_LOG_LEVEL"
	EnvStorageDriver    = "AITESTER_STORAGE_DRIVER"
	EnvStoragePath      = "AITESTER_STORAGE_PATH"
	EnvAPIAddr          = "AITESTER_API_ADDR"
	EnvAPIToken         = "AITESTER_API_TOKEN"
	EnvRunnerCommand    = "AITESTER_RUNNER_COMMAND"
	EnvTelegramToken    = "AITESTER_TELEGRAM_TOKEN"
	EnvTelegramChatID   = "AITESTER_TELEGRAM_CHAT_ID"
	EnvTelegramThreadID = "AITESTER_TELEGRAM_THREAD_ID"
)

// LoadDotEnv loads KEY=VALUE files into the process environment. Missing
// files are skipped and variables already set are never overwritten.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := gotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv copies AITESTER_* overrides found by lookup into cfg.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if cfg == nil {
		return nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		if !ok {
			return "", false
		}
		v = strings.TrimSpace(v)
		return v, v != ""
	}

	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvStorageDriver); ok {
		cfg.Storage.Driver = v
	}
	if v, ok := get(EnvStoragePath); ok {
		cfg.Storage.Path = v
	}
	if v, ok := get(EnvAPIAddr); ok {
		cfg.API.Addr = v
	}
	if v, ok := get(EnvAPIToken); ok {
		cfg.API.Token = v
	}
	if v, ok := get(EnvRunnerCommand); ok {
		cfg.Execution.Runner.Command = v
	}

	notifier := func() *NotifierConfig {
		if cfg.Notifier == nil {
			cfg.Notifier = &NotifierConfig{}
		}
		return cfg.Notifier
	}
	if v, ok := get(EnvTelegramToken); ok {
		notifier().Telegram.Token = v
	}
	if v, ok := get(EnvTelegramChatID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: invalid chat id %q", EnvTelegramChatID, v)
		}
		notifier().Telegram.ChatID = id
	}
	if v, ok := get(EnvTelegramThreadID); ok {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid thread id %q", EnvTelegramThreadID, v)
		}
		notifier().Telegram.ThreadID = id
	}
	return nil
}
