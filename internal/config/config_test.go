package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	logx "aitester/pkg/logx"
)

const baseJSON = `{
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "./data/aitester.db", "busy_timeout": "2s"},
  "scheduler": {"browser": "firefox", "fire_timeout": "30m"},
  "execution": {"max_concurrent": 3, "runner": {"command": "npx", "args": ["playwright", "test"]}},
  "api": {"enabled": true, "addr": "127.0.0.1:0", "token": "s3cret"}
}`

const baseYAML = `
logging:
  level: debug
storage:
  driver: file
  path: ./data/store.json
execution:
  runner:
    command: ./run-tests.sh
    args: ["{suite}", "--env={env}"]
notifier:
  enabled: true
  telegram:
    token: abc
    chat_id: -100123
`

func noEnv(string) (string, bool) { return "", false }

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestParseJSONAndYAML(t *testing.T) {
	m := NewConfigManager(writeConfig(t, "config.json", baseJSON))
	m.SetEnvLookup(noEnv)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	if cfg.Storage.Driver != "sqlite" || cfg.Scheduler.Browser != "firefox" || cfg.Execution.MaxConcurrent != 3 {
		t.Fatalf("unexpected json config: %+v", cfg)
	}
	if got := strings.Join(cfg.Execution.Runner.Args, " "); got != "playwright test" {
		t.Fatalf("args=%q", got)
	}

	m = NewConfigManager(writeConfig(t, "config.yaml", baseYAML))
	m.SetEnvLookup(noEnv)
	cfg, err = m.Parse()
	if err != nil {
		t.Fatalf("parse yaml: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Storage.Path != "./data/store.json" {
		t.Fatalf("unexpected yaml config: %+v", cfg)
	}
	if cfg.Notifier == nil || cfg.Notifier.Telegram.ChatID != -100123 {
		t.Fatalf("notifier=%+v", cfg.Notifier)
	}
}

func TestDecodeRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		file string
		body string
	}{
		{"unknown field", "c.json", `{"execution": {"runner": {"command": "x"}}, "plugins": {}}`},
		{"trailing data", "c.json", `{} {}`},
		{"bad yaml", "c.yaml", "logging: [unclosed"},
		{"wrong type", "c.json", `{"execution": {"max_concurrent": "two"}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.file, []byte(tc.body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{Execution: ExecutionConfig{Runner: RunnerConfig{Command: "run"}}}
	}
	cases := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"minimal", func(c *Config) {}, ""},
		{"missing command", func(c *Config) { c.Execution.Runner.Command = " " }, "execution.runner.command"},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage.driver"},
		{"sqlite needs path", func(c *Config) { c.Storage.Driver = "sqlite" }, "storage.path"},
		{"bad duration", func(c *Config) { c.Scheduler.FireTimeout = "soon" }, "scheduler.fire_timeout"},
		{"negative duration", func(c *Config) { c.Execution.Timeout = "-1s" }, "execution.timeout"},
		{"negative workers", func(c *Config) { c.Execution.MaxConcurrent = -1 }, "execution.max_concurrent"},
		{"negative rate", func(c *Config) { c.API.WriteRatePerSec = -1 }, "api.write_rate_per_sec"},
		{"notifier without token", func(c *Config) {
			c.Notifier = &NotifierConfig{Enabled: true, Telegram: NotifierTelegram{ChatID: 1}}
		}, "notifier.telegram.token"},
		{"disabled notifier needs nothing", func(c *Config) { c.Notifier = &NotifierConfig{} }, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			err := Validate(c)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	env := map[string]string{
		EnvLogLevel:       "warn",
		EnvAPIToken:       "from-env",
		EnvStoragePath:    "/var/lib/aitester/db",
		EnvRunnerCommand:  "  ",
		EnvTelegramToken:  "tg-token",
		EnvTelegramChatID: "-42",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := &Config{Execution: ExecutionConfig{Runner: RunnerConfig{Command: "keep"}}}
	if err := ApplyEnv(cfg, lookup); err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.API.Token != "from-env" || cfg.Storage.Path != "/var/lib/aitester/db" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Execution.Runner.Command != "keep" {
		t.Fatalf("blank override must be ignored, got %q", cfg.Execution.Runner.Command)
	}
	if cfg.Notifier == nil || cfg.Notifier.Telegram.Token != "tg-token" || cfg.Notifier.Telegram.ChatID != -42 {
		t.Fatalf("notifier=%+v", cfg.Notifier)
	}
	if cfg.Notifier.Enabled {
		t.Fatalf("env must not enable the notifier")
	}

	env[EnvTelegramChatID] = "not-a-number"
	if err := ApplyEnv(&Config{}, lookup); err == nil {
		t.Fatalf("expected chat id parse error")
	}
}

func TestLoadDotEnvKeepsExistingVars(t *testing.T) {
	const fresh = "AITESTER_TEST_DOTENV_FRESH"
	t.Setenv(EnvAPIToken, "from-process")
	t.Cleanup(func() { _ = os.Unsetenv(fresh) })

	p := writeConfig(t, ".env", EnvAPIToken+"=from-file\n"+fresh+"=loaded\n")
	if err := LoadDotEnv(p, filepath.Join(t.TempDir(), "missing.env"), ""); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	if got := os.Getenv(EnvAPIToken); got != "from-process" {
		t.Fatalf("existing var overwritten: %q", got)
	}
	if got := os.Getenv(fresh); got != "loaded" {
		t.Fatalf("fresh var=%q", got)
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{API: APIConfig{Enabled: true, Token: "old-secret"}}
	newCfg := &Config{
		API:      APIConfig{Enabled: true, Token: "new-secret"},
		Storage:  StorageConfig{Driver: "sqlite", Path: "/tmp/x.db"},
		Notifier: &NotifierConfig{Enabled: true, Telegram: NotifierTelegram{Token: "tg-secret", ChatID: 1}},
	}
	sections, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if got := strings.Join(sections, ","); got != "api,notifier,storage" {
		t.Fatalf("sections=%q", got)
	}
	if !RestartRequired(sections) {
		t.Fatalf("storage change must require restart")
	}

	var buf bytes.Buffer
	logx.NewWriter(&buf, "debug").Info("summary", attrs...)
	for _, secret := range []string{"old-secret", "new-secret", "tg-secret"} {
		if strings.Contains(buf.String(), secret) {
			t.Fatalf("summary leaked %q: %s", secret, buf.String())
		}
	}

	if sections, _ := SummarizeConfigChange(newCfg, newCfg); len(sections) != 0 {
		t.Fatalf("identical configs reported %v", sections)
	}
}

func TestWatchPublishesValidReloadsOnly(t *testing.T) {
	p := writeConfig(t, "config.json", baseJSON)
	m := NewConfigManager(p)
	m.SetEnvLookup(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetValidator(func(ctx context.Context, cfg *Config) error { return nil })
	sub := m.Subscribe(4)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()
	// Give the watcher a moment to register the directory.
	time.Sleep(100 * time.Millisecond)

	// Invalid content is never published.
	if err := os.WriteFile(p, []byte(`{"execution": {}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-sub:
		t.Fatalf("invalid config published: %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}

	updated := strings.Replace(baseJSON, `"max_concurrent": 3`, `"max_concurrent": 5`, 1)
	if err := os.WriteFile(p, []byte(updated), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case cfg := <-sub:
		if cfg.Execution.MaxConcurrent != 5 {
			t.Fatalf("max_concurrent=%d", cfg.Execution.MaxConcurrent)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("reload not published")
	}
	if m.Get().Execution.MaxConcurrent != 5 {
		t.Fatalf("reload not committed")
	}
}
