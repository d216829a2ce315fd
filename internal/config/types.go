package config

// Config is the on-disk daemon configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Execution ExecutionConfig `json:"execution"`
	API       APIConfig       `json:"api"`

	// Notifier is optional; omitted means alerts are off.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the document store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/aitester.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// SchedulerConfig controls the schedule engine. Triggers always run in UTC.
type SchedulerConfig struct {
	// Browser is the single engine used by every scheduled run (default "chromium").
	Browser string `json:"browser,omitempty"`
	// FireTimeout bounds one fire including the run. "0s" disables it.
	FireTimeout string `json:"fire_timeout,omitempty"`
}

// ExecutionConfig controls the execution service and its command runner.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent: 2
//   - timeout: "0s" (disabled)
//   - retry_max: 0
//   - retry_base: "2s", retry_max_delay: "30s"
//   - history_size: 200
//   - default_environment: "default"
type ExecutionConfig struct {
	MaxConcurrent      int    `json:"max_concurrent,omitempty"`
	Timeout            string `json:"timeout,omitempty"`
	RetryMax           int    `json:"retry_max,omitempty"`
	RetryBase          string `json:"retry_base,omitempty"`
	RetryMaxDelay      string `json:"retry_max_delay,omitempty"`
	HistorySize        int    `json:"history_size,omitempty"`
	DefaultEnvironment string `json:"default_environment,omitempty"`

	Runner RunnerConfig `json:"runner"`
}

// RunnerConfig is the external test command. Args may use placeholders such
// as {suite}, {env}, {base_url}, {workers}, {headless} and {browser}.
type RunnerConfig struct {
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	WorkDir     string   `json:"workdir,omitempty"`
	OutputLimit int      `json:"output_limit,omitempty"`
}

// APIConfig controls the HTTP API.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8088").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	WriteRatePerSec float64 `json:"write_rate_per_sec,omitempty"`
	WriteBurst      int     `json:"write_burst,omitempty"`
}

// NotifierConfig controls failure alerts.
type NotifierConfig struct {
	Enabled         bool   `json:"enabled"`
	Workers         int    `json:"workers,omitempty"`
	QueueSize       int    `json:"queue_size,omitempty"`
	RatePerSec      int    `json:"rate_per_sec,omitempty"`
	RetryMax        int    `json:"retry_max,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	DedupWindow     string `json:"dedup_window,omitempty"`
	DedupMaxEntries int    `json:"dedup_max_entries,omitempty"`

	Telegram NotifierTelegram `json:"telegram"`
}

type NotifierTelegram struct {
	Token       string `json:"token"` // do not log
	ChatID      int64  `json:"chat_id"`
	ThreadID    int    `json:"thread_id,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}
