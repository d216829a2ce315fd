package notifier

import "time"

// Config controls the async alert pipeline.
type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// DedupWindow suppresses identical alert texts. 0 disables it.
	DedupWindow     time.Duration
	DedupMaxEntries int

	Telegram TelegramConfig
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// SendTimeout bounds one Bot API call.
	SendTimeout time.Duration
}

// Alert is one operator-facing message.
type Alert struct {
	// Kind is the event type that produced the alert.
	Kind     string
	SuiteID  string
	Priority int
	Text     string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Kind string    `json:"kind"`
	Text string    `json:"text"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	Kind    string    `json:"kind"`
	SuiteID string    `json:"suite_id,omitempty"`
	Key     string    `json:"key"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}

// Event types emitted by the notifier.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)
