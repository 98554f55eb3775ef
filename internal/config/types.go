package config

import (
	"fmt"
	"time"
)

// Config is the whole on-disk configuration. YAML and JSON are both
// accepted; YAML is coerced to JSON so one strict decoder handles both.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	// Timezone is an IANA name (e.g. "Asia/Tokyo"). Empty means the
	// system local zone. All day boundaries and slot instants use it.
	Timezone string `json:"timezone,omitempty"`

	Logging LoggingConfig `json:"logging"`
	Storage StorageConfig `json:"storage"`
	Remind  RemindConfig  `json:"remind"`

	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	HTTP     *HTTPConfig     `json:"http,omitempty"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"` // trace|debug|info|warn|error
	Console bool   `json:"console,omitempty"`
	File    string `json:"file,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RemindConfig controls the two reminder channels and the safety sweep.
//
// PreciseTimers is a pointer so "omitted" (default true) is distinguishable
// from an explicit false, which forces every reminder through the
// best-effort job queue.
type RemindConfig struct {
	PreciseTimers *bool  `json:"precise_timers,omitempty"`
	JobWorkers    int    `json:"job_workers,omitempty"`
	JobQueueSize  int    `json:"job_queue_size,omitempty"`
	JobTick       string `json:"job_tick,omitempty"`
	SweepSpec     string `json:"sweep_spec,omitempty"` // cron, default "*/5 * * * *"
}

// NotifierConfig controls the async notification pipeline. If the whole
// section is omitted the pipeline runs with defaults and the log channel.
type NotifierConfig struct {
	Enabled     bool   `json:"enabled"`
	Channel     string `json:"channel,omitempty"` // "log" (default) or "telegram"
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	DedupWindow string `json:"dedup_window,omitempty"`
}

type TelegramConfig struct {
	// Token may be empty when MEDREMIND_TELEGRAM_TOKEN is set in the
	// environment (or a .env file next to the binary).
	Token  string `json:"token,omitempty"`
	ChatID int64  `json:"chat_id"`
}

type HTTPConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:8750"
	// Pprof mounts net/http/pprof under /debug. Keep the listener on
	// loopback when this is on.
	Pprof bool `json:"pprof,omitempty"`
}

// Default pre-fills only fields that are safe to assume when omitted.
// Storage.Path stays empty on purpose so Validate rejects a config that
// never names its database.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

// PreciseTimersEnabled resolves the omitted-means-true default.
func (r RemindConfig) PreciseTimersEnabled() bool {
	return r.PreciseTimers == nil || *r.PreciseTimers
}

// Location resolves the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Validate checks everything that can be checked without touching the
// filesystem or the network.
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("remind.job_tick", c.Remind.JobTick); err != nil {
		return err
	}
	if n := c.Notifier; n != nil {
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			return err
		}
		if _, err := ParseDurationField("notifier.dedup_window", n.DedupWindow); err != nil {
			return err
		}
		switch n.Channel {
		case "", "log":
		case "telegram":
			if c.Telegram == nil {
				return fmt.Errorf("notifier.channel is telegram but the telegram section is missing")
			}
		default:
			return fmt.Errorf("notifier.channel: unknown channel %q", n.Channel)
		}
	}
	if h := c.HTTP; h != nil && h.Enabled && h.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8750"
	}
	return nil
}
