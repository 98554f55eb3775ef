package notify

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled     bool
	Workers     int
	QueueSize   int
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 1
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.DedupWindow < 0 {
		c.DedupWindow = 0
	}
	return c
}

// Notification is one rendered dose reminder.
type Notification struct {
	RecordID   int64
	MedicineID int64
	Medicine   string
	Dosage     string
	TimeLabel  string
	At         time.Time
}

// Sender delivers notifications over one concrete channel.
//
// Send returns an opaque reference usable to retract the notification later
// (empty when the channel cannot retract). Retract is best-effort.
type Sender interface {
	Send(ctx context.Context, n Notification) (ref string, err error)
	Retract(ctx context.Context, ref string) error
}
