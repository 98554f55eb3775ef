package storage

import (
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// AuditEntry records a dose action (take/skip/snooze/untake) for later
// review. Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	RecordID int64
	Action   string
	Detail   string
}
