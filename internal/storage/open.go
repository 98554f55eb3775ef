package storage

import (
	"context"

	"medremind/internal/med"
	logx "medremind/pkg/logx"
)

// Store is the persistence API used by the engine. It bundles the three
// domain repositories with the operational extras the workers need.
type Store interface {
	med.MedicineRepository
	med.ScheduleRepository
	med.RecordRepository

	AppendAudit(ctx context.Context, e AuditEntry) error

	// Ping reports storage readiness. Boot recovery polls it before
	// re-arming reminders.
	Ping(ctx context.Context) error

	Close() error
}

// Open initializes the sqlite store at cfg.Path, creating the schema if
// needed.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	return openSQLite(cfg, log)
}
