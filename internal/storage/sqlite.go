package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"medremind/internal/med"
	logx "medremind/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- medicines ----

func (s *sqliteStore) CreateMedicine(ctx context.Context, m *med.Medicine) error {
	if m.UUID == uuid.Nil {
		m.UUID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO medicines(uuid, name, dosage, color, memo, created_at) VALUES(?,?,?,?,?,?)`,
		m.UUID.String(), m.Name, m.Dosage, m.Color, m.Memo, m.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert medicine: %w", err)
	}
	m.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) UpdateMedicine(ctx context.Context, m *med.Medicine) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE medicines SET name=?, dosage=?, color=?, memo=? WHERE id=?`,
		m.Name, m.Dosage, m.Color, m.Memo, m.ID,
	)
	if err != nil {
		return fmt.Errorf("update medicine: %w", err)
	}
	return requireRow(res, med.ErrMedicineNotFound)
}

func (s *sqliteStore) MedicineByID(ctx context.Context, id int64) (*med.Medicine, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, uuid, name, dosage, color, memo, created_at FROM medicines WHERE id=?`, id)
	return scanMedicine(row)
}

func (s *sqliteStore) ListMedicines(ctx context.Context) ([]*med.Medicine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, uuid, name, dosage, color, memo, created_at FROM medicines ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*med.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMedicine(r rowScanner) (*med.Medicine, error) {
	var (
		m         med.Medicine
		uuidStr   string
		createdAt string
	)
	err := r.Scan(&m.ID, &uuidStr, &m.Name, &m.Dosage, &m.Color, &m.Memo, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, med.ErrMedicineNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.UUID, err = uuid.Parse(uuidStr); err != nil {
		return nil, fmt.Errorf("medicine %d: bad uuid: %w", m.ID, err)
	}
	if m.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("medicine %d: bad created_at: %w", m.ID, err)
	}
	return &m, nil
}

// ---- schedules ----

func (s *sqliteStore) CreateSchedule(ctx context.Context, sc *med.Schedule) error {
	if sc.CreatedAt.IsZero() {
		sc.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules(medicine_id, start_date, end_date, slots, take_days, rest_days, active, created_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		sc.MedicineID, sc.StartDate.String(), nullDate(sc.EndDate), encodeSlots(sc.Slots),
		sc.TakeDays, sc.RestDays, boolInt(sc.Active), sc.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert schedule: %w", err)
	}
	sc.ID, err = res.LastInsertId()
	return err
}

func (s *sqliteStore) UpdateSchedule(ctx context.Context, sc *med.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET start_date=?, end_date=?, slots=?, take_days=?, rest_days=?, active=? WHERE id=?`,
		sc.StartDate.String(), nullDate(sc.EndDate), encodeSlots(sc.Slots),
		sc.TakeDays, sc.RestDays, boolInt(sc.Active), sc.ID,
	)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	return requireRow(res, med.ErrScheduleNotFound)
}

func (s *sqliteStore) ScheduleByID(ctx context.Context, id int64) (*med.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, medicine_id, start_date, end_date, slots, take_days, rest_days, active, created_at
		 FROM schedules WHERE id=?`, id)
	return scanSchedule(row)
}

func (s *sqliteStore) ActiveSchedules(ctx context.Context) ([]*med.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, medicine_id, start_date, end_date, slots, take_days, rest_days, active, created_at
		 FROM schedules WHERE active=1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*med.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetScheduleActive(ctx context.Context, id int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE schedules SET active=? WHERE id=?`, boolInt(active), id)
	if err != nil {
		return fmt.Errorf("set schedule active: %w", err)
	}
	return requireRow(res, med.ErrScheduleNotFound)
}

func scanSchedule(r rowScanner) (*med.Schedule, error) {
	var (
		sc        med.Schedule
		startStr  string
		endStr    sql.NullString
		slotsStr  string
		activeInt int
		createdAt string
	)
	err := r.Scan(&sc.ID, &sc.MedicineID, &startStr, &endStr, &slotsStr,
		&sc.TakeDays, &sc.RestDays, &activeInt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, med.ErrScheduleNotFound
	}
	if err != nil {
		return nil, err
	}
	if sc.StartDate, err = med.ParseDate(startStr); err != nil {
		return nil, fmt.Errorf("schedule %d: %w", sc.ID, err)
	}
	if endStr.Valid {
		d, err := med.ParseDate(endStr.String)
		if err != nil {
			return nil, fmt.Errorf("schedule %d: %w", sc.ID, err)
		}
		sc.EndDate = &d
	}
	if sc.Slots, err = decodeSlots(slotsStr); err != nil {
		return nil, fmt.Errorf("schedule %d: %w", sc.ID, err)
	}
	sc.Active = activeInt != 0
	if sc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("schedule %d: bad created_at: %w", sc.ID, err)
	}
	return &sc, nil
}

// ---- dose records ----

func (s *sqliteStore) InsertRecords(ctx context.Context, recs []*med.DoseRecord) ([]int64, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	ids := make([]int64, 0, len(recs))
	for _, r := range recs {
		status := r.Status
		if status == "" {
			status = med.StatusPending
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO dose_records(schedule_id, scheduled_at, status, taken_at, note) VALUES(?,?,?,?,?)`,
			r.ScheduleID, r.ScheduledAt.UnixMilli(), string(status), nullMilli(r.TakenAt), r.Note,
		)
		if err != nil {
			return nil, fmt.Errorf("insert dose record (schedule %d at %s): %w",
				r.ScheduleID, r.ScheduledAt.Format(time.RFC3339), err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		r.ID = id
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *sqliteStore) LatestScheduledAt(ctx context.Context, scheduleID int64) (time.Time, bool, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(scheduled_at) FROM dose_records WHERE schedule_id=?`, scheduleID).Scan(&ms)
	if err != nil {
		return time.Time{}, false, err
	}
	if !ms.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms.Int64), true, nil
}

func (s *sqliteStore) UpdateRecordState(ctx context.Context, recordID int64, status med.DoseStatus, takenAt *time.Time, note string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dose_records SET status=?, taken_at=?, note=? WHERE id=?`,
		string(status), nullMilli(takenAt), note, recordID,
	)
	if err != nil {
		return fmt.Errorf("update dose record %d: %w", recordID, err)
	}
	return requireRow(res, med.ErrRecordNotFound)
}

func (s *sqliteStore) RecordByID(ctx context.Context, id int64) (*med.DoseRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, schedule_id, scheduled_at, status, taken_at, note FROM dose_records WHERE id=?`, id)
	return scanRecord(row)
}

func (s *sqliteStore) RecordsForMedicine(ctx context.Context, medicineID int64) ([]*med.DoseRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.schedule_id, r.scheduled_at, r.status, r.taken_at, r.note
		 FROM dose_records r JOIN schedules s ON s.id = r.schedule_id
		 WHERE s.medicine_id=? ORDER BY r.scheduled_at`, medicineID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*med.DoseRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRecord(r rowScanner) (*med.DoseRecord, error) {
	var (
		rec     med.DoseRecord
		ms      int64
		status  string
		takenMS sql.NullInt64
	)
	err := r.Scan(&rec.ID, &rec.ScheduleID, &ms, &status, &takenMS, &rec.Note)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, med.ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.ScheduledAt = time.UnixMilli(ms)
	rec.Status = med.DoseStatus(status)
	if takenMS.Valid {
		t := time.UnixMilli(takenMS.Int64)
		rec.TakenAt = &t
	}
	return &rec, nil
}

const doseViewQuery = `
	SELECT r.id, r.schedule_id, s.medicine_id, m.name, m.dosage, r.scheduled_at, r.status, r.taken_at
	FROM dose_records r
	JOIN schedules s ON s.id = r.schedule_id
	JOIN medicines m ON m.id = s.medicine_id
	WHERE r.scheduled_at >= ? AND r.scheduled_at < ? AND s.active = 1`

func (s *sqliteStore) DosesInRange(ctx context.Context, from, to time.Time) ([]*med.DoseView, error) {
	return s.queryViews(ctx, doseViewQuery+` ORDER BY r.scheduled_at`, from.UnixMilli(), to.UnixMilli())
}

func (s *sqliteStore) PendingInRange(ctx context.Context, from, to time.Time) ([]*med.DoseView, error) {
	return s.queryViews(ctx, doseViewQuery+` AND r.status = 'PENDING' ORDER BY r.scheduled_at`,
		from.UnixMilli(), to.UnixMilli())
}

func (s *sqliteStore) queryViews(ctx context.Context, query string, args ...any) ([]*med.DoseView, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*med.DoseView
	for rows.Next() {
		var (
			v       med.DoseView
			ms      int64
			status  string
			takenMS sql.NullInt64
		)
		if err := rows.Scan(&v.RecordID, &v.ScheduleID, &v.MedicineID, &v.Medicine, &v.Dosage,
			&ms, &status, &takenMS); err != nil {
			return nil, err
		}
		v.ScheduledAt = time.UnixMilli(ms)
		v.Status = med.DoseStatus(status)
		if takenMS.Valid {
			t := time.UnixMilli(takenMS.Int64)
			v.TakenAt = &t
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteRecordsFrom(ctx context.Context, scheduleID int64, from time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dose_records WHERE schedule_id=? AND scheduled_at >= ?`,
		scheduleID, from.UnixMilli())
	return err
}

// ---- audit ----

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, record_id, action, detail) VALUES(?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), e.RecordID, e.Action, e.Detail,
	)
	return err
}

// ---- helpers ----

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullDate(d *med.Date) any {
	if d == nil {
		return nil
	}
	return d.String()
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func encodeSlots(slots []med.TimeOfDay) string {
	parts := make([]string, 0, len(slots))
	for _, s := range med.NormalizeSlots(slots) {
		parts = append(parts, s.String())
	}
	return strings.Join(parts, ",")
}

func decodeSlots(s string) ([]med.TimeOfDay, error) {
	var out []med.TimeOfDay
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		tod, err := med.ParseTimeOfDay(part)
		if err != nil {
			return nil, err
		}
		out = append(out, tod)
	}
	return out, nil
}
