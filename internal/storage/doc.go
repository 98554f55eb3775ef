// Package storage persists medicines, schedules, and dose records in a local
// sqlite database.
//
// Scheduled/taken instants are stored as unix milliseconds; calendar dates as
// ISO strings. The UNIQUE(schedule_id, scheduled_at) constraint backs the
// materializer's no-duplicate guarantee at the schema level.
package storage
