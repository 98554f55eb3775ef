// Package remind schedules one-shot dose reminders over two interchangeable
// channels.
//
// # Channels
//
// The precise channel wakes at the exact instant but models an elevated
// capability that may be unavailable; the best-effort job channel holds jobs
// and releases them on a coarse tick with no precision guarantee. The
// Scheduler picks the channel per arm call and both deliver into the same
// fire path.
//
// # Idempotence
//
// Arm follows cancel-before-set: all artifacts for the record are cancelled
// before the new one is registered, making repeated arming idempotent and
// race-safe (last caller wins, never two live artifacts per record).
package remind
