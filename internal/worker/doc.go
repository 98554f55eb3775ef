// Package worker holds the background routines that keep reminders armed
// across process restarts and day boundaries: boot recovery, the daily
// rollover, and a periodic sweep that re-arms doses whose timers were lost
// to a suspend/resume cycle.
package worker
