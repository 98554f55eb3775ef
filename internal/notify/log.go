package notify

import (
	"context"

	logx "medremind/pkg/logx"
)

// LogSender writes reminders to the structured log. It is the default
// channel and the fallback when no external channel is configured.
type LogSender struct {
	log logx.Logger
}

func NewLogSender(log logx.Logger) *LogSender {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LogSender{log: log}
}

func (l *LogSender) Send(_ context.Context, n Notification) (string, error) {
	l.log.Info("DOSE REMINDER",
		logx.Int64("record", n.RecordID),
		logx.String("medicine", n.Medicine),
		logx.String("dosage", n.Dosage),
		logx.String("slot", n.TimeLabel))
	return "", nil
}

func (l *LogSender) Retract(context.Context, string) error { return nil }
