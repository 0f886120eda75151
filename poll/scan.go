package poll

import (
	"log/slog"
	"reminder-notifier/pkg/notifier"
	"time"
)

// Scanner selects reminders that are due and still need a notification.
type Scanner struct {
	loc    *time.Location
	logger *slog.Logger
}

// NewScanner creates a scanner interpreting reminder dates and times in loc.
func NewScanner(loc *time.Location, logger *slog.Logger) *Scanner {
	if loc == nil {
		loc = time.UTC
	}
	return &Scanner{loc: loc, logger: logger}
}

// Scan returns the reminders that are not completed, not yet notified, have
// notifications enabled, and whose due time is at or before now. There is no
// lateness cutoff: an overdue reminder stays due until it is processed or
// completed. Reminders with an unparseable date or time are skipped.
func (s *Scanner) Scan(reminders []*notifier.Reminder, now time.Time) []*notifier.Reminder {
	var due []*notifier.Reminder
	for _, r := range reminders {
		if r == nil || r.Completed || r.Notified || !r.NotificationEnabled {
			continue
		}

		dueAt, err := r.DueAt(s.loc)
		if err != nil {
			s.logger.Warn("Skipping reminder with malformed due time",
				"reminder_id", r.ID,
				"date", r.Date,
				"time", r.Time,
				"error", err)
			continue
		}

		if dueAt.After(now) {
			continue
		}

		s.logger.Debug("Reminder is due",
			"reminder_id", r.ID,
			"due_at", dueAt.Format(time.RFC3339),
			"late_by", now.Sub(dueAt).String())
		due = append(due, r)
	}
	return due
}
