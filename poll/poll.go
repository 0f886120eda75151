// Package poll runs one due-reminder check: scan, dispatch to every interested
// user, and reconcile the outcomes.
package poll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reminder-notifier/dispatch"
	"reminder-notifier/pkg/notifier"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultUserConcurrency = 4

// Store interface for reading reminder candidates.
type Store interface {
	// ListCandidates returns reminders that may be due. Implementations may
	// prefilter; the scanner applies the full predicate.
	ListCandidates(ctx context.Context) ([]*notifier.Reminder, error)
}

// Dispatcher interface for sending one reminder to one user.
type Dispatcher interface {
	Dispatch(ctx context.Context, r *notifier.Reminder, userID string) (*dispatch.Result, error)
}

// Reconciler interface for recording delivery state.
type Reconciler interface {
	Enqueue(ctx context.Context, reminderID, userID string) error
	Reconcile(ctx context.Context, reminderID, userID string, outcome notifier.Outcome) error
}

// UserReport is the result of processing one (reminder, user) pair.
type UserReport struct {
	UserID  string           `json:"userId"`
	Outcome notifier.Outcome `json:"outcome,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// ReminderReport is the result of processing one due reminder.
type ReminderReport struct {
	ID       string       `json:"id"`
	Title    string       `json:"title"`
	Error    string       `json:"error,omitempty"`
	Users    []UserReport `json:"users"`
	Success  bool         `json:"success"`  // No dispatch or persistence error for any user
	Notified bool         `json:"notified"` // At least one user received it
}

// Report summarises one check.
type Report struct {
	Reminders []ReminderReport `json:"reminders"`
	Checked   int              `json:"checked"`
	Due       int              `json:"count"`
}

// Monitor handles the due-reminder check.
type Monitor struct {
	store           Store
	scanner         *Scanner
	dispatcher      Dispatcher
	reconciler      Reconciler
	logger          *slog.Logger
	now             func() time.Time
	userConcurrency int
}

// Config holds monitor settings.
type Config struct {
	Now             func() time.Time // Defaults to time.Now
	UserConcurrency int              // Max users dispatched at once per reminder
}

// New creates a new poll monitor.
func New(store Store, scanner *Scanner, dispatcher Dispatcher, reconciler Reconciler, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.UserConcurrency <= 0 {
		cfg.UserConcurrency = defaultUserConcurrency
	}
	return &Monitor{
		store:           store,
		scanner:         scanner,
		dispatcher:      dispatcher,
		reconciler:      reconciler,
		logger:          logger,
		now:             cfg.Now,
		userConcurrency: cfg.UserConcurrency,
	}
}

// CheckAll processes every due reminder. Only a failure to list reminders or
// cancellation of ctx is returned as an error; per-reminder failures are
// reported and do not stop the batch.
func (m *Monitor) CheckAll(ctx context.Context) (*Report, error) {
	candidates, err := m.store.ListCandidates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}

	now := m.now()
	due := m.scanner.Scan(candidates, now)
	m.logger.Info("Checking reminders",
		"candidates", len(candidates),
		"due", len(due),
		"timestamp", now.Format(time.RFC3339))

	report := &Report{Checked: len(candidates), Due: len(due), Reminders: make([]ReminderReport, 0, len(due))}
	for _, r := range due {
		// Check for context cancellation
		select {
		case <-ctx.Done():
			m.logger.Info("Context cancelled, stopping reminder check", "error", ctx.Err())
			return report, ctx.Err()
		default:
		}

		rep := m.Process(ctx, r)
		if !rep.Success {
			m.logger.Warn("Reminder processing failed", "reminder_id", r.ID, "error", rep.Error)
			// Continue with other reminders despite errors
		}
		report.Reminders = append(report.Reminders, rep)
	}

	failed := 0
	for i := range report.Reminders {
		if !report.Reminders[i].Success {
			failed++
		}
	}
	m.logger.Info("Reminder check completed",
		"due", len(due),
		"processed", len(report.Reminders),
		"failed", failed)

	return report, nil
}

// Process dispatches one due reminder to the owner and every assignee
// concurrently and reconciles each pair as soon as its dispatch resolved.
func (m *Monitor) Process(ctx context.Context, r *notifier.Reminder) ReminderReport {
	users := r.InterestedUsers()
	rep := ReminderReport{ID: r.ID, Title: r.Title, Users: make([]UserReport, len(users))}

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(m.userConcurrency)
	for i, userID := range users {
		g.Go(func() error {
			res, err := m.NotifyUser(ctx, r, userID)
			ur := UserReport{UserID: userID}
			if res != nil {
				ur.Outcome = res.Outcome
			}
			if err != nil {
				ur.Error = err.Error()
				mu.Lock()
				errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
				mu.Unlock()
			}
			rep.Users[i] = ur
			return nil
		})
	}
	_ = g.Wait()

	for _, u := range rep.Users {
		if u.Outcome == notifier.OutcomeSent {
			rep.Notified = true
		}
	}
	if err := errors.Join(errs...); err != nil {
		rep.Error = err.Error()
		return rep
	}
	rep.Success = true
	return rep
}

// NotifyUser runs enqueue, dispatch and reconcile for one (reminder, user)
// pair. The reconcile write happens only after every endpoint attempt resolved.
func (m *Monitor) NotifyUser(ctx context.Context, r *notifier.Reminder, userID string) (*dispatch.Result, error) {
	if err := m.reconciler.Enqueue(ctx, r.ID, userID); err != nil {
		return nil, err
	}

	res, err := m.dispatcher.Dispatch(ctx, r, userID)
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}

	if err := m.reconciler.Reconcile(ctx, r.ID, userID, res.Outcome); err != nil {
		return res, err
	}
	return res, nil
}
