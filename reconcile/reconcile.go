// Package reconcile records dispatch outcomes in the delivery queue and on the reminder.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"reminder-notifier/pkg/notifier"
	"time"

	"github.com/google/uuid"
)

// allFailedMessage is stored on queue entries whose every endpoint failed.
const allFailedMessage = "All push notifications failed"

// Store interface for queue and reminder state writes.
type Store interface {
	// UpsertQueueEntry writes the entry for (ReminderID, UserID), replacing an existing one.
	UpsertQueueEntry(ctx context.Context, entry *notifier.QueueEntry) error
	// MarkNotified sets the reminder's notified flag. It never clears it.
	MarkNotified(ctx context.Context, reminderID string) error
}

// Reconciler applies dispatch outcomes to persistent state.
type Reconciler struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a new reconciler.
func New(store Store, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Enqueue records that reminderID became due for userID.
func (r *Reconciler) Enqueue(ctx context.Context, reminderID, userID string) error {
	entry := r.entry(reminderID, userID, notifier.QueuePending)
	if err := r.store.UpsertQueueEntry(ctx, entry); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// Reconcile records the outcome of dispatching reminderID to userID.
//
// A sent outcome marks the entry sent and sets the reminder's notified flag:
// one successful interested user is enough. A failed outcome marks the entry
// failed and leaves the flag alone so the next scan retries the pair.
// A no-subscriptions outcome leaves the pending entry untouched.
func (r *Reconciler) Reconcile(ctx context.Context, reminderID, userID string, outcome notifier.Outcome) error {
	switch outcome {
	case notifier.OutcomeSent:
		entry := r.entry(reminderID, userID, notifier.QueueSent)
		if err := r.store.UpsertQueueEntry(ctx, entry); err != nil {
			return fmt.Errorf("update queue entry: %w", err)
		}
		if err := r.store.MarkNotified(ctx, reminderID); err != nil {
			return fmt.Errorf("mark notified: %w", err)
		}
		r.logger.Info("Reminder delivered", "reminder_id", reminderID, "user_id", userID)

	case notifier.OutcomeFailed:
		entry := r.entry(reminderID, userID, notifier.QueueFailed)
		entry.ErrorMessage = allFailedMessage
		if err := r.store.UpsertQueueEntry(ctx, entry); err != nil {
			return fmt.Errorf("update queue entry: %w", err)
		}
		r.logger.Warn("Reminder delivery failed", "reminder_id", reminderID, "user_id", userID)

	case notifier.OutcomeNoSubscriptions:
		r.logger.Debug("Nothing to reconcile, user has no devices", "reminder_id", reminderID, "user_id", userID)

	default:
		return fmt.Errorf("unknown outcome %q", outcome)
	}
	return nil
}

func (r *Reconciler) entry(reminderID, userID string, status notifier.QueueStatus) *notifier.QueueEntry {
	now := r.now().UTC()
	entry := &notifier.QueueEntry{
		ID:         uuid.NewString(),
		ReminderID: reminderID,
		UserID:     userID,
		Status:     status,
		CreatedAt:  now,
	}
	if status != notifier.QueuePending {
		entry.ProcessedAt = &now
	}
	return entry
}
