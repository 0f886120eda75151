// Package storage persists reminders, push subscriptions and the delivery
// queue as JSON objects in Cloud Storage or a local directory.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reminder-notifier/pkg/notifier"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/google/uuid"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("storage: object doesn't exist")

// Store handles reminder, subscription and queue persistence.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	now       func() time.Time
	localPath string
	bucket    string
	mu        sync.Mutex // Serialises read-modify-write cycles within this process
}

// New creates a new storage handler. When localPath is set, objects are kept
// on the local filesystem and client may be nil.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		now:       time.Now,
		localPath: localPath,
		bucket:    bucket,
	}
}

// IsNotFound checks if an error indicates a missing object.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// hashed maps an arbitrary identifier to a path-safe name.
func hashed(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

func reminderKey(id string) string {
	return "reminders/" + hashed(id) + ".json"
}

func subscriptionPrefix(userID string) string {
	return "subs/" + hashed(userID) + "/"
}

func subscriptionKey(userID, endpoint string) string {
	return subscriptionPrefix(userID) + hashed(endpoint) + ".json"
}

func queueKey(reminderID, userID string) string {
	return "queue/" + hashed(reminderID) + "/" + hashed(userID) + ".json"
}

func (s *Store) put(ctx context.Context, key string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.write(ctx, key, data)
}

func (s *Store) get(ctx context.Context, key string, v any) error {
	data, err := s.read(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

// SaveReminder writes a reminder, assigning an ID and creation time if missing.
func (s *Store) SaveReminder(ctx context.Context, r *notifier.Reminder) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	if err := s.put(ctx, reminderKey(r.ID), r); err != nil {
		return fmt.Errorf("save reminder: %w", err)
	}
	s.logger.Debug("Reminder saved", "reminder_id", r.ID)
	return nil
}

// GetReminder loads a reminder by ID.
func (s *Store) GetReminder(ctx context.Context, id string) (*notifier.Reminder, error) {
	var r notifier.Reminder
	if err := s.get(ctx, reminderKey(id), &r); err != nil {
		return nil, fmt.Errorf("get reminder %s: %w", id, err)
	}
	return &r, nil
}

// ListCandidates returns reminders that are open, not yet notified, and have
// notifications enabled. Due-time filtering is left to the caller.
func (s *Store) ListCandidates(ctx context.Context) ([]*notifier.Reminder, error) {
	keys, err := s.keys(ctx, "reminders/")
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}

	var out []*notifier.Reminder
	for _, key := range keys {
		var r notifier.Reminder
		if err := s.get(ctx, key, &r); err != nil {
			s.logger.Warn("Failed to load reminder", "key", key, "error", err)
			continue
		}
		if r.Completed || r.Notified || !r.NotificationEnabled {
			continue
		}
		out = append(out, &r)
	}
	return out, nil
}

// MarkNotified sets the reminder's notified flag. It never clears it.
func (s *Store) MarkNotified(ctx context.Context, reminderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, err := s.GetReminder(ctx, reminderID)
	if err != nil {
		return err
	}
	if r.Notified {
		return nil
	}
	r.Notified = true
	if err := s.put(ctx, reminderKey(r.ID), r); err != nil {
		return fmt.Errorf("mark notified: %w", err)
	}
	return nil
}

// SaveSubscription upserts a subscription on (UserID, Endpoint). An existing
// record keeps its ID and creation time and takes the new keys.
func (s *Store) SaveSubscription(ctx context.Context, sub *notifier.Subscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return errors.New("subscription requires user and endpoint")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := subscriptionKey(sub.UserID, sub.Endpoint)
	var existing notifier.Subscription
	switch err := s.get(ctx, key, &existing); {
	case err == nil:
		sub.ID = existing.ID
		sub.CreatedAt = existing.CreatedAt
	case IsNotFound(err):
		if sub.ID == "" {
			sub.ID = uuid.NewString()
		}
		if sub.CreatedAt.IsZero() {
			sub.CreatedAt = s.now().UTC()
		}
	default:
		return fmt.Errorf("load subscription: %w", err)
	}

	if err := s.put(ctx, key, sub); err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	s.logger.Info("Subscription saved", "user_id", sub.UserID, "subscription_id", sub.ID)
	return nil
}

// ListSubscriptions returns every subscription registered by userID.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*notifier.Subscription, error) {
	keys, err := s.keys(ctx, subscriptionPrefix(userID))
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	subs := make([]*notifier.Subscription, 0, len(keys))
	for _, key := range keys {
		var sub notifier.Subscription
		if err := s.get(ctx, key, &sub); err != nil {
			if IsNotFound(err) {
				continue // Pruned concurrently
			}
			return nil, fmt.Errorf("load subscription: %w", err)
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

// DeleteSubscription removes one subscription. Deleting an absent
// subscription succeeds.
func (s *Store) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	if err := s.remove(ctx, subscriptionKey(userID, endpoint)); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	s.logger.Info("Subscription deleted", "user_id", userID)
	return nil
}

// DeleteUserSubscriptions removes every subscription of userID and reports how many existed.
func (s *Store) DeleteUserSubscriptions(ctx context.Context, userID string) (int, error) {
	keys, err := s.keys(ctx, subscriptionPrefix(userID))
	if err != nil {
		return 0, fmt.Errorf("list subscriptions: %w", err)
	}
	for _, key := range keys {
		if err := s.remove(ctx, key); err != nil {
			return 0, fmt.Errorf("delete subscription: %w", err)
		}
	}
	return len(keys), nil
}

// UpsertQueueEntry writes the entry for (ReminderID, UserID). An existing
// entry keeps its ID and creation time.
func (s *Store) UpsertQueueEntry(ctx context.Context, entry *notifier.QueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := queueKey(entry.ReminderID, entry.UserID)
	var existing notifier.QueueEntry
	switch err := s.get(ctx, key, &existing); {
	case err == nil:
		entry.ID = existing.ID
		entry.CreatedAt = existing.CreatedAt
	case IsNotFound(err):
		if entry.ID == "" {
			entry.ID = uuid.NewString()
		}
	default:
		return fmt.Errorf("load queue entry: %w", err)
	}

	if err := s.put(ctx, key, entry); err != nil {
		return fmt.Errorf("save queue entry: %w", err)
	}
	return nil
}

// GetQueueEntry loads the queue entry for a (reminder, user) pair.
func (s *Store) GetQueueEntry(ctx context.Context, reminderID, userID string) (*notifier.QueueEntry, error) {
	var e notifier.QueueEntry
	if err := s.get(ctx, queueKey(reminderID, userID), &e); err != nil {
		return nil, fmt.Errorf("get queue entry: %w", err)
	}
	return &e, nil
}
