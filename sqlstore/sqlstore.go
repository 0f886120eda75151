// Package sqlstore persists reminders, push subscriptions and the delivery
// queue in a SQL database through gorm.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/storage"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type reminderRow struct {
	CreatedAt           time.Time
	ID                  string `gorm:"primaryKey;size:64"`
	OwnerID             string `gorm:"index;size:64"`
	AssignedToUserID    string `gorm:"size:64"`
	Title               string
	Description         string
	Date                string `gorm:"size:10"`
	Time                string `gorm:"size:8"`
	Image               string
	AssignedUserIDs     []string `gorm:"serializer:json"`
	Completed           bool     `gorm:"index"`
	Notified            bool
	NotificationEnabled bool
}

func (reminderRow) TableName() string { return "reminders" }

type subscriptionRow struct {
	CreatedAt time.Time
	ID        string `gorm:"primaryKey;size:64"`
	UserID    string `gorm:"uniqueIndex:idx_subscription_user_endpoint;size:64"`
	Endpoint  string `gorm:"uniqueIndex:idx_subscription_user_endpoint;size:512"`
	P256dh    string
	Auth      string
}

func (subscriptionRow) TableName() string { return "push_subscriptions" }

type queueRow struct {
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	ID           string `gorm:"primaryKey;size:64"`
	ReminderID   string `gorm:"uniqueIndex:idx_queue_reminder_user;size:64"`
	UserID       string `gorm:"uniqueIndex:idx_queue_reminder_user;size:64"`
	Status       string `gorm:"index;size:16"`
	ErrorMessage string
}

func (queueRow) TableName() string { return "notification_queue" }

// Open connects to the database named by dbType ("sqlite", "postgres" or "mysql").
func Open(dbType, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Warn)}

	var dialector gorm.Dialector
	switch strings.ToLower(dbType) {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unknown database type %q", dbType)
	}

	db, err := gorm.Open(dialector, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return db, nil
}

// Store handles persistence in a SQL database.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a store and migrates the schema.
func New(db *gorm.DB, logger *slog.Logger) (*Store, error) {
	if err := db.AutoMigrate(&reminderRow{}, &subscriptionRow{}, &queueRow{}); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// SaveReminder inserts or replaces a reminder.
func (s *Store) SaveReminder(ctx context.Context, r *notifier.Reminder) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}
	row := reminderRow{
		CreatedAt:           r.CreatedAt,
		ID:                  r.ID,
		OwnerID:             r.OwnerID,
		AssignedToUserID:    r.AssignedToUserID,
		Title:               r.Title,
		Description:         r.Description,
		Date:                r.Date,
		Time:                r.Time,
		Image:               r.Image,
		AssignedUserIDs:     r.AssignedUserIDs,
		Completed:           r.Completed,
		Notified:            r.Notified,
		NotificationEnabled: r.NotificationEnabled,
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return fmt.Errorf("save reminder: %w", err)
	}
	return nil
}

func (row *reminderRow) toReminder() *notifier.Reminder {
	return &notifier.Reminder{
		CreatedAt:           row.CreatedAt,
		ID:                  row.ID,
		OwnerID:             row.OwnerID,
		AssignedToUserID:    row.AssignedToUserID,
		Title:               row.Title,
		Description:         row.Description,
		Date:                row.Date,
		Time:                row.Time,
		Image:               row.Image,
		AssignedUserIDs:     row.AssignedUserIDs,
		Completed:           row.Completed,
		Notified:            row.Notified,
		NotificationEnabled: row.NotificationEnabled,
	}
}

// GetReminder loads a reminder by ID.
func (s *Store) GetReminder(ctx context.Context, id string) (*notifier.Reminder, error) {
	var row reminderRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, notFound(err, "get reminder "+id)
	}
	return row.toReminder(), nil
}

// ListCandidates returns open, not yet notified reminders with notifications
// enabled, ordered by due date and time.
func (s *Store) ListCandidates(ctx context.Context) ([]*notifier.Reminder, error) {
	var rows []reminderRow
	result := s.db.WithContext(ctx).
		Where("completed = ? AND notified = ? AND notification_enabled = ?", false, false, true).
		Order("date, time").
		Find(&rows)
	if result.Error != nil {
		return nil, fmt.Errorf("list reminders: %w", result.Error)
	}

	out := make([]*notifier.Reminder, len(rows))
	for i := range rows {
		out[i] = rows[i].toReminder()
	}
	return out, nil
}

// MarkNotified sets the reminder's notified flag. It never clears it.
func (s *Store) MarkNotified(ctx context.Context, reminderID string) error {
	result := s.db.WithContext(ctx).Model(&reminderRow{}).Where("id = ?", reminderID).Update("notified", true)
	if result.Error != nil {
		return fmt.Errorf("mark notified: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := s.db.WithContext(ctx).Model(&reminderRow{}).Where("id = ?", reminderID).Count(&count).Error; err != nil {
			return fmt.Errorf("mark notified: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("mark notified %s: %w", reminderID, storage.ErrNotFound)
		}
	}
	return nil
}

// SaveSubscription upserts a subscription on (UserID, Endpoint). An existing
// row keeps its ID and creation time and takes the new keys.
func (s *Store) SaveSubscription(ctx context.Context, sub *notifier.Subscription) error {
	if sub.UserID == "" || sub.Endpoint == "" {
		return errors.New("subscription requires user and endpoint")
	}
	row := subscriptionRow{
		CreatedAt: s.now().UTC(),
		ID:        uuid.NewString(),
		UserID:    sub.UserID,
		Endpoint:  sub.Endpoint,
		P256dh:    sub.P256dh,
		Auth:      sub.Auth,
	}

	// Every service worker activation re-registers, so duplicates are expected
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "endpoint"}},
		DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("save subscription: %w", result.Error)
	}

	var saved subscriptionRow
	if err := s.db.WithContext(ctx).Where("user_id = ? AND endpoint = ?", sub.UserID, sub.Endpoint).First(&saved).Error; err != nil {
		return notFound(err, "reload subscription")
	}
	sub.ID = saved.ID
	sub.CreatedAt = saved.CreatedAt
	s.logger.Info("Subscription saved", "user_id", sub.UserID, "subscription_id", sub.ID)
	return nil
}

// ListSubscriptions returns every subscription registered by userID.
func (s *Store) ListSubscriptions(ctx context.Context, userID string) ([]*notifier.Subscription, error) {
	var rows []subscriptionRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	subs := make([]*notifier.Subscription, len(rows))
	for i, row := range rows {
		subs[i] = &notifier.Subscription{
			CreatedAt: row.CreatedAt,
			ID:        row.ID,
			UserID:    row.UserID,
			Endpoint:  row.Endpoint,
			P256dh:    row.P256dh,
			Auth:      row.Auth,
		}
	}
	return subs, nil
}

// DeleteSubscription removes one subscription. Deleting an absent
// subscription succeeds.
func (s *Store) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	result := s.db.WithContext(ctx).Delete(&subscriptionRow{}, "user_id = ? AND endpoint = ?", userID, endpoint)
	if result.Error != nil {
		return fmt.Errorf("delete subscription: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("Subscription deleted", "user_id", userID)
	}
	return nil
}

// DeleteUserSubscriptions removes every subscription of userID and reports how many existed.
func (s *Store) DeleteUserSubscriptions(ctx context.Context, userID string) (int, error) {
	result := s.db.WithContext(ctx).Delete(&subscriptionRow{}, "user_id = ?", userID)
	if result.Error != nil {
		return 0, fmt.Errorf("delete subscriptions: %w", result.Error)
	}
	return int(result.RowsAffected), nil
}

// UpsertQueueEntry writes the entry for (ReminderID, UserID). An existing
// entry keeps its ID and creation time.
func (s *Store) UpsertQueueEntry(ctx context.Context, entry *notifier.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	row := queueRow{
		CreatedAt:    entry.CreatedAt,
		ProcessedAt:  entry.ProcessedAt,
		ID:           entry.ID,
		ReminderID:   entry.ReminderID,
		UserID:       entry.UserID,
		Status:       string(entry.Status),
		ErrorMessage: entry.ErrorMessage,
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "reminder_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "error_message", "processed_at"}),
	}).Create(&row)
	if result.Error != nil {
		return fmt.Errorf("save queue entry: %w", result.Error)
	}

	saved, err := s.GetQueueEntry(ctx, entry.ReminderID, entry.UserID)
	if err != nil {
		return err
	}
	entry.ID = saved.ID
	entry.CreatedAt = saved.CreatedAt
	return nil
}

// GetQueueEntry loads the queue entry for a (reminder, user) pair.
func (s *Store) GetQueueEntry(ctx context.Context, reminderID, userID string) (*notifier.QueueEntry, error) {
	var row queueRow
	if err := s.db.WithContext(ctx).Where("reminder_id = ? AND user_id = ?", reminderID, userID).First(&row).Error; err != nil {
		return nil, notFound(err, "get queue entry")
	}
	return &notifier.QueueEntry{
		CreatedAt:    row.CreatedAt,
		ProcessedAt:  row.ProcessedAt,
		ID:           row.ID,
		ReminderID:   row.ReminderID,
		UserID:       row.UserID,
		Status:       notifier.QueueStatus(row.Status),
		ErrorMessage: row.ErrorMessage,
	}, nil
}
