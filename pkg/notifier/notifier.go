// Package notifier contains the core domain types for the reminder notification service.
package notifier

import (
	"fmt"
	"strings"
	"time"
)

// Reminder is a user's calendar reminder as stored by the persistence layer.
type Reminder struct {
	CreatedAt           time.Time `json:"created_at"`
	ID                  string    `json:"id"`
	OwnerID             string    `json:"owner_id"`
	AssignedToUserID    string    `json:"assigned_to_user_id,omitempty"` // Legacy single assignee
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	Date                string    `json:"date"` // YYYY-MM-DD
	Time                string    `json:"time"` // HH:MM or HH:MM:SS
	Image               string    `json:"image,omitempty"`
	AssignedUserIDs     []string  `json:"assigned_user_ids,omitempty"`
	Completed           bool      `json:"completed"`
	Notified            bool      `json:"notified"`
	NotificationEnabled bool      `json:"notification_enabled"`
}

// InterestedUsers returns the owner followed by each distinct assignee.
func (r *Reminder) InterestedUsers() []string {
	users := []string{r.OwnerID}
	seen := map[string]bool{r.OwnerID: true}
	add := func(id string) {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		users = append(users, id)
	}
	add(r.AssignedToUserID)
	for _, id := range r.AssignedUserIDs {
		add(id)
	}
	return users
}

// DueAt combines the reminder's date and time in loc.
func (r *Reminder) DueAt(loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	clock := strings.TrimSpace(r.Time)
	layout := "2006-01-02 15:04"
	if strings.Count(clock, ":") == 2 {
		layout = "2006-01-02 15:04:05"
	}
	t, err := time.ParseInLocation(layout, strings.TrimSpace(r.Date)+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse due time %q %q: %w", r.Date, r.Time, err)
	}
	return t, nil
}

// Subscription is one registered push endpoint of a user (one device/browser).
type Subscription struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
}

// QueueStatus is the state of a delivery queue entry.
type QueueStatus string

// Queue entry states. Sent and failed are terminal.
const (
	QueuePending QueueStatus = "pending"
	QueueSent    QueueStatus = "sent"
	QueueFailed  QueueStatus = "failed"
)

// QueueEntry records the delivery state of one reminder for one target user.
type QueueEntry struct {
	CreatedAt    time.Time   `json:"created_at"`
	ProcessedAt  *time.Time  `json:"processed_at,omitempty"`
	ID           string      `json:"id"`
	ReminderID   string      `json:"reminder_id"`
	UserID       string      `json:"user_id"`
	Status       QueueStatus `json:"status"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

// Outcome is the aggregated result of dispatching a reminder to one user.
type Outcome string

// Dispatch outcomes.
const (
	OutcomeSent            Outcome = "sent"
	OutcomeFailed          Outcome = "failed"
	OutcomeNoSubscriptions Outcome = "no_subscriptions"
)

// DeliveryStatus is the result of a single push attempt to one endpoint.
type DeliveryStatus string

// Per-endpoint delivery results.
const (
	Delivered        DeliveryStatus = "delivered"
	EndpointGone     DeliveryStatus = "endpoint_gone"     // 404/410, subscription no longer exists
	TransientFailure DeliveryStatus = "transient_failure" // anything else, including timeouts
)
