package notifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType names a message exchanged between the service worker and an
// application window.
type MessageType string

// The closed set of message kinds.
const (
	MsgMarkReminderComplete     MessageType = "MARK_REMINDER_COMPLETE"
	MsgCheckRemindersBackground MessageType = "CHECK_REMINDERS_BACKGROUND"
	MsgKeepAlive                MessageType = "KEEP_ALIVE"
)

// Message is posted between the service worker and application windows.
// Only the fields of its Type are set.
type Message struct {
	Type       MessageType `json:"type"`
	ReminderID string      `json:"reminderId,omitempty"`
	Timestamp  string      `json:"timestamp,omitempty"`
}

// MarkComplete builds a MARK_REMINDER_COMPLETE message.
func MarkComplete(reminderID string) Message {
	return Message{Type: MsgMarkReminderComplete, ReminderID: reminderID}
}

// CheckReminders builds a CHECK_REMINDERS_BACKGROUND message.
func CheckReminders(now time.Time) Message {
	return Message{Type: MsgCheckRemindersBackground, Timestamp: now.UTC().Format(time.RFC3339)}
}

// KeepAlive builds a KEEP_ALIVE message.
func KeepAlive(now time.Time) Message {
	return Message{Type: MsgKeepAlive, Timestamp: now.UTC().Format(time.RFC3339)}
}

// Validate reports whether m is a well-formed message of a known kind.
func (m Message) Validate() error {
	switch m.Type {
	case MsgMarkReminderComplete:
		if m.ReminderID == "" {
			return errors.New("mark complete message without reminder id")
		}
		if m.Timestamp != "" {
			return errors.New("mark complete message carries a timestamp")
		}
	case MsgCheckRemindersBackground, MsgKeepAlive:
		if m.ReminderID != "" {
			return fmt.Errorf("%s message carries a reminder id", m.Type)
		}
	case "":
		return errors.New("message without type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// ParseMessage decodes and validates a message received from the other side.
func ParseMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}
