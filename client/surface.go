// Package client models the device side of reminder notifications: showing
// pushed payloads, routing notification clicks to application windows, and
// keeping windows checking for reminders in the background.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reminder-notifier/pkg/notifier"
	"strings"
	"time"
)

const (
	fallbackTitle = "Lembrete"
	fallbackBody  = "Você tem um novo lembrete!"
	defaultBody   = "Você tem um lembrete!"
	defaultIcon   = "/vite.svg"
	defaultTag    = "reminder"
	defaultURL    = "/"

	// syncTag is the background sync registration that asks windows to re-check reminders.
	syncTag = "reminder-sync"
)

// State is the lifecycle stage a push message reached on the device.
type State string

// Notification lifecycle states.
const (
	StateReceived   State = "received"
	StateDisplayed  State = "displayed"
	StateInteracted State = "interacted"
	StateDismissed  State = "dismissed"
)

// Window is an open application window.
type Window interface {
	URL() string
	Focus(ctx context.Context) error
	PostMessage(ctx context.Context, msg notifier.Message) error
}

// Platform is the device runtime hosting the surface.
type Platform interface {
	// ShowNotification displays n, replacing any notification with the same tag.
	ShowNotification(ctx context.Context, n notifier.Payload) error
	// CloseNotification removes the notification with tag, if shown.
	CloseNotification(ctx context.Context, tag string) error
	// Windows lists open application windows in focus order.
	Windows(ctx context.Context) ([]Window, error)
	OpenWindow(ctx context.Context, url string) error
}

// Surface handles notification events on one device.
type Surface struct {
	platform  Platform
	logger    *slog.Logger
	keepAlive *KeepAlive
}

// Config holds surface settings.
type Config struct {
	KeepAliveInterval time.Duration // Defaults to 30s
	Now               func() time.Time
}

// New creates a surface on platform.
func New(platform Platform, cfg Config, logger *slog.Logger) *Surface {
	return &Surface{
		platform:  platform,
		logger:    logger,
		keepAlive: NewKeepAlive(platform, cfg.KeepAliveInterval, cfg.Now, logger),
	}
}

// KeepAlive returns the background check task owned by the surface.
func (s *Surface) KeepAlive() *KeepAlive {
	return s.keepAlive
}

// HandlePush displays a pushed payload. Empty or malformed data shows a
// generic reminder notification instead. It returns StateDisplayed when the
// platform accepted the notification and StateReceived otherwise.
func (s *Surface) HandlePush(ctx context.Context, data []byte) (state State) {
	defer s.guard("push", &state, StateReceived)

	n, err := decodePayload(data)
	if err != nil {
		s.logger.Warn("Showing fallback notification", "error", err)
		n = fallbackPayload()
	}

	if err := s.platform.ShowNotification(ctx, n); err != nil {
		s.logger.Error("Failed to show notification", "tag", n.Tag, "error", err)
		return StateReceived
	}
	s.logger.Debug("Notification displayed", "tag", n.Tag, "reminder_id", n.Data.ReminderID)
	return StateDisplayed
}

func decodePayload(data []byte) (notifier.Payload, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return notifier.Payload{}, errors.New("push without data")
	}
	var p notifier.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return notifier.Payload{}, fmt.Errorf("decode payload: %w", err)
	}

	if p.Title == "" {
		p.Title = fallbackTitle
	}
	if p.Body == "" {
		p.Body = defaultBody
	}
	if p.Icon == "" {
		p.Icon = defaultIcon
	}
	if p.Badge == "" {
		p.Badge = p.Icon
	}
	if p.Tag == "" {
		p.Tag = defaultTag
	}
	if p.Data.URL == "" {
		p.Data.URL = defaultURL
	}
	if len(p.Actions) == 0 {
		p.Actions = notifier.DefaultActions()
	}
	p.RequireInteraction = true
	return p, nil
}

func fallbackPayload() notifier.Payload {
	return notifier.Payload{
		Title: fallbackTitle,
		Body:  fallbackBody,
		Icon:  defaultIcon,
		Badge: defaultIcon,
		Data:  notifier.PayloadData{URL: defaultURL},
	}
}

// HandleClick routes a click on n. The mark-complete action posts a single
// MARK_REMINDER_COMPLETE message to the first open window and is dropped
// when none is open. Any other action opens the notification's URL, focusing
// a window already showing it.
func (s *Surface) HandleClick(ctx context.Context, n notifier.Payload, action string) (state State) {
	defer s.guard("click", &state, StateInteracted)

	if err := s.platform.CloseNotification(ctx, n.Tag); err != nil {
		s.logger.Warn("Failed to close notification", "tag", n.Tag, "error", err)
	}

	if action == notifier.ActionMarkComplete {
		s.markComplete(ctx, n.Data.ReminderID)
		return StateInteracted
	}

	target := n.Data.URL
	if target == "" {
		target = defaultURL
	}
	s.openOrFocus(ctx, target)
	return StateInteracted
}

func (s *Surface) markComplete(ctx context.Context, reminderID string) {
	if reminderID == "" {
		s.logger.Warn("Mark complete clicked on notification without reminder")
		return
	}

	windows, err := s.platform.Windows(ctx)
	if err != nil {
		s.logger.Error("Failed to list windows", "error", err)
		return
	}
	if len(windows) == 0 {
		s.logger.Info("No open window, dropping mark complete", "reminder_id", reminderID)
		return
	}

	if err := windows[0].PostMessage(ctx, notifier.MarkComplete(reminderID)); err != nil {
		s.logger.Error("Failed to post mark complete", "reminder_id", reminderID, "error", err)
	}
}

func (s *Surface) openOrFocus(ctx context.Context, target string) {
	windows, err := s.platform.Windows(ctx)
	if err != nil {
		s.logger.Warn("Failed to list windows", "error", err)
	}

	for _, w := range windows {
		if !strings.Contains(w.URL(), target) {
			continue
		}
		if err := w.Focus(ctx); err != nil {
			s.logger.Warn("Failed to focus window", "url", w.URL(), "error", err)
			continue
		}
		return
	}

	if err := s.platform.OpenWindow(ctx, target); err != nil {
		s.logger.Error("Failed to open window", "url", target, "error", err)
	}
}

// HandleClose records that the user dismissed n.
func (s *Surface) HandleClose(ctx context.Context, n notifier.Payload) State {
	s.logger.Info("Notification dismissed", "tag", n.Tag, "reminder_id", n.Data.ReminderID)
	return StateDismissed
}

// HandleMessage processes a message posted by an application window. A
// KEEP_ALIVE message starts the background check task if it is stopped.
// Malformed messages are logged and ignored.
func (s *Surface) HandleMessage(ctx context.Context, data []byte) {
	defer s.guard("message", nil, "")

	msg, err := notifier.ParseMessage(data)
	if err != nil {
		s.logger.Warn("Ignoring malformed window message", "error", err)
		return
	}

	switch msg.Type {
	case notifier.MsgKeepAlive:
		// The task outlives the message event; Stop ends it.
		if s.keepAlive.Start(context.WithoutCancel(ctx)) {
			s.logger.Info("Background reminder checks started by window")
		}
	default:
		s.logger.Debug("Ignoring window message", "type", msg.Type)
	}
}

// HandleSync handles a background sync event. The reminder sync tag asks
// every open window to re-check reminders.
func (s *Surface) HandleSync(ctx context.Context, tag string) {
	defer s.guard("sync", nil, "")

	if tag != syncTag {
		s.logger.Debug("Ignoring sync event", "tag", tag)
		return
	}
	s.keepAlive.tick(ctx)
}

// guard keeps a platform panic from escaping an event handler.
func (s *Surface) guard(event string, state *State, fallback State) {
	if r := recover(); r != nil {
		s.logger.Error("Recovered from panic in event handler", "event", event, "panic", r)
		if state != nil {
			*state = fallback
		}
	}
}
