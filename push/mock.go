package push

import (
	"context"
	"log/slog"
	"reminder-notifier/pkg/notifier"
)

// MockSender is a push sender for local development. It logs instead of sending.
type MockSender struct {
	logger *slog.Logger
}

// NewMockSender creates a new mock push sender.
func NewMockSender(logger *slog.Logger) *MockSender {
	return &MockSender{
		logger: logger,
	}
}

// Send logs the push message and reports it as delivered.
func (m *MockSender) Send(ctx context.Context, sub *notifier.Subscription, payload []byte, tag string) Result {
	m.logger.Info("MOCK PUSH",
		"user_id", sub.UserID,
		"endpoint", shortEndpoint(sub.Endpoint),
		"tag", tag,
		"payload_bytes", len(payload))
	return Result{Status: notifier.Delivered}
}
