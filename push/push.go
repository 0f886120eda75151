// Package push delivers notification payloads to Web Push endpoints.
package push

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reminder-notifier/pkg/notifier"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

// maxTopicLength is the longest Topic header push services accept.
const maxTopicLength = 32

// Result is the outcome of one delivery attempt to one endpoint.
type Result struct {
	Err        error
	Status     notifier.DeliveryStatus
	StatusCode int
	Duration   time.Duration
}

// Config holds the VAPID identity and request parameters.
type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string        // mailto: or https: contact for the push service
	TTL             time.Duration // How long the push service keeps an undelivered message
	Timeout         time.Duration // Upper bound for a single request
}

// Sender sends Web Push messages.
type Sender struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config
}

// New creates a new Web Push sender.
func New(cfg Config, client *http.Client, logger *slog.Logger) *Sender {
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Sender{
		client: client,
		logger: logger,
		cfg:    cfg,
	}
}

// Send encrypts payload for sub and posts it to the subscription endpoint.
// It never retries; a failed attempt is reported in the Result.
func (s *Sender) Send(ctx context.Context, sub *notifier.Subscription, payload []byte, tag string) Result {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	s.logger.Debug("Push request starting",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"endpoint", shortEndpoint(sub.Endpoint),
		"payload_bytes", len(payload))

	startTime := time.Now()
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		HTTPClient:      s.client,
		Subscriber:      s.cfg.Subject,
		VAPIDPublicKey:  s.cfg.VAPIDPublicKey,
		VAPIDPrivateKey: s.cfg.VAPIDPrivateKey,
		TTL:             int(s.cfg.TTL.Seconds()),
		Urgency:         webpush.UrgencyNormal,
		Topic:           Topic(tag),
	})
	duration := time.Since(startTime)

	if err != nil {
		s.logger.Warn("Push request failed",
			"subscription_id", sub.ID,
			"endpoint", shortEndpoint(sub.Endpoint),
			"duration_ms", duration.Milliseconds(),
			"timeout", errors.Is(err, context.DeadlineExceeded),
			"error", err)
		return Result{Status: notifier.TransientFailure, Err: err, Duration: duration}
	}
	defer func() {
		// Drain so the connection can be reused.
		if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)); err != nil {
			s.logger.Debug("Failed to drain response body", "error", err)
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			s.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	status := Classify(resp.StatusCode)
	result := Result{Status: status, StatusCode: resp.StatusCode, Duration: duration}
	if status != notifier.Delivered {
		result.Err = fmt.Errorf("push service returned HTTP %d", resp.StatusCode)
	}

	s.logger.Info("Push request completed",
		"subscription_id", sub.ID,
		"endpoint", shortEndpoint(sub.Endpoint),
		"status_code", resp.StatusCode,
		"delivery", string(status),
		"duration_ms", duration.Milliseconds())

	return result
}

// Classify maps a push service HTTP status to a delivery status.
func Classify(statusCode int) notifier.DeliveryStatus {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return notifier.Delivered
	case statusCode == http.StatusNotFound, statusCode == http.StatusGone:
		return notifier.EndpointGone
	default:
		return notifier.TransientFailure
	}
}

// Topic derives a Web Push Topic header from a notification tag. Push services
// collapse pending messages with the same topic, so the result is stable per
// tag. Tags longer than the header limit are hashed.
func Topic(tag string) string {
	if tag == "" {
		return ""
	}
	if len(tag) <= maxTopicLength && isURLSafe(tag) {
		return tag
	}
	sum := sha256.Sum256([]byte(tag))
	return base64.RawURLEncoding.EncodeToString(sum[:24])
}

func isURLSafe(s string) bool {
	for _, c := range s {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-' || c == '_'
		if !ok {
			return false
		}
	}
	return true
}

// shortEndpoint trims an endpoint URL for logging. Endpoints embed long
// per-device tokens.
func shortEndpoint(endpoint string) string {
	const limit = 60
	if len(endpoint) <= limit {
		return endpoint
	}
	return endpoint[:limit] + "..."
}
