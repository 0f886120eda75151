// Package dispatch fans a reminder notification out to every push endpoint of a user.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/push"
	"time"

	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// Store interface for subscription lookup and pruning.
type Store interface {
	ListSubscriptions(ctx context.Context, userID string) ([]*notifier.Subscription, error)
	// DeleteSubscription must treat an absent subscription as success.
	DeleteSubscription(ctx context.Context, userID, endpoint string) error
}

// Sender interface for delivering one payload to one endpoint.
type Sender interface {
	Send(ctx context.Context, sub *notifier.Subscription, payload []byte, tag string) push.Result
}

// EndpointResult is the result of the delivery attempt to one subscription.
type EndpointResult struct {
	Err            error                   `json:"-"`
	SubscriptionID string                  `json:"subscription"`
	Endpoint       string                  `json:"-"`
	Status         notifier.DeliveryStatus `json:"status"`
	Error          string                  `json:"error,omitempty"`
	StatusCode     int                     `json:"statusCode,omitempty"`
	Removed        bool                    `json:"removed,omitempty"` // Subscription pruned after a gone response
}

// Result is the outcome of dispatching one reminder to one user.
type Result struct {
	ReminderID string           `json:"reminderId"`
	UserID     string           `json:"userId"`
	Outcome    notifier.Outcome `json:"outcome"`
	Endpoints  []EndpointResult `json:"results"`
}

// Delivered returns how many endpoints accepted the message.
func (r *Result) Delivered() int {
	n := 0
	for i := range r.Endpoints {
		if r.Endpoints[i].Status == notifier.Delivered {
			n++
		}
	}
	return n
}

// Removed returns how many subscriptions were pruned during the dispatch.
func (r *Result) Removed() int {
	n := 0
	for i := range r.Endpoints {
		if r.Endpoints[i].Removed {
			n++
		}
	}
	return n
}

// Config holds dispatcher settings.
type Config struct {
	Payload     notifier.PayloadOptions
	Now         func() time.Time // Defaults to time.Now
	Concurrency int              // Max simultaneous sends per user, defaults to 4
}

// Dispatcher sends reminder notifications to a user's devices.
type Dispatcher struct {
	store  Store
	sender Sender
	logger *slog.Logger
	cfg    Config
}

// New creates a new dispatcher.
func New(store Store, sender Sender, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		store:  store,
		sender: sender,
		logger: logger,
		cfg:    cfg,
	}
}

// Dispatch delivers the reminder to every subscription of userID.
// A user without subscriptions yields OutcomeNoSubscriptions and no error.
// Subscriptions whose endpoint is gone are deleted before Dispatch returns.
func (d *Dispatcher) Dispatch(ctx context.Context, r *notifier.Reminder, userID string) (*Result, error) {
	subs, err := d.store.ListSubscriptions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	result := &Result{ReminderID: r.ID, UserID: userID}
	if len(subs) == 0 {
		d.logger.Info("No push subscriptions for user", "reminder_id", r.ID, "user_id", userID)
		result.Outcome = notifier.OutcomeNoSubscriptions
		return result, nil
	}

	payload := notifier.BuildPayload(r, d.cfg.Payload, d.cfg.Now())
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	d.logger.Info("Dispatching reminder",
		"reminder_id", r.ID,
		"user_id", userID,
		"subscriptions", len(subs),
		"tag", payload.Tag)

	result.Endpoints = d.fanOut(ctx, subs, data, payload.Tag)
	result.Outcome = Aggregate(result.Endpoints)

	d.logger.Info("Dispatch completed",
		"reminder_id", r.ID,
		"user_id", userID,
		"outcome", string(result.Outcome),
		"delivered", result.Delivered(),
		"failed", len(result.Endpoints)-result.Delivered(),
		"removed", result.Removed())

	return result, nil
}

// fanOut sends to every subscription with bounded concurrency and returns one
// result per subscription in input order. It returns once all attempts resolved.
func (d *Dispatcher) fanOut(ctx context.Context, subs []*notifier.Subscription, data []byte, tag string) []EndpointResult {
	results := make([]EndpointResult, len(subs))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, sub := range subs {
		g.Go(func() error {
			results[i] = d.deliver(ctx, sub, data, tag)
			return nil
		})
	}
	// Attempts never return errors; failures are carried in the results.
	_ = g.Wait()

	return results
}

func (d *Dispatcher) deliver(ctx context.Context, sub *notifier.Subscription, data []byte, tag string) EndpointResult {
	res := d.sender.Send(ctx, sub, data, tag)
	out := EndpointResult{
		SubscriptionID: sub.ID,
		Endpoint:       sub.Endpoint,
		Status:         res.Status,
		StatusCode:     res.StatusCode,
		Err:            res.Err,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	if res.Status != notifier.EndpointGone {
		return out
	}

	if err := d.store.DeleteSubscription(ctx, sub.UserID, sub.Endpoint); err != nil {
		d.logger.Warn("Failed to remove dead subscription",
			"subscription_id", sub.ID,
			"user_id", sub.UserID,
			"error", err)
		return out
	}
	d.logger.Info("Removed dead subscription",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"status_code", res.StatusCode)
	out.Removed = true
	return out
}

// Aggregate reduces per-endpoint results to the dispatch outcome: sent when at
// least one endpoint accepted the message, failed otherwise.
func Aggregate(results []EndpointResult) notifier.Outcome {
	if len(results) == 0 {
		return notifier.OutcomeNoSubscriptions
	}
	for i := range results {
		if results[i].Status == notifier.Delivered {
			return notifier.OutcomeSent
		}
	}
	return notifier.OutcomeFailed
}
