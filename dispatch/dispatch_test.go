package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/push"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	subs    map[string][]*notifier.Subscription
	deletes int
	listErr error
}

func newFakeStore(userID string, endpoints ...string) *fakeStore {
	s := &fakeStore{subs: make(map[string][]*notifier.Subscription)}
	for i, ep := range endpoints {
		s.subs[userID] = append(s.subs[userID], &notifier.Subscription{
			ID:       fmt.Sprintf("sub-%d", i),
			UserID:   userID,
			Endpoint: ep,
		})
	}
	return s
}

func (s *fakeStore) ListSubscriptions(ctx context.Context, userID string) ([]*notifier.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*notifier.Subscription, len(s.subs[userID]))
	copy(out, s.subs[userID])
	return out, nil
}

func (s *fakeStore) DeleteSubscription(ctx context.Context, userID, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	subs := s.subs[userID]
	for i, sub := range subs {
		if sub.Endpoint == endpoint {
			s.subs[userID] = append(subs[:i], subs[i+1:]...)
			return nil
		}
	}
	return nil // Absent is fine
}

func (s *fakeStore) count(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[userID])
}

// fakeSender answers by endpoint; unknown endpoints are delivered.
type fakeSender struct {
	mu       sync.Mutex
	statuses map[string]notifier.DeliveryStatus
	payloads [][]byte
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeSender) Send(ctx context.Context, sub *notifier.Subscription, payload []byte, tag string) push.Result {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.payloads = append(f.payloads, payload)
	status, ok := f.statuses[sub.Endpoint]
	f.mu.Unlock()
	if !ok {
		status = notifier.Delivered
	}
	res := push.Result{Status: status}
	switch status {
	case notifier.EndpointGone:
		res.StatusCode = 410
		res.Err = errors.New("push service returned HTTP 410")
	case notifier.TransientFailure:
		res.StatusCode = 500
		res.Err = errors.New("push service returned HTTP 500")
	default:
		res.StatusCode = 201
	}
	return res
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testReminder() *notifier.Reminder {
	return &notifier.Reminder{ID: "42", OwnerID: "u1", Title: "Pay bill", Description: "Electricity"}
}

func newDispatcher(store Store, sender Sender) *Dispatcher {
	now := func() time.Time { return time.Date(2024, 1, 1, 9, 0, 30, 0, time.UTC) }
	return New(store, sender, Config{Now: now, Concurrency: 2}, testLogger())
}

func TestDispatchNoSubscriptions(t *testing.T) {
	store := newFakeStore("someone-else", "https://push.example/a")
	sender := &fakeSender{}
	d := newDispatcher(store, sender)

	res, err := d.Dispatch(context.Background(), testReminder(), "u1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Outcome != notifier.OutcomeNoSubscriptions {
		t.Errorf("Outcome = %s, want %s", res.Outcome, notifier.OutcomeNoSubscriptions)
	}
	if store.deletes != 0 {
		t.Errorf("delete path touched %d times", store.deletes)
	}
	if len(sender.payloads) != 0 {
		t.Errorf("sent %d payloads, want 0", len(sender.payloads))
	}
}

func TestDispatchPartialGone(t *testing.T) {
	endpoints := []string{"https://push.example/a", "https://push.example/b", "https://push.example/c", "https://push.example/d", "https://push.example/e"}
	store := newFakeStore("u1", endpoints...)
	sender := &fakeSender{statuses: map[string]notifier.DeliveryStatus{
		endpoints[1]: notifier.EndpointGone,
		endpoints[3]: notifier.EndpointGone,
	}}
	d := newDispatcher(store, sender)

	res, err := d.Dispatch(context.Background(), testReminder(), "u1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Outcome != notifier.OutcomeSent {
		t.Errorf("Outcome = %s, want %s", res.Outcome, notifier.OutcomeSent)
	}
	if got := res.Removed(); got != 2 {
		t.Errorf("Removed() = %d, want 2", got)
	}
	if got := store.count("u1"); got != 3 {
		t.Errorf("remaining subscriptions = %d, want 3", got)
	}
	if got := res.Delivered(); got != 3 {
		t.Errorf("Delivered() = %d, want 3", got)
	}
	// Results keep subscription order.
	for i, ep := range endpoints {
		if res.Endpoints[i].Endpoint != ep {
			t.Errorf("result %d endpoint = %s, want %s", i, res.Endpoints[i].Endpoint, ep)
		}
	}
}

func TestDispatchAllGone(t *testing.T) {
	endpoints := []string{"https://push.example/a", "https://push.example/b", "https://push.example/c"}
	store := newFakeStore("u1", endpoints...)
	statuses := make(map[string]notifier.DeliveryStatus)
	for _, ep := range endpoints {
		statuses[ep] = notifier.EndpointGone
	}
	d := newDispatcher(store, &fakeSender{statuses: statuses})

	res, err := d.Dispatch(context.Background(), testReminder(), "u1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Outcome != notifier.OutcomeFailed {
		t.Errorf("Outcome = %s, want %s", res.Outcome, notifier.OutcomeFailed)
	}
	if got := store.count("u1"); got != 0 {
		t.Errorf("remaining subscriptions = %d, want 0", got)
	}
	if got := res.Removed(); got != 3 {
		t.Errorf("Removed() = %d, want 3", got)
	}
}

func TestDispatchTransientKeepsSubscription(t *testing.T) {
	store := newFakeStore("u1", "https://push.example/a", "https://push.example/b")
	sender := &fakeSender{statuses: map[string]notifier.DeliveryStatus{
		"https://push.example/a": notifier.TransientFailure,
		"https://push.example/b": notifier.TransientFailure,
	}}
	d := newDispatcher(store, sender)

	res, err := d.Dispatch(context.Background(), testReminder(), "u1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if res.Outcome != notifier.OutcomeFailed {
		t.Errorf("Outcome = %s, want %s", res.Outcome, notifier.OutcomeFailed)
	}
	if store.deletes != 0 {
		t.Errorf("transient failures must not prune, got %d deletes", store.deletes)
	}
	if res.Endpoints[0].Error == "" {
		t.Error("failed endpoint result should carry an error message")
	}
}

func TestDispatchTwiceIsIdempotent(t *testing.T) {
	store := newFakeStore("u1", "https://push.example/a", "https://push.example/gone")
	sender := &fakeSender{statuses: map[string]notifier.DeliveryStatus{
		"https://push.example/gone": notifier.EndpointGone,
	}}
	d := newDispatcher(store, sender)

	first, err := d.Dispatch(context.Background(), testReminder(), "u1")
	if err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}
	second, err := d.Dispatch(context.Background(), testReminder(), "u1")
	if err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}

	if first.Removed() != 1 || second.Removed() != 0 {
		t.Errorf("Removed() = %d then %d, want 1 then 0", first.Removed(), second.Removed())
	}
	if first.Outcome != notifier.OutcomeSent || second.Outcome != notifier.OutcomeSent {
		t.Errorf("outcomes = %s, %s", first.Outcome, second.Outcome)
	}

	// Both deliveries carry the same tag so the device replaces rather than stacks.
	var tags []string
	for _, raw := range sender.payloads {
		var p notifier.Payload
		if err := json.Unmarshal(raw, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		tags = append(tags, p.Tag)
	}
	for _, tag := range tags {
		if tag != "reminder-42" {
			t.Errorf("tag = %q, want reminder-42", tag)
		}
	}
}

func TestDispatchBoundedConcurrency(t *testing.T) {
	var endpoints []string
	for i := range 8 {
		endpoints = append(endpoints, fmt.Sprintf("https://push.example/%d", i))
	}
	store := newFakeStore("u1", endpoints...)
	sender := &fakeSender{delay: 20 * time.Millisecond}
	d := newDispatcher(store, sender) // Concurrency 2

	res, err := d.Dispatch(context.Background(), testReminder(), "u1")
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(res.Endpoints) != 8 {
		t.Fatalf("got %d results, want 8", len(res.Endpoints))
	}
	if peak := sender.peak.Load(); peak > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestDispatchListError(t *testing.T) {
	store := newFakeStore("u1")
	store.listErr = errors.New("connection refused")
	d := newDispatcher(store, &fakeSender{})

	if _, err := d.Dispatch(context.Background(), testReminder(), "u1"); err == nil {
		t.Error("expected error when subscriptions cannot be listed")
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name     string
		statuses []notifier.DeliveryStatus
		want     notifier.Outcome
	}{
		{"empty", nil, notifier.OutcomeNoSubscriptions},
		{"one delivered", []notifier.DeliveryStatus{notifier.Delivered}, notifier.OutcomeSent},
		{"delivered among failures", []notifier.DeliveryStatus{notifier.EndpointGone, notifier.TransientFailure, notifier.Delivered}, notifier.OutcomeSent},
		{"all gone", []notifier.DeliveryStatus{notifier.EndpointGone, notifier.EndpointGone}, notifier.OutcomeFailed},
		{"all transient", []notifier.DeliveryStatus{notifier.TransientFailure}, notifier.OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var results []EndpointResult
			for _, s := range tt.statuses {
				results = append(results, EndpointResult{Status: s})
			}
			if got := Aggregate(results); got != tt.want {
				t.Errorf("Aggregate() = %s, want %s", got, tt.want)
			}
		})
	}
}
