package poll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reminder-notifier/dispatch"
	"reminder-notifier/pkg/notifier"
	"sort"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func reminder(id, date, clock string) *notifier.Reminder {
	return &notifier.Reminder{
		ID:                  id,
		OwnerID:             "u1",
		Title:               "Reminder " + id,
		Date:                date,
		Time:                clock,
		NotificationEnabled: true,
	}
}

// TestScan verifies the due predicate at 2024-01-01 09:00 UTC.
func TestScan(t *testing.T) {
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		mutate func(r *notifier.Reminder)
		date   string
		clock  string
		want   bool
	}{
		{name: "due exactly now", date: "2024-01-01", clock: "09:00", want: true},
		{name: "due with seconds", date: "2024-01-01", clock: "08:59:59", want: true},
		{name: "one minute early", date: "2024-01-01", clock: "09:01", want: false},
		{name: "yesterday is still due", date: "2023-12-31", clock: "23:00", want: true},
		{name: "long overdue has no cutoff", date: "2023-06-01", clock: "10:00", want: true},
		{name: "tomorrow", date: "2024-01-02", clock: "08:00", want: false},
		{
			name: "completed", date: "2024-01-01", clock: "08:00", want: false,
			mutate: func(r *notifier.Reminder) { r.Completed = true },
		},
		{
			name: "already notified", date: "2024-01-01", clock: "08:00", want: false,
			mutate: func(r *notifier.Reminder) { r.Notified = true },
		},
		{
			name: "notifications disabled", date: "2024-01-01", clock: "08:00", want: false,
			mutate: func(r *notifier.Reminder) { r.NotificationEnabled = false },
		},
		{name: "malformed date", date: "01/01/2024", clock: "08:00", want: false},
		{name: "malformed time", date: "2024-01-01", clock: "8am", want: false},
	}

	s := NewScanner(time.UTC, testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := reminder("1", tt.date, tt.clock)
			if tt.mutate != nil {
				tt.mutate(r)
			}
			got := s.Scan([]*notifier.Reminder{r}, now)
			if (len(got) == 1) != tt.want {
				t.Errorf("Scan() returned %d reminders, want due=%v", len(got), tt.want)
			}
		})
	}
}

func TestScanTimezone(t *testing.T) {
	loc := time.FixedZone("BRT", -3*60*60)
	s := NewScanner(loc, testLogger())

	// 09:00 local is 12:00 UTC.
	r := reminder("1", "2024-01-01", "09:00")
	if got := s.Scan([]*notifier.Reminder{r}, time.Date(2024, 1, 1, 11, 59, 0, 0, time.UTC)); len(got) != 0 {
		t.Error("reminder should not be due before 12:00 UTC")
	}
	if got := s.Scan([]*notifier.Reminder{r}, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)); len(got) != 1 {
		t.Error("reminder should be due at 12:00 UTC")
	}
}

func TestScanSkipsNil(t *testing.T) {
	s := NewScanner(nil, testLogger())
	got := s.Scan([]*notifier.Reminder{nil, reminder("1", "2024-01-01", "09:00")}, time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC))
	if len(got) != 1 || got[0].ID != "1" {
		t.Errorf("Scan() = %v", got)
	}
}

type fakeStore struct {
	reminders []*notifier.Reminder
	err       error
}

func (s *fakeStore) ListCandidates(ctx context.Context) ([]*notifier.Reminder, error) {
	return s.reminders, s.err
}

type fakeDispatcher struct {
	mu       sync.Mutex
	outcomes map[string]notifier.Outcome // userID -> outcome, default sent
	errs     map[string]error
	calls    []string
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, r *notifier.Reminder, userID string) (*dispatch.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, r.ID+"/"+userID)
	if err := d.errs[userID]; err != nil {
		return nil, err
	}
	outcome, ok := d.outcomes[userID]
	if !ok {
		outcome = notifier.OutcomeSent
	}
	return &dispatch.Result{ReminderID: r.ID, UserID: userID, Outcome: outcome}, nil
}

type fakeReconciler struct {
	mu         sync.Mutex
	enqueued   []string
	reconciled map[string]notifier.Outcome
	failFor    string
}

func (r *fakeReconciler) Enqueue(ctx context.Context, reminderID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enqueued = append(r.enqueued, reminderID+"/"+userID)
	return nil
}

func (r *fakeReconciler) Reconcile(ctx context.Context, reminderID, userID string, outcome notifier.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if reminderID == r.failFor {
		return errors.New("write failed")
	}
	if r.reconciled == nil {
		r.reconciled = make(map[string]notifier.Outcome)
	}
	r.reconciled[reminderID+"/"+userID] = outcome
	return nil
}

func newMonitor(store Store, d Dispatcher, rc Reconciler) *Monitor {
	now := func() time.Time { return time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC) }
	return New(store, NewScanner(time.UTC, testLogger()), d, rc, Config{Now: now, UserConcurrency: 2}, testLogger())
}

func TestCheckAll(t *testing.T) {
	due := reminder("42", "2024-01-01", "09:00")
	due.AssignedUserIDs = []string{"u2", "u3"}
	early := reminder("43", "2024-01-01", "08:59")
	future := reminder("44", "2024-01-01", "09:01")
	done := reminder("45", "2024-01-01", "08:00")
	done.Completed = true

	store := &fakeStore{reminders: []*notifier.Reminder{due, early, future, done}}
	d := &fakeDispatcher{outcomes: map[string]notifier.Outcome{"u3": notifier.OutcomeNoSubscriptions}}
	rc := &fakeReconciler{}

	report, err := newMonitor(store, d, rc).CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if report.Checked != 4 || report.Due != 2 {
		t.Errorf("Checked=%d Due=%d, want 4 and 2", report.Checked, report.Due)
	}

	sort.Strings(d.calls)
	want := []string{"42/u1", "42/u2", "42/u3", "43/u1"}
	if len(d.calls) != len(want) {
		t.Fatalf("dispatch calls = %v, want %v", d.calls, want)
	}
	for i := range want {
		if d.calls[i] != want[i] {
			t.Errorf("dispatch call %d = %s, want %s", i, d.calls[i], want[i])
		}
	}
	if len(rc.enqueued) != 4 {
		t.Errorf("enqueued %d pairs, want 4", len(rc.enqueued))
	}
	if got := rc.reconciled["42/u3"]; got != notifier.OutcomeNoSubscriptions {
		t.Errorf("42/u3 outcome = %s", got)
	}

	rep := report.Reminders[0]
	if rep.ID != "42" || !rep.Success || !rep.Notified {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.Users) != 3 || rep.Users[0].UserID != "u1" {
		t.Errorf("users = %+v, want owner first", rep.Users)
	}
}

func TestCheckAllContinuesAfterFailure(t *testing.T) {
	a := reminder("1", "2024-01-01", "08:00")
	b := reminder("2", "2024-01-01", "08:30")
	store := &fakeStore{reminders: []*notifier.Reminder{a, b}}
	rc := &fakeReconciler{failFor: "1"}

	report, err := newMonitor(store, &fakeDispatcher{}, rc).CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	if len(report.Reminders) != 2 {
		t.Fatalf("got %d reports, want 2", len(report.Reminders))
	}
	if report.Reminders[0].Success || report.Reminders[0].Error == "" {
		t.Errorf("first reminder should report the persistence failure: %+v", report.Reminders[0])
	}
	if !report.Reminders[1].Success {
		t.Errorf("second reminder should succeed: %+v", report.Reminders[1])
	}
}

func TestCheckAllDispatchError(t *testing.T) {
	r := reminder("1", "2024-01-01", "08:00")
	r.AssignedUserIDs = []string{"u2"}
	d := &fakeDispatcher{errs: map[string]error{"u2": errors.New("db down")}}

	report, err := newMonitor(&fakeStore{reminders: []*notifier.Reminder{r}}, d, &fakeReconciler{}).CheckAll(context.Background())
	if err != nil {
		t.Fatalf("CheckAll() error = %v", err)
	}
	rep := report.Reminders[0]
	if rep.Success {
		t.Error("dispatch error should fail the reminder")
	}
	if !rep.Notified {
		t.Error("owner delivery should still count as notified")
	}
}

func TestCheckAllListError(t *testing.T) {
	store := &fakeStore{err: errors.New("unavailable")}
	if _, err := newMonitor(store, &fakeDispatcher{}, &fakeReconciler{}).CheckAll(context.Background()); err == nil {
		t.Error("expected list error")
	}
}

func TestCheckAllCancelled(t *testing.T) {
	store := &fakeStore{reminders: []*notifier.Reminder{reminder("1", "2024-01-01", "08:00")}}
	d := &fakeDispatcher{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newMonitor(store, d, &fakeReconciler{}).CheckAll(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("CheckAll() error = %v, want context.Canceled", err)
	}
	if report == nil || len(report.Reminders) != 0 {
		t.Errorf("report = %+v, want no processed reminders", report)
	}
	if len(d.calls) != 0 {
		t.Errorf("dispatched %d times after cancellation", len(d.calls))
	}
}
