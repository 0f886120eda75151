package client

import (
	"context"
	"log/slog"
	"reminder-notifier/pkg/notifier"
	"sync"
	"time"
)

const defaultKeepAliveInterval = 30 * time.Second

// KeepAlive periodically asks every open window to check reminders, as a
// fallback for devices where push delivery is unreliable. It does nothing
// until Start is called.
type KeepAlive struct {
	platform Platform
	logger   *slog.Logger
	now      func() time.Time
	cancel   context.CancelFunc
	done     chan struct{}
	interval time.Duration
	mu       sync.Mutex
}

// NewKeepAlive creates a stopped keep-alive task.
func NewKeepAlive(platform Platform, interval time.Duration, now func() time.Time, logger *slog.Logger) *KeepAlive {
	if interval <= 0 {
		interval = defaultKeepAliveInterval
	}
	if now == nil {
		now = time.Now
	}
	return &KeepAlive{
		platform: platform,
		logger:   logger,
		now:      now,
		interval: interval,
	}
}

// Start launches the task. It reports false if the task was already running.
// The task stops when ctx is done or Stop is called.
func (k *KeepAlive) Start(ctx context.Context) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	k.cancel = cancel
	k.done = done

	go k.run(ctx, done)
	k.logger.Debug("Keep-alive started", "interval", k.interval.String())
	return true
}

// Stop ends the task and waits for it to exit. Stopping a stopped task is a no-op.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	cancel, done := k.cancel, k.done
	k.cancel, k.done = nil, nil
	k.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	k.logger.Debug("Keep-alive stopped")
}

// Running reports whether the task is active.
func (k *KeepAlive) Running() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cancel != nil
}

func (k *KeepAlive) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			k.mu.Lock()
			// Clear state if the parent context ended rather than Stop
			if k.done == done {
				k.cancel, k.done = nil, nil
			}
			k.mu.Unlock()
			return
		case <-ticker.C:
			k.tick(ctx)
		}
	}
}

// tick posts CHECK_REMINDERS_BACKGROUND to every open window.
func (k *KeepAlive) tick(ctx context.Context) {
	windows, err := k.platform.Windows(ctx)
	if err != nil {
		k.logger.Warn("Failed to list windows", "error", err)
		return
	}

	msg := notifier.CheckReminders(k.now())
	for _, w := range windows {
		if err := w.PostMessage(ctx, msg); err != nil {
			k.logger.Warn("Failed to post background check", "url", w.URL(), "error", err)
		}
	}
}
