package client

import (
	"context"
	"fmt"
	"reminder-notifier/pkg/notifier"
	"sync"

	"github.com/asaskevich/EventBus"
)

const workerTopic = "worker:message"

// MemoryPlatform is an in-process Platform. Messages between windows and the
// surface travel over an event bus.
type MemoryPlatform struct {
	bus           EventBus.Bus
	notifications []notifier.Payload
	windows       []*MemoryWindow
	opened        []string
	nextID        int
	mu            sync.Mutex
}

// NewMemoryPlatform creates a platform with no windows or notifications.
func NewMemoryPlatform() *MemoryPlatform {
	return &MemoryPlatform{bus: EventBus.New()}
}

// Connect delivers messages sent by windows to s.
func (p *MemoryPlatform) Connect(s *Surface) error {
	return p.bus.Subscribe(workerTopic, func(data []byte) {
		s.HandleMessage(context.Background(), data)
	})
}

// ShowNotification displays n, replacing a notification with the same tag.
func (p *MemoryPlatform) ShowNotification(ctx context.Context, n notifier.Payload) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n.Tag != "" {
		for i := range p.notifications {
			if p.notifications[i].Tag == n.Tag {
				p.notifications[i] = n
				return nil
			}
		}
	}
	p.notifications = append(p.notifications, n)
	return nil
}

// CloseNotification removes the notifications carrying tag.
func (p *MemoryPlatform) CloseNotification(ctx context.Context, tag string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.notifications[:0]
	for _, n := range p.notifications {
		if n.Tag != tag {
			kept = append(kept, n)
		}
	}
	p.notifications = kept
	return nil
}

// Notifications returns the notifications currently shown.
func (p *MemoryPlatform) Notifications() []notifier.Payload {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notifier.Payload(nil), p.notifications...)
}

// Windows lists open windows in the order they were opened.
func (p *MemoryPlatform) Windows(ctx context.Context) ([]Window, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Window, len(p.windows))
	for i, w := range p.windows {
		out[i] = w
	}
	return out, nil
}

// OpenWindow opens a new window at url.
func (p *MemoryPlatform) OpenWindow(ctx context.Context, url string) error {
	if _, err := p.AddWindow(url); err != nil {
		return err
	}
	p.mu.Lock()
	p.opened = append(p.opened, url)
	p.mu.Unlock()
	return nil
}

// Opened returns the URLs opened through OpenWindow.
func (p *MemoryPlatform) Opened() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.opened...)
}

// AddWindow registers an already open window at url.
func (p *MemoryPlatform) AddWindow(url string) (*MemoryWindow, error) {
	p.mu.Lock()
	p.nextID++
	w := &MemoryWindow{platform: p, topic: fmt.Sprintf("window:%d", p.nextID), url: url}
	p.windows = append(p.windows, w)
	p.mu.Unlock()

	if err := p.bus.Subscribe(w.topic, w.receive); err != nil {
		return nil, fmt.Errorf("subscribe window: %w", err)
	}
	return w, nil
}

// MemoryWindow is an application window of a MemoryPlatform.
type MemoryWindow struct {
	platform *MemoryPlatform
	topic    string
	url      string
	messages []notifier.Message
	focused  int
	mu       sync.Mutex
}

// URL returns the address the window shows.
func (w *MemoryWindow) URL() string {
	return w.url
}

// Focus brings the window to the front.
func (w *MemoryWindow) Focus(ctx context.Context) error {
	w.mu.Lock()
	w.focused++
	w.mu.Unlock()
	return nil
}

// PostMessage delivers msg to the window.
func (w *MemoryWindow) PostMessage(ctx context.Context, msg notifier.Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	w.platform.bus.Publish(w.topic, msg)
	return nil
}

func (w *MemoryWindow) receive(msg notifier.Message) {
	w.mu.Lock()
	w.messages = append(w.messages, msg)
	w.mu.Unlock()
}

// Send posts raw data from the window to the connected surface.
func (w *MemoryWindow) Send(data []byte) {
	w.platform.bus.Publish(workerTopic, data)
}

// Messages returns the messages the window received.
func (w *MemoryWindow) Messages() []notifier.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]notifier.Message(nil), w.messages...)
}

// Focused returns how many times the window was focused.
func (w *MemoryWindow) Focused() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.focused
}
