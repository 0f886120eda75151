package push

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reminder-notifier/pkg/notifier"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testSubscription returns a subscription with real client key material so
// that payload encryption succeeds.
func testSubscription(t *testing.T, endpoint string) *notifier.Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	auth := make([]byte, 16)
	if _, err := rand.Read(auth); err != nil {
		t.Fatalf("generate auth secret: %v", err)
	}
	return &notifier.Subscription{
		ID:       "sub-1",
		UserID:   "u1",
		Endpoint: endpoint,
		P256dh:   base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
		Auth:     base64.RawURLEncoding.EncodeToString(auth),
	}
}

func testSender(t *testing.T, timeout time.Duration) *Sender {
	t.Helper()
	priv, pub, err := webpush.GenerateVAPIDKeys()
	if err != nil {
		t.Fatalf("generate VAPID keys: %v", err)
	}
	return New(Config{
		VAPIDPublicKey:  pub,
		VAPIDPrivateKey: priv,
		Subject:         "ops@example.com",
		Timeout:         timeout,
	}, &http.Client{}, testLogger())
}

func TestSendClassifiesResponses(t *testing.T) {
	var mu sync.Mutex
	var headers http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		headers = r.Header.Clone()
		mu.Unlock()
		switch r.URL.Path {
		case "/ok":
			w.WriteHeader(http.StatusCreated)
		case "/gone":
			w.WriteHeader(http.StatusGone)
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
		case "/throttled":
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	s := testSender(t, 5*time.Second)

	tests := []struct {
		path string
		want notifier.DeliveryStatus
		code int
	}{
		{"/ok", notifier.Delivered, http.StatusCreated},
		{"/gone", notifier.EndpointGone, http.StatusGone},
		{"/missing", notifier.EndpointGone, http.StatusNotFound},
		{"/throttled", notifier.TransientFailure, http.StatusTooManyRequests},
		{"/boom", notifier.TransientFailure, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			res := s.Send(context.Background(), testSubscription(t, srv.URL+tt.path), []byte(`{"title":"x"}`), "reminder-42")
			if res.Status != tt.want {
				t.Errorf("Status = %s, want %s (err %v)", res.Status, tt.want, res.Err)
			}
			if res.StatusCode != tt.code {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.code)
			}
			if (res.Err == nil) != (tt.want == notifier.Delivered) {
				t.Errorf("Err = %v for status %s", res.Err, res.Status)
			}
		})
	}

	mu.Lock()
	defer mu.Unlock()
	if got := headers.Get("Topic"); got != "reminder-42" {
		t.Errorf("Topic header = %q", got)
	}
	if got := headers.Get("TTL"); got != "86400" {
		t.Errorf("TTL header = %q", got)
	}
	if got := headers.Get("Urgency"); got != "normal" {
		t.Errorf("Urgency header = %q", got)
	}
	if got := headers.Get("Content-Encoding"); got != "aes128gcm" {
		t.Errorf("Content-Encoding header = %q", got)
	}
}

func TestSendTimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	s := testSender(t, 50*time.Millisecond)
	res := s.Send(context.Background(), testSubscription(t, srv.URL), []byte(`{}`), "reminder-1")
	if res.Status != notifier.TransientFailure {
		t.Errorf("Status = %s, want %s", res.Status, notifier.TransientFailure)
	}
	if res.Err == nil {
		t.Error("expected an error on timeout")
	}
}

func TestSendUnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint := srv.URL
	srv.Close()

	s := testSender(t, time.Second)
	res := s.Send(context.Background(), testSubscription(t, endpoint), []byte(`{}`), "reminder-1")
	if res.Status != notifier.TransientFailure {
		t.Errorf("Status = %s, want %s", res.Status, notifier.TransientFailure)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		code int
		want notifier.DeliveryStatus
	}{
		{200, notifier.Delivered},
		{201, notifier.Delivered},
		{202, notifier.Delivered},
		{400, notifier.TransientFailure},
		{403, notifier.TransientFailure},
		{404, notifier.EndpointGone},
		{410, notifier.EndpointGone},
		{413, notifier.TransientFailure},
		{503, notifier.TransientFailure},
	}
	for _, tt := range tests {
		if got := Classify(tt.code); got != tt.want {
			t.Errorf("Classify(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestTopic(t *testing.T) {
	if got := Topic("reminder-42"); got != "reminder-42" {
		t.Errorf("short tag should pass through, got %q", got)
	}
	long := "reminder-" + strings.Repeat("a", 36)
	got := Topic(long)
	if len(got) != maxTopicLength {
		t.Errorf("hashed topic length = %d, want %d", len(got), maxTopicLength)
	}
	if got != Topic(long) {
		t.Error("topic must be stable for the same tag")
	}
	if !isURLSafe(got) {
		t.Errorf("topic %q is not URL safe", got)
	}
	if Topic("") != "" {
		t.Error("empty tag should give empty topic")
	}
}
