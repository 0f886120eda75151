package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"reminder-notifier/pkg/notifier"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxEndpointLength = 512

// Limiters unused for this long are dropped on the next sweep.
const limiterIdle = 10 * time.Minute

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter holds a rate limiter per client address.
type ipLimiter struct {
	visitors  map[string]*visitor
	now       func() time.Time
	lastSweep time.Time
	mu        sync.Mutex
}

func newIPLimiter() *ipLimiter {
	return &ipLimiter{visitors: make(map[string]*visitor), now: time.Now}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= limiterIdle {
		l.sweep(now)
	}
	v, exists := l.visitors[ip]
	if !exists {
		// 30 registrations per minute with a burst of 10
		v = &visitor{limiter: rate.NewLimiter(rate.Every(time.Minute/30), 10)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// sweep drops idle visitors. Caller holds l.mu.
func (l *ipLimiter) sweep(now time.Time) {
	for ip, v := range l.visitors {
		if now.Sub(v.lastSeen) >= limiterIdle {
			delete(l.visitors, ip)
		}
	}
	l.lastSweep = now
}

func (l *ipLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func clientIP(r *http.Request) string {
	// Check X-Forwarded-For header (Cloud Run)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if len(ips) > 0 {
			return strings.TrimSpace(ips[0])
		}
	}

	// Fallback to RemoteAddr
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}

type subscriptionRequest struct {
	UserID       string `json:"userId"`
	Subscription struct {
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	} `json:"subscription"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	// Rate limiting by IP
	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip)
		s.writeError(w, http.StatusTooManyRequests, "Too many requests. Please try again later.")
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handleSubscribe(w, r)
	case http.MethodDelete:
		s.handleUnsubscribe(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}

	userID := strings.TrimSpace(req.UserID)
	endpoint := strings.TrimSpace(req.Subscription.Endpoint)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing userId")
		return
	}
	if !isValidEndpoint(endpoint) {
		s.writeError(w, http.StatusBadRequest, "Invalid push endpoint")
		return
	}
	if req.Subscription.Keys.P256dh == "" || req.Subscription.Keys.Auth == "" {
		s.writeError(w, http.StatusBadRequest, "Missing subscription keys")
		return
	}

	sub := &notifier.Subscription{
		UserID:   userID,
		Endpoint: endpoint,
		P256dh:   req.Subscription.Keys.P256dh,
		Auth:     req.Subscription.Keys.Auth,
	}
	if err := s.store.SaveSubscription(r.Context(), sub); err != nil {
		s.logger.Error("Failed to save subscription", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to save subscription")
		return
	}

	s.logger.Info("Subscription registered", "user_id", userID, "subscription_id", sub.ID, "ip", clientIP(r))
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": sub.ID})
}

func isValidEndpoint(endpoint string) bool {
	if endpoint == "" || len(endpoint) > maxEndpointLength {
		return false
	}
	u, err := url.Parse(endpoint)
	return err == nil && u.Scheme == "https" && u.Host != ""
}
