// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"reminder-notifier/dispatch"
	"reminder-notifier/pkg/notifier"
	"reminder-notifier/poll"
	"strings"
	"time"

	"github.com/gorilla/handlers"
)

// Store interface for reminder lookup and device registration.
type Store interface {
	GetReminder(ctx context.Context, id string) (*notifier.Reminder, error)
	SaveSubscription(ctx context.Context, sub *notifier.Subscription) error
	DeleteSubscription(ctx context.Context, userID, endpoint string) error
	DeleteUserSubscriptions(ctx context.Context, userID string) (int, error)
}

// Poller interface for triggering checks.
type Poller interface {
	CheckAll(ctx context.Context) (*poll.Report, error)
	NotifyUser(ctx context.Context, r *notifier.Reminder, userID string) (*dispatch.Result, error)
}

// Dispatcher interface for sends that must not touch persistent state.
type Dispatcher interface {
	Dispatch(ctx context.Context, r *notifier.Reminder, userID string) (*dispatch.Result, error)
}

// IsNotFound checks if an error is a not found error.
type IsNotFound func(error) bool

// Server handles HTTP requests.
type Server struct {
	store          Store
	poller         Poller
	dispatcher     Dispatcher
	logger         *slog.Logger
	accessLog      io.Writer
	isNotFound     IsNotFound
	limiter        *ipLimiter
	vapidPublicKey string
	pollToken      string
}

// Config holds server configuration.
type Config struct {
	Store          Store
	Poller         Poller
	Dispatcher     Dispatcher
	Logger         *slog.Logger
	AccessLog      io.Writer // Defaults to os.Stdout
	IsNotFound     IsNotFound
	VAPIDPublicKey string
	PollToken      string // Optional bearer token for /pollz
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	accessLog := cfg.AccessLog
	if accessLog == nil {
		accessLog = os.Stdout
	}
	return &Server{
		store:          cfg.Store,
		poller:         cfg.Poller,
		dispatcher:     cfg.Dispatcher,
		logger:         cfg.Logger,
		accessLog:      accessLog,
		isNotFound:     cfg.IsNotFound,
		limiter:        newIPLimiter(),
		vapidPublicKey: cfg.VAPIDPublicKey,
		pollToken:      cfg.PollToken,
	}
}

// Handler returns the routed handler with access logging and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/notify", s.handleNotify)
	mux.HandleFunc("/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/vapid-public-key", s.handleVAPIDKey)

	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Authorization", "X-Client-Info", "Apikey", "Content-Type"}),
	)
	return handlers.LoggingHandler(s.accessLog, cors(mux))
}

// ListenAndServe starts the server.
func (s *Server) ListenAndServe(port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,  // Time to read request headers and body
		WriteTimeout:      5 * time.Minute,   // A check may dispatch many reminders
		IdleTimeout:       120 * time.Second, // Time to keep connection alive between requests
		ReadHeaderTimeout: 5 * time.Second,   // Time to read request headers only
	}

	s.logger.Info("Starting HTTP server", "port", port)
	return server.ListenAndServe()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := fmt.Fprint(w, `{"status":"healthy"}`); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
		return
	}
}

type pollResponse struct {
	Message   string                `json:"message"`
	Reminders []poll.ReminderReport `json:"reminders"`
	Count     int                   `json:"count"`
	Checked   int                   `json:"checked"`
	Success   bool                  `json:"success"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.pollAuthorized(r) {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	s.logger.Info("Poll endpoint triggered")

	report, err := s.poller.CheckAll(r.Context())
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Check failed")
		return
	}

	s.writeJSON(w, http.StatusOK, pollResponse{
		Success:   true,
		Message:   fmt.Sprintf("Processed %d due reminders", report.Due),
		Count:     report.Due,
		Checked:   report.Checked,
		Reminders: report.Reminders,
	})
}

func (s *Server) pollAuthorized(r *http.Request) bool {
	if s.pollToken == "" {
		return true
	}
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	// Constant-time comparison for security
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.pollToken)) == 1
}

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.vapidPublicKey == "" {
		s.writeError(w, http.StatusNotFound, "Push is not configured")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"publicKey": s.vapidPublicKey})
}
