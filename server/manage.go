package server

import (
	"encoding/json"
	"net/http"
	"strings"
)

type unsubscribeRequest struct {
	UserID   string `json:"userId"`
	Endpoint string `json:"endpoint,omitempty"` // Empty removes every device of the user
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req unsubscribeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing userId")
		return
	}

	if endpoint := strings.TrimSpace(req.Endpoint); endpoint != "" {
		if err := s.store.DeleteSubscription(r.Context(), userID, endpoint); err != nil {
			s.logger.Error("Failed to delete subscription", "user_id", userID, "error", err)
			s.writeError(w, http.StatusInternalServerError, "Failed to unsubscribe")
			return
		}
		s.logger.Info("Device unsubscribed", "user_id", userID)
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": 1})
		return
	}

	n, err := s.store.DeleteUserSubscriptions(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to delete subscriptions", "user_id", userID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to unsubscribe")
		return
	}

	s.logger.Info("All subscriptions removed", "user_id", userID, "count", n)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "removed": n})
}
