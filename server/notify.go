package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"reminder-notifier/dispatch"
	"reminder-notifier/pkg/notifier"
	"strings"
)

const testReminderPrefix = "test-reminder-"

type notifyRequest struct {
	ReminderID string `json:"reminderId"`
	UserID     string `json:"userId"`
}

type notifyStats struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
}

type notifyResponse struct {
	Message  string                    `json:"message"`
	Outcome  notifier.Outcome          `json:"outcome"`
	Reminder map[string]string         `json:"reminder"`
	Results  []dispatch.EndpointResult `json:"results"`
	Stats    notifyStats               `json:"stats"`
	Success  bool                      `json:"success"`
}

// testReminder is sent in place of a stored reminder so users can check their devices.
func testReminder(id, userID string) *notifier.Reminder {
	return &notifier.Reminder{
		ID:          id,
		OwnerID:     userID,
		Title:       "Teste de Notificação",
		Description: "Esta é uma notificação de teste para verificar se o sistema está funcionando.",
	}
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req notifyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	req.ReminderID = strings.TrimSpace(req.ReminderID)
	req.UserID = strings.TrimSpace(req.UserID)
	if req.ReminderID == "" || req.UserID == "" {
		s.writeError(w, http.StatusBadRequest, "Missing reminderId or userId")
		return
	}

	ctx := r.Context()
	var res *dispatch.Result

	reminder, err := s.store.GetReminder(ctx, req.ReminderID)
	switch {
	case err == nil:
		// Real reminders go through the full pipeline so the queue and flag are updated
		res, err = s.poller.NotifyUser(ctx, reminder, req.UserID)
	case s.isNotFound(err) && strings.HasPrefix(req.ReminderID, testReminderPrefix):
		reminder = testReminder(req.ReminderID, req.UserID)
		s.logger.Info("Sending test notification", "user_id", req.UserID)
		res, err = s.dispatcher.Dispatch(ctx, reminder, req.UserID)
	case s.isNotFound(err):
		s.writeError(w, http.StatusNotFound, "Reminder not found")
		return
	}
	if err != nil {
		s.logger.Error("Notify failed", "reminder_id", req.ReminderID, "user_id", req.UserID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to send notification")
		return
	}

	stats := notifyStats{Total: len(res.Endpoints), Successful: res.Delivered()}
	stats.Failed = stats.Total - stats.Successful

	s.writeJSON(w, http.StatusOK, notifyResponse{
		Success:  res.Outcome == notifier.OutcomeSent,
		Message:  fmt.Sprintf("Processed %d of %d notifications", stats.Successful, stats.Total),
		Outcome:  res.Outcome,
		Reminder: map[string]string{"id": reminder.ID, "title": reminder.Title},
		Results:  res.Endpoints,
		Stats:    stats,
	})
}
