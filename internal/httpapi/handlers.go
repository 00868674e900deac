package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/wardline/notify/internal/domain/notification"
	"github.com/wardline/notify/internal/services/notifier"
)

// userHeader carries the authenticated user id set by the API gateway.
const userHeader = "X-User-ID"

func callerID(r *http.Request) string { return r.Header.Get(userHeader) }

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		respondError(w, s.log, http.StatusUnauthorized, "missing user identity")
		return
	}

	q := r.URL.Query()
	f := notification.ListFilter{
		Status:   notification.Status(q.Get("status")),
		Category: notification.Category(q.Get("type")),
		Priority: notification.Priority(q.Get("priority")),
	}
	f.Page, _ = strconv.Atoi(q.Get("page"))
	f.Limit, _ = strconv.Atoi(q.Get("limit"))

	items, total, err := s.svc.List(r.Context(), userID, f)
	if err != nil {
		s.log.Error("list notifications", zap.Error(err))
		respondError(w, s.log, http.StatusInternalServerError, "list failed")
		return
	}
	if items == nil {
		items = []*notification.Notification{}
	}
	respondJSON(w, s.log, http.StatusOK, map[string]any{
		"notifications": items,
		"total":         total,
		"page":          f.Page,
		"limit":         f.Limit,
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var p notifier.CreateParams
	if err := decodeBody(r, &p); err != nil {
		respondError(w, s.log, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	async := r.URL.Query().Get("async") == "true"
	var (
		n   *notification.Notification
		err error
	)
	if async {
		n, err = s.svc.CreateNotificationAsync(r.Context(), p)
	} else {
		n, err = s.svc.CreateNotification(r.Context(), p)
	}
	if err != nil {
		if n == nil {
			respondError(w, s.log, http.StatusBadRequest, err.Error())
			return
		}
		// Created but delivery had trouble; the record and the retry ledger
		// carry the rest.
		s.log.Warn("create delivered with errors", zap.String("id", n.ID), zap.Error(err))
	}
	respondJSON(w, s.log, http.StatusCreated, n)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := s.svc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, notification.ErrNotFound) {
			respondError(w, s.log, http.StatusNotFound, "notification not found")
			return
		}
		s.log.Error("get notification", zap.String("id", id), zap.Error(err))
		respondError(w, s.log, http.StatusInternalServerError, "lookup failed")
		return
	}
	log, err := s.svc.DeliveryLog(r.Context(), id)
	if err != nil {
		s.log.Warn("load delivery log", zap.String("id", id), zap.Error(err))
	}
	respondJSON(w, s.log, http.StatusOK, map[string]any{
		"notification": n,
		"delivery_log": log,
	})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		respondError(w, s.log, http.StatusUnauthorized, "missing user identity")
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := s.svc.MarkRead(r.Context(), id, userID)
	if err != nil {
		s.log.Error("mark read", zap.String("id", id), zap.Error(err))
		respondError(w, s.log, http.StatusInternalServerError, "update failed")
		return
	}
	if !ok {
		respondError(w, s.log, http.StatusNotFound, "notification not found or not readable")
		return
	}
	respondJSON(w, s.log, http.StatusOK, map[string]bool{"read": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		respondError(w, s.log, http.StatusUnauthorized, "missing user identity")
		return
	}
	id := chi.URLParam(r, "id")
	ok, err := s.svc.Delete(r.Context(), id, userID)
	if err != nil {
		s.log.Error("delete notification", zap.String("id", id), zap.Error(err))
		respondError(w, s.log, http.StatusInternalServerError, "delete failed")
		return
	}
	if !ok {
		respondError(w, s.log, http.StatusNotFound, "notification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	userID := callerID(r)
	if userID == "" {
		respondError(w, s.log, http.StatusUnauthorized, "missing user identity")
		return
	}
	count, err := s.svc.UnreadCount(r.Context(), userID)
	if err != nil {
		s.log.Error("unread count", zap.Error(err))
		respondError(w, s.log, http.StatusInternalServerError, "count failed")
		return
	}
	respondJSON(w, s.log, http.StatusOK, map[string]int{"unread_count": count})
}

func (s *Server) handleCleanupExpired(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.svc.CleanupExpired(r.Context())
	if err != nil {
		s.log.Error("cleanup expired", zap.Error(err))
		respondError(w, s.log, http.StatusInternalServerError, "cleanup failed")
		return
	}
	respondJSON(w, s.log, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) queued(w http.ResponseWriter, msgID string, err error) {
	if err != nil {
		s.log.Error("queue publish", zap.Error(err))
		respondError(w, s.log, http.StatusServiceUnavailable, "queueing failed")
		return
	}
	respondJSON(w, s.log, http.StatusAccepted, map[string]any{
		"queued":     true,
		"message_id": msgID,
	})
}

func (s *Server) handleQueueAppointmentReminder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		notifier.AppointmentReminderPayload
		DelaySeconds int `json:"delay_seconds,omitempty"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, s.log, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	delay := time.Duration(req.DelaySeconds) * time.Second
	id, err := s.svc.QueueAppointmentReminder(r.Context(), req.AppointmentReminderPayload, delay)
	s.queued(w, id, err)
}

func (s *Server) handleQueuePrescriptionReady(w http.ResponseWriter, r *http.Request) {
	var p notifier.PrescriptionReadyPayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, s.log, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.svc.QueuePrescriptionReady(r.Context(), p)
	s.queued(w, id, err)
}

func (s *Server) handleQueueSystemAlert(w http.ResponseWriter, r *http.Request) {
	var p notifier.SystemAlertPayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, s.log, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	id, err := s.svc.QueueSystemAlert(r.Context(), p)
	s.queued(w, id, err)
}

func (s *Server) handleQueueBulk(w http.ResponseWriter, r *http.Request) {
	var p notifier.BulkPayload
	if err := decodeBody(r, &p); err != nil {
		respondError(w, s.log, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(p.RecipientIDs) == 0 {
		respondError(w, s.log, http.StatusBadRequest, "recipient_user_ids must not be empty")
		return
	}
	id, err := s.svc.QueueBulkNotification(r.Context(), p)
	s.queued(w, id, err)
}

func (s *Server) handleRetrySweep(w http.ResponseWriter, r *http.Request) {
	processed, err := s.ledger.ProcessDue(r.Context())
	if err != nil {
		s.log.Error("manual sweep", zap.Error(err))
		respondError(w, s.log, http.StatusInternalServerError, "sweep failed")
		return
	}
	respondJSON(w, s.log, http.StatusOK, map[string]int{"processed": processed})
}

func (s *Server) handleRetryStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			respondError(w, s.log, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = d
	}
	stats, err := s.ledger.Stats(r.Context(), time.Now().Add(-window))
	if err != nil {
		s.log.Error("retry stats", zap.Error(err))
		respondError(w, s.log, http.StatusInternalServerError, "stats failed")
		return
	}
	respondJSON(w, s.log, http.StatusOK, map[string]any{
		"window": window.String(),
		"stats":  stats,
	})
}

func (s *Server) handleRetryCleanup(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.ledger.Cleanup(r.Context())
	if err != nil {
		s.log.Error("retry cleanup", zap.Error(err))
		respondError(w, s.log, http.StatusInternalServerError, "cleanup failed")
		return
	}
	respondJSON(w, s.log, http.StatusOK, map[string]int64{"deleted": deleted})
}
