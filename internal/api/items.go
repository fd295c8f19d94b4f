package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/VenkatGGG/pushrelay-bridge/internal/content"
	"github.com/VenkatGGG/pushrelay-bridge/internal/guard"
	"github.com/VenkatGGG/pushrelay-bridge/internal/pushrelay"
	"github.com/VenkatGGG/pushrelay-bridge/pkg/httpx"
)

const maxBodyBytes = 1 << 20

type transitionRequest struct {
	Item content.Item `json:"item"`
	From string       `json:"from"`
	To   string       `json:"to"`
}

type notifyResponse struct {
	ItemID     int64          `json:"item_id"`
	Outcome    guard.Outcome  `json:"outcome"`
	CampaignID int64          `json:"campaign_id,omitempty"`
	Kind       pushrelay.Kind `json:"kind,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	Retryable  bool           `json:"retryable,omitempty"`
	Degraded   bool           `json:"degraded,omitempty"`
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	var req transitionRequest
	if err := httpx.DecodeJSON(r, &req, maxBodyBytes); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	if req.Item.ID <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_item_id", "item.id must be a positive integer")
		return
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_transition", "to status is required")
		return
	}

	t := content.Transition{Item: req.Item, From: strings.TrimSpace(req.From), To: to}
	// A client hanging up must not abandon a send halfway through.
	s.dispatcher.Dispatch(context.WithoutCancel(r.Context()), t)
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{
		"item_id":       t.Item.ID,
		"first_publish": t.IsFirstPublish(),
	})
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	var item content.Item
	if err := httpx.DecodeJSON(r, &item, maxBodyBytes); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON")
		return
	}
	item.ID = itemID

	res := s.notifier.Send(content.WithExecution(context.WithoutCancel(r.Context())), item)
	out := notifyResponse{
		ItemID:     itemID,
		Outcome:    res.Outcome,
		CampaignID: res.CampaignID,
		Kind:       res.Kind,
		Reason:     res.Reason,
		Retryable:  res.Transient,
		Degraded:   res.Degraded,
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}

	var apiErr *pushrelay.Error
	if errors.As(res.Err, &apiErr) && apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(apiErr.RetryAfter.Seconds()+0.5)))
	}
	httpx.WriteJSON(w, notifyStatus(res), out)
}

func notifyStatus(res guard.Result) int {
	switch res.Outcome {
	case guard.OutcomeSent:
		return http.StatusCreated
	case guard.OutcomeInvalid:
		return http.StatusBadRequest
	case guard.OutcomeIneligible:
		return http.StatusUnprocessableEntity
	case guard.OutcomeAlreadyClaimed, guard.OutcomeLocked, guard.OutcomeAlreadyHandled:
		return http.StatusConflict
	}
	switch res.Kind {
	case pushrelay.KindNotConfigured:
		return http.StatusServiceUnavailable
	case pushrelay.KindRateLimited:
		return http.StatusTooManyRequests
	case pushrelay.KindInvalidParameter:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) handleNotificationStatus(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	status, err := s.notifier.Status(r.Context(), itemID)
	if err != nil {
		s.logger.Printf("notification status lookup failed for item %d: %v", itemID, err)
		httpx.WriteError(w, http.StatusInternalServerError, "status_failed", err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, status)
}

func (s *Server) handleNotificationReset(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	if err := s.notifier.Reset(r.Context(), itemID); err != nil {
		s.logger.Printf("notification reset failed for item %d: %v", itemID, err)
		httpx.WriteError(w, http.StatusInternalServerError, "reset_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRecentRequests(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, 50, 500)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"items":   s.requests.Recent(limit),
		"dropped": s.requests.Dropped(),
	})
}

func itemIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := strings.TrimSpace(chi.URLParam(r, "id"))
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_item_id", "item id must be a positive integer")
		return 0, false
	}
	return id, true
}

func limitParam(w http.ResponseWriter, r *http.Request, fallback, max int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		httpx.WriteError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return 0, false
	}
	if parsed > max {
		parsed = max
	}
	return parsed, true
}
