package api

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/VenkatGGG/pushrelay-bridge/internal/content"
	"github.com/VenkatGGG/pushrelay-bridge/internal/guard"
	"github.com/VenkatGGG/pushrelay-bridge/internal/requestlog"
	"github.com/VenkatGGG/pushrelay-bridge/pkg/httpx"
)

type Notifier interface {
	Send(ctx context.Context, item content.Item) guard.Result
	Status(ctx context.Context, itemID int64) (guard.Status, error)
	Reset(ctx context.Context, itemID int64) error
}

type TransitionDispatcher interface {
	Dispatch(ctx context.Context, t content.Transition)
}

type RequestLog interface {
	Recent(limit int) []requestlog.Entry
	Dropped() int64
}

type Options struct {
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
	Logger     *log.Logger
}

type Server struct {
	notifier       Notifier
	dispatcher     TransitionDispatcher
	requests       RequestLog
	requiredAPIKey string
	rateLimiter    *fixedWindowLimiter
	logger         *log.Logger
}

func NewServer(notifier Notifier, dispatcher TransitionDispatcher, requests RequestLog, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	var limiter *fixedWindowLimiter
	if opts.RateLimit > 0 {
		limiter = newFixedWindowLimiter(opts.RateLimit, opts.RateWindow)
	}
	return &Server{
		notifier:       notifier,
		dispatcher:     dispatcher,
		requests:       requests,
		requiredAPIKey: opts.APIKey,
		rateLimiter:    limiter,
		logger:         logger,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withAPISecurity)

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", s.handleMetrics)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/transitions", s.handleTransition)
		r.Post("/items/{id}/notify", s.handleNotify)
		r.Get("/items/{id}/notification", s.handleNotificationStatus)
		r.Delete("/items/{id}/notification", s.handleNotificationReset)
		r.Get("/requests", s.handleRecentRequests)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "not_found", "route not found")
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
