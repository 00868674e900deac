package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/wardline/notify/internal/services/notifier"
	"github.com/wardline/notify/internal/services/retrysweep"
)

// Pinger reports a dependency's liveness for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a plain function to Pinger.
type PingerFunc func(ctx context.Context) error

func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

type Server struct {
	svc    *notifier.Service
	ledger *retrysweep.Ledger
	db     Pinger
	broker Pinger
	log    *zap.Logger
}

func NewServer(svc *notifier.Service, ledger *retrysweep.Ledger, db, broker Pinger, log *zap.Logger) *Server {
	return &Server{
		svc:    svc,
		ledger: ledger,
		db:     db,
		broker: broker,
		log:    log.With(zap.String("component", "httpapi")),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleCreate)
			r.Get("/unread-count", s.handleUnreadCount)
			r.Post("/cleanup-expired", s.handleCleanupExpired)
			r.Get("/{id}", s.handleGet)
			r.Put("/{id}/read", s.handleMarkRead)
			r.Delete("/{id}", s.handleDelete)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Post("/appointment-reminder", s.handleQueueAppointmentReminder)
			r.Post("/prescription-ready", s.handleQueuePrescriptionReady)
			r.Post("/system-alert", s.handleQueueSystemAlert)
			r.Post("/bulk", s.handleQueueBulk)
		})

		r.Route("/admin/retries", func(r chi.Router) {
			r.Post("/sweep", s.handleRetrySweep)
			r.Get("/stats", s.handleRetryStats)
			r.Post("/cleanup", s.handleRetryCleanup)
		})
	})

	return otelhttp.NewHandler(r, "httpapi")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	deps := map[string]string{"db": "ok", "broker": "ok"}
	if err := s.db.Ping(ctx); err != nil {
		deps["db"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := s.broker.Ping(ctx); err != nil {
		deps["broker"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, s.log, status, deps)
}
