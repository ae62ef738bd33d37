package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Router *chi.Mux
}

type ServerOptions struct {
	RateRPS   float64
	RateBurst int
	Health    Pinger
	Log       zerolog.Logger
}

func NewServer(handler *Handler, opts ServerOptions) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(accessLog(opts.Log))
	r.Use(cors)

	mountOps(r, opts.Health)

	limiter := NewRateLimiter(opts.RateRPS, opts.RateBurst)
	r.Route("/charges", func(r chi.Router) {
		r.Use(limiter.Handler)
		r.Post("/", handler.CreateCharge)
		r.Get("/{chargeId}", handler.GetCharge)
		r.Post("/{chargeId}/cancel", handler.CancelCharge)
	})

	return &Server{Router: r}
}

// NewAdminRouter serves only /health and /metrics; the worker exposes it.
func NewAdminRouter(health Pinger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	mountOps(r, health)
	return r
}

func mountOps(r chi.Router, health Pinger) {
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
			defer cancel()
			if err := health.Ping(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
}
