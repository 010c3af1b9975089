package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"flowdeck.app/cloud/internal/config"
	"flowdeck.app/cloud/internal/ratelimit"
	"flowdeck.app/cloud/license"
	"flowdeck.app/cloud/storage"
)

type Server struct {
	Router  chi.Router
	Config  *config.Config
	Storage storage.Storage
	Engine  *license.Engine
	Version string

	validate *validator.Validate
	ready    atomic.Bool
	events   atomic.Int64
}

type HealthResponse struct {
	Status          string    `json:"status"`
	Version         string    `json:"version"`
	Timestamp       time.Time `json:"timestamp"`
	EventsProcessed int64     `json:"events_processed"`
}

func NewServer(cfg *config.Config, store storage.Storage, engine *license.Engine, version string) *Server {
	s := &Server{
		Config:   cfg,
		Storage:  store,
		Engine:   engine,
		Version:  version,
		validate: validator.New(),
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Stripe-Signature"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.Health)
	r.Handle("/metrics", promhttp.Handler())

	limiter := ratelimit.New(60, time.Minute)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/webhooks/stripe", s.StripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(limiter))
			r.Post("/licenses/check", s.CheckEntitlement)
			r.Post("/licenses/trial", s.StartTrial)
			r.Post("/licenses/cancel", s.CancelSubscription)
		})
	})

	s.Router = r
	s.ready.Store(true)
	return s
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.ready.Load() {
		status = "starting"
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          status,
		Version:         s.Version,
		Timestamp:       time.Now().UTC(),
		EventsProcessed: s.events.Load(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		// Headers are already out; nothing left to do but note it.
		return
	}
}

func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
