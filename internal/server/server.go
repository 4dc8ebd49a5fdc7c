// Package server exposes the reward engine over HTTP: the participant-facing claim page and the
// operator JSON API.
package server

import (
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kkkkikiki/giftcard/internal/database"
	"github.com/kkkkikiki/giftcard/internal/service"
)

const defaultMaxBodySize = 10 << 20

// Config holds what the HTTP layer needs
type Config struct {
	Coordinator *service.Coordinator
	DB          *database.DB
	CORSOrigins []string
	MaxBodySize int64
	Logger      *slog.Logger
}

// Server routes HTTP requests to the engine and coordinator
type Server struct {
	coordinator *service.Coordinator
	engine      *service.RewardEngine
	db          *database.DB
	corsOrigins []string
	maxBodySize int64
	claimPage   *template.Template
	logger      *slog.Logger
}

// New creates a Server
func New(cfg Config) *Server {
	s := &Server{
		coordinator: cfg.Coordinator,
		engine:      cfg.Coordinator.Engine(),
		db:          cfg.DB,
		corsOrigins: cfg.CORSOrigins,
		maxBodySize: cfg.MaxBodySize,
		claimPage:   template.Must(template.New("claim").Parse(claimTemplate)),
		logger:      cfg.Logger,
	}
	if s.maxBodySize <= 0 {
		s.maxBodySize = defaultMaxBodySize
	}
	if len(s.corsOrigins) == 0 {
		s.corsOrigins = []string{"*"}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(slog.String("component", "http"))
	return s
}

// Router builds the chi router with middleware and every route
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(s.observe)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/health/db", s.healthDB)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/claim/{token}", s.claim)
	r.Post("/claim/{token}", s.claim)

	r.Route("/api", func(r chi.Router) {
		r.Put("/participants/{id}", s.saveParticipant)
		r.Post("/pool/rewards", s.loadRewards)

		r.Route("/programs/{title}", func(r chi.Router) {
			r.Get("/participants/{id}/eligibility", s.eligibility)
			r.Post("/participants/{id}/process", s.process)
			r.Get("/summary", s.summary)
			r.Post("/sweep", s.sweep)
			r.Get("/batch", s.batchCandidates)
			r.Post("/batch", s.processBatch)
			r.Get("/verify", s.verify)
		})
	})

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	hostname, _ := os.Hostname()
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"service":  "giftcard",
		"pool":     s.engine.Catalog().Pool.ID,
		"hostname": hostname,
	})
}

func (s *Server) healthDB(w http.ResponseWriter, r *http.Request) {
	if err := s.db.SQL.PingContext(r.Context()); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "error",
			"message": fmt.Sprintf("%s unavailable", s.db.SQL.DriverName()),
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok", s.db.SQL.DriverName(): "connected"})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("failed to write response", slog.Any("error", err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
