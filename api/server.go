package api

import (
	"encoding/json"
	"net/http"

	"kestrel-eim/api/handlers"
	"kestrel-eim/config"
	"kestrel-eim/core/intake"
	"kestrel-eim/core/store"
	"kestrel-eim/core/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type ServerDeps struct {
	Incidents store.IncidentsStore
	Audits    store.AuditStore
	Intake    *intake.Service
	Logger    *utils.Logger
}

type Server struct {
	cfg    *config.AppConfig
	deps   ServerDeps
	router chi.Router
}

func NewServer(cfg *config.AppConfig, deps ServerDeps) *Server {
	s := &Server{cfg: cfg, deps: deps}
	s.router = s.buildRouter()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	h := handlers.NewIntakeHandler(s.cfg, s.deps.Incidents, s.deps.Intake, s.deps.Audits, s.deps.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	r.Route("/api/incidents", func(r chi.Router) {
		r.Get("/", h.List)
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Patch("/", h.Update)
			r.Delete("/", h.Delete)
			r.Post("/restore", h.Restore)
			r.Delete("/purge", h.Purge)
			r.Delete("/photos", h.DeletePhoto)
			r.Delete("/videos", h.DeleteVideo)
			r.Post("/casualties", h.AddCasualty)
			r.Get("/casualties", h.ListCasualties)
		})
	})
	return r
}
