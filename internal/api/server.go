package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/surveil/internal/domain"
)

// Server is the Surveil HTTP API.
type Server struct {
	router *chi.Mux
	server *http.Server
}

// NewServer wires the middleware stack and routes over deps.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	h := NewHandler(deps)
	r := chi.NewRouter()

	r.Use(
		CORSMiddleware,
		TracingMiddleware,
		InstrumentMiddleware(deps.Metrics),
		RecoverMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "no route for "+r.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, r.Method+" not allowed on "+r.URL.Path)
	})

	// Operational and stateless endpoints take no tenant.
	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}
	r.Route("/score-steps", func(r chi.Router) {
		r.Post("/validate", h.ValidateScoreSteps)
		r.Post("/evaluate", h.EvaluateScoreSteps)
	})

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Route("/settings", func(r chi.Router) {
			r.Get("/", h.ListSettings)
			r.Post("/", h.CreateSetting)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetSetting)
				r.Put("/", h.UpdateSetting)
				r.Delete("/", h.DeleteSetting)
				r.Post("/resolve", h.ResolveSetting)
			})
		})

		r.Route("/models", func(r chi.Router) {
			r.Get("/", h.ListModels)
			r.Post("/", h.CreateModel)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetModel)
				r.Post("/evaluate", h.EvaluateModel)
				r.Get("/alerts", h.ListAlerts)
			})
		})

		r.Get("/alerts/{id}", h.GetAlert)
	})

	return &Server{
		router: r,
		server: &http.Server{
			Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
			WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
			IdleTimeout:       120 * time.Second,
		},
	}
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.server.Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the routes for in-process tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}
