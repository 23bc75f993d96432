// Package api is the HTTP surface of nodeflow: workflow management, run
// history and live progress, and the webhook and chat event ingress.
package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/soochol/nodeflow/internal/flow"
	"github.com/soochol/nodeflow/internal/services"
	"github.com/soochol/nodeflow/internal/storage"
	"github.com/soochol/nodeflow/internal/triggers"
)

// JobLister exposes the scheduler's job table.
type JobLister interface {
	Jobs() []flow.ScheduledJob
}

// Deps are the collaborators the server routes to. Files, Jobs and Triggers
// are optional; their routes answer 503 when unset.
type Deps struct {
	Workflows  *services.WorkflowService
	Executions *services.ExecutionService
	History    *services.RunHistoryService
	Runs       *services.RunManager
	Jobs       JobLister
	Triggers   *triggers.Cache
	Files      storage.Store
}

// Options configures cross-cutting middleware.
type Options struct {
	// JWTSecret enables HS256 bearer authentication when non-empty.
	JWTSecret   string
	CORSOrigins []string
}

type Server struct {
	Deps
	opts     Options
	validate *validator.Validate
	logger   *slog.Logger
}

func NewServer(deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	return &Server{
		Deps:     deps,
		opts:     opts,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.With("component", "api"),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.opts.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Last-Event-ID", "X-Webhook-Signature"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		// Webhooks authenticate with their own HMAC secret.
		r.Post("/hooks/{id}", s.handleWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)

			r.Route("/workflows", func(r chi.Router) {
				r.Post("/", s.createWorkflow)
				r.Get("/", s.listWorkflows)
				r.Get("/{id}", s.getWorkflow)
				r.Put("/{id}", s.updateWorkflow)
				r.Delete("/{id}", s.deleteWorkflow)
				r.Post("/{id}/activate", s.activateWorkflow)
				r.Post("/{id}/deactivate", s.deactivateWorkflow)
				r.Post("/{id}/run", s.runWorkflow)
				r.Get("/{id}/runs", s.listWorkflowRuns)
			})
			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.listRuns)
				r.Get("/{id}", s.getRun)
				r.Get("/{id}/events", s.streamRunEvents)
			})
			r.Post("/events/chat", s.handleChatEvent)
			r.Get("/scheduler/jobs", s.listJobs)
			r.Get("/scheduler/stats", s.schedulerStats)
			r.Route("/files", func(r chi.Router) {
				r.Post("/", s.uploadFile)
				r.Get("/", s.listFiles)
				r.Get("/{id}", s.serveFile)
				r.Delete("/{id}", s.deleteFile)
			})
		})
	})

	return r
}
