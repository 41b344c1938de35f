package api

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/xeipuuv/gojsonschema"

	"aegisflux/nets/internal/metrics"
	"aegisflux/nets/internal/model"
	"aegisflux/nets/internal/pipeline"
	"aegisflux/nets/internal/policy"
	"aegisflux/nets/internal/rules"
	"aegisflux/nets/internal/store"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Pipeline is the part of the orchestrator the API reads
type Pipeline interface {
	Status() pipeline.Status
	Ready() bool
	SubscribeAlerts(buffer int) (<-chan *model.Alert, func())
}

// Decisions is the operator surface of the policy layer
type Decisions interface {
	Get(id string) (policy.Decision, error)
	List(state policy.State) []policy.Decision
	Confirm(id, actor string) error
	Reject(id, actor string) error
	Cancel(id, actor string) error
	Rollback(ctx context.Context, id, actor string) error
	Subscribe(buffer int) (<-chan policy.Event, func())
}

// Deps wires the server to the running daemon. Loader and Metrics are
// optional.
type Deps struct {
	Pipeline  Pipeline
	Store     *store.MemoryStore
	Engine    *rules.Engine
	Loader    *rules.Loader
	Decisions Decisions
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// Server is the loopback control API
type Server struct {
	r    *chi.Mux
	deps Deps
	log  *slog.Logger

	commandSchema *gojsonschema.Schema
	rulesSchema   *gojsonschema.Schema

	keepAlive time.Duration
}

// NewServer builds the router and compiles the request schemas
func NewServer(deps Deps) (*Server, error) {
	commandSchema, err := loadSchema("schemas/command.json")
	if err != nil {
		return nil, err
	}
	rulesSchema, err := loadSchema("schemas/rules_request.json")
	if err != nil {
		return nil, err
	}

	s := &Server{
		r:             chi.NewRouter(),
		deps:          deps,
		log:           deps.Logger.With("component", "api"),
		commandSchema: commandSchema,
		rulesSchema:   rulesSchema,
		keepAlive:     15 * time.Second,
	}
	s.r.Use(middleware.RequestID)
	s.r.Use(s.requestLogger)
	s.r.Use(middleware.Recoverer)
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) })
	s.r.Get("/readyz", s.getReady)
	s.r.Get("/status", s.getStatus)
	if s.deps.Metrics != nil {
		s.r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	s.r.Get("/alerts", s.getAlerts)
	s.r.Get("/flows", s.getFlows)

	s.r.Route("/decisions", func(r chi.Router) {
		r.Get("/", s.listDecisions)
		r.Get("/{id}", s.getDecision)
		r.Post("/{id}/{action}", s.postDecision)
	})

	s.r.Route("/rules", func(r chi.Router) {
		r.Get("/", s.getRules)
		r.Get("/fields", s.getFields)
		r.Post("/import", s.importRules)
		r.Post("/validate", s.validateRules)
		r.Post("/reload", s.reloadRules)
	})

	s.r.Get("/events", s.streamEvents)
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func loadSchema(name string) (*gojsonschema.Schema, error) {
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", name, err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", name, err)
	}
	return schema, nil
}
