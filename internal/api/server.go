// Package api exposes the dedupe engine over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/dedupe-cli/internal/merge"
	"github.com/sells-group/dedupe-cli/internal/model"
	"github.com/sells-group/dedupe-cli/internal/quota"
)

// Runs is the job runner surface.
type Runs interface {
	Start(ctx context.Context, tenantID string, force bool) (*model.ProcessStatus, error)
	Status(ctx context.Context, tenantID string) (*model.ProcessStatus, error)
	History(ctx context.Context, tenantID string, limit int) ([]model.ProcessStatus, error)
	Finish(ctx context.Context, tenantID string) (*model.ProcessStatus, error)
	Resume(ctx context.Context, tenantID string) (*model.ProcessStatus, error)
}

// Groups reads duplicate groups.
type Groups interface {
	ListGroups(ctx context.Context, tenantID string, page, pageSize int) (*model.GroupPage, error)
	GetGroup(ctx context.Context, tenantID string, groupID int64) (*model.DuplicateGroup, error)
}

// Merger applies merges.
type Merger interface {
	ResolveMerge(ctx context.Context, tenantID string, groupID int64, primaryContactID string, selections model.FieldSelections) (*model.MergeResult, error)
	DirectMerge(ctx context.Context, tenantID string, groupID int64, primaryContactID string) (*model.MergeResult, error)
	FieldOptions(ctx context.Context, tenantID string, groupID int64) (*model.FieldOptions, error)
	RetryFailedDeletes(ctx context.Context, tenantID string) (*merge.RetryReport, error)
}

// Quota evaluates a tenant's plan.
type Quota interface {
	CheckAndMaybeExceed(ctx context.Context, tenantID string, contactCount int) (quota.Verdict, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP API.
type Deps struct {
	Runs   Runs
	Groups Groups
	Merger Merger
	Quota  Quota
	Plans  quota.PlanWriter
	Health Pinger
}

// Handlers serves the API routes.
type Handlers struct {
	deps Deps
}

// NewRouter builds the API router.
func NewRouter(deps Deps, corsOrigins []string) http.Handler {
	h := &Handlers{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)

	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Post("/runs", h.startRun)
		r.Get("/runs", h.listRuns)
		r.Get("/status", h.status)
		r.Post("/finish", h.finish)
		r.Post("/resume", h.resume)

		r.Get("/groups", h.listGroups)
		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Get("/", h.getGroup)
			r.Get("/options", h.fieldOptions)
			r.Post("/merge", h.resolveMerge)
			r.Post("/direct-merge", h.directMerge)
		})
		r.Post("/retry-deletes", h.retryDeletes)

		r.Get("/quota", h.checkQuota)
		r.Get("/plan", h.getPlan)
		r.Put("/plan", h.putPlan)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
