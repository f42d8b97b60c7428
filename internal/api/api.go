package api

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"searchdock/internal/engine"
	"searchdock/internal/hub"
	"searchdock/internal/orchestrator"
	"searchdock/internal/task"
)

// EngineInfo exposes the supervisor's read-only views.
type EngineInfo interface {
	Status(ctx context.Context) (*engine.Status, error)
	Stats(ctx context.Context) (*engine.Stats, error)
	PoolStats() engine.PoolStats
}

type Options struct {
	// CreateRate is the sustained number of task creations per second.
	CreateRate  float64
	CreateBurst int

	// AllowedOrigins are accepted by the WebSocket handshake in addition to
	// same-host origins.
	AllowedOrigins []string
}

type API struct {
	orchestrator *orchestrator.Orchestrator
	registry     *task.Registry
	engine       EngineInfo
	hub          *hub.Hub
	limiter      *rate.Limiter
	origins      map[string]bool
}

func NewAPI(orch *orchestrator.Orchestrator, registry *task.Registry, eng EngineInfo, h *hub.Hub, opts Options) *API {
	limit := rate.Inf
	if opts.CreateRate > 0 {
		limit = rate.Limit(opts.CreateRate)
	}
	burst := opts.CreateBurst
	if burst <= 0 {
		burst = 1
	}
	origins := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		origins[strings.ToLower(strings.TrimRight(o, "/"))] = true
	}
	return &API{
		origins:      origins,
		orchestrator: orch,
		registry:     registry,
		engine:       eng,
		hub:          h,
		limiter:      rate.NewLimiter(limit, burst),
	}
}

// RegisterRoutes registers API routes on the provided gin engine
func (a *API) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		create := RateLimit(a.limiter)
		api.POST("/search", create, a.CreateSearch)
		api.POST("/maintenance", create, a.CreateMaintenance)

		api.GET("/tasks", a.ListTasks)
		api.GET("/tasks/active", a.ListActive)
		api.GET("/tasks/:id", a.GetTask)
		api.GET("/tasks/:id/results", a.GetResults)
		api.GET("/tasks/:id/events", a.StreamEvents)
		api.GET("/tasks/:id/export", a.ExportTask)
		api.POST("/tasks/:id/cancel", a.CancelTask)
		api.DELETE("/tasks/:id", a.DeleteTask)
		api.DELETE("/tasks", a.DeleteAll)

		api.GET("/engine/health", a.EngineHealth)
		api.GET("/engine/status", a.EngineStatus)
		api.GET("/engine/stats", a.EngineStats)

		api.GET("/ws", a.ServeWS)
	}
}
