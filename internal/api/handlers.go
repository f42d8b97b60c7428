package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"searchdock/internal/archive"
	"searchdock/internal/engine"
	"searchdock/internal/hub"
	"searchdock/internal/orchestrator"
	"searchdock/internal/task"
)

type searchRequest struct {
	Query  string `json:"query"`
	Limit  *int   `json:"limit"`
	Offset int    `json:"offset"`
}

type maintenanceRequest struct {
	Task string `json:"task"`
}

type createTaskResponse struct {
	TaskID            string      `json:"taskId"`
	Status            task.Status `json:"status"`
	EstimatedDuration *int64      `json:"estimatedDuration,omitempty"`
}

type listResponse struct {
	Tasks   []*task.Task `json:"tasks"`
	Summary task.Summary `json:"summary"`
}

type cancelResponse struct {
	TaskID string      `json:"taskId"`
	Status task.Status `json:"status"`
	Task   *task.Task  `json:"task"`
}

type healthResponse struct {
	Available bool             `json:"available"`
	Pool      engine.PoolStats `json:"pool"`
	Realtime  hub.Stats        `json:"realtime"`
	Tasks     task.Summary     `json:"tasks"`
}

// unboundedLimit asks for every match up to the configured ceiling.
const unboundedLimit = -1

// CreateSearch starts a search task
func (a *API) CreateSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid search request")
		badRequest(c, "invalid request body")
		return
	}
	limit := unboundedLimit
	if req.Limit != nil {
		limit = *req.Limit
	}
	created, estimate, err := a.orchestrator.StartSearch(c.Request.Context(), orchestrator.SearchParams{
		Query:  req.Query,
		Limit:  limit,
		Offset: req.Offset,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	ms := estimate.Milliseconds()
	c.JSON(http.StatusAccepted, createTaskResponse{TaskID: created.ID, Status: created.Status, EstimatedDuration: &ms})
}

// CreateMaintenance starts a maintenance task
func (a *API) CreateMaintenance(c *gin.Context) {
	var req maintenanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warn().Err(err).Msg("invalid maintenance request")
		badRequest(c, "invalid request body")
		return
	}
	created, err := a.orchestrator.StartMaintenance(c.Request.Context(), req.Task)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, createTaskResponse{TaskID: created.ID, Status: created.Status})
}

// ListTasks returns tasks newest first with per-status counts
func (a *API) ListTasks(c *gin.Context) {
	filter := task.Filter{
		Status: task.Status(c.Query("status")),
		Type:   task.Type(c.Query("type")),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		badRequest(c, "unknown status "+strconv.Quote(string(filter.Status)))
		return
	}
	if filter.Type != "" && !filter.Type.Valid() {
		badRequest(c, "unknown type "+strconv.Quote(string(filter.Type)))
		return
	}
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	filter.Limit = limit
	c.JSON(http.StatusOK, listResponse{Tasks: a.registry.List(filter), Summary: a.registry.Summary()})
}

// ListActive returns pending and running tasks
func (a *API) ListActive(c *gin.Context) {
	active := a.registry.ListActive()
	c.JSON(http.StatusOK, gin.H{"tasks": active, "count": len(active)})
}

// GetTask returns the task
func (a *API) GetTask(c *gin.Context) {
	found, err := a.registry.Get(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

// GetResults returns one page of the task's results
func (a *API) GetResults(c *gin.Context) {
	limit, ok := queryInt(c, "limit", 0)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0)
	if !ok {
		return
	}
	page, err := a.orchestrator.Results(c.Param("id"), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// ExportTask streams a finished search as a zip of its task snapshot,
// records and sidecar.
func (a *API) ExportTask(c *gin.Context) {
	id := c.Param("id")
	entries, err := a.orchestrator.Export(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))
	c.Status(http.StatusOK)
	written, err := archive.Build(c.Request.Context(), c.Writer, entries)
	if err != nil {
		log.Warn().Str("task_id", id).Err(err).Msg("export interrupted")
		return
	}
	for _, r := range written {
		if r.Err != "" {
			log.Warn().Str("task_id", id).Str("entry", r.Filename).Str("error", r.Err).Msg("export entry skipped")
		}
	}
}

// CancelTask stops a pending or running task
func (a *API) CancelTask(c *gin.Context) {
	id := c.Param("id")
	cancelled, err := a.orchestrator.Cancel(id)
	if err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("task_id", id).Str("status", string(cancelled.Status)).Msg("task cancelled")
	c.JSON(http.StatusOK, cancelResponse{TaskID: id, Status: cancelled.Status, Task: cancelled})
}

// DeleteTask removes a task and its results
func (a *API) DeleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := a.orchestrator.Delete(id); err != nil {
		writeError(c, err)
		return
	}
	log.Info().Str("task_id", id).Msg("task deleted")
	c.JSON(http.StatusOK, gin.H{"taskId": id, "deleted": true})
}

// DeleteAll removes every task
func (a *API) DeleteAll(c *gin.Context) {
	n := a.orchestrator.DeleteAll()
	log.Info().Int("count", n).Msg("all tasks deleted")
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

// EngineHealth reports pool depth and availability. It answers 503 while the
// engine is unavailable so load balancers can act on it.
func (a *API) EngineHealth(c *gin.Context) {
	pool := a.engine.PoolStats()
	status := http.StatusOK
	if !pool.Available {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, healthResponse{
		Available: pool.Available,
		Pool:      pool,
		Realtime:  a.hub.Stats(),
		Tasks:     a.registry.Summary(),
	})
}

func (a *API) EngineStatus(c *gin.Context) {
	status, err := a.engine.Status(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (a *API) EngineStats(c *gin.Context) {
	stats, err := a.engine.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// queryInt parses an optional integer query parameter. It writes a 400 and
// reports false when the value is malformed.
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		badRequest(c, name+" must be an integer")
		return 0, false
	}
	return v, true
}
