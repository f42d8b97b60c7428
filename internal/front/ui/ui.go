package ui

import (
	"embed"
	"html/template"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"searchdock/internal/orchestrator"
	"searchdock/internal/task"
)

//go:embed templates/*
var templatesFS embed.FS

const (
	pageSize    = 25
	recentTasks = 20
)

type UI struct {
	orchestrator *orchestrator.Orchestrator
	registry     *task.Registry
	templates    *template.Template
}

type taskView struct {
	Task       *task.Task
	Query      string
	Page       orchestrator.ResultsPage
	Active     bool
	HasPrev    bool
	HasNext    bool
	PrevOffset int
	NextOffset int
	Error      string
}

func NewUI(orch *orchestrator.Orchestrator, registry *task.Registry) *UI {
	tmpl := template.Must(template.ParseFS(templatesFS, "templates/*.tmpl"))
	return &UI{orchestrator: orch, registry: registry, templates: tmpl}
}

func (u *UI) RegisterRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(u.templates)
	router.GET("/", u.UIHome)
	router.GET("/ui/tasks", u.UIOpenExisting)
	router.POST("/ui/search", u.UICreateSearch)
	router.POST("/ui/maintenance", u.UICreateMaintenance)
	router.GET("/ui/tasks/:id", u.UITask)
	router.POST("/ui/tasks/:id/cancel", u.UICancel)
	router.POST("/ui/tasks/:id/delete", u.UIDelete)
}

func (u *UI) UIHome(c *gin.Context) {
	u.renderHome(c, http.StatusOK, "")
}

func (u *UI) renderHome(c *gin.Context, status int, errMsg string) {
	c.HTML(status, "home", gin.H{
		"Tasks":       u.registry.List(task.Filter{Limit: recentTasks}),
		"Summary":     u.registry.Summary(),
		"Maintenance": orchestrator.MaintenanceTasks,
		"Error":       errMsg,
	})
}

func (u *UI) UIOpenExisting(c *gin.Context) {
	id := strings.TrimSpace(c.Query("id"))
	if id == "" {
		c.Redirect(http.StatusFound, "/")
		return
	}
	c.Redirect(http.StatusFound, "/ui/tasks/"+id)
}

func (u *UI) UICreateSearch(c *gin.Context) {
	limit := -1
	if raw := strings.TrimSpace(c.PostForm("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			u.renderHome(c, http.StatusBadRequest, "limit must be a number")
			return
		}
		limit = v
	}
	created, _, err := u.orchestrator.StartSearch(c.Request.Context(), orchestrator.SearchParams{
		Query: c.PostForm("query"),
		Limit: limit,
	})
	if err != nil {
		log.Warn().Err(err).Msg("ui search rejected")
		u.renderHome(c, statusOf(err), err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/ui/tasks/"+created.ID)
}

func (u *UI) UICreateMaintenance(c *gin.Context) {
	created, err := u.orchestrator.StartMaintenance(c.Request.Context(), c.PostForm("task"))
	if err != nil {
		log.Warn().Err(err).Msg("ui maintenance rejected")
		u.renderHome(c, statusOf(err), err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/ui/tasks/"+created.ID)
}

func (u *UI) UITask(c *gin.Context) {
	id := c.Param("id")
	t, err := u.registry.Get(id)
	if err != nil {
		u.renderHome(c, http.StatusNotFound, "task not found")
		return
	}
	offset, _ := strconv.Atoi(c.Query("offset"))
	u.renderTask(c, http.StatusOK, t, max(offset, 0), "")
}

func (u *UI) renderTask(c *gin.Context, status int, t *task.Task, offset int, errMsg string) {
	view := taskView{Task: t, Active: !t.Status.Terminal(), Error: errMsg}
	view.Query, _ = t.Params["query"].(string)

	page, err := u.orchestrator.Results(t.ID, pageSize, offset)
	if err != nil && view.Error == "" {
		view.Error = err.Error()
	}
	view.Page = page
	view.HasPrev = offset > 0
	view.PrevOffset = max(offset-pageSize, 0)
	view.NextOffset = offset + pageSize
	view.HasNext = view.NextOffset < page.Total
	c.HTML(status, "task", view)
}

func (u *UI) UICancel(c *gin.Context) {
	id := c.Param("id")
	if _, err := u.orchestrator.Cancel(id); err != nil {
		t, getErr := u.registry.Get(id)
		if getErr != nil {
			u.renderHome(c, http.StatusNotFound, "task not found")
			return
		}
		u.renderTask(c, http.StatusBadRequest, t, 0, err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/ui/tasks/"+id)
}

func (u *UI) UIDelete(c *gin.Context) {
	if err := u.orchestrator.Delete(c.Param("id")); err != nil {
		u.renderHome(c, http.StatusNotFound, err.Error())
		return
	}
	c.Redirect(http.StatusFound, "/")
}

func statusOf(err error) int {
	if orchestrator.IsValidation(err) {
		return http.StatusBadRequest
	}
	return http.StatusServiceUnavailable
}
