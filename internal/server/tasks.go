package server

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/opentask/config"
	"github.com/mohammad-safakhou/opentask/internal/hub"
	"github.com/mohammad-safakhou/opentask/internal/orchestrator"
	"github.com/mohammad-safakhou/opentask/internal/search"
	"github.com/mohammad-safakhou/opentask/internal/store"
	"github.com/mohammad-safakhou/opentask/internal/summarize"
	"go.opentelemetry.io/otel"
)

var tasksTracer = otel.Tracer("opentask/internal/server/tasks")

type TasksHandler struct {
	cfg    config.ServerConfig
	orch   *orchestrator.Orchestrator
	store  *store.Store
	hub    *hub.Hub
	search *search.Index
	logger *log.Logger
}

func NewTasksHandler(opts Options, logger *log.Logger) *TasksHandler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &TasksHandler{
		cfg:    opts.Config,
		orch:   opts.Orchestrator,
		store:  opts.Store,
		hub:    opts.Hub,
		search: opts.Search,
		logger: logger,
	}
}

func (h *TasksHandler) Register(g *echo.Group) {
	g.POST("/tasks", h.create)
	g.GET("/tasks", h.list)
	g.GET("/tasks/:id", h.get)
	g.DELETE("/tasks/:id", h.delete)
	g.GET("/tasks/:id/stream", h.stream)
	g.GET("/tasks/:id/transcript", h.transcript)
	g.GET("/tasks/:id/summary", h.summary)
	g.GET("/search", h.find)
}

type createTaskRequest struct {
	Prompt string `json:"prompt"`
	UserID string `json:"user_id"`
}

type taskDetail struct {
	store.Task
	Files   []store.TaskFile  `json:"files"`
	Summary *summarize.Status `json:"summary,omitempty"`
}

func (h *TasksHandler) userID(raw string) string {
	if u := strings.TrimSpace(raw); u != "" {
		return u
	}
	return h.cfg.DefaultUserID
}

// toHTTP maps domain errors to response codes.
func toHTTP(err error) error {
	switch {
	case errors.Is(err, store.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrInvalidTask):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, orchestrator.ErrTaskActive):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func (h *TasksHandler) create(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	task, err := h.orch.Start(c.Request().Context(), h.userID(req.UserID), req.Prompt)
	if err != nil {
		return toHTTP(err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"id": task.ID, "status": string(task.Status)})
}

func (h *TasksHandler) get(c echo.Context) error {
	ctx := c.Request().Context()
	task, err := h.store.GetTask(ctx, c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	files, err := h.store.ListFiles(ctx, task.ID)
	if err != nil {
		return toHTTP(err)
	}
	resp := taskDetail{Task: task, Files: files}
	if resp.Files == nil {
		resp.Files = []store.TaskFile{}
	}
	if st, ok := h.orch.Summary(ctx, task); ok {
		resp.Summary = &st
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *TasksHandler) list(c echo.Context) error {
	limit, err := intParam(c, "limit", store.DefaultListLimit)
	if err != nil {
		return err
	}
	offset, err := intParam(c, "offset", 0)
	if err != nil {
		return err
	}
	tasks, err := h.store.ListTasksByUser(c.Request().Context(), h.userID(c.QueryParam("user_id")), limit, offset)
	if err != nil {
		return toHTTP(err)
	}
	if tasks == nil {
		tasks = []store.TaskSummary{}
	}
	return c.JSON(http.StatusOK, tasks)
}

func (h *TasksHandler) delete(c echo.Context) error {
	if err := h.orch.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return toHTTP(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *TasksHandler) transcript(c echo.Context) error {
	ctx := c.Request().Context()
	task, err := h.store.GetTask(ctx, c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	if task.LogURL == "" {
		return echo.NewHTTPError(http.StatusNotFound, "transcript not available")
	}
	tr, err := h.orch.Transcript(ctx, task)
	if err != nil {
		return toHTTP(err)
	}
	return c.String(http.StatusOK, tr.Body)
}

func (h *TasksHandler) summary(c echo.Context) error {
	ctx := c.Request().Context()
	task, err := h.store.GetTask(ctx, c.Param("id"))
	if err != nil {
		return toHTTP(err)
	}
	st, ok := h.orch.Summary(ctx, task)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no summary yet")
	}
	return c.JSON(http.StatusOK, st)
}

func (h *TasksHandler) find(c echo.Context) error {
	if h.search == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "search disabled")
	}
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	k, err := intParam(c, "k", 10)
	if err != nil {
		return err
	}
	hits, err := h.search.Search(q, h.userID(c.QueryParam("user_id")), k)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, hits)
}

func intParam(c echo.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}
