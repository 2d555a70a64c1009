package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/eventbus"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/market"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/engine"
	"github.com/Todd-j-sutherland/trading-feature-sub006/internal/task/scheduler"
	logx "github.com/Todd-j-sutherland/trading-feature-sub006/pkg/logx"
)

// Scheduler is the admin surface of *scheduler.Service.
type Scheduler interface {
	ScheduleTask(ctx context.Context, spec scheduler.TaskSpec) (string, error)
	CancelTask(ctx context.Context, id string) scheduler.CancelResult
	ListTasks(f scheduler.Filter) []scheduler.TaskInfo
	GetTaskStatus(id string) (scheduler.TaskStatus, error)
	ExecuteTask(ctx context.Context, id string, force bool) (scheduler.TaskInfo, error)
	SetTaskEnabled(ctx context.Context, id string, enabled bool) (scheduler.TaskInfo, error)
	ValidateTaskConfig(spec scheduler.TaskSpec) scheduler.ValidationReport
	History(taskID string, limit int) []engine.ExecutionRecord
	GetMarketStatus() market.Status
	SetMarketSchedule(ctx context.Context, cfg market.Config) (market.Status, error)
	Pause() (scheduler.State, error)
	Resume() (scheduler.State, error)
	State() scheduler.State
	GetMetrics() scheduler.Metrics
	Cleanup(ctx context.Context, olderThan time.Duration) scheduler.CleanupReport
}

type handlers struct {
	sched     Scheduler
	bus       eventbus.Bus
	extra     func() map[string]any
	log       logx.Logger
	done      <-chan struct{}
	keepalive time.Duration
}

func (h *handlers) health(c *gin.Context) {
	st := h.sched.State()
	code := http.StatusOK
	if st == scheduler.StateStopped {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": st})
}

// GET /api/tasks?enabled=&phase=&service=&running=
func (h *handlers) listTasks(c *gin.Context) {
	var f scheduler.Filter
	var err error
	if f.Enabled, err = boolQuery(c, "enabled"); err != nil {
		badRequest(c, err)
		return
	}
	if f.Running, err = boolQuery(c, "running"); err != nil {
		badRequest(c, err)
		return
	}
	if raw := c.Query("phase"); raw != "" {
		if f.Phase, err = market.ParsePhase(raw); err != nil {
			badRequest(c, err)
			return
		}
	}
	f.Service = c.Query("service")

	tasks := h.sched.ListTasks(f)
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "count": len(tasks)})
}

// POST /api/tasks
func (h *handlers) createTask(c *gin.Context) {
	var spec scheduler.TaskSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err)
		return
	}
	id, err := h.sched.ScheduleTask(c.Request.Context(), spec)
	if err != nil {
		writeError(c, err)
		return
	}
	st, err := h.sched.GetTaskStatus(id)
	if err != nil {
		c.JSON(http.StatusCreated, gin.H{"task_id": id})
		return
	}
	c.JSON(http.StatusCreated, st)
}

// POST /api/tasks/validate
func (h *handlers) validateTask(c *gin.Context) {
	var spec scheduler.TaskSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		badRequest(c, err)
		return
	}
	rep := h.sched.ValidateTaskConfig(spec)
	code := http.StatusOK
	if !rep.Valid {
		code = http.StatusUnprocessableEntity
	}
	c.JSON(code, rep)
}

func (h *handlers) getTask(c *gin.Context) {
	st, err := h.sched.GetTaskStatus(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// DELETE /api/tasks/:id is idempotent; an unknown id answers 404 with found=false.
func (h *handlers) deleteTask(c *gin.Context) {
	res := h.sched.CancelTask(c.Request.Context(), c.Param("id"))
	code := http.StatusOK
	if !res.Found {
		code = http.StatusNotFound
	}
	c.JSON(code, res)
}

// POST /api/tasks/:id/execute?force=true
func (h *handlers) executeTask(c *gin.Context) {
	force, err := boolQuery(c, "force")
	if err != nil {
		badRequest(c, err)
		return
	}
	info, err := h.sched.ExecuteTask(c.Request.Context(), c.Param("id"), force != nil && *force)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, info)
}

type enabledBody struct {
	Enabled *bool `json:"enabled"`
}

// PUT /api/tasks/:id/enabled {"enabled": false}
func (h *handlers) setEnabled(c *gin.Context) {
	var body enabledBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err)
		return
	}
	if body.Enabled == nil {
		badRequest(c, errors.New("enabled is required"))
		return
	}
	info, err := h.sched.SetTaskEnabled(c.Request.Context(), c.Param("id"), *body.Enabled)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// GET /api/tasks/:id/history?limit=50
func (h *handlers) taskHistory(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.sched.GetTaskStatus(id); err != nil {
		writeError(c, err)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		badRequest(c, errors.New("limit must be a positive integer"))
		return
	}
	recs := h.sched.History(id, limit)
	c.JSON(http.StatusOK, gin.H{"executions": recs, "count": len(recs)})
}

func (h *handlers) getMarket(c *gin.Context) {
	c.JSON(http.StatusOK, h.sched.GetMarketStatus())
}

// PUT /api/market replaces the calendar and answers with the new status.
func (h *handlers) putMarket(c *gin.Context) {
	var cfg market.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		badRequest(c, err)
		return
	}
	st, err := h.sched.SetMarketSchedule(c.Request.Context(), cfg)
	if err != nil {
		if errors.Is(err, scheduler.ErrStopped) {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (h *handlers) pause(c *gin.Context) {
	st, err := h.sched.Pause()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

func (h *handlers) resume(c *gin.Context) {
	st, err := h.sched.Resume()
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": st})
}

func (h *handlers) metrics(c *gin.Context) {
	out := gin.H{"scheduler": h.sched.GetMetrics()}
	if h.extra != nil {
		for k, v := range h.extra() {
			out[k] = v
		}
	}
	c.JSON(http.StatusOK, out)
}

// POST /api/cleanup?older_than=72h. Without older_than the history
// retention applies.
func (h *handlers) cleanup(c *gin.Context) {
	var olderThan time.Duration
	if raw := c.Query("older_than"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			badRequest(c, errors.New("older_than must be a positive duration"))
			return
		}
		olderThan = d
	}
	c.JSON(http.StatusOK, h.sched.Cleanup(c.Request.Context(), olderThan))
}

func boolQuery(c *gin.Context, key string) (*bool, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.New(key + " must be a boolean")
	}
	return &v, nil
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

// writeError maps scheduler errors to status codes.
func writeError(c *gin.Context, err error) {
	var ve *scheduler.ValidationError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "validation failed", "errors": ve.Errors})
		return
	case errors.Is(err, scheduler.ErrTaskNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrAlreadyRunning),
		errors.Is(err, scheduler.ErrTaskDisabled),
		errors.Is(err, scheduler.ErrCircuitOpen),
		errors.Is(err, scheduler.ErrAtCapacity):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, scheduler.ErrStopped):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
