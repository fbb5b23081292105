package daemon

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/zero-day-ai/stratagem/internal/controlplane"
	"github.com/zero-day-ai/stratagem/internal/events"
	"github.com/zero-day-ai/stratagem/internal/types"
)

// HealthFunc reports whether the daemon's backing store is usable.
type HealthFunc func(ctx context.Context) error

// HTTPOptions configures the HTTP surface.
type HTTPOptions struct {
	// RateLimit is the sustained request rate for /v1 routes. Zero disables
	// limiting.
	RateLimit float64
	Burst     int

	// Metrics serves /metrics. Nil leaves the route unregistered.
	Metrics http.Handler

	// Health backs /healthz. Nil always reports healthy.
	Health HealthFunc

	// Events serves /v1/events. Nil leaves the route unregistered.
	Events EventLog
}

// EventLog is the retained tail of the event bus. *events.Bus implements it.
type EventLog interface {
	Since(filter events.Filter, after uint64, limit int) ([]events.Event, error)
}

const maxEventPage = 500

type httpHandler struct {
	ctl    *controlplane.Controller
	health HealthFunc
	events EventLog
	logger *slog.Logger
}

// NewRouter builds the gin engine serving health signals, outcome reports and
// read-only instance queries for collaborators that do not speak gRPC.
func NewRouter(ctl *controlplane.Controller, opts HTTPOptions, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	gin.SetMode(gin.ReleaseMode)

	h := &httpHandler{ctl: ctl, health: opts.Health, events: opts.Events, logger: logger.With("component", "http")}

	g := gin.New()
	g.Use(gin.Recovery(), requestLogger(h.logger))

	g.GET("/healthz", h.healthz)
	if opts.Metrics != nil {
		g.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	v1 := g.Group("/v1", rateLimit(opts.RateLimit, opts.Burst))
	{
		v1.POST("/health", h.reportHealth)
		v1.POST("/outcomes", h.reportOutcome)
		v1.POST("/workers/:id/heartbeat", h.heartbeat)
		v1.GET("/instances/:id", h.getInstance)
		v1.GET("/instances/:id/history", h.history)
		if h.events != nil {
			v1.GET("/events", h.listEvents)
		}
	}
	return g
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"client", c.ClientIP(),
			"cost", time.Since(start),
		)
	}
}

// rateLimit rejects requests beyond the token bucket with 429.
func rateLimit(limit float64, burst int) gin.HandlerFunc {
	if limit <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(limit), burst)
	return func(c *gin.Context) {
		if !limiter.Allow() {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorBody("RATE_LIMITED", "too many requests"))
			return
		}
		c.Next()
	}
}

func (h *httpHandler) healthz(c *gin.Context) {
	if h.health != nil {
		if err := h.health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) reportHealth(c *gin.Context) {
	var signal controlplane.HealthSignal
	if err := c.ShouldBindJSON(&signal); err != nil {
		h.writeError(c, types.WrapError(types.INVALID_ARGUMENT, "malformed health signal", err))
		return
	}
	inst, err := h.ctl.ReportHealth(c.Request.Context(), signal)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *httpHandler) reportOutcome(c *gin.Context) {
	var outcome controlplane.Outcome
	if err := c.ShouldBindJSON(&outcome); err != nil {
		h.writeError(c, types.WrapError(types.INVALID_ARGUMENT, "malformed outcome", err))
		return
	}
	stored, err := h.ctl.ReportOutcome(c.Request.Context(), outcome)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, stored)
}

type heartbeatBody struct {
	InstanceIDs []types.ID `json:"instance_ids"`
}

func (h *httpHandler) heartbeat(c *gin.Context) {
	var body heartbeatBody
	if err := c.ShouldBindJSON(&body); err != nil {
		h.writeError(c, types.WrapError(types.INVALID_ARGUMENT, "malformed heartbeat", err))
		return
	}
	result, err := h.ctl.Heartbeat(c.Request.Context(), c.Param("id"), body.InstanceIDs)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) getInstance(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}
	inst, err := h.ctl.GetInstance(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

func (h *httpHandler) history(c *gin.Context) {
	id, ok := h.instanceID(c)
	if !ok {
		return
	}
	transitions, err := h.ctl.History(c.Request.Context(), id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transitions": transitions})
}

// listEvents pages through retained events after the offset in ?after=.
// Clients pass back the returned next offset to continue.
func (h *httpHandler) listEvents(c *gin.Context) {
	var after uint64
	if v := c.Query("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			h.writeError(c, types.WrapError(types.INVALID_ARGUMENT, "invalid after offset", err))
			return
		}
		after = n
	}
	limit := maxEventPage
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			h.writeError(c, types.NewError(types.INVALID_ARGUMENT, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxEventPage)
	}

	filter := events.Filter{
		StrategyID: c.Query("strategy_id"),
		WorkerID:   c.Query("worker_id"),
	}
	if v := c.Query("instance_id"); v != "" {
		id, err := types.ParseID(v)
		if err != nil {
			h.writeError(c, types.WrapError(types.INVALID_ARGUMENT, "invalid instance id", err))
			return
		}
		filter.InstanceID = id
	}
	for _, t := range c.QueryArray("type") {
		filter.Types = append(filter.Types, events.EventType(t))
	}

	list, err := h.events.Since(filter, after, limit)
	if errors.Is(err, events.ErrOffsetExpired) {
		c.AbortWithStatusJSON(http.StatusGone, errorBody("OFFSET_EXPIRED", err.Error()))
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	next := after
	if len(list) > 0 {
		next = list[len(list)-1].Offset
	}
	c.JSON(http.StatusOK, gin.H{"events": list, "next": next})
}

func (h *httpHandler) instanceID(c *gin.Context) (types.ID, bool) {
	id, err := types.ParseID(c.Param("id"))
	if err != nil {
		h.writeError(c, types.WrapError(types.INVALID_ARGUMENT, "invalid instance id", err))
		return "", false
	}
	return id, true
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := httpStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	code := string(types.CodeOf(err))
	if code == "" {
		code = "INTERNAL"
	}
	c.AbortWithStatusJSON(status, errorBody(code, err.Error()))
}

func httpStatus(err error) int {
	switch types.CodeOf(err) {
	case types.NOT_FOUND:
		return http.StatusNotFound
	case types.INVALID_ARGUMENT:
		return http.StatusBadRequest
	case types.INVALID_TRANSITION, types.STALE_SPEC_VERSION, types.CONCURRENCY_CONFLICT:
		return http.StatusConflict
	case types.WORKER_NOT_ASSIGNED:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code, message string) gin.H {
	return gin.H{"error": gin.H{"code": code, "message": message}}
}
