package reconcile

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/healthsync/healthsync/pkg/pagination"
)

type Handler struct {
	proc      *Processor
	feed      *DeltaFeed
	conflicts *ConflictRecorder
	mapper    *Mapper
}

func NewHandler(proc *Processor, feed *DeltaFeed, conflicts *ConflictRecorder, mapper *Mapper) *Handler {
	return &Handler{proc: proc, feed: feed, conflicts: conflicts, mapper: mapper}
}

// RegisterRoutes mounts the sync API on g, normally /api/v1/sync.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/upload", h.Upload)
	g.POST("/trigger/:batch_id", h.Trigger)
	g.GET("/download", h.Download)

	g.POST("/batches", h.SubmitBatch)
	g.GET("/batches/:id", h.GetBatch)
	g.GET("/conflicts", h.ListConflicts)
	g.GET("/mappings/:temp_id", h.ResolveMapping)
}

func (h *Handler) Upload(c echo.Context) error {
	var req UploadRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.DeviceID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "device_id is required")
	}
	report, err := h.proc.Upload(c.Request().Context(), &req)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Trigger(c echo.Context) error {
	id, err := uuid.Parse(c.Param("batch_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch id")
	}
	taskID, err := h.proc.Trigger(c.Request().Context(), id)
	if errors.Is(err, ErrBatchNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Batch not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "task started", "task_id": taskID})
}

func (h *Handler) Download(c echo.Context) error {
	raw := c.QueryParam("since")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Missing 'since' query param, e.g. ?since=2025-09-12T10:00:00Z")
	}
	since, err := ParseTimestamp(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	feed, err := h.feed.ChangesSince(c.Request().Context(), since)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, feed)
}

func (h *Handler) SubmitBatch(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	var head struct {
		DeviceID string            `json:"device_id"`
		Changes  []json.RawMessage `json:"changes"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch payload: "+err.Error())
	}
	if head.Changes == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "changes is required")
	}
	b, err := h.proc.Submit(c.Request().Context(), head.DeviceID, body)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"batch_id": b.ID, "status": b.Status})
}

func (h *Handler) GetBatch(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid batch id")
	}
	b, err := h.proc.Get(c.Request().Context(), id)
	if errors.Is(err, ErrBatchNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "Batch not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListConflicts(c echo.Context) error {
	var resolved *bool
	if v := c.QueryParam("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "resolved must be true or false")
		}
		resolved = &b
	}
	pg := pagination.FromContext(c)
	items, total, err := h.conflicts.List(c.Request().Context(), resolved, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*Conflict{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithNext(c.Request().URL))
}

func (h *Handler) ResolveMapping(c echo.Context) error {
	m, err := h.mapper.Resolve(c.Request().Context(), c.Param("temp_id"))
	if errors.Is(err, ErrMappingNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "mapping not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, m)
}
