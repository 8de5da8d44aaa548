package critical

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labops/labops/internal/platform/auth"
	"github.com/labops/labops/pkg/pagination"
)

type Handler struct {
	tracker *Tracker
	sweeper *Sweeper
}

func NewHandler(tracker *Tracker, sweeper *Sweeper) *Handler {
	return &Handler{tracker: tracker, sweeper: sweeper}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("admin", "lab_manager", "lab_tech", "physician", "nurse"))
	readGroup.GET("/critical-results", h.ListResults)
	readGroup.GET("/critical-results/:id", h.GetResult)
	readGroup.GET("/critical-results/:id/attempts", h.ListAttempts)

	entryGroup := api.Group("", auth.RequireRole("admin", "lab_manager", "lab_tech"), auth.RequireScope("critical", "write"))
	entryGroup.POST("/critical-results", h.CreateResult)

	ackGroup := api.Group("", auth.RequireRole("admin", "lab_manager", "physician", "nurse"))
	ackGroup.POST("/critical-results/:id/acknowledge", h.AcknowledgeResult)

	adminGroup := api.Group("", auth.RequireRole("admin", "lab_manager"))
	adminGroup.POST("/critical-results/sweep", h.TriggerSweep)
}

func (h *Handler) CreateResult(c echo.Context) error {
	var r Result
	if err := c.Bind(&r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.tracker.Create(c.Request().Context(), &r); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) GetResult(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	r, err := h.tracker.GetResult(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "critical result not found")
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListResults(c echo.Context) error {
	status := Status(c.QueryParam("status"))
	pg := pagination.FromContext(c)
	results, total, err := h.tracker.ListResults(c.Request().Context(), status, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(results, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

func (h *Handler) AcknowledgeResult(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	userID := auth.UserIDFromContext(c.Request().Context())

	r, err := h.tracker.Acknowledge(c.Request().Context(), id, userID)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "critical result not found")
		case errors.Is(err, ErrFinal), errors.Is(err, ErrConflict):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		default:
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) ListAttempts(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	attempts, err := h.tracker.ListAttempts(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, attempts)
}

func (h *Handler) TriggerSweep(c echo.Context) error {
	if h.sweeper == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "sweeper not configured")
	}
	stats, err := h.sweeper.Sweep(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, stats)
}
