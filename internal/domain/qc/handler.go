package qc

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/labops/labops/internal/platform/auth"
	"github.com/labops/labops/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Read endpoints – anyone working the bench
	readGroup := api.Group("", auth.RequireRole("admin", "lab_manager", "lab_tech"))
	readGroup.GET("/qc/targets", h.ListTargets)
	readGroup.GET("/qc/targets/active", h.GetActiveTarget)
	readGroup.GET("/qc/targets/:id", h.GetTarget)
	readGroup.GET("/qc/measurements", h.ListMeasurements)
	readGroup.GET("/qc/evaluations", h.ListEvaluations)
	readGroup.GET("/qc/evaluations/:measurement_id", h.GetEvaluation)
	readGroup.GET("/qc/statistics", h.ListStatistics)
	readGroup.GET("/qc/statistics/key", h.GetStatistics)

	// Running controls is bench work; changing targets is not
	runGroup := api.Group("", auth.RequireRole("admin", "lab_manager", "lab_tech"), auth.RequireScope("qc", "write"))
	runGroup.POST("/qc/measurements", h.SubmitMeasurement)

	manageGroup := api.Group("", auth.RequireRole("admin", "lab_manager"), auth.RequireScope("qc", "write"))
	manageGroup.POST("/qc/targets", h.ActivateTarget)
	manageGroup.DELETE("/qc/targets/:id", h.DeactivateTarget)
}

// -- Targets --

func (h *Handler) ActivateTarget(c echo.Context) error {
	var t AnalyteTarget
	if err := c.Bind(&t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.ActivateTarget(c.Request().Context(), &t); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTarget(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	t, err := h.svc.GetTarget(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "target not found")
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) GetActiveTarget(c echo.Context) error {
	testCode, controlLevel := c.QueryParam("test_code"), c.QueryParam("control_level")
	if testCode == "" || controlLevel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "test_code and control_level are required")
	}
	t, err := h.svc.GetActiveTarget(c.Request().Context(), testCode, controlLevel)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no active target for key")
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTargets(c echo.Context) error {
	pg := pagination.FromContext(c)
	targets, total, err := h.svc.ListTargets(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(targets, total, pg.Limit, pg.Offset))
}

func (h *Handler) DeactivateTarget(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeactivateTarget(c.Request().Context(), id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "target not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Measurements and evaluations --

func (h *Handler) SubmitMeasurement(c echo.Context) error {
	var m Measurement
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if m.OperatorID == "" {
		m.OperatorID = auth.UserIDFromContext(c.Request().Context())
	}

	eval, err := h.svc.EvaluateMeasurement(c.Request().Context(), &m)
	if err != nil {
		if errors.Is(err, ErrNoTarget) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, eval)
}

func (h *Handler) ListMeasurements(c echo.Context) error {
	testCode, controlLevel := c.QueryParam("test_code"), c.QueryParam("control_level")
	if testCode == "" || controlLevel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "test_code and control_level are required")
	}
	pg := pagination.FromContext(c)
	measurements, total, err := h.svc.ListMeasurements(c.Request().Context(), testCode, controlLevel, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(measurements, total, pg.Limit, pg.Offset).WithLinks(c.Path()))
}

func (h *Handler) GetEvaluation(c echo.Context) error {
	measurementID, err := uuid.Parse(c.Param("measurement_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid measurement id")
	}
	eval, err := h.svc.GetEvaluation(c.Request().Context(), measurementID)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "evaluation not found")
	}
	return c.JSON(http.StatusOK, eval)
}

func (h *Handler) ListEvaluations(c echo.Context) error {
	testCode, controlLevel := c.QueryParam("test_code"), c.QueryParam("control_level")
	if testCode == "" || controlLevel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "test_code and control_level are required")
	}
	pg := pagination.FromContext(c)
	evaluations, total, err := h.svc.ListEvaluations(c.Request().Context(), testCode, controlLevel, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(evaluations, total, pg.Limit, pg.Offset))
}

// -- Statistics --

func (h *Handler) GetStatistics(c echo.Context) error {
	testCode, controlLevel := c.QueryParam("test_code"), c.QueryParam("control_level")
	if testCode == "" || controlLevel == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "test_code and control_level are required")
	}
	stats, err := h.svc.GetStatistics(c.Request().Context(), testCode, controlLevel)
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "no statistics for key")
	}
	return c.JSON(http.StatusOK, stats)
}

func (h *Handler) ListStatistics(c echo.Context) error {
	pg := pagination.FromContext(c)
	stats, total, err := h.svc.ListStatistics(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(stats, total, pg.Limit, pg.Offset))
}
