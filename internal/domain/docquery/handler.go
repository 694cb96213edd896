package docquery

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/hie/internal/platform/auth"
	"github.com/ehr/hie/internal/platform/middleware"
	"github.com/ehr/hie/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patients := api.Group("/patients/:id/document-query", middleware.Customer())
	patients.POST("", h.StartQuery)
	patients.GET("", h.GetProgress)
	patients.GET("/dispatches", h.ListDispatches)

	// Callbacks from the HIE adapters and operator tooling.
	internal := api.Group("/internal", auth.RequireRole(auth.RoleInternal))
	callbacks := internal.Group("/patients/:id/document-query", middleware.Customer())
	callbacks.POST("/progress", h.SetPhaseProgress)
	callbacks.POST("/tally", h.TallyPhaseProgress)
	internal.POST("/document-query/reconcile", h.ReconcileStale)
}

type startRequest struct {
	TriggerConsolidated bool              `json:"triggerConsolidated"`
	Metadata            map[string]string `json:"metadata"`
}

func (h *Handler) StartQuery(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	force, _ := strconv.ParseBool(c.QueryParam("force"))

	var req startRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	ctx := c.Request().Context()
	res, err := h.svc.StartQuery(ctx, StartParams{
		PatientID:           id,
		CxID:                middleware.CxIDFromContext(ctx),
		Force:               force,
		TriggerConsolidated: req.TriggerConsolidated,
		Metadata:            req.Metadata,
	})
	if err != nil {
		return httpError(err)
	}
	status := http.StatusAccepted
	if res.Reused {
		status = http.StatusOK
	}
	return c.JSON(status, res)
}

func (h *Handler) GetProgress(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	progress, err := h.svc.GetProgress(ctx, id, middleware.CxIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, progress)
}

func (h *Handler) ListDispatches(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	items, total, err := h.svc.ListDispatches(ctx, id, middleware.CxIDFromContext(ctx), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Dispatch{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

type progressRequest struct {
	Source   string                  `json:"source"`
	Phase    string                  `json:"phase"`
	Progress Optional[ProgressPatch] `json:"progress"`
	Reset    bool                    `json:"reset"`
	Adjustments
	RequestID string `json:"requestId"`
}

func (h *Handler) SetPhaseProgress(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	var req progressRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	src, ph, err := parseTarget(req.Source, req.Phase)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	progress, err := h.svc.SetPhaseProgress(ctx, id, middleware.CxIDFromContext(ctx), SetParams{
		Source:      src,
		Phase:       ph,
		Progress:    req.Progress,
		Reset:       req.Reset,
		Adjustments: req.Adjustments,
		RequestID:   req.RequestID,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, progress)
}

type tallyRequest struct {
	Source     string `json:"source"`
	Phase      string `json:"phase"`
	Result     string `json:"result"`
	Count      int    `json:"count"`
	Successful int    `json:"successful"`
	Errors     int    `json:"errors"`
	RequestID  string `json:"requestId"`
}

func (h *Handler) TallyPhaseProgress(c echo.Context) error {
	id, err := patientID(c)
	if err != nil {
		return err
	}
	var req tallyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	src, ph, err := parseTarget(req.Source, req.Phase)
	if err != nil {
		return err
	}
	params := TallyParams{
		Source:     src,
		Phase:      ph,
		Count:      req.Count,
		Successful: req.Successful,
		Errors:     req.Errors,
		RequestID:  req.RequestID,
	}
	if req.Result != "" {
		if params.Result, err = ParseResult(req.Result); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}

	ctx := c.Request().Context()
	progress, err := h.svc.TallyPhaseProgress(ctx, id, middleware.CxIDFromContext(ctx), params)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, progress)
}

type reconcileRequest struct {
	PatientIDs       []uuid.UUID `json:"patientIds"`
	MaxTimeToProcess string      `json:"maxTimeToProcess"`
}

func (h *Handler) ReconcileStale(c echo.Context) error {
	var req reconcileRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	params := ReconcileParams{PatientIDs: req.PatientIDs}
	if req.MaxTimeToProcess != "" {
		d, err := time.ParseDuration(req.MaxTimeToProcess)
		if err != nil || d <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid maxTimeToProcess")
		}
		params.MaxTimeToProcess = d
	}

	res, err := h.svc.ReconcileStale(c.Request().Context(), params)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func patientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient id")
	}
	return id, nil
}

func parseTarget(source, phase string) (Source, Phase, error) {
	src, err := ParseSource(source)
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ph, err := ParsePhase(phase)
	if err != nil {
		return "", "", echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return src, ph, nil
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrInvalidSource), errors.Is(err, ErrInvalidPhase),
		errors.Is(err, ErrInvalidResult), errors.Is(err, ErrInvalidCount),
		errors.Is(err, ErrInvalidStatus):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRequestSuperseded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoSourcesEnabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
}
