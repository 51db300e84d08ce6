package surveillance

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/occhealth/ohs/internal/platform/auth"
	"github.com/occhealth/ohs/internal/platform/middleware"
	"github.com/occhealth/ohs/pkg/pagination"
)

type Handler struct {
	svc *Coordinator
}

func NewHandler(svc *Coordinator) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleNurse))
	read.GET("/patients/:patient_id/surveillance", h.ListEpisodes)
	read.GET("/surveillance/:id", h.GetEpisode)

	write := api.Group("", auth.RequireRole(auth.RoleClinician))
	write.POST("/patients/:patient_id/surveillance", h.CreateEpisode)
	write.PUT("/surveillance/:id", h.UpdateEpisode)

	api.DELETE("/surveillance/:id", h.DeleteEpisode, auth.RequireRole(auth.RoleAdmin))
}

func pathID(c echo.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

func (h *Handler) CreateEpisode(c echo.Context) error {
	patientID, err := pathID(c, "patient_id")
	if err != nil {
		return err
	}
	var payload EpisodePayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, NewResult(0, nil, &ValidationError{Field: "body", Reason: "malformed request body"}))
	}

	ctx := c.Request().Context()
	exists, err := h.svc.PatientExists(ctx, patientID)
	if err != nil {
		return writeFailure(c, 0, persistenceFailure("check patient", 0, err))
	}
	if !exists {
		return writeFailure(c, 0, ErrPatientNotFound)
	}

	res, err := h.svc.CreateEpisode(ctx, patientID, payload)
	if err != nil {
		return writeFailure(c, 0, err)
	}
	return c.JSON(http.StatusCreated, NewResult(res.SurveillanceID, res.RecordIDs, nil))
}

func (h *Handler) UpdateEpisode(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	var payload EpisodePayload
	if err := c.Bind(&payload); err != nil {
		return c.JSON(http.StatusBadRequest, NewResult(id, nil, &ValidationError{Field: "body", Reason: "malformed request body"}))
	}
	if err := h.svc.UpdateEpisode(c.Request().Context(), id, payload); err != nil {
		return writeFailure(c, id, err)
	}
	return c.JSON(http.StatusOK, NewResult(id, nil, nil))
}

func (h *Handler) GetEpisode(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	view, err := h.svc.GetEpisode(c.Request().Context(), id)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), NewResult(id, nil, err).Message)
	}
	c.Set(middleware.AuditPatientKey, view.Examination.PatientID)
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ListEpisodes(c echo.Context) error {
	patientID, err := pathID(c, "patient_id")
	if err != nil {
		return err
	}
	p := pagination.FromContext(c)
	items, total, err := h.svc.ListEpisodesByPatient(c.Request().Context(), patientID, p.Limit, p.Offset)
	if err != nil {
		return echo.NewHTTPError(statusFor(err), NewResult(0, nil, err).Message)
	}
	if items == nil {
		items = []*Examination{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p))
}

func (h *Handler) DeleteEpisode(c echo.Context) error {
	id, err := pathID(c, "id")
	if err != nil {
		return err
	}
	if err := h.svc.DeleteEpisode(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(statusFor(err), NewResult(id, nil, err).Message)
	}
	return c.NoContent(http.StatusNoContent)
}

func writeFailure(c echo.Context, id int64, err error) error {
	return c.JSON(statusFor(err), NewResult(id, nil, err))
}

func statusFor(err error) int {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, ErrAllocationExhausted):
		return http.StatusConflict
	case errors.Is(err, ErrSubRecordMissing):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
