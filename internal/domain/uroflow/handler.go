package uroflow

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/uroflow/uroflow/internal/platform/auth"
	"github.com/uroflow/uroflow/pkg/ident"
	"github.com/uroflow/uroflow/pkg/pagination"
)

type Handler struct {
	registry *Registry
	logger   zerolog.Logger
}

func NewHandler(registry *Registry, logger zerolog.Logger) *Handler {
	return &Handler{registry: registry, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	ws := api.Group("/workspace", auth.RequireRole(auth.RoleDoctor))

	ws.GET("/entries", h.ListEntries)
	ws.POST("/entries/:id/select", h.SelectEntry)
	ws.POST("/entries/:id/analysis/run", h.RunAnalysis)
	ws.GET("/state", h.GetState)

	ws.PATCH("/form", h.UpdateForm)
	ws.POST("/form/reset", h.ResetForm)

	ws.POST("/report/compose", h.ComposeReport)
	ws.POST("/report/save", h.SaveReport)
	ws.DELETE("/reports/:id", h.DeleteReport)
	ws.GET("/reports/:id/document", h.GetDocument)

	ws.GET("/notices", h.ListNotices)
	ws.DELETE("/notices/:id", h.DismissNotice)
}

func (h *Handler) workspace(c echo.Context) (*Workspace, error) {
	uid := auth.UserIDFromContext(c.Request().Context())
	if uid == "" {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
	}
	return h.registry.Get(uid), nil
}

func (h *Handler) ListEntries(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	list, err := ws.Entries(c.Request().Context())
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(list, pagination.FromContext(c)))
}

// SelectEntry switches the selection and waits for its loads, or for the
// request to end, before answering with the state.
func (h *Handler) SelectEntry(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	done, err := ws.Select(ctx, ident.ID(c.Param("id")))
	if err != nil {
		return h.httpError(err)
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
	return c.JSON(http.StatusOK, ws.State())
}

// RunAnalysis answers 202 at once; the run completes in the background and
// shows up in the state. With ?wait=true the handler waits for the run or
// the request deadline.
func (h *Handler) RunAnalysis(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	done, err := ws.RunAnalysis(ctx, ident.ID(c.Param("id")))
	if err != nil {
		return h.httpError(err)
	}
	if wait, _ := strconv.ParseBool(c.QueryParam("wait")); wait {
		select {
		case <-done:
			return c.JSON(http.StatusOK, ws.State())
		case <-ctx.Done():
		}
	}
	return c.JSON(http.StatusAccepted, ws.State())
}

func (h *Handler) GetState(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ws.State())
}

type formUpdateRequest struct {
	Ops []FormOp `json:"ops"`
}

func (h *Handler) UpdateForm(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	var req formUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Ops) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "ops is required")
	}
	form, err := ws.UpdateForm(req.Ops)
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, form)
}

func (h *Handler) ResetForm(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	ws.ResetForm()
	return c.JSON(http.StatusOK, ws.State().Form)
}

func (h *Handler) ComposeReport(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	report, err := ws.Compose(c.Request().Context())
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) SaveReport(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	saved, err := ws.Save(c.Request().Context())
	if err != nil {
		return h.httpError(err)
	}
	return c.JSON(http.StatusCreated, saved)
}

func (h *Handler) DeleteReport(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	confirmed, _ := strconv.ParseBool(c.QueryParam("confirm"))
	if err := ws.Delete(c.Request().Context(), ident.ID(c.Param("id")), confirmed); err != nil {
		return h.httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetDocument(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	name, text, err := ws.Document(ident.ID(c.Param("id")))
	if err != nil {
		return h.httpError(err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", []byte(text))
}

func (h *Handler) ListNotices(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ws.Notices())
}

func (h *Handler) DismissNotice(c echo.Context) error {
	ws, err := h.workspace(c)
	if err != nil {
		return err
	}
	ws.DismissNotice(c.Param("id"))
	return c.NoContent(http.StatusNoContent)
}

type statusCoder interface {
	StatusCode() int
}

// httpError maps workspace errors onto HTTP statuses. Deadline errors pass
// through unchanged for the timeout middleware.
func (h *Handler) httpError(err error) error {
	var ve *ValidationError
	var sc statusCoder
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrUnknownField), errors.Is(err, ErrUnknownOption):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrBusy), errors.Is(err, ErrRunInFlight),
		errors.Is(err, ErrNoSelection), errors.Is(err, ErrNothingToSave):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConfirmationRequired):
		return echo.NewHTTPError(http.StatusPreconditionFailed, err.Error())
	case errors.Is(err, ErrNoVideo), errors.Is(err, ErrMalformedDocument):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.As(err, &sc):
		h.logger.Error().Err(err).Msg("upstream request failed")
		return echo.NewHTTPError(http.StatusBadGateway, "upstream service failed")
	}
	h.logger.Error().Err(err).Msg("workspace request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
