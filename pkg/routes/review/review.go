package review

import (
	"net/http"
	"strconv"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appcontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/review"
	"github.com/Ramsey-B/clover/pkg/routes/binding"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type Handler struct {
	logger ectologger.Logger
	svc    *review.Service
}

func NewHandler(logger ectologger.Logger, svc *review.Service) *Handler {
	return &Handler{logger: logger, svc: svc}
}

// Register registers review queue routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.ListPending)
	g.GET("/:id", h.Get)
	g.POST("/:id/accept", h.Accept)
	g.POST("/:id/reject", h.Reject)
	g.POST("/:id/relink", h.Relink)
}

// ListPendingResponse is one page of pending entries
type ListPendingResponse struct {
	Entries []models.ReviewQueueEntry `json:"entries"`
	Limit   int                       `json:"limit"`
	Offset  int                       `json:"offset"`
}

// ListPending lists pending entries, optionally narrowed by system, candidate person or conflict flag
func (h *Handler) ListPending(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "review_handler.ListPending")
	defer span.End()

	filter := models.ReviewFilter{
		System:   c.QueryParam("system"),
		PersonID: c.QueryParam("person_id"),
	}
	if v := c.QueryParam("conflict"); v != "" {
		conflict, err := strconv.ParseBool(v)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "conflict must be true or false")
		}
		filter.Conflict = &conflict
	}
	var err error
	if filter.Limit, err = intParam(c, "limit"); err != nil {
		return err
	}
	if filter.Offset, err = intParam(c, "offset"); err != nil {
		return err
	}

	entries, err := h.svc.ListPending(ctx, appcontext.GetTenantID(ctx), filter)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if entries == nil {
		entries = []models.ReviewQueueEntry{}
	}
	return c.JSON(http.StatusOK, ListPendingResponse{Entries: entries, Limit: filter.Limit, Offset: filter.Offset})
}

func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "review_handler.Get")
	defer span.End()

	entry, err := h.svc.Get(ctx, appcontext.GetTenantID(ctx), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, entry)
}

// Accept confirms the entry's pairing. The body names which offered Person wins.
func (h *Handler) Accept(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "review_handler.Accept")
	defer span.End()

	var req models.ReviewDecisionRequest
	if err := binding.Bind(c, &req); err != nil {
		return err
	}

	res, err := h.svc.Accept(ctx, appcontext.GetTenantID(ctx), c.Param("id"), req.PersonID, appcontext.GetUserID(ctx))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Reject(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "review_handler.Reject")
	defer span.End()

	res, err := h.svc.Reject(ctx, appcontext.GetTenantID(ctx), c.Param("id"), appcontext.GetUserID(ctx))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return c.JSON(http.StatusOK, res)
}

// Relink moves the account to a Person that need not be among the offered options
func (h *Handler) Relink(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "review_handler.Relink")
	defer span.End()

	var req models.ReviewDecisionRequest
	if err := binding.Bind(c, &req); err != nil {
		return err
	}

	res, err := h.svc.Relink(ctx, appcontext.GetTenantID(ctx), c.Param("id"), req.PersonID, appcontext.GetUserID(ctx))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func intParam(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, httperror.NewHTTPErrorf(http.StatusBadRequest, "%s must be a non-negative integer", name)
	}
	return n, nil
}
