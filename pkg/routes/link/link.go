package link

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/audit"
	appcontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/resolution"
	"github.com/Ramsey-B/clover/pkg/routes/binding"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type Linker interface {
	Override(ctx context.Context, tenantID, system, externalID, personID, actor string) (*resolution.Outcome, error)
	Reevaluate(ctx context.Context, tenantID, linkID string) (*resolution.Outcome, error)
}

type OwnerReader interface {
	OwnerAt(ctx context.Context, tenantID, linkID string, at time.Time) (*audit.Ownership, error)
}

type Handler struct {
	logger ectologger.Logger
	links  store.LinkStore
	linker Linker
	owners OwnerReader
}

func NewHandler(logger ectologger.Logger, links store.LinkStore, linker Linker, owners OwnerReader) *Handler {
	return &Handler{logger: logger, links: links, linker: linker, owners: owners}
}

// Register registers account link routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.Lookup)
	g.POST("/override", h.Override)
	g.GET("/:id", h.Get)
	g.GET("/:id/owner", h.Owner)
	g.POST("/:id/reevaluate", h.Reevaluate)
}

// Lookup finds the link of one account by its source system and external id
func (h *Handler) Lookup(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "link_handler.Lookup")
	defer span.End()

	system := strings.ToLower(strings.TrimSpace(c.QueryParam("system")))
	externalID := c.QueryParam("external_id")
	if system == "" || externalID == "" {
		return httperror.NewHTTPError(http.StatusBadRequest, "system and external_id query parameters are required")
	}

	l, err := h.links.GetLinkByExternalID(ctx, appcontext.GetTenantID(ctx), system, externalID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}

func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "link_handler.Get")
	defer span.End()

	l, err := h.links.GetLink(ctx, appcontext.GetTenantID(ctx), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, l)
}

// Owner answers which Person owned the link at the RFC 3339 instant in ?at, now when omitted
func (h *Handler) Owner(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "link_handler.Owner")
	defer span.End()

	at := time.Now().UTC()
	if v := c.QueryParam("at"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return httperror.NewHTTPError(http.StatusBadRequest, "at must be an RFC 3339 timestamp")
		}
		at = parsed
	}

	tenantID := appcontext.GetTenantID(ctx)
	if _, err := h.links.GetLink(ctx, tenantID, c.Param("id")); err != nil {
		return err
	}
	owner, err := h.owners.OwnerAt(ctx, tenantID, c.Param("id"), at)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return c.JSON(http.StatusOK, owner)
}

// OverrideRequest pins an account to a Person
type OverrideRequest struct {
	System     string `json:"system" validate:"required"`
	ExternalID string `json:"external_id" validate:"required"`
	PersonID   string `json:"person_id" validate:"required"`
}

func (h *Handler) Override(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "link_handler.Override")
	defer span.End()

	var req OverrideRequest
	if err := binding.Bind(c, &req); err != nil {
		return err
	}

	out, err := h.linker.Override(ctx, appcontext.GetTenantID(ctx), req.System, req.ExternalID, req.PersonID, appcontext.GetUserID(ctx))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return c.JSON(http.StatusOK, out)
}

// Reevaluate reruns matching for one link under the current policy
func (h *Handler) Reevaluate(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "link_handler.Reevaluate")
	defer span.End()

	out, err := h.linker.Reevaluate(ctx, appcontext.GetTenantID(ctx), c.Param("id"))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"link_id": c.Param("id"),
		"status":  out.Status,
		"actor":   appcontext.GetActor(ctx),
	}).Info("Link re-evaluated")
	return c.JSON(http.StatusOK, out)
}
