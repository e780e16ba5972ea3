package person

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appcontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/graph"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/routes/binding"
	"github.com/Ramsey-B/clover/pkg/store"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type Creator interface {
	CreatePerson(ctx context.Context, tenantID string, req models.CreatePersonRequest, actor string) (*models.Person, error)
}

// MappingReader serves the graph view of a Person's accounts
type MappingReader interface {
	MappingsForPerson(ctx context.Context, tenantID, personID string) ([]graph.Mapping, error)
}

type Handler struct {
	logger   ectologger.Logger
	creator  Creator
	persons  store.PersonStore
	links    store.LinkStore
	mappings MappingReader
}

// NewHandler builds the person routes. mappings may be nil when the graph projection is disabled.
func NewHandler(logger ectologger.Logger, creator Creator, persons store.PersonStore, links store.LinkStore, mappings MappingReader) *Handler {
	return &Handler{
		logger:   logger,
		creator:  creator,
		persons:  persons,
		links:    links,
		mappings: mappings,
	}
}

// Register registers person routes
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Create)
	g.GET("/:id", h.Get)
	g.GET("/:id/links", h.ListLinks)
	if h.mappings != nil {
		g.GET("/:id/mappings", h.ListMappings)
	}
}

// Create seeds a verified Person, e.g. from an HR sync
func (h *Handler) Create(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "person_handler.Create")
	defer span.End()

	var req models.CreatePersonRequest
	if err := binding.Bind(c, &req); err != nil {
		return err
	}

	p, err := h.creator.CreatePerson(ctx, appcontext.GetTenantID(ctx), req, appcontext.GetActor(ctx))
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Get(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "person_handler.Get")
	defer span.End()

	p, err := h.persons.GetPerson(ctx, appcontext.GetTenantID(ctx), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

// ListLinks returns every account linked to the Person, in any state
func (h *Handler) ListLinks(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "person_handler.ListLinks")
	defer span.End()

	tenantID := appcontext.GetTenantID(ctx)
	id := c.Param("id")
	if _, err := h.persons.GetPerson(ctx, tenantID, id); err != nil {
		return err
	}
	links, err := h.links.ListLinksByPerson(ctx, tenantID, id)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if links == nil {
		links = []models.ExternalAccountLink{}
	}
	return c.JSON(http.StatusOK, links)
}

func (h *Handler) ListMappings(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "person_handler.ListMappings")
	defer span.End()

	mappings, err := h.mappings.MappingsForPerson(ctx, appcontext.GetTenantID(ctx), c.Param("id"))
	if err != nil {
		tracing.RecordError(span, err)
		h.logger.WithContext(ctx).WithError(err).Warn("Graph read failed")
		return err
	}
	if mappings == nil {
		mappings = []graph.Mapping{}
	}
	return c.JSON(http.StatusOK, mappings)
}
