package resolve

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appcontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolution"
	"github.com/Ramsey-B/clover/pkg/routes/binding"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type Resolver interface {
	Resolve(ctx context.Context, draft models.ExternalAccountDraft) (*resolution.Outcome, error)
}

type Handler struct {
	logger   ectologger.Logger
	resolver Resolver
}

func NewHandler(logger ectologger.Logger, resolver Resolver) *Handler {
	return &Handler{logger: logger, resolver: resolver}
}

// Register registers the synchronous resolve endpoint
func (h *Handler) Register(g *echo.Group) {
	g.POST("", h.Resolve)
}

// Resolve runs one draft through matching and returns where the account ended up.
// The tenant always comes from the request header.
func (h *Handler) Resolve(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "resolve_handler.Resolve")
	defer span.End()

	var draft models.ExternalAccountDraft
	if err := binding.Decode(c, &draft); err != nil {
		return err
	}
	draft.TenantID = appcontext.GetTenantID(ctx)
	if err := binding.Validate(&draft); err != nil {
		return err
	}

	out, err := h.resolver.Resolve(ctx, draft)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"system":      draft.System,
		"external_id": draft.ExternalID,
		"status":      out.Status,
		"link_id":     out.Link.ID,
	}).Debug("Resolved draft")
	return c.JSON(http.StatusOK, out)
}
