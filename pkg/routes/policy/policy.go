package policy

import (
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	appcontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/policy"
	"github.com/Ramsey-B/clover/pkg/routes/binding"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

type Holder interface {
	Policy() *policy.Config
	SetPolicy(cfg *policy.Config) error
}

type Handler struct {
	logger ectologger.Logger
	holder Holder
}

func NewHandler(logger ectologger.Logger, holder Holder) *Handler {
	return &Handler{logger: logger, holder: holder}
}

// Register registers the match policy routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.Get)
	g.PUT("", h.Replace)
}

func (h *Handler) Get(c echo.Context) error {
	return c.JSON(http.StatusOK, h.holder.Policy().Settings())
}

// Replace validates and swaps in a whole new policy. Existing links are not
// re-evaluated; use the link reevaluate route for that.
func (h *Handler) Replace(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "policy_handler.Replace")
	defer span.End()

	var settings policy.Settings
	if err := binding.Decode(c, &settings); err != nil {
		return err
	}
	cfg, err := policy.New(settings)
	if err != nil {
		return err
	}
	if err := h.holder.SetPolicy(cfg); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"actor":     appcontext.GetActor(ctx),
		"auto_link": settings.Thresholds.AutoLink,
		"review":    settings.Thresholds.Review,
	}).Info("Match policy replaced")
	return c.JSON(http.StatusOK, cfg.Settings())
}
