package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/clover/pkg/audit"
	appcontext "github.com/Ramsey-B/clover/pkg/context"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/tracing"
)

const MIMEApplicationNDJSON = "application/x-ndjson"

type Handler struct {
	logger ectologger.Logger
	svc    *audit.Service
}

func NewHandler(logger ectologger.Logger, svc *audit.Service) *Handler {
	return &Handler{logger: logger, svc: svc}
}

// Register registers audit trail routes
func (h *Handler) Register(g *echo.Group) {
	g.GET("", h.List)
	g.GET("/export", h.Export)
}

// List returns one page of the audit trail. Pass next_cursor back as ?cursor for the next page.
func (h *Handler) List(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "audit_handler.List")
	defer span.End()

	filter, err := parseFilter(c)
	if err != nil {
		return err
	}
	if v := c.QueryParam("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			return httperror.NewHTTPError(http.StatusBadRequest, "limit must be a non-negative integer")
		}
	}

	page, err := h.svc.List(ctx, filter)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if page.Records == nil {
		page.Records = []models.AuditRecord{}
	}
	return c.JSON(http.StatusOK, page)
}

// Export streams every matching record as newline-delimited JSON
func (h *Handler) Export(c echo.Context) error {
	ctx, span := tracing.StartSpan(c.Request().Context(), "audit_handler.Export")
	defer span.End()

	filter, err := parseFilter(c)
	if err != nil {
		return err
	}

	w := &streamWriter{res: c.Response()}
	n, err := h.svc.Export(ctx, filter, w)
	if err != nil {
		tracing.RecordError(span, err)
		if !w.started {
			return err
		}
		// headers are gone, the client sees a truncated stream
		h.logger.WithContext(ctx).WithError(err).Errorf("Audit export interrupted after %d records", n)
		return nil
	}
	if !w.started {
		w.start()
	}
	return nil
}

// streamWriter commits the response on the first write so failures before
// any output still reach the error handler
type streamWriter struct {
	res     *echo.Response
	started bool
}

func (w *streamWriter) start() {
	w.res.Header().Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	w.res.WriteHeader(http.StatusOK)
	w.started = true
}

func (w *streamWriter) Write(p []byte) (int, error) {
	if !w.started {
		w.start()
	}
	n, err := w.res.Write(p)
	w.res.Flush()
	return n, err
}

func parseFilter(c echo.Context) (models.AuditFilter, error) {
	filter := models.AuditFilter{
		TenantID: appcontext.GetTenantID(c.Request().Context()),
		LinkID:   c.QueryParam("link_id"),
	}
	if v := c.QueryParam("cursor"); v != "" {
		seq, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, httperror.NewHTTPError(http.StatusBadRequest, "cursor must be an integer")
		}
		filter.AfterSeq = seq
	}
	var err error
	if filter.Since, err = timeParam(c, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = timeParam(c, "until"); err != nil {
		return filter, err
	}
	return filter, nil
}

func timeParam(c echo.Context, name string) (*time.Time, error) {
	v := c.QueryParam(name)
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "%s must be an RFC 3339 timestamp", name)
	}
	return &t, nil
}
