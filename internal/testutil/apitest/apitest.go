// Package apitest builds an echo instance wired with the production
// middleware for route tests.
package apitest

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/middleware"
	"github.com/Ramsey-B/clover/pkg/policy"
)

const (
	Tenant   = "org-1"
	Reviewer = "reviewer@co.com"
)

type API struct {
	t  *testing.T
	E  *echo.Echo
	V1 *echo.Group
}

func QuietLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

// Policy is the default policy with co.com as the organization's domain
func Policy() *policy.Config {
	s := policy.DefaultSettings()
	s.OrgDomains = []string{"co.com"}
	return policy.MustNew(s)
}

func New(t *testing.T) *API {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = middleware.Error(QuietLogger())
	e.Use(middleware.Context())
	return &API{t: t, E: e, V1: e.Group("/api/v1", middleware.RequireTenant())}
}

// Request describes one call. Headers default to the test tenant and reviewer.
type Request struct {
	Method  string
	Path    string
	Body    any
	Headers map[string]string
}

func (a *API) Do(r Request) *httptest.ResponseRecorder {
	a.t.Helper()
	body := bytes.NewBuffer(nil)
	switch v := r.Body.(type) {
	case nil:
	case string:
		body.WriteString(v)
	default:
		require.NoError(a.t, json.NewEncoder(body).Encode(v))
	}

	req := httptest.NewRequest(r.Method, r.Path, body)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	headers := map[string]string{
		middleware.HeaderTenantID: Tenant,
		middleware.HeaderUserID:   Reviewer,
	}
	for k, v := range r.Headers {
		headers[k] = v
	}
	for k, v := range headers {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	rec := httptest.NewRecorder()
	a.E.ServeHTTP(rec, req)
	return rec
}

// Decode unmarshals the recorded body into v
func Decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}
