package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, c *Checker, path string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	c.RegisterRoutes(e)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	ok := PingFunc(func(context.Context) error { return nil })
	down := PingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		checks map[string]Pinger
		status int
		want   string
	}{
		{name: "no dependencies", status: http.StatusOK, want: "healthy"},
		{name: "all up", checks: map[string]Pinger{"store": ok, "redis": ok}, status: http.StatusOK, want: "healthy"},
		{name: "one down", checks: map[string]Pinger{"store": ok, "graph": down}, status: http.StatusServiceUnavailable, want: "unhealthy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, NewChecker("test", tt.checks), "/api/v1/health")
			require.Equal(t, tt.status, rec.Code)

			var body HealthStatus
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Status)
			assert.Len(t, body.Checks, len(tt.checks))
			if c, ok := body.Checks["graph"]; ok {
				assert.Equal(t, "connection refused", c.Message)
			}
		})
	}
}

func TestReadiness(t *testing.T) {
	c := NewChecker("test", nil)
	assert.Equal(t, http.StatusOK, get(t, c, "/api/v1/health/live").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, c, "/api/v1/health/ready").Code)

	c.SetReady(true)
	assert.Equal(t, http.StatusOK, get(t, c, "/api/v1/health/ready").Code)
}
