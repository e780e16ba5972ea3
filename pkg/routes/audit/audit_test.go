package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/internal/testutil/apitest"
	"github.com/Ramsey-B/clover/pkg/audit"
	"github.com/Ramsey-B/clover/pkg/events"
	"github.com/Ramsey-B/clover/pkg/locking"
	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/resolution"
	"github.com/Ramsey-B/clover/pkg/store/memstore"
)

// setup resolves three new accounts, leaving one audit record each
func setup(t *testing.T) (*apitest.API, *memstore.Store, []string) {
	t.Helper()
	ctx := context.Background()
	logger := apitest.QuietLogger()
	st := memstore.New()
	resolver := resolution.NewService(st, locking.NewLocal(time.Second), &events.Recorder{}, apitest.Policy(), logger)

	var linkIDs []string
	for i, name := range []string{"ann", "ben", "cat"} {
		out, err := resolver.Resolve(ctx, models.ExternalAccountDraft{TenantID: apitest.Tenant, System: "github", ExternalID: strconv.Itoa(i), Username: name})
		require.NoError(t, err)
		linkIDs = append(linkIDs, out.Link.ID)
	}

	api := apitest.New(t)
	NewHandler(logger, audit.NewService(logger, st)).Register(api.V1.Group("/audit"))
	return api, st, linkIDs
}

func TestList(t *testing.T) {
	api, _, linkIDs := setup(t)

	rec := api.Do(apitest.Request{Method: http.MethodGet, Path: "/api/v1/audit?limit=2"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var first audit.Page
	apitest.Decode(t, rec, &first)
	require.Len(t, first.Records, 2)
	require.NotZero(t, first.NextCursor)

	rec = api.Do(apitest.Request{Method: http.MethodGet, Path: "/api/v1/audit?limit=2&cursor=" + strconv.FormatInt(first.NextCursor, 10)})
	require.Equal(t, http.StatusOK, rec.Code)
	var second audit.Page
	apitest.Decode(t, rec, &second)
	require.Len(t, second.Records, 1)
	assert.Zero(t, second.NextCursor)
	assert.Equal(t, linkIDs[2], second.Records[0].LinkID)

	rec = api.Do(apitest.Request{Method: http.MethodGet, Path: "/api/v1/audit?link_id=" + linkIDs[1]})
	require.Equal(t, http.StatusOK, rec.Code)
	var byLink audit.Page
	apitest.Decode(t, rec, &byLink)
	require.Len(t, byLink.Records, 1)
	assert.Equal(t, linkIDs[1], byLink.Records[0].LinkID)

	rec = api.Do(apitest.Request{Method: http.MethodGet, Path: "/api/v1/audit", Headers: map[string]string{"X-Tenant-ID": "org-2"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"records":[]}`, rec.Body.String())

	tests := []struct {
		name  string
		query string
	}{
		{name: "bad cursor", query: "?cursor=abc"},
		{name: "negative cursor", query: "?cursor=-1"},
		{name: "bad limit", query: "?limit=many"},
		{name: "bad since", query: "?since=monday"},
		{name: "until before since", query: "?since=2024-02-01T00:00:00Z&until=2024-01-01T00:00:00Z"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := api.Do(apitest.Request{Method: http.MethodGet, Path: "/api/v1/audit" + tt.query})
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
		})
	}
}

func TestExport(t *testing.T) {
	api, st, linkIDs := setup(t)

	rec := api.Do(apitest.Request{Method: http.MethodGet, Path: "/api/v1/audit/export"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, MIMEApplicationNDJSON, rec.Header().Get("Content-Type"))

	var got []string
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		var r models.AuditRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		got = append(got, r.LinkID)
	}
	assert.Equal(t, linkIDs, got)

	t.Run("nothing to export", func(t *testing.T) {
		rec := api.Do(apitest.Request{Method: http.MethodGet, Path: "/api/v1/audit/export?since=2999-01-01T00:00:00Z"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Body.String())
	})

	t.Run("store failure before the first record", func(t *testing.T) {
		st.FailOn("ListAudit", errors.New("connection reset"))
		t.Cleanup(st.ClearFaults)

		rec := api.Do(apitest.Request{Method: http.MethodGet, Path: "/api/v1/audit/export"})
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})
}
