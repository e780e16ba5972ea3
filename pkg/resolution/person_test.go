package resolution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/clover/pkg/models"
	"github.com/Ramsey-B/clover/pkg/store/memstore"
)

func TestCreatePerson(t *testing.T) {
	ctx := context.Background()
	st := memstore.New()
	svc, _ := newService(t, st)

	hired := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	alice, err := svc.CreatePerson(ctx, tenant, models.CreatePersonRequest{
		DisplayName:  "Alice Smith",
		PrimaryEmail: "Alice@Co.com",
		Title:        "Engineer",
		HireDate:     &hired,
	}, "hr-sync")
	require.NoError(t, err)
	assert.NotEmpty(t, alice.ID)
	assert.Equal(t, "alice@co.com", alice.PrimaryEmail)
	assert.Equal(t, "co.com", alice.PrimaryEmailDomain)
	assert.Equal(t, models.PersonStatusActive, alice.Status)
	assert.True(t, alice.Verified)

	stored, err := st.GetPerson(ctx, tenant, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, "Engineer", stored.Title)

	t.Run("an account with the primary email auto-links", func(t *testing.T) {
		out, err := svc.Resolve(ctx, models.ExternalAccountDraft{TenantID: tenant, System: "slack", ExternalID: "U1", Email: "alice@co.com"})
		require.NoError(t, err)
		assert.Equal(t, StatusAutoLinked, out.Status)
		assert.Equal(t, alice.ID, out.Person.ID)
	})

	t.Run("a second holder of the email conflicts", func(t *testing.T) {
		_, err := svc.CreatePerson(ctx, tenant, models.CreatePersonRequest{DisplayName: "Alice Twin", PrimaryEmail: "alice@co.com"}, "hr-sync")
		var conflict *models.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, []string{alice.ID}, conflict.PersonIDs)
	})

	t.Run("validation", func(t *testing.T) {
		tests := []struct {
			name   string
			tenant string
			req    models.CreatePersonRequest
			field  string
		}{
			{name: "missing tenant", req: models.CreatePersonRequest{DisplayName: "X"}, field: "tenant_id"},
			{name: "missing name", tenant: tenant, req: models.CreatePersonRequest{}, field: "display_name"},
			{name: "bot status", tenant: tenant, req: models.CreatePersonRequest{DisplayName: "X", Status: "bot"}, field: "status"},
			{name: "bad email", tenant: tenant, req: models.CreatePersonRequest{DisplayName: "X", PrimaryEmail: "nope"}, field: "primary_email"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.CreatePerson(ctx, tt.tenant, tt.req, "hr-sync")
				var verr *models.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
			})
		}
	})

	t.Run("contractors keep the external status", func(t *testing.T) {
		p, err := svc.CreatePerson(ctx, tenant, models.CreatePersonRequest{DisplayName: "Carl Contractor", Status: "external"}, "hr-sync")
		require.NoError(t, err)
		assert.Equal(t, models.PersonStatusExternal, p.Status)
		assert.Empty(t, p.PrimaryEmail)
	})
}
