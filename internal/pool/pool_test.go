package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacsync/server/internal/auth"
	"github.com/pacsync/server/internal/domain"
	"github.com/pacsync/server/internal/endpoint"
)

func newTestServices(t *testing.T) (*Service, *endpoint.Service) {
	t.Helper()
	tokens, err := auth.NewTokenManager("a-test-secret-that-is-long-enough", time.Hour, nil)
	require.NoError(t, err)
	endpoints := endpoint.NewService(endpoint.NewMemoryStore(), tokens)
	pools := NewService(NewMemoryStore(), endpoints)
	return pools, endpoints
}

func TestAssignEndpoint_RejectsDoubleAssignment(t *testing.T) {
	pools, endpoints := newTestServices(t)
	ctx := context.Background()
	adminPrincipal := auth.Principal{IsAdmin: true}

	p1, err := pools.Create(ctx, adminPrincipal, "pool-1", "")
	require.NoError(t, err)
	p2, err := pools.Create(ctx, adminPrincipal, "pool-2", "")
	require.NoError(t, err)
	e, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)

	require.NoError(t, pools.AssignEndpoint(ctx, adminPrincipal, p1.ID, e.ID))

	err = pools.AssignEndpoint(ctx, adminPrincipal, p2.ID, e.ID)
	assert.Error(t, err, "an endpoint already in a pool cannot be assigned to a different one")
}

func TestDelete_RejectsNonEmptyPoolWithoutCascade(t *testing.T) {
	pools, endpoints := newTestServices(t)
	ctx := context.Background()
	adminPrincipal := auth.Principal{IsAdmin: true}

	p, err := pools.Create(ctx, adminPrincipal, "pool-1", "")
	require.NoError(t, err)
	e, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)
	require.NoError(t, pools.AssignEndpoint(ctx, adminPrincipal, p.ID, e.ID))

	err = pools.Delete(ctx, adminPrincipal, p.ID, false)
	assert.Error(t, err)

	err = pools.Delete(ctx, adminPrincipal, p.ID, true)
	assert.NoError(t, err, "cascade delete should succeed and detach members")

	got, err := endpoints.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Nil(t, got.PoolID)
}

func TestStatus_RollupAlgorithm(t *testing.T) {
	pools, endpoints := newTestServices(t)
	ctx := context.Background()
	adminPrincipal := auth.Principal{IsAdmin: true}

	p, err := pools.Create(ctx, adminPrincipal, "pool-1", "")
	require.NoError(t, err)

	status, err := pools.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RollupEmpty, status.Overall)

	e1, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)
	e2, _, _, err := endpoints.Register(ctx, "box2", "box2.local")
	require.NoError(t, err)
	require.NoError(t, pools.AssignEndpoint(ctx, adminPrincipal, p.ID, e1.ID))
	require.NoError(t, pools.AssignEndpoint(ctx, adminPrincipal, p.ID, e2.ID))

	status, err = pools.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RollupAllOffline, status.Overall, "freshly registered endpoints default to offline")

	_, err = endpoints.UpdateStatus(ctx, auth.Principal{EndpointID: e1.ID}, e1.ID, domain.SyncStatusInSync)
	require.NoError(t, err)
	status, err = pools.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RollupPartiallySynced, status.Overall)

	_, err = endpoints.UpdateStatus(ctx, auth.Principal{EndpointID: e2.ID}, e2.ID, domain.SyncStatusInSync)
	require.NoError(t, err)
	status, err = pools.Status(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RollupFullySynced, status.Overall)
	assert.Equal(t, float64(100), status.SyncPercentage)
}
