package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacsync/server/internal/auth"
	"github.com/pacsync/server/internal/domain"
	"github.com/pacsync/server/internal/endpoint"
	"github.com/pacsync/server/internal/pool"
	"github.com/pacsync/server/internal/state"
)

func newTestServices(t *testing.T) (*Service, *endpoint.Service, *pool.Service, *state.Service) {
	t.Helper()
	tokens, err := auth.NewTokenManager("a-test-secret-that-is-long-enough", time.Hour, nil)
	require.NoError(t, err)
	endpoints := endpoint.NewService(endpoint.NewMemoryStore(), tokens)
	pools := pool.NewService(pool.NewMemoryStore(), endpoints)
	states := state.NewService(state.NewMemoryStore(), endpoints, pools)
	syncs := NewService(NewMemoryStore(), endpoints, pools, states, nil)
	return syncs, endpoints, pools, states
}

func setupMember(t *testing.T, ctx context.Context, endpoints *endpoint.Service, pools *pool.Service, name string) (*domain.Endpoint, *domain.Pool) {
	t.Helper()
	admin := auth.Principal{IsAdmin: true}
	p, err := pools.Create(ctx, admin, name+"-pool", "")
	require.NoError(t, err)
	e, _, _, err := endpoints.Register(ctx, name, name+".local")
	require.NoError(t, err)
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p.ID, e.ID))
	return e, p
}

func TestSyncToLatest_RejectsWithoutTarget(t *testing.T) {
	syncs, endpoints, pools, _ := newTestServices(t)
	ctx := context.Background()
	e, _ := setupMember(t, ctx, endpoints, pools, "box1")

	_, err := syncs.SyncToLatest(ctx, auth.Principal{EndpointID: e.ID}, e.ID)
	assert.Error(t, err, "a pool with no target state rejects sync_to_latest")
}

func TestSetAsLatest_RequiresPriorState(t *testing.T) {
	syncs, endpoints, pools, states := newTestServices(t)
	ctx := context.Background()
	e, p := setupMember(t, ctx, endpoints, pools, "box1")

	_, err := syncs.SetAsLatest(ctx, auth.Principal{EndpointID: e.ID}, e.ID)
	assert.Error(t, err, "an endpoint with no reported state cannot set_as_latest")

	_, err = states.Save(ctx, e.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.0",
		Packages:      []domain.PackageState{{PackageName: "pacman", Version: "6.1.0-1"}},
	})
	require.NoError(t, err)

	op, err := syncs.SetAsLatest(ctx, auth.Principal{EndpointID: e.ID}, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationInProgress, op.Status, "with no other op in flight, the new one picks up immediately")

	got, err := pools.Get(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TargetStateID)
}

func TestOperationLifecycle_CompleteAndPickupNext(t *testing.T) {
	syncs, endpoints, pools, states := newTestServices(t)
	ctx := context.Background()
	e, p := setupMember(t, ctx, endpoints, pools, "box1")
	principal := auth.Principal{EndpointID: e.ID}

	snap, err := states.Save(ctx, e.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.0",
		Packages:      []domain.PackageState{{PackageName: "pacman", Version: "6.1.0-1"}},
	})
	require.NoError(t, err)
	require.NoError(t, states.SetTarget(ctx, p.ID, snap.ID))

	op1, err := syncs.SyncToLatest(ctx, principal, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationInProgress, op1.Status)

	op2, err := syncs.SyncToLatest(ctx, principal, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationPending, op2.Status, "a second command while one is in flight queues behind it")

	_, err = syncs.Complete(ctx, principal, op1.ID)
	require.NoError(t, err)

	got2, err := syncs.Get(ctx, op2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationInProgress, got2.Status, "completing the first picks up the queued second")
}

func TestCancel_OnlyWhilePending(t *testing.T) {
	syncs, endpoints, pools, states := newTestServices(t)
	ctx := context.Background()
	e, p := setupMember(t, ctx, endpoints, pools, "box1")
	principal := auth.Principal{EndpointID: e.ID}

	snap, err := states.Save(ctx, e.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.0",
		Packages:      []domain.PackageState{{PackageName: "pacman", Version: "6.1.0-1"}},
	})
	require.NoError(t, err)
	require.NoError(t, states.SetTarget(ctx, p.ID, snap.ID))

	op1, err := syncs.SyncToLatest(ctx, principal, e.ID)
	require.NoError(t, err)
	op2, err := syncs.SyncToLatest(ctx, principal, e.ID)
	require.NoError(t, err)
	require.Equal(t, domain.OperationPending, op2.Status)

	cancelled, err := syncs.Cancel(ctx, principal, op2.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationFailed, cancelled.Status)
	assert.Equal(t, "cancelled", cancelled.ErrorMessage)

	_, err = syncs.Cancel(ctx, principal, op1.ID)
	assert.Error(t, err, "an in_progress operation cannot be cancelled from the server side")
}

func TestRevertToPrevious_RequiresTwoSnapshots(t *testing.T) {
	syncs, endpoints, pools, states := newTestServices(t)
	ctx := context.Background()
	e, _ := setupMember(t, ctx, endpoints, pools, "box1")
	principal := auth.Principal{EndpointID: e.ID}

	_, err := syncs.RevertToPrevious(ctx, principal, e.ID)
	assert.Error(t, err)

	for i := 0; i < 2; i++ {
		_, err := states.Save(ctx, e.ID, domain.SystemState{
			Architecture:  "x86_64",
			PacmanVersion: "6.1.0",
			Packages:      []domain.PackageState{{PackageName: "pacman", Version: "6.1.0-1"}},
		})
		require.NoError(t, err)
	}

	op, err := syncs.RevertToPrevious(ctx, principal, e.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationRevert, op.Type)
}
