package state

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
)

func newTestServices(t *testing.T) (*Service, *endpoint.Service, *pool.Service) {
	t.Helper()
	tokens, err := auth.NewTokenManager("a-test-secret-that-is-long-enough", time.Hour, nil)
	require.NoError(t, err)
	endpoints := endpoint.NewService(endpoint.NewMemoryStore(), tokens)
	pools := pool.NewService(pool.NewMemoryStore(), endpoints)
	states := NewService(NewMemoryStore(), endpoints, pools)
	return states, endpoints, pools
}

func samplePackages() []domain.PackageState {
	return []domain.PackageState{
		{PackageName: "pacman", Version: "6.1.0-1", Repository: "core"},
	}
}

func TestSave_RequiresPoolMembership(t *testing.T) {
	states, endpoints, _ := newTestServices(t)
	ctx := context.Background()

	e, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)

	_, err = states.Save(ctx, e.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.0",
		Packages:      samplePackages(),
	})
	assert.Error(t, err, "an endpoint outside any pool cannot report state")
}

func TestSave_RejectsEmptyPackagesAndFutureTimestamp(t *testing.T) {
	states, endpoints, pools := newTestServices(t)
	ctx := context.Background()
	admin := auth.Principal{IsAdmin: true}

	p, err := pools.Create(ctx, admin, "pool-1", "")
	require.NoError(t, err)
	e, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p.ID, e.ID))

	_, err = states.Save(ctx, e.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.0",
	})
	assert.Error(t, err, "an empty package list is rejected")

	_, err = states.Save(ctx, e.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.0",
		Packages:      samplePackages(),
		Timestamp:     time.Now().UTC().Add(time.Hour),
	})
	assert.Error(t, err, "a timestamp far in the future is rejected")
}

func TestSave_AndListByEndpoint(t *testing.T) {
	states, endpoints, pools := newTestServices(t)
	ctx := context.Background()
	admin := auth.Principal{IsAdmin: true}

	p, err := pools.Create(ctx, admin, "pool-1", "")
	require.NoError(t, err)
	e, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p.ID, e.ID))

	first, err := states.Save(ctx, e.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.0",
		Packages:      samplePackages(),
	})
	require.NoError(t, err)

	second, err := states.Save(ctx, e.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.1",
		Packages:      samplePackages(),
	})
	require.NoError(t, err)

	list, err := states.ListByEndpoint(ctx, e.ID, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID, "newest snapshot first")
	assert.Equal(t, first.ID, list[1].ID)
}

func TestSetTarget_RequiresStateFromPoolMember(t *testing.T) {
	states, endpoints, pools := newTestServices(t)
	ctx := context.Background()
	admin := auth.Principal{IsAdmin: true}

	p1, err := pools.Create(ctx, admin, "pool-1", "")
	require.NoError(t, err)
	p2, err := pools.Create(ctx, admin, "pool-2", "")
	require.NoError(t, err)

	e1, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)
	e2, _, _, err := endpoints.Register(ctx, "box2", "box2.local")
	require.NoError(t, err)
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p1.ID, e1.ID))
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p2.ID, e2.ID))

	snap, err := states.Save(ctx, e2.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.0",
		Packages:      samplePackages(),
	})
	require.NoError(t, err)

	err = states.SetTarget(ctx, p1.ID, snap.ID)
	assert.Error(t, err, "a state captured outside the pool cannot become its target")

	snap2, err := states.Save(ctx, e1.ID, domain.SystemState{
		Architecture:  "x86_64",
		PacmanVersion: "6.1.0",
		Packages:      samplePackages(),
	})
	require.NoError(t, err)
	require.NoError(t, states.SetTarget(ctx, p1.ID, snap2.ID))

	got, err := pools.Get(ctx, p1.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TargetStateID)
	assert.Equal(t, snap2.ID, *got.TargetStateID)
}
