package repoanalysis

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
	return NewService(endpoints, pools), endpoints, pools
}

func ingest(t *testing.T, ctx context.Context, endpoints *endpoint.Service, endpointID, pkgName, version string) {
	t.Helper()
	principal := auth.Principal{EndpointID: endpointID}
	_, err := endpoints.IngestRepositories(ctx, principal, endpointID, []domain.Repository{{
		RepoName:   "core",
		PrimaryURL: "https://mirror.example/core",
		Packages: []domain.RepositoryPackage{
			{Name: pkgName, Version: version, Repository: "core", Architecture: "x86_64"},
		},
	}})
	require.NoError(t, err)
}

func TestAnalyze_CommonPackageAcrossAllMembers(t *testing.T) {
	analyzer, endpoints, pools := newTestServices(t)
	ctx := context.Background()
	admin := auth.Principal{IsAdmin: true}

	p, err := pools.Create(ctx, admin, "pool-1", "")
	require.NoError(t, err)
	e1, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)
	e2, _, _, err := endpoints.Register(ctx, "box2", "box2.local")
	require.NoError(t, err)
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p.ID, e1.ID))
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p.ID, e2.ID))

	ingest(t, ctx, endpoints, e1.ID, "pacman", "6.1.0-1")
	ingest(t, ctx, endpoints, e2.ID, "pacman", "6.1.0-1")

	analysis, err := analyzer.Analyze(ctx, p.ID)
	require.NoError(t, err)
	assert.Contains(t, analysis.CommonPackages, "pacman")
	assert.Empty(t, analysis.Conflicts)
	assert.Equal(t, "6.1.0-1", *analysis.AvailabilityMatrix["pacman"][e1.ID])
}

func TestAnalyze_ConflictWithNewestResolution(t *testing.T) {
	analyzer, endpoints, pools := newTestServices(t)
	ctx := context.Background()
	admin := auth.Principal{IsAdmin: true}

	p, err := pools.Create(ctx, admin, "pool-1", "")
	require.NoError(t, err)
	_, err = pools.UpdatePolicy(ctx, admin, p.ID, p.Name, p.Description, domain.SyncPolicy{
		ConflictResolution: domain.ConflictResolutionNewest,
	})
	require.NoError(t, err)

	e1, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)
	e2, _, _, err := endpoints.Register(ctx, "box2", "box2.local")
	require.NoError(t, err)
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p.ID, e1.ID))
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p.ID, e2.ID))

	ingest(t, ctx, endpoints, e1.ID, "pacman", "6.1.0-1")
	ingest(t, ctx, endpoints, e2.ID, "pacman", "6.2.0-1")

	analysis, err := analyzer.Analyze(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, analysis.Conflicts, 1)
	assert.Equal(t, "pacman", analysis.Conflicts[0].PackageName)
	assert.Equal(t, "6.2.0-1", analysis.Conflicts[0].SuggestedResolution)
	assert.NotContains(t, analysis.CommonPackages, "pacman")
}

func TestAnalyze_ManualConflictIsExcluded(t *testing.T) {
	analyzer, endpoints, pools := newTestServices(t)
	ctx := context.Background()
	admin := auth.Principal{IsAdmin: true}

	p, err := pools.Create(ctx, admin, "pool-1", "")
	require.NoError(t, err)

	e1, _, _, err := endpoints.Register(ctx, "box1", "box1.local")
	require.NoError(t, err)
	e2, _, _, err := endpoints.Register(ctx, "box2", "box2.local")
	require.NoError(t, err)
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p.ID, e1.ID))
	require.NoError(t, pools.AssignEndpoint(ctx, admin, p.ID, e2.ID))

	ingest(t, ctx, endpoints, e1.ID, "pacman", "6.1.0-1")
	ingest(t, ctx, endpoints, e2.ID, "pacman", "6.2.0-1")

	analysis, err := analyzer.Analyze(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, analysis.Conflicts[0].SuggestedResolution, "manual resolution gives no hint")
	assert.Contains(t, analysis.ExcludedPackages, "pacman")
}
