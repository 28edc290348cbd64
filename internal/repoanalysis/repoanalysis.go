// Package repoanalysis computes a pool's cross-endpoint package
// compatibility view from its members' ingested repository snapshots.
package repoanalysis

import (
	"context"
	"sort"
	"time"

	"github.com/pacsync/server/internal/domain"
	"github.com/pacsync/server/internal/endpoint"
	"github.com/pacsync/server/internal/pool"
)

// Service computes CompatibilityAnalysis views. It is pure and
// side-effect-free beyond the optional cache it keeps per pool.
type Service struct {
	endpoints *endpoint.Service
	pools     *pool.Service

	cache map[string]*domain.CompatibilityAnalysis
}

// NewService builds a Service.
func NewService(endpoints *endpoint.Service, pools *pool.Service) *Service {
	return &Service{
		endpoints: endpoints,
		pools:     pools,
		cache:     make(map[string]*domain.CompatibilityAnalysis),
	}
}

// versionByEndpoint maps endpoint id to the version of one package as seen
// in that endpoint's repositories.
type versionByEndpoint map[string]string

// Analyze recomputes and caches the compatibility view for a pool.
func (s *Service) Analyze(ctx context.Context, poolID string) (*domain.CompatibilityAnalysis, error) {
	p, err := s.pools.Get(ctx, poolID)
	if err != nil {
		return nil, err
	}

	versions := make(map[string]versionByEndpoint)
	for _, endpointID := range p.EndpointIDs {
		repos, err := s.endpoints.ListRepositories(ctx, endpointID)
		if err != nil {
			continue
		}
		for _, repo := range repos {
			for _, pkg := range repo.Packages {
				if versions[pkg.Name] == nil {
					versions[pkg.Name] = make(versionByEndpoint)
				}
				versions[pkg.Name][endpointID] = pkg.Version
			}
		}
	}

	excluded := make(map[string]bool)
	for _, name := range p.SyncPolicy.ExcludePackages {
		excluded[name] = true
	}

	analysis := &domain.CompatibilityAnalysis{
		PoolID:             poolID,
		CommonPackages:     []string{},
		ExcludedPackages:   []string{},
		Conflicts:          []domain.PackageConflict{},
		AvailabilityMatrix: make(map[string]map[string]*string),
		LastAnalyzed:       time.Now().UTC(),
	}

	memberCount := len(p.EndpointIDs)
	for name, byEndpoint := range versions {
		matrix := make(map[string]*string)
		for _, endpointID := range p.EndpointIDs {
			if v, ok := byEndpoint[endpointID]; ok {
				version := v
				matrix[endpointID] = &version
			} else {
				matrix[endpointID] = nil
			}
		}
		analysis.AvailabilityMatrix[name] = matrix

		if hasConflict(byEndpoint) {
			conflict := domain.PackageConflict{
				PackageName:      name,
				EndpointVersions: map[string]string(byEndpoint),
			}
			switch p.SyncPolicy.ConflictResolution {
			case domain.ConflictResolutionNewest:
				conflict.SuggestedResolution = pickVersion(byEndpoint, true)
			case domain.ConflictResolutionOldest:
				conflict.SuggestedResolution = pickVersion(byEndpoint, false)
			}
			analysis.Conflicts = append(analysis.Conflicts, conflict)

			if p.SyncPolicy.ConflictResolution == domain.ConflictResolutionManual {
				excluded[name] = true
			}
			continue
		}

		if memberCount > 0 && len(byEndpoint) == memberCount && !excluded[name] {
			analysis.CommonPackages = append(analysis.CommonPackages, name)
		}
	}

	for name := range excluded {
		analysis.ExcludedPackages = append(analysis.ExcludedPackages, name)
	}

	sort.Strings(analysis.CommonPackages)
	sort.Strings(analysis.ExcludedPackages)
	sort.Slice(analysis.Conflicts, func(i, j int) bool {
		return analysis.Conflicts[i].PackageName < analysis.Conflicts[j].PackageName
	})

	s.cache[poolID] = analysis
	return analysis, nil
}

// Cached returns the most recent Analyze result for a pool, recomputing if
// none has been cached yet.
func (s *Service) Cached(ctx context.Context, poolID string) (*domain.CompatibilityAnalysis, error) {
	if cached, ok := s.cache[poolID]; ok {
		return cached, nil
	}
	return s.Analyze(ctx, poolID)
}

// hasConflict reports whether a package's versions differ across the
// endpoints that carry it. A package seen on only one endpoint, or with the
// same version string everywhere, is not a conflict.
func hasConflict(byEndpoint versionByEndpoint) bool {
	if len(byEndpoint) < 2 {
		return false
	}
	var first string
	i := 0
	for _, v := range byEndpoint {
		if i == 0 {
			first = v
		} else if v != first {
			return true
		}
		i++
	}
	return false
}

// pickVersion returns the newest (or, if newest is false, the oldest)
// version string present, falling back to lexicographic comparison since
// no pacman-aware version comparator is available here.
func pickVersion(byEndpoint versionByEndpoint, newest bool) string {
	var best string
	first := true
	for _, v := range byEndpoint {
		if first {
			best = v
			first = false
			continue
		}
		if newest && v > best {
			best = v
		} else if !newest && v < best {
			best = v
		}
	}
	return best
}
