// Package domain holds the coordinator's core entities, shared by every
// component (auth, endpoint, pool, state, sync, repoanalysis) so that each
// can depend on the data model without depending on each other.
package domain

import "time"

// SyncStatus is an endpoint's persisted rollup signal, distinct from the
// package-sync helper endpoints' on-demand derived comparison (see
// PackageSyncStatus), kept explicitly separate per the design notes.
type SyncStatus string

const (
	SyncStatusInSync  SyncStatus = "in_sync"
	SyncStatusAhead   SyncStatus = "ahead"
	SyncStatusBehind  SyncStatus = "behind"
	SyncStatusOffline SyncStatus = "offline"
)

// Endpoint is a managed machine; it belongs to at most one pool.
type Endpoint struct {
	ID         string     `json:"id" db:"id"`
	Name       string     `json:"name" db:"name"`
	Hostname   string     `json:"hostname" db:"hostname"`
	PoolID     *string    `json:"pool_id,omitempty" db:"pool_id"`
	LastSeen   *time.Time `json:"last_seen,omitempty" db:"last_seen"`
	SyncStatus SyncStatus `json:"sync_status" db:"sync_status"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at" db:"updated_at"`
}

func (e *Endpoint) GetID() string             { return e.ID }
func (e *Endpoint) SetCreatedAt(t time.Time)  { e.CreatedAt = t }
func (e *Endpoint) SetUpdatedAt(t time.Time)  { e.UpdatedAt = t }

// DisplayName is the canonical human-identity form: name@hostname.
func (e *Endpoint) DisplayName() string {
	return e.Name + "@" + e.Hostname
}

// ConflictResolution controls how the repository analyzer resolves
// cross-endpoint version conflicts for a pool.
type ConflictResolution string

const (
	ConflictResolutionManual ConflictResolution = "manual"
	ConflictResolutionNewest ConflictResolution = "newest"
	ConflictResolutionOldest ConflictResolution = "oldest"
)

// SyncPolicy is embedded in Pool and mutated atomically with it.
type SyncPolicy struct {
	AutoSync           bool                `json:"auto_sync"`
	ExcludePackages     []string            `json:"exclude_packages"`
	IncludeAUR          bool                `json:"include_aur"`
	ConflictResolution  ConflictResolution  `json:"conflict_resolution"`
}

// DefaultSyncPolicy returns the zero-value policy applied to new pools.
func DefaultSyncPolicy() SyncPolicy {
	return SyncPolicy{
		AutoSync:           false,
		ExcludePackages:    []string{},
		IncludeAUR:         false,
		ConflictResolution: ConflictResolutionManual,
	}
}

// Pool is a named group of endpoints sharing a sync policy and target state.
type Pool struct {
	ID            string     `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	Description   string     `json:"description" db:"description"`
	EndpointIDs   []string   `json:"endpoint_ids"`
	TargetStateID *string    `json:"target_state_id,omitempty" db:"target_state_id"`
	SyncPolicy    SyncPolicy `json:"sync_policy" db:"sync_policy"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

func (p *Pool) GetID() string            { return p.ID }
func (p *Pool) SetCreatedAt(t time.Time) { p.CreatedAt = t }
func (p *Pool) SetUpdatedAt(t time.Time) { p.UpdatedAt = t }

// RollupOverall summarizes a pool's aggregate sync state.
type RollupOverall string

const (
	RollupEmpty           RollupOverall = "empty"
	RollupFullySynced     RollupOverall = "fully_synced"
	RollupPartiallySynced RollupOverall = "partially_synced"
	RollupOutOfSync       RollupOverall = "out_of_sync"
	RollupAllOffline      RollupOverall = "all_offline"
)

// PoolStatus is the pool rollup-status view: cheap, read-only, uncached.
type PoolStatus struct {
	PoolID         string        `json:"pool_id"`
	Overall        RollupOverall `json:"overall"`
	SyncPercentage float64       `json:"sync_percentage"`
	TotalEndpoints int           `json:"total_endpoints"`
	InSync         int           `json:"in_sync"`
	Ahead          int           `json:"ahead"`
	Behind         int           `json:"behind"`
	Offline        int           `json:"offline"`
}

// PackageState is an immutable installed-package record belonging to
// exactly one SystemState.
type PackageState struct {
	PackageName     string   `json:"package_name"`
	Version         string   `json:"version"`
	Repository      string   `json:"repository"`
	InstalledSize   int64    `json:"installed_size"`
	Dependencies    []string `json:"dependencies"`
}

// SystemState is an append-only, immutable capture of an endpoint's
// installed-package set at a moment.
type SystemState struct {
	ID            string         `json:"id" db:"id"`
	EndpointID    string         `json:"endpoint_id" db:"endpoint_id"`
	Timestamp     time.Time      `json:"timestamp" db:"happened_at"`
	PacmanVersion string         `json:"pacman_version" db:"pacman_version"`
	Architecture  string         `json:"architecture" db:"architecture"`
	Packages      []PackageState `json:"packages"`
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`
}

func (s *SystemState) GetID() string            { return s.ID }
func (s *SystemState) SetCreatedAt(t time.Time) { s.CreatedAt = t }
func (s *SystemState) SetUpdatedAt(t time.Time) {} // states are immutable; no-op

// RepositoryPackage is immutable within a Repository record.
type RepositoryPackage struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	Repository   string `json:"repository"`
	Architecture string `json:"architecture"`
	Description  string `json:"description,omitempty"`
}

// Repository is an endpoint's view of a named package repository. Upsert
// keyed on (endpoint_id, repo_name); replaces prior contents.
//
// The reference defines both a heavyweight submission (Packages populated)
// and a lightweight one (Mirrors only). Both are accepted: a heavyweight
// submission is authoritative for compatibility analysis; a lightweight one
// updates Mirrors/PrimaryURL and leaves a previously-ingested Packages list
// untouched for that repo name.
type Repository struct {
	ID          string              `json:"id" db:"id"`
	EndpointID  string              `json:"endpoint_id" db:"endpoint_id"`
	RepoName    string              `json:"repo_name" db:"repo_name"`
	PrimaryURL  string              `json:"primary_url" db:"primary_url"`
	Mirrors     []string            `json:"mirrors"`
	Packages    []RepositoryPackage `json:"packages"`
	LastUpdated time.Time           `json:"last_updated" db:"last_updated"`
}

// IsHeavyweight reports whether this submission carries a full package list.
func (r Repository) IsHeavyweight() bool {
	return len(r.Packages) > 0
}

// OperationType enumerates the three commands the Sync Coordinator accepts.
type OperationType string

const (
	OperationSync       OperationType = "sync"
	OperationSetLatest  OperationType = "set_latest"
	OperationRevert     OperationType = "revert"
)

// OperationStatus is a SyncOperation's position in its state machine.
// Transitions are monotonic: pending -> in_progress -> {completed|failed}.
type OperationStatus string

const (
	OperationPending    OperationStatus = "pending"
	OperationInProgress OperationStatus = "in_progress"
	OperationCompleted  OperationStatus = "completed"
	OperationFailed     OperationStatus = "failed"
)

// SyncOperation is a directive tracked through the operation state machine.
type SyncOperation struct {
	ID           string          `json:"id" db:"id"`
	PoolID       string          `json:"pool_id" db:"pool_id"`
	EndpointID   string          `json:"endpoint_id" db:"endpoint_id"`
	Type         OperationType   `json:"type" db:"type"`
	Status       OperationStatus `json:"status" db:"status"`
	Details      OperationDetails `json:"details" db:"details"`
	ErrorMessage string          `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

func (o *SyncOperation) GetID() string            { return o.ID }
func (o *SyncOperation) SetCreatedAt(t time.Time) { o.CreatedAt = t }
func (o *SyncOperation) SetUpdatedAt(t time.Time) {}

// OperationDetails is the operation's free-form progress record, plus the
// state snapshot it resolved to at submission time (the pool's target for
// a sync, the prior snapshot for a revert).
type OperationDetails struct {
	Stage         string `json:"stage,omitempty"`
	Percentage    int    `json:"percentage,omitempty"`
	CurrentAction string `json:"current_action,omitempty"`
	StateID       string `json:"state_id,omitempty"`
}

// PackageConflict names a package with differing versions across ≥2
// endpoints, embedded in CompatibilityAnalysis.
type PackageConflict struct {
	PackageName         string            `json:"package_name"`
	EndpointVersions    map[string]string `json:"endpoint_versions"`
	SuggestedResolution string            `json:"suggested_resolution,omitempty"`
}

// CompatibilityAnalysis is the derived cross-endpoint compatibility view for
// a pool, recomputed on demand or on membership/repo change.
type CompatibilityAnalysis struct {
	PoolID            string                    `json:"pool_id"`
	CommonPackages    []string                  `json:"common_packages"`
	ExcludedPackages  []string                  `json:"excluded_packages"`
	Conflicts         []PackageConflict         `json:"conflicts"`
	AvailabilityMatrix map[string]map[string]*string `json:"availability_matrix"`
	LastAnalyzed      time.Time                 `json:"last_analyzed"`
}

// PackageSyncStatus is the package-sync helper endpoints' on-demand derived
// comparison between an endpoint's latest state and its pool's target
// state. Never persisted; kept explicitly separate from Endpoint.SyncStatus.
type PackageSyncStatus struct {
	EndpointID      string   `json:"endpoint_id"`
	InSync          bool     `json:"in_sync"`
	MissingPackages []string `json:"missing_packages,omitempty"`
	ExtraPackages   []string `json:"extra_packages,omitempty"`
	OutdatedPackages []string `json:"outdated_packages,omitempty"`
}
