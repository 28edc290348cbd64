// Package sync is the operation state machine: it accepts sync/set_latest/
// revert commands, enforces the at-most-one-in-progress-per-endpoint
// discipline with FIFO pickup, tracks progress, and watches for operations
// stuck past their type's timeout.
package sync

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	svcerrors "github.com/pacsync/server/infrastructure/errors"
	"github.com/pacsync/server/internal/auth"
	"github.com/pacsync/server/internal/domain"
	"github.com/pacsync/server/internal/endpoint"
	"github.com/pacsync/server/internal/pool"
	"github.com/pacsync/server/internal/state"
)

// watchdogTimeout returns the in_progress timeout for an operation type.
func watchdogTimeout(t domain.OperationType) time.Duration {
	switch t {
	case domain.OperationSetLatest:
		return 2 * time.Minute
	default:
		return 30 * time.Minute
	}
}

// Broadcaster publishes operation lifecycle and progress events on an
// endpoint's event channel. Implemented by internal/wsevents; nil is a
// valid no-op broadcaster for callers that don't need it (tests).
type Broadcaster interface {
	Broadcast(endpointID string, eventType string, payload interface{})
}

// Store persists sync operations.
type Store interface {
	Create(ctx context.Context, op *domain.SyncOperation) error
	Get(ctx context.Context, id string) (*domain.SyncOperation, error)
	Update(ctx context.Context, op *domain.SyncOperation) error
	ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]*domain.SyncOperation, error)
	ListByPool(ctx context.Context, poolID string, limit int) ([]*domain.SyncOperation, error)
	ListInProgress(ctx context.Context) ([]*domain.SyncOperation, error)
}

// MemoryStore is an in-process Store backing database.type=internal. It
// also tracks each endpoint's pending queue and the moment an operation
// entered in_progress, bookkeeping the domain model itself has no room for.
type MemoryStore struct {
	mu          sync.Mutex
	ops         map[string]*domain.SyncOperation
	pendingByEP map[string][]string
	startedAt   map[string]time.Time
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ops:         make(map[string]*domain.SyncOperation),
		pendingByEP: make(map[string][]string),
		startedAt:   make(map[string]time.Time),
	}
}

func (s *MemoryStore) Create(ctx context.Context, op *domain.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*domain.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	op, ok := s.ops[id]
	if !ok {
		return nil, svcerrors.NotFound("sync_operation", id)
	}
	cp := *op
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, op *domain.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.ID]; !ok {
		return svcerrors.NotFound("sync_operation", op.ID)
	}
	cp := *op
	s.ops[op.ID] = &cp
	return nil
}

func (s *MemoryStore) ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]*domain.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*domain.SyncOperation, 0)
	for _, op := range s.ops {
		if op.EndpointID != endpointID {
			continue
		}
		cp := *op
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListByPool(ctx context.Context, poolID string, limit int) ([]*domain.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*domain.SyncOperation, 0)
	for _, op := range s.ops {
		if op.PoolID != poolID {
			continue
		}
		cp := *op
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemoryStore) ListInProgress(ctx context.Context) ([]*domain.SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := make([]*domain.SyncOperation, 0)
	for _, op := range s.ops {
		if op.Status != domain.OperationInProgress {
			continue
		}
		cp := *op
		result = append(result, &cp)
	}
	return result, nil
}

// enqueue appends an operation id to its endpoint's pending queue.
func (s *MemoryStore) enqueue(endpointID, opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingByEP[endpointID] = append(s.pendingByEP[endpointID], opID)
}

// dequeue pops the next pending op id for an endpoint, FIFO.
func (s *MemoryStore) dequeue(endpointID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.pendingByEP[endpointID]
	if len(q) == 0 {
		return "", false
	}
	s.pendingByEP[endpointID] = q[1:]
	return q[0], true
}

// hasInProgress reports whether the endpoint already has an in_progress op.
func (s *MemoryStore) hasInProgress(ctx context.Context, endpointID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range s.ops {
		if op.EndpointID == endpointID && op.Status == domain.OperationInProgress {
			return true
		}
	}
	return false
}

func (s *MemoryStore) markStarted(opID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedAt[opID] = time.Now().UTC()
}

func (s *MemoryStore) startedSince(opID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.startedAt[opID]
	return t, ok
}

func requireSelfOrAdmin(principal auth.Principal, endpointID string) error {
	if principal.IsAdmin || principal.EndpointID == endpointID {
		return nil
	}
	return svcerrors.Forbidden("operation restricted to the endpoint itself or an admin")
}

// Service implements the sync operation state machine.
type Service struct {
	store       *MemoryStore
	endpoints   *endpoint.Service
	pools       *pool.Service
	states      *state.Service
	broadcaster Broadcaster
	cron        *cron.Cron
}

// NewService builds a Service. broadcaster may be nil. The watchdog sweep is
// started separately by StartWatchdog.
func NewService(store *MemoryStore, endpoints *endpoint.Service, pools *pool.Service, states *state.Service, broadcaster Broadcaster) *Service {
	s := &Service{
		store:       store,
		endpoints:   endpoints,
		pools:       pools,
		states:      states,
		broadcaster: broadcaster,
	}
	return s
}

// StartWatchdog launches a cron-driven sweep that fails operations stuck
// in_progress past their type's timeout. Call once per process.
func (s *Service) StartWatchdog() {
	s.cron = cron.New()
	s.cron.AddFunc("@every 1m", s.sweepTimeouts)
	s.cron.Start()
}

// StopWatchdog halts the sweep, for graceful shutdown.
func (s *Service) StopWatchdog() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Service) sweepTimeouts() {
	ctx := context.Background()
	ops, err := s.store.ListInProgress(ctx)
	if err != nil {
		return
	}
	for _, op := range ops {
		started, ok := s.store.startedSince(op.ID)
		if !ok {
			continue
		}
		if time.Since(started) > watchdogTimeout(op.Type) {
			_ = s.fail(ctx, op, "timeout")
		}
	}
}

func (s *Service) emit(endpointID, eventType string, op *domain.SyncOperation) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(endpointID, eventType, op)
}

// submit creates a pending operation for the endpoint and attempts an
// immediate pickup if the endpoint has no in_progress operation.
func (s *Service) submit(ctx context.Context, endpointID string, opType domain.OperationType, stateID string) (*domain.SyncOperation, error) {
	e, err := s.endpoints.Get(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if e.PoolID == nil {
		return nil, svcerrors.InvalidInput("endpoint_id", "endpoint must belong to a pool")
	}

	op := &domain.SyncOperation{
		ID:         uuid.NewString(),
		PoolID:     *e.PoolID,
		EndpointID: endpointID,
		Type:       opType,
		Status:     domain.OperationPending,
		Details:    domain.OperationDetails{StateID: stateID},
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.Create(ctx, op); err != nil {
		return nil, svcerrors.Persistence("create sync operation", err)
	}
	s.store.enqueue(endpointID, op.ID)
	s.tryPickup(ctx, endpointID)

	fresh, err := s.store.Get(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// tryPickup promotes the next pending operation for an endpoint to
// in_progress if none is currently in flight.
func (s *Service) tryPickup(ctx context.Context, endpointID string) {
	if s.store.hasInProgress(ctx, endpointID) {
		return
	}
	opID, ok := s.store.dequeue(endpointID)
	if !ok {
		return
	}
	op, err := s.store.Get(ctx, opID)
	if err != nil || op.Status != domain.OperationPending {
		return
	}
	op.Status = domain.OperationInProgress
	if err := s.store.Update(ctx, op); err != nil {
		return
	}
	s.store.markStarted(op.ID)
	s.emit(endpointID, "operation_started", op)
}

// SyncToLatest converges an endpoint to its pool's current target state.
func (s *Service) SyncToLatest(ctx context.Context, principal auth.Principal, endpointID string) (*domain.SyncOperation, error) {
	if err := requireSelfOrAdmin(principal, endpointID); err != nil {
		return nil, err
	}
	e, err := s.endpoints.Get(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if e.PoolID == nil {
		return nil, svcerrors.InvalidInput("endpoint_id", "endpoint must belong to a pool")
	}
	p, err := s.pools.Get(ctx, *e.PoolID)
	if err != nil {
		return nil, err
	}
	if p.TargetStateID == nil {
		return nil, svcerrors.TargetNotSet(p.ID)
	}
	return s.submit(ctx, endpointID, domain.OperationSync, *p.TargetStateID)
}

// SetAsLatest designates the endpoint's most recently reported state as its
// pool's target.
func (s *Service) SetAsLatest(ctx context.Context, principal auth.Principal, endpointID string) (*domain.SyncOperation, error) {
	if err := requireSelfOrAdmin(principal, endpointID); err != nil {
		return nil, err
	}
	e, err := s.endpoints.Get(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if e.PoolID == nil {
		return nil, svcerrors.InvalidInput("endpoint_id", "endpoint must belong to a pool")
	}
	states, err := s.states.ListByEndpoint(ctx, endpointID, 1)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, svcerrors.InvalidInput("endpoint_id", "endpoint has not reported any state yet")
	}
	latest := states[0]
	if err := s.states.SetTarget(ctx, *e.PoolID, latest.ID); err != nil {
		return nil, err
	}
	return s.submit(ctx, endpointID, domain.OperationSetLatest, latest.ID)
}

// RevertToPrevious converges an endpoint to its own second-most-recent
// state snapshot.
func (s *Service) RevertToPrevious(ctx context.Context, principal auth.Principal, endpointID string) (*domain.SyncOperation, error) {
	if err := requireSelfOrAdmin(principal, endpointID); err != nil {
		return nil, err
	}
	e, err := s.endpoints.Get(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	if e.PoolID == nil {
		return nil, svcerrors.InvalidInput("endpoint_id", "endpoint must belong to a pool")
	}
	history, err := s.states.ListByEndpoint(ctx, endpointID, 2)
	if err != nil {
		return nil, err
	}
	if len(history) < 2 {
		return nil, svcerrors.InvalidInput("endpoint_id", "endpoint has no prior state to revert to")
	}
	previous := history[1]
	return s.submit(ctx, endpointID, domain.OperationRevert, previous.ID)
}

// Get returns an operation by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.SyncOperation, error) {
	return s.store.Get(ctx, id)
}

// ListByEndpoint returns an endpoint's operations, newest first.
func (s *Service) ListByEndpoint(ctx context.Context, endpointID string, limit int) ([]*domain.SyncOperation, error) {
	return s.store.ListByEndpoint(ctx, endpointID, limit)
}

// ListByPool returns a pool's operations across all members, newest first.
func (s *Service) ListByPool(ctx context.Context, poolID string, limit int) ([]*domain.SyncOperation, error) {
	return s.store.ListByPool(ctx, poolID, limit)
}

// ReportProgress records a progress update from the endpoint executing an
// in_progress operation.
func (s *Service) ReportProgress(ctx context.Context, principal auth.Principal, opID, stage string, percentage int, currentAction string) (*domain.SyncOperation, error) {
	op, err := s.store.Get(ctx, opID)
	if err != nil {
		return nil, err
	}
	if err := requireSelfOrAdmin(principal, op.EndpointID); err != nil {
		return nil, err
	}
	if op.Status != domain.OperationInProgress {
		return nil, svcerrors.Conflict("operation is not in progress")
	}
	op.Details.Stage = stage
	op.Details.Percentage = percentage
	op.Details.CurrentAction = currentAction
	if err := s.store.Update(ctx, op); err != nil {
		return nil, svcerrors.Persistence("update sync operation progress", err)
	}
	s.emit(op.EndpointID, "operation_progress", op)
	return op, nil
}

// Complete marks an in_progress operation as completed and picks up the
// endpoint's next queued operation, if any.
func (s *Service) Complete(ctx context.Context, principal auth.Principal, opID string) (*domain.SyncOperation, error) {
	op, err := s.store.Get(ctx, opID)
	if err != nil {
		return nil, err
	}
	if err := requireSelfOrAdmin(principal, op.EndpointID); err != nil {
		return nil, err
	}
	if op.Status != domain.OperationInProgress {
		return nil, svcerrors.Conflict("operation is not in progress")
	}
	now := time.Now().UTC()
	op.Status = domain.OperationCompleted
	op.CompletedAt = &now
	if err := s.store.Update(ctx, op); err != nil {
		return nil, svcerrors.Persistence("complete sync operation", err)
	}
	s.emit(op.EndpointID, "operation_completed", op)
	s.tryPickup(ctx, op.EndpointID)
	return op, nil
}

// Fail marks an in_progress operation as failed with the given message and
// picks up the endpoint's next queued operation, if any.
func (s *Service) Fail(ctx context.Context, principal auth.Principal, opID, errorMessage string) (*domain.SyncOperation, error) {
	op, err := s.store.Get(ctx, opID)
	if err != nil {
		return nil, err
	}
	if err := requireSelfOrAdmin(principal, op.EndpointID); err != nil {
		return nil, err
	}
	if op.Status != domain.OperationInProgress {
		return nil, svcerrors.Conflict("operation is not in progress")
	}
	if err := s.fail(ctx, op, errorMessage); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Service) fail(ctx context.Context, op *domain.SyncOperation, errorMessage string) error {
	now := time.Now().UTC()
	op.Status = domain.OperationFailed
	op.ErrorMessage = errorMessage
	op.CompletedAt = &now
	if err := s.store.Update(ctx, op); err != nil {
		return svcerrors.Persistence("fail sync operation", err)
	}
	s.emit(op.EndpointID, "operation_failed", op)
	s.tryPickup(ctx, op.EndpointID)
	return nil
}

// Cancel transitions a pending operation to failed("cancelled"). An
// operation already in_progress cannot be cancelled from the server side.
func (s *Service) Cancel(ctx context.Context, principal auth.Principal, opID string) (*domain.SyncOperation, error) {
	op, err := s.store.Get(ctx, opID)
	if err != nil {
		return nil, err
	}
	if err := requireSelfOrAdmin(principal, op.EndpointID); err != nil {
		return nil, err
	}
	if op.Status != domain.OperationPending {
		return nil, svcerrors.OperationNotCancelable(op.ID, string(op.Status))
	}
	now := time.Now().UTC()
	op.Status = domain.OperationFailed
	op.ErrorMessage = "cancelled"
	op.CompletedAt = &now
	if err := s.store.Update(ctx, op); err != nil {
		return nil, svcerrors.Persistence("cancel sync operation", err)
	}
	s.emit(op.EndpointID, "operation_cancelled", op)
	return op, nil
}
