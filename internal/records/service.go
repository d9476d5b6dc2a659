// Package records is the read/write façade views use for one entity family. It hides whether a write goes
// straight to the backend or through the local mutation queue.
package records

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/cache"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/debounce"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/events"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/tempid"
	"go.uber.org/zap"
)

// Mode selects how writes reach the backend.
type Mode string

const (
	// ModeOfflineFirst writes locally and queues a mutation; the sync engine replays it later.
	ModeOfflineFirst Mode = "offline_first"
	// ModeDirect calls the backend synchronously and fails when it cannot.
	ModeDirect Mode = "direct"
)

// DefaultInvalidationWindow batches sync-driven invalidation broadcasts.
const DefaultInvalidationWindow = time.Second

const (
	opServiceNew = "records.service.new"
	opGet        = "records.get"
	opList       = "records.list_by_service"
	opCreate     = "records.create"
	opUpdate     = "records.update"
	opDelete     = "records.delete"
	opSettle     = "records.settle"

	reasonSyncComplete = "sync_complete"
	listCacheID        = "list"
	recordCacheScope   = "record"
)

var (
	noOpLogger = zap.NewNop()
	// errRemoteRead marks a failed backend read so it is retried instead of memoized as missing.
	errRemoteRead = errors.New("records: backend read failed")
	// errReadOffline keeps a miss taken while offline out of the request cache so the next online read asks the backend.
	errReadOffline = errors.New("records: not on device and backend unreachable")
)

// Remote is the slice of the backend client the façade calls.
type Remote interface {
	Do(ctx context.Context, request remote.Request) (remote.Response, error)
	GetRow(ctx context.Context, endpoint string) (map[string]any, bool, error)
	GetRows(ctx context.Context, endpoint string) ([]map[string]any, error)
}

// TempIDs mints temp ids and resolves them once synced.
type TempIDs interface {
	Generate(prefix string) string
	RealID(ctx context.Context, tempID string) (string, bool, error)
	TempID(ctx context.Context, realID string) (string, bool, error)
}

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

// Publisher fans out invalidation notices.
type Publisher interface {
	Publish(topic string, payload any)
}

// Recorder counts queued mutations.
type Recorder interface {
	RecordEnqueued(entityType, mutationType string)
}

// Scheduler is asked for a sync pass after a write is queued.
type Scheduler interface {
	Trigger()
}

// RefreshObserver is handed every batch of rows freshly read from the backend for a family.
type RefreshObserver interface {
	RowsRefreshed(ctx context.Context, family string, rows []map[string]any)
}

// Config wires a Service.
type Config struct {
	Family             Family
	Store              *store.Store
	Cache              cache.Cache
	Remote             Remote
	TempIDs            TempIDs
	Connectivity       Connectivity
	Events             Publisher
	Metrics            Recorder
	Scheduler          Scheduler
	Mode               Mode
	InvalidationWindow time.Duration
	Clock              func() time.Time
	Logger             *zap.Logger
}

// Service is the façade for one family.
type Service struct {
	family       Family
	store        *store.Store
	cache        cache.Cache
	remote       Remote
	tempIDs      TempIDs
	connectivity Connectivity
	publisher    Publisher
	metrics      Recorder
	scheduler    Scheduler
	mode         Mode
	clock        func() time.Time
	logger       *zap.Logger

	records       *cache.Resolver[*Record]
	lists         *cache.Resolver[[]map[string]any]
	invalidations *debounce.Coalescer[events.Invalidation]

	refreshMu        sync.RWMutex
	refreshObservers []RefreshObserver
}

// New constructs a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Family.Name == "" || cfg.Family.IDField == "" {
		return nil, newServiceError(opServiceNew, "missing_family", errMissingFamily)
	}
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.TempIDs == nil {
		return nil, newServiceError(opServiceNew, "missing_temp_ids", errMissingTempIDs)
	}

	backing := cfg.Cache
	if backing == nil {
		backing = cache.NewMemory(cache.DefaultTTL)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	mode := cfg.Mode
	if mode == "" {
		mode = ModeOfflineFirst
	}
	window := cfg.InvalidationWindow
	if window <= 0 {
		window = DefaultInvalidationWindow
	}

	recordResolver, err := cache.NewResolver[*Record](backing)
	if err != nil {
		return nil, newServiceError(opServiceNew, "resolver_failed", err)
	}
	listResolver, err := cache.NewResolver[[]map[string]any](backing)
	if err != nil {
		return nil, newServiceError(opServiceNew, "resolver_failed", err)
	}

	service := &Service{
		family:       cfg.Family,
		store:        cfg.Store,
		cache:        backing,
		remote:       cfg.Remote,
		tempIDs:      cfg.TempIDs,
		connectivity: cfg.Connectivity,
		publisher:    cfg.Events,
		metrics:      cfg.Metrics,
		scheduler:    cfg.Scheduler,
		mode:         mode,
		clock:        clock,
		logger:       logger.With(zap.String("family", cfg.Family.Name)),
		records:      recordResolver,
		lists:        listResolver,
	}
	service.invalidations = debounce.New(window, mergeInvalidations, service.broadcast)
	return service, nil
}

// Family reports the schema the service serves.
func (s *Service) Family() Family {
	return s.family
}

// AddRefreshObserver registers o for rows read from the backend.
func (s *Service) AddRefreshObserver(o RefreshObserver) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()
	s.refreshObservers = append(s.refreshObservers, o)
}

func (s *Service) notifyRefreshed(ctx context.Context, rows []map[string]any) {
	if len(rows) == 0 {
		return
	}
	s.refreshMu.RLock()
	observers := append([]RefreshObserver(nil), s.refreshObservers...)
	s.refreshMu.RUnlock()
	for _, observer := range observers {
		observer.RowsRefreshed(ctx, s.family.Name, rows)
	}
}

// Close drops any pending invalidation broadcast.
func (s *Service) Close() {
	s.invalidations.Stop()
}

// FlushInvalidations broadcasts a pending invalidation now.
func (s *Service) FlushInvalidations() {
	s.invalidations.Flush()
}

// Get returns the record with id, or nil when neither the device nor the backend has it.
// A temp id that has since synced resolves to the real record.
func (s *Service) Get(ctx context.Context, id string) (*Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}
	id = s.resolveID(ctx, id)

	record, err := s.records.Resolve(ctx, s.recordKey(id), func(loadCtx context.Context) (*Record, error) {
		return s.lookup(loadCtx, id)
	})
	if errors.Is(err, errRemoteRead) || errors.Is(err, errReadOffline) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		s.logError(opGet, "lookup_failed", err, zap.String("record_id", id))
		return nil, newServiceError(opGet, "lookup_failed", err)
	}
	return record.Clone(), nil
}

func (s *Service) lookup(ctx context.Context, id string) (*Record, error) {
	local, err := s.loadLocal(ctx, s.store, id)
	if err != nil || local != nil {
		return local, err
	}
	if tempid.IsTemp(id) {
		return nil, nil
	}
	if !s.canReachRemote() {
		return nil, errReadOffline
	}

	row, found, err := s.remote.GetRow(ctx, s.family.KeyedEndpoint(id))
	if err != nil {
		s.logger.Warn("backend read failed", zap.String("record_id", id), zap.Error(err))
		return nil, errRemoteRead
	}
	if !found {
		return nil, nil
	}
	s.notifyRefreshed(ctx, []map[string]any{row})
	record, ok := recordFromRow(s.family, row, "")
	if !ok {
		return nil, nil
	}
	// The resolver is filling this key right now, so write without invalidating it.
	if err := s.putLocal(ctx, s.store, record); err != nil {
		return nil, err
	}
	return record, nil
}

// ListByService returns the family's records for serviceID. When the backend is reachable its rows are merged in
// first; placeholders and unsynced local edits survive the merge.
func (s *Service) ListByService(ctx context.Context, serviceID string) ([]*Record, error) {
	serviceID = strings.TrimSpace(serviceID)
	if serviceID == "" {
		return nil, nil
	}

	if s.canReachRemote() {
		rows, err := s.lists.Resolve(ctx, s.listKey(serviceID), func(loadCtx context.Context) ([]map[string]any, error) {
			rows, err := s.remote.GetRows(loadCtx, s.family.ServiceEndpoint(serviceID))
			if err != nil {
				return nil, err
			}
			s.notifyRefreshed(loadCtx, rows)
			return rows, nil
		})
		switch {
		case err != nil && ctx.Err() != nil:
			return nil, ctx.Err()
		case err != nil:
			s.logger.Warn("refresh failed, serving local records", zap.String("service_id", serviceID), zap.Error(err))
		default:
			if err := s.mergeRefresh(ctx, serviceID, rows); err != nil {
				s.logError(opList, "merge_failed", err, zap.String("service_id", serviceID))
				return nil, newServiceError(opList, "merge_failed", err)
			}
		}
	}

	records, err := s.localList(ctx, serviceID)
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("service_id", serviceID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return records, nil
}

func (s *Service) mergeRefresh(ctx context.Context, serviceID string, rows []map[string]any) error {
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		incoming, ok := recordFromRow(s.family, row, serviceID)
		if !ok {
			continue
		}
		seen[incoming.ID] = struct{}{}

		queued, err := s.queueState(ctx, incoming.ID)
		if err != nil {
			return err
		}
		if queued.deleting {
			continue
		}

		local, err := s.loadLocal(ctx, s.store, incoming.ID)
		if err != nil {
			return err
		}
		adopted := false
		if local == nil {
			local, err = s.adoptPlaceholder(ctx, incoming.ID)
			if err != nil {
				return err
			}
			adopted = local != nil
		}

		outcome := resolveRefresh(local, incoming, queued.pending)
		if outcome.Conflict {
			s.logger.Info("unsynced local edit kept over newer server row",
				zap.String("record_id", incoming.ID),
				zap.Int64("local_updated_at_ms", local.UpdatedAt))
		}
		if !outcome.Accepted && !adopted {
			continue
		}
		if err := s.saveLocal(ctx, s.store, outcome.Record); err != nil {
			return err
		}
	}

	locals, err := s.localList(ctx, serviceID)
	if err != nil {
		return err
	}
	for _, local := range locals {
		if _, ok := seen[local.ID]; ok || local.LocalOnly || local.LocalUpdate || tempid.IsTemp(local.ID) {
			continue
		}
		queued, err := s.queueState(ctx, local.ID)
		if err != nil {
			return err
		}
		if queued.pending {
			continue
		}
		if err := s.store.Delete(ctx, store.CollectionRecords, s.docKey(local.ID)); err != nil {
			return err
		}
		s.cache.Invalidate(s.recordKey(local.ID))
	}
	return nil
}

// adoptPlaceholder re-keys a placeholder whose CREATE synced while its settle notice was missed.
func (s *Service) adoptPlaceholder(ctx context.Context, realID string) (*Record, error) {
	tempID, found, err := s.tempIDs.TempID(ctx, realID)
	if err != nil || !found {
		return nil, err
	}
	placeholder, err := s.loadLocal(ctx, s.store, tempID)
	if err != nil || placeholder == nil {
		return nil, err
	}
	if err := s.store.Delete(ctx, store.CollectionRecords, s.docKey(tempID)); err != nil {
		return nil, err
	}
	s.cache.Invalidate(s.recordKey(tempID))

	placeholder.ID = realID
	placeholder.Fields[s.family.IDField] = idValue(realID)
	placeholder.LocalOnly = false
	placeholder.Syncing = false
	return placeholder, nil
}

func (s *Service) localList(ctx context.Context, serviceID string) ([]*Record, error) {
	documents, err := s.store.QueryByIndex(ctx, store.CollectionRecords, store.IndexServiceID, serviceID)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(documents))
	for _, document := range documents {
		if document.EntityType != s.family.Name {
			continue
		}
		var record Record
		if err := document.Decode(&record); err != nil {
			return nil, err
		}
		records = append(records, &record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].UpdatedAt < records[j].UpdatedAt
	})
	return records, nil
}

type queueState struct {
	pending  bool
	updating bool
	deleting bool
	create   *store.PendingMutation
}

func (s *Service) queueState(ctx context.Context, id string) (queueState, error) {
	mutations, err := s.store.MutationsForEntity(ctx, id)
	if err != nil {
		return queueState{}, err
	}
	var state queueState
	for index := range mutations {
		mutation := &mutations[index]
		state.pending = true
		switch mutation.Type {
		case store.MutationUpdate:
			state.updating = true
		case store.MutationDelete:
			state.deleting = true
		case store.MutationCreate:
			state.create = mutation
		}
	}
	return state, nil
}

func (s *Service) loadLocal(ctx context.Context, st *store.Store, id string) (*Record, error) {
	var record Record
	found, err := st.Get(ctx, store.CollectionRecords, s.docKey(id), &record)
	if err != nil || !found {
		return nil, err
	}
	if record.EntityType != s.family.Name {
		return nil, nil
	}
	return &record, nil
}

func (s *Service) saveLocal(ctx context.Context, st *store.Store, record *Record) error {
	if err := s.putLocal(ctx, st, record); err != nil {
		return err
	}
	s.cache.Invalidate(s.recordKey(record.ID))
	return nil
}

func (s *Service) putLocal(ctx context.Context, st *store.Store, record *Record) error {
	record.EntityType = s.family.Name
	record.UpdatedAt = s.clock().UTC().UnixMilli()
	return st.Put(ctx, store.CollectionRecords, s.docKey(record.ID), record, record.indexes())
}

// resolveID maps a synced temp id to its real id.
func (s *Service) resolveID(ctx context.Context, id string) string {
	if !tempid.IsTemp(id) {
		return id
	}
	realID, found, err := s.tempIDs.RealID(ctx, id)
	if err != nil {
		s.logger.Warn("temp id lookup failed", zap.String("temp_id", id), zap.Error(err))
		return id
	}
	if found {
		return realID
	}
	return id
}

func (s *Service) canReachRemote() bool {
	if s.remote == nil {
		return false
	}
	return s.connectivity == nil || s.connectivity.Online()
}

// docKey namespaces ids per family; real ids of different families may collide.
func (s *Service) docKey(id string) string {
	return s.family.Name + ":" + id
}

func (s *Service) recordKey(id string) cache.Key {
	return cache.Key{Scope: recordCacheScope, Kind: s.family.Name, ID: id}
}

func (s *Service) listKey(serviceID string) cache.Key {
	return cache.Key{Scope: serviceID, Kind: s.family.Name, ID: listCacheID}
}

func (s *Service) broadcast(invalidation events.Invalidation) {
	if s.publisher == nil {
		return
	}
	s.publisher.Publish(events.TopicCacheInvalidated, invalidation)
}

func mergeInvalidations(pending, next events.Invalidation) events.Invalidation {
	if pending.ServiceID != next.ServiceID {
		pending.ServiceID = ""
	}
	if pending.Reason != next.Reason {
		pending.Reason = reasonSyncComplete
	}
	return pending
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("records service error", attrs...)
}
