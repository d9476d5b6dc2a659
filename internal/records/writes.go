package records

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/tempid"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Create stores a new record. Offline-first it returns a temp-id placeholder at once and queues the CREATE;
// in direct mode it returns the row the backend created.
func (s *Service) Create(ctx context.Context, fields map[string]any) (*Record, error) {
	if err := s.family.Validate(fields, false); err != nil {
		return nil, newServiceError(opCreate, "invalid_payload", err)
	}
	serviceID, err := serviceIDOf(fields)
	if err != nil {
		return nil, newServiceError(opCreate, "invalid_payload", err)
	}
	payload := copyFields(fields)

	if s.mode == ModeDirect {
		return s.createDirect(ctx, serviceID, payload)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newServiceError(opCreate, "encode_failed", err)
	}
	dependencies, err := s.dependenciesFor(ctx, payload)
	if err != nil {
		s.logError(opCreate, "dependency_lookup_failed", err)
		return nil, newServiceError(opCreate, "dependency_lookup_failed", err)
	}

	tempID := s.tempIDs.Generate(s.family.TempPrefix)
	placeholder := &Record{
		ID:        tempID,
		ServiceID: serviceID,
		Fields:    copyFields(payload),
		LocalOnly: true,
		Syncing:   true,
	}
	placeholder.Fields[s.family.IDField] = tempID

	err = s.store.WithinTx(ctx, func(tx *store.Store) error {
		if err := s.saveLocal(ctx, tx, placeholder); err != nil {
			return err
		}
		_, err := tx.AddPendingRequest(ctx, &store.PendingMutation{
			Type:         store.MutationCreate,
			EntityType:   s.family.Name,
			ServiceID:    serviceID,
			TempID:       tempID,
			IDField:      s.family.IDField,
			Endpoint:     s.family.RecordsEndpoint(),
			Method:       http.MethodPost,
			Data:         body,
			Dependencies: dependencies,
			Priority:     store.PriorityHigh,
		})
		return err
	})
	if err != nil {
		s.logError(opCreate, "enqueue_failed", err, zap.String("temp_id", tempID))
		return nil, newServiceError(opCreate, "enqueue_failed", err)
	}

	s.afterWrite(serviceID, tempID, store.MutationCreate)
	return placeholder.Clone(), nil
}

func (s *Service) createDirect(ctx context.Context, serviceID string, payload map[string]any) (*Record, error) {
	if !s.canReachRemote() {
		return nil, newServiceError(opCreate, "offline", errDirectOffline)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, newServiceError(opCreate, "encode_failed", err)
	}
	response, err := s.remote.Do(ctx, remote.Request{
		Method:   http.MethodPost,
		Endpoint: s.family.RecordsEndpoint(),
		Body:     body,
	})
	if err != nil {
		s.logError(opCreate, "remote_failed", err)
		return nil, newServiceError(opCreate, "remote_failed", err)
	}

	rows, err := remote.DecodeRows(response.Body)
	if err != nil || len(rows) == 0 {
		if err == nil {
			err = errors.New("empty create response")
		}
		s.logError(opCreate, "decode_failed", err)
		return nil, newServiceError(opCreate, "decode_failed", err)
	}
	merged := copyFields(payload)
	for name, value := range rows[0] {
		merged[name] = value
	}
	record, ok := recordFromRow(s.family, merged, serviceID)
	if !ok {
		err := fmt.Errorf("create response has no %s", s.family.IDField)
		s.logError(opCreate, "missing_server_id", err)
		return nil, newServiceError(opCreate, "missing_server_id", err)
	}
	if err := s.saveLocal(ctx, s.store, record); err != nil {
		s.logError(opCreate, "cache_write_failed", err, zap.String("record_id", record.ID))
		return nil, newServiceError(opCreate, "cache_write_failed", err)
	}
	s.cache.Invalidate(s.listKey(serviceID))
	return record.Clone(), nil
}

// Update applies patch to the record with id. A temp id whose CREATE is still queued has the patch folded into
// that CREATE; a real id gets a queued UPDATE and a cached copy flagged as locally updated.
func (s *Service) Update(ctx context.Context, id string, patch map[string]any) (*Record, error) {
	if err := s.family.Validate(patch, true); err != nil {
		return nil, newServiceError(opUpdate, "invalid_payload", err)
	}
	id = s.resolveID(ctx, strings.TrimSpace(id))

	local, err := s.loadForWrite(ctx, id)
	if err != nil {
		s.logError(opUpdate, "lookup_failed", err, zap.String("record_id", id))
		return nil, newServiceError(opUpdate, "lookup_failed", err)
	}
	if local == nil {
		return nil, newServiceError(opUpdate, "not_found", ErrNotFound)
	}
	changes := copyFields(patch)

	if tempid.IsTemp(id) {
		return s.updatePlaceholder(ctx, local, changes)
	}
	if s.mode == ModeDirect {
		return s.updateDirect(ctx, local, changes)
	}
	return s.queueUpdate(ctx, local, changes, nil)
}

func (s *Service) updatePlaceholder(ctx context.Context, local *Record, changes map[string]any) (*Record, error) {
	err := s.store.UpdatePendingRequestData(ctx, local.ID, changes)
	switch {
	case err == nil:
		local.merge(changes)
		if err := s.saveLocal(ctx, s.store, local); err != nil {
			s.logError(opUpdate, "cache_write_failed", err, zap.String("temp_id", local.ID))
			return nil, newServiceError(opUpdate, "cache_write_failed", err)
		}
		s.afterWrite(local.ServiceID, local.ID, "")
		return local.Clone(), nil
	case errors.Is(err, store.ErrMutationNotPending):
		// The CREATE is on the wire; chain an UPDATE behind it and let the engine rewrite the temp id.
		create, lookupErr := s.store.PendingCreateFor(ctx, local.ID)
		if lookupErr != nil {
			s.logError(opUpdate, "dependency_lookup_failed", lookupErr, zap.String("temp_id", local.ID))
			return nil, newServiceError(opUpdate, "dependency_lookup_failed", lookupErr)
		}
		var dependencies []string
		if create != nil {
			dependencies = append(dependencies, create.ID)
		}
		return s.queueUpdate(ctx, local, changes, dependencies)
	case errors.Is(err, store.ErrNotFound):
		// The CREATE may have synced and been pruned since the id was resolved.
		if _, synced, lookupErr := s.tempIDs.RealID(ctx, local.ID); lookupErr == nil && synced {
			return s.queueUpdate(ctx, local, changes, nil)
		}
		return nil, newServiceError(opUpdate, "not_found", ErrNotFound)
	default:
		s.logError(opUpdate, "patch_failed", err, zap.String("temp_id", local.ID))
		return nil, newServiceError(opUpdate, "patch_failed", err)
	}
}

func (s *Service) queueUpdate(ctx context.Context, local *Record, changes map[string]any, dependencies []string) (*Record, error) {
	fieldDependencies, err := s.dependenciesFor(ctx, changes)
	if err != nil {
		s.logError(opUpdate, "dependency_lookup_failed", err, zap.String("record_id", local.ID))
		return nil, newServiceError(opUpdate, "dependency_lookup_failed", err)
	}
	dependencies = append(dependencies, fieldDependencies...)

	queuedID := local.ID
	err = s.store.WithinTx(ctx, func(tx *store.Store) error {
		target, err := s.adoptSettledIDs(ctx, tx, local, changes)
		if err != nil {
			return err
		}
		body, err := json.Marshal(changes)
		if err != nil {
			return err
		}
		target.merge(changes)
		target.LocalUpdate = true
		if err := s.saveLocal(ctx, tx, target); err != nil {
			return err
		}
		queuedID = target.ID
		local = target
		_, err = tx.AddPendingRequest(ctx, &store.PendingMutation{
			Type:         store.MutationUpdate,
			EntityType:   s.family.Name,
			EntityKey:    target.ID,
			ServiceID:    target.ServiceID,
			IDField:      s.family.IDField,
			Endpoint:     s.family.KeyedEndpoint(target.ID),
			Method:       http.MethodPut,
			Data:         body,
			Dependencies: dependencies,
		})
		return err
	})
	if err != nil {
		s.logError(opUpdate, "enqueue_failed", err, zap.String("record_id", queuedID))
		return nil, newServiceError(opUpdate, "enqueue_failed", err)
	}

	s.afterWrite(local.ServiceID, queuedID, store.MutationUpdate)
	return local.Clone(), nil
}

// adoptSettledIDs re-checks, inside the enqueue transaction, the temp ids the write was planned against. A CREATE
// that settled after the dependency lookup has already had its queued references rewritten, so the new mutation
// must carry the real id itself. It returns the record the update applies to.
func (s *Service) adoptSettledIDs(ctx context.Context, tx *store.Store, local *Record, changes map[string]any) (*Record, error) {
	for name, value := range changes {
		reference, ok := value.(string)
		if !ok || !tempid.IsTemp(reference) {
			continue
		}
		realID, found, err := tx.RealIDFor(ctx, reference)
		if err != nil {
			return nil, err
		}
		if found {
			changes[name] = idValue(realID)
		}
	}

	if !tempid.IsTemp(local.ID) {
		return local, nil
	}
	realID, found, err := tx.RealIDFor(ctx, local.ID)
	if err != nil || !found {
		return local, err
	}

	tempID := local.ID
	if err := tx.Delete(ctx, store.CollectionRecords, s.docKey(tempID)); err != nil {
		return nil, err
	}
	s.cache.Invalidate(s.recordKey(tempID))

	target, err := s.loadLocal(ctx, tx, realID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		target = local.Clone()
		target.ID = realID
		target.Fields[s.family.IDField] = idValue(realID)
		target.LocalOnly = false
		target.Syncing = false
	}
	s.logger.Debug("update re-targeted to synced id",
		zap.String("temp_id", tempID),
		zap.String("real_id", realID))
	return target, nil
}

func (s *Service) updateDirect(ctx context.Context, local *Record, changes map[string]any) (*Record, error) {
	if !s.canReachRemote() {
		return nil, newServiceError(opUpdate, "offline", errDirectOffline)
	}
	body, err := json.Marshal(changes)
	if err != nil {
		return nil, newServiceError(opUpdate, "encode_failed", err)
	}
	if _, err := s.remote.Do(ctx, remote.Request{
		Method:   http.MethodPut,
		Endpoint: s.family.KeyedEndpoint(local.ID),
		Body:     body,
	}); err != nil {
		s.logError(opUpdate, "remote_failed", err, zap.String("record_id", local.ID))
		return nil, newServiceError(opUpdate, "remote_failed", err)
	}

	local.merge(changes)
	if err := s.saveLocal(ctx, s.store, local); err != nil {
		s.logError(opUpdate, "cache_write_failed", err, zap.String("record_id", local.ID))
		return nil, newServiceError(opUpdate, "cache_write_failed", err)
	}
	s.cache.Invalidate(s.listKey(local.ServiceID))
	return local.Clone(), nil
}

// Delete removes the record locally at once and queues the backend DELETE. A placeholder whose CREATE never
// left the device is dropped together with its queued mutations instead.
func (s *Service) Delete(ctx context.Context, id string) error {
	id = s.resolveID(ctx, strings.TrimSpace(id))
	if id == "" {
		return newServiceError(opDelete, "not_found", ErrNotFound)
	}

	local, err := s.loadLocal(ctx, s.store, id)
	if err != nil {
		s.logError(opDelete, "lookup_failed", err, zap.String("record_id", id))
		return newServiceError(opDelete, "lookup_failed", err)
	}
	serviceID := ""
	if local != nil {
		serviceID = local.ServiceID
	}

	var dependencies []string
	if tempid.IsTemp(id) {
		queued, err := s.queueState(ctx, id)
		if err != nil {
			s.logError(opDelete, "queue_lookup_failed", err, zap.String("temp_id", id))
			return newServiceError(opDelete, "queue_lookup_failed", err)
		}
		create := queued.create
		if create == nil || create.Status == store.StatusPending || create.Exhausted {
			return s.discardPlaceholder(ctx, id, serviceID)
		}
		dependencies = append(dependencies, create.ID)
	}

	if s.mode == ModeDirect && !tempid.IsTemp(id) {
		return s.deleteDirect(ctx, id, serviceID)
	}

	err = s.store.WithinTx(ctx, func(tx *store.Store) error {
		if err := tx.Delete(ctx, store.CollectionRecords, s.docKey(id)); err != nil {
			return err
		}
		_, err := tx.AddPendingRequest(ctx, &store.PendingMutation{
			Type:         store.MutationDelete,
			EntityType:   s.family.Name,
			EntityKey:    id,
			ServiceID:    serviceID,
			IDField:      s.family.IDField,
			Endpoint:     s.family.KeyedEndpoint(id),
			Method:       http.MethodDelete,
			Dependencies: dependencies,
		})
		return err
	})
	if err != nil {
		s.logError(opDelete, "enqueue_failed", err, zap.String("record_id", id))
		return newServiceError(opDelete, "enqueue_failed", err)
	}

	s.afterWrite(serviceID, id, store.MutationDelete)
	return nil
}

func (s *Service) discardPlaceholder(ctx context.Context, tempID, serviceID string) error {
	err := s.store.WithinTx(ctx, func(tx *store.Store) error {
		mutations, err := tx.MutationsForEntity(ctx, tempID)
		if err != nil {
			return err
		}
		for _, mutation := range mutations {
			if err := tx.DeleteMutation(ctx, mutation.ID); err != nil {
				return err
			}
		}
		return tx.Delete(ctx, store.CollectionRecords, s.docKey(tempID))
	})
	if err != nil {
		s.logError(opDelete, "discard_failed", err, zap.String("temp_id", tempID))
		return newServiceError(opDelete, "discard_failed", err)
	}
	s.logger.Debug("unsynced placeholder discarded", zap.String("temp_id", tempID))
	s.afterWrite(serviceID, tempID, "")
	return nil
}

func (s *Service) deleteDirect(ctx context.Context, id, serviceID string) error {
	if !s.canReachRemote() {
		return newServiceError(opDelete, "offline", errDirectOffline)
	}
	if _, err := s.remote.Do(ctx, remote.Request{
		Method:   http.MethodDelete,
		Endpoint: s.family.KeyedEndpoint(id),
	}); err != nil {
		s.logError(opDelete, "remote_failed", err, zap.String("record_id", id))
		return newServiceError(opDelete, "remote_failed", err)
	}
	if err := s.store.Delete(ctx, store.CollectionRecords, s.docKey(id)); err != nil {
		s.logError(opDelete, "cache_write_failed", err, zap.String("record_id", id))
		return newServiceError(opDelete, "cache_write_failed", err)
	}
	s.afterWrite(serviceID, id, "")
	return nil
}

// loadForWrite finds the record locally, falling back to the backend for real ids.
func (s *Service) loadForWrite(ctx context.Context, id string) (*Record, error) {
	if id == "" {
		return nil, nil
	}
	local, err := s.loadLocal(ctx, s.store, id)
	if err != nil || local != nil || tempid.IsTemp(id) {
		return local, err
	}
	fetched, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return fetched, nil
}

// dependenciesFor lists the queued CREATEs of every temp id the payload references.
func (s *Service) dependenciesFor(ctx context.Context, payload map[string]any) ([]string, error) {
	names := make([]string, 0, len(payload))
	for name := range payload {
		names = append(names, name)
	}
	sort.Strings(names)

	var dependencies []string
	for _, name := range names {
		reference, ok := payload[name].(string)
		if !ok || !tempid.IsTemp(reference) {
			continue
		}
		create, err := s.store.PendingCreateFor(ctx, reference)
		if err != nil {
			return nil, err
		}
		if create != nil {
			dependencies = append(dependencies, create.ID)
		}
	}
	return dependencies, nil
}

// afterWrite clears the narrowest cache entries a write touched and nudges the engine.
func (s *Service) afterWrite(serviceID, id string, queued store.MutationType) {
	s.cache.Invalidate(s.recordKey(id))
	if serviceID != "" {
		s.cache.Invalidate(s.listKey(serviceID))
	}
	if queued == "" {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEnqueued(s.family.Name, string(queued))
	}
	if s.scheduler != nil {
		s.scheduler.Trigger()
	}
}

func copyFields(fields map[string]any) map[string]any {
	copied := make(map[string]any, len(fields))
	for name, value := range fields {
		copied[name] = value
	}
	return copied
}
