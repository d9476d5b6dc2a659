package records

import (
	"context"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/events"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"go.uber.org/zap"
)

// MutationSettled folds a replayed mutation back into the local copy: a synced CREATE re-keys its placeholder to
// the real id, a synced UPDATE clears the local-update flag once nothing newer is queued.
func (s *Service) MutationSettled(ctx context.Context, event events.MutationEvent) {
	if event.EntityType != s.family.Name {
		return
	}
	for _, id := range []string{event.EntityKey, event.TempID, event.RealID} {
		if id != "" {
			s.cache.Invalidate(s.recordKey(id))
		}
	}
	if event.ServiceID != "" {
		s.cache.Invalidate(s.listKey(event.ServiceID))
	}

	var err error
	switch {
	case event.Status == string(store.StatusDone) && event.Type == string(store.MutationCreate):
		err = s.adoptCreate(ctx, event)
	case event.Status == string(store.StatusDone) && event.Type == string(store.MutationUpdate):
		err = s.settleUpdate(ctx, event.EntityKey)
	case event.Permanent && event.Type == string(store.MutationCreate):
		err = s.markStuck(ctx, event)
	}
	if err != nil {
		s.logError(opSettle, "local_update_failed", err,
			zap.String("mutation_id", event.MutationID),
			zap.String("record_id", event.EntityKey))
	}
}

// SyncCompleted schedules one debounced invalidation per touched service.
func (s *Service) SyncCompleted(ctx context.Context, complete events.SyncComplete) {
	if complete.EntityType != s.family.Name {
		return
	}
	if len(complete.ServiceIDs) == 0 {
		s.cache.ClearScope(recordCacheScope)
		s.invalidations.Trigger(events.Invalidation{Reason: reasonSyncComplete})
		return
	}
	for _, serviceID := range complete.ServiceIDs {
		s.invalidateService(ctx, serviceID)
		s.invalidations.Trigger(events.Invalidation{ServiceID: serviceID, Reason: reasonSyncComplete})
	}
}

// invalidateService drops the cached list of serviceID and every cached record the device holds for it.
// Record keys are not scoped by service, so they are dropped one by one.
func (s *Service) invalidateService(ctx context.Context, serviceID string) {
	s.cache.ClearScope(serviceID)
	locals, err := s.localList(ctx, serviceID)
	if err != nil {
		s.logger.Warn("cached records of service not dropped", zap.String("service_id", serviceID), zap.Error(err))
		s.cache.ClearScope(recordCacheScope)
		return
	}
	for _, local := range locals {
		s.cache.Invalidate(s.recordKey(local.ID))
	}
}

func (s *Service) adoptCreate(ctx context.Context, event events.MutationEvent) error {
	if event.RealID == "" || event.TempID == "" {
		return nil
	}
	placeholder, err := s.loadLocal(ctx, s.store, event.TempID)
	if err != nil || placeholder == nil {
		return err
	}
	queued, err := s.queueState(ctx, event.RealID)
	if err != nil {
		return err
	}

	synced := placeholder.Clone()
	synced.ID = event.RealID
	synced.LocalOnly = false
	synced.Syncing = false
	if queued.updating {
		// Edits made while the CREATE was on the wire are queued against the real id now.
		synced.LocalUpdate = true
	} else {
		synced.merge(event.Response)
		synced.LocalUpdate = false
	}
	synced.Fields[s.family.IDField] = idValue(event.RealID)

	err = s.store.WithinTx(ctx, func(tx *store.Store) error {
		if err := tx.Delete(ctx, store.CollectionRecords, s.docKey(event.TempID)); err != nil {
			return err
		}
		return s.saveLocal(ctx, tx, synced)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("placeholder re-keyed",
		zap.String("temp_id", event.TempID),
		zap.String("real_id", event.RealID))
	return nil
}

func (s *Service) settleUpdate(ctx context.Context, id string) error {
	local, err := s.loadLocal(ctx, s.store, id)
	if err != nil || local == nil || !local.LocalUpdate {
		return err
	}
	queued, err := s.queueState(ctx, id)
	if err != nil {
		return err
	}
	if queued.updating {
		return nil
	}
	local.LocalUpdate = false
	return s.saveLocal(ctx, s.store, local)
}

// markStuck keeps a parked placeholder visible but no longer syncing, so views can flag it.
func (s *Service) markStuck(ctx context.Context, event events.MutationEvent) error {
	placeholder, err := s.loadLocal(ctx, s.store, event.TempID)
	if err != nil || placeholder == nil {
		return err
	}
	placeholder.Syncing = false
	s.logger.Warn("placeholder parked after failed sync",
		zap.String("temp_id", event.TempID),
		zap.Bool("rejected", event.Rejected),
		zap.String("error", event.Error))
	return s.saveLocal(ctx, s.store, placeholder)
}
