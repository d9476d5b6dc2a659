package photos

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/events"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"go.uber.org/zap"
)

// MutationSettled follows uploads to completion and re-points images captured under a parent's temp id.
func (p *Pipeline) MutationSettled(ctx context.Context, event events.MutationEvent) {
	var err error
	switch {
	case event.EntityType == records.Attachment.Name && event.Type == string(store.MutationCreate):
		switch {
		case event.Status == string(store.StatusDone):
			err = p.completeUpload(ctx, event)
		case event.Rejected:
			err = p.rollbackUpload(ctx, event)
		case event.Permanent:
			err = p.markStuck(ctx, event)
		}
	case event.Type == string(store.MutationCreate) && event.Status == string(store.StatusDone) && event.TempID != "" && event.RealID != "":
		err = p.repointParent(ctx, event.TempID, event.RealID)
	}
	if err != nil {
		p.logError(opSettle, "local_update_failed", err,
			zap.String("mutation_id", event.MutationID),
			zap.String("temp_id", event.TempID))
	}
}

// SyncCompleted is part of the observer contract; captions are flushed by the drainer instead.
func (p *Pipeline) SyncCompleted(context.Context, events.SyncComplete) {}

func (p *Pipeline) completeUpload(ctx context.Context, event events.MutationEvent) error {
	image, err := p.Image(ctx, event.TempID)
	if err != nil || image == nil {
		return err
	}
	image.AttachID = event.RealID
	image.Status = StatusUploaded
	if photo, ok := event.Response["Photo"].(string); ok && photo != "" {
		image.RemoteURL = photo
	}
	if err := putImage(ctx, p.store, *image); err != nil {
		return err
	}
	p.logger.Info("photo uploaded",
		zap.String("image_id", image.ID),
		zap.String("attach_id", image.AttachID))
	if p.hooks.OnUploadComplete != nil {
		p.hooks.OnUploadComplete(*image, event.RealID)
	}
	return nil
}

func (p *Pipeline) rollbackUpload(ctx context.Context, event events.MutationEvent) error {
	image, err := p.Image(ctx, event.TempID)
	if err != nil {
		return err
	}
	err = p.store.WithinTx(ctx, func(tx *store.Store) error {
		queued, err := tx.MutationsForEntity(ctx, event.TempID)
		if err != nil {
			return err
		}
		for _, mutation := range queued {
			if err := tx.DeleteMutation(ctx, mutation.ID); err != nil {
				return err
			}
		}
		if err := tx.DeleteMutation(ctx, event.MutationID); err != nil {
			return err
		}
		return removeLocal(ctx, tx, event.TempID)
	})
	if err != nil {
		return err
	}
	p.displayURLs.Remove(event.TempID)
	if image == nil {
		return nil
	}

	cause := errors.New(event.Error)
	if event.Error == "" {
		cause = fmt.Errorf("upload of %s rejected", image.ID)
	}
	p.logger.Warn("photo upload rolled back",
		zap.String("image_id", image.ID),
		zap.String("entity_id", image.EntityID),
		zap.Error(cause))
	if p.hooks.OnUploadFailed != nil {
		p.hooks.OnUploadFailed(*image, cause)
	}
	return nil
}

func (p *Pipeline) markStuck(ctx context.Context, event events.MutationEvent) error {
	image, err := p.Image(ctx, event.TempID)
	if err != nil || image == nil {
		return err
	}
	image.Status = StatusStuck
	if err := putImage(ctx, p.store, *image); err != nil {
		return err
	}
	p.logger.Warn("photo upload out of retries, kept on device",
		zap.String("image_id", image.ID),
		zap.String("mutation_id", event.MutationID),
		zap.String("error", event.Error))
	return nil
}

func (p *Pipeline) repointParent(ctx context.Context, tempID, realID string) error {
	documents, err := p.store.QueryByIndex(ctx, store.CollectionImages, store.IndexEntityID, tempID)
	if err != nil {
		return err
	}
	blobs, err := p.store.BlobsForEntity(ctx, tempID)
	if err != nil {
		return err
	}
	if len(documents) == 0 && len(blobs) == 0 {
		return nil
	}
	return p.store.WithinTx(ctx, func(tx *store.Store) error {
		for _, document := range documents {
			var image LocalImage
			if err := document.Decode(&image); err != nil {
				return err
			}
			image.EntityID = realID
			if err := putImage(ctx, tx, image); err != nil {
				return err
			}
		}
		for _, blob := range blobs {
			blob.EntityID = realID
			if err := tx.PutBlob(ctx, blob); err != nil {
				return err
			}
		}
		return nil
	})
}
