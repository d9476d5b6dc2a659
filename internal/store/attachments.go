package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	captionsTable = "pending_captions"
	mappingsTable = "temp_id_mappings"
	blobsTable    = "cached_blobs"
	rendersTable  = "annotated_renders"
)

// PutMapping stores tempID -> realID once. A later write for the same temp id leaves the first mapping
// in place; the stored mapping is returned so callers can detect a conflicting real id.
func (s *Store) PutMapping(ctx context.Context, mapping TempIDMapping) (TempIDMapping, error) {
	const op = "put_mapping"
	if mapping.TempID == "" || mapping.RealID == "" {
		return TempIDMapping{}, wrapError(op, mappingsTable, ErrInvalidKey)
	}
	if mapping.CreatedAtMillis == 0 {
		mapping.CreatedAtMillis = s.nowMillis()
	}

	var stored TempIDMapping
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&mapping).Error; err != nil {
			return err
		}
		return tx.Where("temp_id = ?", mapping.TempID).Take(&stored).Error
	})
	if err != nil {
		return TempIDMapping{}, wrapError(op, mappingsTable, err)
	}
	return stored, nil
}

// RealIDFor resolves a temp id to its real id.
func (s *Store) RealIDFor(ctx context.Context, tempID string) (string, bool, error) {
	var mapping TempIDMapping
	err := s.db.WithContext(ctx).Where("temp_id = ?", tempID).Take(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapError("real_id_for", mappingsTable, err)
	}
	return mapping.RealID, true, nil
}

// TempIDFor resolves a real id back to the temp id it replaced.
func (s *Store) TempIDFor(ctx context.Context, realID string) (string, bool, error) {
	var mapping TempIDMapping
	err := s.db.WithContext(ctx).
		Where("real_id = ?", realID).
		Order("created_at_ms ASC").
		Take(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrapError("temp_id_for", mappingsTable, err)
	}
	return mapping.TempID, true, nil
}

// AddCaption queues one caption/annotation edit for a local image.
func (s *Store) AddCaption(ctx context.Context, imageID, caption, drawings string) (*PendingCaption, error) {
	if imageID == "" {
		return nil, wrapError("add_caption", captionsTable, ErrInvalidKey)
	}
	entry := &PendingCaption{
		ImageID:         imageID,
		Caption:         caption,
		Drawings:        drawings,
		Status:          CaptionPending,
		CreatedAtMillis: s.nowMillis(),
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return nil, wrapError("add_caption", captionsTable, err)
	}
	return entry, nil
}

// PendingCaptions lists caption edits still waiting to be sent, oldest first.
func (s *Store) PendingCaptions(ctx context.Context) ([]PendingCaption, error) {
	var captions []PendingCaption
	err := s.db.WithContext(ctx).
		Where("status = ?", CaptionPending).
		Order("seq ASC").
		Find(&captions).Error
	if err != nil {
		return nil, wrapError("pending_captions", captionsTable, err)
	}
	return captions, nil
}

// MarkCaptions moves the given caption edits to status.
func (s *Store) MarkCaptions(ctx context.Context, status CaptionStatus, seqs ...int64) error {
	if len(seqs) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).
		Model(&PendingCaption{}).
		Where("seq IN ?", seqs).
		Update("status", status).Error
	return wrapError("mark_captions", captionsTable, err)
}

// DeleteCaptions drops every caption edit recorded for imageID.
func (s *Store) DeleteCaptions(ctx context.Context, imageID string) error {
	err := s.db.WithContext(ctx).Where("image_id = ?", imageID).Delete(&PendingCaption{}).Error
	return wrapError("delete_captions", captionsTable, err)
}

// PutBlob inserts or replaces the raw bytes stored under blob.Key.
func (s *Store) PutBlob(ctx context.Context, blob CachedBlob) error {
	if blob.Key == "" {
		return wrapError("put_blob", blobsTable, ErrInvalidKey)
	}
	if blob.CreatedAtMillis == 0 {
		blob.CreatedAtMillis = s.nowMillis()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&blob).Error
	return wrapError("put_blob", blobsTable, err)
}

// Blob returns the blob stored under key, or nil when absent.
func (s *Store) Blob(ctx context.Context, key string) (*CachedBlob, error) {
	var blob CachedBlob
	err := s.db.WithContext(ctx).Where("blob_key = ?", key).Take(&blob).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("blob", blobsTable, err)
	}
	return &blob, nil
}

// BlobsForEntity lists the blobs attached to entityID.
func (s *Store) BlobsForEntity(ctx context.Context, entityID string) ([]CachedBlob, error) {
	var blobs []CachedBlob
	err := s.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Order("created_at_ms ASC").
		Find(&blobs).Error
	if err != nil {
		return nil, wrapError("blobs_for_entity", blobsTable, err)
	}
	return blobs, nil
}

// DeleteBlob removes the blob stored under key.
func (s *Store) DeleteBlob(ctx context.Context, key string) error {
	err := s.db.WithContext(ctx).Where("blob_key = ?", key).Delete(&CachedBlob{}).Error
	return wrapError("delete_blob", blobsTable, err)
}

// PutRender caches an annotated render for imageID.
func (s *Store) PutRender(ctx context.Context, imageID, dataURL string) error {
	if imageID == "" {
		return wrapError("put_render", rendersTable, ErrInvalidKey)
	}
	render := AnnotatedRender{ImageID: imageID, DataURL: dataURL, CreatedAtMillis: s.nowMillis()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&render).Error
	return wrapError("put_render", rendersTable, err)
}

// Render returns the cached render for imageID, or nil.
func (s *Store) Render(ctx context.Context, imageID string) (*AnnotatedRender, error) {
	var render AnnotatedRender
	err := s.db.WithContext(ctx).Where("image_id = ?", imageID).Take(&render).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapError("render", rendersTable, err)
	}
	return &render, nil
}

// DeleteRender evicts the cached render for imageID.
func (s *Store) DeleteRender(ctx context.Context, imageID string) error {
	err := s.db.WithContext(ctx).Where("image_id = ?", imageID).Delete(&AnnotatedRender{}).Error
	return wrapError("delete_render", rendersTable, err)
}
