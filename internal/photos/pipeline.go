package photos

import (
	"context"
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/tempid"
	"github.com/goccy/go-json"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

const (
	// PlaceholderURL is shown when no version of an image can be resolved.
	PlaceholderURL = "assets/img/photo-placeholder.svg"

	defaultMemoSize      = 128
	defaultLookupTimeout = 2 * time.Second
	defaultContentType   = "image/jpeg"

	opNew     = "photos.new"
	opCapture = "photos.capture"
	opCaption = "photos.update_caption"
	opDelete  = "photos.delete_local_image"
	opRender  = "photos.ensure_render"
	opSettle  = "photos.settle"
	opDrain   = "photos.drain_captions"
)

var noOpLogger = zap.NewNop()

// TempIDs resolves synced temp ids.
type TempIDs interface {
	RealID(ctx context.Context, tempID string) (string, bool, error)
}

// Transport sends caption updates.
type Transport interface {
	Do(ctx context.Context, request remote.Request) (remote.Response, error)
}

// Scheduler is asked for a sync pass after an upload or caption is queued.
type Scheduler interface {
	Trigger()
}

// Recorder counts queued uploads.
type Recorder interface {
	RecordEnqueued(entityType, mutationType string)
}

// Config wires a Pipeline.
type Config struct {
	Store          *store.Store
	TempIDs        TempIDs
	Transport      Transport
	Scheduler      Scheduler
	Metrics        Recorder
	Hooks          Hooks
	PlaceholderURL string
	MemoSize       int
	LookupTimeout  time.Duration
	Clock          func() time.Time
	Logger         *zap.Logger
}

// Pipeline owns captured images from capture to upload and beyond.
type Pipeline struct {
	store         *store.Store
	tempIDs       TempIDs
	transport     Transport
	scheduler     Scheduler
	metrics       Recorder
	hooks         Hooks
	placeholder   string
	lookupTimeout time.Duration
	clock         func() time.Time
	logger        *zap.Logger
	displayURLs   *lru.Cache[string, string]
}

// New constructs a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opNew, "missing_store", errMissingStore)
	}
	if cfg.TempIDs == nil {
		return nil, newServiceError(opNew, "missing_temp_ids", errMissingTempIDs)
	}
	size := cfg.MemoSize
	if size <= 0 {
		size = defaultMemoSize
	}
	memo, err := lru.New[string, string](size)
	if err != nil {
		return nil, newServiceError(opNew, "memo_failed", err)
	}
	placeholder := cfg.PlaceholderURL
	if placeholder == "" {
		placeholder = PlaceholderURL
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = defaultLookupTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Pipeline{
		store:         cfg.Store,
		tempIDs:       cfg.TempIDs,
		transport:     cfg.Transport,
		scheduler:     cfg.Scheduler,
		metrics:       cfg.Metrics,
		hooks:         cfg.Hooks,
		placeholder:   placeholder,
		lookupTimeout: timeout,
		clock:         clock,
		logger:        logger,
		displayURLs:   memo,
	}, nil
}

// Capture stores the photo on the device, queues its upload and returns the handle views key on.
// When the parent record is still a placeholder the upload waits for the parent's CREATE.
func (p *Pipeline) Capture(ctx context.Context, request CaptureRequest) (LocalImage, error) {
	if len(request.Data) == 0 {
		return LocalImage{}, newServiceError(opCapture, "empty_image", ErrEmptyImage)
	}
	if strings.TrimSpace(request.EntityType) == "" || strings.TrimSpace(request.EntityID) == "" || strings.TrimSpace(request.ServiceID) == "" {
		return LocalImage{}, newServiceError(opCapture, "missing_parent", errMissingParent)
	}

	entityID := p.resolve(ctx, strings.TrimSpace(request.EntityID))
	contentType := request.ContentType
	if contentType == "" {
		contentType = http.DetectContentType(request.Data)
		if !strings.HasPrefix(contentType, "image/") {
			contentType = defaultContentType
		}
	}

	image := LocalImage{
		ID:          tempid.NewImageID(),
		EntityType:  request.EntityType,
		EntityID:    entityID,
		ServiceID:   strings.TrimSpace(request.ServiceID),
		Caption:     request.Caption,
		Drawings:    request.Drawings,
		FileName:    request.FileName,
		ContentType: contentType,
		Status:      StatusUploading,
		CreatedAt:   p.clock().UTC().UnixMilli(),
	}
	if image.FileName == "" {
		image.FileName = image.ID
	}

	var dependencies []string
	if tempid.IsTemp(entityID) {
		parentCreate, err := p.store.PendingCreateFor(ctx, entityID)
		if err != nil {
			p.logError(opCapture, "dependency_lookup_failed", err, zap.String("entity_id", entityID))
			return LocalImage{}, newServiceError(opCapture, "dependency_lookup_failed", err)
		}
		if parentCreate != nil {
			dependencies = append(dependencies, parentCreate.ID)
		}
	}

	err := p.store.WithinTx(ctx, func(tx *store.Store) error {
		if tempid.IsTemp(image.EntityID) {
			// The parent CREATE may have settled since the lookup above; its queued references are already rewritten.
			realID, found, err := tx.RealIDFor(ctx, image.EntityID)
			if err != nil {
				return err
			}
			if found {
				image.EntityID = realID
				dependencies = nil
			}
		}
		fields, err := uploadFields(image)
		if err != nil {
			return err
		}
		if err := tx.PutBlob(ctx, store.CachedBlob{
			Key:         image.ID,
			EntityID:    image.EntityID,
			ContentType: contentType,
			Data:        request.Data,
		}); err != nil {
			return err
		}
		if err := putImage(ctx, tx, image); err != nil {
			return err
		}
		_, err = tx.AddPendingRequest(ctx, &store.PendingMutation{
			Type:         store.MutationCreate,
			EntityType:   records.Attachment.Name,
			ServiceID:    image.ServiceID,
			TempID:       image.ID,
			IDField:      records.Attachment.IDField,
			Endpoint:     records.Attachment.UploadEndpoint(),
			Method:       http.MethodPost,
			Data:         fields,
			BlobKey:      image.ID,
			Dependencies: dependencies,
		})
		return err
	})
	if err != nil {
		p.logError(opCapture, "enqueue_failed", err, zap.String("image_id", image.ID))
		return LocalImage{}, newServiceError(opCapture, "enqueue_failed", err)
	}

	p.logger.Info("photo captured",
		zap.String("image_id", image.ID),
		zap.String("entity_id", image.EntityID),
		zap.Int("bytes", len(request.Data)))
	if p.metrics != nil {
		p.metrics.RecordEnqueued(records.Attachment.Name, string(store.MutationCreate))
	}
	if p.hooks.OnTempPhotoAdded != nil {
		p.hooks.OnTempPhotoAdded(image)
	}
	p.trigger()
	return image, nil
}

func uploadFields(image LocalImage) ([]byte, error) {
	return json.Marshal(map[string]any{
		records.ServiceIDField: idValue(image.ServiceID),
		"EntityType":           image.EntityType,
		"EntityID":             idValue(image.EntityID),
		"Caption":              image.Caption,
		"Drawings":             image.Drawings,
		"FileName":             image.FileName,
	})
}

// Image returns the stored handle for id.
func (p *Pipeline) Image(ctx context.Context, id string) (*LocalImage, error) {
	var image LocalImage
	found, err := p.store.Get(ctx, store.CollectionImages, id, &image)
	if err != nil || !found {
		return nil, err
	}
	return &image, nil
}

// Images lists the images attached to entityID, oldest first.
func (p *Pipeline) Images(ctx context.Context, entityID string) ([]LocalImage, error) {
	documents, err := p.store.QueryByIndex(ctx, store.CollectionImages, store.IndexEntityID, p.resolve(ctx, entityID))
	if err != nil {
		return nil, err
	}
	images := make([]LocalImage, 0, len(documents))
	for _, document := range documents {
		var image LocalImage
		if err := document.Decode(&image); err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, nil
}

// DisplayURL picks what to show for image: the annotated render, the local bytes, the uploaded copy, and finally a
// placeholder. Lookups are bounded so a slow store never stalls a view.
func (p *Pipeline) DisplayURL(ctx context.Context, image LocalImage) string {
	if cached, ok := p.displayURLs.Get(image.ID); ok {
		return cached
	}

	lookupCtx, cancel := context.WithTimeout(ctx, p.lookupTimeout)
	defer cancel()

	if render, err := p.store.Render(lookupCtx, image.ID); err != nil {
		p.logger.Debug("render lookup failed", zap.String("image_id", image.ID), zap.Error(err))
	} else if render != nil && render.DataURL != "" {
		p.displayURLs.Add(image.ID, render.DataURL)
		return render.DataURL
	}

	if blob, err := p.store.Blob(lookupCtx, image.ID); err != nil {
		p.logger.Debug("blob lookup failed", zap.String("image_id", image.ID), zap.Error(err))
	} else if blob != nil && len(blob.Data) > 0 {
		url := dataURL(blob.ContentType, blob.Data)
		p.displayURLs.Add(image.ID, url)
		return url
	}

	if image.RemoteURL != "" {
		p.displayURLs.Add(image.ID, image.RemoteURL)
		return image.RemoteURL
	}
	return p.placeholder
}

// DeleteLocalImage removes every local trace of an image. An upload that never left the device is cancelled;
// an uploaded image gets a queued DELETE.
func (p *Pipeline) DeleteLocalImage(ctx context.Context, id string) error {
	image, err := p.Image(ctx, id)
	if err != nil {
		p.logError(opDelete, "lookup_failed", err, zap.String("image_id", id))
		return newServiceError(opDelete, "lookup_failed", err)
	}
	if image == nil {
		return newServiceError(opDelete, "not_found", ErrImageNotFound)
	}

	create, err := p.store.PendingCreateFor(ctx, id)
	if err != nil {
		p.logError(opDelete, "queue_lookup_failed", err, zap.String("image_id", id))
		return newServiceError(opDelete, "queue_lookup_failed", err)
	}
	attachID := image.AttachID
	if attachID == "" {
		if realID, found, err := p.tempIDs.RealID(ctx, id); err == nil && found {
			attachID = realID
		}
	}

	queued := false
	err = p.store.WithinTx(ctx, func(tx *store.Store) error {
		switch {
		case attachID != "":
			queued = true
			if err := enqueueDelete(ctx, tx, image, records.Attachment.KeyedEndpoint(attachID), attachID, nil); err != nil {
				return err
			}
		case create != nil && create.Status != store.StatusPending && !create.Exhausted:
			// The upload is on the wire; delete by local id once it lands and the id is rewritten.
			queued = true
			if err := enqueueDelete(ctx, tx, image, records.Attachment.KeyedEndpoint(id), id, []string{create.ID}); err != nil {
				return err
			}
		case create != nil:
			if err := tx.DeleteMutation(ctx, create.ID); err != nil {
				return err
			}
		}
		return removeLocal(ctx, tx, id)
	})
	if err != nil {
		p.logError(opDelete, "delete_failed", err, zap.String("image_id", id))
		return newServiceError(opDelete, "delete_failed", err)
	}
	p.displayURLs.Remove(id)
	if queued {
		if p.metrics != nil {
			p.metrics.RecordEnqueued(records.Attachment.Name, string(store.MutationDelete))
		}
		p.trigger()
	}
	return nil
}

func enqueueDelete(ctx context.Context, tx *store.Store, image *LocalImage, endpoint, entityKey string, dependencies []string) error {
	_, err := tx.AddPendingRequest(ctx, &store.PendingMutation{
		Type:         store.MutationDelete,
		EntityType:   records.Attachment.Name,
		EntityKey:    entityKey,
		ServiceID:    image.ServiceID,
		IDField:      records.Attachment.IDField,
		Endpoint:     endpoint,
		Method:       http.MethodDelete,
		Dependencies: dependencies,
	})
	return err
}

func removeLocal(ctx context.Context, tx *store.Store, id string) error {
	if err := tx.Delete(ctx, store.CollectionImages, id); err != nil {
		return err
	}
	if err := tx.DeleteBlob(ctx, id); err != nil {
		return err
	}
	if err := tx.DeleteRender(ctx, id); err != nil {
		return err
	}
	return tx.DeleteCaptions(ctx, id)
}

func putImage(ctx context.Context, st *store.Store, image LocalImage) error {
	return st.Put(ctx, store.CollectionImages, image.ID, image, store.IndexValues{
		ServiceID:  image.ServiceID,
		EntityType: image.EntityType,
		EntityID:   image.EntityID,
	})
}

func (p *Pipeline) resolve(ctx context.Context, id string) string {
	if !tempid.IsTemp(id) {
		return id
	}
	realID, found, err := p.tempIDs.RealID(ctx, id)
	if err != nil || !found {
		return id
	}
	return realID
}

func (p *Pipeline) trigger() {
	if p.scheduler != nil {
		p.scheduler.Trigger()
	}
}

func (p *Pipeline) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	p.logger.Error("photo pipeline error", attrs...)
}

func dataURL(contentType string, data []byte) string {
	if contentType == "" {
		contentType = defaultContentType
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func idValue(id string) any {
	if _, err := strconv.ParseInt(id, 10, 64); err == nil {
		return json.Number(id)
	}
	return id
}
