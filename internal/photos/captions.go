package photos

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/tempid"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// UpdateCaption records a caption or annotation edit against the stable local image id. The edit rides along
// with the upload when that has not left the device yet; otherwise it is queued for the caption drainer,
// which sends only the newest edit per image.
func (p *Pipeline) UpdateCaption(ctx context.Context, imageID, caption, drawings string) error {
	image, err := p.Image(ctx, imageID)
	if err != nil {
		p.logError(opCaption, "lookup_failed", err, zap.String("image_id", imageID))
		return newServiceError(opCaption, "lookup_failed", err)
	}
	if image == nil {
		if !tempid.IsTemp(imageID) {
			// Attachments that were never captured here still accept caption edits.
			if _, err := p.store.AddCaption(ctx, imageID, caption, drawings); err != nil {
				return newServiceError(opCaption, "enqueue_failed", err)
			}
			p.trigger()
			return nil
		}
		return newServiceError(opCaption, "not_found", ErrImageNotFound)
	}

	drawingsChanged := image.Drawings != drawings
	image.Caption = caption
	image.Drawings = drawings
	if drawingsChanged {
		// Optimistic until ReconcileServer reports what the backend holds.
		image.ServerHasAnnotations = hasDrawings(drawings)
	}

	err = p.store.WithinTx(ctx, func(tx *store.Store) error {
		if err := putImage(ctx, tx, *image); err != nil {
			return err
		}
		if drawingsChanged {
			if err := tx.DeleteRender(ctx, imageID); err != nil {
				return err
			}
		}
		if image.AttachID == "" {
			patchErr := tx.UpdatePendingRequestData(ctx, imageID, map[string]any{
				"Caption":  caption,
				"Drawings": drawings,
			})
			if patchErr == nil {
				return nil
			}
			if !errors.Is(patchErr, store.ErrMutationNotPending) && !errors.Is(patchErr, store.ErrNotFound) {
				return patchErr
			}
		}
		_, err := tx.AddCaption(ctx, imageID, caption, drawings)
		return err
	})
	if err != nil {
		p.logError(opCaption, "enqueue_failed", err, zap.String("image_id", imageID))
		return newServiceError(opCaption, "enqueue_failed", err)
	}
	if drawingsChanged {
		p.displayURLs.Remove(imageID)
	}
	p.trigger()
	return nil
}

// CaptionDrainer flushes queued caption edits once the image they belong to has a backend id.
type CaptionDrainer struct {
	pipeline *Pipeline
}

// CaptionDrainer returns the drainer the sync engine runs after every pass.
func (p *Pipeline) CaptionDrainer() *CaptionDrainer {
	return &CaptionDrainer{pipeline: p}
}

// Name identifies the drainer in logs.
func (d *CaptionDrainer) Name() string {
	return "captions"
}

// Drain sends the newest pending edit of every image whose upload has landed. Older edits are superseded.
func (d *CaptionDrainer) Drain(ctx context.Context) error {
	p := d.pipeline
	if p.transport == nil {
		return nil
	}
	pending, err := p.store.PendingCaptions(ctx)
	if err != nil {
		return err
	}

	order := make([]string, 0)
	byImage := make(map[string][]store.PendingCaption)
	for _, edit := range pending {
		if _, seen := byImage[edit.ImageID]; !seen {
			order = append(order, edit.ImageID)
		}
		byImage[edit.ImageID] = append(byImage[edit.ImageID], edit)
	}

	var failures []error
	for _, imageID := range order {
		if err := ctx.Err(); err != nil {
			return err
		}
		attachID, ready, err := p.attachIDFor(ctx, imageID)
		if err != nil {
			failures = append(failures, err)
			continue
		}
		if !ready {
			continue
		}
		if err := p.sendCaption(ctx, attachID, byImage[imageID]); err != nil {
			failures = append(failures, err)
		}
	}
	return errors.Join(failures...)
}

func (p *Pipeline) sendCaption(ctx context.Context, attachID string, edits []store.PendingCaption) error {
	newest := edits[len(edits)-1]
	older := make([]int64, 0, len(edits)-1)
	for _, edit := range edits[:len(edits)-1] {
		older = append(older, edit.Seq)
	}

	body, err := json.Marshal(map[string]any{
		"Caption":  newest.Caption,
		"Drawings": newest.Drawings,
	})
	if err != nil {
		return err
	}
	_, err = p.transport.Do(ctx, remote.Request{
		Method:         http.MethodPut,
		Endpoint:       records.Attachment.KeyedEndpoint(attachID),
		Body:           body,
		IdempotencyKey: "caption-" + strconv.FormatInt(newest.Seq, 10),
	})
	if err != nil {
		if remote.IsPermanent(err) {
			p.logError(opDrain, "rejected", err,
				zap.String("image_id", newest.ImageID),
				zap.String("attach_id", attachID))
			return p.store.MarkCaptions(ctx, store.CaptionSuperseded, append(older, newest.Seq)...)
		}
		return err
	}

	if err := p.store.MarkCaptions(ctx, store.CaptionDone, newest.Seq); err != nil {
		return err
	}
	if err := p.store.MarkCaptions(ctx, store.CaptionSuperseded, older...); err != nil {
		return err
	}
	p.logger.Debug("caption synced",
		zap.String("image_id", newest.ImageID),
		zap.String("attach_id", attachID),
		zap.Int("superseded", len(older)))
	return nil
}

// attachIDFor resolves the backend id of an image, reporting false while its upload is outstanding.
func (p *Pipeline) attachIDFor(ctx context.Context, imageID string) (string, bool, error) {
	if !tempid.IsTemp(imageID) {
		return imageID, true, nil
	}
	image, err := p.Image(ctx, imageID)
	if err != nil {
		return "", false, err
	}
	if image != nil && image.AttachID != "" {
		return image.AttachID, true, nil
	}
	return p.tempIDs.RealID(ctx, imageID)
}
