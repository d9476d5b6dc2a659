package photos

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

var errMissingRenderer = errors.New("renderer is required")

// RenderSource is what a Renderer bakes annotations into.
type RenderSource struct {
	ImageID     string
	Data        []byte
	ContentType string
	RemoteURL   string
	Drawings    string
}

// Renderer draws annotations onto an image and returns the result as a data URL.
type Renderer interface {
	Render(ctx context.Context, source RenderSource) (string, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, source RenderSource) (string, error)

// Render calls f.
func (f RendererFunc) Render(ctx context.Context, source RenderSource) (string, error) {
	return f(ctx, source)
}

// ReconcileServer applies what the backend reports for an attachment. A cached render is only trusted while the
// backend still has drawings for it; otherwise the render is evicted and views fall back to the plain image.
// While a caption edit is still queued the server copy is behind the device, so only its ids are taken.
func (p *Pipeline) ReconcileServer(ctx context.Context, imageID string, attachment RemoteAttachment) error {
	editing, err := p.hasPendingCaption(ctx, imageID)
	if err != nil {
		return newServiceError(opRender, "lookup_failed", err)
	}
	annotated := hasDrawings(attachment.Drawings)
	if !annotated && !editing {
		if err := p.store.DeleteRender(ctx, imageID); err != nil {
			p.logError(opRender, "evict_failed", err, zap.String("image_id", imageID))
			return newServiceError(opRender, "evict_failed", err)
		}
		p.displayURLs.Remove(imageID)
	}

	image, err := p.Image(ctx, imageID)
	if err != nil {
		return newServiceError(opRender, "lookup_failed", err)
	}
	if image == nil {
		return nil
	}

	if image.AttachID == "" {
		image.AttachID = attachment.AttachID
	}
	if attachment.Photo != "" {
		image.RemoteURL = attachment.Photo
	}
	if !editing {
		image.ServerHasAnnotations = annotated
		image.Caption = attachment.Caption
		image.Drawings = attachment.Drawings
	}
	if err := putImage(ctx, p.store, *image); err != nil {
		return newServiceError(opRender, "save_failed", err)
	}
	return nil
}

// EnsureRender returns the annotated render of image, producing it when the backend has drawings and nothing is
// cached yet. An empty result means the plain image should be shown.
func (p *Pipeline) EnsureRender(ctx context.Context, image LocalImage, renderer Renderer) (string, error) {
	if !image.ServerHasAnnotations {
		return "", nil
	}
	cached, err := p.store.Render(ctx, image.ID)
	if err != nil {
		return "", newServiceError(opRender, "lookup_failed", err)
	}
	if cached != nil && cached.DataURL != "" {
		return cached.DataURL, nil
	}
	if renderer == nil {
		return "", newServiceError(opRender, "missing_renderer", errMissingRenderer)
	}

	source := RenderSource{
		ImageID:     image.ID,
		ContentType: image.ContentType,
		RemoteURL:   image.RemoteURL,
		Drawings:    image.Drawings,
	}
	blob, err := p.store.Blob(ctx, image.ID)
	if err != nil {
		return "", newServiceError(opRender, "lookup_failed", err)
	}
	if blob != nil {
		source.Data = blob.Data
		source.ContentType = blob.ContentType
	}

	rendered, err := renderer.Render(ctx, source)
	if err != nil {
		p.logError(opRender, "render_failed", err, zap.String("image_id", image.ID))
		return "", newServiceError(opRender, "render_failed", err)
	}
	if rendered == "" {
		return "", nil
	}
	if err := p.store.PutRender(ctx, image.ID, rendered); err != nil {
		return "", newServiceError(opRender, "save_failed", err)
	}
	p.displayURLs.Remove(image.ID)
	return rendered, nil
}

func (p *Pipeline) hasPendingCaption(ctx context.Context, imageID string) (bool, error) {
	pending, err := p.store.PendingCaptions(ctx)
	if err != nil {
		return false, err
	}
	for _, edit := range pending {
		if edit.ImageID == imageID {
			return true, nil
		}
	}
	return false, nil
}

func hasDrawings(drawings string) bool {
	switch strings.TrimSpace(drawings) {
	case "", "null", "[]", "{}":
		return false
	}
	return true
}
