package photos

import (
	"context"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// RowsRefreshed reconciles uploaded images against attachment rows just read from the backend, so a render whose
// drawings the server no longer has is dropped on the read that sees it.
func (p *Pipeline) RowsRefreshed(ctx context.Context, family string, rows []map[string]any) {
	if family != records.Attachment.Name {
		return
	}
	byService := make(map[string]map[string]string)
	for _, row := range rows {
		attachID := records.IDString(row[records.Attachment.IDField])
		serviceID := records.IDString(row[records.ServiceIDField])
		if attachID == "" || serviceID == "" {
			continue
		}
		uploaded, ok := byService[serviceID]
		if !ok {
			var err error
			uploaded, err = p.uploadedImages(ctx, serviceID)
			if err != nil {
				p.logError(opRender, "lookup_failed", err, zap.String("service_id", serviceID))
				continue
			}
			byService[serviceID] = uploaded
		}
		imageID, ok := uploaded[attachID]
		if !ok {
			continue
		}
		if err := p.ReconcileServer(ctx, imageID, remoteAttachment(attachID, row)); err != nil {
			p.logger.Warn("attachment row not reconciled",
				zap.String("image_id", imageID),
				zap.String("attach_id", attachID),
				zap.Error(err))
		}
	}
}

// uploadedImages maps attach ids to local image ids for serviceID.
func (p *Pipeline) uploadedImages(ctx context.Context, serviceID string) (map[string]string, error) {
	documents, err := p.store.QueryByIndex(ctx, store.CollectionImages, store.IndexServiceID, serviceID)
	if err != nil {
		return nil, err
	}
	uploaded := make(map[string]string, len(documents))
	for _, document := range documents {
		var image LocalImage
		if err := document.Decode(&image); err != nil {
			return nil, err
		}
		if image.AttachID != "" {
			uploaded[image.AttachID] = image.ID
		}
	}
	return uploaded, nil
}

func remoteAttachment(attachID string, row map[string]any) RemoteAttachment {
	attachment := RemoteAttachment{AttachID: attachID}
	attachment.Photo, _ = row["Photo"].(string)
	attachment.Caption, _ = row["Caption"].(string)
	switch drawings := row["Drawings"].(type) {
	case nil:
	case string:
		attachment.Drawings = drawings
	default:
		if encoded, err := json.Marshal(drawings); err == nil {
			attachment.Drawings = string(encoded)
		}
	}
	return attachment
}
