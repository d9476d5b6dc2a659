// Package photos captures attachment photos offline and carries them, their captions and their annotation renders
// through the upload without the image ever changing identity.
package photos

import (
	"errors"
	"fmt"
)

// Status tracks where a captured image is in its upload.
type Status string

const (
	StatusUploading Status = "uploading"
	StatusUploaded  Status = "uploaded"
	// StatusStuck is an upload that ran out of retries; the bytes stay on device until it is requeued.
	StatusStuck     Status = "stuck"
)

var (
	// ErrImageNotFound reports an unknown local image id.
	ErrImageNotFound = errors.New("photos: image not found")
	// ErrEmptyImage rejects a capture without bytes.
	ErrEmptyImage = errors.New("photos: image data is empty")

	errMissingStore   = errors.New("store is required")
	errMissingTempIDs = errors.New("temp id service is required")
	errMissingParent  = errors.New("entity type, entity id and service id are required")
)

// LocalImage is the view-facing handle of a captured photo. ID is assigned at capture and never changes;
// AttachID is filled in once the backend stores the upload.
type LocalImage struct {
	ID                   string `json:"id"`
	EntityType           string `json:"entityType"`
	EntityID             string `json:"entityId"`
	ServiceID            string `json:"serviceId"`
	AttachID             string `json:"attachId,omitempty"`
	Caption              string `json:"caption"`
	Drawings             string `json:"drawings"`
	FileName             string `json:"fileName"`
	ContentType          string `json:"contentType"`
	RemoteURL            string `json:"remoteUrl,omitempty"`
	ServerHasAnnotations bool   `json:"serverHasAnnotations"`
	Status               Status `json:"status"`
	CreatedAt            int64  `json:"createdAt"`
}

// CaptureRequest describes a photo taken for a record.
type CaptureRequest struct {
	Data        []byte
	FileName    string
	ContentType string
	EntityType  string
	EntityID    string
	ServiceID   string
	Caption     string
	Drawings    string
}

// RemoteAttachment is the backend's view of an uploaded attachment.
type RemoteAttachment struct {
	AttachID string
	Photo    string
	Caption  string
	Drawings string
}

// Hooks let views follow an image through its optimistic lifecycle. Each hook may be nil.
type Hooks struct {
	OnTempPhotoAdded func(image LocalImage)
	OnUploadComplete func(image LocalImage, attachID string)
	OnUploadFailed   func(image LocalImage, err error)
}

// ServiceError carries a stable code of the form operation.reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}
