package store

import (
	"gorm.io/datatypes"
)

// Collection names a keyed document collection.
type Collection string

const (
	// CollectionRecords holds cached entity records keyed by record id.
	CollectionRecords Collection = "records"
	// CollectionTemplates holds read-through cached reference data.
	CollectionTemplates Collection = "templates"
	// CollectionImages holds locally captured images keyed by stable image id.
	CollectionImages Collection = "images"
)

// Index names a secondary index available on every document collection.
type Index string

const (
	IndexServiceID  Index = "service_id"
	IndexEntityType Index = "entity_type"
	IndexEntityID   Index = "entity_id"
)

// MutationType enumerates queued remote operations.
type MutationType string

const (
	MutationCreate MutationType = "CREATE"
	MutationUpdate MutationType = "UPDATE"
	MutationDelete MutationType = "DELETE"
)

// MutationStatus tracks a queued mutation through the sync engine.
type MutationStatus string

const (
	StatusPending  MutationStatus = "pending"
	StatusInFlight MutationStatus = "in_flight"
	StatusFailed   MutationStatus = "failed"
	StatusDone     MutationStatus = "done"
)

// Priority orders queue drains; high drains before normal.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// CaptionStatus tracks a queued caption edit.
type CaptionStatus string

const (
	CaptionPending    CaptionStatus = "pending"
	CaptionDone       CaptionStatus = "done"
	CaptionSuperseded CaptionStatus = "superseded"
)

// IndexValues carries the secondary index columns of a document.
type IndexValues struct {
	ServiceID  string
	EntityType string
	EntityID   string
}

// Document stores an opaque JSON value in a named collection.
type Document struct {
	Collection      Collection `gorm:"column:collection;primaryKey;size:64;not null;index:idx_documents_service,priority:1;index:idx_documents_type,priority:1;index:idx_documents_entity,priority:1"`
	Key             string     `gorm:"column:doc_key;primaryKey;size:190;not null"`
	ServiceID       string     `gorm:"column:service_id;size:190;not null;default:'';index:idx_documents_service,priority:2"`
	EntityType      string     `gorm:"column:entity_type;size:64;not null;default:'';index:idx_documents_type,priority:2"`
	EntityID        string     `gorm:"column:entity_id;size:190;not null;default:'';index:idx_documents_entity,priority:2"`
	ValueJSON       string     `gorm:"column:value_json;type:text;not null"`
	UpdatedAtMillis int64      `gorm:"column:updated_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// PendingMutation is a fully formed request descriptor waiting to be replayed against the backend.
type PendingMutation struct {
	ID                string                      `gorm:"column:id;primaryKey;size:64;not null"`
	Seq               int64                       `gorm:"column:seq;not null;uniqueIndex"`
	Type              MutationType                `gorm:"column:type;size:16;not null"`
	EntityType        string                      `gorm:"column:entity_type;size:64;not null"`
	EntityKey         string                      `gorm:"column:entity_key;size:190;not null;default:'';index"`
	ServiceID         string                      `gorm:"column:service_id;size:190;not null;default:''"`
	TempID            string                      `gorm:"column:temp_id;size:190;not null;default:'';index"`
	IDField           string                      `gorm:"column:id_field;size:64;not null;default:''"`
	Endpoint          string                      `gorm:"column:endpoint;type:text;not null"`
	Method            string                      `gorm:"column:method;size:16;not null"`
	Data              datatypes.JSON              `gorm:"column:data_json"`
	BlobKey           string                      `gorm:"column:blob_key;size:190;not null;default:''"`
	Dependencies      datatypes.JSONSlice[string] `gorm:"column:dependencies_json"`
	Status            MutationStatus              `gorm:"column:status;size:16;not null;index"`
	Priority          Priority                    `gorm:"column:priority;size:16;not null;default:'normal'"`
	Attempts          int                         `gorm:"column:attempts;not null;default:0"`
	LastError         string                      `gorm:"column:last_error;type:text;not null;default:''"`
	NextAttemptMillis int64                       `gorm:"column:next_attempt_ms;not null;default:0"`
	Exhausted         bool                        `gorm:"column:exhausted;not null;default:false"`
	CreatedAtMillis   int64                       `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis   int64                       `gorm:"column:updated_at_ms;not null"`
	CompletedAtMillis int64                       `gorm:"column:completed_at_ms;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PendingMutation) TableName() string {
	return "pending_mutations"
}

// PendingCaption is one caption/annotation edit keyed by the stable local image id.
type PendingCaption struct {
	Seq             int64         `gorm:"column:seq;primaryKey;autoIncrement"`
	ImageID         string        `gorm:"column:image_id;size:190;not null;index"`
	Caption         string        `gorm:"column:caption;type:text;not null;default:''"`
	Drawings        string        `gorm:"column:drawings;type:text;not null;default:''"`
	Status          CaptionStatus `gorm:"column:status;size:16;not null;index"`
	CreatedAtMillis int64         `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PendingCaption) TableName() string {
	return "pending_captions"
}

// TempIDMapping binds a client temp id to the id the backend assigned.
type TempIDMapping struct {
	TempID          string `gorm:"column:temp_id;primaryKey;size:190;not null"`
	RealID          string `gorm:"column:real_id;size:190;not null;index"`
	EntityType      string `gorm:"column:entity_type;size:64;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (TempIDMapping) TableName() string {
	return "temp_id_mappings"
}

// CachedBlob holds raw attachment bytes keyed by the stable local image id.
type CachedBlob struct {
	Key             string `gorm:"column:blob_key;primaryKey;size:190;not null"`
	EntityID        string `gorm:"column:entity_id;size:190;not null;default:'';index"`
	ContentType     string `gorm:"column:content_type;size:128;not null"`
	Data            []byte `gorm:"column:data;type:blob;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CachedBlob) TableName() string {
	return "cached_blobs"
}

// AnnotatedRender is a rendered image with annotations baked in.
type AnnotatedRender struct {
	ImageID         string `gorm:"column:image_id;primaryKey;size:190;not null"`
	DataURL         string `gorm:"column:data_url;type:text;not null"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (AnnotatedRender) TableName() string {
	return "annotated_renders"
}

// Models lists every table owned by the local store, for schema migration.
func Models() []any {
	return []any{
		&Document{},
		&PendingMutation{},
		&PendingCaption{},
		&TempIDMapping{},
		&CachedBlob{},
		&AnnotatedRender{},
	}
}
