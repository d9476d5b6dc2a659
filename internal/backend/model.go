package backend

import (
	"gorm.io/datatypes"
)

// rowRecord is one row of any table the backend serves. Fields live in DataJSON; ID is shared across tables.
type rowRecord struct {
	ID               int64          `gorm:"column:id;primaryKey;autoIncrement"`
	Table            string         `gorm:"column:table_name;size:64;not null;index:idx_rows_table_key,priority:1"`
	IdempotencyKey   string         `gorm:"column:idempotency_key;size:190;not null;default:'';index:idx_rows_table_key,priority:2"`
	DataJSON         datatypes.JSON `gorm:"column:data_json;not null"`
	CreatedAtSeconds int64          `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (rowRecord) TableName() string {
	return "backend_rows"
}

// fileRecord holds uploaded attachment bytes.
type fileRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	ContentType      string `gorm:"column:content_type;size:128;not null"`
	Data             []byte `gorm:"column:data;type:blob;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (fileRecord) TableName() string {
	return "backend_files"
}

// Models lists the tables owned by the backend.
func Models() []any {
	return []any{&rowRecord{}, &fileRecord{}}
}
