package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PrimaryKeyField is present on every row regardless of its table's id field.
const PrimaryKeyField = "PK_ID"

var (
	// ErrRowNotFound reports that no row matched a filter.
	ErrRowNotFound = errors.New("backend: row not found")
	// ErrInvalidFilter reports a malformed q.where filter.
	ErrInvalidFilter = errors.New("backend: invalid filter")

	errMissingDatabase = errors.New("database connection is required")
)

// Filter selects rows whose Field renders as Value.
type Filter struct {
	Field string
	Value string
}

// ParseFilter reads the "Field=Value" form used by the q.where query parameter.
func ParseFilter(raw string) (Filter, error) {
	field, value, ok := strings.Cut(strings.TrimSpace(raw), "=")
	field = strings.TrimSpace(field)
	value = strings.Trim(strings.TrimSpace(value), `'"`)
	if !ok || field == "" || value == "" {
		return Filter{}, ErrInvalidFilter
	}
	return Filter{Field: field, Value: value}, nil
}

// Row is a decoded backend row.
type Row map[string]any

// RepositoryConfig wires a Repository.
type RepositoryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Repository persists rows and uploaded files for the reference backend.
type Repository struct {
	db       *gorm.DB
	clock    func() time.Time
	logger   *zap.Logger
	idFields map[string]string
}

// Open connects to the SQLite file at path and migrates the backend schema.
func Open(path string, log *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	if log != nil {
		log.Info("backend database initialized", zap.String("path", path))
	}
	return db, nil
}

// NewRepository constructs a Repository.
func NewRepository(cfg RepositoryConfig) (*Repository, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	idFields := make(map[string]string)
	for _, family := range records.Families() {
		idFields[family.Table] = family.IDField
	}
	return &Repository{db: cfg.Database, clock: clock, logger: log, idFields: idFields}, nil
}

// IDField names the id column clients key table on.
func (r *Repository) IDField(table string) string {
	if field, ok := r.idFields[table]; ok {
		return field
	}
	return PrimaryKeyField
}

// Create inserts fields into table and returns the stored row. A repeated idempotency key returns the row
// created the first time instead of inserting again.
func (r *Repository) Create(ctx context.Context, table string, fields Row, idempotencyKey string) (Row, bool, error) {
	var created Row
	replayed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			var existing rowRecord
			err := tx.Where("table_name = ? AND idempotency_key = ?", table, idempotencyKey).Take(&existing).Error
			if err == nil {
				row, decodeErr := decodeRow(existing.DataJSON)
				created = row
				replayed = true
				return decodeErr
			}
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}

		now := r.clock().UTC().Unix()
		record := rowRecord{
			Table:            table,
			IdempotencyKey:   idempotencyKey,
			DataJSON:         datatypes.JSON(`{}`),
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return err
		}

		row := make(Row, len(fields)+2)
		for name, value := range fields {
			row[name] = value
		}
		row[PrimaryKeyField] = record.ID
		row[r.IDField(table)] = record.ID
		encoded, err := json.Marshal(row)
		if err != nil {
			return err
		}
		record.DataJSON = datatypes.JSON(encoded)
		if err := tx.Model(&rowRecord{}).Where("id = ?", record.ID).Update("data_json", record.DataJSON).Error; err != nil {
			return err
		}
		created, err = decodeRow(record.DataJSON)
		return err
	})
	if err != nil {
		return nil, false, fmt.Errorf("create %s row: %w", table, err)
	}
	return created, replayed, nil
}

// Find returns the rows of table matching filter, in insertion order. A zero filter matches every row.
func (r *Repository) Find(ctx context.Context, table string, filter Filter) ([]Row, error) {
	stored, err := r.matching(ctx, r.db, table, filter)
	if err != nil {
		return nil, fmt.Errorf("find %s rows: %w", table, err)
	}
	rows := make([]Row, 0, len(stored))
	for _, record := range stored {
		row, err := decodeRow(record.DataJSON)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Update merges patch into every row of table matching filter. Id fields are never overwritten.
func (r *Repository) Update(ctx context.Context, table string, filter Filter, patch Row) ([]Row, error) {
	var updated []Row
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := r.matching(ctx, tx, table, filter)
		if err != nil {
			return err
		}
		if len(stored) == 0 {
			return ErrRowNotFound
		}
		idField := r.IDField(table)
		for _, record := range stored {
			row, err := decodeRow(record.DataJSON)
			if err != nil {
				return err
			}
			for name, value := range patch {
				if name == PrimaryKeyField || name == idField {
					continue
				}
				row[name] = value
			}
			encoded, err := json.Marshal(row)
			if err != nil {
				return err
			}
			err = tx.Model(&rowRecord{}).Where("id = ?", record.ID).Updates(map[string]any{
				"data_json":    datatypes.JSON(encoded),
				"updated_at_s": r.clock().UTC().Unix(),
			}).Error
			if err != nil {
				return err
			}
			updated = append(updated, row)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update %s rows: %w", table, err)
	}
	return updated, nil
}

// Delete removes the rows of table matching filter and reports how many were removed.
func (r *Repository) Delete(ctx context.Context, table string, filter Filter) (int, error) {
	removed := 0
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stored, err := r.matching(ctx, tx, table, filter)
		if err != nil {
			return err
		}
		for _, record := range stored {
			if err := tx.Where("id = ?", record.ID).Delete(&rowRecord{}).Error; err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete %s rows: %w", table, err)
	}
	return removed, nil
}

// SaveFile stores uploaded bytes under name.
func (r *Repository) SaveFile(ctx context.Context, name, contentType string, data []byte) error {
	record := fileRecord{
		Name:             name,
		ContentType:      contentType,
		Data:             data,
		CreatedAtSeconds: r.clock().UTC().Unix(),
	}
	if err := r.db.WithContext(ctx).Save(&record).Error; err != nil {
		return fmt.Errorf("save file %s: %w", name, err)
	}
	return nil
}

// File returns the stored upload named name.
func (r *Repository) File(ctx context.Context, name string) (string, []byte, error) {
	var record fileRecord
	err := r.db.WithContext(ctx).Where("name = ?", name).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil, ErrRowNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("load file %s: %w", name, err)
	}
	return record.ContentType, record.Data, nil
}

// Seed inserts rows into table, typically template reference data.
func (r *Repository) Seed(ctx context.Context, table string, rows []Row) error {
	for _, row := range rows {
		if _, _, err := r.Create(ctx, table, row, ""); err != nil {
			return err
		}
	}
	r.logger.Info("backend table seeded", zap.String("table", table), zap.Int("rows", len(rows)))
	return nil
}

func (r *Repository) matching(ctx context.Context, db *gorm.DB, table string, filter Filter) ([]rowRecord, error) {
	var candidates []rowRecord
	err := db.WithContext(ctx).Where("table_name = ?", table).Order("id ASC").Find(&candidates).Error
	if err != nil {
		return nil, err
	}
	if filter.Field == "" {
		return candidates, nil
	}
	matched := candidates[:0]
	for _, record := range candidates {
		row, err := decodeRow(record.DataJSON)
		if err != nil {
			return nil, err
		}
		if renderValue(row[filter.Field]) == filter.Value {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

func decodeRow(raw []byte) (Row, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var row Row
	if err := decoder.Decode(&row); err != nil {
		return nil, err
	}
	return row, nil
}

func renderValue(value any) string {
	switch typed := value.(type) {
	case nil:
		return ""
	case string:
		return typed
	case json.Number:
		return typed.String()
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(typed, 10)
	default:
		return fmt.Sprint(typed)
	}
}
