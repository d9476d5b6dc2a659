package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// Config wires the store to its database and collaborators.
type Config struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store is the durable local database: keyed document collections plus the mutation, caption, mapping,
// blob and render tables. It never issues network calls.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// New constructs a Store over an already migrated database.
func New(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, &Error{Op: "new", Err: errMissingDatabase}
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// WithinTx runs fn against a store bound to a single transaction; nothing fn writes is visible unless it returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		scoped := *s
		scoped.db = tx
		return fn(&scoped)
	})
}

func (s *Store) nowMillis() int64 {
	return s.clock().UTC().UnixMilli()
}

// Put inserts or replaces the value stored under key in collection.
func (s *Store) Put(ctx context.Context, collection Collection, key string, value any, indexes IndexValues) error {
	const op = "put"
	if err := validateKey(collection, key); err != nil {
		return wrapError(op, string(collection), err)
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		return wrapError(op, string(collection), encodeError(err))
	}

	document := Document{
		Collection:      collection,
		Key:             key,
		ServiceID:       indexes.ServiceID,
		EntityType:      indexes.EntityType,
		EntityID:        indexes.EntityID,
		ValueJSON:       string(encoded),
		UpdatedAtMillis: s.nowMillis(),
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&document).Error
	return wrapError(op, string(collection), err)
}

// Get decodes the value stored under key into out and reports whether it existed.
func (s *Store) Get(ctx context.Context, collection Collection, key string, out any) (bool, error) {
	const op = "get"
	if err := validateKey(collection, key); err != nil {
		return false, wrapError(op, string(collection), err)
	}

	var document Document
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_key = ?", collection, key).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, wrapError(op, string(collection), err)
	}
	if err := document.Decode(out); err != nil {
		return false, wrapError(op, string(collection), err)
	}
	return true, nil
}

// Delete removes key from collection. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, collection Collection, key string) error {
	const op = "delete"
	if err := validateKey(collection, key); err != nil {
		return wrapError(op, string(collection), err)
	}
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_key = ?", collection, key).
		Delete(&Document{}).Error
	return wrapError(op, string(collection), err)
}

// QueryByIndex lists the documents of collection whose index column equals value, oldest write first.
func (s *Store) QueryByIndex(ctx context.Context, collection Collection, index Index, value string) ([]Document, error) {
	const op = "query_by_index"
	switch index {
	case IndexServiceID, IndexEntityType, IndexEntityID:
	default:
		return nil, wrapError(op, string(collection), ErrInvalidKey)
	}

	var documents []Document
	err := s.db.WithContext(ctx).
		Where("collection = ? AND "+string(index)+" = ?", collection, value).
		Order("updated_at_ms ASC").
		Order("doc_key ASC").
		Find(&documents).Error
	if err != nil {
		return nil, wrapError(op, string(collection), err)
	}
	return documents, nil
}

// Decode unmarshals the stored JSON value into out.
func (d Document) Decode(out any) error {
	return json.Unmarshal([]byte(d.ValueJSON), out)
}

func validateKey(collection Collection, key string) error {
	if strings.TrimSpace(string(collection)) == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
