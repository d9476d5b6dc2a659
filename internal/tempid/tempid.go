// Package tempid issues placeholder identifiers for records created offline and tracks the
// real ids the backend assigns to them.
package tempid

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// TempPrefix marks record ids generated locally.
	TempPrefix = "temp_"
	// ImagePrefix marks stable local image ids.
	ImagePrefix = "img_"
)

var (
	// ErrMappingConflict indicates a second, different real id was reported for an already mapped temp id.
	ErrMappingConflict = errors.New("tempid: mapping already recorded with a different real id")
	errMissingStore    = errors.New("tempid: store is required")
	errEmptyID         = errors.New("tempid: temp id and real id are required")
)

// MappingStore is the persistence the service needs.
type MappingStore interface {
	PutMapping(ctx context.Context, mapping store.TempIDMapping) (store.TempIDMapping, error)
	RealIDFor(ctx context.Context, tempID string) (string, bool, error)
	TempIDFor(ctx context.Context, realID string) (string, bool, error)
}

// Service generates temp ids and resolves mappings.
type Service struct {
	store  MappingStore
	clock  func() time.Time
	logger *zap.Logger
}

// Config wires a Service.
type Config struct {
	Store  MappingStore
	Clock  func() time.Time
	Logger *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, clock: clock, logger: logger}, nil
}

// Generate returns temp_<prefix>_<unixMillis>_<random>.
func (s *Service) Generate(prefix string) string {
	return Generate(prefix, s.clock())
}

// Generate formats a temp id for prefix at now.
func Generate(prefix string, now time.Time) string {
	normalized := strings.ToLower(strings.TrimSpace(prefix))
	if normalized == "" {
		normalized = "record"
	}
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return fmt.Sprintf("%s%s_%d_%s", TempPrefix, normalized, now.UTC().UnixMilli(), random)
}

// NewImageID returns a stable local image id.
func NewImageID() string {
	value, err := uuid.NewV7()
	if err != nil {
		value = uuid.New()
	}
	return ImagePrefix + value.String()
}

// IsTemp reports whether id was generated locally and has no server identity of its own.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix) || strings.HasPrefix(id, ImagePrefix)
}

// RealID returns the real id for tempID. A false result means "use the temp id for now".
func (s *Service) RealID(ctx context.Context, tempID string) (string, bool, error) {
	return s.store.RealIDFor(ctx, tempID)
}

// TempID returns the temp id realID replaced, if any.
func (s *Service) TempID(ctx context.Context, realID string) (string, bool, error) {
	return s.store.TempIDFor(ctx, realID)
}

// Resolve returns the mapped real id when id is a synced temp id, and id otherwise.
func (s *Service) Resolve(ctx context.Context, id string) (string, error) {
	if !IsTemp(id) {
		return id, nil
	}
	realID, found, err := s.store.RealIDFor(ctx, id)
	if err != nil {
		return "", err
	}
	if !found {
		return id, nil
	}
	return realID, nil
}

// Record stores tempID -> realID. Mappings are append-only: repeating the same mapping is a no-op,
// a different real id is ignored and reported as ErrMappingConflict.
func (s *Service) Record(ctx context.Context, tempID, realID, entityType string) error {
	if tempID == "" || realID == "" {
		return errEmptyID
	}
	stored, err := s.store.PutMapping(ctx, store.TempIDMapping{
		TempID:          tempID,
		RealID:          realID,
		EntityType:      entityType,
		CreatedAtMillis: s.clock().UTC().UnixMilli(),
	})
	if err != nil {
		return err
	}
	if stored.RealID != realID {
		s.logger.Warn("temp id already mapped",
			zap.String("temp_id", tempID),
			zap.String("real_id", stored.RealID),
			zap.String("rejected_real_id", realID))
		return fmt.Errorf("%w: %s -> %s", ErrMappingConflict, tempID, stored.RealID)
	}
	return nil
}
