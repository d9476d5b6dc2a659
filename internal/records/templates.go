package records

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/cache"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"go.uber.org/zap"
)

const (
	opTemplates        = "records.templates"
	templateCacheScope = "templates"
	templateCacheKind  = "template"
)

var (
	errUnknownTemplate = errors.New("records: template name is required")
	// errTemplateOffline keeps an unavailable template out of the request cache.
	errTemplateOffline = errors.New("records: template not cached and backend unreachable")
)

// TemplatesConfig wires a Templates reader.
type TemplatesConfig struct {
	Store        *store.Store
	Cache        cache.Cache
	Remote       Remote
	Connectivity Connectivity
	Logger       *zap.Logger
}

// Templates is a read-through cache of the mostly static reference tables views build forms from.
type Templates struct {
	store        *store.Store
	remote       Remote
	connectivity Connectivity
	logger       *zap.Logger
	resolver     *cache.Resolver[[]map[string]any]
	cache        cache.Cache
}

// NewTemplates constructs a Templates reader.
func NewTemplates(cfg TemplatesConfig) (*Templates, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opTemplates, "missing_store", errMissingStore)
	}
	backing := cfg.Cache
	if backing == nil {
		backing = cache.NewMemory(cache.DefaultTTL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	resolver, err := cache.NewResolver[[]map[string]any](backing)
	if err != nil {
		return nil, newServiceError(opTemplates, "resolver_failed", err)
	}
	return &Templates{
		store:        cfg.Store,
		remote:       cfg.Remote,
		connectivity: cfg.Connectivity,
		logger:       logger,
		resolver:     resolver,
		cache:        backing,
	}, nil
}

// Get returns the rows of template table name: request cache, then the device copy, then the backend.
// An unknown template yields nil.
func (t *Templates) Get(ctx context.Context, name string) ([]map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newServiceError(opTemplates, "missing_name", errUnknownTemplate)
	}
	rows, err := t.resolver.Resolve(ctx, t.key(name), func(loadCtx context.Context) ([]map[string]any, error) {
		var stored []map[string]any
		found, err := t.store.Get(loadCtx, store.CollectionTemplates, name, &stored)
		if err != nil {
			return nil, err
		}
		if found {
			return stored, nil
		}
		return t.fetch(loadCtx, name)
	})
	if errors.Is(err, errTemplateOffline) {
		return nil, nil
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		t.logger.Error("template read failed",
			zap.String("operation", opTemplates),
			zap.String("reason", "read_failed"),
			zap.String("template", name),
			zap.Error(err))
		return nil, newServiceError(opTemplates, "read_failed", err)
	}
	return rows, nil
}

// Refresh replaces the device copy of name with the backend's rows.
func (t *Templates) Refresh(ctx context.Context, name string) ([]map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, newServiceError(opTemplates, "missing_name", errUnknownTemplate)
	}
	rows, err := t.fetch(ctx, name)
	if err != nil {
		return nil, newServiceError(opTemplates, "refresh_failed", err)
	}
	t.cache.Invalidate(t.key(name))
	return rows, nil
}

func (t *Templates) fetch(ctx context.Context, name string) ([]map[string]any, error) {
	if t.remote == nil || (t.connectivity != nil && !t.connectivity.Online()) {
		return nil, errTemplateOffline
	}
	rows, err := t.remote.GetRows(ctx, "/tables/"+name+"/records")
	if err != nil {
		return nil, err
	}
	if err := t.store.Put(ctx, store.CollectionTemplates, name, rows, store.IndexValues{EntityType: templateCacheKind}); err != nil {
		return nil, err
	}
	return rows, nil
}

func (t *Templates) key(name string) cache.Key {
	return cache.Key{Scope: templateCacheScope, Kind: templateCacheKind, ID: name}
}
