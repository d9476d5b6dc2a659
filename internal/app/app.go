// Package app wires the local store, the sync engine and the façades into one runnable agent.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/cache"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/config"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/events"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/photos"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/records"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/syncengine"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/tempid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const metricsShutdownTimeout = 5 * time.Second

var errMissingLogger = errors.New("logger is required")

// Options wires an App. HTTPClient and Hooks are optional.
type Options struct {
	Config     config.AppConfig
	Logger     *zap.Logger
	HTTPClient *http.Client
	Hooks      photos.Hooks
}

// App owns every long-lived component of the sync agent.
type App struct {
	Config    config.AppConfig
	Logger    *zap.Logger
	Store     *store.Store
	TempIDs   *tempid.Service
	Cache     *cache.Memory
	Events    *events.Bus
	Remote    *remote.Client
	Metrics   *metrics.Collector
	Engine    *syncengine.Engine
	Monitor   *syncengine.Monitor
	Templates *records.Templates
	Photos    *photos.Pipeline
	InMemory  bool

	db       *gorm.DB
	services map[string]*records.Service
}

// New opens the local database and builds the component graph. The engine starts offline until the monitor's
// first health check succeeds.
func New(opts Options) (*App, error) {
	if opts.Logger == nil {
		return nil, errMissingLogger
	}
	cfg := opts.Config
	logger := opts.Logger

	db, inMemory, err := database.OpenWithFallback(cfg.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}

	localStore, err := store.New(store.Config{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	tempIDs, err := tempid.NewService(tempid.Config{Store: localStore, Logger: logger})
	if err != nil {
		return nil, err
	}
	client, err := remote.NewClient(remote.Config{
		BaseURL:    cfg.RemoteBaseURL,
		Token:      cfg.RemoteToken,
		Timeout:    cfg.RemoteTimeout,
		HTTPClient: opts.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	collector := metrics.NewCollector()
	bus := events.NewBus()
	requestCache := cache.NewMemory(cfg.CacheTTL)

	engine, err := syncengine.New(syncengine.Config{
		Store:             localStore,
		Transport:         client,
		Mappings:          tempIDs,
		Events:            bus,
		Metrics:           collector,
		Logger:            logger,
		Interval:          cfg.SyncInterval,
		RequestsPerSecond: cfg.MaxRequestsPerSecond,
		Retry: syncengine.RetryPolicy{
			Initial:     cfg.RetryInitial,
			MaxInterval: cfg.RetryMaxInterval,
			MaxAttempts: cfg.RetryMaxAttempts,
		},
		RetainDone: cfg.RetainDone,
	})
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Store:    localStore,
		TempIDs:  tempIDs,
		Cache:    requestCache,
		Events:   bus,
		Remote:   client,
		Metrics:  collector,
		Engine:   engine,
		Monitor:  syncengine.NewMonitor(engine, client, cfg.ConnectivityInterval, logger),
		InMemory: inMemory,
		db:       db,
		services: make(map[string]*records.Service),
	}

	for _, family := range records.Families() {
		service, err := records.New(records.Config{
			Family:             family,
			Store:              localStore,
			Cache:              requestCache,
			Remote:             client,
			TempIDs:            tempIDs,
			Connectivity:       engine,
			Events:             bus,
			Metrics:            collector,
			Scheduler:          engine,
			Mode:               records.Mode(cfg.SyncMode),
			InvalidationWindow: cfg.InvalidationDebounce,
			Logger:             logger,
		})
		if err != nil {
			app.closeServices()
			return nil, err
		}
		app.services[family.Name] = service
		engine.AddObserver(service)
	}

	app.Templates, err = records.NewTemplates(records.TemplatesConfig{
		Store:        localStore,
		Cache:        requestCache,
		Remote:       client,
		Connectivity: engine,
		Logger:       logger,
	})
	if err != nil {
		app.closeServices()
		return nil, err
	}

	app.Photos, err = photos.New(photos.Config{
		Store:     localStore,
		TempIDs:   tempIDs,
		Transport: client,
		Scheduler: engine,
		Metrics:   collector,
		Hooks:     opts.Hooks,
		Logger:    logger,
	})
	if err != nil {
		app.closeServices()
		return nil, err
	}
	engine.AddObserver(app.Photos)
	engine.AddDrainer(app.Photos.CaptionDrainer())
	app.services[records.Attachment.Name].AddRefreshObserver(app.Photos)

	return app, nil
}

// Records returns the façade for family name.
func (a *App) Records(name string) (*records.Service, bool) {
	service, ok := a.services[name]
	return service, ok
}

// Run drives the engine, the connectivity monitor and the optional metrics endpoint until ctx ends.
func (a *App) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return a.Engine.Run(groupCtx)
	})
	group.Go(func() error {
		return a.Monitor.Run(groupCtx)
	})
	if a.Config.MetricsAddress != "" {
		group.Go(func() error {
			return a.serveMetrics(groupCtx)
		})
	}
	return group.Wait()
}

// SyncNow checks the backend and runs one pass when it answers.
func (a *App) SyncNow(ctx context.Context) (syncengine.PassResult, error) {
	if !a.Monitor.Check(ctx) {
		return syncengine.PassResult{Offline: true}, nil
	}
	return a.Engine.Flush(ctx)
}

// QueueSummary lists every queued mutation that is not done, oldest first, with per-status counts.
func (a *App) QueueSummary(ctx context.Context) ([]store.PendingMutation, map[store.MutationStatus]int64, error) {
	mutations, err := a.Store.MutationsByStatus(ctx, store.StatusPending, store.StatusInFlight, store.StatusFailed)
	if err != nil {
		return nil, nil, err
	}
	counts, err := a.Store.CountByStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	return mutations, counts, nil
}

// Close releases the database and stops pending broadcasts.
func (a *App) Close() error {
	a.closeServices()
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (a *App) closeServices() {
	for _, service := range a.services {
		service.Close()
	}
}

func (a *App) serveMetrics(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.Config.MetricsAddress,
		Handler:           a.Metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info("metrics endpoint listening", zap.String("address", a.Config.MetricsAddress))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
