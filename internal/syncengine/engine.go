// Package syncengine replays the local mutation queue against the backend.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/events"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultInterval   = 30 * time.Second
	defaultRetainDone = 24 * time.Hour

	opPass     = "syncengine.pass"
	opDispatch = "syncengine.dispatch"
	opSettle   = "syncengine.settle"
	opRequeue  = "syncengine.requeue"
	opDrain    = "syncengine.drain"
)

var (
	errMissingStore     = errors.New("store is required")
	errMissingTransport = errors.New("transport is required")
	errMissingBlob      = errors.New("attachment bytes are no longer cached")
	noOpLogger          = zap.NewNop()
)

// Transport issues requests against the backend.
type Transport interface {
	Do(ctx context.Context, request remote.Request) (remote.Response, error)
	Health(ctx context.Context) error
}

// Mapper records temp id -> real id mappings.
type Mapper interface {
	Record(ctx context.Context, tempID, realID, entityType string) error
}

// Publisher fans out sync notifications.
type Publisher interface {
	Publish(topic string, payload any)
}

// Recorder receives queue metrics.
type Recorder interface {
	RecordCompleted(entityType, mutationType, method string, latency time.Duration)
	RecordFailed(entityType, mutationType, method string, latency time.Duration, permanent bool)
	RecordExhausted(entityType string)
	SetQueueDepth(counts map[string]int64)
	RecordPass()
	SetOnline(online bool)
}

// Observer is told, synchronously and in queue order, how each replayed mutation settled.
type Observer interface {
	MutationSettled(ctx context.Context, event events.MutationEvent)
	SyncCompleted(ctx context.Context, complete events.SyncComplete)
}

// Drainer is an extra queue flushed after mutations on every pass.
type Drainer interface {
	Name() string
	Drain(ctx context.Context) error
}

// Config wires an Engine.
type Config struct {
	Store             *store.Store
	Transport         Transport
	Mappings          Mapper
	Events            Publisher
	Metrics           Recorder
	Clock             func() time.Time
	Logger            *zap.Logger
	Interval          time.Duration
	RequestsPerSecond float64
	Retry             RetryPolicy
	RetainDone        time.Duration
	Online            bool
}

// PassResult summarises one sync pass.
type PassResult struct {
	Attempted int
	Completed int
	Failed    int
	Blocked   int
	Offline   bool
	Coalesced bool
}

func (r *PassResult) add(other PassResult) {
	r.Attempted += other.Attempted
	r.Completed += other.Completed
	r.Failed += other.Failed
	r.Blocked += other.Blocked
	r.Offline = r.Offline || other.Offline
}

// Engine drains the mutation queue on an interval, on reconnect and on demand. Passes never overlap;
// a trigger that arrives during a pass schedules one more pass.
type Engine struct {
	store      *store.Store
	transport  Transport
	mappings   Mapper
	publisher  Publisher
	metrics    Recorder
	clock      func() time.Time
	logger     *zap.Logger
	interval   time.Duration
	limiter    *rate.Limiter
	retry      RetryPolicy
	retainDone time.Duration

	online atomic.Bool
	wake   chan struct{}

	mu        sync.Mutex
	flushing  bool
	rerun     bool
	observers []Observer
	drainers  []Drainer
}

// New constructs an Engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Transport == nil {
		return nil, errMissingTransport
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	retainDone := cfg.RetainDone
	if retainDone <= 0 {
		retainDone = defaultRetainDone
	}
	limit := rate.Inf
	burst := 1
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	engine := &Engine{
		store:      cfg.Store,
		transport:  cfg.Transport,
		mappings:   cfg.Mappings,
		publisher:  cfg.Events,
		metrics:    cfg.Metrics,
		clock:      clock,
		logger:     logger,
		interval:   interval,
		limiter:    rate.NewLimiter(limit, burst),
		retry:      cfg.Retry.normalized(),
		retainDone: retainDone,
		wake:       make(chan struct{}, 1),
	}
	engine.online.Store(cfg.Online)
	return engine, nil
}

// AddObserver registers o for mutation outcomes.
func (e *Engine) AddObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = append(e.observers, o)
}

// AddDrainer registers d to run after mutations on each pass.
func (e *Engine) AddDrainer(d Drainer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drainers = append(e.drainers, d)
}

// Online reports the last known connectivity state.
func (e *Engine) Online() bool {
	return e.online.Load()
}

// SetOnline records connectivity. Regaining connectivity triggers a pass.
func (e *Engine) SetOnline(online bool) {
	previous := e.online.Swap(online)
	if e.metrics != nil {
		e.metrics.SetOnline(online)
	}
	if online && !previous {
		e.logger.Info("connectivity regained, scheduling sync")
		e.Trigger()
	}
	if !online && previous {
		e.logger.Info("connectivity lost, sync paused")
	}
}

// Trigger asks the Run loop for a pass without waiting for it.
func (e *Engine) Trigger() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives passes until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info("sync engine started", zap.Duration("interval", e.interval))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("sync engine stopped")
			return nil
		case <-ticker.C:
		case <-e.wake:
		}
		if _, err := e.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			e.logError(opPass, "pass_failed", err)
		}
	}
}

// Flush runs a pass now. If a pass is already running the call returns at once and that pass repeats.
func (e *Engine) Flush(ctx context.Context) (PassResult, error) {
	e.mu.Lock()
	if e.flushing {
		e.rerun = true
		e.mu.Unlock()
		return PassResult{Coalesced: true}, nil
	}
	e.flushing = true
	e.mu.Unlock()

	var total PassResult
	for {
		result, err := e.pass(ctx)
		total.add(result)

		e.mu.Lock()
		if err != nil || !e.rerun || ctx.Err() != nil {
			e.flushing = false
			e.rerun = false
			e.mu.Unlock()
			return total, err
		}
		e.rerun = false
		e.mu.Unlock()
	}
}

// Requeue restarts a failed mutation with a fresh retry budget and schedules a pass.
func (e *Engine) Requeue(ctx context.Context, mutationID string) error {
	mutation, err := e.store.Mutation(ctx, mutationID)
	if err != nil {
		e.logError(opRequeue, "lookup_failed", err, zap.String("mutation_id", mutationID))
		return err
	}
	if mutation == nil {
		return fmt.Errorf("%w: mutation %s", store.ErrNotFound, mutationID)
	}
	if _, err := transition(mutation.Status, eventRetry); err != nil {
		return err
	}
	if err := e.store.RequeueMutation(ctx, mutationID); err != nil {
		e.logError(opRequeue, "requeue_failed", err, zap.String("mutation_id", mutationID))
		return err
	}
	e.logger.Info("mutation requeued", zap.String("mutation_id", mutationID))
	e.Trigger()
	return nil
}

type passState struct {
	settled  map[string]bool
	touched  map[string]map[string]struct{}
	counts   map[string]*events.SyncComplete
	result   PassResult
	observed []Observer
}

func (e *Engine) pass(ctx context.Context) (PassResult, error) {
	if !e.online.Load() {
		return PassResult{Offline: true}, nil
	}

	mutations, err := e.store.PendingMutations(ctx)
	if err != nil {
		e.logError(opPass, "load_failed", err)
		return PassResult{}, err
	}

	e.mu.Lock()
	state := &passState{
		settled:  make(map[string]bool, len(mutations)),
		touched:  make(map[string]map[string]struct{}),
		counts:   make(map[string]*events.SyncComplete),
		observed: append([]Observer(nil), e.observers...),
	}
	drainers := append([]Drainer(nil), e.drainers...)
	e.mu.Unlock()

	graph := buildGraph(mutations)
	ordered, cyclic := graph.order()
	for _, mutation := range cyclic {
		e.logError(opPass, "dependency_cycle", nil,
			zap.String("mutation_id", mutation.ID),
			zap.Strings("dependencies", mutation.Dependencies))
	}

	now := e.clock().UTC().UnixMilli()
	var passErr error
	for _, queued := range ordered {
		if ctx.Err() != nil {
			passErr = ctx.Err()
			break
		}
		if !e.online.Load() {
			state.result.Offline = true
			break
		}
		if !e.eligible(queued, now) {
			continue
		}
		if blocked := e.blockedBy(graph, state, queued.ID); blocked != "" {
			state.result.Blocked++
			e.logger.Debug("mutation waiting on dependency",
				zap.String("mutation_id", queued.ID),
				zap.String("dependency", blocked))
			continue
		}

		// Earlier completions in this pass may have rewritten the stored copy.
		current, err := e.store.Mutation(ctx, queued.ID)
		if err != nil {
			passErr = err
			break
		}
		if current == nil || !e.eligible(current, now) {
			continue
		}

		completed, err := e.dispatch(ctx, current, state)
		if err != nil {
			passErr = err
			break
		}
		state.settled[current.ID] = completed
	}

	e.publishBatch(ctx, state)
	if passErr == nil {
		e.runDrainers(ctx, drainers)
	}
	e.housekeeping(ctx)
	if e.metrics != nil {
		e.metrics.RecordPass()
	}
	if state.result.Attempted > 0 {
		e.logger.Info("sync pass finished",
			zap.Int("attempted", state.result.Attempted),
			zap.Int("completed", state.result.Completed),
			zap.Int("failed", state.result.Failed),
			zap.Int("blocked", state.result.Blocked))
	}
	return state.result, passErr
}

func (e *Engine) eligible(mutation *store.PendingMutation, nowMillis int64) bool {
	switch mutation.Status {
	case store.StatusPending:
		return true
	case store.StatusFailed:
		return !mutation.Exhausted && mutation.NextAttemptMillis <= nowMillis
	default:
		return false
	}
}

// blockedBy returns the first predecessor that has not completed during this pass.
func (e *Engine) blockedBy(graph *mutationGraph, state *passState, id string) string {
	for _, predecessor := range graph.predecessors[id] {
		if !state.settled[predecessor] {
			return predecessor
		}
	}
	return ""
}

// dispatch sends one mutation and records the outcome. It reports whether the mutation completed.
// A non-nil error means the pass must stop.
func (e *Engine) dispatch(ctx context.Context, mutation *store.PendingMutation, state *passState) (bool, error) {
	if mutation.Status == store.StatusFailed {
		status, err := transition(mutation.Status, eventRetry)
		if err != nil {
			return false, err
		}
		mutation.Status = status
	}

	request, buildErr := e.buildRequest(ctx, mutation)

	if err := e.limiter.Wait(ctx); err != nil {
		return false, err
	}

	status, err := transition(mutation.Status, eventDispatch)
	if err != nil {
		return false, err
	}
	mutation.Status = status
	mutation.Attempts++
	if err := e.store.SaveMutation(ctx, mutation); err != nil {
		e.logError(opDispatch, "mark_in_flight_failed", err, zap.String("mutation_id", mutation.ID))
		return false, err
	}
	state.result.Attempted++

	started := e.clock()
	var response remote.Response
	requestErr := buildErr
	if requestErr == nil {
		response, requestErr = e.transport.Do(context.WithoutCancel(ctx), request)
	}
	latency := e.clock().Sub(started)

	settleCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if err := e.release(settleCtx, mutation); err != nil {
			return false, err
		}
		return false, ctx.Err()
	}

	if requestErr != nil {
		return false, e.settleFailure(settleCtx, mutation, requestErr, latency, state)
	}

	realID := ""
	if mutation.Type == store.MutationCreate {
		var idErr error
		realID, idErr = remote.ExtractID(response.Body, mutation.IDField)
		if idErr != nil && mutation.TempID != "" {
			// Without a server id the temp id cannot be mapped and dependents would go out with it.
			e.logError(opSettle, "missing_server_id", idErr,
				zap.String("mutation_id", mutation.ID),
				zap.String("temp_id", mutation.TempID))
			rejected := &remote.ValidationError{StatusCode: response.StatusCode, Body: idErr.Error()}
			return false, e.settleFailure(settleCtx, mutation, rejected, latency, state)
		}
	}
	return true, e.settleSuccess(settleCtx, mutation, response, realID, latency, state)
}

func (e *Engine) buildRequest(ctx context.Context, mutation *store.PendingMutation) (remote.Request, error) {
	request := remote.Request{
		Method:         mutation.Method,
		Endpoint:       mutation.Endpoint,
		Body:           mutation.Data,
		IdempotencyKey: mutation.ID,
	}
	if request.Method == "" {
		request.Method = defaultMethod(mutation.Type)
	}
	if mutation.BlobKey == "" {
		return request, nil
	}

	blob, err := e.store.Blob(ctx, mutation.BlobKey)
	if err != nil {
		return request, &remote.TransientError{Err: err}
	}
	if blob == nil {
		return request, &remote.ValidationError{Body: errMissingBlob.Error()}
	}
	request.Body = nil
	request.Upload = &remote.Upload{
		FileName:    path.Base(blob.Key) + extensionFor(blob.ContentType),
		ContentType: blob.ContentType,
		Data:        blob.Data,
		Fields:      mutation.Data,
	}
	return request, nil
}

func (e *Engine) release(ctx context.Context, mutation *store.PendingMutation) error {
	status, err := transition(mutation.Status, eventRelease)
	if err != nil {
		return err
	}
	mutation.Status = status
	mutation.Attempts--
	if err := e.store.SaveMutation(ctx, mutation); err != nil {
		e.logError(opSettle, "release_failed", err, zap.String("mutation_id", mutation.ID))
		return err
	}
	e.logger.Info("sync cancelled, result discarded", zap.String("mutation_id", mutation.ID))
	return nil
}

func (e *Engine) settleSuccess(ctx context.Context, mutation *store.PendingMutation, response remote.Response, realID string, latency time.Duration, state *passState) error {
	status, err := transition(mutation.Status, eventComplete)
	if err != nil {
		return err
	}

	mutation.Status = status
	mutation.LastError = ""
	mutation.CompletedAtMillis = e.clock().UTC().UnixMilli()
	if err := e.store.SaveMutation(ctx, mutation); err != nil {
		e.logError(opSettle, "mark_done_failed", err, zap.String("mutation_id", mutation.ID))
		return err
	}

	if realID != "" && mutation.TempID != "" {
		if e.mappings != nil {
			if err := e.mappings.Record(ctx, mutation.TempID, realID, mutation.EntityType); err != nil {
				e.logError(opSettle, "mapping_failed", err,
					zap.String("temp_id", mutation.TempID),
					zap.String("real_id", realID))
			}
		}
		if _, err := e.store.RewriteTempID(ctx, mutation.TempID, realID); err != nil {
			e.logError(opSettle, "rewrite_failed", err, zap.String("temp_id", mutation.TempID))
			return err
		}
	}

	if e.metrics != nil {
		e.metrics.RecordCompleted(mutation.EntityType, string(mutation.Type), methodOf(mutation), latency)
	}
	state.result.Completed++

	var row map[string]any
	if rows, err := remote.DecodeRows(response.Body); err == nil && len(rows) > 0 {
		row = rows[0]
	}
	e.emitMutation(ctx, state, events.MutationEvent{
		MutationID: mutation.ID,
		Type:       string(mutation.Type),
		EntityType: mutation.EntityType,
		EntityKey:  mutation.EntityKey,
		ServiceID:  mutation.ServiceID,
		TempID:     mutation.TempID,
		RealID:     realID,
		Status:     string(mutation.Status),
		Response:   row,
	}, true)
	return nil
}

func (e *Engine) settleFailure(ctx context.Context, mutation *store.PendingMutation, cause error, latency time.Duration, state *passState) error {
	status, err := transition(mutation.Status, eventFail)
	if err != nil {
		return err
	}

	permanent := remote.IsPermanent(cause)
	exhausted := permanent || e.retry.Exhausted(mutation.Attempts)

	mutation.Status = status
	mutation.LastError = cause.Error()
	mutation.Exhausted = exhausted
	mutation.NextAttemptMillis = 0
	if !exhausted {
		mutation.NextAttemptMillis = e.clock().Add(e.retry.Delay(mutation.Attempts)).UTC().UnixMilli()
	}
	if err := e.store.SaveMutation(ctx, mutation); err != nil {
		e.logError(opSettle, "mark_failed_failed", err, zap.String("mutation_id", mutation.ID))
		return err
	}

	fields := []zap.Field{
		zap.String("mutation_id", mutation.ID),
		zap.String("entity_type", mutation.EntityType),
		zap.String("type", string(mutation.Type)),
		zap.Int("attempts", mutation.Attempts),
		zap.Bool("permanent", permanent),
		zap.Error(cause),
	}
	if exhausted {
		e.logger.Error("mutation parked after failure", fields...)
		if e.metrics != nil {
			e.metrics.RecordExhausted(mutation.EntityType)
		}
	} else {
		e.logger.Warn("mutation failed, will retry", append(fields, zap.Int64("next_attempt_ms", mutation.NextAttemptMillis))...)
	}
	if e.metrics != nil {
		e.metrics.RecordFailed(mutation.EntityType, string(mutation.Type), methodOf(mutation), latency, permanent)
	}
	state.result.Failed++

	var transient *remote.TransientError
	if errors.As(cause, &transient) && transient.StatusCode == 0 && !isLocal(cause) {
		e.SetOnline(false)
	}

	e.emitMutation(ctx, state, events.MutationEvent{
		MutationID: mutation.ID,
		Type:       string(mutation.Type),
		EntityType: mutation.EntityType,
		EntityKey:  mutation.EntityKey,
		ServiceID:  mutation.ServiceID,
		TempID:     mutation.TempID,
		Status:     string(mutation.Status),
		Error:      cause.Error(),
		Permanent:  exhausted,
		Rejected:   permanent,
	}, false)
	return nil
}

func (e *Engine) emitMutation(ctx context.Context, state *passState, event events.MutationEvent, completed bool) {
	summary, ok := state.counts[event.EntityType]
	if !ok {
		summary = &events.SyncComplete{EntityType: event.EntityType}
		state.counts[event.EntityType] = summary
		state.touched[event.EntityType] = make(map[string]struct{})
	}
	if completed {
		summary.Completed++
	} else {
		summary.Failed++
	}
	if event.ServiceID != "" {
		state.touched[event.EntityType][event.ServiceID] = struct{}{}
	}

	if e.publisher != nil {
		e.publisher.Publish(events.TopicMutation, event)
	}
	for _, observer := range state.observed {
		observer.MutationSettled(ctx, event)
	}
}

func (e *Engine) publishBatch(ctx context.Context, state *passState) {
	entityTypes := make([]string, 0, len(state.counts))
	for entityType := range state.counts {
		entityTypes = append(entityTypes, entityType)
	}
	sort.Strings(entityTypes)

	settleCtx := context.WithoutCancel(ctx)
	for _, entityType := range entityTypes {
		summary := *state.counts[entityType]
		for serviceID := range state.touched[entityType] {
			summary.ServiceIDs = append(summary.ServiceIDs, serviceID)
		}
		sort.Strings(summary.ServiceIDs)
		if e.publisher != nil {
			e.publisher.Publish(events.SyncTopic(entityType), summary)
		}
		for _, observer := range state.observed {
			observer.SyncCompleted(settleCtx, summary)
		}
	}
}

func (e *Engine) runDrainers(ctx context.Context, drainers []Drainer) {
	for _, drainer := range drainers {
		if ctx.Err() != nil || !e.online.Load() {
			return
		}
		if err := drainer.Drain(ctx); err != nil {
			e.logError(opDrain, "drain_failed", err, zap.String("drainer", drainer.Name()))
		}
	}
}

func (e *Engine) housekeeping(ctx context.Context) {
	cleanupCtx := context.WithoutCancel(ctx)
	cutoff := e.clock().Add(-e.retainDone)
	if pruned, err := e.store.PruneDone(cleanupCtx, cutoff); err != nil {
		e.logError(opPass, "prune_failed", err)
	} else if pruned > 0 {
		e.logger.Debug("archived mutations pruned", zap.Int64("count", pruned))
	}

	if e.metrics == nil {
		return
	}
	counts, err := e.store.CountByStatus(cleanupCtx)
	if err != nil {
		e.logError(opPass, "count_failed", err)
		return
	}
	depth := make(map[string]int64, len(counts))
	for status, total := range counts {
		depth[string(status)] = total
	}
	e.metrics.SetQueueDepth(depth)
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("sync engine error", attrs...)
}

func methodOf(mutation *store.PendingMutation) string {
	if mutation.Method != "" {
		return mutation.Method
	}
	return defaultMethod(mutation.Type)
}

func defaultMethod(mutationType store.MutationType) string {
	switch mutationType {
	case store.MutationCreate:
		return http.MethodPost
	case store.MutationDelete:
		return http.MethodDelete
	default:
		return http.MethodPut
	}
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

// isLocal reports failures raised before anything reached the network.
func isLocal(err error) bool {
	var transient *remote.TransientError
	if !errors.As(err, &transient) {
		return false
	}
	var storeErr *store.Error
	return errors.As(transient.Err, &storeErr)
}
