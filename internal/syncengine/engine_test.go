package syncengine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/database"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/events"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/remote"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/store"
	"github.com/MarcoPoloResearchLab/fieldsync/internal/tempid"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(step time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(step)
}

type fakeTransport struct {
	mu       sync.Mutex
	requests []remote.Request
	respond  func(request remote.Request) (remote.Response, error)
}

func (f *fakeTransport) Do(ctx context.Context, request remote.Request) (remote.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return remote.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
	return respond(request)
}

func (f *fakeTransport) Health(ctx context.Context) error {
	return nil
}

func (f *fakeTransport) sent() []remote.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Request(nil), f.requests...)
}

type recordingObserver struct {
	mu        sync.Mutex
	settled   []events.MutationEvent
	completes []events.SyncComplete
}

func (o *recordingObserver) MutationSettled(ctx context.Context, event events.MutationEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settled = append(o.settled, event)
}

func (o *recordingObserver) SyncCompleted(ctx context.Context, complete events.SyncComplete) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completes = append(o.completes, complete)
}

type countingDrainer struct {
	mu    sync.Mutex
	calls int
}

func (d *countingDrainer) Name() string { return "counting" }

func (d *countingDrainer) Drain(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	return nil
}

type harness struct {
	store     *store.Store
	engine    *Engine
	transport *fakeTransport
	mappings  *tempid.Service
	clock     *testClock
	observer  *recordingObserver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "sync.db"), zap.NewNop())
	require.NoError(t, err)

	clock := &testClock{now: time.Unix(1700000000, 0).UTC()}
	localStore, err := store.New(store.Config{Database: db, Clock: clock.Now})
	require.NoError(t, err)
	mappings, err := tempid.NewService(tempid.Config{Store: localStore, Clock: clock.Now})
	require.NoError(t, err)

	transport := &fakeTransport{}
	engine, err := New(Config{
		Store:     localStore,
		Transport: transport,
		Mappings:  mappings,
		Events:    events.NewBus(),
		Clock:     clock.Now,
		Retry:     RetryPolicy{Initial: 5 * time.Second, MaxInterval: time.Minute, MaxAttempts: 3},
		Online:    true,
	})
	require.NoError(t, err)
	observer := &recordingObserver{}
	engine.AddObserver(observer)

	return &harness{store: localStore, engine: engine, transport: transport, mappings: mappings, clock: clock, observer: observer}
}

func (h *harness) enqueue(t *testing.T, mutation *store.PendingMutation) string {
	t.Helper()
	id, err := h.store.AddPendingRequest(context.Background(), mutation)
	require.NoError(t, err)
	return id
}

func createResponder(ids map[string]string) func(request remote.Request) (remote.Response, error) {
	return func(request remote.Request) (remote.Response, error) {
		for prefix, body := range ids {
			if strings.HasPrefix(request.Endpoint, prefix) && request.Method == "POST" {
				return remote.Response{StatusCode: 201, Body: []byte(body)}, nil
			}
		}
		return remote.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}
}

func TestChildWaitsForParentAndReceivesRealID(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	parentTemp := "temp_visual_1700000000000_aaaaaaaaaaaa"
	parentID := h.enqueue(t, &store.PendingMutation{
		Type:       store.MutationCreate,
		EntityType: "visual",
		ServiceID:  "42",
		TempID:     parentTemp,
		IDField:    "VisualID",
		Endpoint:   "/tables/visuals/records",
		Method:     "POST",
		Data:       []byte(`{"ServiceID":42,"Name":"Comment A"}`),
		Priority:   store.PriorityHigh,
	})
	h.enqueue(t, &store.PendingMutation{
		Type:         store.MutationCreate,
		EntityType:   "attachment",
		ServiceID:    "42",
		TempID:       "img_0001",
		IDField:      "AttachID",
		Endpoint:     "/tables/attachments/records",
		Method:       "POST",
		Data:         []byte(`{"VisualID":"` + parentTemp + `","Caption":"roof"}`),
		Dependencies: []string{parentID},
	})

	h.transport.respond = createResponder(map[string]string{
		"/tables/visuals":     `{"VisualID":501,"Name":"Comment A"}`,
		"/tables/attachments": `{"AttachID":900}`,
	})

	result, err := h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Completed)

	sent := h.transport.sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "/tables/visuals/records", sent[0].Endpoint)
	assert.Equal(t, "/tables/attachments/records", sent[1].Endpoint)

	var childBody map[string]any
	require.NoError(t, json.Unmarshal(sent[1].Body, &childBody))
	assert.EqualValues(t, 501, childBody["VisualID"])

	realID, found, err := h.mappings.RealID(ctx, parentTemp)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "501", realID)

	require.Len(t, h.observer.settled, 2)
	assert.Equal(t, "501", h.observer.settled[0].RealID)
	assert.Equal(t, parentTemp, h.observer.settled[0].TempID)
	assert.Len(t, h.observer.completes, 2)
}

func TestChildIsNeverSentWhileParentFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	parentID := h.enqueue(t, &store.PendingMutation{
		Type: store.MutationCreate, EntityType: "visual", TempID: "temp_visual_1", IDField: "VisualID",
		Endpoint: "/tables/visuals/records", Method: "POST", Data: []byte(`{}`),
	})
	childID := h.enqueue(t, &store.PendingMutation{
		Type: store.MutationCreate, EntityType: "attachment", TempID: "img_1", IDField: "AttachID",
		Endpoint: "/tables/attachments/records", Method: "POST", Data: []byte(`{"VisualID":"temp_visual_1"}`),
		Dependencies: []string{parentID},
	})

	h.transport.respond = func(request remote.Request) (remote.Response, error) {
		return remote.Response{}, &remote.TransientError{StatusCode: 503, Err: errors.New("unavailable")}
	}

	result, err := h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Attempted)
	assert.Equal(t, 1, result.Blocked)
	for _, request := range h.transport.sent() {
		assert.NotEqual(t, "/tables/attachments/records", request.Endpoint)
	}

	parent, err := h.store.Mutation(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, parent.Status)
	assert.Equal(t, 1, parent.Attempts)
	assert.False(t, parent.Exhausted)
	assert.Equal(t, h.clock.Now().Add(5*time.Second).UnixMilli(), parent.NextAttemptMillis)

	child, err := h.store.Mutation(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, child.Status)
}

func TestFailedMutationWaitsForBackoffThenExhausts(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.enqueue(t, &store.PendingMutation{
		Type: store.MutationUpdate, EntityType: "dte", EntityKey: "9",
		Endpoint: "/tables/dte/records?q.where=DTEID=9", Method: "PUT", Data: []byte(`{"Notes":"x"}`),
	})
	h.transport.respond = func(request remote.Request) (remote.Response, error) {
		return remote.Response{}, &remote.TransientError{StatusCode: 500, Err: errors.New("boom")}
	}

	_, err := h.engine.Flush(ctx)
	require.NoError(t, err)
	_, err = h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, h.transport.sent(), 1, "retry must wait for backoff")

	h.clock.Advance(5 * time.Second)
	_, err = h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, h.transport.sent(), 2)

	stored, err := h.store.Mutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(10*time.Second).UnixMilli(), stored.NextAttemptMillis)

	h.clock.Advance(10 * time.Second)
	_, err = h.engine.Flush(ctx)
	require.NoError(t, err)

	stored, err = h.store.Mutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, stored.Status)
	assert.True(t, stored.Exhausted)
	assert.Equal(t, 3, stored.Attempts)

	h.clock.Advance(time.Hour)
	_, err = h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Len(t, h.transport.sent(), 3, "exhausted mutations are parked")

	h.transport.respond = nil
	require.NoError(t, h.engine.Requeue(ctx, id))
	_, err = h.engine.Flush(ctx)
	require.NoError(t, err)
	stored, err = h.store.Mutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, stored.Status)
}

func TestValidationFailureIsPermanent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.enqueue(t, &store.PendingMutation{
		Type: store.MutationCreate, EntityType: "lbw", TempID: "temp_lbw_1", IDField: "LBWID",
		Endpoint: "/tables/lbw/records", Method: "POST", Data: []byte(`{}`),
	})
	h.transport.respond = func(request remote.Request) (remote.Response, error) {
		return remote.Response{StatusCode: 422}, &remote.ValidationError{StatusCode: 422, Body: "Name required"}
	}

	_, err := h.engine.Flush(ctx)
	require.NoError(t, err)

	stored, err := h.store.Mutation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, stored.Status)
	assert.True(t, stored.Exhausted)
	assert.Contains(t, stored.LastError, "Name required")

	require.Len(t, h.observer.settled, 1)
	assert.True(t, h.observer.settled[0].Permanent)
	assert.True(t, h.observer.settled[0].Rejected)
}

func TestExhaustedTransientFailureIsNotRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.enqueue(t, &store.PendingMutation{
		Type: store.MutationCreate, EntityType: "attachment", TempID: "img_1", IDField: "AttachID",
		Endpoint: "/tables/attachments/records", Method: "POST", Data: []byte(`{}`),
	})
	h.transport.respond = func(request remote.Request) (remote.Response, error) {
		return remote.Response{}, &remote.TransientError{StatusCode: 503, Err: errors.New("unavailable")}
	}

	for range 3 {
		_, err := h.engine.Flush(ctx)
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}

	require.Len(t, h.observer.settled, 3)
	last := h.observer.settled[2]
	assert.True(t, last.Permanent)
	assert.False(t, last.Rejected)
}

func TestCreateResponseWithoutIDKeepsDependentsBlocked(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	parentTemp := "temp_visual_1"
	parentID := h.enqueue(t, &store.PendingMutation{
		Type: store.MutationCreate, EntityType: "visual", ServiceID: "42", TempID: parentTemp, IDField: "VisualID",
		Endpoint: "/tables/visuals/records", Method: "POST", Data: []byte(`{"Name":"x"}`),
	})
	childID := h.enqueue(t, &store.PendingMutation{
		Type: store.MutationCreate, EntityType: "attachment", TempID: "img_1", IDField: "AttachID",
		Endpoint: "/tables/attachments/records", Method: "POST", Data: []byte(`{"EntityID":"` + parentTemp + `"}`),
		Dependencies: []string{parentID},
	})
	h.transport.respond = createResponder(map[string]string{
		"/tables/visuals":     `{"Name":"x"}`,
		"/tables/attachments": `{"AttachID":900}`,
	})

	result, err := h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Completed)
	assert.Equal(t, 1, result.Failed)

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "/tables/visuals/records", sent[0].Endpoint)

	_, found, err := h.mappings.RealID(ctx, parentTemp)
	require.NoError(t, err)
	assert.False(t, found)

	parent, err := h.store.Mutation(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, parent.Status)
	assert.True(t, parent.Exhausted)
	assert.Contains(t, parent.LastError, "VisualID")

	child, err := h.store.Mutation(ctx, childID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, child.Status)

	require.Len(t, h.observer.settled, 1)
	assert.True(t, h.observer.settled[0].Rejected)
}

func TestPriorityThenEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	for index, priority := range []store.Priority{store.PriorityNormal, store.PriorityHigh, store.PriorityNormal, store.PriorityHigh} {
		h.enqueue(t, &store.PendingMutation{
			Type: store.MutationUpdate, EntityType: "hud", EntityKey: fmt.Sprintf("%d", index),
			Endpoint: fmt.Sprintf("/tables/hud/records?q.where=HUDID=%d", index), Method: "PUT", Priority: priority,
		})
	}

	_, err := h.engine.Flush(ctx)
	require.NoError(t, err)

	sent := h.transport.sent()
	require.Len(t, sent, 4)
	order := make([]string, 0, len(sent))
	for _, request := range sent {
		order = append(order, request.Endpoint[len(request.Endpoint)-1:])
	}
	assert.Equal(t, []string{"1", "3", "0", "2"}, order)
}

func TestSameEntityMutationsStayFIFO(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	firstID := h.enqueue(t, &store.PendingMutation{
		Type: store.MutationUpdate, EntityType: "visual", EntityKey: "7",
		Endpoint: "/tables/visuals/records?q.where=VisualID=7", Method: "PUT", Data: []byte(`{"Name":"first"}`),
	})
	h.enqueue(t, &store.PendingMutation{
		Type: store.MutationUpdate, EntityType: "visual", EntityKey: "7",
		Endpoint: "/tables/visuals/records?q.where=VisualID=7", Method: "PUT", Data: []byte(`{"Name":"second"}`),
		Priority: store.PriorityHigh,
	})

	h.transport.respond = func(request remote.Request) (remote.Response, error) {
		if strings.Contains(string(request.Body), "first") {
			return remote.Response{}, &remote.TransientError{StatusCode: 502, Err: errors.New("bad gateway")}
		}
		return remote.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}

	result, err := h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Blocked)
	require.Len(t, h.transport.sent(), 1)
	assert.Contains(t, string(h.transport.sent()[0].Body), "first")

	h.transport.respond = nil
	h.clock.Advance(5 * time.Second)
	_, err = h.engine.Flush(ctx)
	require.NoError(t, err)
	sent := h.transport.sent()
	require.Len(t, sent, 3)
	assert.Contains(t, string(sent[2].Body), "second")

	first, err := h.store.Mutation(ctx, firstID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusDone, first.Status)
}

func TestOfflinePassSendsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.engine.SetOnline(false)

	h.enqueue(t, &store.PendingMutation{Type: store.MutationDelete, EntityType: "visual", EntityKey: "3", Endpoint: "/x", Method: "DELETE"})

	result, err := h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, result.Offline)
	assert.Empty(t, h.transport.sent())
}

func TestNetworkFailureMarksEngineOffline(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	h.enqueue(t, &store.PendingMutation{Type: store.MutationDelete, EntityType: "visual", EntityKey: "3", Endpoint: "/a", Method: "DELETE"})
	h.enqueue(t, &store.PendingMutation{Type: store.MutationDelete, EntityType: "visual", EntityKey: "4", Endpoint: "/b", Method: "DELETE"})
	h.transport.respond = func(request remote.Request) (remote.Response, error) {
		return remote.Response{}, &remote.TransientError{Err: errors.New("dial tcp: connection refused")}
	}

	result, err := h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.True(t, result.Offline)
	assert.Len(t, h.transport.sent(), 1)
	assert.False(t, h.engine.Online())

	h.engine.SetOnline(true)
	select {
	case <-h.engine.wake:
	default:
		t.Fatal("expected reconnect to schedule a pass")
	}
}

func TestCancelledPassDiscardsResult(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())

	id := h.enqueue(t, &store.PendingMutation{
		Type: store.MutationCreate, EntityType: "visual", TempID: "temp_visual_9", IDField: "VisualID",
		Endpoint: "/tables/visuals/records", Method: "POST", Data: []byte(`{}`),
	})
	h.transport.respond = func(request remote.Request) (remote.Response, error) {
		cancel()
		return remote.Response{StatusCode: 201, Body: []byte(`{"VisualID":77}`)}, nil
	}

	_, err := h.engine.Flush(ctx)
	require.ErrorIs(t, err, context.Canceled)

	stored, err := h.store.Mutation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, stored.Status)
	assert.Zero(t, stored.Attempts)
	_, found, err := h.mappings.RealID(context.Background(), "temp_visual_9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDrainersRunAfterMutations(t *testing.T) {
	h := newHarness(t)
	drainer := &countingDrainer{}
	h.engine.AddDrainer(drainer)

	_, err := h.engine.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, drainer.calls)
}

func TestUploadSendsCachedBlob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	require.NoError(t, h.store.PutBlob(ctx, store.CachedBlob{Key: "img_5", ContentType: "image/png", Data: []byte("bytes")}))
	h.enqueue(t, &store.PendingMutation{
		Type: store.MutationCreate, EntityType: "attachment", TempID: "img_5", IDField: "AttachID",
		Endpoint: "/tables/attachments/attachments", Method: "POST", Data: []byte(`{"Caption":"c"}`), BlobKey: "img_5",
	})
	h.transport.respond = createResponder(map[string]string{"/tables/attachments": `{"AttachID":12}`})

	_, err := h.engine.Flush(ctx)
	require.NoError(t, err)

	sent := h.transport.sent()
	require.Len(t, sent, 1)
	require.NotNil(t, sent[0].Upload)
	assert.Equal(t, "img_5.png", sent[0].Upload.FileName)
	assert.Equal(t, []byte("bytes"), sent[0].Upload.Data)
	assert.Nil(t, sent[0].Body)
}

func TestMissingBlobFailsPermanently(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	id := h.enqueue(t, &store.PendingMutation{
		Type: store.MutationCreate, EntityType: "attachment", TempID: "img_6", IDField: "AttachID",
		Endpoint: "/tables/attachments/attachments", Method: "POST", BlobKey: "img_6",
	})

	_, err := h.engine.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, h.transport.sent())

	stored, err := h.store.Mutation(ctx, id)
	require.NoError(t, err)
	assert.True(t, stored.Exhausted)
}
