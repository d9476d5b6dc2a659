package records

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fieldsync/internal/cache"
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

type fakeRemote struct {
	mu       sync.Mutex
	rows     map[string][]map[string]any
	requests []remote.Request
	reads    int
	respond  func(request remote.Request) (remote.Response, error)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{rows: make(map[string][]map[string]any)}
}

func (f *fakeRemote) setRows(endpoint string, rows ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows[endpoint] = rows
}

func (f *fakeRemote) Do(ctx context.Context, request remote.Request) (remote.Response, error) {
	f.mu.Lock()
	f.requests = append(f.requests, request)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(request)
	}
	return remote.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
}

func (f *fakeRemote) GetRow(ctx context.Context, endpoint string) (map[string]any, bool, error) {
	rows, err := f.GetRows(ctx, endpoint)
	if err != nil || len(rows) == 0 {
		return nil, false, err
	}
	return rows[0], true, nil
}

func (f *fakeRemote) GetRows(ctx context.Context, endpoint string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	stored := f.rows[endpoint]
	rows := make([]map[string]any, 0, len(stored))
	for _, row := range stored {
		copied := make(map[string]any, len(row))
		for name, value := range row {
			copied[name] = value
		}
		rows = append(rows, copied)
	}
	return rows, nil
}

func (f *fakeRemote) sent() []remote.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]remote.Request(nil), f.requests...)
}

type link struct {
	online atomic.Bool
}

func (l *link) Online() bool { return l.online.Load() }

type fixture struct {
	service *Service
	store   *store.Store
	tempIDs *tempid.Service
	remote  *fakeRemote
	link    *link
	bus     *events.Bus
}

func newFixture(t *testing.T, family Family, mode Mode, online bool) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "records.db"), zap.NewNop())
	require.NoError(t, err)
	localStore, err := store.New(store.Config{Database: db})
	require.NoError(t, err)
	tempIDs, err := tempid.NewService(tempid.Config{Store: localStore})
	require.NoError(t, err)

	fake := newFakeRemote()
	connectivity := &link{}
	connectivity.online.Store(online)
	bus := events.NewBus()

	service, err := New(Config{
		Family:             family,
		Store:              localStore,
		Cache:              cache.NewMemory(time.Minute),
		Remote:             fake,
		TempIDs:            tempIDs,
		Connectivity:       connectivity,
		Events:             bus,
		Mode:               mode,
		InvalidationWindow: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(service.Close)

	return &fixture{service: service, store: localStore, tempIDs: tempIDs, remote: fake, link: connectivity, bus: bus}
}

func visualFields() map[string]any {
	return map[string]any{"ServiceID": 42, "Category": "Roof", "Name": "Comment A"}
}

func TestCreateOfflineReturnsPlaceholderAndQueuesCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, false)

	record, err := f.service.Create(ctx, visualFields())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(record.ID, "temp_visual_"))
	assert.True(t, record.LocalOnly)
	assert.True(t, record.Syncing)
	assert.Equal(t, record.ID, record.Field("VisualID"))
	assert.Equal(t, "42", record.ServiceID)
	assert.Empty(t, f.remote.sent())

	listed, err := f.service.ListByService(ctx, "42")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, record.ID, listed[0].ID)

	fetched, err := f.service.Get(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, fetched)
	assert.Equal(t, "Comment A", fetched.Field("Name"))

	mutations, err := f.store.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	assert.Equal(t, store.MutationCreate, mutations[0].Type)
	assert.Equal(t, record.ID, mutations[0].TempID)
	assert.Equal(t, "/tables/visuals/records", mutations[0].Endpoint)
	assert.NotContains(t, string(mutations[0].Data), "VisualID")
}

func TestPlaceholderJSONUsesFlagNames(t *testing.T) {
	encoded, err := json.Marshal(&Record{ID: "temp_visual_1", LocalOnly: true, Syncing: true, LocalUpdate: true})
	require.NoError(t, err)
	assert.Contains(t, string(encoded), `"_localOnly":true`)
	assert.Contains(t, string(encoded), `"_syncing":true`)
	assert.Contains(t, string(encoded), `"_localUpdate":true`)
}

func TestCreateRejectsInvalidPayload(t *testing.T) {
	f := newFixture(t, Visual, ModeOfflineFirst, false)

	_, err := f.service.Create(context.Background(), map[string]any{"ServiceID": 42, "Category": "Roof"})
	var validation *ValidationError
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "Name", validation.Field)

	_, err = f.service.Create(context.Background(), map[string]any{"ServiceID": 42, "Category": "Roof", "Name": "x", "Bogus": 1})
	require.True(t, errors.As(err, &validation))
	assert.Equal(t, "Bogus", validation.Field)

	var serviceErr *ServiceError
	require.True(t, errors.As(err, &serviceErr))
	assert.Equal(t, "records.create.invalid_payload", serviceErr.Code())

	mutations, err := f.store.PendingMutations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, mutations)
}

func TestUpdateOfPlaceholderPatchesQueuedCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, false)

	record, err := f.service.Create(ctx, visualFields())
	require.NoError(t, err)

	updated, err := f.service.Update(ctx, record.ID, map[string]any{"Notes": "leaking"})
	require.NoError(t, err)
	assert.Equal(t, "leaking", updated.Field("Notes"))
	assert.False(t, updated.LocalUpdate)

	mutations, err := f.store.PendingMutations(ctx)
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	payload, err := store.DecodeObject(mutations[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "leaking", payload["Notes"])
	assert.Equal(t, "Comment A", payload["Name"])
}

func TestUpdateOfDispatchedPlaceholderChainsUpdate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, false)

	record, err := f.service.Create(ctx, visualFields())
	require.NoError(t, err)
	create, err := f.store.PendingCreateFor(ctx, record.ID)
	require.NoError(t, err)
	create.Status = store.StatusInFlight
	require.NoError(t, f.store.SaveMutation(ctx, create))

	updated, err := f.service.Update(ctx, record.ID, map[string]any{"Notes": "after dispatch"})
	require.NoError(t, err)
	assert.True(t, updated.LocalUpdate)

	mutations, err := f.store.MutationsForEntity(ctx, record.ID)
	require.NoError(t, err)
	require.Len(t, mutations, 2)
	follow := mutations[1]
	assert.Equal(t, store.MutationUpdate, follow.Type)
	assert.Equal(t, []string{create.ID}, []string(follow.Dependencies))
	assert.Contains(t, follow.Endpoint, record.ID)
}

func TestUpdateQueuedAfterCreateSettlesTargetsRealID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, false)

	record, err := f.service.Create(ctx, visualFields())
	require.NoError(t, err)
	create, err := f.store.PendingCreateFor(ctx, record.ID)
	require.NoError(t, err)
	stale, err := f.service.loadLocal(ctx, f.store, record.ID)
	require.NoError(t, err)

	// The CREATE settles after the update looked up its dependency but before it is enqueued.
	create.Status = store.StatusDone
	require.NoError(t, f.store.SaveMutation(ctx, create))
	require.NoError(t, f.tempIDs.Record(ctx, record.ID, "501", Visual.Name))
	_, err = f.store.RewriteTempID(ctx, record.ID, "501")
	require.NoError(t, err)
	f.service.MutationSettled(ctx, events.MutationEvent{
		MutationID: create.ID,
		Type:       string(store.MutationCreate),
		EntityType: Visual.Name,
		EntityKey:  record.ID,
		ServiceID:  "42",
		TempID:     record.ID,
		RealID:     "501",
		Status:     string(store.StatusDone),
		Response:   map[string]any{"VisualID": 501},
	})

	updated, err := f.service.queueUpdate(ctx, stale, map[string]any{"Notes": "late edit"}, []string{create.ID})
	require.NoError(t, err)
	assert.Equal(t, "501", updated.ID)

	queued, err := f.store.MutationsForEntity(ctx, "501")
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, store.MutationUpdate, queued[0].Type)
	assert.Equal(t, Visual.KeyedEndpoint("501"), queued[0].Endpoint)

	leftover, err := f.store.MutationsForEntity(ctx, record.ID)
	require.NoError(t, err)
	assert.Empty(t, leftover)

	listed, err := f.service.ListByService(ctx, "42")
	require.NoError(t, err)
	require.Len(t, listed, 1, "no placeholder may reappear under the temp id")
	assert.Equal(t, "501", listed[0].ID)
	assert.Equal(t, "late edit", listed[0].Field("Notes"))
	assert.True(t, listed[0].LocalUpdate)
}

func TestUpdateUnknownRecordFails(t *testing.T) {
	f := newFixture(t, Visual, ModeOfflineFirst, false)

	_, err := f.service.Update(context.Background(), "999", map[string]any{"Notes": "x"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalUpdateSurvivesRefresh(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, true)
	endpoint := Visual.ServiceEndpoint("42")
	f.remote.setRows(endpoint, map[string]any{"VisualID": 7, "ServiceID": 42, "Category": "Roof", "Name": "server"})

	listed, err := f.service.ListByService(ctx, "42")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "7", listed[0].ID)

	updated, err := f.service.Update(ctx, "7", map[string]any{"Name": "local edit"})
	require.NoError(t, err)
	assert.True(t, updated.LocalUpdate)

	f.remote.setRows(endpoint, map[string]any{"VisualID": 7, "ServiceID": 42, "Category": "Roof", "Name": "newer server edit"})
	listed, err = f.service.ListByService(ctx, "42")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "local edit", listed[0].Field("Name"))
	assert.True(t, listed[0].LocalUpdate)

	mutations, err := f.store.MutationsForEntity(ctx, "7")
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	mutations[0].Status = store.StatusDone
	require.NoError(t, f.store.SaveMutation(ctx, &mutations[0]))
	f.service.MutationSettled(ctx, events.MutationEvent{
		MutationID: mutations[0].ID,
		Type:       string(store.MutationUpdate),
		EntityType: Visual.Name,
		EntityKey:  "7",
		ServiceID:  "42",
		Status:     string(store.StatusDone),
	})

	fetched, err := f.service.Get(ctx, "7")
	require.NoError(t, err)
	assert.False(t, fetched.LocalUpdate)

	listed, err = f.service.ListByService(ctx, "42")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "newer server edit", listed[0].Field("Name"))
}

func TestRefreshKeepsPlaceholdersAndDropsVanishedRows(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, true)
	endpoint := Visual.ServiceEndpoint("42")
	f.remote.setRows(endpoint,
		map[string]any{"VisualID": 1, "ServiceID": 42, "Category": "Roof", "Name": "one"},
		map[string]any{"VisualID": 2, "ServiceID": 42, "Category": "Roof", "Name": "two"},
	)
	_, err := f.service.ListByService(ctx, "42")
	require.NoError(t, err)

	placeholder, err := f.service.Create(ctx, visualFields())
	require.NoError(t, err)

	f.remote.setRows(endpoint, map[string]any{"VisualID": 1, "ServiceID": 42, "Category": "Roof", "Name": "one"})
	listed, err := f.service.ListByService(ctx, "42")
	require.NoError(t, err)

	ids := make([]string, 0, len(listed))
	for _, record := range listed {
		ids = append(ids, record.ID)
	}
	assert.ElementsMatch(t, []string{"1", placeholder.ID}, ids)
}

func TestCreateSettledReKeysPlaceholder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, false)

	placeholder, err := f.service.Create(ctx, visualFields())
	require.NoError(t, err)

	require.NoError(t, f.tempIDs.Record(ctx, placeholder.ID, "501", Visual.Name))
	f.service.MutationSettled(ctx, events.MutationEvent{
		Type:       string(store.MutationCreate),
		EntityType: Visual.Name,
		EntityKey:  placeholder.ID,
		ServiceID:  "42",
		TempID:     placeholder.ID,
		RealID:     "501",
		Status:     string(store.StatusDone),
		Response:   map[string]any{"VisualID": json.Number("501"), "Name": "Comment A", "Created": "2026-10-18"},
	})

	synced, err := f.service.Get(ctx, placeholder.ID)
	require.NoError(t, err)
	require.NotNil(t, synced)
	assert.Equal(t, "501", synced.ID)
	assert.False(t, synced.LocalOnly)
	assert.False(t, synced.Syncing)
	assert.Equal(t, "2026-10-18", synced.Field("Created"))

	listed, err := f.service.ListByService(ctx, "42")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "501", listed[0].ID)
}

func TestRejectedCreateStopsSyncingFlag(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, false)

	placeholder, err := f.service.Create(ctx, visualFields())
	require.NoError(t, err)
	f.service.MutationSettled(ctx, events.MutationEvent{
		Type:       string(store.MutationCreate),
		EntityType: Visual.Name,
		EntityKey:  placeholder.ID,
		TempID:     placeholder.ID,
		Status:     string(store.StatusFailed),
		Permanent:  true,
		Error:      "rejected",
	})

	stuck, err := f.service.Get(ctx, placeholder.ID)
	require.NoError(t, err)
	assert.True(t, stuck.LocalOnly)
	assert.False(t, stuck.Syncing)
}

func TestDeleteOfUnsyncedPlaceholderDropsQueue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, false)

	placeholder, err := f.service.Create(ctx, visualFields())
	require.NoError(t, err)
	_, err = f.service.Update(ctx, placeholder.ID, map[string]any{"Notes": "x"})
	require.NoError(t, err)

	require.NoError(t, f.service.Delete(ctx, placeholder.ID))

	mutations, err := f.store.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, mutations)
	gone, err := f.service.Get(ctx, placeholder.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestDeleteOfSyncedRecordQueuesDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, true)
	f.remote.setRows(Visual.KeyedEndpoint("9"), map[string]any{"VisualID": 9, "ServiceID": 42, "Category": "Roof", "Name": "nine"})

	found, err := f.service.Get(ctx, "9")
	require.NoError(t, err)
	require.NotNil(t, found)

	require.NoError(t, f.service.Delete(ctx, "9"))

	mutations, err := f.store.MutationsForEntity(ctx, "9")
	require.NoError(t, err)
	require.Len(t, mutations, 1)
	assert.Equal(t, store.MutationDelete, mutations[0].Type)
	assert.Equal(t, "/tables/visuals/records?q.where=VisualID=9", mutations[0].Endpoint)

	f.remote.setRows(Visual.ServiceEndpoint("42"), map[string]any{"VisualID": 9, "ServiceID": 42, "Category": "Roof", "Name": "nine"})
	listed, err := f.service.ListByService(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, listed, "a row with a queued DELETE must not come back on refresh")
}

func TestGetMissingReturnsNil(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DTE, ModeOfflineFirst, true)

	record, err := f.service.Get(ctx, "404")
	require.NoError(t, err)
	assert.Nil(t, record)

	f.link.online.Store(false)
	record, err = f.service.Get(ctx, "405")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestGetSharesCachedResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, HUD, ModeOfflineFirst, true)
	f.remote.setRows(HUD.KeyedEndpoint("3"), map[string]any{"HUDID": 3, "ServiceID": 8, "Name": "panel"})

	first, err := f.service.Get(ctx, "3")
	require.NoError(t, err)
	first.Fields["Name"] = "mutated by caller"

	second, err := f.service.Get(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, "panel", second.Field("Name"))
	assert.Equal(t, 1, f.remote.reads)
}

func TestOfflineMissIsRetriedOnceOnline(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DTE, ModeOfflineFirst, false)
	f.remote.setRows(DTE.KeyedEndpoint("77"), map[string]any{"DTEID": 77, "ServiceID": 42, "Name": "Roof"})

	record, err := f.service.Get(ctx, "77")
	require.NoError(t, err)
	assert.Nil(t, record)
	assert.Equal(t, 0, f.remote.reads)

	f.link.online.Store(true)
	record, err = f.service.Get(ctx, "77")
	require.NoError(t, err)
	require.NotNil(t, record, "an offline miss must not be remembered after connectivity returns")
	assert.Equal(t, "Roof", record.Field("Name"))
	assert.Equal(t, 1, f.remote.reads)
}

func TestSyncCompletedDropsCachedRecordsOfService(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, HUD, ModeOfflineFirst, true)
	f.remote.setRows(HUD.KeyedEndpoint("3"), map[string]any{"HUDID": 3, "ServiceID": 8, "Name": "panel"})

	cached, err := f.service.Get(ctx, "3")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, "panel", cached.Field("Name"))

	cached.Fields["Name"] = "breaker"
	require.NoError(t, f.store.Put(ctx, store.CollectionRecords, f.service.docKey("3"), cached, cached.indexes()))

	f.service.SyncCompleted(ctx, events.SyncComplete{EntityType: HUD.Name, ServiceIDs: []string{"8"}, Completed: 1})

	fresh, err := f.service.Get(ctx, "3")
	require.NoError(t, err)
	require.NotNil(t, fresh)
	assert.Equal(t, "breaker", fresh.Field("Name"))
	assert.Equal(t, 1, f.remote.reads)
}

func TestSyncCompletionsAreDebounced(t *testing.T) {
	f := newFixture(t, LBW, ModeOfflineFirst, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stream, unsubscribe := f.bus.Subscribe(ctx, events.TopicCacheInvalidated)
	defer unsubscribe()

	for range 3 {
		f.service.SyncCompleted(ctx, events.SyncComplete{EntityType: LBW.Name, ServiceIDs: []string{"42"}, Completed: 1})
	}
	f.service.SyncCompleted(ctx, events.SyncComplete{EntityType: Visual.Name, ServiceIDs: []string{"42"}})

	select {
	case message := <-stream:
		invalidation, ok := message.Payload.(events.Invalidation)
		require.True(t, ok)
		assert.Equal(t, "42", invalidation.ServiceID)
		assert.Equal(t, "sync_complete", invalidation.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("expected one invalidation")
	}
	select {
	case message := <-stream:
		t.Fatalf("unexpected second invalidation: %+v", message)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestInvalidationsAcrossServicesWidenScope(t *testing.T) {
	merged := mergeInvalidations(
		events.Invalidation{ServiceID: "1", Reason: reasonSyncComplete},
		events.Invalidation{ServiceID: "2", Reason: reasonSyncComplete},
	)
	assert.Equal(t, "", merged.ServiceID)
}

func TestDirectModeWritesThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, DTE, ModeDirect, true)
	f.remote.respond = func(request remote.Request) (remote.Response, error) {
		if request.Method == "POST" {
			return remote.Response{StatusCode: 201, Body: []byte(`{"DTEID":77,"ServiceID":42,"Name":"direct"}`)}, nil
		}
		return remote.Response{StatusCode: 200, Body: []byte(`{}`)}, nil
	}

	record, err := f.service.Create(ctx, map[string]any{"ServiceID": 42, "Name": "direct"})
	require.NoError(t, err)
	assert.Equal(t, "77", record.ID)
	assert.False(t, record.LocalOnly)

	_, err = f.service.Update(ctx, "77", map[string]any{"Notes": "n"})
	require.NoError(t, err)
	require.NoError(t, f.service.Delete(ctx, "77"))

	sent := f.remote.sent()
	require.Len(t, sent, 3)
	assert.Equal(t, "PUT", sent[1].Method)
	assert.Equal(t, "/tables/dte/records?q.where=DTEID=77", sent[1].Endpoint)
	assert.Equal(t, "DELETE", sent[2].Method)

	mutations, err := f.store.PendingMutations(ctx)
	require.NoError(t, err)
	assert.Empty(t, mutations)

	f.link.online.Store(false)
	_, err = f.service.Create(ctx, map[string]any{"ServiceID": 42, "Name": "offline"})
	assert.ErrorIs(t, err, errDirectOffline)
}

func TestAttachmentCreateDependsOnParentCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Visual, ModeOfflineFirst, false)
	attachments, err := New(Config{Family: Attachment, Store: f.store, TempIDs: f.tempIDs})
	require.NoError(t, err)
	t.Cleanup(attachments.Close)

	parent, err := f.service.Create(ctx, visualFields())
	require.NoError(t, err)
	parentCreate, err := f.store.PendingCreateFor(ctx, parent.ID)
	require.NoError(t, err)

	child, err := attachments.Create(ctx, map[string]any{"ServiceID": 42, "EntityType": "visual", "EntityID": parent.ID, "Caption": "roof"})
	require.NoError(t, err)

	childCreate, err := f.store.PendingCreateFor(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{parentCreate.ID}, []string(childCreate.Dependencies))
}
