package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/polished-app/realtime-collab/internal/crdt"
	"github.com/polished-app/realtime-collab/internal/eventstore"
)

type stubLog struct {
	mu            sync.Mutex
	records       map[string][]eventstore.Record
	snapshots     map[string]eventstore.Snapshot
	snapshotCalls int64
	appendErr     error
	lookupErr     error
}

func newStubLog() *stubLog {
	return &stubLog{
		records:   make(map[string][]eventstore.Record),
		snapshots: make(map[string]eventstore.Snapshot),
	}
}

func (s *stubLog) Append(_ context.Context, record eventstore.Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return 0, s.appendErr
	}
	version := int64(len(s.records[record.StreamID]) + 1)
	record.Version = version
	s.records[record.StreamID] = append(s.records[record.StreamID], record)
	return version, nil
}

func (s *stubLog) LatestSnapshot(_ context.Context, streamID string) (eventstore.Snapshot, bool, error) {
	atomic.AddInt64(&s.snapshotCalls, 1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return eventstore.Snapshot{}, false, s.lookupErr
	}
	snapshot, ok := s.snapshots[streamID]
	return snapshot, ok, nil
}

func (s *stubLog) EventsSince(_ context.Context, streamID string, fromVersion int64) ([]eventstore.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	var out []eventstore.Record
	for _, record := range s.records[streamID] {
		if record.Version > fromVersion {
			out = append(out, record)
		}
	}
	return out, nil
}

func (s *stubLog) SaveSnapshot(_ context.Context, snapshot eventstore.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snapshot.StreamID] = snapshot
	return nil
}

type stubSubscriber struct {
	id     string
	mu     sync.Mutex
	frames [][]byte
	reject bool
}

func (s *stubSubscriber) ID() string {
	return s.id
}

func (s *stubSubscriber) Deliver(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return true
}

func (s *stubSubscriber) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func mustRegistry(testContext *testing.T, cfg RegistryConfig) *Registry {
	testContext.Helper()
	registry, err := NewRegistry(cfg)
	if err != nil {
		testContext.Fatalf("failed to build registry: %v", err)
	}
	testContext.Cleanup(registry.Close)
	return registry
}

func documentUpdate(testContext *testing.T, text string) []byte {
	testContext.Helper()
	doc := crdt.NewDocument()
	update := doc.Text("body").Insert(0, text)
	if len(update) == 0 {
		testContext.Fatal("expected a non-empty update")
	}
	return update
}

func TestGetOrCreateReplaysPersistedHistory(testContext *testing.T) {
	log := newStubLog()
	update := documentUpdate(testContext, "hello")
	if _, err := log.Append(context.Background(), eventstore.Record{
		StreamID:  StreamID("alpha"),
		EventType: eventstore.EventTypeDocumentUpdate,
		Payload:   update,
	}); err != nil {
		testContext.Fatalf("seed append failed: %v", err)
	}
	registry := mustRegistry(testContext, RegistryConfig{Log: log})

	loaded, err := registry.GetOrCreate(context.Background(), "alpha")
	if err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}

	replica := crdt.NewDocument()
	if err := replica.ApplyUpdate(loaded.FullState()); err != nil {
		testContext.Fatalf("replay failed: %v", err)
	}
	if got := replica.Text("body").String(); got != "hello" {
		testContext.Fatalf("loaded text = %q, want %q", got, "hello")
	}
	if loaded.persistedVersion() != 1 {
		testContext.Fatalf("persisted version = %d, want 1", loaded.persistedVersion())
	}
}

func TestGetOrCreatePrefersSnapshotThenTrailingEvents(testContext *testing.T) {
	log := newStubLog()
	streamID := StreamID("alpha")

	base := crdt.NewDocument()
	base.Text("body").Insert(0, "hi")
	if err := log.SaveSnapshot(context.Background(), eventstore.Snapshot{
		StreamID: streamID,
		Version:  3,
		Data:     base.EncodeStateAsUpdate(nil),
	}); err != nil {
		testContext.Fatalf("seed snapshot failed: %v", err)
	}
	log.mu.Lock()
	log.records[streamID] = []eventstore.Record{
		{StreamID: streamID, Version: 3, Payload: base.EncodeStateAsUpdate(nil)},
		{StreamID: streamID, Version: 4, Payload: base.Text("body").Insert(2, "!")},
	}
	log.mu.Unlock()

	registry := mustRegistry(testContext, RegistryConfig{Log: log})
	loaded, err := registry.GetOrCreate(context.Background(), "alpha")
	if err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}

	replica := crdt.NewDocument()
	if err := replica.ApplyUpdate(loaded.FullState()); err != nil {
		testContext.Fatalf("replay failed: %v", err)
	}
	if got := replica.Text("body").String(); got != "hi!" {
		testContext.Fatalf("loaded text = %q, want %q", got, "hi!")
	}
	if loaded.persistedVersion() != 4 {
		testContext.Fatalf("persisted version = %d, want 4", loaded.persistedVersion())
	}
}

func TestConcurrentGetOrCreateSharesOneLoad(testContext *testing.T) {
	log := newStubLog()
	registry := mustRegistry(testContext, RegistryConfig{Log: log})

	const callers = 16
	rooms := make([]*Room, callers)
	var group sync.WaitGroup
	for i := 0; i < callers; i++ {
		group.Add(1)
		go func(slot int) {
			defer group.Done()
			loaded, err := registry.GetOrCreate(context.Background(), "alpha")
			if err != nil {
				testContext.Errorf("get or create failed: %v", err)
				return
			}
			rooms[slot] = loaded
		}(i)
	}
	group.Wait()

	for _, loaded := range rooms {
		if loaded != rooms[0] {
			testContext.Fatal("callers observed different room instances")
		}
	}
	if calls := atomic.LoadInt64(&log.snapshotCalls); calls != 1 {
		testContext.Fatalf("history loaded %d times, want 1", calls)
	}
}

func TestGetOrCreateDegradesOnLoadFailure(testContext *testing.T) {
	log := newStubLog()
	log.lookupErr = errors.New("store unreachable")
	registry := mustRegistry(testContext, RegistryConfig{Log: log})

	loaded, err := registry.GetOrCreate(context.Background(), "alpha")
	if err != nil {
		testContext.Fatalf("degraded start should not fail the join: %v", err)
	}
	if !loaded.Degraded() {
		testContext.Fatal("room should be marked degraded")
	}

	// New updates still persist once the store recovers.
	log.mu.Lock()
	log.lookupErr = nil
	log.mu.Unlock()
	if err := registry.PersistUpdate(context.Background(), loaded, documentUpdate(testContext, "x")); err != nil {
		testContext.Fatalf("persist after recovery failed: %v", err)
	}
}

func TestGetOrCreateRejectsBeyondRoomLimit(testContext *testing.T) {
	registry := mustRegistry(testContext, RegistryConfig{Log: newStubLog(), MaxRooms: 1})

	if _, err := registry.GetOrCreate(context.Background(), "alpha"); err != nil {
		testContext.Fatalf("first room failed: %v", err)
	}
	if _, err := registry.GetOrCreate(context.Background(), "beta"); !errors.Is(err, ErrRoomLimit) {
		testContext.Fatalf("expected ErrRoomLimit, got %v", err)
	}
	// An existing room stays reachable at the cap.
	if _, err := registry.GetOrCreate(context.Background(), "alpha"); err != nil {
		testContext.Fatalf("existing room rejected at cap: %v", err)
	}
}

func TestJoinEnforcesClientLimit(testContext *testing.T) {
	registry := mustRegistry(testContext, RegistryConfig{Log: newStubLog(), MaxClients: 1})
	loaded, err := registry.GetOrCreate(context.Background(), "alpha")
	if err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}

	if _, _, err := loaded.Join(&stubSubscriber{id: "a"}, nil, registry.MaxClients()); err != nil {
		testContext.Fatalf("first join failed: %v", err)
	}
	if _, _, err := loaded.Join(&stubSubscriber{id: "b"}, nil, registry.MaxClients()); !errors.Is(err, ErrClientLimit) {
		testContext.Fatalf("expected ErrClientLimit, got %v", err)
	}
}

func TestEvictionRemovesIdleEmptyRoom(testContext *testing.T) {
	registry := mustRegistry(testContext, RegistryConfig{
		Log:               newStubLog(),
		InactivityTimeout: 20 * time.Millisecond,
	})
	if _, err := registry.GetOrCreate(context.Background(), "alpha"); err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}
	registry.ScheduleEviction("alpha")

	deadline := time.Now().Add(2 * time.Second)
	for registry.Count() != 0 {
		if time.Now().After(deadline) {
			testContext.Fatal("idle room was not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvictionKeepsRoomWithClients(testContext *testing.T) {
	registry := mustRegistry(testContext, RegistryConfig{
		Log:               newStubLog(),
		InactivityTimeout: 50 * time.Millisecond,
	})
	loaded, err := registry.GetOrCreate(context.Background(), "alpha")
	if err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}
	registry.ScheduleEviction("alpha")
	if _, _, err := loaded.Join(&stubSubscriber{id: "a"}, nil, 0); err != nil {
		testContext.Fatalf("join failed: %v", err)
	}

	time.Sleep(150 * time.Millisecond)
	if registry.Count() != 1 {
		testContext.Fatal("occupied room was evicted")
	}
}

func TestJoinRacingEvictionCannotOrphanClient(testContext *testing.T) {
	var clockMu sync.Mutex
	now := time.Now()
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	registry := mustRegistry(testContext, RegistryConfig{
		Log:               newStubLog(),
		InactivityTimeout: time.Minute,
		Clock:             clock,
	})

	stale, err := registry.GetOrCreate(context.Background(), "alpha")
	if err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}

	clockMu.Lock()
	now = now.Add(2 * time.Minute)
	clockMu.Unlock()
	registry.evictIfIdle("alpha")
	if registry.Count() != 0 {
		testContext.Fatal("idle room was not evicted")
	}

	// A joiner still holding the pre-eviction pointer is refused rather
	// than attached to a room nobody can reach.
	if _, _, err := stale.Join(&stubSubscriber{id: "a"}, nil, 0); !errors.Is(err, ErrRoomDetached) {
		testContext.Fatalf("expected ErrRoomDetached, got %v", err)
	}

	fresh, err := registry.GetOrCreate(context.Background(), "alpha")
	if err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}
	if fresh == stale {
		testContext.Fatal("evicted instance came back resident")
	}
	if _, _, err := fresh.Join(&stubSubscriber{id: "a"}, nil, 0); err != nil {
		testContext.Fatalf("join on fresh room failed: %v", err)
	}
}

func TestPersistUpdateStreamIDPassesEventStoreValidation(testContext *testing.T) {
	var streamsMu sync.Mutex
	var acceptedStreams []string
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method == http.MethodPost && request.URL.Path == "/events" {
			var body struct {
				StreamID string `json:"stream_id"`
			}
			if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
				http.Error(writer, `{"error":"bad request"}`, http.StatusBadRequest)
				return
			}
			if !isAllowedStreamID(body.StreamID) {
				http.Error(writer, `{"error":"Invalid stream_id format"}`, http.StatusBadRequest)
				return
			}
			streamsMu.Lock()
			acceptedStreams = append(acceptedStreams, body.StreamID)
			streamsMu.Unlock()
			writer.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(writer, `{"stream_id":%q,"event_type":"document.update","data":{"update_b64":""},"version":1,"created_at":%q}`,
				body.StreamID, time.Now().UTC().Format(time.RFC3339))
			return
		}
		http.NotFound(writer, request)
	}))
	testContext.Cleanup(server.Close)

	log, err := eventstore.NewHTTPLog(eventstore.HTTPLogConfig{BaseURL: server.URL})
	if err != nil {
		testContext.Fatalf("failed to build http log: %v", err)
	}
	registry := mustRegistry(testContext, RegistryConfig{Log: log})

	loaded, err := registry.GetOrCreate(context.Background(), "design:doc v2")
	if err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}
	if err := registry.PersistUpdate(context.Background(), loaded, documentUpdate(testContext, "x")); err != nil {
		testContext.Fatalf("store rejected the append: %v", err)
	}

	streamsMu.Lock()
	defer streamsMu.Unlock()
	if len(acceptedStreams) != 1 || acceptedStreams[0] != loaded.StreamID() {
		testContext.Fatalf("accepted streams = %v, want [%s]", acceptedStreams, loaded.StreamID())
	}
}

func TestPersistUpdateSnapshotsOnCadence(testContext *testing.T) {
	log := newStubLog()
	registry := mustRegistry(testContext, RegistryConfig{Log: log, SnapshotEvery: 2})
	loaded, err := registry.GetOrCreate(context.Background(), "alpha")
	if err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}

	first := documentUpdate(testContext, "a")
	if _, err := loaded.ApplyUpdate(first, nil, "", registry.Clock()); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if err := registry.PersistUpdate(context.Background(), loaded, first); err != nil {
		testContext.Fatalf("persist failed: %v", err)
	}
	log.mu.Lock()
	snapshotsAfterOne := len(log.snapshots)
	log.mu.Unlock()
	if snapshotsAfterOne != 0 {
		testContext.Fatal("snapshot saved before the cadence boundary")
	}

	second := documentUpdate(testContext, "b")
	if _, err := loaded.ApplyUpdate(second, nil, "", registry.Clock()); err != nil {
		testContext.Fatalf("apply failed: %v", err)
	}
	if err := registry.PersistUpdate(context.Background(), loaded, second); err != nil {
		testContext.Fatalf("persist failed: %v", err)
	}
	log.mu.Lock()
	snapshot, ok := log.snapshots[StreamID("alpha")]
	log.mu.Unlock()
	if !ok {
		testContext.Fatal("snapshot missing after cadence boundary")
	}
	if snapshot.Version != 2 {
		testContext.Fatalf("snapshot version = %d, want 2", snapshot.Version)
	}
}

func TestPersistUpdateSurfacesAppendFailure(testContext *testing.T) {
	log := newStubLog()
	log.appendErr = errors.New("store down")
	registry := mustRegistry(testContext, RegistryConfig{Log: log})
	loaded, err := registry.GetOrCreate(context.Background(), "alpha")
	if err != nil {
		testContext.Fatalf("get or create failed: %v", err)
	}

	if err := registry.PersistUpdate(context.Background(), loaded, documentUpdate(testContext, "a")); err == nil {
		testContext.Fatal("expected append failure to surface")
	}
}

func TestGetOrCreateRejectsBlankName(testContext *testing.T) {
	registry := mustRegistry(testContext, RegistryConfig{Log: newStubLog()})
	if _, err := registry.GetOrCreate(context.Background(), "   "); !errors.Is(err, ErrInvalidRoomName) {
		testContext.Fatalf("expected ErrInvalidRoomName, got %v", err)
	}
}
