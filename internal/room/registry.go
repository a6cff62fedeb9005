package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/polished-app/realtime-collab/internal/eventstore"
	"github.com/polished-app/realtime-collab/internal/observability"
)

const (
	opLoadRoom      = "room.load"
	opPersistUpdate = "room.persist"
	opSaveSnapshot  = "room.snapshot"

	defaultInactivityTimeout = 5 * time.Minute
	defaultLoadTimeout       = 10 * time.Second
)

var (
	ErrRoomLimit  = errors.New("room: room limit reached")
	ErrMissingLog = errors.New("room: event log required")
)

// RegistryConfig configures the room registry.
type RegistryConfig struct {
	Log               eventstore.Log
	Logger            *zap.Logger
	Metrics           *observability.Metrics
	InactivityTimeout time.Duration
	LoadTimeout       time.Duration
	MaxClients        int
	MaxRooms          int
	SnapshotEvery     int
	Clock             func() time.Time
}

// Registry owns every resident room. Creation goes through a per-name init
// lock so concurrent joins for the same name share a single history load,
// and eviction re-validates at fire time so a revived room is never torn
// down under its clients.
type Registry struct {
	log     eventstore.Log
	logger  *zap.Logger
	metrics *observability.Metrics
	clock   func() time.Time

	inactivityTimeout time.Duration
	loadTimeout       time.Duration
	maxClients        int
	maxRooms          int
	snapshotEvery     int

	mu        sync.Mutex
	rooms     map[string]*Room
	initLocks map[string]*initLock
	timers    map[string]*time.Timer
	closed    bool
}

type initLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry constructs a Registry with sane defaults.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Log == nil {
		return nil, ErrMissingLog
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	inactivity := cfg.InactivityTimeout
	if inactivity <= 0 {
		inactivity = defaultInactivityTimeout
	}
	loadTimeout := cfg.LoadTimeout
	if loadTimeout <= 0 {
		loadTimeout = defaultLoadTimeout
	}
	return &Registry{
		log:               cfg.Log,
		logger:            logger,
		metrics:           metrics,
		clock:             clock,
		inactivityTimeout: inactivity,
		loadTimeout:       loadTimeout,
		maxClients:        cfg.MaxClients,
		maxRooms:          cfg.MaxRooms,
		snapshotEvery:     cfg.SnapshotEvery,
		rooms:             make(map[string]*Room),
		initLocks:         make(map[string]*initLock),
		timers:            make(map[string]*time.Timer),
	}, nil
}

// MaxClients returns the per-room subscriber cap, zero meaning unlimited.
func (reg *Registry) MaxClients() int {
	return reg.maxClients
}

// Clock returns the registry's time source.
func (reg *Registry) Clock() func() time.Time {
	return reg.clock
}

// GetOrCreate returns the resident room for name, loading its history from
// the event store on first access. Every concurrent caller for the same
// name observes the same load.
func (reg *Registry) GetOrCreate(ctx context.Context, name string) (*Room, error) {
	name, err := validateRoomName(name)
	if err != nil {
		return nil, err
	}

	reg.mu.Lock()
	if existing, ok := reg.rooms[name]; ok {
		reg.mu.Unlock()
		return existing, nil
	}
	lock := reg.initLocks[name]
	if lock == nil {
		lock = &initLock{}
		reg.initLocks[name] = lock
	}
	lock.refs++
	reg.mu.Unlock()

	lock.mu.Lock()
	defer func() {
		lock.mu.Unlock()
		reg.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(reg.initLocks, name)
		}
		reg.mu.Unlock()
	}()

	reg.mu.Lock()
	if existing, ok := reg.rooms[name]; ok {
		reg.mu.Unlock()
		return existing, nil
	}
	if reg.maxRooms > 0 && len(reg.rooms) >= reg.maxRooms {
		reg.mu.Unlock()
		reg.metrics.JoinsRejectedTotal.WithLabelValues("rooms").Inc()
		return nil, ErrRoomLimit
	}
	reg.mu.Unlock()

	created := newRoom(name, reg.clock)
	outcome := reg.loadHistory(ctx, created)
	reg.metrics.RoomLoadsTotal.WithLabelValues(outcome).Inc()

	reg.mu.Lock()
	reg.rooms[name] = created
	total := len(reg.rooms)
	reg.mu.Unlock()
	reg.metrics.RoomsActive.Set(float64(total))

	reg.logger.Info("room resident",
		zap.String("room", name),
		zap.String("outcome", outcome),
		zap.Int64("version", created.persistedVersion()))
	return created, nil
}

// Get returns the resident room for name without creating it.
func (reg *Registry) Get(name string) (*Room, bool) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	existing, ok := reg.rooms[name]
	return existing, ok
}

// loadHistory replays the latest snapshot plus trailing events into the
// room. A load failure degrades the room to an empty start rather than
// refusing the join.
func (reg *Registry) loadHistory(ctx context.Context, target *Room) string {
	loadCtx, cancel := context.WithTimeout(ctx, reg.loadTimeout)
	defer cancel()

	fromVersion := int64(0)
	loadedAnything := false

	snapshot, found, err := reg.log.LatestSnapshot(loadCtx, target.StreamID())
	if err != nil {
		reg.logError(opLoadRoom, "snapshot_lookup_failed", err, zap.String("room", target.Name()))
		target.markDegraded()
		return observability.OutcomeDegraded
	}
	if found {
		if err := target.applyHistory(snapshot.Data); err != nil {
			reg.logError(opLoadRoom, "snapshot_apply_failed", err, zap.String("room", target.Name()))
			target.markDegraded()
			return observability.OutcomeDegraded
		}
		fromVersion = snapshot.Version
		loadedAnything = true
	}

	records, err := reg.log.EventsSince(loadCtx, target.StreamID(), fromVersion)
	if err != nil {
		reg.logError(opLoadRoom, "events_lookup_failed", err, zap.String("room", target.Name()))
		target.markDegraded()
		return observability.OutcomeDegraded
	}
	maxVersion := fromVersion
	for _, record := range records {
		if err := target.applyHistory(record.Payload); err != nil {
			reg.logError(opLoadRoom, "event_apply_failed", err,
				zap.String("room", target.Name()),
				zap.Int64("version", record.Version))
			continue
		}
		if record.Version > maxVersion {
			maxVersion = record.Version
		}
		loadedAnything = true
	}
	target.markLoaded(maxVersion)

	if loadedAnything {
		return observability.OutcomeLoaded
	}
	return observability.OutcomeFresh
}

// PersistUpdate appends a document update to the room's event stream and
// saves a full-state snapshot whenever the cadence is due. Broadcast never
// waits on this.
func (reg *Registry) PersistUpdate(ctx context.Context, target *Room, update []byte) error {
	version, err := reg.log.Append(ctx, eventstore.Record{
		StreamID:  target.StreamID(),
		EventType: eventstore.EventTypeDocumentUpdate,
		Payload:   update,
		AppliedAt: reg.clock().UTC(),
		Source:    eventstore.SourceTag,
	})
	if err != nil {
		reg.metrics.PersistenceFailures.WithLabelValues("append").Inc()
		reg.logError(opPersistUpdate, "append_failed", err, zap.String("room", target.Name()))
		return err
	}
	reg.metrics.EventsAppendedTotal.Inc()

	if !target.recordAppend(version, reg.snapshotEvery) {
		return nil
	}
	snapshot := eventstore.Snapshot{
		StreamID: target.StreamID(),
		Version:  target.persistedVersion(),
		Data:     target.FullState(),
	}
	if err := reg.log.SaveSnapshot(ctx, snapshot); err != nil {
		// The update itself is durable; the snapshot retries on the next
		// cadence boundary.
		reg.metrics.PersistenceFailures.WithLabelValues("snapshot").Inc()
		reg.logError(opSaveSnapshot, "snapshot_save_failed", err,
			zap.String("room", target.Name()),
			zap.Int64("version", snapshot.Version))
		return nil
	}
	reg.logger.Debug("room snapshot saved",
		zap.String("room", target.Name()),
		zap.Int64("version", snapshot.Version))
	return nil
}

// ScheduleEviction arms the room's inactivity timer. The timer re-validates
// at fire time and keeps any room that has clients or recent activity.
func (reg *Registry) ScheduleEviction(name string) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return
	}
	if _, ok := reg.rooms[name]; !ok {
		return
	}
	if existing, ok := reg.timers[name]; ok {
		existing.Stop()
	}
	reg.timers[name] = time.AfterFunc(reg.inactivityTimeout, func() {
		reg.evictIfIdle(name)
	})
}

// evictIfIdle removes the room when it is still empty and stale at fire
// time. The room is marked detached and dropped from the map while the
// registry lock is held, so a join racing the timer either attaches before
// the detach check or observes ErrRoomDetached and looks the room up again.
func (reg *Registry) evictIfIdle(name string) {
	reg.mu.Lock()
	target, ok := reg.rooms[name]
	if !ok {
		delete(reg.timers, name)
		reg.mu.Unlock()
		return
	}
	if !target.detachIfIdle(reg.clock(), reg.inactivityTimeout) {
		delete(reg.timers, name)
		reg.mu.Unlock()
		if target.ClientCount() == 0 {
			// A new update landed while the timer was pending; try again
			// later. An occupied room re-arms when its last client leaves.
			reg.ScheduleEviction(name)
		}
		return
	}

	delete(reg.rooms, name)
	delete(reg.timers, name)
	total := len(reg.rooms)
	reg.mu.Unlock()

	reg.metrics.RoomsActive.Set(float64(total))
	reg.metrics.RoomEvictionsTotal.Inc()
	reg.logger.Info("room evicted", zap.String("room", name))
}

// Count returns the number of resident rooms.
func (reg *Registry) Count() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.rooms)
}

// Names returns the resident room names.
func (reg *Registry) Names() []string {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	names := make([]string, 0, len(reg.rooms))
	for name := range reg.rooms {
		names = append(names, name)
	}
	return names
}

// Snapshot returns the introspection view of the named room.
func (reg *Registry) Snapshot(name string) (Info, bool) {
	reg.mu.Lock()
	target, ok := reg.rooms[name]
	reg.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return target.Snapshot(), true
}

// Close stops all pending eviction timers.
func (reg *Registry) Close() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.closed = true
	for name, timer := range reg.timers {
		timer.Stop()
		delete(reg.timers, name)
	}
}

func (reg *Registry) logError(operation string, reason string, err error, fields ...zap.Field) {
	enriched := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	reg.logger.Error("room registry operation failed", enriched...)
}
