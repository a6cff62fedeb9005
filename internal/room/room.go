// Package room hosts the shared documents clients collaborate on and the
// registry that owns their lifecycle.
package room

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/polished-app/realtime-collab/internal/crdt"
)

var (
	ErrInvalidRoomName = errors.New("room: name required")
	ErrClientLimit     = errors.New("room: client limit reached")
	ErrAlreadyAttached = errors.New("room: subscriber already attached")
	ErrRoomDetached    = errors.New("room: detached from registry")
)

const (
	streamIDPrefix = "room/"
	maxStreamIDLen = 255
)

// StreamID returns the event stream identifier backing the named room. The
// event store accepts only alphanumerics, '-', '_' and '/' in stream ids, so
// any other character is dropped from the name and a digest of the original
// name is appended to keep distinct names on distinct streams.
func StreamID(name string) string {
	sanitized := make([]byte, 0, len(name))
	exact := true
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '-', r == '_', r == '/':
			sanitized = append(sanitized, byte(r))
		default:
			exact = false
		}
	}
	if exact && len(streamIDPrefix)+len(sanitized) <= maxStreamIDLen {
		return streamIDPrefix + string(sanitized)
	}

	digest := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(digest[:8])
	stem := string(sanitized)
	if limit := maxStreamIDLen - len(streamIDPrefix) - len(suffix) - 1; len(stem) > limit {
		stem = stem[:limit]
	}
	if stem == "" {
		return streamIDPrefix + suffix
	}
	return streamIDPrefix + stem + "-" + suffix
}

// Subscriber receives frames broadcast within a room. Deliver must not
// block; it reports false when the frame was dropped.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) bool
}

// Info is a read-only snapshot of a room for introspection endpoints.
type Info struct {
	Name         string    `json:"name"`
	Clients      int       `json:"clients"`
	Presences    int       `json:"presences"`
	Version      int64     `json:"version"`
	Degraded     bool      `json:"degraded"`
	LastActivity time.Time `json:"last_activity"`
}

// Room is one collaborative document with its ephemeral awareness state and
// attached subscribers. All message handling for a room runs under its
// mutex, so applying an update and fanning it out is a single atomic turn.
type Room struct {
	name     string
	streamID string

	mu           sync.Mutex
	doc          *crdt.Document
	awareness    *crdt.Awareness
	subscribers  map[string]Subscriber
	lastActivity time.Time
	version      int64
	appendsSince int
	degraded     bool
	detached     bool
}

func newRoom(name string, clock func() time.Time) *Room {
	return &Room{
		name:         name,
		streamID:     StreamID(name),
		doc:          crdt.NewDocument(),
		awareness:    crdt.NewAwareness(),
		subscribers:  make(map[string]Subscriber),
		lastActivity: clock().UTC(),
	}
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// StreamID returns the event stream identifier backing this room.
func (r *Room) StreamID() string {
	return r.streamID
}

// Degraded reports whether the room started empty after a history load
// failure.
func (r *Room) Degraded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.degraded
}

// Join attaches a subscriber and returns, in the same turn, the document
// diff against the client's state vector and the full awareness snapshot.
// Frames broadcast after Join returns are guaranteed to follow the diff.
func (r *Room) Join(subscriber Subscriber, remoteVector map[uint64]uint64, maxClients int) (diff []byte, awareness []byte, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.detached {
		return nil, nil, ErrRoomDetached
	}
	if _, exists := r.subscribers[subscriber.ID()]; exists {
		return nil, nil, ErrAlreadyAttached
	}
	if maxClients > 0 && len(r.subscribers) >= maxClients {
		return nil, nil, ErrClientLimit
	}
	r.subscribers[subscriber.ID()] = subscriber
	return r.doc.EncodeStateAsUpdate(remoteVector), r.awareness.EncodeAll(), nil
}

// Leave detaches a subscriber and returns the remaining subscriber count.
func (r *Room) Leave(subscriberID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subscribers, subscriberID)
	return len(r.subscribers)
}

// ClientCount returns the number of attached subscribers.
func (r *Room) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subscribers)
}

// StateVector returns the room document's encoded state vector.
func (r *Room) StateVector() []byte {
	return r.doc.EncodeStateVector()
}

// Diff returns the document operations the remote state vector is missing.
func (r *Room) Diff(remoteVector map[uint64]uint64) []byte {
	return r.doc.EncodeStateAsUpdate(remoteVector)
}

// FullState returns the document's complete encoded state.
func (r *Room) FullState() []byte {
	return r.doc.EncodeStateAsUpdate(nil)
}

// ApplyUpdate merges a document update, bumps the activity clock, and
// broadcasts the prepared frame to every subscriber except the sender. It
// returns the number of subscribers whose frame was dropped.
func (r *Room) ApplyUpdate(update []byte, frame []byte, senderID string, clock func() time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.doc.ApplyUpdate(update); err != nil {
		return 0, err
	}
	r.lastActivity = clock().UTC()
	return r.broadcastLocked(frame, senderID), nil
}

// ApplyRemoteUpdate merges an update that arrived from another relay
// instance and broadcasts it to every local subscriber.
func (r *Room) ApplyRemoteUpdate(update []byte, frame []byte, clock func() time.Time) (int, error) {
	return r.ApplyUpdate(update, frame, "", clock)
}

// ApplyAwareness merges an awareness update and rebroadcasts the frame to
// everyone except the sender. Changed client identifiers are returned so
// callers can observe churn.
func (r *Room) ApplyAwareness(update []byte, frame []byte, senderID string) ([]uint64, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	changed, err := r.awareness.ApplyUpdate(update)
	if err != nil {
		return nil, 0, err
	}
	return changed, r.broadcastLocked(frame, senderID), nil
}

// SetPresenceField merges one field into a client's awareness state and
// returns the resulting awareness update for rebroadcast.
func (r *Room) SetPresenceField(client uint64, field string, value json.RawMessage) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awareness.SetStateField(client, field, value)
}

// RemoveAwareness clears the given clients' awareness state and returns the
// removal update, which the caller broadcasts.
func (r *Room) RemoveAwareness(clients []uint64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awareness.RemoveStates(clients)
}

// PresenceCount returns the number of clients with live awareness state.
func (r *Room) PresenceCount() int {
	return r.awareness.LiveCount()
}

// Broadcast delivers a frame to every subscriber except the sender and
// returns the number of drops.
func (r *Room) Broadcast(frame []byte, senderID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcastLocked(frame, senderID)
}

func (r *Room) broadcastLocked(frame []byte, senderID string) int {
	if len(frame) == 0 {
		return 0
	}
	dropped := 0
	for id, subscriber := range r.subscribers {
		if id == senderID {
			continue
		}
		if !subscriber.Deliver(frame) {
			dropped++
		}
	}
	return dropped
}

// Touch bumps the room's activity clock.
func (r *Room) Touch(clock func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = clock().UTC()
}

// LastActivity returns when the room last saw a document update.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Snapshot returns the room's introspection view.
func (r *Room) Snapshot() Info {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Info{
		Name:         r.name,
		Clients:      len(r.subscribers),
		Presences:    r.awareness.LiveCount(),
		Version:      r.version,
		Degraded:     r.degraded,
		LastActivity: r.lastActivity,
	}
}

// recordAppend notes a durable append at the given version and reports
// whether the snapshot cadence is due.
func (r *Room) recordAppend(version int64, snapshotEvery int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if version > r.version {
		r.version = version
	}
	r.appendsSince++
	if snapshotEvery > 0 && r.appendsSince >= snapshotEvery {
		r.appendsSince = 0
		return true
	}
	return false
}

// persistedVersion returns the highest event version known to be durable.
func (r *Room) persistedVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

func (r *Room) markLoaded(version int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.version = version
}

// detachIfIdle marks the room detached when it has no subscribers and no
// activity within timeout, in the same critical section Join uses. Once
// detached the room refuses joins, so a subscriber holding a stale pointer
// can never attach to a room the registry no longer serves.
func (r *Room) detachIfIdle(now time.Time, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subscribers) > 0 {
		return false
	}
	if now.Sub(r.lastActivity) < timeout {
		return false
	}
	r.detached = true
	return true
}

func (r *Room) markDegraded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.degraded = true
}

func (r *Room) applyHistory(update []byte) error {
	return r.doc.ApplyUpdate(update)
}

func validateRoomName(name string) (string, error) {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "", ErrInvalidRoomName
	}
	return trimmed, nil
}
