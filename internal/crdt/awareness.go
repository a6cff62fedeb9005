package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidAwarenessUpdate indicates an awareness diff that could not be decoded.
	ErrInvalidAwarenessUpdate = errors.New("crdt: invalid awareness update")
	// ErrInvalidPresencePayload indicates a presence payload that is not a JSON object.
	ErrInvalidPresencePayload = errors.New("crdt: invalid presence payload")
)

// Awareness tracks ephemeral per-client presence state. Entries carry a
// per-client clock; newer clocks win, a nil state marks the client gone.
// Awareness is never persisted: it reconstructs purely from connected
// clients.
type Awareness struct {
	mu      sync.Mutex
	entries map[uint64]awarenessEntry
}

type awarenessEntry struct {
	clock uint64
	state []byte // nil when the client left
}

// NewAwareness constructs an empty awareness map.
func NewAwareness() *Awareness {
	return &Awareness{entries: make(map[uint64]awarenessEntry)}
}

// ApplyUpdate merges an encoded awareness diff and returns the client ids
// whose entries changed.
func (a *Awareness) ApplyUpdate(update []byte) ([]uint64, error) {
	dec := newDecoder(update)
	count, err := dec.readUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAwarenessUpdate, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	var changed []uint64
	for i := uint64(0); i < count; i++ {
		client, clock, state, err := decodeAwarenessEntry(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAwarenessUpdate, err)
		}
		existing, ok := a.entries[client]
		if ok && clock <= existing.clock {
			continue
		}
		a.entries[client] = awarenessEntry{clock: clock, state: state}
		changed = append(changed, client)
	}
	return changed, nil
}

// SetState replaces a client's state and returns the encoded diff for
// broadcast.
func (a *Awareness) SetState(client uint64, state []byte) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := awarenessEntry{
		clock: a.entries[client].clock + 1,
		state: append([]byte(nil), state...),
	}
	a.entries[client] = entry
	return encodeAwarenessEntries(map[uint64]awarenessEntry{client: entry})
}

// SetStateField merges a single field into a client's JSON object state and
// returns the encoded diff for broadcast. A missing or nil state starts from
// an empty object.
func (a *Awareness) SetStateField(client uint64, field string, value json.RawMessage) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing := a.entries[client]
	object := make(map[string]json.RawMessage)
	if len(existing.state) > 0 {
		if err := json.Unmarshal(existing.state, &object); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPresencePayload, err)
		}
	}
	object[field] = value
	state, err := json.Marshal(object)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPresencePayload, err)
	}

	entry := awarenessEntry{clock: existing.clock + 1, state: state}
	a.entries[client] = entry
	return encodeAwarenessEntries(map[uint64]awarenessEntry{client: entry}), nil
}

// RemoveStates marks the given clients gone and returns the encoded diff for
// broadcast to the remaining clients.
func (a *Awareness) RemoveStates(clients []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := make(map[uint64]awarenessEntry, len(clients))
	for _, client := range clients {
		entry := awarenessEntry{clock: a.entries[client].clock + 1, state: nil}
		a.entries[client] = entry
		removed[client] = entry
	}
	return encodeAwarenessEntries(removed)
}

// EncodeAll encodes every live entry, used to seed a newly joined client.
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	live := make(map[uint64]awarenessEntry)
	for client, entry := range a.entries {
		if entry.state == nil {
			continue
		}
		live[client] = entry
	}
	return encodeAwarenessEntries(live)
}

// States returns the live states keyed by client id.
func (a *Awareness) States() map[uint64]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	states := make(map[uint64]json.RawMessage)
	for client, entry := range a.entries {
		if entry.state == nil {
			continue
		}
		states[client] = append(json.RawMessage(nil), entry.state...)
	}
	return states
}

// LiveCount returns the number of clients with live state.
func (a *Awareness) LiveCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	count := 0
	for _, entry := range a.entries {
		if entry.state != nil {
			count++
		}
	}
	return count
}

func encodeAwarenessEntries(entries map[uint64]awarenessEntry) []byte {
	enc := &encoder{}
	enc.writeUvarint(uint64(len(entries)))
	for client, entry := range entries {
		enc.writeUvarint(client)
		enc.writeUvarint(entry.clock)
		if entry.state == nil {
			enc.writeUvarint(0)
		} else {
			enc.writeUvarint(1)
			enc.writeBytes(entry.state)
		}
	}
	return enc.bytes()
}

func decodeAwarenessEntry(dec *decoder) (uint64, uint64, []byte, error) {
	client, err := dec.readUvarint()
	if err != nil {
		return 0, 0, nil, err
	}
	clock, err := dec.readUvarint()
	if err != nil {
		return 0, 0, nil, err
	}
	present, err := dec.readUvarint()
	if err != nil {
		return 0, 0, nil, err
	}
	var state []byte
	if present == 1 {
		if state, err = dec.readBytes(); err != nil {
			return 0, 0, nil, err
		}
	}
	return client, clock, state, nil
}
