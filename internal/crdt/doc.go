package crdt

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

var (
	// ErrInvalidUpdate indicates an update payload that could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrInvalidStateVector indicates a state vector payload that could not be decoded.
	ErrInvalidStateVector = errors.New("crdt: invalid state vector")
)

// ItemID identifies a single operation: a lamport clock scoped to the
// producing client. Clocks are unique per client and only move forward.
type ItemID struct {
	Client uint64
	Clock  uint64
}

// greaterID orders concurrent operations deterministically: higher clock
// wins, equal clocks fall back to the higher client identifier.
func greaterID(a, b ItemID) bool {
	if a.Clock != b.Clock {
		return a.Clock > b.Clock
	}
	return a.Client > b.Client
}

const (
	opSequenceInsert = 0
	opSequenceDelete = 1
	opMapSet         = 2
)

const (
	shareText = 0
	shareList = 1
	shareMap  = 2
)

// operation is the unit of replication. Every mutation of a shared
// structure becomes one operation; updates are batches of operations.
type operation struct {
	id        ItemID
	kind      uint64
	shareKind uint64
	shareName string

	// sequence insert
	hasOrigin bool
	origin    ItemID
	value     []byte

	// sequence delete
	target ItemID

	// map set
	key     string
	deleted bool
}

// Document is a replicated document composed of named shared structures.
// Updates merge commutatively and idempotently: applying the same batch
// twice, or two batches in either order, yields the same content.
type Document struct {
	mu      sync.Mutex
	client  uint64
	clock   uint64
	ops     []operation
	seen    map[ItemID]bool
	vector  map[uint64]uint64
	pending []operation

	texts map[string]*sequence
	lists map[string]*sequence
	maps  map[string]map[string]register
}

type register struct {
	id      ItemID
	value   []byte
	deleted bool
}

// NewDocument constructs an empty document with a random client identifier.
func NewDocument() *Document {
	return NewDocumentWithClient(rand.Uint64() | 1)
}

// NewDocumentWithClient constructs an empty document with a fixed client
// identifier. Callers must not reuse an identifier across live replicas.
func NewDocumentWithClient(client uint64) *Document {
	return &Document{
		client: client,
		seen:   make(map[ItemID]bool),
		vector: make(map[uint64]uint64),
		texts:  make(map[string]*sequence),
		lists:  make(map[string]*sequence),
		maps:   make(map[string]map[string]register),
	}
}

// ClientID returns the document's replica identifier.
func (d *Document) ClientID() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// Text returns the named shared text, creating it empty when absent.
func (d *Document) Text(name string) *Text {
	return &Text{doc: d, name: name}
}

// List returns the named shared list, creating it empty when absent.
func (d *Document) List(name string) *List {
	return &List{doc: d, name: name}
}

// Map returns the named shared map, creating it empty when absent.
func (d *Document) Map(name string) *Map {
	return &Map{doc: d, name: name}
}

// ApplyUpdate merges a binary update into the document. Operations already
// seen are skipped; operations whose origin has not arrived yet are parked
// and integrated as soon as the origin does.
func (d *Document) ApplyUpdate(update []byte) error {
	ops, err := decodeOperations(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, op := range ops {
		d.storeAndApply(op)
	}
	d.drainPending()
	return nil
}

// StateVector returns the highest clock stored per client.
func (d *Document) StateVector() map[uint64]uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	vector := make(map[uint64]uint64, len(d.vector))
	for client, clock := range d.vector {
		vector[client] = clock
	}
	return vector
}

// EncodeStateVector encodes the document's state vector.
func (d *Document) EncodeStateVector() []byte {
	return EncodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate encodes every stored operation newer than the remote
// state vector. A nil vector yields the full document state.
func (d *Document) EncodeStateAsUpdate(remote map[uint64]uint64) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	var selected []operation
	for _, op := range d.ops {
		if remote != nil && op.id.Clock <= remote[op.id.Client] {
			continue
		}
		selected = append(selected, op)
	}
	return encodeOperations(selected)
}

// storeAndApply records an operation and routes it to its shared structure.
// The caller holds d.mu.
func (d *Document) storeAndApply(op operation) {
	if d.seen[op.id] {
		return
	}
	d.seen[op.id] = true
	d.ops = append(d.ops, op)
	if op.id.Clock > d.vector[op.id.Client] {
		d.vector[op.id.Client] = op.id.Clock
	}
	if op.id.Clock > d.clock {
		d.clock = op.id.Clock
	}
	d.route(op)
}

// route integrates an operation, parking it when a dependency is missing.
// The caller holds d.mu.
func (d *Document) route(op operation) {
	switch op.kind {
	case opMapSet:
		shares := d.maps[op.shareName]
		if shares == nil {
			shares = make(map[string]register)
			d.maps[op.shareName] = shares
		}
		existing, ok := shares[op.key]
		if !ok || greaterID(op.id, existing.id) {
			shares[op.key] = register{id: op.id, value: op.value, deleted: op.deleted}
		}
	case opSequenceInsert:
		seq := d.sequenceFor(op.shareKind, op.shareName)
		if !seq.integrate(op) {
			d.pending = append(d.pending, op)
		}
	case opSequenceDelete:
		seq := d.sequenceFor(op.shareKind, op.shareName)
		if !seq.tombstone(op.target) {
			d.pending = append(d.pending, op)
		}
	}
}

// drainPending retries parked operations until no further progress is made.
// The caller holds d.mu.
func (d *Document) drainPending() {
	for {
		if len(d.pending) == 0 {
			return
		}
		parked := d.pending
		d.pending = nil
		progressed := false
		for _, op := range parked {
			seq := d.sequenceFor(op.shareKind, op.shareName)
			applied := false
			switch op.kind {
			case opSequenceInsert:
				applied = seq.integrate(op)
			case opSequenceDelete:
				applied = seq.tombstone(op.target)
			}
			if applied {
				progressed = true
			} else {
				d.pending = append(d.pending, op)
			}
		}
		if !progressed {
			return
		}
	}
}

func (d *Document) sequenceFor(kind uint64, name string) *sequence {
	var shares map[string]*sequence
	if kind == shareList {
		shares = d.lists
	} else {
		shares = d.texts
	}
	seq := shares[name]
	if seq == nil {
		seq = &sequence{}
		shares[name] = seq
	}
	return seq
}

// nextID issues the next local operation identifier. The caller holds d.mu.
func (d *Document) nextID() ItemID {
	d.clock++
	return ItemID{Client: d.client, Clock: d.clock}
}

// commitLocal stores locally produced operations and returns their encoding,
// suitable for broadcast to other replicas. The caller holds d.mu.
func (d *Document) commitLocal(ops []operation) []byte {
	for _, op := range ops {
		d.storeAndApply(op)
	}
	d.drainPending()
	return encodeOperations(ops)
}

func encodeOperations(ops []operation) []byte {
	enc := &encoder{}
	enc.writeUvarint(uint64(len(ops)))
	for _, op := range ops {
		enc.writeUvarint(op.id.Client)
		enc.writeUvarint(op.id.Clock)
		enc.writeUvarint(op.kind)
		enc.writeUvarint(op.shareKind)
		enc.writeString(op.shareName)
		switch op.kind {
		case opSequenceInsert:
			if op.hasOrigin {
				enc.writeUvarint(1)
				enc.writeUvarint(op.origin.Client)
				enc.writeUvarint(op.origin.Clock)
			} else {
				enc.writeUvarint(0)
			}
			enc.writeBytes(op.value)
		case opSequenceDelete:
			enc.writeUvarint(op.target.Client)
			enc.writeUvarint(op.target.Clock)
		case opMapSet:
			enc.writeString(op.key)
			if op.deleted {
				enc.writeUvarint(1)
			} else {
				enc.writeUvarint(0)
			}
			enc.writeBytes(op.value)
		}
	}
	return enc.bytes()
}

func decodeOperations(update []byte) ([]operation, error) {
	dec := newDecoder(update)
	count, err := dec.readUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	// The count is attacker-controlled; size the buffer from the payload.
	capHint := count
	if capHint > uint64(len(update)) {
		capHint = uint64(len(update))
	}
	ops := make([]operation, 0, capHint)
	for i := uint64(0); i < count; i++ {
		op, err := decodeOperation(dec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
		}
		ops = append(ops, op)
	}
	return ops, nil
}

func decodeOperation(dec *decoder) (operation, error) {
	var op operation
	var err error
	if op.id.Client, err = dec.readUvarint(); err != nil {
		return operation{}, err
	}
	if op.id.Clock, err = dec.readUvarint(); err != nil {
		return operation{}, err
	}
	if op.kind, err = dec.readUvarint(); err != nil {
		return operation{}, err
	}
	if op.shareKind, err = dec.readUvarint(); err != nil {
		return operation{}, err
	}
	if op.shareName, err = dec.readString(); err != nil {
		return operation{}, err
	}
	switch op.kind {
	case opSequenceInsert:
		hasOrigin, err := dec.readUvarint()
		if err != nil {
			return operation{}, err
		}
		if hasOrigin == 1 {
			op.hasOrigin = true
			if op.origin.Client, err = dec.readUvarint(); err != nil {
				return operation{}, err
			}
			if op.origin.Clock, err = dec.readUvarint(); err != nil {
				return operation{}, err
			}
		}
		if op.value, err = dec.readBytes(); err != nil {
			return operation{}, err
		}
	case opSequenceDelete:
		if op.target.Client, err = dec.readUvarint(); err != nil {
			return operation{}, err
		}
		if op.target.Clock, err = dec.readUvarint(); err != nil {
			return operation{}, err
		}
	case opMapSet:
		if op.key, err = dec.readString(); err != nil {
			return operation{}, err
		}
		deleted, err := dec.readUvarint()
		if err != nil {
			return operation{}, err
		}
		op.deleted = deleted == 1
		if op.value, err = dec.readBytes(); err != nil {
			return operation{}, err
		}
	default:
		return operation{}, fmt.Errorf("unknown operation kind %d", op.kind)
	}
	return op, nil
}

// EncodeStateVector encodes a state vector as (client, clock) pairs.
func EncodeStateVector(vector map[uint64]uint64) []byte {
	enc := &encoder{}
	enc.writeUvarint(uint64(len(vector)))
	for client, clock := range vector {
		enc.writeUvarint(client)
		enc.writeUvarint(clock)
	}
	return enc.bytes()
}

// DecodeStateVector decodes a state vector encoded by EncodeStateVector.
func DecodeStateVector(payload []byte) (map[uint64]uint64, error) {
	dec := newDecoder(payload)
	count, err := dec.readUvarint()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
	}
	capHint := count
	if capHint > uint64(len(payload)) {
		capHint = uint64(len(payload))
	}
	vector := make(map[uint64]uint64, capHint)
	for i := uint64(0); i < count; i++ {
		client, err := dec.readUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
		}
		clock, err := dec.readUvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
		}
		vector[client] = clock
	}
	return vector, nil
}
