package crdt

import "strings"

// Text is a view over a named shared text structure. Views are cheap and
// stateless; all state lives in the document.
type Text struct {
	doc  *Document
	name string
}

// Insert places text at the given visible rune index and returns the encoded
// update for broadcast. Indexes beyond the end append.
func (t *Text) Insert(index int, text string) []byte {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	seq := t.doc.sequenceFor(shareText, t.name)
	var ops []operation
	hasOrigin, origin := leftAnchor(seq, index)
	for _, r := range text {
		op := operation{
			id:        t.doc.nextID(),
			kind:      opSequenceInsert,
			shareKind: shareText,
			shareName: t.name,
			hasOrigin: hasOrigin,
			origin:    origin,
			value:     []byte(string(r)),
		}
		ops = append(ops, op)
		hasOrigin, origin = true, op.id
	}
	return t.doc.commitLocal(ops)
}

// Delete removes length visible runes starting at index and returns the
// encoded update for broadcast.
func (t *Text) Delete(index, length int) []byte {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	seq := t.doc.sequenceFor(shareText, t.name)
	ops := deleteRange(t.doc, seq, shareText, t.name, index, length)
	return t.doc.commitLocal(ops)
}

// String returns the visible text content.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()

	seq := t.doc.sequenceFor(shareText, t.name)
	var builder strings.Builder
	for _, value := range seq.visibleValues() {
		builder.Write(value)
	}
	return builder.String()
}

// Len returns the number of visible runes.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	return t.doc.sequenceFor(shareText, t.name).visibleCount()
}

// List is a view over a named shared list of opaque values.
type List struct {
	doc  *Document
	name string
}

// Insert places a value at the given index and returns the encoded update.
func (l *List) Insert(index int, value []byte) []byte {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()

	seq := l.doc.sequenceFor(shareList, l.name)
	hasOrigin, origin := leftAnchor(seq, index)
	op := operation{
		id:        l.doc.nextID(),
		kind:      opSequenceInsert,
		shareKind: shareList,
		shareName: l.name,
		hasOrigin: hasOrigin,
		origin:    origin,
		value:     append([]byte(nil), value...),
	}
	return l.doc.commitLocal([]operation{op})
}

// Delete removes the value at the given index and returns the encoded update.
func (l *List) Delete(index int) []byte {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()

	seq := l.doc.sequenceFor(shareList, l.name)
	ops := deleteRange(l.doc, seq, shareList, l.name, index, 1)
	return l.doc.commitLocal(ops)
}

// Values returns the visible values in document order.
func (l *List) Values() [][]byte {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()

	seq := l.doc.sequenceFor(shareList, l.name)
	values := seq.visibleValues()
	copies := make([][]byte, len(values))
	for i, value := range values {
		copies[i] = append([]byte(nil), value...)
	}
	return copies
}

// Len returns the number of visible values.
func (l *List) Len() int {
	l.doc.mu.Lock()
	defer l.doc.mu.Unlock()
	return l.doc.sequenceFor(shareList, l.name).visibleCount()
}

// Map is a view over a named shared map with last-writer-wins registers.
type Map struct {
	doc  *Document
	name string
}

// Set stores a value under key and returns the encoded update.
func (m *Map) Set(key string, value []byte) []byte {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	op := operation{
		id:        m.doc.nextID(),
		kind:      opMapSet,
		shareKind: shareMap,
		shareName: m.name,
		key:       key,
		value:     append([]byte(nil), value...),
	}
	return m.doc.commitLocal([]operation{op})
}

// Delete removes key and returns the encoded update.
func (m *Map) Delete(key string) []byte {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	op := operation{
		id:        m.doc.nextID(),
		kind:      opMapSet,
		shareKind: shareMap,
		shareName: m.name,
		key:       key,
		deleted:   true,
	}
	return m.doc.commitLocal([]operation{op})
}

// Get returns the value stored under key.
func (m *Map) Get(key string) ([]byte, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	shares := m.doc.maps[m.name]
	if shares == nil {
		return nil, false
	}
	reg, ok := shares[key]
	if !ok || reg.deleted {
		return nil, false
	}
	return append([]byte(nil), reg.value...), true
}

// Keys returns the keys currently present.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()

	shares := m.doc.maps[m.name]
	keys := make([]string, 0, len(shares))
	for key, reg := range shares {
		if reg.deleted {
			continue
		}
		keys = append(keys, key)
	}
	return keys
}

// leftAnchor resolves the item a new insert should anchor on: the visible
// item to the left of index, or none for a head insert. Indexes beyond the
// end anchor on the last item.
func leftAnchor(seq *sequence, index int) (bool, ItemID) {
	if index <= 0 {
		return false, ItemID{}
	}
	visible := seq.visibleCount()
	if index > visible {
		index = visible
	}
	pos := seq.visiblePos(index - 1)
	if pos < 0 {
		return false, ItemID{}
	}
	return true, seq.items[pos].id
}

// deleteRange produces tombstone operations for length visible items from
// index. The caller holds the document lock.
func deleteRange(doc *Document, seq *sequence, kind uint64, name string, index, length int) []operation {
	var ops []operation
	// Targets are resolved up front: positions shift as tombstones land.
	var targets []ItemID
	for offset := 0; offset < length; offset++ {
		pos := seq.visiblePos(index + offset)
		if pos < 0 {
			break
		}
		targets = append(targets, seq.items[pos].id)
	}
	for _, target := range targets {
		ops = append(ops, operation{
			id:        doc.nextID(),
			kind:      opSequenceDelete,
			shareKind: kind,
			shareName: name,
			target:    target,
		})
	}
	return ops
}
