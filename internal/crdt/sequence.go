package crdt

// sequence is a replicated growable array (RGA). Items keep their identity
// after deletion as tombstones so concurrent edits can still anchor on them.
type sequence struct {
	items []seqItem
}

type seqItem struct {
	id        ItemID
	hasOrigin bool
	origin    ItemID
	value     []byte
	deleted   bool
}

// find returns the position of the item with the given identifier, or -1.
func (s *sequence) find(id ItemID) int {
	for i := range s.items {
		if s.items[i].id == id {
			return i
		}
	}
	return -1
}

// integrate places an insert operation into document order. Among inserts
// anchored on the same origin, the one with the greater identifier sorts
// first, which gives every replica the same order regardless of arrival.
// Returns false when the origin item has not arrived yet.
func (s *sequence) integrate(op operation) bool {
	originPos := -1
	if op.hasOrigin {
		originPos = s.find(op.origin)
		if originPos < 0 {
			return false
		}
	}

	pos := originPos + 1
	for pos < len(s.items) {
		other := s.items[pos]
		otherOriginPos := -1
		if other.hasOrigin {
			otherOriginPos = s.find(other.origin)
		}
		if otherOriginPos < originPos {
			break
		}
		if otherOriginPos == originPos && !greaterID(other.id, op.id) {
			break
		}
		pos++
	}

	s.items = append(s.items, seqItem{})
	copy(s.items[pos+1:], s.items[pos:])
	s.items[pos] = seqItem{
		id:        op.id,
		hasOrigin: op.hasOrigin,
		origin:    op.origin,
		value:     op.value,
		deleted:   false,
	}
	return true
}

// tombstone marks the target item deleted. Returns false when the target
// has not arrived yet. Deleting an already deleted item is a no-op.
func (s *sequence) tombstone(target ItemID) bool {
	pos := s.find(target)
	if pos < 0 {
		return false
	}
	s.items[pos].deleted = true
	return true
}

// visibleCount returns the number of non-deleted items.
func (s *sequence) visibleCount() int {
	count := 0
	for i := range s.items {
		if !s.items[i].deleted {
			count++
		}
	}
	return count
}

// visiblePos maps a visible index to a position in items, or -1 when the
// index is out of range.
func (s *sequence) visiblePos(index int) int {
	if index < 0 {
		return -1
	}
	seen := 0
	for i := range s.items {
		if s.items[i].deleted {
			continue
		}
		if seen == index {
			return i
		}
		seen++
	}
	return -1
}

// visibleValues returns the values of non-deleted items in document order.
func (s *sequence) visibleValues() [][]byte {
	values := make([][]byte, 0, len(s.items))
	for i := range s.items {
		if s.items[i].deleted {
			continue
		}
		values = append(values, s.items[i].value)
	}
	return values
}
