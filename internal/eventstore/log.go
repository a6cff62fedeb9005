// Package eventstore bridges rooms to the durable append-only event log.
// The bridge performs no merge logic: it appends opaque update payloads and
// reads them back in version order, with a coarse snapshot as a replay
// shortcut.
package eventstore

import (
	"context"
	"errors"
	"time"
)

const (
	// EventTypeDocumentUpdate is the only event type the relay appends.
	EventTypeDocumentUpdate = "document.update"
	// SourceTag identifies this service in event metadata.
	SourceTag = "realtime-collab"
)

var (
	// ErrMissingStreamID indicates a record without a stream identifier.
	ErrMissingStreamID = errors.New("eventstore: stream id is required")
	// ErrEmptyPayload indicates a record without a payload.
	ErrEmptyPayload = errors.New("eventstore: payload is required")
)

// Record is one persisted event. Ordering by version within a stream is the
// source of truth for replay.
type Record struct {
	StreamID  string
	EventType string
	Payload   []byte
	Version   int64
	AppliedAt time.Time
	Source    string
}

// Validate reports whether the record can be appended.
func (r Record) Validate() error {
	if r.StreamID == "" {
		return ErrMissingStreamID
	}
	if len(r.Payload) == 0 {
		return ErrEmptyPayload
	}
	return nil
}

// Snapshot is a point-in-time full document encoding. Replay from version
// zero must reach the same state, so snapshots are never required for
// correctness.
type Snapshot struct {
	StreamID string
	Version  int64
	Data     []byte
}

// Log is the persistence contract the room registry depends on.
type Log interface {
	// Append stores a record and returns the version assigned to it.
	Append(ctx context.Context, record Record) (int64, error)
	// LatestSnapshot returns the newest snapshot for a stream, or false
	// when none exists.
	LatestSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error)
	// EventsSince returns records with a version strictly greater than
	// fromVersion, ordered ascending.
	EventsSince(ctx context.Context, streamID string, fromVersion int64) ([]Record, error)
	// SaveSnapshot stores a snapshot. Older versions never overwrite newer
	// ones.
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
}
