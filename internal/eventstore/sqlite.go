package eventstore

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EventRow stores one append-only update payload.
type EventRow struct {
	ID               int64  `gorm:"column:id;primaryKey;autoIncrement"`
	StreamID         string `gorm:"column:stream_id;size:190;not null;index:idx_events_stream;uniqueIndex:idx_events_dedupe,priority:1"`
	EventType        string `gorm:"column:event_type;size:64;not null"`
	PayloadB64       string `gorm:"column:payload_b64;type:text;not null"`
	PayloadHash      string `gorm:"column:payload_hash;size:64;not null;uniqueIndex:idx_events_dedupe,priority:2"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
	Source           string `gorm:"column:source;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (EventRow) TableName() string {
	return "events"
}

// SnapshotRow stores the latest snapshot per stream.
type SnapshotRow struct {
	StreamID string `gorm:"column:stream_id;primaryKey;size:190;not null"`
	Version  int64  `gorm:"column:version;not null;default:0"`
	DataB64  string `gorm:"column:data_b64;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SnapshotRow) TableName() string {
	return "snapshots"
}

// SQLiteLog is an embedded event log for single-node deployments, kept
// behaviorally equivalent to the HTTP-backed store: append-only per-stream
// ordering, payload dedupe, latest-snapshot-wins.
type SQLiteLog struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// SQLiteLogConfig configures the embedded log.
type SQLiteLogConfig struct {
	Path   string
	Clock  func() time.Time
	Logger *zap.Logger
}

// NewSQLiteLog opens (creating if needed) the embedded log database and
// migrates its schema.
func NewSQLiteLog(cfg SQLiteLogConfig) (*SQLiteLog, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("eventstore: sqlite path is required")
	}

	db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("eventstore: open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("eventstore: sqlite handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&EventRow{}, &SnapshotRow{}); err != nil {
		return nil, fmt.Errorf("eventstore: migrate: %w", err)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("embedded event log initialized", zap.String("path", cfg.Path))

	return &SQLiteLog{db: db, clock: clock, logger: logger}, nil
}

// Close releases the underlying database handle.
func (l *SQLiteLog) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Append inserts the record, deduplicating identical payloads within a
// stream, and returns the row id as the record's version.
func (l *SQLiteLog) Append(ctx context.Context, record Record) (int64, error) {
	if err := record.Validate(); err != nil {
		return 0, err
	}

	payloadB64 := base64.StdEncoding.EncodeToString(record.Payload)
	hash := sha256.Sum256(record.Payload)
	payloadHash := hex.EncodeToString(hash[:])

	source := record.Source
	if source == "" {
		source = SourceTag
	}
	eventType := record.EventType
	if eventType == "" {
		eventType = EventTypeDocumentUpdate
	}

	row := EventRow{
		StreamID:         record.StreamID,
		EventType:        eventType,
		PayloadB64:       payloadB64,
		PayloadHash:      payloadHash,
		AppliedAtSeconds: l.clock().UTC().Unix(),
		Source:           source,
	}

	var version int64
	err := l.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			version = row.ID
			return nil
		}
		// Duplicate payload: report the already stored version.
		var existing EventRow
		if err := transaction.Select("id").
			Where("stream_id = ? AND payload_hash = ?", record.StreamID, payloadHash).
			Take(&existing).Error; err != nil {
			return err
		}
		version = existing.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("eventstore: append %s: %w", record.StreamID, err)
	}
	return version, nil
}

// EventsSince returns the stream's records with a version greater than
// fromVersion, in append order.
func (l *SQLiteLog) EventsSince(ctx context.Context, streamID string, fromVersion int64) ([]Record, error) {
	var rows []EventRow
	if err := l.db.WithContext(ctx).
		Where("stream_id = ? AND id > ?", streamID, fromVersion).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("eventstore: load events %s: %w", streamID, err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		payload, err := base64.StdEncoding.DecodeString(row.PayloadB64)
		if err != nil {
			return nil, fmt.Errorf("eventstore: decode event payload %s v%d: %w", streamID, row.ID, err)
		}
		records = append(records, Record{
			StreamID:  row.StreamID,
			EventType: row.EventType,
			Payload:   payload,
			Version:   row.ID,
			AppliedAt: time.Unix(row.AppliedAtSeconds, 0).UTC(),
			Source:    row.Source,
		})
	}
	return records, nil
}

// LatestSnapshot returns the stream's snapshot row if present.
func (l *SQLiteLog) LatestSnapshot(ctx context.Context, streamID string) (Snapshot, bool, error) {
	var row SnapshotRow
	err := l.db.WithContext(ctx).
		Where("stream_id = ?", streamID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("eventstore: load snapshot %s: %w", streamID, err)
	}

	data, err := base64.StdEncoding.DecodeString(row.DataB64)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("eventstore: decode snapshot %s: %w", streamID, err)
	}
	return Snapshot{StreamID: streamID, Version: row.Version, Data: data}, true, nil
}

// SaveSnapshot upserts the stream's snapshot, keeping the newer version.
func (l *SQLiteLog) SaveSnapshot(ctx context.Context, snapshot Snapshot) error {
	if snapshot.StreamID == "" {
		return ErrMissingStreamID
	}

	dataB64 := base64.StdEncoding.EncodeToString(snapshot.Data)
	err := l.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		var existing SnapshotRow
		err := transaction.Where("stream_id = ?", snapshot.StreamID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return transaction.Create(&SnapshotRow{
				StreamID: snapshot.StreamID,
				Version:  snapshot.Version,
				DataB64:  dataB64,
			}).Error
		}
		if err != nil {
			return err
		}
		if snapshot.Version <= existing.Version {
			return nil
		}
		existing.Version = snapshot.Version
		existing.DataB64 = dataB64
		return transaction.Save(&existing).Error
	})
	if err != nil {
		return fmt.Errorf("eventstore: save snapshot %s: %w", snapshot.StreamID, err)
	}
	return nil
}
