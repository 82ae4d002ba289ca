package room

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrSnapshotNotFound indicates no snapshot has been persisted for a document.
var ErrSnapshotNotFound = errors.New("room: snapshot not found")

// SnapshotStore persists full replica serializations keyed by document id.
type SnapshotStore interface {
	Load(ctx context.Context, documentID string) ([]byte, error)
	Save(ctx context.Context, documentID string, snapshot []byte) error
	Delete(ctx context.Context, documentID string) error
}

// DocumentSnapshot stores the latest full serialization of a document.
type DocumentSnapshot struct {
	DocumentID  string `gorm:"column:document_id;primaryKey;size:190;not null"`
	SnapshotB64 string `gorm:"column:snapshot_b64;type:text;not null"`
	SavedAtS    int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentSnapshot) TableName() string {
	return "document_snapshots"
}

// GormSnapshotStore is the sqlite-backed SnapshotStore.
type GormSnapshotStore struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewGormSnapshotStore wraps a database handle as a SnapshotStore.
func NewGormSnapshotStore(db *gorm.DB, clock func() time.Time) (*GormSnapshotStore, error) {
	if db == nil {
		return nil, errors.New("room: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &GormSnapshotStore{db: db, clock: clock}, nil
}

// Load returns the stored snapshot bytes for a document id.
func (s *GormSnapshotStore) Load(ctx context.Context, documentID string) ([]byte, error) {
	var record DocumentSnapshot
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("room: snapshot load failed: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(record.SnapshotB64)
	if err != nil {
		return nil, fmt.Errorf("room: snapshot decode failed: %w", err)
	}
	return raw, nil
}

// Save upserts the snapshot for a document id.
func (s *GormSnapshotStore) Save(ctx context.Context, documentID string, snapshot []byte) error {
	record := DocumentSnapshot{
		DocumentID:  documentID,
		SnapshotB64: base64.StdEncoding.EncodeToString(snapshot),
		SavedAtS:    s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot_b64", "saved_at_s"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("room: snapshot save failed: %w", err)
	}
	return nil
}

// Delete removes the persisted snapshot for a document id. Absence is not an
// error.
func (s *GormSnapshotStore) Delete(ctx context.Context, documentID string) error {
	if err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Delete(&DocumentSnapshot{}).Error; err != nil {
		return fmt.Errorf("room: snapshot delete failed: %w", err)
	}
	return nil
}
