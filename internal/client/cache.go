package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrCacheMiss indicates no cached replica exists for the scope and document.
var ErrCacheMiss = errors.New("client: cache miss")

// LocalReplica is the durable client-side mirror of a document replica,
// scoped so documents created before authentication survive sign-in.
type LocalReplica struct {
	Scope       string `gorm:"column:scope;primaryKey;size:190;not null"`
	DocumentID  string `gorm:"column:document_id;primaryKey;size:190;not null"`
	SnapshotB64 string `gorm:"column:snapshot_b64;type:text;not null"`
	SavedAtS    int64  `gorm:"column:saved_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LocalReplica) TableName() string {
	return "local_replicas"
}

// Cache is the client's write-through replica mirror. It is never a second
// source of truth: on reconnect its contents are reconciled through the
// merge primitive, not through bespoke conflict handling.
type Cache struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewCache wraps a database handle as a local replica cache.
func NewCache(db *gorm.DB, clock func() time.Time) (*Cache, error) {
	if db == nil {
		return nil, errors.New("client: database handle is required")
	}
	if clock == nil {
		clock = time.Now
	}
	if err := db.AutoMigrate(&LocalReplica{}); err != nil {
		return nil, fmt.Errorf("client: cache migration failed: %w", err)
	}
	return &Cache{db: db, clock: clock}, nil
}

// Load returns the cached replica snapshot for a scope and document id.
func (c *Cache) Load(ctx context.Context, scope, documentID string) ([]byte, error) {
	var record LocalReplica
	err := c.db.WithContext(ctx).
		Where("scope = ? AND document_id = ?", scope, documentID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("client: cache load failed: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(record.SnapshotB64)
	if err != nil {
		return nil, fmt.Errorf("client: cache decode failed: %w", err)
	}
	return raw, nil
}

// Save upserts the cached replica snapshot.
func (c *Cache) Save(ctx context.Context, scope, documentID string, snapshot []byte) error {
	record := LocalReplica{
		Scope:       scope,
		DocumentID:  documentID,
		SnapshotB64: base64.StdEncoding.EncodeToString(snapshot),
		SavedAtS:    c.clock().UTC().Unix(),
	}
	err := c.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "scope"}, {Name: "document_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"snapshot_b64", "saved_at_s"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("client: cache save failed: %w", err)
	}
	return nil
}

// Delete removes the cached snapshot for a scope and document id.
func (c *Cache) Delete(ctx context.Context, scope, documentID string) error {
	if err := c.db.WithContext(ctx).
		Where("scope = ? AND document_id = ?", scope, documentID).
		Delete(&LocalReplica{}).Error; err != nil {
		return fmt.Errorf("client: cache delete failed: %w", err)
	}
	return nil
}

// MigrateScope adopts documents cached under fromScope into toScope.
// Documents already present in the destination keep the destination copy;
// the divergent source copy is dropped and reconciled through normal sync.
func (c *Cache) MigrateScope(ctx context.Context, fromScope, toScope string) error {
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		moveStmt := `UPDATE local_replicas SET scope = ?
			WHERE scope = ? AND document_id NOT IN (
				SELECT document_id FROM local_replicas WHERE scope = ?
			)`
		if err := tx.Exec(moveStmt, toScope, fromScope, toScope).Error; err != nil {
			return fmt.Errorf("client: scope migration failed: %w", err)
		}
		if err := tx.Where("scope = ?", fromScope).Delete(&LocalReplica{}).Error; err != nil {
			return fmt.Errorf("client: scope cleanup failed: %w", err)
		}
		return nil
	})
}
