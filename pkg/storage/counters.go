package storage

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/stepflow-io/stepflow/pkg/core"
)

// CounterStore implements core.CounterStore on the engine database, so
// rate-limit counters are durable across restarts and shared between
// processors.
type CounterStore struct {
	db *gorm.DB
}

// NewCounterStore creates a new GORM-backed guardrail counter store.
func NewCounterStore(db *gorm.DB) *CounterStore {
	return &CounterStore{db: db}
}

// Migrate creates the counter table.
func (s *CounterStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.GuardrailCounter{})
}

// Increment bumps the bucket covering at and returns the new window
// total since the given time. The upsert and the window read run in one
// transaction so concurrent instances touching the same key observe each
// other's increments.
func (s *CounterStore) Increment(ctx context.Context, key string, at time.Time, since time.Time) (int64, error) {
	bucket := core.CounterBucket(at)
	var total int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}, {Name: "bucket"}},
			DoUpdates: clause.Assignments(map[string]any{"count": gorm.Expr("count + 1")}),
		}).Create(&core.GuardrailCounter{Key: key, Bucket: bucket, Count: 1}).Error
		if err != nil {
			return err
		}
		return tx.Model(&core.GuardrailCounter{}).
			Where("key = ? AND bucket >= ?", key, core.CounterBucket(since)).
			Select("COALESCE(SUM(count), 0)").
			Row().Scan(&total)
	})
	return total, err
}

// WindowCount sums the buckets since the given time.
func (s *CounterStore) WindowCount(ctx context.Context, key string, since time.Time) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&core.GuardrailCounter{}).
		Where("key = ? AND bucket >= ?", key, core.CounterBucket(since)).
		Select("COALESCE(SUM(count), 0)").
		Row().Scan(&total)
	return total, err
}

// PruneBuckets removes buckets older than the horizon. Called from the
// retention sweep so the counter table stays bounded.
func (s *CounterStore) PruneBuckets(ctx context.Context, horizon time.Duration) (int64, error) {
	cutoff := core.CounterBucket(time.Now().Add(-horizon))
	res := s.db.WithContext(ctx).
		Where("bucket < ?", cutoff).
		Delete(&core.GuardrailCounter{})
	return res.RowsAffected, res.Error
}
