package core

import "time"

// GuardrailCounter is one bucket of a rolling rate-limit counter.
// Counts are bucketed by hour; a window query sums the buckets covering
// the window. Buckets are incremented transactionally alongside step
// completion so two instances touching the same key cannot race past a
// limit.
type GuardrailCounter struct {
	Key       string    `gorm:"primaryKey;size:255"`
	Bucket    time.Time `gorm:"primaryKey"`
	Count     int64     `gorm:"default:0"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// CounterBucket truncates a timestamp to its counter bucket.
func CounterBucket(at time.Time) time.Time {
	return at.UTC().Truncate(time.Hour)
}
