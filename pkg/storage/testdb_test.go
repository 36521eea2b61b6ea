package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/stepflow-io/stepflow/pkg/storage"
)

var dbCounter atomic.Int64

// openTestDB opens a database for storage tests. When TEST_DATABASE_URL
// is set it connects to PostgreSQL; otherwise it creates a unique
// file-based SQLite database removed on cleanup.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn != "" {
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		require.NoError(t, err, "open postgres test db")

		sqlDB, err := db.DB()
		require.NoError(t, err, "get underlying sql.DB")
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(1)

		cleanupPostgres(t, db)
		t.Cleanup(func() {
			cleanupPostgres(t, db)
			_ = sqlDB.Close()
		})
		return db
	}

	n := dbCounter.Add(1)
	dbPath := fmt.Sprintf("%s/stepflow_test_%d_%d.db", os.TempDir(), os.Getpid(), n)
	t.Cleanup(func() { _ = os.Remove(dbPath) })

	// WAL + busy timeout keep concurrent claim tests from tripping
	// over sqlite's single-writer lock.
	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=10000&_journal_mode=WAL"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "open sqlite test db")
	return db
}

func cleanupPostgres(t *testing.T, db *gorm.DB) {
	t.Helper()
	for _, table := range []string{"step_records", "workflow_instances", "guardrail_counters", "jobs"} {
		db.Exec("DROP TABLE IF EXISTS " + table)
	}
}

func openJobStore(t *testing.T) *storage.JobStore {
	t.Helper()
	store := storage.NewJobStore(openTestDB(t))
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func openStateStore(t *testing.T) *storage.StateStore {
	t.Helper()
	store := storage.NewStateStore(openTestDB(t))
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func openCounterStore(t *testing.T) *storage.CounterStore {
	t.Helper()
	store := storage.NewCounterStore(openTestDB(t))
	require.NoError(t, store.Migrate(context.Background()))
	return store
}
