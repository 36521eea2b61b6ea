package engine_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/stepflow-io/stepflow/pkg/agent"
	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/definition"
	"github.com/stepflow-io/stepflow/pkg/engine"
	"github.com/stepflow-io/stepflow/pkg/storage"
)

var testDBCounter atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(),
		fmt.Sprintf("engine_test_%d_%d.db", os.Getpid(), testDBCounter.Add(1)))
	db, err := gorm.Open(sqlite.Open(dbPath+"?_busy_timeout=10000&_journal_mode=WAL"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	return db
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// harness wires an engine over fresh sqlite stores for one test.
type harness struct {
	engine   *engine.Engine
	db       *gorm.DB
	jobs     *storage.JobStore
	state    *storage.StateStore
	counters *storage.CounterStore
	resolver *agent.Resolver
}

func newHarness(t *testing.T, defs []string, opts ...engine.Option) *harness {
	t.Helper()
	ctx := context.Background()
	db := openTestDB(t)

	jobs := storage.NewJobStore(db)
	require.NoError(t, jobs.Migrate(ctx))
	state := storage.NewStateStore(db)
	require.NoError(t, state.Migrate(ctx))
	counters := storage.NewCounterStore(db)
	require.NoError(t, counters.Migrate(ctx))

	registry := definition.NewRegistry()
	for _, src := range defs {
		def, err := definition.Parse([]byte(src))
		require.NoError(t, err)
		require.NoError(t, registry.Add(def))
	}

	resolver := agent.NewResolver()
	opts = append([]engine.Option{
		engine.WithLogger(quietLogger()),
		engine.WithCapabilityRetry(engine.RetryConfig{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2.0,
		}),
	}, opts...)

	return &harness{
		engine:   engine.New(jobs, state, counters, registry, resolver, opts...),
		db:       db,
		jobs:     jobs,
		state:    state,
		counters: counters,
		resolver: resolver,
	}
}

// runProcessor drives the harness engine in the background until the
// test ends. Poll interval is tight so tests settle fast.
func (h *harness) runProcessor(t *testing.T) {
	t.Helper()
	cfg := engine.DefaultProcessorConfig()
	cfg.Concurrency = 2
	cfg.PollInterval = 5 * time.Millisecond
	cfg.VisibilityTimeout = time.Minute
	proc := engine.NewProcessor(h.engine, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = proc.Start(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitForJob polls until the job reaches a terminal status.
func (h *harness) waitForJob(t *testing.T, jobID string) *core.Job {
	t.Helper()
	var job *core.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = h.jobs.GetJob(context.Background(), jobID)
		return err == nil && job.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond, "job %s never finished", jobID)
	return job
}

// waitForInstanceStatus polls until some instance of the workflow
// reaches the wanted status, returning it.
func (h *harness) waitForInstance(t *testing.T, workflow string, status core.InstanceStatus) *core.WorkflowInstance {
	t.Helper()
	var found *core.WorkflowInstance
	require.Eventually(t, func() bool {
		insts := h.instancesOf(t, workflow)
		for i := range insts {
			if insts[i].Status == status {
				found = &insts[i]
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond, "no %s instance reached %s", workflow, status)
	return found
}

func (h *harness) instancesOf(t *testing.T, workflow string) []core.WorkflowInstance {
	t.Helper()
	var insts []core.WorkflowInstance
	require.NoError(t, h.db.Where("workflow_name = ?", workflow).Order("started_at ASC").Find(&insts).Error)
	return insts
}
