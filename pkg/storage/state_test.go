package storage_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stepflow-io/stepflow/pkg/core"
	"github.com/stepflow-io/stepflow/pkg/storage"
)

func newInstance(t *testing.T, store *storage.StateStore, correlation string) *core.WorkflowInstance {
	t.Helper()
	inst := &core.WorkflowInstance{
		WorkflowName:   "re-engagement",
		Flow:           "main",
		Inputs:         []byte(`{"prospect_email":"dana@example.com"}`),
		CorrelationKey: correlation,
	}
	require.NoError(t, store.CreateInstance(context.Background(), inst))
	return inst
}

func TestStateStore_CreateAndGet(t *testing.T) {
	store := openStateStore(t)
	inst := newInstance(t, store, "")

	got, err := store.GetInstance(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InstanceRunning, got.Status)
	assert.Equal(t, "re-engagement", got.WorkflowName)
	assert.Equal(t, "main", got.Flow)
}

func TestStateStore_GetInstance_NotFound(t *testing.T) {
	store := openStateStore(t)

	_, err := store.GetInstance(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)
}

func TestStateStore_RecordStepResult_Idempotent(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "")

	require.NoError(t, store.RecordStepResult(ctx, inst.ID, "enrich", []byte(`{"company":"Example"}`), inst.Version))

	// Re-recording after a reclaim re-run is a no-op success, whatever
	// version the second writer read.
	reloaded, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NoError(t, store.RecordStepResult(ctx, inst.ID, "enrich", []byte(`{"company":"Other"}`), reloaded.Version))

	records, err := store.GetRecords(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 1, "no duplicate context entries")
	assert.Equal(t, "enrich", records[0].Name)
	assert.JSONEq(t, `{"company":"Example"}`, string(records[0].Output), "first write wins")
	assert.Equal(t, 1, records[0].Seq)
}

func TestStateStore_RecordStepResult_StaleVersion(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "")

	require.NoError(t, store.RecordStepResult(ctx, inst.ID, "enrich", nil, inst.Version))

	// A second writer holding the old version must observe the conflict.
	err := store.RecordStepResult(ctx, inst.ID, "compose", nil, inst.Version)
	assert.ErrorIs(t, err, core.ErrStateConflict)
}

func TestStateStore_RecordStepResult_PreservesOrdering(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "")

	for i, step := range []string{"enrich", "compose", "send"} {
		reloaded, err := store.GetInstance(ctx, inst.ID)
		require.NoError(t, err)
		require.NoError(t, store.RecordStepResult(ctx, inst.ID, step, nil, reloaded.Version))

		records, err := store.GetRecords(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, records, i+1)
		assert.Equal(t, step, records[i].Name)
		assert.Equal(t, i+1, records[i].Seq)
	}

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "send", got.CurrentStep)
}

func TestStateStore_RecordStepResult_TerminalInstance(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "")

	require.NoError(t, store.MarkTerminal(ctx, inst.ID, core.InstanceCancelled, "cancelled"))

	err := store.RecordStepResult(ctx, inst.ID, "enrich", nil, inst.Version)
	assert.ErrorIs(t, err, core.ErrInstanceTerminal, "in-flight result is discarded after cancel")
}

func TestStateStore_ConcurrentRecord_Serializes(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "")

	// All writers read the same version; at most one commit lands.
	const writers = 8
	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		step := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if store.RecordStepResult(ctx, inst.ID, "step_"+step, nil, inst.Version) == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), successes.Load())
	records, err := store.GetRecords(ctx, inst.ID)
	require.NoError(t, err)
	assert.Len(t, records, 1, "losing writers roll back their records")
}

func TestStateStore_AppendEvent_ReplacesPayload(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "dana@example.com")

	require.NoError(t, store.AppendEvent(ctx, inst.ID, "prospect_replied", []byte(`{"text":"first"}`), inst.Version))

	reloaded, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	require.NoError(t, store.AppendEvent(ctx, inst.ID, "prospect_replied", []byte(`{"text":"second"}`), reloaded.Version))

	records, err := store.GetRecords(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "event.prospect_replied", records[0].Name)
	assert.Equal(t, core.RecordEvent, records[0].Kind)
	assert.JSONEq(t, `{"text":"second"}`, string(records[0].Output), "later event payload replaces the entry")
}

func TestStateStore_MarkTerminal_Immutable(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "")

	require.NoError(t, store.MarkTerminal(ctx, inst.ID, core.InstanceCompleted, ""))

	err := store.MarkTerminal(ctx, inst.ID, core.InstanceFailed, "too late")
	assert.ErrorIs(t, err, core.ErrInstanceTerminal)

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InstanceCompleted, got.Status)
}

func TestStateStore_MarkTerminal_RequiresTerminalStatus(t *testing.T) {
	store := openStateStore(t)
	inst := newInstance(t, store, "")

	err := store.MarkTerminal(context.Background(), inst.ID, core.InstanceRunning, "")
	assert.Error(t, err)
}

func TestStateStore_SuspendAndResume(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "dana@example.com")

	require.NoError(t, store.Suspend(ctx, inst.ID, "awaiting events"))
	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InstanceSuspended, got.Status)
	assert.Equal(t, "awaiting events", got.FailureReason)

	require.NoError(t, store.Resume(ctx, inst.ID))
	got, err = store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, core.InstanceRunning, got.Status)
	assert.Empty(t, got.FailureReason)

	// Resuming a running instance is a no-op
	assert.NoError(t, store.Resume(ctx, inst.ID))
}

func TestStateStore_Resume_TerminalInstance(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "")

	require.NoError(t, store.MarkTerminal(ctx, inst.ID, core.InstanceStopped, "guardrail"))
	assert.ErrorIs(t, store.Resume(ctx, inst.ID), core.ErrInstanceTerminal)
}

func TestStateStore_SetFlow(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "")

	require.NoError(t, store.SetFlow(ctx, inst.ID, "handle_reply", inst.Version))

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "handle_reply", got.Flow)

	// Stale version is rejected
	assert.ErrorIs(t, store.SetFlow(ctx, inst.ID, "main", inst.Version), core.ErrStateConflict)
}

func TestStateStore_FindByCorrelation(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()

	_, err := store.FindByCorrelation(ctx, "re-engagement", "nobody@example.com")
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)

	inst := newInstance(t, store, "dana@example.com")
	got, err := store.FindByCorrelation(ctx, "re-engagement", "dana@example.com")
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)

	// Suspended instances remain resolvable; terminal ones do not.
	require.NoError(t, store.Suspend(ctx, inst.ID, "awaiting events"))
	_, err = store.FindByCorrelation(ctx, "re-engagement", "dana@example.com")
	assert.NoError(t, err)

	require.NoError(t, store.MarkTerminal(ctx, inst.ID, core.InstanceCompleted, ""))
	_, err = store.FindByCorrelation(ctx, "re-engagement", "dana@example.com")
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)
}

func TestStateStore_FindByCorrelation_InvalidKey(t *testing.T) {
	store := openStateStore(t)

	_, err := store.FindByCorrelation(context.Background(), "w", "")
	assert.Error(t, err)
}

func TestStateStore_PurgeTerminal(t *testing.T) {
	db := openTestDB(t)
	store := storage.NewStateStore(db)
	ctx := context.Background()
	require.NoError(t, store.Migrate(ctx))

	inst := newInstance(t, store, "")
	require.NoError(t, store.RecordStepResult(ctx, inst.ID, "enrich", nil, inst.Version))
	require.NoError(t, store.MarkTerminal(ctx, inst.ID, core.InstanceCompleted, ""))

	old := time.Now().AddDate(0, 0, -30)
	require.NoError(t, db.Model(&core.WorkflowInstance{}).Where("id = ?", inst.ID).Update("completed_at", old).Error)

	live := newInstance(t, store, "")

	n, err := store.PurgeTerminal(ctx, 7, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetInstance(ctx, inst.ID)
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)
	records, err := store.GetRecords(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, records, "records go with the instance")

	_, err = store.GetInstance(ctx, live.ID)
	assert.NoError(t, err)
}

func TestStateStore_PurgeTerminal_RejectsNonTerminalStatus(t *testing.T) {
	store := openStateStore(t)

	_, err := store.PurgeTerminal(context.Background(), 7, []core.InstanceStatus{core.InstanceRunning})
	assert.Error(t, err)
}

func TestStateStore_Context_FromRecords(t *testing.T) {
	store := openStateStore(t)
	ctx := context.Background()
	inst := newInstance(t, store, "")

	out, _ := json.Marshal(map[string]any{"company": "Example Corp"})
	require.NoError(t, store.RecordStepResult(ctx, inst.ID, "enrich", out, inst.Version))

	got, err := store.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	records, err := store.GetRecords(ctx, inst.ID)
	require.NoError(t, err)

	wfCtx := core.BuildContext(got, records)
	v, ok := wfCtx.Lookup("enrich.company")
	require.True(t, ok)
	assert.Equal(t, "Example Corp", v)

	v, ok = wfCtx.Lookup("workflow.prospect_email")
	require.True(t, ok)
	assert.Equal(t, "dana@example.com", v)
}
