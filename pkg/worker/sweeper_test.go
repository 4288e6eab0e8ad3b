package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/store"
)

func newTestSweeper(t *testing.T, st store.Store, maxRequeues int) *Sweeper {
	t.Helper()
	return NewSweeper(st, testRegistry(t), SweeperOptions{
		MaxRequeues: maxRequeues,
		Logger:      quietLogger(),
	})
}

// pastClock pins the store clock an hour back so claimed calls look abandoned
// against the sweeper's wall-clock cutoff.
func pastClock(st *store.MemoryStore) {
	past := time.Now().UTC().Add(-time.Hour)
	st.WithClock(func() time.Time { return past })
}

func TestSweepReclaimsStaleLease(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pastClock(st)

	require.NoError(t, st.InsertCall(ctx, &contracts.Call{ID: "call-1", ToolName: "os.create_task", Input: map[string]any{"title": "a"}}))
	_, err := st.ClaimNextCall(ctx, "dead-worker")
	require.NoError(t, err)

	newTestSweeper(t, st, 3).Sweep(ctx)

	got, err := st.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CallQueued, got.Status)
	assert.Equal(t, 1, got.RequeueCount)
	assert.Empty(t, got.WorkerID)

	// The reclaimed call is claimable again.
	reclaimed, err := st.ClaimNextCall(ctx, "worker-2")
	require.NoError(t, err)
	assert.Equal(t, "call-1", reclaimed.ID)
}

func TestSweepExhaustsLeaseAfterBudget(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	pastClock(st)
	sweeper := newTestSweeper(t, st, 2)

	require.NoError(t, st.InsertCall(ctx, &contracts.Call{ID: "call-1", ToolName: "os.create_task", Input: map[string]any{"title": "a"}}))

	// Each cycle claims and abandons the call until the budget runs out.
	for i := 0; i < 3; i++ {
		_, err := st.ClaimNextCall(ctx, "dead-worker")
		require.NoError(t, err)
		sweeper.Sweep(ctx)
	}

	got, err := st.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CallFailed, got.Status)

	receipt, err := st.ReceiptByCallID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CallFailed, receipt.Status)
	errObj := receipt.Result["error"].(map[string]any)
	assert.Equal(t, contracts.CodeLeaseExhausted, errObj["code"])
}

func TestSweepFreshLeaseUntouched(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.InsertCall(ctx, &contracts.Call{ID: "call-1", ToolName: "os.create_task", Input: map[string]any{"title": "a"}}))
	_, err := st.ClaimNextCall(ctx, "worker-1")
	require.NoError(t, err)

	newTestSweeper(t, st, 3).Sweep(ctx)

	got, err := st.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CallClaimed, got.Status)
	assert.Equal(t, 0, got.RequeueCount)
}

// Crash window: receipt written, status update lost. The sweeper advances the
// call to match its receipt instead of re-running the handler.
func TestSweepAdvancesCallWithReceipt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.InsertCall(ctx, &contracts.Call{ID: "call-1", ToolName: "os.create_task", Input: map[string]any{"title": "a"}}))
	_, err := st.ClaimNextCall(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, st.WriteReceipt(ctx, &contracts.Receipt{
		CallID:   "call-1",
		ToolName: "os.create_task",
		Status:   contracts.CallSucceeded,
		Result:   map[string]any{"task_id": "t-1"},
	}))

	newTestSweeper(t, st, 3).Sweep(ctx)

	got, err := st.GetCall(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CallSucceeded, got.Status)
}

func TestSweepSynthesizesMissingReceipt(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	require.NoError(t, st.InsertCall(ctx, &contracts.Call{ID: "call-1", ToolName: "os.create_task", Input: map[string]any{"title": "a"}}))
	_, err := st.ClaimNextCall(ctx, "worker-1")
	require.NoError(t, err)
	require.NoError(t, st.CompleteCall(ctx, "call-1", contracts.CallFailed, "process killed"))

	newTestSweeper(t, st, 3).Sweep(ctx)

	receipt, err := st.ReceiptByCallID(ctx, "call-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.CallFailed, receipt.Status)
	errObj := receipt.Result["error"].(map[string]any)
	assert.Equal(t, contracts.CodeMissingReceipt, errObj["code"])
}
