package store

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
)

// backends runs the same conformance suite against every Store implementation.
func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite("file:" + filepath.Join(t.TempDir(), "test.db"))
			require.NoError(t, err)
			return s
		},
	}
}

func queuedCall(id, tool string, input map[string]any) *contracts.Call {
	return &contracts.Call{ID: id, ToolName: tool, Input: input, Status: contracts.CallQueued}
}

func TestInsertAndGetCall(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			call := queuedCall("call-1", "leads.create", map[string]any{"phone": "+61400000001"})
			require.NoError(t, st.InsertCall(ctx, call))

			got, err := st.GetCall(ctx, "call-1")
			require.NoError(t, err)
			assert.Equal(t, "leads.create", got.ToolName)
			assert.Equal(t, contracts.CallQueued, got.Status)
			assert.Equal(t, "+61400000001", got.Input["phone"])
			assert.False(t, got.CreatedAt.IsZero())

			_, err = st.GetCall(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestClaimIsFIFO(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			for _, id := range []string{"call-a", "call-b", "call-c"} {
				require.NoError(t, st.InsertCall(ctx, queuedCall(id, "os.list_tasks", map[string]any{})))
			}

			first, err := st.ClaimNextCall(ctx, "w1")
			require.NoError(t, err)
			assert.Equal(t, "call-a", first.ID)
			assert.Equal(t, contracts.CallClaimed, first.Status)
			assert.Equal(t, "w1", first.WorkerID)
			require.NotNil(t, first.ClaimedAt)

			second, err := st.ClaimNextCall(ctx, "w2")
			require.NoError(t, err)
			assert.Equal(t, "call-b", second.ID)
		})
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			_, err := st.ClaimNextCall(context.Background(), "w1")
			assert.ErrorIs(t, err, ErrEmptyQueue)
		})
	}
}

// At-most-one-claim: concurrent workers never claim the same row twice.
func TestClaimRace(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			const calls = 50
			for i := 0; i < calls; i++ {
				require.NoError(t, st.InsertCall(ctx, &contracts.Call{
					ToolName: "os.list_tasks", Input: map[string]any{}, Status: contracts.CallQueued,
				}))
			}

			var mu sync.Mutex
			claimed := make(map[string]int)
			var wg sync.WaitGroup
			for w := 0; w < 8; w++ {
				wg.Add(1)
				go func(worker int) {
					defer wg.Done()
					for {
						call, err := st.ClaimNextCall(ctx, "w")
						if err != nil {
							return
						}
						mu.Lock()
						claimed[call.ID]++
						mu.Unlock()
					}
				}(w)
			}
			wg.Wait()

			assert.Len(t, claimed, calls)
			for id, n := range claimed {
				assert.Equal(t, 1, n, "call %s claimed %d times", id, n)
			}
		})
	}
}

func TestTerminalMonotonicity(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			require.NoError(t, st.InsertCall(ctx, queuedCall("call-1", "os.list_tasks", map[string]any{})))
			_, err := st.ClaimNextCall(ctx, "w1")
			require.NoError(t, err)
			require.NoError(t, st.CompleteCall(ctx, "call-1", contracts.CallSucceeded, ""))

			assert.ErrorIs(t, st.CompleteCall(ctx, "call-1", contracts.CallFailed, "late"), ErrTerminal)
			assert.ErrorIs(t, st.RequeueCall(ctx, "call-1"), ErrTerminal)
			assert.ErrorIs(t, st.MarkCallRunning(ctx, "call-1"), ErrTerminal)

			got, err := st.GetCall(ctx, "call-1")
			require.NoError(t, err)
			assert.Equal(t, contracts.CallSucceeded, got.Status)
		})
	}
}

func TestRequeueResetsLease(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			require.NoError(t, st.InsertCall(ctx, queuedCall("call-1", "os.list_tasks", map[string]any{})))
			_, err := st.ClaimNextCall(ctx, "w1")
			require.NoError(t, err)

			require.NoError(t, st.RequeueCall(ctx, "call-1"))
			got, err := st.GetCall(ctx, "call-1")
			require.NoError(t, err)
			assert.Equal(t, contracts.CallQueued, got.Status)
			assert.Empty(t, got.WorkerID)
			assert.Nil(t, got.ClaimedAt)
			assert.Equal(t, 1, got.RequeueCount)

			again, err := st.ClaimNextCall(ctx, "w2")
			require.NoError(t, err)
			assert.Equal(t, "call-1", again.ID)
			assert.Equal(t, "w2", again.WorkerID)
		})
	}
}

func TestStaleCalls(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			require.NoError(t, st.InsertCall(ctx, queuedCall("stuck", "os.list_tasks", map[string]any{})))
			require.NoError(t, st.InsertCall(ctx, queuedCall("waiting", "os.list_tasks", map[string]any{})))
			_, err := st.ClaimNextCall(ctx, "w1")
			require.NoError(t, err)

			// Cutoff in the future: the claimed call is stale, the queued one is not.
			stale, err := st.StaleCalls(ctx, time.Now().UTC().Add(time.Hour), 10)
			require.NoError(t, err)
			require.Len(t, stale, 1)
			assert.Equal(t, "stuck", stale[0].ID)

			// Cutoff in the past: nothing is stale.
			stale, err = st.StaleCalls(ctx, time.Now().UTC().Add(-time.Hour), 10)
			require.NoError(t, err)
			assert.Empty(t, stale)
		})
	}
}

func TestWriteReceiptOnce(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			require.NoError(t, st.InsertCall(ctx, queuedCall("call-1", "leads.create", map[string]any{})))
			receipt := &contracts.Receipt{
				ID:       "r-1",
				CallID:   "call-1",
				ToolName: "leads.create",
				Status:   contracts.CallSucceeded,
				Result:   map[string]any{"lead_id": "L1"},
			}
			require.NoError(t, st.WriteReceipt(ctx, receipt))

			dup := &contracts.Receipt{ID: "r-2", CallID: "call-1", ToolName: "leads.create",
				Status: contracts.CallFailed, Result: map[string]any{}}
			assert.ErrorIs(t, st.WriteReceipt(ctx, dup), ErrDuplicateReceipt)

			got, err := st.ReceiptByCallID(ctx, "call-1")
			require.NoError(t, err)
			assert.Equal(t, "r-1", got.ID)
			assert.Equal(t, "L1", got.Result["lead_id"])
		})
	}
}

func TestReceiptByKey(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			write := func(id, callID string, status contracts.CallStatus, keyValue string) {
				require.NoError(t, st.WriteReceipt(ctx, &contracts.Receipt{
					ID: id, CallID: callID, ToolName: "leads.create", Status: status,
					Result: map[string]any{"lead_id": "L-" + id},
					Effects: contracts.Effects{Idempotency: contracts.IdempotencyEffect{
						Mode: "keyed", KeyField: "phone", KeyValue: keyValue,
					}},
				}))
			}
			write("r-ok", "c1", contracts.CallSucceeded, "+61400000001")
			write("r-failed", "c2", contracts.CallFailed, "+61400000002")

			got, err := st.ReceiptByKey(ctx, "leads.create", "phone", "+61400000001")
			require.NoError(t, err)
			assert.Equal(t, "r-ok", got.ID)

			// Failed receipts never satisfy a keyed probe.
			_, err = st.ReceiptByKey(ctx, "leads.create", "phone", "+61400000002")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = st.ReceiptByKey(ctx, "leads.create", "phone", "+61400000999")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestReconciliationScans(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			// Non-terminal with receipt: crashed between receipt and status.
			require.NoError(t, st.InsertCall(ctx, queuedCall("gap", "os.create_task", map[string]any{})))
			_, err := st.ClaimNextCall(ctx, "w1")
			require.NoError(t, err)
			require.NoError(t, st.WriteReceipt(ctx, &contracts.Receipt{
				ID: "r-gap", CallID: "gap", ToolName: "os.create_task",
				Status: contracts.CallSucceeded, Result: map[string]any{},
			}))

			// Terminal without receipt.
			require.NoError(t, st.InsertCall(ctx, queuedCall("orphan", "os.create_task", map[string]any{})))
			_, err = st.ClaimNextCall(ctx, "w1")
			require.NoError(t, err)
			require.NoError(t, st.CompleteCall(ctx, "orphan", contracts.CallFailed, "boom"))

			withReceipts, err := st.NonTerminalCallsWithReceipts(ctx, 10)
			require.NoError(t, err)
			require.Len(t, withReceipts, 1)
			assert.Equal(t, "gap", withReceipts[0].ID)

			without, err := st.TerminalCallsWithoutReceipts(ctx, 10)
			require.NoError(t, err)
			require.Len(t, without, 1)
			assert.Equal(t, "orphan", without[0].ID)
		})
	}
}

func TestRecentReceiptsFilter(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			for i, status := range []contracts.CallStatus{
				contracts.CallSucceeded, contracts.CallFailed, contracts.CallSucceeded,
			} {
				tool := "leads.create"
				if i == 2 {
					tool = "os.create_task"
				}
				require.NoError(t, st.WriteReceipt(ctx, &contracts.Receipt{
					CallID: string(rune('a' + i)), ToolName: tool, Status: status,
					Result: map[string]any{},
				}))
			}

			all, err := st.RecentReceipts(ctx, RecentFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 3)

			byTool, err := st.RecentReceipts(ctx, RecentFilter{ToolName: "leads.create"})
			require.NoError(t, err)
			assert.Len(t, byTool, 2)

			byStatus, err := st.RecentReceipts(ctx, RecentFilter{Status: contracts.CallFailed})
			require.NoError(t, err)
			assert.Len(t, byStatus, 1)

			limited, err := st.RecentReceipts(ctx, RecentFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestReceiptsSinceOrdering(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			base := time.Now().UTC().Add(-time.Hour)
			for i := 0; i < 3; i++ {
				require.NoError(t, st.WriteReceipt(ctx, &contracts.Receipt{
					ID: string(rune('x' + i)), CallID: string(rune('x' + i)),
					ToolName: "os.create_task", Status: contracts.CallSucceeded,
					Result: map[string]any{}, CreatedAt: base.Add(time.Duration(i) * time.Minute),
				}))
			}

			got, err := st.ReceiptsSince(ctx, base.Add(30*time.Second), 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.True(t, got[0].CreatedAt.Before(got[1].CreatedAt), "oldest first")
		})
	}
}

func TestRunLifecycle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()

			run := &contracts.Run{
				ID:      "run-1",
				Message: "create task: call John",
				Mode:    contracts.ModePlan,
				Status:  "planning",
			}
			require.NoError(t, st.InsertRun(ctx, run))

			run.Status = "planned"
			run.PlannedToolCalls = []contracts.PlannedCall{
				{ToolName: "os.create_task", Input: map[string]any{"title": "call John"}},
			}
			require.NoError(t, st.UpdateRun(ctx, run))

			got, err := st.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "planned", got.Status)
			require.Len(t, got.PlannedToolCalls, 1)
			assert.Equal(t, "call John", got.PlannedToolCalls[0].Input["title"])

			_, err = st.GetRun(ctx, "run-missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
