//go:build property

package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/fieldops-hq/fieldops/pkg/canonicalize"
	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/store"
)

func TestCallAndReceiptAlwaysAgree(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	properties.Property("terminal call status equals its receipt status", prop.ForAll(
		func(title string, fail bool) bool {
			ctx := context.Background()
			st := store.NewMemoryStore()
			handlers := NewHandlerRegistry()
			handlers.Register("os", "create_task", HandlerFunc(func(ctx context.Context, rc *RunContext, input map[string]any) contracts.Outcome {
				if fail {
					return contracts.Failure{Code: contracts.CodeExecutionError, Message: "induced"}
				}
				return contracts.Success{Result: map[string]any{"task_id": "t-1"}}
			}))
			w := newTestWorker(t, st, handlers, Options{})

			call := enqueueAndClaim(t, st, "os.create_task", map[string]any{"title": title})
			w.Process(ctx, call)

			got, err := st.GetCall(ctx, call.ID)
			if err != nil {
				return false
			}
			receipt, err := st.ReceiptByCallID(ctx, call.ID)
			if err != nil {
				return false
			}
			return got.Status.Terminal() && got.Status == receipt.Status
		},
		gen.AlphaString().SuchThat(func(s string) bool { return len(s) > 0 }),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func TestKeyedCallsShareOneResult(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 30
	properties := gopter.NewProperties(params)

	properties.Property("every keyed call for one business key yields the first result", prop.ForAll(
		func(phone string, repeats uint8) bool {
			ctx := context.Background()
			st := store.NewMemoryStore()
			var serial int
			handlers := NewHandlerRegistry()
			handlers.Register("leads", "create", HandlerFunc(func(ctx context.Context, rc *RunContext, input map[string]any) contracts.Outcome {
				serial++
				return contracts.Success{
					Result: map[string]any{"lead_id": fmt.Sprintf("lead-%d", serial), "status": "new"},
				}
			}))
			w := newTestWorker(t, st, handlers, Options{})

			n := int(repeats%4) + 2
			input := map[string]any{"name": "Sarah M", "phone": "+61" + phone}
			var first map[string]any
			for i := 0; i < n; i++ {
				call := enqueueAndClaim(t, st, "leads.create", input)
				w.Process(ctx, call)
				receipt, err := st.ReceiptByCallID(ctx, call.ID)
				if err != nil || receipt.Status != contracts.CallSucceeded {
					return false
				}
				if first == nil {
					first = receipt.Result
					continue
				}
				if !canonicalize.Equal(receipt.Result, first) {
					return false
				}
			}
			return serial == 1
		},
		gen.NumString().SuchThat(func(s string) bool { return len(s) >= 6 && len(s) <= 12 }),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}

func TestConcurrentFinishWritesOneReceipt(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 20
	properties := gopter.NewProperties(params)

	properties.Property("racing deliveries of one call leave exactly one receipt", prop.ForAll(
		func(workers uint8) bool {
			ctx := context.Background()
			st := store.NewMemoryStore()
			handlers := NewHandlerRegistry()
			handlers.Register("os", "create_task", HandlerFunc(func(ctx context.Context, rc *RunContext, input map[string]any) contracts.Outcome {
				return contracts.Success{Result: map[string]any{"task_id": rc.CallID}}
			}))

			call := enqueueAndClaim(t, st, "os.create_task", map[string]any{"title": "a"})

			n := int(workers%6) + 2
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					w := New(fmt.Sprintf("worker-%d", i), st, testRegistry(t), handlers, Options{Logger: quietLogger()})
					w.Process(ctx, call)
				}(i)
			}
			wg.Wait()

			receipt, err := st.ReceiptByCallID(ctx, call.ID)
			if err != nil {
				return false
			}
			got, err := st.GetCall(ctx, call.ID)
			if err != nil {
				return false
			}
			return receipt.Status == contracts.CallSucceeded && got.Status == contracts.CallSucceeded
		},
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
