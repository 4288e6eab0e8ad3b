// Package worker implements the executor: a long-running process that claims
// calls from the queue, enforces contracts, invokes handlers under a deadline
// and emits exactly one receipt per call. At-least-once delivery plus
// receipt-keyed idempotency stands in for exactly-once execution.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/canonicalize"
	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/observability"
	"github.com/fieldops-hq/fieldops/pkg/registry"
	"github.com/fieldops-hq/fieldops/pkg/retry"
	"github.com/fieldops-hq/fieldops/pkg/store"
)

// Options tunes a worker's poll and retry behavior.
type Options struct {
	PollMin      time.Duration
	PollMax      time.Duration
	WriteRetry   retry.Policy
	StrictOutput bool
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.PollMin <= 0 {
		o.PollMin = time.Second
	}
	if o.PollMax <= 0 {
		o.PollMax = 30 * time.Second
	}
	if o.WriteRetry.MaxAttempts == 0 {
		o.WriteRetry = retry.Policy{BaseMs: 100, MaxMs: 5000, MaxJitterMs: 50, MaxAttempts: 5}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Worker claims and executes one call at a time. Run any number of workers
// concurrently; safety follows from the store's atomic claim.
type Worker struct {
	id       string
	store    store.Store
	registry *registry.Registry
	handlers *HandlerRegistry
	opts     Options
	logger   *slog.Logger
}

// New creates a worker. An empty id gets a generated one.
func New(id string, st store.Store, reg *registry.Registry, handlers *HandlerRegistry, opts Options) *Worker {
	if id == "" {
		id = "worker-" + uuid.NewString()[:8]
	}
	opts.defaults()
	return &Worker{
		id:       id,
		store:    st,
		registry: reg,
		handlers: handlers,
		opts:     opts,
		logger:   opts.Logger.With("component", "worker", "worker_id", id),
	}
}

// ID returns the worker's unique id.
func (w *Worker) ID() string { return w.id }

// Run polls the queue until ctx is cancelled. An in-flight call finishes
// (bounded by its own contract timeout) before Run returns.
func (w *Worker) Run(ctx context.Context) {
	poll := retry.NewPoll(w.opts.PollMin, w.opts.PollMax)
	w.logger.InfoContext(ctx, "worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker stopping")
			return
		default:
		}

		call, err := w.store.ClaimNextCall(ctx, w.id)
		if err != nil {
			if errors.Is(err, store.ErrEmptyQueue) {
				if !sleep(ctx, poll.Next()) {
					return
				}
				continue
			}
			w.logger.ErrorContext(ctx, "claim failed", "error", err)
			if !sleep(ctx, poll.Next()) {
				return
			}
			continue
		}

		poll.Reset()
		w.opts.Metrics.RecordClaim(ctx, call.ToolName)
		w.Process(ctx, call)
	}
}

// Process runs the full execution sequence for one claimed call.
// Exported so tests and the sweeper can drive single calls directly.
func (w *Worker) Process(ctx context.Context, call *contracts.Call) {
	// The call must terminate even if the worker fleet is shutting down;
	// only the contract deadline bounds it from here.
	ctx = context.WithoutCancel(ctx)
	logger := w.logger.With("call_id", call.ID, "tool", call.ToolName)

	// a. Registry lookup.
	contract, err := w.registry.Get(call.ToolName)
	if err != nil {
		w.finish(ctx, logger, call, terminalFailure(call, contracts.CodeUnknownTool,
			fmt.Sprintf("tool %q is not in the registry", call.ToolName), nil))
		return
	}

	// b. Idempotency probe.
	switch contract.Idempotency.Mode {
	case contracts.IdempotencySafeRetry:
		if done := w.probeSafeRetry(ctx, logger, call); done {
			return
		}
	case contracts.IdempotencyKeyed:
		keyValue, ok := keyedValue(call.Input, contract.Idempotency.KeyField)
		if !ok {
			w.finish(ctx, logger, call, terminalFailure(call, contracts.CodeValidationError,
				fmt.Sprintf("keyed idempotency requires non-empty %q", contract.Idempotency.KeyField),
				map[string]any{"path": "/" + contract.Idempotency.KeyField}))
			return
		}
		if done := w.probeKeyed(ctx, logger, call, contract, keyValue); done {
			return
		}
	}

	// c. Input validation.
	if err := w.registry.ValidateInput(call.ToolName, call.Input); err != nil {
		var ve *registry.ValidationError
		details := map[string]any{}
		if errors.As(err, &ve) {
			details["path"] = ve.Path
		}
		w.finish(ctx, logger, call, terminalFailure(call, contracts.CodeValidationError, err.Error(), details))
		return
	}

	// d. Handler dispatch.
	handler, ok := w.handlers.Resolve(call.ToolName)
	if !ok {
		w.finish(ctx, logger, call, terminalFailure(call, contracts.CodeUnknownTool,
			fmt.Sprintf("no handler registered for %q", call.ToolName), nil))
		return
	}

	// e. Timed invocation.
	if err := w.store.MarkCallRunning(ctx, call.ID); err != nil && !errors.Is(err, store.ErrTerminal) {
		logger.WarnContext(ctx, "mark running failed", "error", err)
	}
	outcome := w.invoke(ctx, call, contract, handler)

	// f–g. Outcome classification and output validation.
	receipt := w.classify(ctx, logger, call, contract, outcome)

	// h. Receipt write + status transition.
	w.finish(ctx, logger, call, receipt)
}

// probeSafeRetry re-emits a stored outcome after a crash between handler and
// status update. The existing receipt stands; only the call row advances.
func (w *Worker) probeSafeRetry(ctx context.Context, logger *slog.Logger, call *contracts.Call) bool {
	receipt, err := w.store.ReceiptByCallID(ctx, call.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.WarnContext(ctx, "safe-retry probe failed", "error", err)
		}
		return false
	}
	logger.InfoContext(ctx, "safe-retry: receipt already exists, advancing call", "receipt_id", receipt.ID)
	w.completeCall(ctx, logger, call, receipt.Status, "")
	return true
}

// probeKeyed short-circuits a keyed call when a succeeded receipt for the same
// business key exists. The call still gets its own receipt row referencing the
// prior result, so audit stays one-receipt-per-call.
func (w *Worker) probeKeyed(ctx context.Context, logger *slog.Logger, call *contracts.Call, contract *contracts.Contract, keyValue string) bool {
	prior, err := w.store.ReceiptByKey(ctx, call.ToolName, contract.Idempotency.KeyField, keyValue)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			logger.WarnContext(ctx, "keyed probe failed", "error", err)
		}
		return false
	}

	logger.InfoContext(ctx, "keyed idempotency hit", "prior_receipt_id", prior.ID,
		"key_field", contract.Idempotency.KeyField)
	receipt := &contracts.Receipt{
		ID:       uuid.NewString(),
		CallID:   call.ID,
		ToolName: call.ToolName,
		Status:   contracts.CallSucceeded,
		Result:   prior.Result,
		Effects: contracts.Effects{
			Idempotency: contracts.IdempotencyEffect{
				Mode:     string(contracts.IdempotencyKeyed),
				Hit:      true,
				KeyField: contract.Idempotency.KeyField,
				KeyValue: keyValue,
			},
		},
	}
	w.finish(ctx, logger, call, receipt)
	return true
}

// invoke runs the handler under the contract deadline, converting panics and
// deadline expiry into Failure outcomes.
func (w *Worker) invoke(ctx context.Context, call *contracts.Call, contract *contracts.Contract, handler Handler) contracts.Outcome {
	ctx, cancel := context.WithTimeout(ctx, contract.Timeout())
	defer cancel()

	rc := &RunContext{CallID: call.ID, WorkerID: w.id, Contract: contract}
	done := make(chan contracts.Outcome, 1)
	start := time.Now()
	defer func() {
		w.opts.Metrics.RecordHandlerDuration(ctx, call.ToolName, time.Since(start))
	}()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- contracts.Failure{
					Code:    contracts.CodeExecutionError,
					Message: fmt.Sprintf("handler panic: %v", r),
				}
			}
		}()
		done <- handler.Execute(ctx, rc, call.Input)
	}()

	select {
	case outcome := <-done:
		if outcome == nil {
			return contracts.Failure{Code: contracts.CodeExecutionError, Message: "handler returned no outcome"}
		}
		return outcome
	case <-ctx.Done():
		return contracts.Failure{
			Code:    contracts.CodeTimeout,
			Message: fmt.Sprintf("handler exceeded %dms deadline", contract.TimeoutMs),
		}
	}
}

// classify narrows the outcome variant into a receipt.
func (w *Worker) classify(ctx context.Context, logger *slog.Logger, call *contracts.Call, contract *contracts.Contract, outcome contracts.Outcome) *contracts.Receipt {
	receipt := &contracts.Receipt{
		ID:       uuid.NewString(),
		CallID:   call.ID,
		ToolName: call.ToolName,
	}

	switch o := outcome.(type) {
	case contracts.Success:
		receipt.Status = contracts.CallSucceeded
		receipt.Result = o.Result
		receipt.Effects = o.Effects
		if receipt.Result == nil {
			receipt.Result = map[string]any{}
		}
		if err := w.registry.ValidateOutput(call.ToolName, receipt.Result); err != nil {
			if w.opts.StrictOutput {
				logger.ErrorContext(ctx, "output schema violation (strict)", "error", err)
				receipt.Status = contracts.CallFailed
				receipt.Result = contracts.FailureResult(contracts.CodeOutputValidation, err.Error(), nil)
				receipt.Effects = contracts.Effects{}
			} else {
				// The receipt records what actually happened; a contract
				// violation by the handler is an operational issue.
				logger.WarnContext(ctx, "output schema violation", "error", err)
			}
		}
	case contracts.NotConfigured:
		receipt.Status = contracts.CallNotConfigured
		receipt.Result = contracts.NotConfiguredResult(o.Reason, o.RequiredEnv, o.NextSteps)
		receipt.Effects = contracts.Effects{}
	case contracts.Failure:
		code := o.Code
		if code == "" {
			code = contracts.CodeExecutionError
		}
		receipt.Status = contracts.CallFailed
		receipt.Result = contracts.FailureResult(code, o.Message, o.Details)
		receipt.Effects = contracts.Effects{}
	}

	receipt.Effects.Idempotency = idempotencyEffect(call, contract)
	return receipt
}

// finish writes the receipt with bounded retries and advances the call row.
// Persistent write failure leaves the call for the sweeper to reconcile.
func (w *Worker) finish(ctx context.Context, logger *slog.Logger, call *contracts.Call, receipt *contracts.Receipt) {
	var err error
	for attempt := 0; attempt < w.opts.WriteRetry.MaxAttempts; attempt++ {
		err = w.store.WriteReceipt(ctx, receipt)
		if err == nil || errors.Is(err, store.ErrDuplicateReceipt) {
			break
		}
		logger.WarnContext(ctx, "receipt write failed, retrying", "attempt", attempt, "error", err)
		if !sleep(ctx, w.opts.WriteRetry.Delay(call.ID, attempt)) {
			return
		}
	}
	if err != nil && !errors.Is(err, store.ErrDuplicateReceipt) {
		logger.ErrorContext(ctx, "receipt write failed permanently, leaving call for sweeper", "error", err)
		return
	}

	if errors.Is(err, store.ErrDuplicateReceipt) {
		// Another pass already recorded this call; align status with the
		// receipt that won. Canonical comparison catches handlers whose
		// repeated deliveries do not produce the same result.
		existing, gerr := w.store.ReceiptByCallID(ctx, call.ID)
		if gerr != nil {
			logger.ErrorContext(ctx, "duplicate receipt but lookup failed", "error", gerr)
			return
		}
		if !canonicalize.Equal(receipt.Result, existing.Result) {
			logger.WarnContext(ctx, "result diverged from recorded receipt",
				"receipt_id", existing.ID, "status", existing.Status)
		}
		receipt = existing
	}

	w.completeCall(ctx, logger, call, receipt.Status, errorMessage(receipt))
	w.opts.Metrics.RecordReceipt(ctx, receipt.ToolName, string(receipt.Status))
	logger.InfoContext(ctx, "call complete", "status", receipt.Status, "receipt_id", receipt.ID)
}

func (w *Worker) completeCall(ctx context.Context, logger *slog.Logger, call *contracts.Call, status contracts.CallStatus, errMsg string) {
	if err := w.store.CompleteCall(ctx, call.ID, status, errMsg); err != nil {
		if errors.Is(err, store.ErrTerminal) {
			return
		}
		logger.ErrorContext(ctx, "status transition failed", "status", status, "error", err)
	}
}

func terminalFailure(call *contracts.Call, code, message string, details map[string]any) *contracts.Receipt {
	return &contracts.Receipt{
		ID:       uuid.NewString(),
		CallID:   call.ID,
		ToolName: call.ToolName,
		Status:   contracts.CallFailed,
		Result:   contracts.FailureResult(code, message, details),
		Effects:  contracts.Effects{},
	}
}

func idempotencyEffect(call *contracts.Call, contract *contracts.Contract) contracts.IdempotencyEffect {
	eff := contracts.IdempotencyEffect{Mode: string(contract.Idempotency.Mode)}
	if contract.Idempotency.Mode == contracts.IdempotencyKeyed {
		eff.KeyField = contract.Idempotency.KeyField
		if v, ok := keyedValue(call.Input, contract.Idempotency.KeyField); ok {
			eff.KeyValue = v
		}
	}
	return eff
}

func keyedValue(input map[string]any, field string) (string, bool) {
	v, ok := input[field]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func errorMessage(r *contracts.Receipt) string {
	if r.Status != contracts.CallFailed {
		return ""
	}
	if errObj, ok := r.Result["error"].(map[string]any); ok {
		if msg, ok := errObj["message"].(string); ok {
			return msg
		}
	}
	return ""
}

// sleep waits for d or until ctx is cancelled; reports whether it slept fully.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
