package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
	"github.com/fieldops-hq/fieldops/pkg/registry"
	"github.com/fieldops-hq/fieldops/pkg/store"
)

// SweeperOptions tunes lease reclamation.
type SweeperOptions struct {
	Interval time.Duration
	// SafetyFactor scales the largest contract timeout into the lease bound.
	SafetyFactor float64
	// MaxRequeues bounds how often a stuck call is re-queued before it is
	// terminated with lease_exhausted.
	MaxRequeues int
	BatchSize   int
	Logger      *slog.Logger
}

func (o *SweeperOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.SafetyFactor <= 1 {
		o.SafetyFactor = 2
	}
	if o.MaxRequeues <= 0 {
		o.MaxRequeues = 3
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Sweeper reclaims stuck leases and reconciles receipt/status gaps. Sweeper
// errors are logged and retried on the next tick; they never abort the process.
type Sweeper struct {
	store  store.Store
	lease  time.Duration
	opts   SweeperOptions
	logger *slog.Logger
}

// NewSweeper derives the lease bound from the registry's largest contract
// timeout scaled by the safety factor.
func NewSweeper(st store.Store, reg *registry.Registry, opts SweeperOptions) *Sweeper {
	opts.defaults()
	var maxTimeout time.Duration
	for _, c := range reg.All() {
		if t := c.Timeout(); t > maxTimeout {
			maxTimeout = t
		}
	}
	if maxTimeout == 0 {
		maxTimeout = 30 * time.Second
	}
	lease := time.Duration(float64(maxTimeout) * opts.SafetyFactor)
	return &Sweeper{
		store:  st,
		lease:  lease,
		opts:   opts,
		logger: opts.Logger.With("component", "sweeper"),
	}
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "sweeper started", "interval", s.opts.Interval, "lease", s.lease)
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass: reclaim expired leases, then reconcile gaps left
// by crashes between receipt write and status update.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.reclaimLeases(ctx)
	s.advanceCallsWithReceipts(ctx)
	s.fillMissingReceipts(ctx)
}

func (s *Sweeper) reclaimLeases(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.lease)
	stale, err := s.store.StaleCalls(ctx, cutoff, s.opts.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "stale scan failed", "error", err)
		return
	}
	for _, call := range stale {
		if call.RequeueCount >= s.opts.MaxRequeues {
			s.exhaustLease(ctx, call)
			continue
		}
		if err := s.store.RequeueCall(ctx, call.ID); err != nil && !errors.Is(err, store.ErrTerminal) {
			s.logger.ErrorContext(ctx, "requeue failed", "call_id", call.ID, "error", err)
			continue
		}
		s.logger.WarnContext(ctx, "reclaimed stale lease", "call_id", call.ID,
			"tool", call.ToolName, "requeue_count", call.RequeueCount+1, "worker_id", call.WorkerID)
	}
}

func (s *Sweeper) exhaustLease(ctx context.Context, call *contracts.Call) {
	receipt := &contracts.Receipt{
		ID:       uuid.NewString(),
		CallID:   call.ID,
		ToolName: call.ToolName,
		Status:   contracts.CallFailed,
		Result: contracts.FailureResult(contracts.CodeLeaseExhausted,
			"call exceeded the re-queue budget after repeated lease expiry",
			map[string]any{"requeue_count": call.RequeueCount}),
		Effects: contracts.Effects{},
	}
	if err := s.store.WriteReceipt(ctx, receipt); err != nil && !errors.Is(err, store.ErrDuplicateReceipt) {
		s.logger.ErrorContext(ctx, "lease_exhausted receipt write failed", "call_id", call.ID, "error", err)
		return
	}
	if err := s.store.CompleteCall(ctx, call.ID, contracts.CallFailed, "lease exhausted"); err != nil && !errors.Is(err, store.ErrTerminal) {
		s.logger.ErrorContext(ctx, "lease_exhausted transition failed", "call_id", call.ID, "error", err)
	}
	s.logger.ErrorContext(ctx, "lease exhausted", "call_id", call.ID, "tool", call.ToolName)
}

// advanceCallsWithReceipts advances calls whose receipt was written but whose
// status update was lost.
func (s *Sweeper) advanceCallsWithReceipts(ctx context.Context) {
	calls, err := s.store.NonTerminalCallsWithReceipts(ctx, s.opts.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "receipt reconcile scan failed", "error", err)
		return
	}
	for _, call := range calls {
		receipt, err := s.store.ReceiptByCallID(ctx, call.ID)
		if err != nil {
			s.logger.ErrorContext(ctx, "receipt lookup failed", "call_id", call.ID, "error", err)
			continue
		}
		if err := s.store.CompleteCall(ctx, call.ID, receipt.Status, ""); err != nil && !errors.Is(err, store.ErrTerminal) {
			s.logger.ErrorContext(ctx, "reconcile transition failed", "call_id", call.ID, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "advanced call to its receipt status", "call_id", call.ID, "status", receipt.Status)
	}
}

// fillMissingReceipts writes a synthetic failed receipt for terminal calls
// that somehow lost theirs, so audit never has a terminal call without one.
func (s *Sweeper) fillMissingReceipts(ctx context.Context) {
	calls, err := s.store.TerminalCallsWithoutReceipts(ctx, s.opts.BatchSize)
	if err != nil {
		s.logger.ErrorContext(ctx, "missing receipt scan failed", "error", err)
		return
	}
	for _, call := range calls {
		receipt := &contracts.Receipt{
			ID:       uuid.NewString(),
			CallID:   call.ID,
			ToolName: call.ToolName,
			Status:   contracts.CallFailed,
			Result: contracts.FailureResult(contracts.CodeMissingReceipt,
				"call reached a terminal state without a receipt", nil),
			Effects: contracts.Effects{},
		}
		if err := s.store.WriteReceipt(ctx, receipt); err != nil && !errors.Is(err, store.ErrDuplicateReceipt) {
			s.logger.ErrorContext(ctx, "synthetic receipt write failed", "call_id", call.ID, "error", err)
			continue
		}
		s.logger.WarnContext(ctx, "synthesized missing receipt", "call_id", call.ID)
	}
}
