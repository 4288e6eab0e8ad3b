// Package store defines the narrow datastore port shared by the planner,
// workers and sweeper, with SQLite, Postgres and in-memory implementations.
// The calls and receipts tables are the only shared mutable state in the
// system; receipts are append-only.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/fieldops-hq/fieldops/pkg/contracts"
)

var (
	// ErrNotFound is returned when a call, receipt or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrEmptyQueue is returned by ClaimNextCall when no call is queued.
	ErrEmptyQueue = errors.New("queue empty")
	// ErrDuplicateReceipt is returned by WriteReceipt when a receipt for the
	// call already exists. Callers treat it as "already completed".
	ErrDuplicateReceipt = errors.New("receipt already exists for call")
	// ErrTerminal is returned when a status transition targets a call that
	// already reached a terminal state. Terminal calls are immutable.
	ErrTerminal = errors.New("call is terminal")
)

// RecentFilter narrows RecentReceipts queries for audit reads.
type RecentFilter struct {
	ToolName string
	Status   contracts.CallStatus
	Limit    int
}

// Store is the datastore port. Implementations must make ClaimNextCall
// atomic: no two concurrent claims may observe the same row.
type Store interface {
	// InsertCall enqueues a call. Missing id and timestamps are assigned;
	// status is forced to queued.
	InsertCall(ctx context.Context, call *contracts.Call) error
	GetCall(ctx context.Context, id string) (*contracts.Call, error)

	// ClaimNextCall atomically transitions the oldest queued call to claimed
	// for workerID and returns it, or ErrEmptyQueue.
	ClaimNextCall(ctx context.Context, workerID string) (*contracts.Call, error)

	// MarkCallRunning moves a claimed call to running. Refreshes the lease.
	MarkCallRunning(ctx context.Context, id string) error

	// CompleteCall transitions a call to a terminal status. Returns
	// ErrTerminal if the call is already terminal.
	CompleteCall(ctx context.Context, id string, status contracts.CallStatus, errMsg string) error

	// StaleCalls returns claimed/running calls whose lease expired (updated_at
	// older than cutoff).
	StaleCalls(ctx context.Context, cutoff time.Time, limit int) ([]*contracts.Call, error)

	// RequeueCall moves a non-terminal call back to queued and increments its
	// requeue count. Returns ErrTerminal for terminal calls.
	RequeueCall(ctx context.Context, id string) error

	// NonTerminalCallsWithReceipts returns calls stuck non-terminal although a
	// receipt exists (crash between receipt write and status update).
	NonTerminalCallsWithReceipts(ctx context.Context, limit int) ([]*contracts.Call, error)

	// TerminalCallsWithoutReceipts returns terminal calls missing a receipt.
	TerminalCallsWithoutReceipts(ctx context.Context, limit int) ([]*contracts.Call, error)

	// WriteReceipt appends a receipt. At most one receipt per call; conflict
	// returns ErrDuplicateReceipt and leaves the existing row untouched.
	WriteReceipt(ctx context.Context, r *contracts.Receipt) error
	ReceiptByCallID(ctx context.Context, callID string) (*contracts.Receipt, error)

	// ReceiptByKey returns the most recent succeeded receipt for the keyed
	// idempotency triple, or ErrNotFound.
	ReceiptByKey(ctx context.Context, toolName, keyField, keyValue string) (*contracts.Receipt, error)
	RecentReceipts(ctx context.Context, f RecentFilter) ([]*contracts.Receipt, error)

	// ReceiptsSince returns receipts created after since, oldest first.
	// Used by the archive exporter.
	ReceiptsSince(ctx context.Context, since time.Time, limit int) ([]*contracts.Receipt, error)

	InsertRun(ctx context.Context, run *contracts.Run) error
	UpdateRun(ctx context.Context, run *contracts.Run) error
	GetRun(ctx context.Context, id string) (*contracts.Run, error)
}
