// Package contracts defines the shared data model of the execution substrate:
// tool contracts, queued calls, receipts, runs and the handler outcome variants.
package contracts

import (
	"encoding/json"
	"time"
)

// CallStatus is the lifecycle state of a queued tool call.
type CallStatus string

const (
	CallQueued        CallStatus = "queued"
	CallClaimed       CallStatus = "claimed"
	CallRunning       CallStatus = "running"
	CallSucceeded     CallStatus = "succeeded"
	CallFailed        CallStatus = "failed"
	CallNotConfigured CallStatus = "not_configured"
)

// Terminal reports whether the status is final. Terminal calls are immutable.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallSucceeded, CallFailed, CallNotConfigured:
		return true
	}
	return false
}

// IdempotencyMode controls how the executor deduplicates repeated work.
type IdempotencyMode string

const (
	IdempotencyNone      IdempotencyMode = "none"
	IdempotencySafeRetry IdempotencyMode = "safe-retry"
	IdempotencyKeyed     IdempotencyMode = "keyed"
)

// Idempotency is a contract's deduplication declaration.
// KeyField is required iff Mode is keyed and must name a declared input property.
type Idempotency struct {
	Mode     IdempotencyMode `json:"mode" yaml:"mode"`
	KeyField string          `json:"key_field,omitempty" yaml:"key_field"`
}

// Permission values a contract may request.
const (
	PermReadDB     = "read:db"
	PermWriteDB    = "write:db"
	PermReadFiles  = "read:files"
	PermWriteFiles = "write:files"
	PermSendComms  = "send:comms"
	PermCallExt    = "call:external"
)

// Contract is the typed description of a tool: schemas, permissions,
// idempotency and timeout. Contracts are immutable after catalog load.
type Contract struct {
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description" yaml:"description"`
	InputSchema   map[string]any `json:"input_schema" yaml:"input_schema"`
	OutputSchema  map[string]any `json:"output_schema" yaml:"output_schema"`
	Permissions   []string       `json:"permissions" yaml:"permissions"`
	Idempotency   Idempotency    `json:"idempotency" yaml:"idempotency"`
	TimeoutMs     int            `json:"timeout_ms" yaml:"timeout_ms"`
	ReceiptFields []string       `json:"receipt_fields,omitempty" yaml:"receipt_fields"`
}

// Timeout returns the contract timeout as a duration.
func (c *Contract) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Call is a single queue row: an intent to invoke a tool with a given input.
type Call struct {
	ID             string         `json:"id"`
	ToolName       string         `json:"tool_name"`
	Input          map[string]any `json:"input"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Status         CallStatus     `json:"status"`
	WorkerID       string         `json:"worker_id,omitempty"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	RequeueCount   int            `json:"requeue_count"`
	Error          string         `json:"error,omitempty"`
}

// DBWrite records one mutation a handler performed on a domain table.
type DBWrite struct {
	Table  string `json:"table"`
	Action string `json:"action"` // insert, update, delete
	ID     string `json:"id"`
}

// DBRead records one domain-table read a handler performed.
type DBRead struct {
	Table string `json:"table"`
	ID    string `json:"id,omitempty"`
}

// MessageSent records an outbound communication.
type MessageSent struct {
	Channel string `json:"channel"` // sms, email
	To      string `json:"to"`
	Ref     string `json:"ref,omitempty"`
}

// ExternalCall records an invocation of an external service.
type ExternalCall struct {
	Service  string `json:"service"`
	Endpoint string `json:"endpoint,omitempty"`
}

// IdempotencyEffect is the audit record of the executor's idempotency decision.
type IdempotencyEffect struct {
	Mode     string `json:"mode"`
	Hit      bool   `json:"hit"`
	KeyField string `json:"key_field,omitempty"`
	KeyValue string `json:"key_value,omitempty"`
}

// Effects is the normalized audit record of a handler's observable side effects.
// Every array serializes explicitly, as [] when empty, so receipt consumers
// never have to distinguish absent from empty.
type Effects struct {
	DBWrites      []DBWrite         `json:"db_writes"`
	DBReads       []DBRead          `json:"db_reads"`
	MessagesSent  []MessageSent     `json:"messages_sent"`
	FilesWritten  []string          `json:"files_written"`
	ExternalCalls []ExternalCall    `json:"external_calls"`
	Idempotency   IdempotencyEffect `json:"idempotency"`
}

// MarshalJSON normalizes nil effect slices to empty arrays.
func (e Effects) MarshalJSON() ([]byte, error) {
	type plain Effects
	p := plain(e)
	if p.DBWrites == nil {
		p.DBWrites = []DBWrite{}
	}
	if p.DBReads == nil {
		p.DBReads = []DBRead{}
	}
	if p.MessagesSent == nil {
		p.MessagesSent = []MessageSent{}
	}
	if p.FilesWritten == nil {
		p.FilesWritten = []string{}
	}
	if p.ExternalCalls == nil {
		p.ExternalCalls = []ExternalCall{}
	}
	return json.Marshal(p)
}

// Receipt is the immutable, terminal record of a call's execution outcome.
// At most one receipt exists per call; the store enforces the uniqueness.
type Receipt struct {
	ID        string         `json:"id"`
	CallID    string         `json:"call_id"`
	ToolName  string         `json:"tool_name"`
	Status    CallStatus     `json:"status"` // succeeded, failed, not_configured
	Result    map[string]any `json:"result"`
	Effects   Effects        `json:"effects"`
	CreatedAt time.Time      `json:"created_at"`
}

// RunMode selects what the planner does with a compiled request.
type RunMode string

const (
	ModeAnswer         RunMode = "answer"
	ModePlan           RunMode = "plan"
	ModeEnqueue        RunMode = "enqueue"
	ModeEnqueueAndWait RunMode = "enqueue_and_wait"
)

// PlannedCall is one (tool, input) pair produced by the planner.
type PlannedCall struct {
	ToolName string         `json:"tool_name"`
	Input    map[string]any `json:"input"`
}

// Run correlates a caller request with the calls it enqueued.
type Run struct {
	ID               string        `json:"id"`
	Message          string        `json:"message"`
	Mode             RunMode       `json:"mode"`
	Status           string        `json:"status"`
	Decision         string        `json:"decision,omitempty"`
	PlannedToolCalls []PlannedCall `json:"planned_tool_calls,omitempty"`
	EnqueuedCallIDs  []string      `json:"enqueued_call_ids,omitempty"`
	AssistantMessage string        `json:"assistant_message,omitempty"`
	Errors           []string      `json:"errors,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
