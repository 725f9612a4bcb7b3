package engine

import (
	"context"
	"time"
)

// ==================== Status Updates (per-request, via context) ====================

// StatusPhase represents a processing stage
type StatusPhase string

const (
	StatusReceived      StatusPhase = "received"       // message received and stored
	StatusPlanning      StatusPhase = "planning"       // waiting for the plan
	StatusActing        StatusPhase = "acting"         // running tool calls
	StatusToolExecuting StatusPhase = "tool_executing" // executing one tool call
	StatusToolDone      StatusPhase = "tool_done"      // tool call finished
	StatusReflecting    StatusPhase = "reflecting"     // waiting for the reflection
	StatusLearning      StatusPhase = "learning"       // storing learnings
	StatusCompleted     StatusPhase = "completed"      // processing done
	StatusError         StatusPhase = "error"          // error occurred
)

// StatusUpdate carries real-time progress information
type StatusUpdate struct {
	ThreadID string
	Phase    StatusPhase
	Detail   string         // human-readable detail: operation name, model name, etc.
	Metadata map[string]any // extensible
}

// StatusFunc is a per-request callback for real-time status updates.
// It is passed via context so each request gets its own.
type StatusFunc func(status *StatusUpdate)

type statusCtxKey struct{}

// WithStatusFunc attaches a StatusFunc to the context.
func WithStatusFunc(ctx context.Context, fn StatusFunc) context.Context {
	return context.WithValue(ctx, statusCtxKey{}, fn)
}

// notifyStatus is safe to call even if no StatusFunc is set (no-op).
func notifyStatus(ctx context.Context, threadID string, phase StatusPhase, detail string) {
	if fn, ok := ctx.Value(statusCtxKey{}).(StatusFunc); ok && fn != nil {
		fn(&StatusUpdate{
			ThreadID: threadID,
			Phase:    phase,
			Detail:   detail,
		})
	}
}

// ==================== Usage Callback (global, on struct) ====================

// EventType classifies the kind of metered action
type EventType string

const (
	EventToolCall EventType = "tool_call"
	EventLLMCall  EventType = "llm_call"
)

// UsageEvent represents a metered action for auditing or quota enforcement
type UsageEvent struct {
	ThreadID  string
	EventType EventType
	// Name is the loop stage for LLM calls and the operation name for tool calls
	Name         string
	Model        string
	InputTokens  int
	OutputTokens int
	Duration     time.Duration
	Error        error
	Params       map[string]any // tool call parameters, nil for LLM calls
}

// Callback is the hook interface for quota enforcement and usage metering.
// Set once on the Engine at initialization.
type Callback interface {
	// BeforeAction is called before a tool or LLM call.
	// Return non-nil error to BLOCK the action (e.g., limit exceeded).
	BeforeAction(ctx context.Context, event *UsageEvent) error

	// AfterAction is called after completion for recording usage.
	AfterAction(ctx context.Context, event *UsageEvent)
}
