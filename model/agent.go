package model

import "time"

// Plan is the ordered list of steps the model proposed for an invocation
type Plan struct {
	Steps []Step `json:"steps"`
}

// Step is one planned intention. Tool is set when the step maps to an operation.
type Step struct {
	Description string `json:"description"`
	Tool        string `json:"tool,omitempty"`
}

// Empty reports whether the plan has no steps
func (p Plan) Empty() bool {
	return len(p.Steps) == 0
}

// ToolCallStatus is the outcome of one tool call
type ToolCallStatus string

const (
	ToolCallSucceeded           ToolCallStatus = "succeeded"
	ToolCallFailed              ToolCallStatus = "failed"
	ToolCallSkipped             ToolCallStatus = "skipped"
	ToolCallInvalid             ToolCallStatus = "invalid"
	ToolCallPendingConfirmation ToolCallStatus = "pending_confirmation"
	ToolCallRejected            ToolCallStatus = "rejected"
)

// SkippedUpstreamFailure is the error recorded on calls whose dependency did not succeed
const SkippedUpstreamFailure = "skipped: upstream failure"

// ToolCall records one attempted operation and its outcome
type ToolCall struct {
	ID        string         `json:"id"`
	Index     int            `json:"index"`
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
	DependsOn []int          `json:"dependsOn,omitempty"`
	Status    ToolCallStatus `json:"status"`
	// Result holds the backend's data on success
	Result map[string]any `json:"result,omitempty"`
	// Error holds the failure text: validation details, backend error or skip reason
	Error      string    `json:"error,omitempty"`
	ProposalID string    `json:"proposalId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Succeeded reports whether the call executed successfully
func (tc ToolCall) Succeeded() bool {
	return tc.Status == ToolCallSucceeded
}

// Reflection is the model's assessment of what was attempted and what happened
type Reflection struct {
	Summary string `json:"summary"`
	Success bool   `json:"success"`
}
