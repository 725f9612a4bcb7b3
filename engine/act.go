package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ghiac/questmind/actions"
	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/model"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

// refPattern matches a whole-string reference to an earlier call's result, e.g. "$0.id"
var refPattern = regexp.MustCompile(`^\$(\d+)\.([A-Za-z_][A-Za-z0-9_]*)$`)

const skippedAwaitingConfirmation = "skipped: upstream awaiting confirmation"

// act runs the proposed calls strictly in order. A failed call never aborts
// the calls that do not depend on it.
func (e *Engine) act(ctx context.Context, threadID string, proposed []proposedCall) []model.ToolCall {
	ctx, span := tracer.Start(ctx, "act")
	defer span.End()
	span.SetAttributes(attribute.Int("tool_calls.proposed", len(proposed)))

	calls := make([]model.ToolCall, 0, len(proposed))
	for i, pc := range proposed {
		tc := model.ToolCall{
			ID:        uuid.NewString(),
			Index:     i,
			Operation: strings.TrimSpace(pc.Operation),
			Params:    pc.Params,
			DependsOn: dependencies(pc),
			Timestamp: e.now().UTC(),
		}
		if tc.Params == nil {
			tc.Params = map[string]any{}
		}

		if i >= e.cfg.MaxToolCalls {
			e.settle(&tc, model.ToolCallSkipped, toolCallLimitReason(e.cfg.MaxToolCalls))
		} else {
			e.runToolCall(ctx, threadID, &tc, calls)
		}
		calls = append(calls, tc)
	}
	return calls
}

func (e *Engine) runToolCall(ctx context.Context, threadID string, tc *model.ToolCall, earlier []model.ToolCall) {
	notifyStatus(ctx, threadID, StatusToolExecuting, tc.Operation)
	defer notifyStatus(ctx, threadID, StatusToolDone, tc.Operation)

	for _, dep := range tc.DependsOn {
		if dep < 0 || dep >= tc.Index {
			e.settle(tc, model.ToolCallInvalid, fmt.Sprintf("dependency %d does not refer to an earlier call", dep))
			return
		}
		switch upstream := earlier[dep]; {
		case upstream.Status == model.ToolCallPendingConfirmation:
			e.settle(tc, model.ToolCallSkipped, skippedAwaitingConfirmation)
			return
		case !upstream.Succeeded():
			e.settle(tc, model.ToolCallSkipped, model.SkippedUpstreamFailure)
			return
		}
	}

	params, err := resolveReferences(tc.Params, earlier)
	if err != nil {
		e.settle(tc, model.ToolCallInvalid, err.Error())
		return
	}
	tc.Params = params

	typed, err := e.registry.Validate(tc.Operation, params)
	if err != nil {
		e.settle(tc, model.ToolCallInvalid, err.Error())
		return
	}

	spec, _ := e.registry.Spec(typed.Operation())
	if !spec.Mutating {
		e.execute(ctx, threadID, tc, typed)
		return
	}

	e.propose(tc, typed)
	if e.cfg.ConfirmPolicy == ConfirmManual {
		e.settle(tc, model.ToolCallPendingConfirmation, "")
		return
	}
	e.execute(ctx, threadID, tc, typed)
}

// propose registers a mutating call with the executor so that execute
// applies it through the confirm step
func (e *Engine) propose(tc *model.ToolCall, typed actions.Params) {
	tc.ProposalID = e.executor.Propose(typed).ID
}

// execute performs a validated call and records the outcome on tc.
// A call carrying a proposal id is applied by confirming that proposal.
func (e *Engine) execute(ctx context.Context, threadID string, tc *model.ToolCall, typed actions.Params) {
	event := &UsageEvent{ThreadID: threadID, EventType: EventToolCall, Name: tc.Operation, Params: tc.Params}
	if e.callback != nil {
		if err := e.callback.BeforeAction(ctx, event); err != nil {
			if tc.ProposalID != "" {
				_ = e.executor.Reject(tc.ProposalID)
			}
			e.settle(tc, model.ToolCallRejected, "blocked: "+err.Error())
			return
		}
	}

	start := time.Now()
	var (
		result *actions.Result
		err    error
	)
	if tc.ProposalID != "" {
		result, err = e.executor.Confirm(ctx, tc.ProposalID)
	} else {
		result, err = e.executor.Execute(ctx, typed)
	}
	event.Duration = time.Since(start)
	event.Error = err
	if e.callback != nil {
		e.callback.AfterAction(ctx, event)
	}

	if err != nil {
		tc.Status = model.ToolCallFailed
		tc.Error = err.Error()
		return
	}
	tc.Status = model.ToolCallSucceeded
	tc.Result = result.Data
}

// settle records an outcome for a call that never reached the executor
func (e *Engine) settle(tc *model.ToolCall, status model.ToolCallStatus, reason string) {
	tc.Status = status
	tc.Error = reason
	e.metrics.ObserveToolCall(tc.Operation, string(status), 0)
	if status != model.ToolCallPendingConfirmation {
		log.Log.Infof("[Engine] ⏭️  Tool call %d (%s) %s | %s", tc.Index, tc.Operation, status, reason)
	}
}

func toolCallLimitReason(limit int) string {
	return fmt.Sprintf("skipped: limit of %d tool calls per turn reached", limit)
}

// dependencies merges explicit dependsOn indices with indices referenced by $N.field params
func dependencies(pc proposedCall) []int {
	seen := make(map[int]bool)
	for _, d := range pc.DependsOn {
		seen[d] = true
	}
	collectRefs(pc.Params, seen)
	if len(seen) == 0 {
		return nil
	}
	out := make([]int, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Ints(out)
	return out
}

func collectRefs(v any, seen map[int]bool) {
	switch val := v.(type) {
	case string:
		if m := refPattern.FindStringSubmatch(val); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				seen[n] = true
			}
		}
	case map[string]any:
		for _, item := range val {
			collectRefs(item, seen)
		}
	case []any:
		for _, item := range val {
			collectRefs(item, seen)
		}
	}
}

// resolveReferences returns a copy of params with every $N.field string
// replaced by the named field of call N's result
func resolveReferences(params map[string]any, earlier []model.ToolCall) (map[string]any, error) {
	resolved, err := resolveValue(params, earlier)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func resolveValue(v any, earlier []model.ToolCall) (any, error) {
	switch val := v.(type) {
	case string:
		m := refPattern.FindStringSubmatch(val)
		if m == nil {
			return val, nil
		}
		n, _ := strconv.Atoi(m[1])
		if n >= len(earlier) {
			return nil, fmt.Errorf("reference %s points past the calls made so far", val)
		}
		field, ok := earlier[n].Result[m[2]]
		if !ok {
			return nil, fmt.Errorf("reference %s: call %d has no result field %q", val, n, m[2])
		}
		return field, nil
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			r, err := resolveValue(item, earlier)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			r, err := resolveValue(item, earlier)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	default:
		return val, nil
	}
}
