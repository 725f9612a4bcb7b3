package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ghiac/questmind/llmutils"
	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/model"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
)

type reflectResponse struct {
	Summary   string      `json:"summary"`
	Success   *bool       `json:"success"`
	Reply     string      `json:"reply"`
	Learnings flexStrings `json:"learnings"`
}

type reflectOutcome struct {
	Reflection model.Reflection
	// Reply is empty when the reflection was synthesized locally
	Reply     string
	Learnings []string
	Thoughts  []string
}

// reflect asks the model to assess the turn. Any failure, including an
// unreachable model, falls back to a reflection built from the call outcomes:
// side effects have already happened and the user must hear about them.
func (e *Engine) reflect(ctx context.Context, threadID, text string, planned *planOutcome, calls []model.ToolCall) *reflectOutcome {
	ctx, span := tracer.Start(ctx, "reflect")
	defer span.End()

	messages := []openai.ChatCompletionMessage{
		systemMessage(reflectPrompt),
		{Role: openai.ChatMessageRoleUser, Content: reflectionInput(text, planned, calls)},
	}

	raw, err := e.callModel(ctx, threadID, modelCall{stage: StageReflect, model: e.cfg.ReflectModel, messages: messages})
	if err != nil {
		recordSpanError(span, err)
		return &reflectOutcome{
			Reflection: localReflection(calls),
			Thoughts:   []string{"Reflection unavailable: " + err.Error()},
		}
	}

	var resp reflectResponse
	if err := llmutils.ExtractJSON(raw, &resp); err != nil || strings.TrimSpace(resp.Summary) == "" {
		if err == nil {
			err = fmt.Errorf("reflection has no summary")
		}
		formatErr := &model.ModelFormatError{Stage: StageReflect, Raw: raw, Err: err}
		log.Log.Warnf("[Engine] ⚠️  Reflection unparseable, using local summary | ThreadID: %s | Error: %v", threadID, formatErr)
		span.SetAttributes(attribute.Bool("reflect.local", true))
		return &reflectOutcome{
			Reflection: localReflection(calls),
			Thoughts:   []string{"Reflection output was not valid JSON; summarized locally."},
		}
	}

	reflection := model.Reflection{Summary: strings.TrimSpace(resp.Summary)}
	if resp.Success != nil {
		reflection.Success = *resp.Success
	} else {
		reflection.Success = localReflection(calls).Success
	}
	span.SetAttributes(attribute.Bool("reflect.success", reflection.Success))

	return &reflectOutcome{
		Reflection: reflection,
		Reply:      strings.TrimSpace(resp.Reply),
		Learnings:  resp.Learnings,
	}
}

// reflectionInput describes the turn for the reflection call
func reflectionInput(text string, planned *planOutcome, calls []model.ToolCall) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "## User message\n\n%s\n\n## Plan\n\n", text)
	if planned.Plan.Empty() {
		sb.WriteString("(no plan)\n")
	}
	for i, step := range planned.Plan.Steps {
		if step.Tool != "" {
			fmt.Fprintf(&sb, "%d. %s [%s]\n", i+1, step.Description, step.Tool)
		} else {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, step.Description)
		}
	}
	if planned.Reply != "" {
		fmt.Fprintf(&sb, "\n## Draft reply\n\n%s\n", planned.Reply)
	}

	sb.WriteString("\n## Tool calls\n\n")
	if len(calls) == 0 {
		sb.WriteString("(none)\n")
		return sb.String()
	}
	data, err := json.MarshalIndent(calls, "", "  ")
	if err != nil {
		// params come from decoded JSON, so this only trips on exotic backend results
		for _, tc := range calls {
			fmt.Fprintf(&sb, "- #%d %s: %s %s\n", tc.Index, tc.Operation, tc.Status, tc.Error)
		}
		return sb.String()
	}
	sb.Write(data)
	sb.WriteString("\n")
	return sb.String()
}

// localReflection summarizes call outcomes without the model
func localReflection(calls []model.ToolCall) model.Reflection {
	if len(calls) == 0 {
		return model.Reflection{Summary: "No actions were needed.", Success: true}
	}

	succeeded, pending := 0, 0
	var problems []string
	for _, tc := range calls {
		switch tc.Status {
		case model.ToolCallSucceeded:
			succeeded++
		case model.ToolCallPendingConfirmation:
			pending++
		default:
			problems = append(problems, fmt.Sprintf("%s %s (%s)", tc.Operation, tc.Status, tc.Error))
		}
	}

	summary := fmt.Sprintf("%d of %d tool calls succeeded", succeeded, len(calls))
	if pending > 0 {
		summary += fmt.Sprintf(", %d awaiting confirmation", pending)
	}
	if len(problems) > 0 {
		summary += "; " + strings.Join(problems, "; ")
	}
	return model.Reflection{Summary: summary + ".", Success: len(problems) == 0}
}

// learn stores the reflection's learning candidates and returns the ones newly stored
func (e *Engine) learn(ctx context.Context, threadID string, candidates []string) ([]string, []string) {
	ctx, span := tracer.Start(ctx, "learn")
	defer span.End()

	learned := make([]string, 0, len(candidates))
	var thoughts []string
	seen := make(map[string]bool, len(candidates))

	for _, candidate := range candidates {
		text := strings.TrimSpace(candidate)
		key := model.NormalizeLearning(text)
		if key == "" || seen[key] {
			continue
		}
		if len(text) > maxLearningLength {
			thoughts = append(thoughts, fmt.Sprintf("Dropped a learning longer than %d characters.", maxLearningLength))
			continue
		}
		if len(learned) == maxLearningsPerTurn {
			thoughts = append(thoughts, fmt.Sprintf("Kept only the first %d learnings of this turn.", maxLearningsPerTurn))
			break
		}
		seen[key] = true

		added, err := e.threads.AddLearning(ctx, threadID, text)
		if err != nil {
			log.Log.Warnf("[Engine] ⚠️  Failed to store learning | ThreadID: %s | Error: %v", threadID, err)
			thoughts = append(thoughts, "Could not store a learning: "+err.Error())
			continue
		}
		if !added {
			continue
		}
		log.Log.Debugf("[Engine] 🧠 Learned | ThreadID: %s | %s", threadID, text)
		learned = append(learned, text)
	}

	span.SetAttributes(attribute.Int("learnings", len(learned)))
	return learned, thoughts
}
