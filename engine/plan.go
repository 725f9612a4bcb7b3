package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ghiac/questmind/llmutils"
	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/model"
	"github.com/ghiac/questmind/snapshot"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
)

const reformatRequest = "Your previous answer could not be parsed. Reply again with only the JSON object described in the instructions: no prose, no code fences."

// proposedCall is one tool call as the planner wrote it
type proposedCall struct {
	Operation string         `json:"operation"`
	Params    map[string]any `json:"params"`
	DependsOn []int          `json:"dependsOn"`
}

// planResponse is the JSON shape the planner is asked for
type planResponse struct {
	Thoughts  flexStrings    `json:"thoughts"`
	Plan      flexSteps      `json:"plan"`
	ToolCalls []proposedCall `json:"toolCalls"`
	Reply     string         `json:"reply"`
}

// planOutcome is the parsed result of the PLAN stage
type planOutcome struct {
	Thoughts  []string
	Plan      model.Plan
	ToolCalls []proposedCall
	Reply     string
	// Direct is set when the planner never produced valid JSON and its raw text became the reply
	Direct bool
}

// plan asks the model for a plan. Unparseable output gets one reformat retry,
// then the raw text is used as a direct reply.
func (e *Engine) plan(ctx context.Context, threadID string, thread *model.Thread, text string, images []model.Image, snap *snapshot.Snapshot) (*planOutcome, error) {
	ctx, span := tracer.Start(ctx, "plan")
	defer span.End()

	messages := make([]openai.ChatCompletionMessage, 0, e.cfg.HistoryWindow+2)
	messages = append(messages, systemMessage(e.planSystemPrompt(thread, snap)))
	messages = append(messages, historyMessages(thread.Recent(e.cfg.HistoryWindow))...)
	messages = append(messages, userMessage(text, images))

	call := modelCall{stage: StagePlan, model: e.planModel(images), messages: messages}
	raw, err := e.callModel(ctx, threadID, call)
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	out, parseErr := parsePlan(raw)
	if parseErr == nil {
		span.SetAttributes(attribute.Int("plan.tool_calls", len(out.ToolCalls)))
		return out, nil
	}
	log.Log.Warnf("[Engine] ⚠️  Plan output unparseable, asking for a reformat | ThreadID: %s | Error: %v", threadID, parseErr)

	retry := make([]openai.ChatCompletionMessage, 0, len(messages)+2)
	retry = append(retry, messages...)
	retry = append(retry,
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: raw},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: reformatRequest},
	)
	call.messages = retry

	reformatted, err := e.callModel(ctx, threadID, call)
	switch {
	case model.IsModelUnavailable(err):
		recordSpanError(span, err)
		return nil, err
	case err == nil:
		if out, parseErr = parsePlan(reformatted); parseErr == nil {
			out.Thoughts = append(out.Thoughts, "Planner output needed one reformat.")
			return out, nil
		}
		raw = reformatted
	}

	formatErr := &model.ModelFormatError{Stage: StagePlan, Raw: raw, Err: parseErr}
	log.Log.Warnf("[Engine] ⚠️  Falling back to direct reply | ThreadID: %s | Error: %v", threadID, formatErr)
	span.SetAttributes(attribute.Bool("plan.direct_reply", true))

	return &planOutcome{
		Thoughts: []string{"Planner output was not valid JSON; answering directly."},
		Reply:    directReply(raw),
		Direct:   true,
	}, nil
}

func parsePlan(raw string) (*planOutcome, error) {
	var resp planResponse
	if err := llmutils.ExtractJSON(raw, &resp); err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Reply) == "" && len(resp.ToolCalls) == 0 {
		return nil, errors.New("plan has neither a reply nor tool calls")
	}
	return &planOutcome{
		Thoughts:  resp.Thoughts,
		Plan:      model.Plan{Steps: resp.Plan},
		ToolCalls: resp.ToolCalls,
		Reply:     strings.TrimSpace(resp.Reply),
	}, nil
}

// directReply turns raw planner text into something presentable
func directReply(raw string) string {
	text := strings.TrimSpace(raw)
	if text == "" || strings.HasPrefix(text, "{") || strings.HasPrefix(text, "```") {
		return fallbackReply
	}
	return text
}

func (e *Engine) planSystemPrompt(thread *model.Thread, snap *snapshot.Snapshot) string {
	var sb strings.Builder
	sb.WriteString(planPrompt)

	sb.WriteString("\n\n## Available operations\n\n")
	sb.WriteString(e.registry.Catalog())

	sb.WriteString("\n## Snapshot\n\n")
	if snap != nil {
		sb.WriteString(snap.Render())
	} else {
		sb.WriteString("(no snapshot available)\n")
	}

	sb.WriteString("\n## What you know about the user\n\n")
	learnings := thread.LearningTexts()
	if len(learnings) > e.cfg.MaxLearnings {
		learnings = learnings[len(learnings)-e.cfg.MaxLearnings:]
	}
	if len(learnings) == 0 {
		sb.WriteString("(nothing yet)\n")
	}
	for _, l := range learnings {
		fmt.Fprintf(&sb, "- %s\n", l)
	}

	fmt.Fprintf(&sb, "\nToday is %s.\n", e.now().Format("Monday, 2006-01-02"))
	return sb.String()
}

// flexStrings accepts either a JSON string or a list of strings
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s != "" {
			*f = flexStrings{s}
		} else {
			*f = nil
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

// flexSteps accepts plan steps as objects or as bare descriptions
type flexSteps []model.Step

func (f *flexSteps) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	steps := make([]model.Step, 0, len(items))
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '"' {
			var s string
			if err := json.Unmarshal(item, &s); err != nil {
				return err
			}
			steps = append(steps, model.Step{Description: s})
			continue
		}
		var step model.Step
		if err := json.Unmarshal(item, &step); err != nil {
			return err
		}
		steps = append(steps, step)
	}
	*f = steps
	return nil
}
