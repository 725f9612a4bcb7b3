package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ghiac/questmind/llmutils"
	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/model"
	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ExpenseRequest is one expense-extraction turn: text plus optional receipt images
type ExpenseRequest struct {
	ThreadID string
	Text     string
	Images   []model.Image
}

// ExpenseBundle is the result of an expense turn. There is no plan, reflection
// or learning in this variant.
type ExpenseBundle struct {
	ThreadID   string           `json:"threadId"`
	Reply      string           `json:"reply"`
	HasImages  bool             `json:"hasImages"`
	ImageCount int              `json:"imageCount"`
	Expenses   []model.ToolCall `json:"expenses"`
}

type expenseResponse struct {
	Reply    string           `json:"reply"`
	Expenses []map[string]any `json:"expenses"`
}

// Expense extracts expense records from text and images in a single model
// call and persists each valid record directly through the executor.
func (e *Engine) Expense(ctx context.Context, req ExpenseRequest) (*ExpenseBundle, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, model.NewValidationError("message", "must not be empty")
	}
	threadID := model.ResolveThreadID(req.ThreadID)
	ctx = model.WithThreadID(context.WithoutCancel(ctx), threadID)

	unlock := e.locks.Lock(threadID)
	defer unlock()

	ctx, span := tracer.Start(ctx, "expense", trace.WithAttributes(
		attribute.String("thread.id", threadID),
		attribute.Int("images", len(req.Images)),
	))
	defer span.End()

	start := time.Now()
	bundle := &ExpenseBundle{
		ThreadID:   threadID,
		HasImages:  len(req.Images) > 0,
		ImageCount: len(req.Images),
		Expenses:   []model.ToolCall{},
	}

	if err := e.threads.Append(ctx, threadID, model.NewUserMessage(text, req.Images)); err != nil {
		log.Log.Errorf("[Engine] ❌ Failed to store user message | ThreadID: %s | Error: %v", threadID, err)
	}
	notifyStatus(ctx, threadID, StatusReceived, "")

	notifyStatus(ctx, threadID, StatusPlanning, e.cfg.VisionModel)
	messages := []openai.ChatCompletionMessage{
		systemMessage(expensePrompt + fmt.Sprintf("\nToday is %s.\n", e.now().Format("2006-01-02"))),
		userMessage(text, req.Images),
	}
	raw, err := e.callModel(ctx, threadID, modelCall{stage: StageExpense, model: e.cfg.VisionModel, messages: messages})
	if err != nil {
		if model.IsModelUnavailable(err) {
			e.metrics.ObserveChat("expense", "error")
			recordSpanError(span, err)
			notifyStatus(ctx, threadID, StatusError, err.Error())
			return nil, err
		}
		bundle.Reply = fallbackReply
		e.finishExpense(ctx, threadID, bundle, start)
		return bundle, nil
	}

	var resp expenseResponse
	if err := llmutils.ExtractJSON(raw, &resp); err != nil {
		log.Log.Warnf("[Engine] ⚠️  Expense output unparseable | ThreadID: %s | Error: %v", threadID, &model.ModelFormatError{Stage: StageExpense, Raw: raw, Err: err})
		bundle.Reply = directReply(raw)
		e.finishExpense(ctx, threadID, bundle, start)
		return bundle, nil
	}

	if len(resp.Expenses) > 0 {
		notifyStatus(ctx, threadID, StatusActing, fmt.Sprintf("%d expense(s)", len(resp.Expenses)))
	}
	for i, record := range resp.Expenses {
		if i >= e.cfg.MaxToolCalls {
			tc := newExpenseCall(i, record, e.now())
			e.settle(&tc, model.ToolCallSkipped, toolCallLimitReason(e.cfg.MaxToolCalls))
			bundle.Expenses = append(bundle.Expenses, tc)
			continue
		}
		bundle.Expenses = append(bundle.Expenses, e.recordExpense(ctx, threadID, i, record))
	}

	bundle.Reply = expenseReply(strings.TrimSpace(resp.Reply), bundle.Expenses)
	e.finishExpense(ctx, threadID, bundle, start)
	return bundle, nil
}

func newExpenseCall(index int, record map[string]any, now time.Time) model.ToolCall {
	if record == nil {
		record = map[string]any{}
	}
	return model.ToolCall{
		ID:        uuid.NewString(),
		Index:     index,
		Operation: model.OpCreateExpense.String(),
		Params:    record,
		Timestamp: now.UTC(),
	}
}

// recordExpense validates one extracted record as create_expense and applies it
// through the executor's confirm step
func (e *Engine) recordExpense(ctx context.Context, threadID string, index int, record map[string]any) model.ToolCall {
	tc := newExpenseCall(index, record, e.now())

	notifyStatus(ctx, threadID, StatusToolExecuting, tc.Operation)
	defer notifyStatus(ctx, threadID, StatusToolDone, tc.Operation)

	typed, err := e.registry.Validate(tc.Operation, tc.Params)
	if err != nil {
		e.settle(&tc, model.ToolCallInvalid, err.Error())
		return tc
	}
	e.propose(&tc, typed)
	e.execute(ctx, threadID, &tc, typed)
	return tc
}

func (e *Engine) finishExpense(ctx context.Context, threadID string, bundle *ExpenseBundle, start time.Time) {
	if err := e.threads.Append(ctx, threadID, model.NewAgentMessage(bundle.Reply)); err != nil {
		log.Log.Errorf("[Engine] ❌ Failed to store reply | ThreadID: %s | Error: %v", threadID, err)
	}
	e.metrics.ObserveChat("expense", "ok")
	notifyStatus(ctx, threadID, StatusCompleted, "")
	log.Log.Infof("[Engine] ✅ Expense turn completed | ThreadID: %s | Images: %d | Records: %d | Duration: %v",
		threadID, bundle.ImageCount, len(bundle.Expenses), time.Since(start))
}

// expenseReply appends what was actually recorded to the model's reply
func expenseReply(reply string, records []model.ToolCall) string {
	recorded := 0
	for _, tc := range records {
		if tc.Succeeded() {
			recorded++
		}
	}

	if reply == "" {
		switch {
		case len(records) == 0:
			reply = "I couldn't find an expense in that. Could you tell me the amount and what it was for?"
		case recorded > 0:
			reply = fmt.Sprintf("Recorded %d expense(s).", recorded)
		}
	}
	if note := outcomeNote(records); note != "" {
		if reply == "" {
			return note
		}
		return reply + "\n\n" + note
	}
	return reply
}
