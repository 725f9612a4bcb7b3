package engine

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/model"
	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/attribute"
)

// Loop stages that talk to the model
const (
	StagePlan    = "plan"
	StageReflect = "reflect"
	StageExpense = "expense"
)

// LLMClient is the model-inference boundary. *openai.Client satisfies it.
type LLMClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// errEmptyResponse is returned when the model answers with no choices or no text
var errEmptyResponse = errors.New("no response from LLM")

// modelCall describes one chat completion
type modelCall struct {
	stage    string
	model    string
	messages []openai.ChatCompletionMessage
}

// callModel runs one chat completion under the configured timeout and returns
// the reply text. Errors are classified into *model.ModelUnavailableError or
// *model.ModelCallError.
func (e *Engine) callModel(ctx context.Context, threadID string, call modelCall) (string, error) {
	if e.llm == nil {
		return "", &model.ModelUnavailableError{Stage: call.stage, Err: errors.New("no model client configured")}
	}

	ctx, span := tracer.Start(ctx, "llm."+call.stage)
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", call.model))

	event := &UsageEvent{ThreadID: threadID, EventType: EventLLMCall, Name: call.stage, Model: call.model}
	if e.callback != nil {
		if err := e.callback.BeforeAction(ctx, event); err != nil {
			recordSpanError(span, err)
			return "", &model.ModelCallError{Stage: call.stage, Err: fmt.Errorf("blocked: %w", err)}
		}
	}

	if e.cfg.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.LLMTimeout)
		defer cancel()
	}

	request := openai.ChatCompletionRequest{
		Model:       call.model,
		Messages:    call.messages,
		Temperature: e.cfg.Temperature,
	}
	if e.cfg.JSONMode {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	start := time.Now()
	resp, err := e.llm.CreateChatCompletion(ctx, request)
	elapsed := time.Since(start)

	event.Duration = elapsed
	event.InputTokens = resp.Usage.PromptTokens
	event.OutputTokens = resp.Usage.CompletionTokens

	var content string
	if err == nil {
		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			err = errEmptyResponse
		} else {
			content = resp.Choices[0].Message.Content
		}
	}

	if err != nil {
		classified := classifyModelError(call.stage, err)
		event.Error = classified
		status := "error"
		if model.IsModelUnavailable(classified) {
			status = "unavailable"
		}
		e.metrics.ObserveLLM(call.stage, status, elapsed)
		recordSpanError(span, classified)
		log.Log.Warnf("[Engine] ❌ LLM %s call failed | Model: %s | Duration: %v | Error: %v", call.stage, call.model, elapsed, classified)
		if e.callback != nil {
			e.callback.AfterAction(ctx, event)
		}
		return "", classified
	}

	e.metrics.ObserveLLM(call.stage, "ok", elapsed)
	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	log.Log.Debugf("[Engine] 🤖 LLM %s call | Model: %s | Duration: %v | Tokens: %d", call.stage, call.model, elapsed, resp.Usage.TotalTokens)
	if e.callback != nil {
		e.callback.AfterAction(ctx, event)
	}
	return content, nil
}

// classifyModelError separates "the service could not be reached" from every
// other model failure. Timeouts count as reachable-but-failed.
func classifyModelError(stage string, err error) error {
	var unavailable *model.ModelUnavailableError
	var callErr *model.ModelCallError
	if errors.As(err, &unavailable) || errors.As(err, &callErr) {
		return err
	}

	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	if errors.As(err, &apiErr) || errors.As(err, &reqErr) {
		return &model.ModelCallError{Stage: stage, Err: formatLLMError(err)}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &model.ModelCallError{Stage: stage, Err: fmt.Errorf("LLM request timed out: %w", err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &model.ModelCallError{Stage: stage, Err: fmt.Errorf("LLM request timed out: %w", err)}
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &urlErr) {
		return &model.ModelUnavailableError{Stage: stage, Err: err}
	}

	return &model.ModelCallError{Stage: stage, Err: formatLLMError(err)}
}

// formatLLMError formats LLM errors to include status code and message
func formatLLMError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return fmt.Errorf("LLM request failed: status code: %d, message: %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return fmt.Errorf("LLM request failed: status code: %d", apiErr.HTTPStatusCode)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("LLM request failed: status code: %d: %w", reqErr.HTTPStatusCode, reqErr.Err)
	}

	return fmt.Errorf("LLM request failed: %w", err)
}

// historyMessages maps stored thread messages onto chat roles
func historyMessages(msgs []model.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			text := m.Text
			if len(m.Attachments) > 0 {
				// images are only sent with the turn they arrived in
				text = fmt.Sprintf("%s\n[%d image(s) attached]", text, len(m.Attachments))
			}
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})
		case model.RoleAgent:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Text})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "[" + string(m.Role) + "] " + m.Text})
		}
	}
	return out
}

// userMessage builds the current user turn, attaching images as data-URL parts
func userMessage(text string, images []model.Image) openai.ChatCompletionMessage {
	if len(images) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	}

	parts := make([]openai.ChatMessagePart, 0, len(images)+1)
	parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    dataURL(img),
				Detail: openai.ImageURLDetailAuto,
			},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func dataURL(img model.Image) string {
	mimeType := img.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

func systemMessage(content string) openai.ChatCompletionMessage {
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: content}
}
