package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ghiac/questmind/actions"
	"github.com/ghiac/questmind/backend"
	"github.com/ghiac/questmind/model"
	"github.com/ghiac/questmind/snapshot"
	"github.com/ghiac/questmind/store"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// scripted is one canned model answer
type scripted struct {
	text string
	err  error
}

// fakeLLM answers each stage from its own queue. An empty queue yields a
// minimal valid answer for that stage.
type fakeLLM struct {
	mu       sync.Mutex
	queues   map[string][]scripted
	requests map[string][]openai.ChatCompletionRequest
	// respond, when set, answers plan calls dynamically
	respond func(req openai.ChatCompletionRequest) string
}

func newFakeLLM() *fakeLLM {
	return &fakeLLM{
		queues:   make(map[string][]scripted),
		requests: make(map[string][]openai.ChatCompletionRequest),
	}
}

func (f *fakeLLM) on(stage string, answers ...scripted) *fakeLLM {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues[stage] = append(f.queues[stage], answers...)
	return f
}

func (f *fakeLLM) calls(stage string) []openai.ChatCompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[stage]
}

func stageOf(req openai.ChatCompletionRequest) string {
	system := req.Messages[0].Content
	switch {
	case strings.HasPrefix(system, reflectPrompt):
		return StageReflect
	case strings.HasPrefix(system, expensePrompt):
		return StageExpense
	default:
		return StagePlan
	}
}

func (f *fakeLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	stage := stageOf(req)

	f.mu.Lock()
	f.requests[stage] = append(f.requests[stage], req)
	var answer scripted
	if queue := f.queues[stage]; len(queue) > 0 {
		answer = queue[0]
		f.queues[stage] = queue[1:]
	} else {
		switch {
		case stage == StagePlan && f.respond != nil:
			answer.text = f.respond(req)
		case stage == StagePlan:
			answer.text = `{"reply": "ok"}`
		case stage == StageReflect:
			answer.text = `{"summary": "done", "success": true}`
		default:
			answer.text = `{"reply": "nothing found", "expenses": []}`
		}
	}
	f.mu.Unlock()

	if answer.err != nil {
		return openai.ChatCompletionResponse{}, answer.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: answer.text},
		}},
		Usage: openai.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}, nil
}

func planJSON(t *testing.T, reply string, calls ...map[string]any) scripted {
	t.Helper()
	if calls == nil {
		calls = []map[string]any{}
	}
	data, err := json.Marshal(map[string]any{
		"thoughts":  []string{"thinking"},
		"plan":      []map[string]string{{"description": "do it"}},
		"toolCalls": calls,
		"reply":     reply,
	})
	if err != nil {
		t.Fatalf("marshal plan: %v", err)
	}
	return scripted{text: string(data)}
}

func call(operation string, params map[string]any, dependsOn ...int) map[string]any {
	c := map[string]any{"operation": operation, "params": params}
	if len(dependsOn) > 0 {
		c["dependsOn"] = dependsOn
	}
	return c
}

type testEnv struct {
	engine   *Engine
	backend  *backend.MemoryBackend
	threads  store.ThreadStore
	executor *actions.Executor
}

func newTestEnv(t *testing.T, llm LLMClient, mutate func(*Config)) *testEnv {
	t.Helper()
	b := backend.NewMemoryBackend()
	threads := store.NewMemoryStore(0)
	executor := actions.NewExecutor(b, actions.ExecutorOptions{})
	cfg := Config{Model: "test-model", VisionModel: "test-vision", LLMTimeout: 5 * time.Second}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(cfg, Deps{
		LLM:       llm,
		Threads:   threads,
		Registry:  actions.DefaultRegistry(),
		Executor:  executor,
		Snapshots: snapshot.NewBuilder(b, time.Second),
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return &testEnv{engine: eng, backend: b, threads: threads, executor: executor}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Error("Expected error without thread store")
	}
	_, err := New(Config{ConfirmPolicy: "sometimes"}, Deps{
		Threads:  store.NewMemoryStore(0),
		Registry: actions.DefaultRegistry(),
		Executor: actions.NewExecutor(backend.NewMemoryBackend(), actions.ExecutorOptions{}),
	})
	if err == nil {
		t.Error("Expected error for unknown confirm policy")
	}
}

func TestChat_TextOnlyReturnsAllFields(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "Hello there"))
	env := newTestEnv(t, llm, nil)

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{ThreadID: "t1", Text: "  hi  "})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if bundle.Reply != "Hello there" {
		t.Errorf("Reply = %q", bundle.Reply)
	}

	data, _ := json.Marshal(bundle)
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	for _, name := range []string{"reply", "plan", "reflection", "learnings", "thoughts", "toolCalls"} {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			t.Errorf("Field %s missing or null in %s", name, data)
		}
	}

	thread, _ := env.threads.Get(context.Background(), "t1")
	if len(thread.Messages) != 2 {
		t.Fatalf("Expected user and agent messages, got %d", len(thread.Messages))
	}
	if thread.Messages[0].Role != model.RoleUser || thread.Messages[0].Text != "hi" {
		t.Errorf("First message = %+v", thread.Messages[0])
	}
	if thread.Messages[1].Role != model.RoleAgent || thread.Messages[1].Text != "Hello there" {
		t.Errorf("Second message = %+v", thread.Messages[1])
	}
}

func TestChat_EmptyMessageIsValidationError(t *testing.T) {
	llm := newFakeLLM()
	env := newTestEnv(t, llm, nil)

	_, err := env.engine.Chat(context.Background(), ChatRequest{Text: " \n\t "})
	if !model.IsValidation(err) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if len(llm.calls(StagePlan)) != 0 {
		t.Error("Model must not be called for an empty message")
	}
}

func TestChat_CreateTaskLevelOrdinal(t *testing.T) {
	for level, ordinal := range map[string]int{"main": 1, "sub": 2, "subsub": 3} {
		t.Run(level, func(t *testing.T) {
			llm := newFakeLLM().on(StagePlan, planJSON(t, "Added",
				call("create_task", map[string]any{"title": "Write report", "level": level})))
			env := newTestEnv(t, llm, nil)

			bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "add a task"})
			if err != nil {
				t.Fatalf("Chat failed: %v", err)
			}
			if len(bundle.ToolCalls) != 1 || !bundle.ToolCalls[0].Succeeded() {
				t.Fatalf("Tool calls = %+v", bundle.ToolCalls)
			}
			id, _ := bundle.ToolCalls[0].Result["id"].(int64)
			task, ok := env.backend.Task(id)
			if !ok {
				t.Fatalf("Task %d not created", id)
			}
			if task.Level != ordinal {
				t.Errorf("Level %s stored as %d, want %d", level, task.Level, ordinal)
			}
		})
	}
}

func TestChat_DependentCallSkippedAfterFailure(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "Creating",
		call("create_task", map[string]any{"title": "Parent", "level": "main"}),
		call("create_task", map[string]any{"title": "Child", "level": "sub", "parentId": "$0.id"}),
		call("create_note", map[string]any{"content": "unrelated"}),
	))
	env := newTestEnv(t, llm, nil)
	env.backend.FailOn("CreateTask", errors.New("task service down"))

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "plan my project"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	calls := bundle.ToolCalls
	if len(calls) != 3 {
		t.Fatalf("Expected 3 tool calls, got %d", len(calls))
	}
	if calls[0].Status != model.ToolCallFailed || !strings.Contains(calls[0].Error, "task service down") {
		t.Errorf("First call = %+v", calls[0])
	}
	if !strings.Contains(calls[0].Error, "create_task") {
		t.Errorf("Failure should name the operation: %q", calls[0].Error)
	}
	if calls[1].Status != model.ToolCallSkipped || calls[1].Error != model.SkippedUpstreamFailure {
		t.Errorf("Dependent call = %+v", calls[1])
	}
	if calls[2].Status != model.ToolCallSucceeded {
		t.Errorf("Independent call should still run: %+v", calls[2])
	}
	if n := env.backend.Calls("CreateTask"); n != 1 {
		t.Errorf("Skipped call must not reach the backend, CreateTask calls = %d", n)
	}
}

func TestChat_ExplicitDependsOnSkips(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "ok",
		call("update_task", map[string]any{"id": 999, "status": "done"}),
		call("create_note", map[string]any{"content": "closed it"}, 0),
	))
	env := newTestEnv(t, llm, nil)

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "close task 999"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if bundle.ToolCalls[0].Status != model.ToolCallFailed {
		t.Errorf("Update of a missing task should fail: %+v", bundle.ToolCalls[0])
	}
	if bundle.ToolCalls[1].Status != model.ToolCallSkipped {
		t.Errorf("Call depending on index 0 should be skipped: %+v", bundle.ToolCalls[1])
	}
	if env.backend.Calls("CreateNote") != 0 {
		t.Error("Skipped note must not be created")
	}
}

func TestChat_ReferenceResolvesToEarlierResult(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "Done",
		call("create_task", map[string]any{"title": "Launch", "level": "main"}),
		call("create_task", map[string]any{"title": "Draft post", "level": "sub", "parentId": "$0.id"}),
	))
	env := newTestEnv(t, llm, nil)

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "launch plan"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	parentID, _ := bundle.ToolCalls[0].Result["id"].(int64)
	childID, _ := bundle.ToolCalls[1].Result["id"].(int64)
	child, ok := env.backend.Task(childID)
	if !ok || child.ParentID != parentID {
		t.Errorf("Child %+v should point at parent %d", child, parentID)
	}
	if deps := bundle.ToolCalls[1].DependsOn; len(deps) != 1 || deps[0] != 0 {
		t.Errorf("Reference should be recorded as a dependency, got %v", deps)
	}
}

func TestChat_InvalidCallNeverExecutes(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "Updating",
		call("update_task", map[string]any{"status": "done"}),
		call("delete_everything", map[string]any{}),
	))
	env := newTestEnv(t, llm, nil)

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "mark it done"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if bundle.ToolCalls[0].Status != model.ToolCallInvalid || !strings.Contains(bundle.ToolCalls[0].Error, "id") {
		t.Errorf("update_task without id = %+v", bundle.ToolCalls[0])
	}
	if bundle.ToolCalls[1].Status != model.ToolCallInvalid || !strings.Contains(bundle.ToolCalls[1].Error, "unknown operation") {
		t.Errorf("Unknown operation = %+v", bundle.ToolCalls[1])
	}
	if env.backend.Calls("UpdateTask") != 0 {
		t.Error("Executor must not be invoked for invalid params")
	}
}

func TestChat_ToolCallLimit(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "Noted",
		call("create_note", map[string]any{"content": "one"}),
		call("create_note", map[string]any{"content": "two"}),
	))
	env := newTestEnv(t, llm, func(c *Config) { c.MaxToolCalls = 1 })

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "two notes"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if bundle.ToolCalls[1].Status != model.ToolCallSkipped {
		t.Errorf("Call over the limit should be skipped: %+v", bundle.ToolCalls[1])
	}
	if env.backend.Calls("CreateNote") != 1 {
		t.Errorf("Expected one note, got %d", env.backend.Calls("CreateNote"))
	}
}

func TestChat_PlanReformatRetry(t *testing.T) {
	llm := newFakeLLM().on(StagePlan,
		scripted{text: "Sure, I will add that."},
		planJSON(t, "Added after retry"),
	)
	env := newTestEnv(t, llm, nil)

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if bundle.Reply != "Added after retry" {
		t.Errorf("Reply = %q", bundle.Reply)
	}
	requests := llm.calls(StagePlan)
	if len(requests) != 2 {
		t.Fatalf("Expected exactly one retry, got %d plan calls", len(requests))
	}
	last := requests[1].Messages[len(requests[1].Messages)-1]
	if last.Content != reformatRequest {
		t.Errorf("Retry should ask for a reformat, got %q", last.Content)
	}
}

func TestChat_PlanFallsBackToDirectReply(t *testing.T) {
	llm := newFakeLLM().on(StagePlan,
		scripted{text: "You should rest today."},
		scripted{text: "Really, rest today."},
	)
	env := newTestEnv(t, llm, nil)

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "what now?"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if bundle.Reply != "Really, rest today." {
		t.Errorf("Reply = %q", bundle.Reply)
	}
	if len(bundle.Plan) != 0 || len(bundle.ToolCalls) != 0 {
		t.Errorf("Direct reply should have no plan or tool calls: %+v", bundle)
	}
	if len(llm.calls(StagePlan)) != 2 {
		t.Errorf("Expected 2 plan calls, got %d", len(llm.calls(StagePlan)))
	}
}

func TestChat_ModelUnreachableIsFatal(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	llm := newFakeLLM().on(StagePlan, scripted{err: refused})
	env := newTestEnv(t, llm, nil)

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "hi"})
	if !model.IsModelUnavailable(err) {
		t.Fatalf("Expected ModelUnavailableError, got %v", err)
	}
	if bundle != nil {
		t.Error("No bundle on fatal error")
	}
}

func TestChat_NoModelClientIsFatal(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	if _, err := env.engine.Chat(context.Background(), ChatRequest{Text: "hi"}); !model.IsModelUnavailable(err) {
		t.Fatalf("Expected ModelUnavailableError, got %v", err)
	}
}

func TestChat_PlanAPIErrorDegrades(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, scripted{err: &openai.APIError{HTTPStatusCode: 503, Message: "overloaded"}})
	env := newTestEnv(t, llm, nil)

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "hi"})
	if err != nil {
		t.Fatalf("API errors should degrade, got %v", err)
	}
	if bundle.Reply != fallbackReply {
		t.Errorf("Reply = %q", bundle.Reply)
	}
	if len(bundle.Plan) != 0 || len(bundle.ToolCalls) != 0 {
		t.Error("Degraded bundle should have empty plan and tool calls")
	}
	if !strings.Contains(strings.Join(bundle.Thoughts, " "), "overloaded") {
		t.Errorf("Thoughts should explain the failure: %v", bundle.Thoughts)
	}
}

func TestChat_ReflectionFailureDegrades(t *testing.T) {
	llm := newFakeLLM().
		on(StagePlan, planJSON(t, "Task added.", call("create_task", map[string]any{"title": "Gym", "level": "main"}))).
		on(StageReflect, scripted{err: &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}})
	env := newTestEnv(t, llm, nil)

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "add gym"})
	if err != nil {
		t.Fatalf("Reflection failures must not fail the turn: %v", err)
	}
	if !bundle.ToolCalls[0].Succeeded() {
		t.Fatalf("Tool call = %+v", bundle.ToolCalls[0])
	}
	if !bundle.Reflection.Success || !strings.Contains(bundle.Reflection.Summary, "1 of 1") {
		t.Errorf("Local reflection = %+v", bundle.Reflection)
	}
	if bundle.Reply != "Task added." {
		t.Errorf("Reply = %q", bundle.Reply)
	}
}

func TestChat_FailedCallReportedWhenReflectionLocal(t *testing.T) {
	llm := newFakeLLM().
		on(StagePlan, planJSON(t, "Done!", call("create_task", map[string]any{"title": "Gym", "level": "main"}))).
		on(StageReflect, scripted{text: "not json"})
	env := newTestEnv(t, llm, nil)
	env.backend.FailOn("CreateTask", errors.New("quota exceeded"))

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "add gym"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if bundle.Reflection.Success {
		t.Error("Reflection should not report success")
	}
	if !strings.Contains(bundle.Reply, "quota exceeded") {
		t.Errorf("Reply should surface the backend error: %q", bundle.Reply)
	}
}

func TestChat_ReflectionReplyAndLearnings(t *testing.T) {
	llm := newFakeLLM().
		on(StagePlan, planJSON(t, "draft")).
		on(StageReflect,
			scripted{text: `{"summary":"Answered","success":true,"reply":"Final answer","learnings":["Prefers mornings","  prefers   MORNINGS. "]}`},
			scripted{text: `{"summary":"Answered","success":true,"reply":"Again","learnings":["Prefers mornings!"]}`},
		)
	env := newTestEnv(t, llm, nil)
	ctx := context.Background()

	bundle, err := env.engine.Chat(ctx, ChatRequest{ThreadID: "learner", Text: "schedule gym"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if bundle.Reply != "Final answer" {
		t.Errorf("Reflection reply should win, got %q", bundle.Reply)
	}
	if len(bundle.Learnings) != 1 || bundle.Learnings[0] != "Prefers mornings" {
		t.Errorf("Learnings = %v", bundle.Learnings)
	}

	second, err := env.engine.Chat(ctx, ChatRequest{ThreadID: "learner", Text: "again"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if len(second.Learnings) != 0 {
		t.Errorf("A learning the thread already holds is not new, got %v", second.Learnings)
	}
	thread, _ := env.threads.Get(ctx, "learner")
	if len(thread.Learnings) != 1 {
		t.Errorf("Expected one stored learning, got %+v", thread.Learnings)
	}

	// the stored learning reaches the next planner prompt
	plans := llm.calls(StagePlan)
	if !strings.Contains(plans[1].Messages[0].Content, "- Prefers mornings") {
		t.Error("Second plan prompt should list the learning")
	}
}

func TestChat_ManualConfirmLeavesProposal(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "Shall I?",
		call("create_task", map[string]any{"title": "Taxes", "level": "main"})))
	env := newTestEnv(t, llm, func(c *Config) { c.ConfirmPolicy = ConfirmManual })
	ctx := context.Background()

	bundle, err := env.engine.Chat(ctx, ChatRequest{Text: "remind me about taxes"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	tc := bundle.ToolCalls[0]
	if tc.Status != model.ToolCallPendingConfirmation || tc.ProposalID == "" {
		t.Fatalf("Expected pending call with proposal, got %+v", tc)
	}
	if env.backend.Calls("CreateTask") != 0 {
		t.Fatal("Nothing may be mutated before confirmation")
	}

	if _, err := env.executor.Confirm(ctx, tc.ProposalID); err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if env.backend.Calls("CreateTask") != 1 {
		t.Error("Confirm should execute the proposal once")
	}
}

func TestChat_AutoConfirmConsumesProposal(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "Added.",
		call("create_task", map[string]any{"title": "Taxes", "level": "main"}),
		call("create_note", map[string]any{"content": "bring receipts"})))
	env := newTestEnv(t, llm, nil)
	ctx := context.Background()

	bundle, err := env.engine.Chat(ctx, ChatRequest{Text: "remind me about taxes"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	for _, tc := range bundle.ToolCalls {
		if !tc.Succeeded() {
			t.Fatalf("Call %d = %+v", tc.Index, tc)
		}
		if tc.ProposalID == "" {
			t.Fatalf("Call %d was applied without a proposal", tc.Index)
		}
		if _, ok := env.executor.Pending(tc.ProposalID); ok {
			t.Errorf("Proposal for call %d should be consumed", tc.Index)
		}
		var notFound *model.ProposalNotFoundError
		if _, err := env.executor.Confirm(ctx, tc.ProposalID); !errors.As(err, &notFound) {
			t.Errorf("Second confirm of call %d should fail with ProposalNotFoundError, got %v", tc.Index, err)
		}
	}
	if env.backend.Calls("CreateTask") != 1 || env.backend.Calls("CreateNote") != 1 {
		t.Errorf("Each mutation should run exactly once, tasks=%d notes=%d",
			env.backend.Calls("CreateTask"), env.backend.Calls("CreateNote"))
	}
}

func TestChat_ImagesGoToVisionModel(t *testing.T) {
	llm := newFakeLLM()
	env := newTestEnv(t, llm, nil)

	img := model.Image{Data: []byte{0x89, 'P', 'N', 'G'}, MimeType: "image/png"}
	if _, err := env.engine.Chat(context.Background(), ChatRequest{Text: "what is this?", Images: []model.Image{img}}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	req := llm.calls(StagePlan)[0]
	if req.Model != "test-vision" {
		t.Errorf("Model = %q, want vision model", req.Model)
	}
	user := req.Messages[len(req.Messages)-1]
	if len(user.MultiContent) != 2 || user.MultiContent[1].ImageURL == nil {
		t.Fatalf("Expected text and image parts, got %+v", user.MultiContent)
	}
	if !strings.HasPrefix(user.MultiContent[1].ImageURL.URL, "data:image/png;base64,") {
		t.Errorf("Image URL = %q", user.MultiContent[1].ImageURL.URL)
	}
}

func TestChat_StatusUpdates(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "ok", call("create_note", map[string]any{"content": "x"})))
	env := newTestEnv(t, llm, nil)

	var mu sync.Mutex
	var phases []StatusPhase
	ctx := WithStatusFunc(context.Background(), func(s *StatusUpdate) {
		mu.Lock()
		phases = append(phases, s.Phase)
		mu.Unlock()
	})
	if _, err := env.engine.Chat(ctx, ChatRequest{Text: "note x"}); err != nil {
		t.Fatalf("Chat failed: %v", err)
	}

	want := []StatusPhase{StatusReceived, StatusPlanning, StatusActing, StatusToolExecuting, StatusToolDone, StatusReflecting, StatusCompleted}
	if fmt.Sprint(phases) != fmt.Sprint(want) {
		t.Errorf("Phases = %v, want %v", phases, want)
	}
}

type blockingCallback struct {
	mu     sync.Mutex
	events []UsageEvent
}

func (b *blockingCallback) BeforeAction(ctx context.Context, event *UsageEvent) error {
	if event.EventType == EventToolCall {
		return errors.New("daily limit reached")
	}
	return nil
}

func (b *blockingCallback) AfterAction(ctx context.Context, event *UsageEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, *event)
}

func TestChat_CallbackBlocksToolCall(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "ok", call("create_note", map[string]any{"content": "x"})))
	env := newTestEnv(t, llm, nil)
	cb := &blockingCallback{}
	env.engine.callback = cb

	bundle, err := env.engine.Chat(context.Background(), ChatRequest{Text: "note"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if bundle.ToolCalls[0].Status != model.ToolCallRejected {
		t.Errorf("Blocked call = %+v", bundle.ToolCalls[0])
	}
	if env.backend.Calls("CreateNote") != 0 {
		t.Error("Blocked call must not reach the backend")
	}
	if id := bundle.ToolCalls[0].ProposalID; id == "" {
		t.Error("Blocked mutation should still carry its proposal id")
	} else if _, ok := env.executor.Pending(id); ok {
		t.Error("Blocked call should reject its proposal")
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if len(cb.events) != 2 || cb.events[0].InputTokens != 10 {
		t.Errorf("Expected usage for plan and reflect calls, got %+v", cb.events)
	}
}

func TestChat_ConcurrentThreadsKeepOrder(t *testing.T) {
	llm := newFakeLLM()
	llm.respond = func(req openai.ChatCompletionRequest) string {
		last := req.Messages[len(req.Messages)-1].Content
		return fmt.Sprintf(`{"reply": %q}`, "echo "+last)
	}
	env := newTestEnv(t, llm, nil)
	ctx := context.Background()

	const turns = 10
	var wg sync.WaitGroup
	for _, threadID := range []string{"alpha", "beta"} {
		wg.Add(1)
		go func(threadID string) {
			defer wg.Done()
			for i := 0; i < turns; i++ {
				text := fmt.Sprintf("%s-%d", threadID, i)
				if _, err := env.engine.Chat(ctx, ChatRequest{ThreadID: threadID, Text: text}); err != nil {
					t.Errorf("Chat failed: %v", err)
				}
			}
		}(threadID)
	}
	wg.Wait()

	for _, threadID := range []string{"alpha", "beta"} {
		thread, _ := env.threads.Get(ctx, threadID)
		if len(thread.Messages) != 2*turns {
			t.Fatalf("Thread %s has %d messages", threadID, len(thread.Messages))
		}
		for i := 0; i < turns; i++ {
			user, agent := thread.Messages[2*i], thread.Messages[2*i+1]
			want := fmt.Sprintf("%s-%d", threadID, i)
			if user.Text != want || agent.Text != "echo "+want {
				t.Errorf("Thread %s turn %d = %q / %q", threadID, i, user.Text, agent.Text)
			}
		}
	}
}

func TestChat_SameThreadSerialized(t *testing.T) {
	llm := newFakeLLM()
	llm.respond = func(req openai.ChatCompletionRequest) string {
		return `{"reply": "ok"}`
	}
	env := newTestEnv(t, llm, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := env.engine.Chat(ctx, ChatRequest{ThreadID: "shared", Text: fmt.Sprintf("msg %d", i)}); err != nil {
				t.Errorf("Chat failed: %v", err)
			}
		}(i)
	}
	wg.Wait()

	thread, _ := env.threads.Get(ctx, "shared")
	for i, msg := range thread.Messages {
		want := model.RoleUser
		if i%2 == 1 {
			want = model.RoleAgent
		}
		if msg.Role != want {
			t.Fatalf("Turns interleaved at message %d: %+v", i, thread.Messages)
		}
	}
}

func TestChat_CanceledContextStillCompletes(t *testing.T) {
	llm := newFakeLLM().on(StagePlan, planJSON(t, "ok", call("create_note", map[string]any{"content": "x"})))
	env := newTestEnv(t, llm, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	bundle, err := env.engine.Chat(ctx, ChatRequest{Text: "note"})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if !bundle.ToolCalls[0].Succeeded() {
		t.Errorf("Client disconnect must not interrupt the turn: %+v", bundle.ToolCalls[0])
	}
}
