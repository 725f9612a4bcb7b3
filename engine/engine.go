// Package engine runs the agent loop: RECEIVE, PLAN, ACT, REFLECT, LEARN and
// RESPOND for chat turns, and the single-pass expense extraction variant.
package engine

import (
	"context"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/ghiac/questmind/actions"
	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/metrics"
	"github.com/ghiac/questmind/model"
	"github.com/ghiac/questmind/snapshot"
	"github.com/ghiac/questmind/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed prompts/plan.md
var planPrompt string

//go:embed prompts/reflect.md
var reflectPrompt string

//go:embed prompts/expense.md
var expensePrompt string

var tracer = otel.Tracer("github.com/ghiac/questmind/engine")

// ConfirmPolicy decides how mutating tool calls proposed during a chat turn are confirmed
type ConfirmPolicy string

const (
	// ConfirmAuto treats the user's chat message as confirmation and executes immediately
	ConfirmAuto ConfirmPolicy = "auto"
	// ConfirmManual leaves mutating calls pending until the client confirms the proposal
	ConfirmManual ConfirmPolicy = "manual"
)

const (
	DefaultMaxToolCalls  = 8
	DefaultHistoryWindow = 20
	DefaultMaxLearnings  = 50

	// bounds on learnings extracted from a single turn
	maxLearningLength   = 280
	maxLearningsPerTurn = 5

	fallbackReply = "Sorry, I couldn't work that out right now. Please try again in a moment."
)

// Config holds the loop's tunables
type Config struct {
	Model        string
	ReflectModel string // defaults to Model
	VisionModel  string // used when the turn carries images; defaults to Model
	Temperature  float32
	JSONMode     bool
	// LLMTimeout bounds each model call; zero means no bound
	LLMTimeout time.Duration

	MaxToolCalls  int
	HistoryWindow int
	// MaxLearnings is how many stored learnings are shown to the planner
	MaxLearnings  int
	ConfirmPolicy ConfirmPolicy
}

// Deps are the collaborators the loop drives
type Deps struct {
	LLM       LLMClient
	Threads   store.ThreadStore
	Registry  *actions.Registry
	Executor  *actions.Executor
	Snapshots *snapshot.Builder // optional; planning runs without a snapshot when nil
	Metrics   *metrics.Metrics  // optional
	Callback  Callback          // optional
}

// Engine is the agent loop
type Engine struct {
	cfg       Config
	llm       LLMClient
	threads   store.ThreadStore
	registry  *actions.Registry
	executor  *actions.Executor
	snapshots *snapshot.Builder
	metrics   *metrics.Metrics
	callback  Callback

	// invocation locks serialize whole turns on the same thread
	locks *store.ThreadLocks
	now   func() time.Time
}

// New creates an engine. A nil LLM is allowed: every model call then fails
// as unavailable.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Threads == nil {
		return nil, fmt.Errorf("engine: thread store is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("engine: action registry is required")
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("engine: action executor is required")
	}

	switch cfg.ConfirmPolicy {
	case "":
		cfg.ConfirmPolicy = ConfirmAuto
	case ConfirmAuto, ConfirmManual:
	default:
		return nil, fmt.Errorf("engine: unknown confirm policy %q", cfg.ConfirmPolicy)
	}
	if cfg.ReflectModel == "" {
		cfg.ReflectModel = cfg.Model
	}
	if cfg.VisionModel == "" {
		cfg.VisionModel = cfg.Model
	}
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = DefaultMaxToolCalls
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.MaxLearnings <= 0 {
		cfg.MaxLearnings = DefaultMaxLearnings
	}

	log.Log.Infof("[Engine] ✅ Initialized | Model: %s | ConfirmPolicy: %s | MaxToolCalls: %d", cfg.Model, cfg.ConfirmPolicy, cfg.MaxToolCalls)

	return &Engine{
		cfg:       cfg,
		llm:       deps.LLM,
		threads:   deps.Threads,
		registry:  deps.Registry,
		executor:  deps.Executor,
		snapshots: deps.Snapshots,
		metrics:   deps.Metrics,
		callback:  deps.Callback,
		locks:     store.NewThreadLocks(),
		now:       time.Now,
	}, nil
}

// ChatRequest is one normalized user turn
type ChatRequest struct {
	ThreadID string
	Text     string
	Images   []model.Image
}

// Bundle is the structured result of a chat turn. Every slice is non-nil so
// callers never branch on absence.
type Bundle struct {
	ThreadID   string           `json:"threadId"`
	Reply      string           `json:"reply"`
	Plan       []model.Step     `json:"plan"`
	Reflection model.Reflection `json:"reflection"`
	Learnings  []string         `json:"learnings"`
	Thoughts   []string         `json:"thoughts"`
	ToolCalls  []model.ToolCall `json:"toolCalls"`
}

func newBundle(threadID string) *Bundle {
	return &Bundle{
		ThreadID:  threadID,
		Plan:      []model.Step{},
		Learnings: []string{},
		Thoughts:  []string{},
		ToolCalls: []model.ToolCall{},
	}
}

// Chat runs one full agent turn. Turns on the same thread are serialized;
// turns on distinct threads run concurrently. Processing continues when ctx is
// canceled so side effects and history stay consistent.
//
// The only error returned for a well-formed request is *model.ModelUnavailableError
// raised while planning; every other failure degrades into the bundle.
func (e *Engine) Chat(ctx context.Context, req ChatRequest) (*Bundle, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, model.NewValidationError("message", "must not be empty")
	}
	threadID := model.ResolveThreadID(req.ThreadID)
	ctx = model.WithThreadID(context.WithoutCancel(ctx), threadID)

	unlock := e.locks.Lock(threadID)
	defer unlock()

	ctx, span := tracer.Start(ctx, "chat", trace.WithAttributes(
		attribute.String("thread.id", threadID),
		attribute.Int("images", len(req.Images)),
	))
	defer span.End()

	start := time.Now()
	log.Log.Infof("[Engine] 📨 Chat received | ThreadID: %s | Images: %d", threadID, len(req.Images))

	bundle, err := e.runChat(ctx, threadID, text, req.Images)
	if err != nil {
		e.metrics.ObserveChat("chat", "error")
		recordSpanError(span, err)
		notifyStatus(ctx, threadID, StatusError, err.Error())
		log.Log.Errorf("[Engine] ❌ Chat failed | ThreadID: %s | Duration: %v | Error: %v", threadID, time.Since(start), err)
		return nil, err
	}

	e.metrics.ObserveChat("chat", "ok")
	notifyStatus(ctx, threadID, StatusCompleted, "")
	log.Log.Infof("[Engine] ✅ Chat completed | ThreadID: %s | ToolCalls: %d | Duration: %v", threadID, len(bundle.ToolCalls), time.Since(start))
	return bundle, nil
}

func (e *Engine) runChat(ctx context.Context, threadID, text string, images []model.Image) (*Bundle, error) {
	bundle := newBundle(threadID)

	// RECEIVE
	thread, err := e.threads.Get(ctx, threadID)
	if err != nil {
		log.Log.Errorf("[Engine] ❌ Failed to load thread | ThreadID: %s | Error: %v", threadID, err)
		bundle.Thoughts = append(bundle.Thoughts, "Could not load conversation history: "+err.Error())
		thread = model.NewThread(threadID)
	}
	if err := e.threads.Append(ctx, threadID, model.NewUserMessage(text, images)); err != nil {
		log.Log.Errorf("[Engine] ❌ Failed to store user message | ThreadID: %s | Error: %v", threadID, err)
		bundle.Thoughts = append(bundle.Thoughts, "Could not store your message: "+err.Error())
	}
	notifyStatus(ctx, threadID, StatusReceived, "")

	var snap *snapshot.Snapshot
	if e.snapshots != nil {
		snap = e.snapshots.Build(ctx)
		for _, section := range []string{snapshot.SectionTasks, snapshot.SectionSchedule, snapshot.SectionQuests, snapshot.SectionHabits} {
			if msg, failed := snap.Errors[section]; failed {
				bundle.Thoughts = append(bundle.Thoughts, fmt.Sprintf("Snapshot section %s unavailable: %s", section, msg))
			}
		}
	}

	// PLAN
	notifyStatus(ctx, threadID, StatusPlanning, e.planModel(images))
	planned, err := e.plan(ctx, threadID, thread, text, images, snap)
	if err != nil {
		if model.IsModelUnavailable(err) {
			return nil, err
		}
		bundle.Thoughts = append(bundle.Thoughts, "Planning failed: "+err.Error())
		bundle.Reflection = model.Reflection{Summary: "Planning failed; no actions were taken.", Success: false}
		bundle.Reply = fallbackReply
		e.respond(ctx, threadID, bundle)
		return bundle, nil
	}
	bundle.Thoughts = append(bundle.Thoughts, planned.Thoughts...)
	bundle.Plan = append(bundle.Plan, planned.Plan.Steps...)

	// ACT
	if len(planned.ToolCalls) > 0 {
		notifyStatus(ctx, threadID, StatusActing, fmt.Sprintf("%d tool call(s)", len(planned.ToolCalls)))
		bundle.ToolCalls = e.act(ctx, threadID, planned.ToolCalls)
	}

	// REFLECT
	notifyStatus(ctx, threadID, StatusReflecting, e.cfg.ReflectModel)
	reflected := e.reflect(ctx, threadID, text, planned, bundle.ToolCalls)
	bundle.Reflection = reflected.Reflection
	bundle.Thoughts = append(bundle.Thoughts, reflected.Thoughts...)
	bundle.Reply = composeReply(planned, reflected, bundle.ToolCalls)

	// LEARN
	if len(reflected.Learnings) > 0 {
		notifyStatus(ctx, threadID, StatusLearning, "")
		learned, thoughts := e.learn(ctx, threadID, reflected.Learnings)
		bundle.Learnings = append(bundle.Learnings, learned...)
		bundle.Thoughts = append(bundle.Thoughts, thoughts...)
	}

	// RESPOND
	e.respond(ctx, threadID, bundle)
	return bundle, nil
}

// respond appends the agent reply to the thread
func (e *Engine) respond(ctx context.Context, threadID string, bundle *Bundle) {
	if err := e.threads.Append(ctx, threadID, model.NewAgentMessage(bundle.Reply)); err != nil {
		log.Log.Errorf("[Engine] ❌ Failed to store reply | ThreadID: %s | Error: %v", threadID, err)
		bundle.Thoughts = append(bundle.Thoughts, "Could not store the reply: "+err.Error())
	}
}

func (e *Engine) planModel(images []model.Image) string {
	if len(images) > 0 {
		return e.cfg.VisionModel
	}
	return e.cfg.Model
}

// composeReply prefers the reflection's reply, written after the tool calls
// ran. When the reflection was synthesized locally, the planner's reply is
// used and any unfinished calls are reported below it.
func composeReply(planned *planOutcome, reflected *reflectOutcome, calls []model.ToolCall) string {
	if reflected.Reply != "" {
		return reflected.Reply
	}

	reply := planned.Reply
	if note := outcomeNote(calls); note != "" {
		if reply == "" {
			return note
		}
		return reply + "\n\n" + note
	}
	if reply == "" {
		return fallbackReply
	}
	return reply
}

// outcomeNote describes every call that did not succeed
func outcomeNote(calls []model.ToolCall) string {
	var lines []string
	for _, tc := range calls {
		switch tc.Status {
		case model.ToolCallSucceeded:
			continue
		case model.ToolCallPendingConfirmation:
			lines = append(lines, fmt.Sprintf("- %s is waiting for your confirmation (proposal %s)", tc.Operation, tc.ProposalID))
		default:
			lines = append(lines, fmt.Sprintf("- %s %s: %s", tc.Operation, tc.Status, tc.Error))
		}
	}
	if len(lines) == 0 {
		return ""
	}
	return "Not everything went through:\n" + strings.Join(lines, "\n")
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
