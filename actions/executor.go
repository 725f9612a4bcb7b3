package actions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ghiac/questmind/backend"
	"github.com/ghiac/questmind/log"
	"github.com/ghiac/questmind/metrics"
	"github.com/ghiac/questmind/model"
	"github.com/google/uuid"
)

// Result is the outcome of a successfully executed operation
type Result struct {
	Operation string         `json:"operation"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data"`
}

// Proposal is an operation awaiting confirmation. Nothing has been mutated yet.
type Proposal struct {
	ID        string          `json:"id"`
	Operation model.Operation `json:"operation"`
	Params    Params          `json:"params"`
	CreatedAt time.Time       `json:"createdAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// ExecutorOptions configures an Executor
type ExecutorOptions struct {
	// ProposalTTL bounds how long a proposal can wait for confirmation (default 30m)
	ProposalTTL time.Duration
	// DefaultCurrency fills create_expense calls without a currency (default USD)
	DefaultCurrency string
	Metrics         *metrics.Metrics
	// Now is the clock, overridable in tests
	Now func() time.Time
}

// Executor turns validated operations into backend mutations.
// Mutations go through Propose then Confirm, or straight through Execute when
// the caller already holds the user's confirmation. There is no retry.
type Executor struct {
	backend backend.Writer
	opts    ExecutorOptions

	mu        sync.Mutex
	proposals map[string]*Proposal
}

// NewExecutor creates an executor over the given backend
func NewExecutor(b backend.Writer, opts ExecutorOptions) *Executor {
	if opts.ProposalTTL <= 0 {
		opts.ProposalTTL = 30 * time.Minute
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Executor{
		backend:   b,
		opts:      opts,
		proposals: make(map[string]*Proposal),
	}
}

// Propose records an operation for later confirmation
func (e *Executor) Propose(p Params) *Proposal {
	now := e.opts.Now()
	proposal := &Proposal{
		ID:        uuid.NewString(),
		Operation: p.Operation(),
		Params:    p,
		CreatedAt: now,
		ExpiresAt: now.Add(e.opts.ProposalTTL),
	}

	e.mu.Lock()
	e.proposals[proposal.ID] = proposal
	e.mu.Unlock()

	log.Log.Debugf("[Executor] 📝 Proposed %s | ProposalID: %s", proposal.Operation, proposal.ID)
	return proposal
}

// Pending returns a proposal that is still awaiting confirmation
func (e *Executor) Pending(id string) (*Proposal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.proposals[id]
	if !ok || !e.opts.Now().Before(p.ExpiresAt) {
		return nil, false
	}
	return p, true
}

// Confirm consumes the proposal and executes it. A proposal executes at most
// once: a second Confirm returns *model.ProposalNotFoundError.
func (e *Executor) Confirm(ctx context.Context, id string) (*Result, error) {
	e.mu.Lock()
	p, ok := e.proposals[id]
	if ok {
		delete(e.proposals, id)
	}
	e.mu.Unlock()

	if !ok || !e.opts.Now().Before(p.ExpiresAt) {
		return nil, &model.ProposalNotFoundError{ProposalID: id}
	}
	return e.Execute(ctx, p.Params)
}

// Reject drops a pending proposal without executing it
func (e *Executor) Reject(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.proposals[id]; !ok {
		return &model.ProposalNotFoundError{ProposalID: id}
	}
	delete(e.proposals, id)
	log.Log.Infof("[Executor] 🚫 Proposal rejected | ProposalID: %s", id)
	return nil
}

// PruneExpired removes proposals past their TTL and returns how many were dropped
func (e *Executor) PruneExpired() int {
	now := e.opts.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, p := range e.proposals {
		if !now.Before(p.ExpiresAt) {
			delete(e.proposals, id)
			n++
		}
	}
	return n
}

// Execute performs one backend call for p. Backend failures are returned as
// *model.ExecutionError carrying the operation name and the backend's error.
func (e *Executor) Execute(ctx context.Context, p Params) (*Result, error) {
	if p == nil || !p.Operation().Valid() {
		return nil, fmt.Errorf("cannot execute nil or invalid params")
	}
	op := p.Operation()

	start := time.Now()
	result, err := handlers[op](ctx, e, p)
	elapsed := time.Since(start)

	if err != nil {
		e.opts.Metrics.ObserveToolCall(op.String(), string(model.ToolCallFailed), elapsed)
		log.Log.Warnf("[Executor] ❌ %s failed | Duration: %v | Error: %v", op, elapsed, err)
		return nil, &model.ExecutionError{Operation: op.String(), Err: err}
	}

	e.opts.Metrics.ObserveToolCall(op.String(), string(model.ToolCallSucceeded), elapsed)
	log.Log.Infof("[Executor] ✅ %s | Duration: %v | Data: %v", op, elapsed, result.Data)
	return result, nil
}

type handlerFunc func(ctx context.Context, e *Executor, p Params) (*Result, error)

// handlers is indexed by operation; init verifies every operation has one.
var handlers = [model.NumOperations]handlerFunc{
	model.OpCreateTask:    execCreateTask,
	model.OpUpdateTask:    execUpdateTask,
	model.OpCreateNote:    execCreateNote,
	model.OpCreateExpense: execCreateExpense,
}

func init() {
	for _, op := range model.Operations() {
		if handlers[op] == nil {
			panic("actions: no executor handler for " + op.String())
		}
	}
}

func execCreateTask(ctx context.Context, e *Executor, p Params) (*Result, error) {
	params := p.(CreateTaskParams)
	id, err := e.backend.CreateTask(ctx, backend.TaskInput{
		Title:       params.Title,
		Description: params.Description,
		Level:       params.Level.Ordinal(),
		Horizon:     params.Horizon,
		DueDate:     params.DueDate,
		ParentID:    params.ParentID,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Operation: model.OpCreateTask.String(),
		Message:   fmt.Sprintf("Created task %q", params.Title),
		Data:      map[string]any{"id": id, "level": params.Level.Ordinal()},
	}, nil
}

func execUpdateTask(ctx context.Context, e *Executor, p Params) (*Result, error) {
	params := p.(UpdateTaskParams)
	patch := backend.TaskPatch{
		Title:       params.Title,
		Description: params.Description,
		Status:      params.Status,
		Horizon:     params.Horizon,
		DueDate:     params.DueDate,
	}
	if params.Level != nil {
		ordinal := params.Level.Ordinal()
		patch.Level = &ordinal
	}
	if err := e.backend.UpdateTask(ctx, params.ID, patch); err != nil {
		return nil, err
	}
	return &Result{
		Operation: model.OpUpdateTask.String(),
		Message:   fmt.Sprintf("Updated task %d", params.ID),
		Data:      map[string]any{"id": params.ID, "success": true},
	}, nil
}

func execCreateNote(ctx context.Context, e *Executor, p Params) (*Result, error) {
	params := p.(CreateNoteParams)
	id, err := e.backend.CreateNote(ctx, backend.NoteInput{Title: params.Title, Content: params.Content})
	if err != nil {
		return nil, err
	}
	return &Result{
		Operation: model.OpCreateNote.String(),
		Message:   "Saved note",
		Data:      map[string]any{"id": id},
	}, nil
}

func execCreateExpense(ctx context.Context, e *Executor, p Params) (*Result, error) {
	params := p.(CreateExpenseParams)
	currency := params.Currency
	if currency == "" {
		currency = e.opts.DefaultCurrency
	}
	id, err := e.backend.CreateExpense(ctx, backend.ExpenseInput{
		Amount:      params.Amount,
		Currency:    currency,
		Category:    params.Category,
		Merchant:    params.Merchant,
		Date:        params.Date,
		Description: params.Description,
	})
	if err != nil {
		return nil, err
	}
	return &Result{
		Operation: model.OpCreateExpense.String(),
		Message:   fmt.Sprintf("Recorded expense %.2f %s", params.Amount, currency),
		Data:      map[string]any{"id": id, "amount": params.Amount, "currency": currency},
	}, nil
}
