package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend used for local runs and tests.
// Failures can be injected per method name with FailOn.
type MemoryBackend struct {
	mu       sync.RWMutex
	nextID   int64
	tasks    map[int64]Task
	notes    map[int64]NoteInput
	expenses map[int64]ExpenseInput
	events   []Event
	quests   []Quest
	habits   []Habit
	failures map[string]error
	calls    map[string]int
}

// NewMemoryBackend creates an empty in-memory backend
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		tasks:    make(map[int64]Task),
		notes:    make(map[int64]NoteInput),
		expenses: make(map[int64]ExpenseInput),
		failures: make(map[string]error),
		calls:    make(map[string]int),
	}
}

// FailOn makes every call to method return err; a nil err clears it
func (m *MemoryBackend) FailOn(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, method)
		return
	}
	m.failures[method] = err
}

// Calls returns how many times method was invoked
func (m *MemoryBackend) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// SeedTask inserts a task as-is and returns its id
func (m *MemoryBackend) SeedTask(t Task) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t.ID = m.nextID
	if t.Status == "" {
		t.Status = "open"
	}
	m.tasks[t.ID] = t
	return t.ID
}

// SeedEvents, SeedQuests and SeedHabits replace the read-only collections
func (m *MemoryBackend) SeedEvents(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append([]Event(nil), events...)
}

func (m *MemoryBackend) SeedQuests(quests ...Quest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quests = append([]Quest(nil), quests...)
}

func (m *MemoryBackend) SeedHabits(habits ...Habit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.habits = append([]Habit(nil), habits...)
}

// Task returns a stored task
func (m *MemoryBackend) Task(id int64) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

// Expenses returns stored expenses ordered by id
func (m *MemoryBackend) Expenses() []ExpenseInput {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]int64, 0, len(m.expenses))
	for id := range m.expenses {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]ExpenseInput, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.expenses[id])
	}
	return out
}

// enter records the call and returns an injected failure; caller holds m.mu
func (m *MemoryBackend) enter(method string) error {
	m.calls[method]++
	return m.failures[method]
}

func (m *MemoryBackend) CreateTask(ctx context.Context, in TaskInput) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateTask"); err != nil {
		return 0, err
	}
	if in.ParentID != 0 {
		if _, ok := m.tasks[in.ParentID]; !ok {
			return 0, fmt.Errorf("parent task %d: %w", in.ParentID, ErrNotFound)
		}
	}
	m.nextID++
	m.tasks[m.nextID] = Task{
		ID:          m.nextID,
		Title:       in.Title,
		Description: in.Description,
		Level:       in.Level,
		Status:      "open",
		Horizon:     in.Horizon,
		DueDate:     in.DueDate,
		ParentID:    in.ParentID,
	}
	return m.nextID, nil
}

func (m *MemoryBackend) UpdateTask(ctx context.Context, id int64, patch TaskPatch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateTask"); err != nil {
		return err
	}
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.Level != nil {
		t.Level = *patch.Level
	}
	if patch.Horizon != nil {
		t.Horizon = *patch.Horizon
	}
	if patch.DueDate != nil {
		t.DueDate = *patch.DueDate
	}
	m.tasks[id] = t
	return nil
}

func (m *MemoryBackend) CreateNote(ctx context.Context, in NoteInput) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateNote"); err != nil {
		return 0, err
	}
	m.nextID++
	m.notes[m.nextID] = in
	return m.nextID, nil
}

func (m *MemoryBackend) CreateExpense(ctx context.Context, in ExpenseInput) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateExpense"); err != nil {
		return 0, err
	}
	m.nextID++
	m.expenses[m.nextID] = in
	return m.nextID, nil
}

func (m *MemoryBackend) ListOpenTasks(ctx context.Context) ([]Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListOpenTasks"); err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.Status != "done" {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryBackend) ListSchedule(ctx context.Context, from, to time.Time) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListSchedule"); err != nil {
		return nil, err
	}
	var out []Event
	for _, e := range m.events {
		if !e.Start.Before(from) && e.Start.Before(to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (m *MemoryBackend) ListActiveQuests(ctx context.Context) ([]Quest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListActiveQuests"); err != nil {
		return nil, err
	}
	var out []Quest
	for _, q := range m.quests {
		if q.Status == "" || q.Status == "active" {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *MemoryBackend) ListActiveHabits(ctx context.Context) ([]Habit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListActiveHabits"); err != nil {
		return nil, err
	}
	return append([]Habit(nil), m.habits...), nil
}
