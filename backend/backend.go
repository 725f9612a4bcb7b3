// Package backend is the capability interface to the task, schedule, quest,
// habit, note and expense stores the agent reads and mutates.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist
var ErrNotFound = errors.New("record not found")

// Task is an open item in the task store
type Task struct {
	ID          int64  `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	// Level is the ordinal level: 1 main, 2 sub, 3 subsub
	Level    int    `json:"level"`
	Status   string `json:"status"`
	Horizon  string `json:"horizon,omitempty"`
	DueDate  string `json:"dueDate,omitempty"`
	ParentID int64  `json:"parentId,omitempty"`
}

// Event is a schedule entry
type Event struct {
	ID    int64     `json:"id"`
	Title string    `json:"title"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end,omitempty"`
	Notes string    `json:"notes,omitempty"`
}

// Quest is a long-running goal
type Quest struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	Progress int    `json:"progress"` // percent
	Status   string `json:"status"`
}

// Habit is a recurring behaviour being tracked
type Habit struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Frequency string `json:"frequency"`
	Streak    int    `json:"streak"`
}

// TaskInput carries the fields of a new task
type TaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Level       int    `json:"level"`
	Horizon     string `json:"horizon,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	ParentID    int64  `json:"parentId,omitempty"`
}

// TaskPatch is a partial update; nil fields are left unchanged
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty"`
	Level       *int    `json:"level,omitempty"`
	Horizon     *string `json:"horizon,omitempty"`
	DueDate     *string `json:"dueDate,omitempty"`
}

// NoteInput carries the fields of a new note
type NoteInput struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// ExpenseInput carries one expense record
type ExpenseInput struct {
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Category    string  `json:"category,omitempty"`
	Merchant    string  `json:"merchant,omitempty"`
	Date        string  `json:"date,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Reader is the read-only side used to build context snapshots
type Reader interface {
	ListOpenTasks(ctx context.Context) ([]Task, error)
	ListSchedule(ctx context.Context, from, to time.Time) ([]Event, error)
	ListActiveQuests(ctx context.Context) ([]Quest, error)
	ListActiveHabits(ctx context.Context) ([]Habit, error)
}

// Writer is the mutating side driven by the action executor
type Writer interface {
	CreateTask(ctx context.Context, in TaskInput) (int64, error)
	UpdateTask(ctx context.Context, id int64, patch TaskPatch) error
	CreateNote(ctx context.Context, in NoteInput) (int64, error)
	CreateExpense(ctx context.Context, in ExpenseInput) (int64, error)
}

// Backend combines both sides
type Backend interface {
	Reader
	Writer
}
