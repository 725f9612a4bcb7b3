package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ghiac/questmind/backend"
)

var fixedNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func seededBackend() *backend.MemoryBackend {
	m := backend.NewMemoryBackend()
	m.SeedTask(backend.Task{Title: "Ship release", Level: 1, Horizon: "today", DueDate: "2026-03-10"})
	m.SeedTask(backend.Task{Title: "Write changelog", Level: 2, Horizon: "today"})
	m.SeedTask(backend.Task{Title: "Plan offsite", Level: 1, Horizon: "month"})
	m.SeedTask(backend.Task{Title: "Learn Rust", Level: 1, Horizon: "eventually"})
	m.SeedTask(backend.Task{Title: "Old chore", Level: 1, Horizon: "today", Status: "done"})
	m.SeedEvents(
		backend.Event{ID: 1, Title: "Standup", Start: fixedNow.Add(time.Hour)},
		backend.Event{ID: 2, Title: "Dentist", Start: fixedNow.AddDate(0, 0, 2)},
		backend.Event{ID: 3, Title: "Next month", Start: fixedNow.AddDate(0, 1, 0)},
	)
	m.SeedQuests(backend.Quest{ID: 1, Title: "Run 10k", Progress: 30, Status: "active"})
	m.SeedHabits(backend.Habit{ID: 1, Name: "Meditate", Frequency: "daily", Streak: 4})
	return m
}

func TestBuild_GroupsSections(t *testing.T) {
	b := &Builder{Backend: seededBackend(), Now: func() time.Time { return fixedNow }}
	snap := b.Build(context.Background())

	if len(snap.Errors) != 0 {
		t.Fatalf("Unexpected section errors: %v", snap.Errors)
	}
	today := snap.TasksByHorizon["today"]
	if len(today) != 2 {
		t.Fatalf("Expected 2 open tasks today, got %+v", today)
	}
	if today[0].Title != "Ship release" {
		t.Errorf("Dated task should sort first, got %q", today[0].Title)
	}
	if len(snap.TasksByHorizon["someday"]) != 1 || snap.TasksByHorizon["someday"][0].Title != "Learn Rust" {
		t.Errorf("Unknown horizon should fall into someday: %+v", snap.TasksByHorizon["someday"])
	}
	if len(snap.TasksByHorizon["week"]) != 0 {
		t.Errorf("Week should be empty: %+v", snap.TasksByHorizon["week"])
	}
	if len(snap.Today) != 1 || snap.Today[0].Title != "Standup" {
		t.Errorf("Today = %+v", snap.Today)
	}
	if len(snap.Week) != 1 || snap.Week[0].Title != "Dentist" {
		t.Errorf("Week = %+v", snap.Week)
	}
	if len(snap.Quests) != 1 || len(snap.Habits) != 1 {
		t.Errorf("Quests/habits missing: %+v %+v", snap.Quests, snap.Habits)
	}
}

func TestBuild_FailingSectionRendersEmpty(t *testing.T) {
	m := seededBackend()
	m.FailOn("ListActiveQuests", errors.New("quests service down"))
	m.FailOn("ListSchedule", errors.New("calendar timeout"))

	snap := (&Builder{Backend: m, Now: func() time.Time { return fixedNow }}).Build(context.Background())

	if snap.Errors[SectionQuests] == "" || snap.Errors[SectionSchedule] == "" {
		t.Fatalf("Failed sections should be recorded: %v", snap.Errors)
	}
	if snap.Quests == nil || len(snap.Quests) != 0 {
		t.Errorf("Failed quests section should be empty, not nil: %+v", snap.Quests)
	}
	if len(snap.TasksByHorizon["today"]) != 2 {
		t.Error("Healthy sections must still be filled")
	}

	text := snap.Render()
	if !strings.Contains(text, "quests unavailable: quests service down") {
		t.Errorf("Render should mention the unavailable section:\n%s", text)
	}
	if !strings.Contains(text, "Ship release") {
		t.Errorf("Render should still include tasks:\n%s", text)
	}
}

func TestBuild_RecomputesEveryCall(t *testing.T) {
	m := seededBackend()
	b := &Builder{Backend: m, Now: func() time.Time { return fixedNow }}
	b.Build(context.Background())
	m.SeedTask(backend.Task{Title: "Fresh", Level: 1, Horizon: "week"})
	snap := b.Build(context.Background())
	if len(snap.TasksByHorizon["week"]) != 1 {
		t.Error("Second build should see the new task")
	}
	if m.Calls("ListOpenTasks") != 2 {
		t.Errorf("Expected 2 backend reads, got %d", m.Calls("ListOpenTasks"))
	}
}

func TestDocumentIsJSONWithEmptyLists(t *testing.T) {
	m := backend.NewMemoryBackend()
	snap := (&Builder{Backend: m, Now: func() time.Time { return fixedNow }}).Build(context.Background())

	data, err := json.Marshal(snap.Document())
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "null") {
		t.Errorf("Empty sections should encode as [], got %s", data)
	}
	if !strings.Contains(snap.Render(), "(none)") {
		t.Error("Empty sections should render as (none)")
	}
}
