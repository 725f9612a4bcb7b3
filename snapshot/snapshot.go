// Package snapshot builds the read-only view of the user's open tasks,
// schedule, quests and habits that grounds every planning call.
package snapshot

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ghiac/questmind/backend"
	"github.com/ghiac/questmind/log"
	"golang.org/x/sync/errgroup"
)

// Section names, also used as keys of Snapshot.Errors
const (
	SectionTasks    = "tasks"
	SectionSchedule = "schedule"
	SectionQuests   = "quests"
	SectionHabits   = "habits"
)

// Horizons in rendering order; tasks with an unknown horizon land in "someday"
var Horizons = []string{"today", "week", "month", "someday"}

// Snapshot is the context document for one invocation. It is never cached.
type Snapshot struct {
	GeneratedAt    time.Time                 `json:"generatedAt"`
	TasksByHorizon map[string][]backend.Task `json:"tasksByHorizon"`
	Today          []backend.Event           `json:"today"`
	Week           []backend.Event           `json:"week"`
	Quests         []backend.Quest           `json:"quests"`
	Habits         []backend.Habit           `json:"habits"`
	// Errors holds the failure text of sections that rendered empty
	Errors map[string]string `json:"errors,omitempty"`
}

// Builder fetches snapshot sections from a backend
type Builder struct {
	Backend backend.Reader
	// Now is the clock, overridable in tests
	Now func() time.Time
	// Timeout bounds the whole build; zero means no extra bound
	Timeout time.Duration
}

// NewBuilder creates a builder over the given backend reader
func NewBuilder(r backend.Reader, timeout time.Duration) *Builder {
	return &Builder{Backend: r, Now: time.Now, Timeout: timeout}
}

// Build fetches all sections concurrently. A failing section is left empty
// and its error recorded; Build itself never fails.
func (b *Builder) Build(ctx context.Context) *Snapshot {
	now := time.Now()
	if b.Now != nil {
		now = b.Now()
	}
	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	snap := &Snapshot{
		GeneratedAt:    now,
		TasksByHorizon: make(map[string][]backend.Task, len(Horizons)),
		Today:          []backend.Event{},
		Week:           []backend.Event{},
		Quests:         []backend.Quest{},
		Habits:         []backend.Habit{},
	}
	for _, h := range Horizons {
		snap.TasksByHorizon[h] = []backend.Task{}
	}

	var mu sync.Mutex
	fail := func(section string, err error) {
		log.Log.Warnf("[Snapshot] ⚠️  Section %s unavailable: %v", section, err)
		mu.Lock()
		defer mu.Unlock()
		if snap.Errors == nil {
			snap.Errors = make(map[string]string)
		}
		snap.Errors[section] = err.Error()
	}

	// Section goroutines never return an error so one failure cannot cancel the others.
	var g errgroup.Group

	g.Go(func() error {
		tasks, err := b.Backend.ListOpenTasks(ctx)
		if err != nil {
			fail(SectionTasks, err)
			return nil
		}
		grouped := groupByHorizon(tasks)
		mu.Lock()
		snap.TasksByHorizon = grouped
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		dayEnd := dayStart.AddDate(0, 0, 1)
		weekEnd := dayStart.AddDate(0, 0, 7)
		events, err := b.Backend.ListSchedule(ctx, dayStart, weekEnd)
		if err != nil {
			fail(SectionSchedule, err)
			return nil
		}
		today, week := []backend.Event{}, []backend.Event{}
		for _, e := range events {
			if e.Start.Before(dayEnd) {
				today = append(today, e)
			} else {
				week = append(week, e)
			}
		}
		mu.Lock()
		snap.Today, snap.Week = today, week
		mu.Unlock()
		return nil
	})

	g.Go(func() error {
		quests, err := b.Backend.ListActiveQuests(ctx)
		if err != nil {
			fail(SectionQuests, err)
			return nil
		}
		if quests != nil {
			mu.Lock()
			snap.Quests = quests
			mu.Unlock()
		}
		return nil
	})

	g.Go(func() error {
		habits, err := b.Backend.ListActiveHabits(ctx)
		if err != nil {
			fail(SectionHabits, err)
			return nil
		}
		if habits != nil {
			mu.Lock()
			snap.Habits = habits
			mu.Unlock()
		}
		return nil
	})

	g.Wait()
	return snap
}

func groupByHorizon(tasks []backend.Task) map[string][]backend.Task {
	out := make(map[string][]backend.Task, len(Horizons))
	for _, h := range Horizons {
		out[h] = []backend.Task{}
	}
	for _, t := range tasks {
		h := strings.ToLower(strings.TrimSpace(t.Horizon))
		if _, ok := out[h]; !ok {
			h = "someday"
		}
		out[h] = append(out[h], t)
	}
	for _, list := range out {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].DueDate != list[j].DueDate {
				// undated tasks sort last
				if list[i].DueDate == "" {
					return false
				}
				if list[j].DueDate == "" {
					return true
				}
				return list[i].DueDate < list[j].DueDate
			}
			return list[i].ID < list[j].ID
		})
	}
	return out
}

// Document returns the structured form of the snapshot
func (s *Snapshot) Document() map[string]any {
	doc := map[string]any{
		"generatedAt": s.GeneratedAt.Format(time.RFC3339),
		"tasks":       s.TasksByHorizon,
		"schedule":    map[string]any{"today": s.Today, "week": s.Week},
		"quests":      s.Quests,
		"habits":      s.Habits,
	}
	if len(s.Errors) > 0 {
		doc["unavailable"] = s.Errors
	}
	return doc
}

var levelMarks = map[int]string{1: "", 2: "  ", 3: "    "}

// Render produces the markdown text given to the model
func (s *Snapshot) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Current context (%s)\n", s.GeneratedAt.Format("Monday 2006-01-02 15:04"))

	sb.WriteString("\n## Open tasks\n")
	for _, h := range Horizons {
		tasks := s.TasksByHorizon[h]
		fmt.Fprintf(&sb, "### %s\n", strings.ToUpper(h[:1])+h[1:])
		if len(tasks) == 0 {
			sb.WriteString("- (none)\n")
			continue
		}
		for _, t := range tasks {
			fmt.Fprintf(&sb, "%s- [#%d] %s", levelMarks[t.Level], t.ID, t.Title)
			if t.Status != "" && t.Status != "open" {
				fmt.Fprintf(&sb, " (%s)", t.Status)
			}
			if t.DueDate != "" {
				fmt.Fprintf(&sb, " due %s", t.DueDate)
			}
			sb.WriteString("\n")
		}
	}
	s.renderUnavailable(&sb, SectionTasks)

	sb.WriteString("\n## Schedule today\n")
	renderEvents(&sb, s.Today, "15:04")
	sb.WriteString("\n## Later this week\n")
	renderEvents(&sb, s.Week, "Mon 15:04")
	s.renderUnavailable(&sb, SectionSchedule)

	sb.WriteString("\n## Active quests\n")
	if len(s.Quests) == 0 {
		sb.WriteString("- (none)\n")
	}
	for _, q := range s.Quests {
		fmt.Fprintf(&sb, "- [#%d] %s (%d%%)\n", q.ID, q.Title, q.Progress)
	}
	s.renderUnavailable(&sb, SectionQuests)

	sb.WriteString("\n## Habits\n")
	if len(s.Habits) == 0 {
		sb.WriteString("- (none)\n")
	}
	for _, h := range s.Habits {
		fmt.Fprintf(&sb, "- %s, %s, streak %d\n", h.Name, h.Frequency, h.Streak)
	}
	s.renderUnavailable(&sb, SectionHabits)

	return sb.String()
}

func renderEvents(sb *strings.Builder, events []backend.Event, layout string) {
	if len(events) == 0 {
		sb.WriteString("- (none)\n")
		return
	}
	for _, e := range events {
		fmt.Fprintf(sb, "- %s %s\n", e.Start.Format(layout), e.Title)
	}
}

func (s *Snapshot) renderUnavailable(sb *strings.Builder, section string) {
	if msg, ok := s.Errors[section]; ok {
		fmt.Fprintf(sb, "_(%s unavailable: %s)_\n", section, msg)
	}
}
