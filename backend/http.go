package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ghiac/questmind/log"
)

// HTTPBackendConfig holds the REST backend connection settings
type HTTPBackendConfig struct {
	BaseURL    string        // e.g. "http://localhost:3000/api"
	Token      string        // sent as Bearer token when set
	Timeout    time.Duration // per request, default 15s
	HTTPClient *http.Client  // optional
}

// HTTPBackend talks to the task/schedule REST API
type HTTPBackend struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPBackend creates a REST backend client
func NewHTTPBackend(config HTTPBackendConfig) (*HTTPBackend, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}

	return &HTTPBackend{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		client:  client,
	}, nil
}

// CreateTask posts a new task and returns its id
func (b *HTTPBackend) CreateTask(ctx context.Context, in TaskInput) (int64, error) {
	return b.create(ctx, "/tasks", in)
}

// UpdateTask patches an existing task
func (b *HTTPBackend) UpdateTask(ctx context.Context, id int64, patch TaskPatch) error {
	var resp struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	path := "/tasks/" + strconv.FormatInt(id, 10)
	if err := b.do(ctx, http.MethodPatch, path, patch, &resp); err != nil {
		return err
	}
	if !resp.Success {
		if resp.Error != "" {
			return fmt.Errorf("update rejected: %s", resp.Error)
		}
		return fmt.Errorf("update rejected by backend")
	}
	return nil
}

// CreateNote posts a new note and returns its id
func (b *HTTPBackend) CreateNote(ctx context.Context, in NoteInput) (int64, error) {
	return b.create(ctx, "/notes", in)
}

// CreateExpense posts an expense record and returns its id
func (b *HTTPBackend) CreateExpense(ctx context.Context, in ExpenseInput) (int64, error) {
	return b.create(ctx, "/expenses", in)
}

// ListOpenTasks fetches tasks that are not done
func (b *HTTPBackend) ListOpenTasks(ctx context.Context) ([]Task, error) {
	var tasks []Task
	err := b.list(ctx, "/tasks?status=open", &tasks)
	return tasks, err
}

// ListSchedule fetches events in [from, to)
func (b *HTTPBackend) ListSchedule(ctx context.Context, from, to time.Time) ([]Event, error) {
	q := url.Values{}
	q.Set("from", from.Format(time.RFC3339))
	q.Set("to", to.Format(time.RFC3339))
	var events []Event
	err := b.list(ctx, "/schedule?"+q.Encode(), &events)
	return events, err
}

// ListActiveQuests fetches quests in progress
func (b *HTTPBackend) ListActiveQuests(ctx context.Context) ([]Quest, error) {
	var quests []Quest
	err := b.list(ctx, "/quests?status=active", &quests)
	return quests, err
}

// ListActiveHabits fetches tracked habits
func (b *HTTPBackend) ListActiveHabits(ctx context.Context) ([]Habit, error) {
	var habits []Habit
	err := b.list(ctx, "/habits?active=true", &habits)
	return habits, err
}

func (b *HTTPBackend) create(ctx context.Context, path string, body any) (int64, error) {
	var resp struct {
		ID json.Number `json:"id"`
	}
	if err := b.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return 0, err
	}
	id, err := resp.ID.Int64()
	if err != nil {
		return 0, fmt.Errorf("backend returned invalid id %q", resp.ID)
	}
	return id, nil
}

// list decodes either a bare JSON array or an envelope {"data": [...]}
func (b *HTTPBackend) list(ctx context.Context, path string, out any) error {
	var raw json.RawMessage
	if err := b.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return err
	}
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(raw, &envelope); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
		raw = envelope.Data
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func (b *HTTPBackend) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: failed to read response: %w", method, path, err)
	}
	log.Log.Debugf("[Backend] %s %s -> %d (%s)", method, path, resp.StatusCode, time.Since(start))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, errorText(payload))
	}
	if out == nil || len(payload) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("%s %s: failed to decode response: %w", method, path, err)
	}
	return nil
}

// errorText pulls {"error": "..."} out of a failure body, falling back to the raw text
func errorText(payload []byte) string {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload, &body); err == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}
	text := strings.TrimSpace(string(payload))
	if len(text) > 200 {
		text = text[:200] + "..."
	}
	return text
}
