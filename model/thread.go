package model

import (
	"strings"
	"time"
	"unicode"
)

// DefaultThreadID is used when a request carries no thread identifier
const DefaultThreadID = "default"

// Thread is the conversation history for one thread id plus the learnings
// accumulated on it. Messages are append-only in arrival order.
type Thread struct {
	ID        string     `json:"id" bson:"_id"`
	Messages  []Message  `json:"messages" bson:"messages"`
	Learnings []Learning `json:"learnings" bson:"learnings"`
	CreatedAt time.Time  `json:"createdAt" bson:"created_at"`
	UpdatedAt time.Time  `json:"updatedAt" bson:"updated_at"`
}

// NewThread creates an empty thread
func NewThread(id string) *Thread {
	now := time.Now().UTC()
	return &Thread{
		ID:        ResolveThreadID(id),
		Messages:  []Message{},
		Learnings: []Learning{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ResolveThreadID maps an empty or blank id to DefaultThreadID
func ResolveThreadID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultThreadID
	}
	return id
}

// Clone returns a deep copy safe to hand out of a store
func (t *Thread) Clone() *Thread {
	if t == nil {
		return nil
	}
	out := *t
	out.Messages = make([]Message, len(t.Messages))
	for i, m := range t.Messages {
		if len(m.Attachments) > 0 {
			m.Attachments = append([]Image(nil), m.Attachments...)
		}
		out.Messages[i] = m
	}
	out.Learnings = append([]Learning{}, t.Learnings...)
	return &out
}

// Recent returns at most n of the newest messages
func (t *Thread) Recent(n int) []Message {
	if n <= 0 || len(t.Messages) <= n {
		return t.Messages
	}
	return t.Messages[len(t.Messages)-n:]
}

// HasLearning reports whether a learning with the same normalized text exists
func (t *Thread) HasLearning(text string) bool {
	key := NormalizeLearning(text)
	for _, l := range t.Learnings {
		if l.Key == key {
			return true
		}
	}
	return false
}

// LearningTexts returns the learning texts in insertion order
func (t *Thread) LearningTexts() []string {
	out := make([]string, 0, len(t.Learnings))
	for _, l := range t.Learnings {
		out = append(out, l.Text)
	}
	return out
}

// Learning is a short durable note derived from a past interaction
type Learning struct {
	Text      string    `json:"text" bson:"text"`
	Key       string    `json:"-" bson:"key"`
	CreatedAt time.Time `json:"createdAt" bson:"created_at"`
}

// NewLearning creates a learning with its dedup key computed
func NewLearning(text string) Learning {
	text = strings.TrimSpace(text)
	return Learning{
		Text:      text,
		Key:       NormalizeLearning(text),
		CreatedAt: time.Now().UTC(),
	}
}

// NormalizeLearning produces the comparison key for learnings: lower case,
// whitespace runs collapsed to one space, trailing sentence punctuation dropped.
func NormalizeLearning(text string) string {
	fields := strings.FieldsFunc(strings.ToLower(text), unicode.IsSpace)
	key := strings.Join(fields, " ")
	return strings.TrimRight(key, ".!")
}
