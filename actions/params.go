package actions

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/ghiac/questmind/model"
)

// Params is a validated, typed parameter set for one operation
type Params interface {
	Operation() model.Operation
}

// CreateTaskParams are the validated fields of create_task
type CreateTaskParams struct {
	Title       string          `json:"title"`
	Description string          `json:"description,omitempty"`
	Level       model.TaskLevel `json:"level"`
	Horizon     string          `json:"horizon,omitempty"`
	DueDate     string          `json:"dueDate,omitempty"`
	ParentID    int64           `json:"parentId,omitempty"`
}

func (CreateTaskParams) Operation() model.Operation { return model.OpCreateTask }

// UpdateTaskParams are the validated fields of update_task; nil means unchanged
type UpdateTaskParams struct {
	ID          int64            `json:"id"`
	Title       *string          `json:"title,omitempty"`
	Description *string          `json:"description,omitempty"`
	Status      *string          `json:"status,omitempty"`
	Level       *model.TaskLevel `json:"level,omitempty"`
	Horizon     *string          `json:"horizon,omitempty"`
	DueDate     *string          `json:"dueDate,omitempty"`
}

func (UpdateTaskParams) Operation() model.Operation { return model.OpUpdateTask }

// CreateNoteParams are the validated fields of create_note
type CreateNoteParams struct {
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

func (CreateNoteParams) Operation() model.Operation { return model.OpCreateNote }

// CreateExpenseParams are the validated fields of create_expense.
// An empty Currency is filled by the executor's default.
type CreateExpenseParams struct {
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency,omitempty"`
	Category    string  `json:"category,omitempty"`
	Merchant    string  `json:"merchant,omitempty"`
	Date        string  `json:"date,omitempty"`
	Description string  `json:"description,omitempty"`
}

func (CreateExpenseParams) Operation() model.Operation { return model.OpCreateExpense }

var (
	datePattern     = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	currencyPattern = regexp.MustCompile(`^[A-Za-z]{3}$`)
	taskStatuses    = []string{"open", "in_progress", "done"}
	taskHorizons    = []string{"today", "week", "month", "someday"}
)

type decodeFunc func(p fieldReader, ve *model.ValidationError) Params

// decoders is indexed by operation; init verifies every operation has one.
var decoders = [model.NumOperations]decodeFunc{
	model.OpCreateTask:    decodeCreateTask,
	model.OpUpdateTask:    decodeUpdateTask,
	model.OpCreateNote:    decodeCreateNote,
	model.OpCreateExpense: decodeCreateExpense,
}

func init() {
	for _, op := range model.Operations() {
		if decoders[op] == nil {
			panic("actions: no parameter decoder for " + op.String())
		}
	}
}

func decodeCreateTask(p fieldReader, ve *model.ValidationError) Params {
	out := CreateTaskParams{
		Title:       p.requiredText("title", ve),
		Description: p.optionalString("description", ve),
		Horizon:     p.optionalEnum("horizon", taskHorizons, ve),
		DueDate:     p.optionalDate("dueDate", ve),
	}
	if level, ok := p.level("level", ve); ok {
		out.Level = level
	} else if !p.has("level") {
		ve.Add("level", "is required")
	}
	if p.has("parentId") {
		out.ParentID = p.positiveID("parentId", ve)
	}
	return out
}

func decodeUpdateTask(p fieldReader, ve *model.ValidationError) Params {
	out := UpdateTaskParams{}
	if !p.has("id") {
		ve.Add("id", "is required")
	} else {
		out.ID = p.positiveID("id", ve)
	}

	changed := 0
	if p.has("title") {
		title := p.requiredText("title", ve)
		out.Title = &title
		changed++
	}
	if p.has("description") {
		d := p.optionalString("description", ve)
		out.Description = &d
		changed++
	}
	if p.has("status") {
		s := p.optionalEnum("status", taskStatuses, ve)
		out.Status = &s
		changed++
	}
	if p.has("level") {
		if level, ok := p.level("level", ve); ok {
			out.Level = &level
		}
		changed++
	}
	if p.has("horizon") {
		h := p.optionalEnum("horizon", taskHorizons, ve)
		out.Horizon = &h
		changed++
	}
	if p.has("dueDate") {
		d := p.optionalDate("dueDate", ve)
		out.DueDate = &d
		changed++
	}
	if changed == 0 {
		ve.Add("", "at least one field to update is required")
	}
	return out
}

func decodeCreateNote(p fieldReader, ve *model.ValidationError) Params {
	return CreateNoteParams{
		Title:   p.optionalString("title", ve),
		Content: p.requiredText("content", ve),
	}
}

func decodeCreateExpense(p fieldReader, ve *model.ValidationError) Params {
	out := CreateExpenseParams{
		Category:    p.optionalString("category", ve),
		Merchant:    p.optionalString("merchant", ve),
		Date:        p.optionalDate("date", ve),
		Description: p.optionalString("description", ve),
	}
	if !p.has("amount") {
		ve.Add("amount", "is required")
	} else if amount, ok := p.number("amount", ve); ok {
		if amount <= 0 || math.IsInf(amount, 0) || math.IsNaN(amount) {
			ve.Add("amount", "must be a positive number")
		} else {
			out.Amount = amount
		}
	}
	if currency := p.optionalString("currency", ve); currency != "" {
		if !currencyPattern.MatchString(currency) {
			ve.Add("currency", "must be a 3-letter ISO code")
		} else {
			out.Currency = strings.ToUpper(currency)
		}
	}
	return out
}

// fieldReader reads loosely typed JSON values into Go types, recording field errors
type fieldReader map[string]any

func (p fieldReader) has(field string) bool {
	v, ok := p[field]
	return ok && v != nil
}

func (p fieldReader) str(field string, ve *model.ValidationError) (string, bool) {
	v, ok := p[field]
	if !ok || v == nil {
		return "", false
	}
	s, isString := v.(string)
	if !isString {
		ve.Add(field, "must be a string")
		return "", false
	}
	return s, true
}

func (p fieldReader) requiredText(field string, ve *model.ValidationError) string {
	if !p.has(field) {
		ve.Add(field, "is required")
		return ""
	}
	s, ok := p.str(field, ve)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		ve.Add(field, "must not be empty")
	}
	return s
}

func (p fieldReader) optionalString(field string, ve *model.ValidationError) string {
	s, _ := p.str(field, ve)
	return strings.TrimSpace(s)
}

func (p fieldReader) optionalEnum(field string, allowed []string, ve *model.ValidationError) string {
	s, ok := p.str(field, ve)
	if !ok {
		return ""
	}
	s = strings.ToLower(strings.TrimSpace(s))
	for _, a := range allowed {
		if s == a {
			return s
		}
	}
	ve.Add(field, "must be one of %s", strings.Join(allowed, ", "))
	return ""
}

func (p fieldReader) optionalDate(field string, ve *model.ValidationError) string {
	s, ok := p.str(field, ve)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if s != "" && !datePattern.MatchString(s) {
		ve.Add(field, "must be a date formatted YYYY-MM-DD")
		return ""
	}
	return s
}

func (p fieldReader) level(field string, ve *model.ValidationError) (model.TaskLevel, bool) {
	s, ok := p.str(field, ve)
	if !ok {
		return "", false
	}
	level := model.TaskLevel(strings.ToLower(strings.TrimSpace(s)))
	if level.Ordinal() == 0 {
		ve.Add(field, "must be one of main, sub, subsub")
		return "", false
	}
	return level, true
}

// number accepts JSON numbers and numeric strings
func (p fieldReader) number(field string, ve *model.ValidationError) (float64, bool) {
	switch v := p[field].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err == nil {
			return f, true
		}
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err == nil {
			return f, true
		}
	}
	ve.Add(field, "must be a number")
	return 0, false
}

// positiveID accepts integral numbers and numeric strings greater than zero
func (p fieldReader) positiveID(field string, ve *model.ValidationError) int64 {
	var id int64
	valid := false
	switch v := p[field].(type) {
	case float64:
		if v == math.Trunc(v) && v > 0 && v < math.MaxInt64 {
			id, valid = int64(v), true
		}
	case int:
		id, valid = int64(v), v > 0
	case int64:
		id, valid = v, v > 0
	case json.Number:
		n, err := v.Int64()
		id, valid = n, err == nil && n > 0
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		id, valid = n, err == nil && n > 0
	}
	if !valid {
		ve.Add(field, "must be a positive integer id")
		return 0
	}
	return id
}
