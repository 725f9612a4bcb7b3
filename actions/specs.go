package actions

import (
	"encoding/json"

	"github.com/ghiac/questmind/model"
)

// BuiltinSpecs returns the ActionSpecs of every operation the agent can request
func BuiltinSpecs() []model.ActionSpec {
	return []model.ActionSpec{
		{
			Operation:   model.OpCreateTask,
			Description: "Create a task. level is main, sub or subsub; sub and subsub tasks usually carry parentId.",
			SideEffect:  "adds a task to the task store and returns its id",
			Mutating:    true,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "minLength": 1, "maxLength": 300},
					"description": {"type": "string", "maxLength": 4000},
					"level": {"type": "string", "enum": ["main", "sub", "subsub"]},
					"horizon": {"type": "string", "enum": ["today", "week", "month", "someday"]},
					"dueDate": {"type": "string"},
					"parentId": {"type": ["integer", "string"]}
				},
				"required": ["title", "level"],
				"additionalProperties": false
			}`),
		},
		{
			Operation:   model.OpUpdateTask,
			Description: "Update fields of an existing task identified by its numeric id. Only the given fields change.",
			SideEffect:  "modifies an existing task",
			Mutating:    true,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"id": {"type": ["integer", "string"]},
					"title": {"type": "string", "minLength": 1, "maxLength": 300},
					"description": {"type": "string", "maxLength": 4000},
					"status": {"type": "string", "enum": ["open", "in_progress", "done"]},
					"level": {"type": "string", "enum": ["main", "sub", "subsub"]},
					"horizon": {"type": "string", "enum": ["today", "week", "month", "someday"]},
					"dueDate": {"type": "string"}
				},
				"required": ["id"],
				"additionalProperties": false
			}`),
		},
		{
			Operation:   model.OpCreateNote,
			Description: "Save a free-form note.",
			SideEffect:  "adds a note to the note store",
			Mutating:    true,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"title": {"type": "string", "maxLength": 300},
					"content": {"type": "string", "minLength": 1}
				},
				"required": ["content"],
				"additionalProperties": false
			}`),
		},
		{
			Operation:   model.OpCreateExpense,
			Description: "Record one expense. amount is positive; currency is a 3-letter code; date is YYYY-MM-DD.",
			SideEffect:  "adds an expense record",
			Mutating:    true,
			Schema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"amount": {"type": ["number", "string"]},
					"currency": {"type": "string"},
					"category": {"type": "string", "maxLength": 100},
					"merchant": {"type": "string", "maxLength": 200},
					"date": {"type": "string"},
					"description": {"type": "string", "maxLength": 1000}
				},
				"required": ["amount"],
				"additionalProperties": false
			}`),
		},
	}
}
