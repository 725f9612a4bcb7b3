package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Operation is the closed set of mutations the agent may request.
// The zero value is not a valid operation.
type Operation uint8

const (
	OpInvalid Operation = iota
	OpCreateTask
	OpUpdateTask
	OpCreateNote
	OpCreateExpense

	// NumOperations sizes lookup tables indexed by Operation
	NumOperations
)

var operationNames = [NumOperations]string{
	OpInvalid:       "",
	OpCreateTask:    "create_task",
	OpUpdateTask:    "update_task",
	OpCreateNote:    "create_note",
	OpCreateExpense: "create_expense",
}

// String returns the wire name of the operation
func (o Operation) String() string {
	if o < NumOperations && o != OpInvalid {
		return operationNames[o]
	}
	return fmt.Sprintf("operation(%d)", uint8(o))
}

// Valid reports whether o is a member of the enumeration
func (o Operation) Valid() bool {
	return o > OpInvalid && o < NumOperations
}

// MarshalJSON encodes the operation by name
func (o Operation) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// UnmarshalJSON decodes an operation name
func (o *Operation) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	op, err := ParseOperation(name)
	if err != nil {
		return err
	}
	*o = op
	return nil
}

// ParseOperation maps a wire name to its Operation
func ParseOperation(name string) (Operation, error) {
	name = strings.TrimSpace(name)
	for op := OpCreateTask; op < NumOperations; op++ {
		if operationNames[op] == name {
			return op, nil
		}
	}
	return OpInvalid, &UnknownOperationError{Operation: name}
}

// Operations lists every valid operation in declaration order
func Operations() []Operation {
	ops := make([]Operation, 0, NumOperations-1)
	for op := OpCreateTask; op < NumOperations; op++ {
		ops = append(ops, op)
	}
	return ops
}

// TaskLevel is the hierarchy level of a task
type TaskLevel string

const (
	LevelMain   TaskLevel = "main"
	LevelSub    TaskLevel = "sub"
	LevelSubSub TaskLevel = "subsub"
)

// Ordinal maps the level to the backend's numeric encoding (main=1, sub=2, subsub=3).
// Unknown levels return 0.
func (l TaskLevel) Ordinal() int {
	switch l {
	case LevelMain:
		return 1
	case LevelSub:
		return 2
	case LevelSubSub:
		return 3
	}
	return 0
}

// TaskLevelFromOrdinal is the inverse of Ordinal
func TaskLevelFromOrdinal(n int) TaskLevel {
	switch n {
	case 1:
		return LevelMain
	case 2:
		return LevelSub
	case 3:
		return LevelSubSub
	}
	return ""
}

// ActionSpec describes one operation: its parameter schema and side effect
type ActionSpec struct {
	Operation   Operation `json:"operation"`
	Description string    `json:"description"`
	// SideEffect says in plain words what a successful call changes
	SideEffect string `json:"sideEffect"`
	// Mutating operations are subject to the confirmation policy
	Mutating bool `json:"mutating"`
	// Schema is a JSON Schema document for the params object
	Schema json.RawMessage `json:"schema"`
}
