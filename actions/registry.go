package actions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ghiac/questmind/model"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type registryEntry struct {
	spec   model.ActionSpec
	schema *jsonschema.Schema
}

// Registry holds the ActionSpec of every operation the agent may request.
// It is populated at startup and read-only once frozen.
type Registry struct {
	mu      sync.RWMutex
	entries [model.NumOperations]*registryEntry
	frozen  bool
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// DefaultRegistry returns a frozen registry holding BuiltinSpecs
func DefaultRegistry() *Registry {
	r := NewRegistry()
	for _, spec := range BuiltinSpecs() {
		if err := r.Register(spec); err != nil {
			panic(fmt.Sprintf("actions: builtin spec %s: %v", spec.Operation, err))
		}
	}
	r.Freeze()
	return r
}

// Register adds a spec, compiling its JSON Schema
func (r *Registry) Register(spec model.ActionSpec) error {
	if !spec.Operation.Valid() {
		return fmt.Errorf("cannot register invalid operation %d", spec.Operation)
	}

	var schema *jsonschema.Schema
	if len(spec.Schema) > 0 {
		compiler := jsonschema.NewCompiler()
		compiler.Draft = jsonschema.Draft2020
		url := "mem://actions/" + spec.Operation.String() + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(spec.Schema)); err != nil {
			return fmt.Errorf("failed to load schema for %s: %w", spec.Operation, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("failed to compile schema for %s: %w", spec.Operation, err)
		}
		schema = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register %s", spec.Operation)
	}
	if r.entries[spec.Operation] != nil {
		return fmt.Errorf("operation already registered: %s", spec.Operation)
	}
	r.entries[spec.Operation] = &registryEntry{spec: spec, schema: schema}
	return nil
}

// Freeze makes the registry read-only
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Spec returns the spec registered for op
func (r *Registry) Spec(op model.Operation) (model.ActionSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !op.Valid() || r.entries[op] == nil {
		return model.ActionSpec{}, false
	}
	return r.entries[op].spec, true
}

// Specs returns all registered specs in operation order
func (r *Registry) Specs() []model.ActionSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.ActionSpec, 0, len(r.entries))
	for _, e := range r.entries {
		if e != nil {
			out = append(out, e.spec)
		}
	}
	return out
}

// Catalog renders the registered operations for the model prompt
func (r *Registry) Catalog() string {
	var sb strings.Builder
	for _, spec := range r.Specs() {
		fmt.Fprintf(&sb, "- %s: %s (effect: %s)\n", spec.Operation, spec.Description, spec.SideEffect)
		if len(spec.Schema) > 0 {
			var compact bytes.Buffer
			if err := json.Compact(&compact, spec.Schema); err == nil {
				fmt.Fprintf(&sb, "  params schema: %s\n", compact.String())
			}
		}
	}
	return sb.String()
}

// Validate checks params against the named operation's spec and returns the
// typed parameters. It has no side effects. Unknown operation names yield
// *model.UnknownOperationError; malformed params yield *model.ValidationError
// with one entry per offending field.
func (r *Registry) Validate(operation string, params map[string]any) (Params, error) {
	op, err := model.ParseOperation(operation)
	if err != nil {
		return nil, err
	}

	r.mu.RLock()
	entry := r.entries[op]
	r.mu.RUnlock()
	if entry == nil {
		return nil, &model.UnknownOperationError{Operation: operation}
	}

	normalized, err := normalizeParams(params)
	if err != nil {
		return nil, &model.ValidationError{
			Operation: op.String(),
			Fields:    []model.FieldError{{Message: err.Error()}},
		}
	}

	ve := &model.ValidationError{Operation: op.String()}
	typed := decoders[op](fieldReader(normalized), ve)

	if entry.schema != nil {
		reported := make(map[string]bool, len(ve.Fields))
		for _, f := range ve.Fields {
			reported[f.Field] = true
		}
		for _, f := range schemaFieldErrors(entry.schema.Validate(normalized)) {
			if !reported[f.Field] {
				reported[f.Field] = true
				ve.Fields = append(ve.Fields, f)
			}
		}
	}

	if err := ve.OrNil(); err != nil {
		return nil, err
	}
	return typed, nil
}

// normalizeParams round-trips params through JSON so Go-typed values
// (ints, nested structs) look the same as decoded request bodies.
func normalizeParams(params map[string]any) (map[string]any, error) {
	if params == nil {
		return map[string]any{}, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("params are not JSON-encodable: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("params must be a JSON object: %w", err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

var quotedName = regexp.MustCompile(`'([^']+)'`)

// schemaFieldErrors flattens a jsonschema validation error into field errors.
// Missing-property errors are skipped: required fields are checked by the decoders.
func schemaFieldErrors(err error) []model.FieldError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return nil
	}

	var out []model.FieldError
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) > 0 {
			for _, c := range e.Causes {
				walk(c)
			}
			return
		}
		field := strings.TrimPrefix(e.InstanceLocation, "/")
		switch {
		case strings.HasSuffix(e.KeywordLocation, "/required"):
			return
		case strings.HasSuffix(e.KeywordLocation, "/additionalProperties"):
			for _, m := range quotedName.FindAllStringSubmatch(e.Message, -1) {
				out = append(out, model.FieldError{Field: m[1], Message: "is not a known parameter"})
			}
			return
		}
		out = append(out, model.FieldError{Field: field, Message: e.Message})
	}
	walk(verr)
	return out
}
