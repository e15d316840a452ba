// Package tools holds the tool registry and router: named capabilities with
// typed argument schemas that the AI backend may invoke.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/isdmx/wotbot/types"
)

// ParamType is the primitive type of a tool argument.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

var toolNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Param describes one argument of a tool.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	// Enum restricts a string argument to the listed values.
	Enum []string
}

// Args is a validated argument mapping handed to a Handler.
type Args map[string]any

// String returns the named argument as a string, or "" when absent.
func (a Args) String(name string) string {
	s, _ := a[name].(string)
	return s
}

// Int returns the named argument as an int64, or 0 when absent.
func (a Args) Int(name string) int64 {
	n, _ := a[name].(int64)
	return n
}

// Handler executes a tool with validated arguments. It returns a structured
// success payload, or an error; a *Error selects the reported outcome.
type Handler interface {
	Call(ctx context.Context, args Args) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, args Args) (any, error)

func (f HandlerFunc) Call(ctx context.Context, args Args) (any, error) {
	return f(ctx, args)
}

// Descriptor is a registered tool.
type Descriptor struct {
	Name        string
	Description string
	Params      []Param
	Handler     Handler

	schema *jsonschema.Schema
}

// Schema returns the JSON Schema of the tool's arguments.
func (d Descriptor) Schema() *jsonschema.Schema {
	if d.schema != nil {
		return d.schema
	}
	return buildSchema(d.Params)
}

// SchemaMap returns the argument schema as a generic JSON object, the shape
// expected by backend SDKs.
func (d Descriptor) SchemaMap() map[string]any {
	m := map[string]any{}
	if buf, err := json.Marshal(d.Schema()); err == nil {
		_ = json.Unmarshal(buf, &m)
	}
	if m["type"] == nil {
		m["type"] = "object"
	}
	if m["properties"] == nil {
		m["properties"] = map[string]any{}
	}
	return m
}

func buildSchema(params []Param) *jsonschema.Schema {
	schema := &jsonschema.Schema{
		Type:       "object",
		Properties: make(map[string]*jsonschema.Schema, len(params)),
	}
	for _, p := range params {
		prop := &jsonschema.Schema{
			Type:        string(p.Type),
			Description: p.Description,
		}
		for _, v := range p.Enum {
			prop.Enum = append(prop.Enum, v)
		}
		schema.Properties[p.Name] = prop
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}

// validate checks the descriptor and freezes its schema.
func (d *Descriptor) validate() error {
	if !toolNamePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid tool name %q", d.Name)
	}
	if d.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", d.Name)
	}

	seen := make(map[string]bool, len(d.Params))
	for _, p := range d.Params {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name is required", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("tool %s: duplicate parameter %q", d.Name, p.Name)
		}
		seen[p.Name] = true

		switch p.Type {
		case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		default:
			return fmt.Errorf("tool %s: parameter %q has unsupported type %q", d.Name, p.Name, p.Type)
		}
		if len(p.Enum) > 0 && p.Type != TypeString {
			return fmt.Errorf("tool %s: enum is only supported on string parameter %q", d.Name, p.Name)
		}
	}

	schema := buildSchema(d.Params)
	if _, err := schema.Resolve(nil); err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", d.Name, err)
	}
	d.Params = append([]Param(nil), d.Params...)
	d.schema = schema
	return nil
}

// Error is a typed tool failure. Handlers return it to report an outcome
// other than ExecutionError.
type Error struct {
	Outcome types.Outcome
	Kind    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// ValidationError creates a validation failure.
func ValidationError(format string, args ...any) *Error {
	return &Error{Outcome: types.OutcomeValidationError, Kind: "validation", Message: fmt.Sprintf(format, args...)}
}
