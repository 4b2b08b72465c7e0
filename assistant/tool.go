package assistant

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/xeipuuv/gojsonschema"

	"github.com/loomworks/loom/apperr"
)

// ToolKind classifies what a tool does to external state.
type ToolKind string

const (
	ToolKindRead   ToolKind = "read"
	ToolKindCreate ToolKind = "create"
	ToolKindUpdate ToolKind = "update"
	ToolKindDelete ToolKind = "delete"
)

// Tool is a named, schema-validated capability the model may invoke mid-turn.
// Tools are constructed once per assistant configuration and never persisted.
type Tool struct {
	Name        string
	Description string
	Kind        ToolKind
	// Schema is a JSON-schema object describing the arguments.
	Schema map[string]any
	// Execute runs the tool with validated arguments. A string result is
	// passed to the model verbatim, anything else is JSON-marshaled.
	Execute func(ctx context.Context, args map[string]any) (any, error)
}

// Definition returns the function definition advertised to the model.
func (t *Tool) Definition() llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Schema,
		},
	}
}

// ValidateArgs parses the raw argument string and checks it against the tool
// schema. Invalid JSON and schema violations are distinct VALIDATION_ERRORs.
func (t *Tool) ValidateArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, apperr.Wrap(err, apperr.ValidationError, "tool %s: invalid argument JSON", t.Name)
	}
	if t.Schema != nil {
		result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(t.Schema), gojsonschema.NewGoLoader(args))
		if err != nil {
			return nil, apperr.Wrap(err, apperr.ValidationError, "tool %s: argument schema", t.Name)
		}
		if !result.Valid() {
			details := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				details = append(details, e.String())
			}
			return nil, apperr.New(apperr.ValidationError, "tool %s: invalid arguments: %s", t.Name, strings.Join(details, "; "))
		}
	}
	return args, nil
}

// call executes the tool with validated arguments. Execution failures are
// contained as an {"error": ...} payload so the resolution loop can continue
// and let the model react.
func (t *Tool) call(ctx context.Context, args map[string]any) (string, changeSet) {
	result, err := t.Execute(ctx, args)
	if err != nil {
		return errorPayload(err), changeSet{}
	}
	var payload string
	if s, ok := result.(string); ok {
		payload = s
	} else {
		raw, err := json.Marshal(result)
		if err != nil {
			return errorPayload(err), changeSet{}
		}
		payload = string(raw)
	}
	return payload, extractChangeKeys(payload)
}

// Invoke validates rawArgs and executes the tool. Unlike the resolution
// loop's contained path, execution errors surface to the caller. Used by the
// MCP surface.
func (t *Tool) Invoke(ctx context.Context, rawArgs string) (any, error) {
	args, err := t.ValidateArgs(rawArgs)
	if err != nil {
		return nil, err
	}
	return t.Execute(ctx, args)
}

func errorPayload(err error) string {
	raw, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(raw)
}

// changeSet aggregates the entity-change records gathered during a turn.
type changeSet struct {
	Created []EntityChange
	Updated []EntityChange
	Deleted []EntityChange
}

func (c *changeSet) merge(other changeSet) {
	c.Created = append(c.Created, other.Created...)
	c.Updated = append(c.Updated, other.Updated...)
	c.Deleted = append(c.Deleted, other.Deleted...)
}

// extractChangeKeys pulls created/updated/deleted entities out of a tool
// response that parses as a JSON object. Non-JSON payloads contribute nothing.
func extractChangeKeys(payload string) changeSet {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &obj); err != nil {
		return changeSet{}
	}
	return changeSet{
		Created: normalizeEntities(obj["created"]),
		Updated: normalizeEntities(obj["updated"]),
		Deleted: normalizeEntities(obj["deleted"]),
	}
}

// Registry holds the assistant's tools, looked up by exact name.
type Registry struct {
	tools map[string]*Tool
	names []string
}

func NewRegistry(tools ...*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool, len(tools))}
	for _, t := range tools {
		if t == nil {
			continue
		}
		if t.Name == "" {
			return nil, apperr.New(apperr.ValidationError, "tool with empty name")
		}
		if t.Execute == nil {
			return nil, apperr.New(apperr.ValidationError, "tool %s has no execute function", t.Name)
		}
		if _, ok := r.tools[t.Name]; ok {
			return nil, apperr.New(apperr.ValidationError, "duplicate tool name %s", t.Name)
		}
		r.tools[t.Name] = t
		r.names = append(r.names, t.Name)
	}
	return r, nil
}

func (r *Registry) Len() int {
	return len(r.names)
}

// Definitions returns the tool definitions in registration order.
func (r *Registry) Definitions() []llms.Tool {
	defs := make([]llms.Tool, 0, len(r.names))
	for _, name := range r.names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Resolve returns the tool with the given name. An unresolved name is a fatal
// error for the call, not silently skipped.
func (r *Registry) Resolve(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, apperr.New(apperr.NotFound, "unknown tool %s", name)
	}
	return t, nil
}

// Tools returns the registered tools in registration order.
func (r *Registry) Tools() []*Tool {
	out := make([]*Tool, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}
