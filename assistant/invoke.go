package assistant

import (
	"context"
	"encoding/json"

	"github.com/tmc/langchaingo/llms"
	"github.com/xeipuuv/gojsonschema"

	"github.com/loomworks/loom/apperr"
)

// invokeResult is the outcome of one model invocation. When ToolCalls is
// non-empty, Message may be empty or partial and no directives are extracted.
type invokeResult struct {
	Message    string
	ToolCalls  []llms.ToolCall
	Objectives []string
	Structured map[string]any
	Created    []EntityChange
	Updated    []EntityChange
	Deleted    []EntityChange
}

// invokeModel runs one completion against the configured model. Exactly one
// of three modes applies: plain, structured (schema-validated JSON), or
// streaming. Structured and streaming are incompatible; the invoker falls
// back to non-streaming and warns once.
func (a *Assistant[T]) invokeModel(ctx context.Context, history []llms.MessageContent) (*invokeResult, error) {
	history = a.ensureSystemHead(history)

	opts := []llms.CallOption{llms.WithModel(a.cfg.Model)}
	if a.registry.Len() > 0 {
		opts = append(opts, llms.WithTools(a.registry.Definitions()))
	}
	structured := a.cfg.ResponseSchema != nil
	if structured {
		opts = append(opts, llms.WithJSONMode())
	}
	if a.cfg.Stream != nil {
		if structured {
			a.streamWarn.Do(func() {
				a.log.Warn("streaming is incompatible with structured output, falling back to non-streaming")
			})
		} else {
			stream := a.cfg.Stream
			opts = append(opts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
				stream(string(chunk))
				return nil
			}))
		}
	}

	resp, err := a.model.GenerateContent(ctx, history, opts...)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.InternalError, "model invocation")
	}
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.InternalError, "model returned no choices")
	}
	choice := resp.Choices[0]

	out := &invokeResult{
		Message:   choice.Content,
		ToolCalls: mergeToolCalls(choice.ToolCalls),
	}
	if len(out.ToolCalls) > 0 {
		return out, nil
	}

	d := extractDirectives(choice.Content)
	out.Objectives = d.Objectives
	out.Created = d.Created
	out.Updated = d.Updated
	out.Deleted = d.Deleted
	if structured {
		out.Structured = a.parseStructured(choice.Content)
	}
	return out, nil
}

// ensureSystemHead guarantees a system message at the head of the sequence,
// inserting the configured one when absent.
func (a *Assistant[T]) ensureSystemHead(history []llms.MessageContent) []llms.MessageContent {
	if len(history) > 0 && history[0].Role == llms.ChatMessageTypeSystem {
		return history
	}
	head := llms.TextParts(llms.ChatMessageTypeSystem, a.cfg.SystemMessage)
	return append([]llms.MessageContent{head}, history...)
}

// mergeToolCalls folds partial tool-call deltas into complete calls. Streamed
// argument fragments carry no id and no function name; their text is
// concatenated onto the call at the position where it first appeared.
// Complete calls repeated under one id are deduplicated, some models emit
// those.
func mergeToolCalls(calls []llms.ToolCall) []llms.ToolCall {
	var merged []llms.ToolCall
	seen := make(map[string]bool)
	for _, c := range calls {
		if c.FunctionCall == nil {
			continue
		}
		if c.ID == "" && c.FunctionCall.Name == "" && len(merged) > 0 {
			merged[len(merged)-1].FunctionCall.Arguments += c.FunctionCall.Arguments
			continue
		}
		if c.ID != "" && seen[c.ID] {
			continue
		}
		seen[c.ID] = true
		fc := *c.FunctionCall
		merged = append(merged, llms.ToolCall{ID: c.ID, Type: c.Type, FunctionCall: &fc})
	}
	return merged
}

// parseStructured parses and validates schema-constrained output. Failures
// are logged, not thrown; the raw text stays available in Message.
func (a *Assistant[T]) parseStructured(content string) map[string]any {
	schema := a.cfg.ResponseSchema
	var data map[string]any
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		a.log.Warn("discarding structured output", "schema", schema.Name, "err", err)
		return nil
	}
	if schema.Schema != nil {
		result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema.Schema), gojsonschema.NewGoLoader(data))
		if err != nil {
			a.log.Warn("discarding structured output", "schema", schema.Name, "err", err)
			return nil
		}
		if !result.Valid() {
			a.log.Warn("discarding structured output", "schema", schema.Name, "violations", len(result.Errors()))
			return nil
		}
	}
	return data
}
