package assistant

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
)

func TestMergeToolCalls(t *testing.T) {
	t.Run("streamed argument fragments concatenate", func(t *testing.T) {
		merged := mergeToolCalls([]llms.ToolCall{
			{ID: "call_1", Type: "function", FunctionCall: &llms.FunctionCall{Name: "get_weather", Arguments: `{"loca`}},
			{FunctionCall: &llms.FunctionCall{Arguments: `tion": "Berlin"}`}},
		})
		require.Len(t, merged, 1)
		require.Equal(t, "get_weather", merged[0].FunctionCall.Name)
		require.JSONEq(t, `{"location": "Berlin"}`, merged[0].FunctionCall.Arguments)
	})

	t.Run("repeated ids deduplicate", func(t *testing.T) {
		merged := mergeToolCalls([]llms.ToolCall{
			{ID: "call_1", FunctionCall: &llms.FunctionCall{Name: "a", Arguments: "{}"}},
			{ID: "call_1", FunctionCall: &llms.FunctionCall{Name: "a", Arguments: "{}"}},
			{ID: "call_2", FunctionCall: &llms.FunctionCall{Name: "b", Arguments: "{}"}},
		})
		require.Len(t, merged, 2)
		require.Equal(t, "a", merged[0].FunctionCall.Name)
		require.Equal(t, "b", merged[1].FunctionCall.Name)
	})

	t.Run("nil function call skipped", func(t *testing.T) {
		merged := mergeToolCalls([]llms.ToolCall{{ID: "call_1"}})
		require.Empty(t, merged)
	})

	t.Run("merge does not mutate input", func(t *testing.T) {
		in := []llms.ToolCall{
			{ID: "call_1", FunctionCall: &llms.FunctionCall{Name: "a", Arguments: "part1"}},
			{FunctionCall: &llms.FunctionCall{Arguments: "part2"}},
		}
		merged := mergeToolCalls(in)
		require.Equal(t, "part1part2", merged[0].FunctionCall.Arguments)
		require.Equal(t, "part1", in[0].FunctionCall.Arguments)
	})
}

func TestEnsureSystemHead(t *testing.T) {
	a := newTestAssistant(t, &fakeModel{}, newMemStore(), newFakeIndex())

	t.Run("prepends when absent", func(t *testing.T) {
		history := []llms.MessageContent{llms.TextParts(llms.ChatMessageTypeHuman, "hi")}
		out := a.ensureSystemHead(history)
		require.Len(t, out, 2)
		require.Equal(t, llms.ChatMessageTypeSystem, out[0].Role)
	})

	t.Run("keeps existing head", func(t *testing.T) {
		history := []llms.MessageContent{
			llms.TextParts(llms.ChatMessageTypeSystem, "custom"),
			llms.TextParts(llms.ChatMessageTypeHuman, "hi"),
		}
		out := a.ensureSystemHead(history)
		require.Len(t, out, 2)
		require.Equal(t, llms.TextContent{Text: "custom"}, out[0].Parts[0])
	})
}

func TestParseStructured(t *testing.T) {
	newStructured := func(t *testing.T) *Assistant[NoContext] {
		t.Helper()
		a, err := New[NoContext](Config[NoContext]{
			Model:         "test-model",
			SystemMessage: "test",
			ResponseSchema: &ResponseSchema{
				Name: "answer",
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"answer": map[string]any{"type": "string"},
					},
					"required": []any{"answer"},
				},
			},
		}, Deps{Model: &fakeModel{}, Embedder: fakeEmbedder, Store: newMemStore(), Index: newFakeIndex()})
		require.NoError(t, err)
		return a
	}

	t.Run("valid", func(t *testing.T) {
		data := newStructured(t).parseStructured(`{"answer": "42"}`)
		require.Equal(t, "42", data["answer"])
	})

	t.Run("invalid JSON discarded", func(t *testing.T) {
		require.Nil(t, newStructured(t).parseStructured("not json"))
	})

	t.Run("schema violation discarded", func(t *testing.T) {
		require.Nil(t, newStructured(t).parseStructured(`{"answer": 42}`))
	})
}

func TestInvokeModelNoChoices(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{{}}}
	a := newTestAssistant(t, model, newMemStore(), newFakeIndex())
	_, err := a.invokeModel(t.Context(), nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "no choices")
}
