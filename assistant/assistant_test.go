package assistant

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/loomworks/loom/apperr"
	"github.com/loomworks/loom/store"
)

func TestNewValidation(t *testing.T) {
	deps := Deps{Model: &fakeModel{}, Embedder: fakeEmbedder, Store: newMemStore(), Index: newFakeIndex()}

	_, err := New[NoContext](Config[NoContext]{SystemMessage: "s"}, deps)
	require.Error(t, err)

	_, err = New[NoContext](Config[NoContext]{Model: "m"}, deps)
	require.Error(t, err)

	_, err = New[NoContext](Config[NoContext]{Model: "m", SystemMessage: "s", SimilarityThreshold: 1.5}, deps)
	require.Error(t, err)

	_, err = New[NoContext](Config[NoContext]{Model: "m", SystemMessage: "s"}, Deps{})
	require.Error(t, err)
}

func TestThreadRejectsInvalidRequest(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{textResponse("hi")}}
	st := newMemStore()
	a := newTestAssistant(t, model, st, newFakeIndex())

	for name, req := range map[string]*Request[NoContext]{
		"nil request":   nil,
		"empty message": {Message: "   ", UserID: 1},
		"zero user":     {Message: "hello"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := a.Thread(t.Context(), req)
			require.True(t, apperr.Is(err, apperr.ValidationError))
		})
	}
	require.Zero(t, model.calls)
	require.Zero(t, st.accessCount)
}

func TestThreadCreatesAndReusesThread(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{textResponse("Happy to help.")}}
	st := newMemStore()
	index := newFakeIndex()
	a := newTestAssistant(t, model, st, index)

	first, err := a.Thread(t.Context(), &Request[NoContext]{Message: "hello", UserID: 7})
	require.NoError(t, err)
	require.NotEmpty(t, first.ThreadID)
	require.Equal(t, "Happy to help.", first.Message)

	thread, err := st.GetThread(t.Context(), &store.FindThread{UID: &first.ThreadID})
	require.NoError(t, err)
	require.NotNil(t, thread)
	require.Equal(t, "Test Assistant", thread.Title)
	require.Equal(t, int32(7), thread.CreatorID)

	second, err := a.Thread(t.Context(), &Request[NoContext]{Message: "and again", UserID: 7, ThreadID: first.ThreadID})
	require.NoError(t, err)
	require.Equal(t, first.ThreadID, second.ThreadID)

	// The second turn sees the first turn's fragments as context.
	require.Contains(t, messagesText(model.history[1]), "hello")
	require.Contains(t, messagesText(model.history[1]), "Happy to help.")
}

func TestThreadUnknownIDStartsFresh(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{textResponse("ok")}}
	a := newTestAssistant(t, model, newMemStore(), newFakeIndex())

	resp, err := a.Thread(t.Context(), &Request[NoContext]{Message: "hi", UserID: 1, ThreadID: "no-such-thread"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ThreadID)
	require.NotEqual(t, "no-such-thread", resp.ThreadID)
}

func TestThreadIgnoresForeignThread(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{textResponse("ok")}}
	st := newMemStore()
	owned, err := st.CreateThread(t.Context(), &store.Thread{UID: "theirs", CreatorID: 2, Title: "t"})
	require.NoError(t, err)
	a := newTestAssistant(t, model, st, newFakeIndex())

	resp, err := a.Thread(t.Context(), &Request[NoContext]{Message: "hi", UserID: 1, ThreadID: owned.UID})
	require.NoError(t, err)
	require.NotEqual(t, owned.UID, resp.ThreadID)
}

func TestThreadPersistsTurnFragments(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{textResponse("short reply")}}
	st := newMemStore()
	index := newFakeIndex()
	a := newTestAssistant(t, model, st, index)

	resp, err := a.Thread(t.Context(), &Request[NoContext]{Message: "short question", UserID: 1})
	require.NoError(t, err)

	thread, err := st.GetThread(t.Context(), &store.FindThread{UID: &resp.ThreadID})
	require.NoError(t, err)
	frags := st.fragmentsOf(thread.ID)
	require.Len(t, frags, 3)

	// (order, chunk) pairs are unique within the thread.
	seen := map[string]bool{}
	for _, f := range frags {
		key := fmt.Sprintf("%d/%d", f.OrderIndex, f.ChunkIndex)
		require.False(t, seen[key], "duplicate fragment position %s", key)
		seen[key] = true
		require.NotEmpty(t, f.Embedding)
	}

	// The reply lands twice: once whole, once re-chunked at a later order
	// index. The user message is stored once, between the two.
	byOrder := map[int32]*store.MessageFragment{}
	for _, f := range frags {
		byOrder[f.OrderIndex] = f
	}
	require.Equal(t, RoleAssistant, byOrder[0].Role)
	require.Equal(t, "short reply", byOrder[0].Content)
	require.Equal(t, RoleUser, byOrder[1].Role)
	require.Equal(t, "short question", byOrder[1].Content)
	require.Equal(t, RoleAssistant, byOrder[2].Role)
	require.Equal(t, "short reply", byOrder[2].Content)

	// Every fragment also reached the vector index.
	require.Len(t, index.upserts[resp.ThreadID], 3)
}

func TestThreadAccumulatesObjectives(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		textResponse("Noted.\nUSER_OBJECTIVE: plan a trip to Norway"),
		textResponse("Will do."),
	}}
	st := newMemStore()
	a := newTestAssistant(t, model, st, newFakeIndex())

	first, err := a.Thread(t.Context(), &Request[NoContext]{Message: "I want to plan a trip", UserID: 1})
	require.NoError(t, err)

	thread, err := st.GetThread(t.Context(), &store.FindThread{UID: &first.ThreadID})
	require.NoError(t, err)
	require.Equal(t, []string{"plan a trip to Norway"}, thread.Objectives)

	_, err = a.Thread(t.Context(), &Request[NoContext]{Message: "where to start?", UserID: 1, ThreadID: first.ThreadID})
	require.NoError(t, err)
	require.Contains(t, messagesText(model.history[1]), "User objectives:\n- plan a trip to Norway")
}

func TestThreadSurfacesEntityChanges(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{
		textResponse("Done.\nCREATED: [{\"type\":\"task\",\"id\":\"t1\"}]\nDELETED: {\"type\":\"task\",\"id\":\"t0\"}"),
	}}
	a := newTestAssistant(t, model, newMemStore(), newFakeIndex())

	resp, err := a.Thread(t.Context(), &Request[NoContext]{Message: "replace the task", UserID: 1})
	require.NoError(t, err)
	require.Len(t, resp.Created, 1)
	require.Equal(t, "t1", resp.Created[0]["id"])
	require.Len(t, resp.Deleted, 1)
	require.Empty(t, resp.Updated)
}

type failingSplitter struct{}

func (failingSplitter) SplitText(string) ([]string, error) {
	return nil, errors.New("splitter misconfigured")
}

func TestThreadSplitterFailureStoresWhole(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{textResponse("full reply")}}
	st := newMemStore()
	a, err := New[NoContext](Config[NoContext]{
		Model:         "test-model",
		SystemMessage: "test",
	}, Deps{
		Model:    model,
		Embedder: fakeEmbedder,
		Store:    st,
		Index:    newFakeIndex(),
		Splitter: failingSplitter{},
	})
	require.NoError(t, err)

	resp, err := a.Thread(t.Context(), &Request[NoContext]{Message: "full question", UserID: 1})
	require.NoError(t, err)

	thread, err := st.GetThread(t.Context(), &store.FindThread{UID: &resp.ThreadID})
	require.NoError(t, err)
	frags := st.fragmentsOf(thread.ID)
	require.Len(t, frags, 3)
	for _, f := range frags {
		require.Equal(t, int32(0), f.ChunkIndex)
		require.Contains(t, []string{"full question", "full reply"}, f.Content)
	}
}

func TestThreadRetrievalFailureIsNotFatal(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{textResponse("still fine")}}
	index := newFakeIndex()
	index.err = errors.New("index unavailable")
	a := newTestAssistant(t, model, newMemStore(), index)

	resp, err := a.Thread(t.Context(), &Request[NoContext]{Message: "hi", UserID: 1})
	require.NoError(t, err)
	require.Equal(t, "still fine", resp.Message)
}

func TestThreadSourcesVisibleToModelOnly(t *testing.T) {
	model := &fakeModel{responses: []*llms.ContentResponse{textResponse("ok")}}
	st := newMemStore()
	a := newTestAssistant(t, model, st, newFakeIndex())

	resp, err := a.Thread(t.Context(), &Request[NoContext]{
		Message: "summarize this",
		UserID:  1,
		Sources: []string{"https://example.com/doc"},
	})
	require.NoError(t, err)

	require.Contains(t, messagesText(model.history[0]), "https://example.com/doc")

	thread, err := st.GetThread(t.Context(), &store.FindThread{UID: &resp.ThreadID})
	require.NoError(t, err)
	for _, f := range st.fragmentsOf(thread.ID) {
		if f.Role == RoleUser {
			require.Equal(t, "summarize this", f.Content)
		}
	}
}

func TestThreadWithToolsEndToEnd(t *testing.T) {
	tool := &Tool{
		Name:        "get_weather",
		Description: "Current weather for a location",
		Kind:        ToolKindRead,
		Schema:      weatherSchema(),
		Execute: func(_ context.Context, args map[string]any) (any, error) {
			return map[string]any{"temperature": 22, "conditions": "sunny"}, nil
		},
	}
	model := &fakeModel{responses: []*llms.ContentResponse{
		toolCallResponse(llms.ToolCall{
			ID:           "call_1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "get_weather", Arguments: `{"location": "Berlin"}`},
		}),
		textResponse("It is 22 degrees and sunny in Berlin."),
	}}
	st := newMemStore()
	a := newTestAssistant(t, model, st, newFakeIndex(), tool)

	resp, err := a.Thread(t.Context(), &Request[NoContext]{Message: "weather in Berlin?", UserID: 1})
	require.NoError(t, err)
	require.Equal(t, "It is 22 degrees and sunny in Berlin.", resp.Message)
	require.Equal(t, 2, model.calls)

	// The persisted reply is the final text, not any intermediate tool state.
	thread, err := st.GetThread(t.Context(), &store.FindThread{UID: &resp.ThreadID})
	require.NoError(t, err)
	frags := st.fragmentsOf(thread.ID)
	require.Len(t, frags, 3)
	for _, f := range frags {
		require.NotEqual(t, RoleTool, f.Role)
	}
}

func TestThreadBindsThreadUIDForTools(t *testing.T) {
	var (
		seenUID string
		bound   bool
	)
	tool := &Tool{
		Name:        "search_history",
		Description: "Search earlier messages in this conversation",
		Kind:        ToolKindRead,
		Schema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
			},
			"required": []any{"query"},
		},
		Execute: func(ctx context.Context, args map[string]any) (any, error) {
			seenUID, bound = ThreadUIDFromContext(ctx)
			return "No relevant messages found.", nil
		},
	}
	model := &fakeModel{responses: []*llms.ContentResponse{
		toolCallResponse(llms.ToolCall{
			ID:           "call_1",
			Type:         "function",
			FunctionCall: &llms.FunctionCall{Name: "search_history", Arguments: `{"query": "earlier plans"}`},
		}),
		textResponse("Nothing earlier mentions that."),
	}}
	a := newTestAssistant(t, model, newMemStore(), newFakeIndex(), tool)

	resp, err := a.Thread(t.Context(), &Request[NoContext]{Message: "what did we plan?", UserID: 1})
	require.NoError(t, err)
	require.True(t, bound)
	require.Equal(t, resp.ThreadID, seenUID)
}

func TestThreadUIDFromContextUnset(t *testing.T) {
	_, ok := ThreadUIDFromContext(t.Context())
	require.False(t, ok)
}

func TestThreadStructuredOutput(t *testing.T) {
	a, err := New[NoContext](Config[NoContext]{
		Model:         "test-model",
		SystemMessage: "Answer as JSON.",
		ResponseSchema: &ResponseSchema{
			Name: "verdict",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"verdict": map[string]any{"type": "string"},
				},
				"required": []any{"verdict"},
			},
		},
	}, Deps{
		Model:    &fakeModel{responses: []*llms.ContentResponse{textResponse(`{"verdict": "pass"}`)}},
		Embedder: fakeEmbedder,
		Store:    newMemStore(),
		Index:    newFakeIndex(),
	})
	require.NoError(t, err)

	resp, err := a.Thread(t.Context(), &Request[NoContext]{Message: "judge it", UserID: 1})
	require.NoError(t, err)
	require.Equal(t, "pass", resp.Structured["verdict"])
	require.Equal(t, `{"verdict": "pass"}`, resp.Message)
}

type strictContext struct {
	Project string
}

func (c strictContext) Validate() error {
	if c.Project == "" {
		return errors.New("project is required")
	}
	return nil
}

func TestThreadTypedContextValidation(t *testing.T) {
	a, err := New[strictContext](Config[strictContext]{
		Model:         "test-model",
		SystemMessage: "test",
	}, Deps{Model: &fakeModel{responses: []*llms.ContentResponse{textResponse("ok")}}, Embedder: fakeEmbedder, Store: newMemStore(), Index: newFakeIndex()})
	require.NoError(t, err)

	_, err = a.Thread(t.Context(), &Request[strictContext]{Message: "hi", UserID: 1})
	require.True(t, apperr.Is(err, apperr.ValidationError))

	_, err = a.Thread(t.Context(), &Request[strictContext]{Message: "hi", UserID: 1, Context: strictContext{Project: "loom"}})
	require.NoError(t, err)
}

func TestWrapErrAddsContext(t *testing.T) {
	a := newTestAssistant(t, &fakeModel{}, newMemStore(), newFakeIndex())
	req := &Request[NoContext]{UserID: 9}

	err := a.wrapErr(errors.New("boom"), req, "uid-1")
	var ae *apperr.Error
	require.True(t, errors.As(err, &ae))
	require.Equal(t, apperr.InternalError, ae.Kind)
	require.Equal(t, int32(9), ae.Context["user_id"])
	require.Equal(t, "uid-1", ae.Context["thread_uid"])

	// Taxonomy errors keep their kind.
	err = a.wrapErr(apperr.New(apperr.NotFound, "gone"), req, "")
	require.True(t, apperr.Is(err, apperr.NotFound))
}
