package assistant

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/loomworks/loom/plugin/vectorstore"
	"github.com/loomworks/loom/store"
)

// fakeModel replays scripted responses and records every invocation.
type fakeModel struct {
	mu        sync.Mutex
	responses []*llms.ContentResponse
	calls     int
	history   [][]llms.MessageContent
}

func textResponse(content string) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{Content: content}}}
}

func toolCallResponse(calls ...llms.ToolCall) *llms.ContentResponse {
	return &llms.ContentResponse{Choices: []*llms.ContentChoice{{ToolCalls: calls}}}
}

func (m *fakeModel) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, messages)
	resp := m.responses[len(m.responses)-1]
	if m.calls < len(m.responses) {
		resp = m.responses[m.calls]
	}
	m.calls++
	return resp, nil
}

func (m *fakeModel) Call(_ context.Context, _ string, _ ...llms.CallOption) (string, error) {
	return "", nil
}

// memStore is an in-memory ThreadStore that counts accesses.
type memStore struct {
	mu          sync.Mutex
	nextID      int32
	threads     map[string]*store.Thread
	fragments   []*store.MessageFragment
	accessCount int
}

func newMemStore() *memStore {
	return &memStore{threads: map[string]*store.Thread{}}
}

func (s *memStore) CreateThread(_ context.Context, create *store.Thread) (*store.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessCount++
	s.nextID++
	create.ID = s.nextID
	s.threads[create.UID] = create
	return create, nil
}

func (s *memStore) GetThread(_ context.Context, find *store.FindThread) (*store.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessCount++
	for _, t := range s.threads {
		if find.UID != nil && t.UID != *find.UID {
			continue
		}
		if find.CreatorID != nil && t.CreatorID != *find.CreatorID {
			continue
		}
		return t, nil
	}
	return nil, nil
}

func (s *memStore) UpdateThread(_ context.Context, update *store.UpdateThread) (*store.Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessCount++
	t, ok := s.threads[update.UID]
	if !ok {
		return nil, nil
	}
	if update.Title != nil {
		t.Title = *update.Title
	}
	if update.Objectives != nil {
		t.Objectives = *update.Objectives
	}
	return t, nil
}

func (s *memStore) CreateMessageFragment(_ context.Context, create *store.MessageFragment) (*store.MessageFragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessCount++
	s.nextID++
	create.ID = s.nextID
	s.fragments = append(s.fragments, create)
	return create, nil
}

func (s *memStore) NextOrderIndex(_ context.Context, threadID int32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessCount++
	next := int32(0)
	for _, f := range s.fragments {
		if f.ThreadID == threadID && f.OrderIndex >= next {
			next = f.OrderIndex + 1
		}
	}
	return next, nil
}

func (s *memStore) fragmentsOf(threadID int32) []*store.MessageFragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.MessageFragment
	for _, f := range s.fragments {
		if f.ThreadID == threadID {
			out = append(out, f)
		}
	}
	return out
}

// fakeIndex records upserts and serves them all back on search, leaving
// threshold filtering to the real vectorstore.
type fakeIndex struct {
	mu      sync.Mutex
	upserts map[string][]vectorstore.SearchResult
	// hits, when set, overrides search results.
	hits []vectorstore.SearchResult
	err  error
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{upserts: map[string][]vectorstore.SearchResult{}}
}

func (x *fakeIndex) SearchSimilar(_ context.Context, threadUID, _ string, _ float32, limit int) ([]vectorstore.SearchResult, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.err != nil {
		return nil, x.err
	}
	if x.hits != nil {
		return x.hits, nil
	}
	out := x.upserts[threadUID]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (x *fakeIndex) UpsertFragment(_ context.Context, threadUID string, orderIndex, chunkIndex int32, role, content string, _ []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.upserts[threadUID] = append(x.upserts[threadUID], vectorstore.SearchResult{
		OrderIndex: orderIndex,
		ChunkIndex: chunkIndex,
		Role:       role,
		Content:    content,
		Score:      0.9,
	})
	return nil
}

func fakeEmbedder(_ context.Context, _ string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func newTestAssistant(t *testing.T, model llms.Model, st ThreadStore, index Searcher, tools ...*Tool) *Assistant[NoContext] {
	t.Helper()
	a, err := New[NoContext](Config[NoContext]{
		Title:         "Test Assistant",
		Model:         "test-model",
		SystemMessage: "You are a test assistant.",
		Tools:         tools,
	}, Deps{
		Model:    model,
		Embedder: fakeEmbedder,
		Store:    st,
		Index:    index,
	})
	require.NoError(t, err)
	return a
}

func messagesText(messages []llms.MessageContent) string {
	var b strings.Builder
	for _, m := range messages {
		for _, p := range m.Parts {
			if tc, ok := p.(llms.TextContent); ok {
				b.WriteString(tc.Text)
				b.WriteString("\n")
			}
		}
	}
	return b.String()
}
