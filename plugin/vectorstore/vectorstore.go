// Package vectorstore wraps chromem-go with per-thread collections so the
// assistant can retrieve prior conversation fragments by semantic similarity.
package vectorstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// SearchResult is a single semantic-search hit over a thread's fragments.
type SearchResult struct {
	OrderIndex int32
	ChunkIndex int32
	Role       string
	Content    string
	Score      float32
}

// Index wraps chromem-go with per-thread collections and disk persistence.
type Index struct {
	mu      sync.RWMutex
	db      *chromem.DB
	embedFn chromem.EmbeddingFunc
}

// New creates (or opens) the persistent vector index at dataDir/vectorstore/.
// embedFn is the embedding function — pass chromem.NewEmbeddingFuncOpenAICompat
// pointed at the configured embeddings endpoint.
func New(dataDir string, embedFn chromem.EmbeddingFunc) (*Index, error) {
	dir := filepath.Join(dataDir, "vectorstore")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create vectorstore dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vectorstore: %w", err)
	}
	return &Index{db: db, embedFn: embedFn}, nil
}

// NewInMemory creates a non-persistent index. Used by tests.
func NewInMemory(embedFn chromem.EmbeddingFunc) *Index {
	return &Index{db: chromem.NewDB(), embedFn: embedFn}
}

// collectionName returns the per-thread collection name.
func collectionName(threadUID string) string {
	return fmt.Sprintf("thread_%s_messages", threadUID)
}

func (x *Index) getOrCreateCollection(threadUID string) (*chromem.Collection, error) {
	name := collectionName(threadUID)
	col := x.db.GetCollection(name, x.embedFn)
	if col == nil {
		var err error
		col, err = x.db.CreateCollection(name, nil, x.embedFn)
		if err != nil {
			return nil, fmt.Errorf("create collection for thread %s: %w", threadUID, err)
		}
	}
	return col, nil
}

// UpsertFragment indexes one message fragment for a thread. When embedding is
// non-nil it is stored as-is, skipping a redundant embedding call.
func (x *Index) UpsertFragment(ctx context.Context, threadUID string, orderIndex, chunkIndex int32, role, content string, embedding []float32) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	col, err := x.getOrCreateCollection(threadUID)
	if err != nil {
		return err
	}
	doc := chromem.Document{
		ID:        fmt.Sprintf("%d_%d", orderIndex, chunkIndex),
		Content:   content,
		Embedding: embedding,
		Metadata: map[string]string{
			"role":        role,
			"order_index": strconv.Itoa(int(orderIndex)),
			"chunk_index": strconv.Itoa(int(chunkIndex)),
		},
	}
	return col.AddDocument(ctx, doc)
}

// SearchSimilar returns up to limit fragments of the thread whose similarity
// to the query strictly exceeds threshold. Hits come back in similarity order;
// the caller decides presentation order.
func (x *Index) SearchSimilar(ctx context.Context, threadUID, query string, threshold float32, limit int) ([]SearchResult, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()

	col := x.db.GetCollection(collectionName(threadUID), x.embedFn)
	if col == nil {
		return nil, nil
	}
	count := col.Count()
	if count == 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	var results []chromem.Result
	var err error
	// chromem-go sometimes throws "nResults must be <= number of documents"
	// despite the Count check. Step down the result count if it fails.
	for k := limit; k > 0; k-- {
		results, err = col.Query(ctx, query, k, nil, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Similarity <= threshold {
			continue
		}
		orderIndex, _ := strconv.Atoi(r.Metadata["order_index"])
		chunkIndex, _ := strconv.Atoi(r.Metadata["chunk_index"])
		out = append(out, SearchResult{
			OrderIndex: int32(orderIndex),
			ChunkIndex: int32(chunkIndex),
			Role:       r.Metadata["role"],
			Content:    r.Content,
			Score:      r.Similarity,
		})
	}
	return out, nil
}

// DeleteThread drops the thread's collection. Called when the owning thread
// is deleted.
func (x *Index) DeleteThread(threadUID string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.db.DeleteCollection(collectionName(threadUID))
}
