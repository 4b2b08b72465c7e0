// Package assistant implements the conversation orchestration engine: one
// inbound request becomes context retrieval, model invocation, multi-round
// tool-call resolution, directive extraction, and durable persistence, while
// preserving thread continuity and message ordering.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/lithammer/shortuuid/v4"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/textsplitter"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/apperr"
	"github.com/loomworks/loom/plugin/vectorstore"
	"github.com/loomworks/loom/store"
)

// Message roles as persisted on fragments.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

const (
	defaultTitle               = "New Conversation"
	defaultSimilarityThreshold = 0.25
	defaultMatchCount          = 5
	// defaultMaxToolRounds caps tool-use iterations per request.
	defaultMaxToolRounds = 6
	defaultChunkSize     = 512
	defaultChunkOverlap  = 64
)

// EntityChange is a structured note of an object created, updated or deleted
// during a turn, surfaced to the caller for external synchronization.
type EntityChange = map[string]any

// Validator is implemented by per-assistant context types. The context schema
// is bound at configuration time through the type parameter instead of
// runtime type erasure.
type Validator interface {
	Validate() error
}

// NoContext is the context type for assistants that take no typed context.
type NoContext struct{}

func (NoContext) Validate() error { return nil }

// ResponseSchema constrains model output to schema-conforming JSON.
type ResponseSchema struct {
	Name   string
	Schema map[string]any
}

// Config binds an assistant instance: model, instructions, tools and
// retrieval parameters. Immutable after New.
type Config[T Validator] struct {
	// Title names the assistant and becomes the default thread title.
	Title         string
	Model         string
	SystemMessage string
	Tools         []*Tool

	// SimilarityThreshold is the strict lower bound for retrieval membership,
	// in [0,1]. Zero means the default.
	SimilarityThreshold float32
	// MatchCount limits how many prior fragments are retrieved per turn.
	MatchCount int
	// MaxToolRounds caps tool-use iterations; exceeding it fails the turn.
	MaxToolRounds int

	// ChunkSize and ChunkOverlap parameterize the text splitter used when
	// persisting embeddable fragments.
	ChunkSize    int
	ChunkOverlap int

	// ResponseSchema switches the invoker to structured mode.
	ResponseSchema *ResponseSchema
	// Stream, when set, receives token chunks as they arrive. Incompatible
	// with ResponseSchema; structured wins and a one-time warning is logged.
	Stream func(chunk string)
}

// Request is one inbound user turn.
type Request[T Validator] struct {
	Message  string
	UserID   int32
	ThreadID string
	Context  T
	Sources  []string
}

// Response is the completed turn.
type Response struct {
	Message    string
	ThreadID   string
	Structured map[string]any
	Created    []EntityChange
	Updated    []EntityChange
	Deleted    []EntityChange
}

// ThreadStore is the slice of the durable store the engine needs.
type ThreadStore interface {
	CreateThread(ctx context.Context, create *store.Thread) (*store.Thread, error)
	GetThread(ctx context.Context, find *store.FindThread) (*store.Thread, error)
	UpdateThread(ctx context.Context, update *store.UpdateThread) (*store.Thread, error)
	CreateMessageFragment(ctx context.Context, create *store.MessageFragment) (*store.MessageFragment, error)
	NextOrderIndex(ctx context.Context, threadID int32) (int32, error)
}

// Embedder produces a fixed-dimension vector for text.
type Embedder func(ctx context.Context, text string) ([]float32, error)

// Searcher is the vector index used for retrieval and fragment indexing.
type Searcher interface {
	SearchSimilar(ctx context.Context, threadUID, query string, threshold float32, limit int) ([]vectorstore.SearchResult, error)
	UpsertFragment(ctx context.Context, threadUID string, orderIndex, chunkIndex int32, role, content string, embedding []float32) error
}

// Deps are the injected collaborators. All are treated as external services
// accessed via stateless calls; nothing is cached or locked in-process.
type Deps struct {
	Model    llms.Model
	Embedder Embedder
	Store    ThreadStore
	Index    Searcher
	// Splitter defaults to a recursive-character splitter sized by the
	// config's chunk parameters.
	Splitter textsplitter.TextSplitter
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Assistant orchestrates one request/response cycle per Thread call. A single
// instance is safe for concurrent requests; each call runs independently with
// no shared mutable state.
type Assistant[T Validator] struct {
	cfg      Config[T]
	registry *Registry
	model    llms.Model
	embed    Embedder
	store    ThreadStore
	index    Searcher
	splitter textsplitter.TextSplitter
	log      *slog.Logger

	streamWarn sync.Once
}

func New[T Validator](cfg Config[T], deps Deps) (*Assistant[T], error) {
	if cfg.Model == "" {
		return nil, errors.New("assistant: model is required")
	}
	if cfg.SystemMessage == "" {
		return nil, errors.New("assistant: system message is required")
	}
	if cfg.SimilarityThreshold < 0 || cfg.SimilarityThreshold > 1 {
		return nil, fmt.Errorf("assistant: similarity threshold %v outside [0,1]", cfg.SimilarityThreshold)
	}
	if deps.Model == nil || deps.Embedder == nil || deps.Store == nil || deps.Index == nil {
		return nil, errors.New("assistant: model, embedder, store and index are required")
	}

	if cfg.Title == "" {
		cfg.Title = defaultTitle
	}
	if cfg.SimilarityThreshold == 0 {
		cfg.SimilarityThreshold = defaultSimilarityThreshold
	}
	if cfg.MatchCount <= 0 {
		cfg.MatchCount = defaultMatchCount
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = defaultMaxToolRounds
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = defaultChunkOverlap
	}

	registry, err := NewRegistry(cfg.Tools...)
	if err != nil {
		return nil, err
	}

	splitter := deps.Splitter
	if splitter == nil {
		splitter = textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(cfg.ChunkSize),
			textsplitter.WithChunkOverlap(cfg.ChunkOverlap),
		)
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Assistant[T]{
		cfg:      cfg,
		registry: registry,
		model:    deps.Model,
		embed:    deps.Embedder,
		store:    deps.Store,
		index:    deps.Index,
		splitter: splitter,
		log:      log,
	}, nil
}

// Thread runs one full conversation turn and returns the structured response.
// Either a complete response or a structured error comes back; no partial
// response is returned on failure.
func (a *Assistant[T]) Thread(ctx context.Context, req *Request[T]) (*Response, error) {
	// 1. Validate. Fatal, no partial work performed.
	if err := a.validateRequest(req); err != nil {
		return nil, err
	}

	// 2. Resolve or create the thread.
	thread, err := a.resolveThread(ctx, req)
	if err != nil {
		return nil, a.wrapErr(err, req, "")
	}

	ctx = withThreadUID(ctx, thread.UID)

	// 3. Prepare context: system + objectives, retrieval, new user message.
	history := a.assembleHistory(ctx, thread, req)

	// 4. Process: tool loop when tools are configured, single invocation
	// otherwise.
	var result *invokeResult
	var changes changeSet
	if a.registry.Len() > 0 {
		result, changes, err = a.runToolLoop(ctx, history)
	} else {
		result, err = a.invokeModel(ctx, history)
	}
	if err != nil {
		return nil, a.wrapErr(err, req, thread.UID)
	}
	changes.merge(changeSet{Created: result.Created, Updated: result.Updated, Deleted: result.Deleted})

	if err := a.persistReply(ctx, thread, result); err != nil {
		return nil, a.wrapErr(err, req, thread.UID)
	}

	// 5. Post-process persistence: the user message and the reply again, this
	// time split into embedding chunks.
	if err := a.persistChunkedTurn(ctx, thread, req.Message, result.Message); err != nil {
		return nil, a.wrapErr(err, req, thread.UID)
	}

	return &Response{
		Message:    result.Message,
		ThreadID:   thread.UID,
		Structured: result.Structured,
		Created:    changes.Created,
		Updated:    changes.Updated,
		Deleted:    changes.Deleted,
	}, nil
}

func (a *Assistant[T]) validateRequest(req *Request[T]) error {
	if req == nil {
		return apperr.New(apperr.ValidationError, "request is nil")
	}
	if strings.TrimSpace(req.Message) == "" {
		return apperr.New(apperr.ValidationError, "message must not be empty")
	}
	if req.UserID == 0 {
		return apperr.New(apperr.ValidationError, "user id is required")
	}
	if err := req.Context.Validate(); err != nil {
		return apperr.Wrap(err, apperr.ValidationError, "invalid context")
	}
	return nil
}

// resolveThread uses the supplied thread when it resolves and belongs to the
// requesting user; any other case creates a fresh thread.
func (a *Assistant[T]) resolveThread(ctx context.Context, req *Request[T]) (*store.Thread, error) {
	if req.ThreadID != "" {
		thread, err := a.store.GetThread(ctx, &store.FindThread{UID: &req.ThreadID, CreatorID: &req.UserID})
		if err != nil {
			return nil, err
		}
		if thread != nil {
			return thread, nil
		}
	}
	return a.store.CreateThread(ctx, &store.Thread{
		UID:       shortuuid.New(),
		CreatorID: req.UserID,
		Title:     a.cfg.Title,
	})
}

// assembleHistory builds the model message sequence: system (with accumulated
// objectives as a bulleted list), retrieved fragments in conversation order,
// then the new user message last. Retrieval is best-effort; an empty result
// lets the turn proceed without historical context.
func (a *Assistant[T]) assembleHistory(ctx context.Context, thread *store.Thread, req *Request[T]) []llms.MessageContent {
	history := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemContent(a.cfg.SystemMessage, thread.Objectives)),
	}
	hits, err := a.findSimilar(ctx, thread.UID, req.Message)
	if err != nil {
		a.log.Warn("context retrieval failed, proceeding without history", "thread", thread.UID, "err", err)
	}
	history = append(history, historyFromHits(hits)...)
	history = append(history, llms.TextParts(llms.ChatMessageTypeHuman, userContent(req.Message, req.Sources)))
	return history
}

func systemContent(base string, objectives []string) string {
	if len(objectives) == 0 {
		return base
	}
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nUser objectives:")
	for _, o := range objectives {
		b.WriteString("\n- ")
		b.WriteString(o)
	}
	return b.String()
}

// userContent appends any source references to the model-visible user turn.
// The persisted user message stays the original text.
func userContent(message string, sources []string) string {
	if len(sources) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString(message)
	b.WriteString("\n\nSources:")
	for _, s := range sources {
		b.WriteString("\n- ")
		b.WriteString(s)
	}
	return b.String()
}

// persistReply stores the assistant's reply as a single fragment at the next
// order index, embedded from the full reply text. Embedding generation,
// order-index lookup and the objectives update run concurrently; fragment
// creation waits for the first two. The objectives update is best-effort.
func (a *Assistant[T]) persistReply(ctx context.Context, thread *store.Thread, result *invokeResult) error {
	var (
		embedding []float32
		nextOrder int32
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		embedding, err = a.embed(gctx, result.Message)
		return err
	})
	g.Go(func() error {
		var err error
		nextOrder, err = a.store.NextOrderIndex(gctx, thread.ID)
		return err
	})
	if len(result.Objectives) > 0 {
		merged := append(append([]string{}, thread.Objectives...), result.Objectives...)
		g.Go(func() error {
			if _, err := a.store.UpdateThread(gctx, &store.UpdateThread{UID: thread.UID, Objectives: &merged}); err != nil {
				a.log.Warn("objectives update failed", "thread", thread.UID, "err", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if _, err := a.store.CreateMessageFragment(ctx, &store.MessageFragment{
		ThreadID:   thread.ID,
		OrderIndex: nextOrder,
		ChunkIndex: 0,
		Role:       RoleAssistant,
		Content:    result.Message,
		Embedding:  embedding,
	}); err != nil {
		return err
	}
	if err := a.index.UpsertFragment(ctx, thread.UID, nextOrder, 0, RoleAssistant, result.Message, embedding); err != nil {
		a.log.Warn("vector index update failed", "thread", thread.UID, "err", err)
	}
	return nil
}

// persistChunkedTurn re-persists the user message and the assistant reply as
// separately chunked fragments at the next two order indices; chunks of one
// message share its order index under distinct chunk indices. This duplicates
// the reply fragment written by persistReply on purpose, for parity with the
// reference behavior.
func (a *Assistant[T]) persistChunkedTurn(ctx context.Context, thread *store.Thread, userMessage, reply string) error {
	userOrder, err := a.store.NextOrderIndex(ctx, thread.ID)
	if err != nil {
		return err
	}
	replyOrder := userOrder + 1

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.persistChunks(gctx, thread, userOrder, RoleUser, userMessage)
	})
	g.Go(func() error {
		return a.persistChunks(gctx, thread, replyOrder, RoleAssistant, reply)
	})
	return g.Wait()
}

func (a *Assistant[T]) persistChunks(ctx context.Context, thread *store.Thread, orderIndex int32, role, content string) error {
	chunks, err := a.splitter.SplitText(content)
	if err != nil {
		a.log.Warn("text split failed, storing content unchunked", "thread", thread.UID, "err", err)
	}
	if err != nil || len(chunks) == 0 {
		chunks = []string{content}
	}
	for i, chunk := range chunks {
		embedding, err := a.embed(ctx, chunk)
		if err != nil {
			return err
		}
		if _, err := a.store.CreateMessageFragment(ctx, &store.MessageFragment{
			ThreadID:   thread.ID,
			OrderIndex: orderIndex,
			ChunkIndex: int32(i),
			Role:       role,
			Content:    chunk,
			Embedding:  embedding,
		}); err != nil {
			return err
		}
		if err := a.index.UpsertFragment(ctx, thread.UID, orderIndex, int32(i), role, chunk, embedding); err != nil {
			a.log.Warn("vector index update failed", "thread", thread.UID, "err", err)
		}
	}
	return nil
}

// GenerateTitle produces a short thread title from the opening message.
func (a *Assistant[T]) GenerateTitle(ctx context.Context, firstMessage string) (string, error) {
	prompt := fmt.Sprintf(
		"Generate a short (5-7 word) title for a conversation that starts with:\n%q\nReturn only the title, no quotes.",
		firstMessage,
	)
	title, err := llms.GenerateFromSinglePrompt(ctx, a.model, prompt, llms.WithModel(a.cfg.Model))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(title), nil
}

// Registry exposes the configured tools, used by the MCP surface.
func (a *Assistant[T]) Registry() *Registry {
	return a.registry
}

// wrapErr attaches turn context to a taxonomy error or wraps an unexpected
// one as INTERNAL_ERROR with the original preserved.
func (a *Assistant[T]) wrapErr(err error, req *Request[T], threadUID string) error {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		ae = apperr.Wrap(err, apperr.InternalError, "assistant turn failed")
	}
	ae.With("assistant", a.cfg.Title).With("user_id", req.UserID)
	if threadUID != "" {
		ae.With("thread_uid", threadUID)
	}
	return ae
}
