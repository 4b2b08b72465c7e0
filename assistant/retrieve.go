package assistant

import (
	"context"
	"sort"

	"github.com/tmc/langchaingo/llms"

	"github.com/loomworks/loom/apperr"
	"github.com/loomworks/loom/plugin/vectorstore"
)

// findSimilar returns prior fragments of the thread relevant to query.
// Similarity determines membership, order index determines presentation
// order: the model sees history chronologically, not by similarity rank.
func (a *Assistant[T]) findSimilar(ctx context.Context, threadUID, query string) ([]vectorstore.SearchResult, error) {
	hits, err := a.index.SearchSimilar(ctx, threadUID, query, a.cfg.SimilarityThreshold, a.cfg.MatchCount)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.InternalError, "similarity search")
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].OrderIndex != hits[j].OrderIndex {
			return hits[i].OrderIndex < hits[j].OrderIndex
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})
	return hits, nil
}

func roleToMessageType(role string) llms.ChatMessageType {
	switch role {
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleTool:
		return llms.ChatMessageTypeTool
	default:
		return llms.ChatMessageTypeHuman
	}
}

// historyFromHits converts retrieved fragments into model messages.
func historyFromHits(hits []vectorstore.SearchResult) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(hits))
	for _, h := range hits {
		out = append(out, llms.TextParts(roleToMessageType(h.Role), h.Content))
	}
	return out
}
