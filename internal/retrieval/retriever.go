// Package retrieval finds the knowledge-base passages most similar to a query,
// restricted to the knowledge sources linked to an agent.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"nexus-agent/internal/domain"
)

// Embedder turns a query into the vector space the knowledge chunks live in.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Searcher runs a similarity search restricted to sourceIDs.
type Searcher interface {
	Search(ctx context.Context, vector []float32, sourceIDs []string, limit int) ([]domain.Passage, error)
}

type Retriever struct {
	embedder Embedder
	searcher Searcher
	log      *slog.Logger
}

func New(embedder Embedder, searcher Searcher, log *slog.Logger) (*Retriever, error) {
	if embedder == nil {
		return nil, errors.New("retrieval: embedder must not be nil")
	}
	if searcher == nil {
		return nil, errors.New("retrieval: searcher must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{embedder: embedder, searcher: searcher, log: log}, nil
}

// Retrieve returns at most topK passages ordered by descending relevance. An
// agent without linked sources gets no passages and the backend is not called.
// No authorization happens here; callers scope sourceIDs.
func (r *Retriever) Retrieve(ctx context.Context, query, agentID string, sourceIDs []string, topK int) ([]domain.Passage, error) {
	sourceIDs = compact(sourceIDs)
	if len(sourceIDs) == 0 || topK <= 0 {
		return []domain.Passage{}, nil
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.Passage{}, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed query: %w", err)
	}
	passages, err := r.searcher.Search(ctx, vector, sourceIDs, topK)
	if err != nil {
		return nil, fmt.Errorf("retrieval: search: %w", err)
	}

	sort.SliceStable(passages, func(i, j int) bool {
		return passages[i].Score > passages[j].Score
	})
	if len(passages) > topK {
		passages = passages[:topK]
	}
	r.log.Debug("retrieved passages", "agent_id", agentID, "sources", len(sourceIDs), "passages", len(passages))
	return passages, nil
}

func compact(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
