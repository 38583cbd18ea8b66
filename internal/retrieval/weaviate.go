package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"nexus-agent/internal/domain"
)

const DefaultClass = "KnowledgeChunk"

// WeaviateSearcher queries knowledge chunks stored with their kb_id and
// content properties. Certainty is used as the score since it stays in [0,1]
// whatever the distance metric.
type WeaviateSearcher struct {
	client    *weaviate.Client
	className string
}

func NewWeaviateSearcher(client *weaviate.Client, className string) (*WeaviateSearcher, error) {
	if client == nil {
		return nil, errors.New("retrieval: weaviate client must not be nil")
	}
	className = strings.TrimSpace(className)
	if className == "" {
		className = DefaultClass
	}
	return &WeaviateSearcher{client: client, className: className}, nil
}

// NewWeaviateClient builds a client for scheme://host, with an optional API key.
func NewWeaviateClient(scheme, host, apiKey string) (*weaviate.Client, error) {
	cfg := weaviate.Config{Host: host, Scheme: scheme}
	if apiKey != "" {
		cfg.Headers = map[string]string{"Authorization": "Bearer " + apiKey}
	}
	client, err := weaviate.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("retrieval: create weaviate client: %w", err)
	}
	return client, nil
}

func (s *WeaviateSearcher) Search(ctx context.Context, vector []float32, sourceIDs []string, limit int) ([]domain.Passage, error) {
	operands := make([]*filters.WhereBuilder, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		operands = append(operands, filters.Where().
			WithPath([]string{"kb_id"}).
			WithOperator(filters.Equal).
			WithValueString(id))
	}
	where := operands[0]
	if len(operands) > 1 {
		where = filters.Where().
			WithOperator(filters.Or).
			WithOperands(operands)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	fields := []graphql.Field{
		{Name: "kb_id"},
		{Name: "content"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "certainty"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(s.className).
		WithFields(fields...).
		WithWhere(where).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate query: %w", err)
	}
	return parseChunks(result, s.className)
}

type chunkResult struct {
	KBID       string `json:"kb_id"`
	Content    string `json:"content"`
	Additional struct {
		Certainty float64 `json:"certainty"`
	} `json:"_additional"`
}

func parseChunks(resp *models.GraphQLResponse, className string) ([]domain.Passage, error) {
	if resp == nil {
		return nil, errors.New("nil graphql response")
	}
	if len(resp.Errors) > 0 {
		msgs := make([]string, 0, len(resp.Errors))
		for _, e := range resp.Errors {
			if e != nil {
				msgs = append(msgs, e.Message)
			}
		}
		return nil, fmt.Errorf("graphql errors: %s", strings.Join(msgs, "; "))
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql data: %w", err)
	}
	var parsed struct {
		Get map[string][]chunkResult `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal graphql data: %w", err)
	}

	chunks := parsed.Get[className]
	out := make([]domain.Passage, 0, len(chunks))
	for _, c := range chunks {
		content := strings.TrimSpace(c.Content)
		if content == "" {
			continue
		}
		out = append(out, domain.Passage{
			SourceID: c.KBID,
			Content:  content,
			Score:    c.Additional.Certainty,
		})
	}
	return out, nil
}
