package repository

import (
	"context"
	"fmt"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// EmbeddingProvider computes a query embedding for semantic search. Its
// implementation is an external collaborator (spec.md §1 Out of scope:
// "the embedding-model implementations"); the repository only depends on
// this typed interface.
type EmbeddingProvider interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// SearchHint selects between semantic (embedding) and lexical (full-text)
// search in Query.
type SearchHint string

const (
	HintSemantic SearchHint = "semantic"
	HintLexical  SearchHint = "lexical"
)

// ScoredEntity pairs a decoded entity with its search score.
type ScoredEntity[T any] struct {
	Entity T
	Score  float64
}

// SearchRepository adds the semantic/lexical search surface (spec.md §4.6)
// on top of a Repository, for models carrying embedding-bearing fields.
type SearchRepository[T any] struct {
	*Repository[T]
	pool     *pgxpool.Pool
	embedder EmbeddingProvider
}

// NewSearchRepository wraps repo with a search surface backed by embedder.
func NewSearchRepository[T any](repo *Repository[T], pool *pgxpool.Pool, embedder EmbeddingProvider) *SearchRepository[T] {
	return &SearchRepository[T]{Repository: repo, pool: pool, embedder: embedder}
}

// SemanticSearch embeds queryText and compares it against the configured
// embedding fields via cosine distance, returning matches above threshold
// ordered by score descending.
func (s *SearchRepository[T]) SemanticSearch(ctx context.Context, tenantID, queryText string, limit int, threshold float64) ([]ScoredEntity[T], error) {
	if s.descriptor.TenantIsolated && tenantID == "" {
		return nil, ErrNoTenantContext
	}
	if len(s.descriptor.EmbeddingFields) == 0 {
		return nil, fmt.Errorf("repository: %s has no embedding fields configured", s.descriptor.TableName)
	}

	queryEmbedding, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embedding query text: %w", err)
	}
	queryVector := pgvector.NewVector(queryEmbedding)

	query := fmt.Sprintf(`
		SELECT r.data, 1 - (e.embedding_vector <=> $1) AS score
		FROM %s r
		JOIN embedding_records e ON e.entity_id = r.%s
		WHERE e.embedding_provider = $2`,
		s.descriptor.TableName, s.descriptor.KeyField)
	args := []any{queryVector, s.embedder.Name()}

	if s.descriptor.TenantIsolated {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND r.tenant_id = $%d", len(args))
	}
	args = append(args, threshold)
	query += fmt.Sprintf(" AND (1 - (e.embedding_vector <=> $1)) >= $%d", len(args))
	query += " ORDER BY score DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("semantic search on %s: %w", s.descriptor.TableName, err)
	}
	defer rows.Close()

	var out []ScoredEntity[T]
	for rows.Next() {
		var raw []byte
		var score float64
		if err := rows.Scan(&raw, &score); err != nil {
			return nil, fmt.Errorf("scanning search row: %w", err)
		}
		var entity T
		if err := decodeJSON(raw, &entity); err != nil {
			return nil, err
		}
		out = append(out, ScoredEntity[T]{Entity: entity, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating search rows: %w", err)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

// Query is a convenience wrapper choosing semantic or lexical search by hint.
func (s *SearchRepository[T]) Query(ctx context.Context, tenantID, queryText string, hint SearchHint, limit int, threshold float64) ([]ScoredEntity[T], error) {
	switch hint {
	case HintSemantic, "":
		return s.SemanticSearch(ctx, tenantID, queryText, limit, threshold)
	case HintLexical:
		return s.lexicalSearch(ctx, tenantID, queryText, limit)
	default:
		return nil, fmt.Errorf("repository: unknown search hint %q", hint)
	}
}

func (s *SearchRepository[T]) lexicalSearch(ctx context.Context, tenantID, queryText string, limit int) ([]ScoredEntity[T], error) {
	if s.descriptor.TenantIsolated && tenantID == "" {
		return nil, ErrNoTenantContext
	}

	query := fmt.Sprintf(`
		SELECT data, ts_rank_cd(to_tsvector('english', data->>'content'), plainto_tsquery('english', $1)) AS score
		FROM %s
		WHERE to_tsvector('english', data->>'content') @@ plainto_tsquery('english', $1)`,
		s.descriptor.TableName)
	args := []any{queryText}

	if s.descriptor.TenantIsolated {
		args = append(args, tenantID)
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args))
	}
	query += " ORDER BY score DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("lexical search on %s: %w", s.descriptor.TableName, err)
	}
	defer rows.Close()

	var out []ScoredEntity[T]
	for rows.Next() {
		var raw []byte
		var score float64
		if err := rows.Scan(&raw, &score); err != nil {
			return nil, fmt.Errorf("scanning lexical search row: %w", err)
		}
		var entity T
		if err := decodeJSON(raw, &entity); err != nil {
			return nil, err
		}
		out = append(out, ScoredEntity[T]{Entity: entity, Score: score})
	}
	return out, rows.Err()
}
