package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/wisbric/tieredfs/pkg/model"
)

// EmbeddingStore manages the embedding_records table. Unlike the generic
// JSONB-backed Repository[T], embedding_vector is a genuine pgvector
// `vector` column so SemanticSearch's `<=>` distance operator can use it
// directly — embeddings are the one model where the vector needs to be
// queryable, not just stored.
type EmbeddingStore struct {
	pool *pgxpool.Pool
}

// NewEmbeddingStore builds an EmbeddingStore.
func NewEmbeddingStore(pool *pgxpool.Pool) *EmbeddingStore {
	return &EmbeddingStore{pool: pool}
}

// Upsert writes or replaces one embedding record, keyed by
// (entity_id, field_name, provider) per spec.md §3/§4.5 step 7 — recomputing
// an embedding overwrites rather than appends.
func (s *EmbeddingStore) Upsert(ctx context.Context, rec model.EmbeddingRecord) error {
	query := `
		INSERT INTO embedding_records (id, entity_id, field_name, embedding_provider, embedding_vector, vector_dimension, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			embedding_vector = EXCLUDED.embedding_vector,
			vector_dimension = EXCLUDED.vector_dimension`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.EntityID, rec.FieldName, rec.EmbeddingProvider,
		pgvector.NewVector(rec.EmbeddingVector), rec.VectorDimension, rec.TenantID)
	if err != nil {
		return fmt.Errorf("upserting embedding record %s: %w", rec.ID, err)
	}
	return nil
}

// DeleteForEntity removes every embedding owned by entityID, transitively
// deleting them when their owning Resource/Moment is removed, per
// spec.md §4.5 delete semantics.
func (s *EmbeddingStore) DeleteForEntity(ctx context.Context, entityID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM embedding_records WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("deleting embeddings for entity %s: %w", entityID, err)
	}
	return nil
}
