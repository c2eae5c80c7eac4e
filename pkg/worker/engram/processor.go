package engram

import (
	"context"
	"fmt"

	"github.com/wisbric/tieredfs/pkg/model"
)

// EntityUpserter is the narrow write surface a Processor needs; satisfied
// by *repository.Repository[map[string]any] bound to the engram_documents
// table.
type EntityUpserter interface {
	Upsert(ctx context.Context, id, tenantID string, entity map[string]any) error
}

// DefaultProcessor is the batch upsert/patch/association handler spec.md
// §4.5's structured-data special case dispatches to. Associations are
// recorded inline on the document itself (graph resolution happens at
// query time, same as Resource.graph_paths), so "Patched" counts
// associations carried through rather than a separate write.
type DefaultProcessor struct {
	store EntityUpserter
}

// NewDefaultProcessor builds a DefaultProcessor writing through store.
func NewDefaultProcessor(store EntityUpserter) *DefaultProcessor {
	return &DefaultProcessor{store: store}
}

// Process upserts doc keyed by (tenant_id, kind, name) — re-ingesting the
// same document replaces it in place rather than duplicating it, matching
// spec.md §4.5's idempotence invariants.
func (p *DefaultProcessor) Process(ctx context.Context, tenantID string, doc *Document) (*Result, error) {
	name, _ := doc.Fields["name"].(string)
	id := model.EngramDocumentID(tenantID, doc.Kind, name)

	if err := p.store.Upsert(ctx, id.String(), tenantID, doc.Fields); err != nil {
		return nil, fmt.Errorf("upserting engram document %s: %w", id, err)
	}

	return &Result{EngramID: id.String(), Upserted: 1, Patched: len(doc.Associates)}, nil
}
