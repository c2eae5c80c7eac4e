// Package engram implements the structured-data document special case from
// spec.md §4.5: .yaml/.yml/.json files that declare a `kind` or `p8Kind`
// field are routed through a batch upsert/patch/association processor
// instead of the default chunking path. Grounded on
// original_source/p8fs/src/p8fs/workers/storage.py's ProcessorRegistry
// dispatch ("processor_used == 'engram'").
package engram

import (
	"context"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Document is a parsed Engram-shaped structured document.
type Document struct {
	Kind       string
	Fields     map[string]any
	Associates []Association
}

// Association is one graph edge an Engram document declares inline.
type Association struct {
	Dst     string
	RelType string
}

// Result is the outcome of processing an Engram document.
type Result struct {
	EngramID string
	Upserted int
	Patched  int
}

// Detect reports whether raw content parses as an Engram-shaped document:
// valid YAML or JSON containing a `kind` or `p8Kind` field.
func Detect(raw []byte) (*Document, bool) {
	var fields map[string]any
	if err := yaml.Unmarshal(raw, &fields); err != nil {
		return nil, false
	}

	kind, ok := extractKind(fields)
	if !ok {
		return nil, false
	}

	return &Document{Kind: kind, Fields: fields, Associates: extractAssociations(fields)}, true
}

func extractKind(fields map[string]any) (string, bool) {
	if k, ok := fields["kind"].(string); ok && k != "" {
		return k, true
	}
	if k, ok := fields["p8Kind"].(string); ok && k != "" {
		return k, true
	}
	return "", false
}

func extractAssociations(fields map[string]any) []Association {
	raw, ok := fields["associations"].([]any)
	if !ok {
		return nil
	}

	var out []Association
	for _, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		dst, _ := m["dst"].(string)
		rel, _ := m["rel_type"].(string)
		if dst == "" {
			continue
		}
		out = append(out, Association{Dst: dst, RelType: rel})
	}
	return out
}

// Processor is the Engram-document handler the worker dispatches to when
// Detect succeeds. Its concrete upsert/patch/association logic lives
// outside this package (it operates against the entity repository, C6),
// so this is the narrow interface the worker depends on.
type Processor interface {
	Process(ctx context.Context, tenantID string, doc *Document) (*Result, error)
}

// MarshalDocument re-encodes a Document's fields as canonical JSON, useful
// for logging and for processors that prefer JSON over the map form.
func MarshalDocument(doc *Document) ([]byte, error) {
	data, err := json.Marshal(doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("marshaling engram document: %w", err)
	}
	return data, nil
}
