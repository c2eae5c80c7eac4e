// Package repository implements the Entity Repository (C6): a tenant-scoped
// CRUD + search surface over pgx/v5, generalized from the teacher's
// per-model Store pattern (pkg/apikey/store.go, pkg/pat/store.go) into a
// single registry-driven generic repository, per the Model Introspection
// Contract in spec.md §4.6.
package repository

// EmbeddingField names one field of a model that carries a vector
// embedding and the provider that produced it.
type EmbeddingField struct {
	FieldName         string
	EmbeddingProvider string
}

// Descriptor is one model's entry in the static registry populated at
// startup, satisfying spec.md §4.6's Model Introspection Contract.
type Descriptor struct {
	TableName       string
	KeyField        string
	TenantIsolated  bool
	EmbeddingFields []EmbeddingField
	// FieldTypes maps a field name to its semantic SQL type. It is
	// descriptive only: Repository and SearchRepository store and decode
	// the JSONB "data" column and do not read it.
	FieldTypes map[string]string
}

// Registry is the static set of model descriptors known at startup.
type Registry struct {
	descriptors map[string]Descriptor
}

// NewRegistry builds a Registry from the given descriptors, keyed by
// TableName.
func NewRegistry(descriptors ...Descriptor) *Registry {
	r := &Registry{descriptors: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		r.descriptors[d.TableName] = d
	}
	return r
}

// Describe looks up a model's Descriptor by table name.
func (r *Registry) Describe(tableName string) (Descriptor, bool) {
	d, ok := r.descriptors[tableName]
	return d, ok
}

// DefaultRegistry is the model introspection registry for this system's
// entities (pkg/model), wired at startup by cmd/tieredfs.
var DefaultRegistry = NewRegistry(
	Descriptor{
		TableName:      "files",
		KeyField:       "id",
		TenantIsolated: true,
		FieldTypes: map[string]string{
			"id": "uuid", "tenant_id": "text", "uri": "text",
			"file_size": "bigint", "mime_type": "text", "content_hash": "text",
			"upload_timestamp": "timestamptz", "metadata": "jsonb",
		},
	},
	Descriptor{
		TableName:      "resources",
		KeyField:       "id",
		TenantIsolated: true,
		EmbeddingFields: []EmbeddingField{
			{FieldName: "content", EmbeddingProvider: "default"},
		},
		FieldTypes: map[string]string{
			"id": "uuid", "tenant_id": "text", "name": "text", "category": "text",
			"content": "text", "summary": "text", "ordinal": "int",
			"uri": "text", "resource_timestamp": "timestamptz",
			"metadata": "jsonb", "graph_paths": "jsonb",
		},
	},
	Descriptor{
		TableName:      "moments",
		KeyField:       "id",
		TenantIsolated: true,
		EmbeddingFields: []EmbeddingField{
			{FieldName: "content", EmbeddingProvider: "default"},
			{FieldName: "summary", EmbeddingProvider: "default"},
		},
		FieldTypes: map[string]string{
			"id": "uuid", "tenant_id": "text", "content": "text",
			"resource_ends_timestamp": "timestamptz", "present_persons": "jsonb",
			"moment_type": "text", "emotion_tags": "text[]", "topic_tags": "text[]",
		},
	},
	// embedding_records is not registered here: its embedding_vector column
	// is a genuine pgvector vector (not the generic jsonb "data" blob), and
	// is accessed exclusively through EmbeddingStore (embeddings.go).
	Descriptor{
		TableName:      "tenants",
		KeyField:       "tenant_id",
		TenantIsolated: false,
		FieldTypes: map[string]string{
			"tenant_id": "text", "email": "text", "public_key": "bytea",
			"device_ids": "text[]", "created_at": "timestamptz",
		},
	},
	Descriptor{
		// engram_documents holds the structured-data documents the
		// worker's engram special case upserts (spec.md §4.5); its
		// shape is declared entirely by the document's own "kind" rather
		// than a fixed Go struct, so it is stored as a generic
		// map[string]any via Repository[map[string]any].
		TableName:      "engram_documents",
		KeyField:       "id",
		TenantIsolated: true,
		FieldTypes: map[string]string{
			"id": "uuid", "tenant_id": "text", "kind": "text", "data": "jsonb",
		},
	},
	Descriptor{
		TableName:      "devices",
		KeyField:       "device_id",
		TenantIsolated: true,
		FieldTypes: map[string]string{
			"device_id": "uuid", "tenant_id": "text", "email": "text",
			"device_name": "text", "device_type": "text", "platform": "text",
			"public_key": "bytea", "trust_level": "text",
			"created_at": "timestamptz", "last_seen": "timestamptz",
		},
	},
)
