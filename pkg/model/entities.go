package model

import (
	"time"

	"github.com/google/uuid"
)

// TrustLevel is a Device's monotonically-increasing trust state.
type TrustLevel string

const (
	TrustUnverified TrustLevel = "UNVERIFIED"
	TrustTrusted    TrustLevel = "TRUSTED"
)

// Tenant is the global account root. Its public key is set at creation and
// rotation requires device-bound re-approval (spec.md §3).
type Tenant struct {
	TenantID  string    `json:"tenant_id"`
	Email     string    `json:"email"`
	PublicKey []byte    `json:"public_key"` // 32-byte Ed25519
	DeviceIDs []string  `json:"device_ids"`
	CreatedAt time.Time `json:"created_at"`
}

// Device is an enrolled, key-bound client. At most one device exists per
// DeviceID; TrustLevel only ever increases.
type Device struct {
	DeviceID   uuid.UUID  `json:"device_id"`
	TenantID   string     `json:"tenant_id"`
	Email      string     `json:"email"`
	DeviceName string     `json:"device_name"`
	DeviceType string     `json:"device_type"`
	Platform   string     `json:"platform"`
	PublicKey  []byte     `json:"public_key"`
	TrustLevel TrustLevel `json:"trust_level"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeen   time.Time  `json:"last_seen"`
}

// File is the top-level object-store-backed artifact a tenant has ingested.
type File struct {
	ID              uuid.UUID      `json:"id"`
	TenantID        string         `json:"tenant_id"`
	URI             string         `json:"uri"`
	FileSize        int64          `json:"file_size"`
	MimeType        string         `json:"mime_type,omitempty"`
	ContentHash     string         `json:"content_hash,omitempty"`
	UploadTimestamp time.Time      `json:"upload_timestamp"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// InlineEdge is a human-readable graph pointer embedded in a Resource or
// Moment; the destination label is resolved to a physical entity at query
// time, not at write time.
type InlineEdge struct {
	Dst        string         `json:"dst"`
	RelType    string         `json:"rel_type"` // kebab-case
	Weight     float64        `json:"weight"`   // [0,1]
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Resource is one content chunk derived from a File.
type Resource struct {
	ID                uuid.UUID      `json:"id"`
	TenantID          string         `json:"tenant_id"`
	Name              string         `json:"name"`
	Category          string         `json:"category"`
	Content           string         `json:"content"`
	Summary           string         `json:"summary,omitempty"`
	Ordinal           int            `json:"ordinal"`
	URI               string         `json:"uri"`
	ResourceTimestamp time.Time      `json:"resource_timestamp"`
	Metadata          map[string]any `json:"metadata"` // carries file_id
	GraphPaths        []InlineEdge   `json:"graph_paths,omitempty"`
}

// FileIDFromMetadata extracts the owning File's id that the worker stamps
// into Metadata["file_id"] when upserting a chunk.
func (r *Resource) FileIDFromMetadata() (uuid.UUID, bool) {
	raw, ok := r.Metadata["file_id"]
	if !ok {
		return uuid.Nil, false
	}
	s, ok := raw.(string)
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Moment is a Resource subclass for time-bounded, multi-participant content
// (e.g. meeting recordings, conversation threads).
type Moment struct {
	Resource
	ResourceEndsTimestamp *time.Time        `json:"resource_ends_timestamp,omitempty"`
	PresentPersons        map[string]Person `json:"present_persons,omitempty"` // fingerprint -> person
	MomentType            string            `json:"moment_type,omitempty"`
	EmotionTags           []string          `json:"emotion_tags,omitempty"`
	TopicTags             []string          `json:"topic_tags,omitempty"`
	Location              string            `json:"location,omitempty"`
	Speakers              []string          `json:"speakers,omitempty"`
}

// Valid enforces the timestamp ordering invariant: if both are set,
// resource_timestamp <= resource_ends_timestamp.
func (m *Moment) Valid() bool {
	if m.ResourceEndsTimestamp == nil {
		return true
	}
	return !m.ResourceTimestamp.After(*m.ResourceEndsTimestamp)
}

// Person is a lightweight participant record keyed by voice/identity
// fingerprint within a Moment.
type Person struct {
	Fingerprint string `json:"fingerprint"`
	DisplayName string `json:"display_name,omitempty"`
}

// EmbeddingRecord is the sidecar embedding vector for one (entity, field).
type EmbeddingRecord struct {
	ID                uuid.UUID `json:"id"`
	EntityID          uuid.UUID `json:"entity_id"`
	FieldName         string    `json:"field_name"`
	EmbeddingProvider string    `json:"embedding_provider"`
	EmbeddingVector   []float32 `json:"embedding_vector"`
	VectorDimension   int       `json:"vector_dimension"`
	TenantID          string    `json:"tenant_id"`
}
