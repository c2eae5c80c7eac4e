// Package embedding implements the embedding-model external collaborator
// (spec.md §1 Non-goal: "the embedding-model implementations themselves").
// It satisfies both pkg/worker.EmbeddingProvider and
// pkg/repository.EmbeddingProvider, which share the same Name/Embed shape.
//
// No example in the retrieval pack calls a fetchable (non-gRPC-proto)
// embedding service, so this is a plain net/http JSON client rather than a
// wired third-party SDK — see DESIGN.md.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wisbric/tieredfs/pkg/errkind"
)

// Client calls an HTTP embedding service that accepts {"text": "..."} and
// returns {"embedding": [...]}.
type Client struct {
	endpoint string
	model    string
	http     *http.Client
}

// NewClient builds a Client against endpoint, identifying itself as model
// in Name() (used as the provider column in the embeddings sidecar table).
func NewClient(endpoint, model string) *Client {
	return &Client{
		endpoint: endpoint,
		model:    model,
		http:     &http.Client{Timeout: 30 * time.Second},
	}
}

// Name returns the configured model identifier.
func (c *Client) Name() string {
	return c.model
}

type embedRequest struct {
	Text  string `json:"text"`
	Model string `json:"model,omitempty"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed posts text to the embedding service and returns the resulting
// vector. Any response other than 200 OK, or a connection failure, surfaces as
// errkind.EmbeddingUnavailable, which worker.go naks on rather than
// dropping the message.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Text: text, Model: c.model})
	if err != nil {
		return nil, fmt.Errorf("embedding: encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("embedding: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errkind.New(errkind.EmbeddingUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errkind.Newf(errkind.EmbeddingUnavailable, "embedding service returned status %d", resp.StatusCode)
	}

	var out embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errkind.New(errkind.EmbeddingUnavailable, fmt.Errorf("decoding embedding response: %w", err))
	}
	return out.Embedding, nil
}
