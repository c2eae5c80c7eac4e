// Package parser is the file-content chunking registry the worker (C5)
// dispatches to. Parser implementations themselves are external
// collaborators (spec.md §1 Out of scope: "the file-format parsers
// themselves (PDF/audio/etc.)"); this package only defines the contract
// and a registry keyed by file extension only; the MIME type is not
// consulted.
package parser

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
)

// Chunk is one unit of extracted content, per spec.md §4.5 step 5.
type Chunk struct {
	Content   string
	ChunkType string
	Ordinal   int
	Metadata  map[string]any
}

// Parser turns a downloaded file into an ordered sequence of Chunks.
type Parser interface {
	// SupportedExtensions lists the lowercase, dot-prefixed extensions
	// (e.g. ".pdf") this parser handles.
	SupportedExtensions() []string
	Parse(ctx context.Context, localPath string) ([]Chunk, error)
}

// Registry maps file extensions to their Parser.
type Registry struct {
	mu    sync.RWMutex
	byExt map[string]Parser
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byExt: make(map[string]Parser)}
}

// Register binds p to every extension it reports supporting.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range p.SupportedExtensions() {
		r.byExt[strings.ToLower(ext)] = p
	}
}

// GetParser resolves a parser for localPath by its suffix. The second
// return value is false when no parser is registered for the extension —
// per spec.md §4.5 step 5, the worker then logs and returns without
// processing, leaving the file row with no chunks.
func (r *Registry) GetParser(localPath string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ext := strings.ToLower(filepath.Ext(localPath))
	p, ok := r.byExt[ext]
	return p, ok
}
