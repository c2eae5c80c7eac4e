// Package worker implements the per-tier Storage Worker (C5): it consumes
// one tier's subject, downloads the referenced object, dispatches it to a
// parser (or the Engram structured-document special case), persists the
// resulting Resources and their embeddings, and acks or naks per
// spec.md §4.5's per-message procedure.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wisbric/tieredfs/pkg/bus"
	"github.com/wisbric/tieredfs/pkg/errkind"
	"github.com/wisbric/tieredfs/pkg/model"
	"github.com/wisbric/tieredfs/pkg/objectstore"
	"github.com/wisbric/tieredfs/pkg/opsnotify"
	"github.com/wisbric/tieredfs/pkg/parser"
	"github.com/wisbric/tieredfs/pkg/repository"
	"github.com/wisbric/tieredfs/pkg/router"
	"github.com/wisbric/tieredfs/pkg/watcher"
	"github.com/wisbric/tieredfs/pkg/worker/engram"
)

// workerMaxDeliver mirrors the MaxDeliver the router configures on every
// tier consumer (router.go's setup) — once a message has been delivered
// this many times, ParserFailed stops naking and acks-and-drops instead,
// per spec.md §7's error taxonomy.
const workerMaxDeliver = 3

// nakStormThreshold is the consecutive-failure count (spec.md §5
// "Backpressure") at or above which the worker backs off before its next fetch.
const nakStormThreshold = 3

// maxBackoff caps the nak-storm exponential backoff at 30s (spec.md §5).
const maxBackoff = 30 * time.Second

const fetchBatch = 1

// FileRepo is the subset of *repository.Repository[model.File] the worker
// needs; satisfied directly by that type, and by fakes in tests.
type FileRepo interface {
	Upsert(ctx context.Context, id, tenantID string, entity model.File) error
	Delete(ctx context.Context, id, tenantID string) (bool, error)
}

// ResourceRepo is the subset of *repository.Repository[model.Resource] the
// worker needs.
type ResourceRepo interface {
	Upsert(ctx context.Context, id, tenantID string, entity model.Resource) error
	Select(ctx context.Context, tenantID string, opts repository.SelectOptions) ([]model.Resource, error)
	Delete(ctx context.Context, id, tenantID string) (bool, error)
}

// EmbeddingSink is the subset of *repository.EmbeddingStore the worker needs.
type EmbeddingSink interface {
	Upsert(ctx context.Context, rec model.EmbeddingRecord) error
	DeleteForEntity(ctx context.Context, entityID string) error
}

// EmbeddingProvider computes embedding vectors for chunk/field content. Its
// implementation is an external collaborator (spec.md §1 Out of scope:
// "the embedding-model implementations").
type EmbeddingProvider interface {
	Name() string
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config binds a Worker to one tier's stream, subject and consumer.
type Config struct {
	Tier     router.Tier
	Stream   string
	Subject  string
	Consumer string
}

// ConfigFor builds the Config for a tier using the router's conventional
// stream/subject/consumer names, so a worker and the router it feeds from
// always agree on topology.
func ConfigFor(tier router.Tier) Config {
	switch tier {
	case router.TierSmall:
		return Config{Tier: tier, Stream: router.StreamSmall, Subject: router.SubjectSmall, Consumer: router.WorkerConsumerSmall}
	case router.TierMedium:
		return Config{Tier: tier, Stream: router.StreamMedium, Subject: router.SubjectMedium, Consumer: router.WorkerConsumerMedium}
	default:
		return Config{Tier: router.TierLarge, Stream: router.StreamLarge, Subject: router.SubjectLarge, Consumer: router.WorkerConsumerLarge}
	}
}

// Worker is one tier's Storage Worker instance.
type Worker struct {
	cfg       Config
	bus       bus.Bus
	store     objectstore.Store
	files     FileRepo
	resources ResourceRepo
	embed     EmbeddingSink
	embedder  EmbeddingProvider
	registry  *repository.Registry
	parsers   *parser.Registry
	engramFn  engram.Processor
	notify    *opsnotify.Notifier
	log       *slog.Logger
	tempDir   string

	consecutiveFailures int
}

// New builds a Worker for cfg. tempDir is where downloaded objects are
// staged before parsing; it must exist and be writable.
func New(
	cfg Config,
	b bus.Bus,
	store objectstore.Store,
	files FileRepo,
	resources ResourceRepo,
	embed EmbeddingSink,
	embedder EmbeddingProvider,
	registry *repository.Registry,
	parsers *parser.Registry,
	engramFn engram.Processor,
	notify *opsnotify.Notifier,
	log *slog.Logger,
	tempDir string,
) *Worker {
	return &Worker{
		cfg: cfg, bus: b, store: store, files: files, resources: resources,
		embed: embed, embedder: embedder, registry: registry, parsers: parsers,
		engramFn: engramFn, notify: notify, log: log, tempDir: tempDir,
	}
}

// Run binds the tier's pull subscription and processes messages until ctx
// is canceled. A nak storm (>= nakStormThreshold consecutive failures)
// sleeps with exponential backoff, capped at 30s, before the next fetch.
func (w *Worker) Run(ctx context.Context) error {
	sub, err := w.bus.PullSubscribe(ctx, w.cfg.Stream, w.cfg.Consumer, w.cfg.Subject)
	if err != nil {
		return fmt.Errorf("worker[%s]: pull subscribe: %w", w.cfg.Tier, err)
	}

	timeout := router.WorkerTimeoutFor(w.cfg.Tier)

	for {
		if ctx.Err() != nil {
			return nil
		}

		if w.consecutiveFailures >= nakStormThreshold {
			backoff := w.backoffDuration()
			w.notify.NakStorm(ctx, string(w.cfg.Tier), backoff.String(), fmt.Errorf("%d consecutive failures", w.consecutiveFailures))
			w.log.Warn("worker: nak storm backoff", "tier", w.cfg.Tier, "backoff", backoff)
			if !sleepCtx(ctx, backoff) {
				return nil
			}
		}

		msgs, err := sub.Fetch(ctx, fetchBatch, 30*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.log.Error("worker: fetch error", "tier", w.cfg.Tier, "error", err)
			continue
		}

		for _, msg := range msgs {
			msgCtx, cancel := context.WithTimeout(ctx, timeout)
			err := w.handle(msgCtx, msg)
			cancel()

			if err != nil {
				w.consecutiveFailures++
				w.log.Error("worker: message processing failed", "tier", w.cfg.Tier, "error", err)
				continue
			}
			w.consecutiveFailures = 0
		}
	}
}

func (w *Worker) backoffDuration() time.Duration {
	d := time.Duration(1<<uint(w.consecutiveFailures-nakStormThreshold)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// handle runs the full per-message procedure from spec.md §4.5 (or the
// delete-semantics branch for DELETE events) and acks/naks msg accordingly.
func (w *Worker) handle(ctx context.Context, msg *bus.Message) error {
	var routed router.RoutedEvent
	if err := json.Unmarshal(msg.Data, &routed); err != nil {
		w.log.Warn("worker: dropping malformed event", "tier", w.cfg.Tier, "error", err)
		return w.bus.Ack(ctx, msg)
	}
	ev := routed.Event

	if ev.PathInfo == nil || !ev.PathInfo.IsTenantPath {
		w.log.Warn("worker: dropping event with no tenant path info", "tier", w.cfg.Tier)
		return w.bus.Ack(ctx, msg)
	}

	switch ev.EventType {
	case watcher.EventDelete:
		if err := w.handleDelete(ctx, ev.TenantID, ev.Path); err != nil {
			return w.nakOrDrop(ctx, msg, err)
		}
		return w.bus.Ack(ctx, msg)
	default:
		if err := w.handleUpsert(ctx, ev, routed.Routing.FileSizeBytes); err != nil {
			return w.nakOrDrop(ctx, msg, err)
		}
		return w.bus.Ack(ctx, msg)
	}
}

// nakOrDrop naks msg unless the message has exhausted max_deliver on a
// ParserFailed, in which case it acks and records rather than naking
// forever. A missing parser never reaches here: handleUpsert returns nil
// for it (step 5's "log and return without error").
func (w *Worker) nakOrDrop(ctx context.Context, msg *bus.Message, cause error) error {
	if errkind.Is(cause, errkind.ParserFailed) && msg.NumDelivered >= workerMaxDeliver {
		w.log.Error("worker: parser failed at max_deliver, dropping", "error", cause)
		w.notify.DeadLettered(ctx, string(w.cfg.Tier), msg.Subject, cause)
		return w.bus.Ack(ctx, msg)
	}
	if err := w.bus.Nak(ctx, msg); err != nil {
		return fmt.Errorf("naking message: %w", err)
	}
	return cause
}

// handleUpsert implements spec.md §4.5 steps 1-9 for a CREATE/UPDATE event.
// sizeBytes is the router's already-derived file size, carried in the
// routing envelope, so the worker does not need to re-run the fallback chain.
func (w *Worker) handleUpsert(ctx context.Context, ev watcher.Event, sizeBytes int64) error {
	tenantID, uri := ev.TenantID, ev.Path
	fileID := model.FileID(tenantID, uri)

	mimeType := ev.Metadata.ContentType
	size := sizeBytes

	file := model.File{
		ID:              fileID,
		TenantID:        tenantID,
		URI:             uri,
		FileSize:        size,
		MimeType:        mimeType,
		UploadTimestamp: time.Now(),
		Metadata:        map[string]any{"object_store_key": uri},
	}
	if err := w.files.Upsert(ctx, fileID.String(), tenantID, file); err != nil {
		return errkind.New(errkind.RepositoryConflict, fmt.Errorf("upserting file: %w", err))
	}

	dl, err := w.store.Download(ctx, uri, tenantID)
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return errkind.New(errkind.PermanentObjectStore, err)
		}
		return errkind.New(errkind.TransientObjectStore, err)
	}
	defer dl.Content.Close()

	localPath, raw, err := w.stageTemp(uri, dl.Content)
	if err != nil {
		return errkind.New(errkind.TransientObjectStore, fmt.Errorf("staging download: %w", err))
	}
	defer os.Remove(localPath)

	if isStructuredExt(uri) {
		if doc, ok := engram.Detect(raw); ok {
			if _, err := w.engramFn.Process(ctx, tenantID, doc); err != nil {
				w.log.Warn("worker: failed to process as engram, falling back to regular processing", "uri", uri, "error", err)
			} else {
				return nil
			}
		}
	}

	p, ok := w.parsers.GetParser(localPath)
	if !ok {
		w.log.Info("worker: no parser for file, file row written without chunks", "uri", uri)
		return nil
	}

	chunks, err := p.Parse(ctx, localPath)
	if err != nil {
		return errkind.New(errkind.ParserFailed, fmt.Errorf("parsing %s: %w", uri, err))
	}

	for _, c := range chunks {
		resourceID := model.ResourceID(tenantID, uri, c.Ordinal)
		metadata := map[string]any{"file_id": fileID.String(), "chunk_type": c.ChunkType}
		for k, v := range c.Metadata {
			metadata[k] = v
		}

		resource := model.Resource{
			ID:                resourceID,
			TenantID:          tenantID,
			Name:              filepath.Base(uri),
			Category:          chunkCategory(c.ChunkType),
			Content:           c.Content,
			Ordinal:           c.Ordinal,
			URI:               uri,
			ResourceTimestamp: time.Now(),
			Metadata:          metadata,
		}
		if err := w.resources.Upsert(ctx, resourceID.String(), tenantID, resource); err != nil {
			return errkind.New(errkind.RepositoryConflict, fmt.Errorf("upserting resource %s: %w", resourceID, err))
		}

		if err := w.generateEmbeddings(ctx, tenantID, resourceID, resource); err != nil {
			return err
		}
	}

	return nil
}

// generateEmbeddings produces one embedding record per embedding-bearing
// field the model registry declares for "resources" (spec.md §4.5 step 7,
// §4.6's introspection contract).
func (w *Worker) generateEmbeddings(ctx context.Context, tenantID string, resourceID uuid.UUID, resource model.Resource) error {
	descriptor, ok := w.registry.Describe("resources")
	if !ok || len(descriptor.EmbeddingFields) == 0 {
		return nil
	}

	for _, ef := range descriptor.EmbeddingFields {
		text := fieldValue(resource, ef.FieldName)
		if text == "" {
			continue
		}

		vec, err := w.embedder.Embed(ctx, text)
		if err != nil {
			return errkind.New(errkind.EmbeddingUnavailable, fmt.Errorf("embedding %s.%s: %w", resourceID, ef.FieldName, err))
		}

		rec := model.EmbeddingRecord{
			ID:                model.EmbeddingID(resourceID.String(), ef.FieldName, w.embedder.Name()),
			EntityID:          resourceID,
			FieldName:         ef.FieldName,
			EmbeddingProvider: w.embedder.Name(),
			EmbeddingVector:   vec,
			VectorDimension:   len(vec),
			TenantID:          tenantID,
		}
		if err := w.embed.Upsert(ctx, rec); err != nil {
			return errkind.New(errkind.RepositoryConflict, fmt.Errorf("upserting embedding for %s.%s: %w", resourceID, ef.FieldName, err))
		}
	}
	return nil
}

func fieldValue(r model.Resource, field string) string {
	switch field {
	case "content":
		return r.Content
	case "summary":
		return r.Summary
	default:
		return ""
	}
}

// handleDelete implements spec.md §4.5's delete semantics: load every
// Resource whose metadata references file_id, delete each (transitively
// removing its embeddings), then delete the file row.
func (w *Worker) handleDelete(ctx context.Context, tenantID, uri string) error {
	fileID := model.FileID(tenantID, uri)

	resources, err := w.resources.Select(ctx, tenantID, repository.SelectOptions{
		Filters: []repository.Filter{{Field: "metadata", Value: map[string]any{"file_id": fileID.String()}, Contains: true}},
	})
	if err != nil {
		return errkind.New(errkind.RepositoryConflict, fmt.Errorf("listing resources for file %s: %w", fileID, err))
	}

	for _, r := range resources {
		if err := w.embed.DeleteForEntity(ctx, r.ID.String()); err != nil {
			return errkind.New(errkind.RepositoryConflict, fmt.Errorf("deleting embeddings for resource %s: %w", r.ID, err))
		}
		if _, err := w.resources.Delete(ctx, r.ID.String(), tenantID); err != nil {
			return errkind.New(errkind.RepositoryConflict, fmt.Errorf("deleting resource %s: %w", r.ID, err))
		}
	}

	if _, err := w.files.Delete(ctx, fileID.String(), tenantID); err != nil {
		return errkind.New(errkind.RepositoryConflict, fmt.Errorf("deleting file %s: %w", fileID, err))
	}
	return nil
}

// stageTemp copies content to a temp file under w.tempDir and returns its
// path alongside the fully-read bytes (needed for engram.Detect, which
// requires the whole document). The temp file is the caller's to remove.
func (w *Worker) stageTemp(uri string, content io.Reader) (string, []byte, error) {
	raw, err := io.ReadAll(content)
	if err != nil {
		return "", nil, fmt.Errorf("reading download: %w", err)
	}

	f, err := os.CreateTemp(w.tempDir, "storage-worker-*"+filepath.Ext(uri))
	if err != nil {
		return "", nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(raw); err != nil {
		os.Remove(f.Name())
		return "", nil, fmt.Errorf("writing temp file: %w", err)
	}
	return f.Name(), raw, nil
}

func isStructuredExt(uri string) bool {
	switch strings.ToLower(filepath.Ext(uri)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}

func chunkCategory(chunkType string) string {
	if chunkType == "" {
		return "chunk"
	}
	return chunkType
}
