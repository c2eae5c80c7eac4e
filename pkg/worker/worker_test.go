package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/wisbric/tieredfs/pkg/bus"
	"github.com/wisbric/tieredfs/pkg/bus/membus"
	"github.com/wisbric/tieredfs/pkg/model"
	"github.com/wisbric/tieredfs/pkg/objectstore"
	"github.com/wisbric/tieredfs/pkg/objectstore/memstore"
	"github.com/wisbric/tieredfs/pkg/opsnotify"
	"github.com/wisbric/tieredfs/pkg/parser"
	"github.com/wisbric/tieredfs/pkg/repository"
	"github.com/wisbric/tieredfs/pkg/router"
	"github.com/wisbric/tieredfs/pkg/watcher"
	"github.com/wisbric/tieredfs/pkg/worker/engram"
)

// --- fakes ---

type fakeFileRepo struct{ byID map[string]model.File }

func newFakeFileRepo() *fakeFileRepo { return &fakeFileRepo{byID: map[string]model.File{}} }

func (f *fakeFileRepo) Upsert(ctx context.Context, id, tenantID string, entity model.File) error {
	f.byID[id] = entity
	return nil
}

func (f *fakeFileRepo) Delete(ctx context.Context, id, tenantID string) (bool, error) {
	_, ok := f.byID[id]
	delete(f.byID, id)
	return ok, nil
}

type fakeResourceRepo struct{ byID map[string]model.Resource }

func newFakeResourceRepo() *fakeResourceRepo { return &fakeResourceRepo{byID: map[string]model.Resource{}} }

func (f *fakeResourceRepo) Upsert(ctx context.Context, id, tenantID string, entity model.Resource) error {
	f.byID[id] = entity
	return nil
}

func (f *fakeResourceRepo) Select(ctx context.Context, tenantID string, opts repository.SelectOptions) ([]model.Resource, error) {
	var out []model.Resource
	for _, r := range f.byID {
		if r.TenantID != tenantID {
			continue
		}
		if matchesFilters(r, opts.Filters) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeResourceRepo) Delete(ctx context.Context, id, tenantID string) (bool, error) {
	_, ok := f.byID[id]
	delete(f.byID, id)
	return ok, nil
}

func matchesFilters(r model.Resource, filters []repository.Filter) bool {
	for _, filt := range filters {
		if filt.Field != "metadata" || !filt.Contains {
			continue
		}
		want, ok := filt.Value.(map[string]any)
		if !ok {
			continue
		}
		for k, v := range want {
			if r.Metadata[k] != v {
				return false
			}
		}
	}
	return true
}

type fakeEmbeddingSink struct{ byID map[string]model.EmbeddingRecord }

func newFakeEmbeddingSink() *fakeEmbeddingSink {
	return &fakeEmbeddingSink{byID: map[string]model.EmbeddingRecord{}}
}

func (f *fakeEmbeddingSink) Upsert(ctx context.Context, rec model.EmbeddingRecord) error {
	f.byID[rec.ID.String()] = rec
	return nil
}

func (f *fakeEmbeddingSink) DeleteForEntity(ctx context.Context, entityID string) error {
	for id, rec := range f.byID {
		if rec.EntityID.String() == entityID {
			delete(f.byID, id)
		}
	}
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Name() string { return "test-embedder" }

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{float32(len(text)), 0.5, 0.25}, nil
}

type fakeEntityUpserter struct{ byID map[string]map[string]any }

func newFakeEntityUpserter() *fakeEntityUpserter {
	return &fakeEntityUpserter{byID: map[string]map[string]any{}}
}

func (f *fakeEntityUpserter) Upsert(ctx context.Context, id, tenantID string, entity map[string]any) error {
	f.byID[id] = entity
	return nil
}

type failingEngramProcessor struct{ err error }

func (f failingEngramProcessor) Process(ctx context.Context, tenantID string, doc *engram.Document) (*engram.Result, error) {
	return nil, f.err
}

type fakeTextParser struct{}

func (fakeTextParser) SupportedExtensions() []string { return []string{".txt"} }

func (fakeTextParser) Parse(ctx context.Context, localPath string) ([]parser.Chunk, error) {
	return []parser.Chunk{{Content: "hello world", ChunkType: "text", Ordinal: 0}}, nil
}

// --- harness ---

type harness struct {
	w         *Worker
	b         *membus.Bus
	store     *memstore.Store
	files     *fakeFileRepo
	resources *fakeResourceRepo
	embed     *fakeEmbeddingSink
	upserter  *fakeEntityUpserter
	cfg       Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	b := membus.New()
	cfg := ConfigFor(router.TierSmall)
	ctx := context.Background()
	if err := b.EnsureStream(ctx, cfg.Stream, []string{cfg.Subject}); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	if err := b.EnsureConsumer(ctx, cfg.Stream, bus.ConsumerConfig{Durable: cfg.Consumer}); err != nil {
		t.Fatalf("ensure consumer: %v", err)
	}

	store := memstore.New()
	files := newFakeFileRepo()
	resources := newFakeResourceRepo()
	embed := newFakeEmbeddingSink()
	upserter := newFakeEntityUpserter()

	parsers := parser.NewRegistry()
	parsers.Register(fakeTextParser{})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notify := opsnotify.New("", "", logger)

	w := New(cfg, b, store, files, resources, embed, fakeEmbedder{}, repository.DefaultRegistry,
		parsers, engram.NewDefaultProcessor(upserter), notify, logger, t.TempDir())

	return &harness{w: w, b: b, store: store, files: files, resources: resources, embed: embed, upserter: upserter, cfg: cfg}
}

func (h *harness) publishAndFetch(t *testing.T, ev router.RoutedEvent) *bus.Message {
	t.Helper()
	ctx := context.Background()

	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	if err := h.b.Publish(ctx, h.cfg.Subject, data); err != nil {
		t.Fatalf("publish: %v", err)
	}

	sub, err := h.b.PullSubscribe(ctx, h.cfg.Stream, h.cfg.Consumer, h.cfg.Subject)
	if err != nil {
		t.Fatalf("pull subscribe: %v", err)
	}
	msgs, err := sub.Fetch(ctx, 1, time.Second)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("fetch: msgs=%d err=%v", len(msgs), err)
	}
	return msgs[0]
}

func buildEvent(t *testing.T, tenantID, path string, eventType watcher.EventType, size int64, contentType string) router.RoutedEvent {
	t.Helper()
	info, err := objectstore.ParsePath(path)
	if err != nil {
		t.Fatalf("parse path %s: %v", path, err)
	}
	return router.RoutedEvent{
		Event: watcher.Event{
			EventType: eventType,
			Path:      path,
			PathInfo:  info,
			Metadata:  watcher.Metadata{FileSize: size, ContentType: contentType},
			Timestamp: time.Now(),
			TenantID:  tenantID,
		},
		Routing: router.Routing{
			TargetSubject: router.SubjectSmall,
			FileSizeBytes: size,
		},
	}
}

// --- tests ---

func TestWorkerUpsertCreatesFileResourceAndEmbedding(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const tenantID = "t1"
	const path = "/buckets/t1/uploads/a.txt"
	h.store.Put(path, "text/plain", []byte("hello world"), time.Now())

	msg := h.publishAndFetch(t, buildEvent(t, tenantID, path, watcher.EventCreate, 11, "text/plain"))
	if err := h.w.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	fileID := model.FileID(tenantID, path)
	if _, ok := h.files.byID[fileID.String()]; !ok {
		t.Fatalf("file %s not upserted", fileID)
	}

	resourceID := model.ResourceID(tenantID, path, 0)
	resource, ok := h.resources.byID[resourceID.String()]
	if !ok {
		t.Fatalf("resource %s not upserted", resourceID)
	}
	if resource.Content != "hello world" {
		t.Errorf("resource content = %q, want %q", resource.Content, "hello world")
	}

	embeddingID := model.EmbeddingID(resourceID.String(), "content", "test-embedder")
	if _, ok := h.embed.byID[embeddingID.String()]; !ok {
		t.Fatalf("embedding %s not upserted", embeddingID)
	}
}

func TestWorkerReingestIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const tenantID = "t1"
	const path = "/buckets/t1/uploads/a.txt"
	h.store.Put(path, "text/plain", []byte("hello world"), time.Now())

	for i := 0; i < 2; i++ {
		msg := h.publishAndFetch(t, buildEvent(t, tenantID, path, watcher.EventUpdate, 11, "text/plain"))
		if err := h.w.handle(ctx, msg); err != nil {
			t.Fatalf("handle pass %d: %v", i, err)
		}
	}

	if len(h.files.byID) != 1 {
		t.Errorf("len(files) = %d, want 1", len(h.files.byID))
	}
	if len(h.resources.byID) != 1 {
		t.Errorf("len(resources) = %d, want 1", len(h.resources.byID))
	}
	if len(h.embed.byID) != 1 {
		t.Errorf("len(embeddings) = %d, want 1", len(h.embed.byID))
	}
}

func TestWorkerDeleteRemovesFileResourcesAndEmbeddings(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const tenantID = "t1"
	const path = "/buckets/t1/uploads/a.txt"
	h.store.Put(path, "text/plain", []byte("hello world"), time.Now())

	msg := h.publishAndFetch(t, buildEvent(t, tenantID, path, watcher.EventCreate, 11, "text/plain"))
	if err := h.w.handle(ctx, msg); err != nil {
		t.Fatalf("create handle: %v", err)
	}
	if len(h.resources.byID) != 1 {
		t.Fatalf("expected 1 resource before delete, got %d", len(h.resources.byID))
	}

	delMsg := h.publishAndFetch(t, buildEvent(t, tenantID, path, watcher.EventDelete, 0, ""))
	if err := h.w.handle(ctx, delMsg); err != nil {
		t.Fatalf("delete handle: %v", err)
	}

	fileID := model.FileID(tenantID, path)
	if _, ok := h.files.byID[fileID.String()]; ok {
		t.Errorf("file %s still present after delete", fileID)
	}
	if len(h.resources.byID) != 0 {
		t.Errorf("len(resources) = %d after delete, want 0", len(h.resources.byID))
	}
	if len(h.embed.byID) != 0 {
		t.Errorf("len(embeddings) = %d after delete, want 0", len(h.embed.byID))
	}
}

func TestWorkerEngramDocumentSkipsChunking(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const tenantID = "t1"
	const path = "/buckets/t1/uploads/config.yaml"
	doc := []byte("kind: ServiceConfig\nname: payments\nassociations:\n  - dst: billing\n    rel_type: depends-on\n")
	h.store.Put(path, "application/yaml", doc, time.Now())

	msg := h.publishAndFetch(t, buildEvent(t, tenantID, path, watcher.EventCreate, int64(len(doc)), "application/yaml"))
	if err := h.w.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if len(h.resources.byID) != 0 {
		t.Errorf("expected no chunked resources for an engram document, got %d", len(h.resources.byID))
	}

	id := model.EngramDocumentID(tenantID, "ServiceConfig", "payments")
	stored, ok := h.upserter.byID[id.String()]
	if !ok {
		t.Fatalf("engram document %s not upserted", id)
	}
	if stored["kind"] != "ServiceConfig" {
		t.Errorf("stored kind = %v, want ServiceConfig", stored["kind"])
	}
}

func TestWorkerEngramProcessErrorFallsBackToRegularProcessing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// Swap in an engram processor that always fails, over the same worker
	// configuration, so a detected-but-unprocessable engram document falls
	// through to ordinary chunking instead of dead-lettering the message.
	h.w.engramFn = failingEngramProcessor{err: errors.New("boom")}

	const tenantID = "t1"
	const path = "/buckets/t1/uploads/config.yaml"
	doc := []byte("kind: ServiceConfig\nname: payments\nassociations:\n  - dst: billing\n    rel_type: depends-on\n")
	h.store.Put(path, "application/yaml", doc, time.Now())

	msg := h.publishAndFetch(t, buildEvent(t, tenantID, path, watcher.EventCreate, int64(len(doc)), "application/yaml"))
	if err := h.w.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v, want fallback to succeed without error", err)
	}

	id := model.EngramDocumentID(tenantID, "ServiceConfig", "payments")
	if _, ok := h.upserter.byID[id.String()]; ok {
		t.Fatal("engram document should not have been upserted after Process failed")
	}

	fileID := model.FileID(tenantID, path)
	if _, ok := h.files.byID[fileID.String()]; !ok {
		t.Fatal("expected a File row to exist after falling back to regular processing")
	}
}

func TestWorkerNoParserLeavesFileRowWithoutChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	const tenantID = "t1"
	const path = "/buckets/t1/uploads/video.mp4"
	h.store.Put(path, "video/mp4", bytes.Repeat([]byte{0xff}, 16), time.Now())

	msg := h.publishAndFetch(t, buildEvent(t, tenantID, path, watcher.EventCreate, 16, "video/mp4"))
	if err := h.w.handle(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}

	fileID := model.FileID(tenantID, path)
	if _, ok := h.files.byID[fileID.String()]; !ok {
		t.Fatalf("file row missing for unparseable file")
	}
	if len(h.resources.byID) != 0 {
		t.Errorf("expected no resources for unparseable file, got %d", len(h.resources.byID))
	}
}

