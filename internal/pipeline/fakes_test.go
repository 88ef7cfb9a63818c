package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/photo"
	"github.com/timmy/photoloom/internal/repository"
	"github.com/timmy/photoloom/internal/service"
)

type fakeEmbedder struct {
	mu        sync.Mutex
	calls     int
	images    int
	failNames map[string]string // filename -> per-item error
	dropNames map[string]bool   // filename -> omitted from results
	requestFn func(ctx context.Context, images []service.MLImage) error
}

func (f *fakeEmbedder) BatchEmbedAndCaption(ctx context.Context, images []service.MLImage) ([]service.MLResult, error) {
	f.mu.Lock()
	f.calls++
	f.images += len(images)
	f.mu.Unlock()

	if f.requestFn != nil {
		if err := f.requestFn(ctx, images); err != nil {
			return nil, err
		}
	}

	results := make([]service.MLResult, 0, len(images))
	for _, img := range images {
		if f.dropNames[img.Filename] {
			continue
		}
		if msg, ok := f.failNames[img.Filename]; ok {
			results = append(results, service.MLResult{UniqueID: img.UniqueID, Error: msg})
			continue
		}
		results = append(results, service.MLResult{
			UniqueID:  img.UniqueID,
			Embedding: []float32{0.1, 0.2, 0.3, float32(len(img.Filename))},
			Caption:   "a photo called " + img.Filename,
		})
	}
	return results, nil
}

func (f *fakeEmbedder) stats() (calls, images int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.images
}

type fakeStore struct {
	mu          sync.Mutex
	points      map[string]domain.StorageRecord
	upsertCalls int
	writes      int
	failFn      func(records []domain.StorageRecord) error
	ensureErr   error
}

func newFakeStore() *fakeStore {
	return &fakeStore{points: make(map[string]domain.StorageRecord)}
}

func (s *fakeStore) EnsureCollection(context.Context, string) error {
	return s.ensureErr
}

func (s *fakeStore) UpsertBatch(_ context.Context, _ string, records []domain.StorageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCalls++
	if s.failFn != nil {
		if err := s.failFn(records); err != nil {
			return err
		}
	}
	for _, rec := range records {
		s.points[rec.PointID] = rec
		s.writes++
	}
	return nil
}

func (s *fakeStore) ExistingIDs(_ context.Context, _ string, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := s.points[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]domain.CacheEntry
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]domain.CacheEntry)}
}

func (c *memCache) Get(_ context.Context, collection, hash string) (*domain.CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[collection+"/"+hash]
	if !ok {
		return nil, repository.ErrCacheMiss
	}
	return &e, nil
}

func (c *memCache) Put(_ context.Context, e *domain.CacheEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[e.Collection+"/"+e.ContentHash] = *e
	return nil
}

func (c *memCache) ForEach(ctx context.Context, collection string, _ int, fn func([]domain.CacheEntry) error) error {
	c.mu.Lock()
	var page []domain.CacheEntry
	for _, e := range c.entries {
		if e.Collection == collection {
			page = append(page, e)
		}
	}
	c.mu.Unlock()
	if len(page) == 0 {
		return nil
	}
	return fn(page)
}

type fixedPlanner struct {
	plan domain.BatchPlan
}

func (p fixedPlanner) Plan(context.Context) domain.BatchPlan {
	return p.plan
}

func defaultPlan() domain.BatchPlan {
	return domain.BatchPlan{
		MLBatchSize:      4,
		MLQueueCapacity:  12,
		ProcessorWorkers: 2,
		MLWorkers:        1,
		DBWorkers:        1,
		DBBatchSize:      8,
		RawQueueCapacity: 16,
		Source:           "override",
	}
}

type harness struct {
	manager  *Manager
	store    *fakeStore
	cache    *memCache
	embedder *fakeEmbedder
	history  *memHistory
}

type memHistory struct {
	mu      sync.Mutex
	records map[string]domain.JobRecord
}

func (h *memHistory) Save(_ context.Context, job *domain.JobRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records[job.ID] = *job
	return nil
}

func (h *memHistory) ListRecent(_ context.Context, limit int) ([]domain.JobRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []domain.JobRecord
	for _, r := range h.records {
		out = append(out, r)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func newHarness(t *testing.T, plan domain.BatchPlan) *harness {
	t.Helper()
	h := &harness{
		store:    newFakeStore(),
		cache:    newMemCache(),
		embedder: &fakeEmbedder{},
		history:  &memHistory{records: make(map[string]domain.JobRecord)},
	}
	h.manager = NewManager(Dependencies{
		Store:    h.store,
		Cache:    h.cache,
		Embedder: h.embedder,
		Planner:  fixedPlanner{plan: plan},
		Decoder:  photo.NewDecoder(photo.DecoderConfig{}),
		History:  h.history,
	}, Config{
		GatherTimeout: 20 * time.Millisecond,
		FlushInterval: 20 * time.Millisecond,
		ThumbnailSize: 32,
	})
	t.Cleanup(func() { _ = h.manager.Shutdown(context.Background()) })
	return h
}

// writeJPEG writes a small JPEG whose bytes depend on seed.
func writeJPEG(t *testing.T, dir, name string, seed int) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 24+seed%7, 16))
	c := color.NRGBA{R: uint8(seed * 37), G: uint8(seed * 91), B: uint8(seed * 13), A: 255}
	for y := 0; y < img.Bounds().Dy(); y++ {
		for x := 0; x < img.Bounds().Dx(); x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return writeBytes(t, dir, name, buf.Bytes())
}

func writeBytes(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

var errBoom = errors.New("boom")
