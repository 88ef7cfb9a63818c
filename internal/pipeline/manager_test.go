package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/logger"
	"github.com/timmy/photoloom/internal/service"
)

const testCollection = "photos"

func runJob(t *testing.T, h *harness, dir string) domain.JobStatusView {
	t.Helper()
	id, err := h.manager.Start(context.Background(), dir, testCollection)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	view, err := h.manager.Wait(ctx, id)
	require.NoError(t, err, "job did not finish")
	return view
}

func TestScenarioCachedNewAndCorrupt(t *testing.T) {
	h := newHarness(t, defaultPlan())
	dir := t.TempDir()

	known := writeJPEG(t, dir, "known.jpg", 1)
	writeJPEG(t, dir, "new.jpg", 2)
	writeBytes(t, dir, "corrupt.jpg", []byte("this is not an image"))
	writeBytes(t, dir, "notes.txt", []byte("ignored"))

	// known.jpg was ingested by an earlier run.
	hash, err := hashFile(known)
	require.NoError(t, err)
	prior := domain.CacheEntry{
		Collection:  testCollection,
		ContentHash: hash,
		PointID:     PointID(testCollection, hash),
		Vector:      domain.Vector{1, 1, 1, 1},
		Payload:     domain.PhotoPayload{ContentHash: hash, Caption: "cached caption"},
	}
	require.NoError(t, h.cache.Put(context.Background(), &prior))
	h.store.points[prior.PointID] = domain.StorageRecord{PointID: prior.PointID}

	view := runJob(t, h, dir)

	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, int64(3), view.Counters.TotalFiles)
	assert.Equal(t, int64(1), view.Counters.Cached)
	assert.Equal(t, int64(1), view.Counters.Processed)
	assert.Equal(t, int64(1), view.Counters.Failed)
	assert.Equal(t, int64(0), view.Counters.Duplicates)
	assert.Equal(t, float64(100), view.Progress)

	require.Len(t, view.FailedDetails, 1)
	assert.Equal(t, filepath.Join(dir, "corrupt.jpg"), view.FailedDetails[0].Path)
	assert.Equal(t, stageProcess, view.FailedDetails[0].Stage)

	assert.Equal(t, 2, h.store.count())
	_, images := h.embedder.stats()
	assert.Equal(t, 1, images)

	record, ok := h.history.records[view.ID]
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusCompleted, record.Status)
	assert.Equal(t, int64(1), record.Failed)
}

func TestIdempotentReingest(t *testing.T) {
	h := newHarness(t, defaultPlan())
	dir := t.TempDir()
	for i := 0; i < 6; i++ {
		writeJPEG(t, dir, fmt.Sprintf("sub%d/img%d.jpg", i%2, i), i+10)
	}

	first := runJob(t, h, dir)
	require.Equal(t, domain.JobStatusCompleted, first.Status)
	assert.Equal(t, int64(6), first.Counters.Processed)
	writesAfterFirst := h.store.writeCount()
	assert.Equal(t, 6, writesAfterFirst)
	_, imagesAfterFirst := h.embedder.stats()

	second := runJob(t, h, dir)
	require.Equal(t, domain.JobStatusCompleted, second.Status)
	assert.Equal(t, first.Counters.Processed, second.Counters.Cached)
	assert.Equal(t, int64(0), second.Counters.Processed)
	assert.Equal(t, writesAfterFirst, h.store.writeCount(), "no new vector writes")
	_, images := h.embedder.stats()
	assert.Equal(t, imagesAfterFirst, images, "no new embedding calls")
	assert.Equal(t, 6, h.store.count())
}

func TestIdenticalContentEmbeddedOnce(t *testing.T) {
	h := newHarness(t, defaultPlan())
	dir := t.TempDir()

	original := writeJPEG(t, dir, "a/original.jpg", 3)
	data, err := os.ReadFile(original)
	require.NoError(t, err)
	writeBytes(t, dir, "b/copy.jpg", data)
	writeBytes(t, dir, "c/another-copy.JPG", data)
	writeJPEG(t, dir, "other.jpg", 4)

	view := runJob(t, h, dir)
	assert.Equal(t, int64(4), view.Counters.TotalFiles)
	assert.Equal(t, int64(2), view.Counters.Processed)
	assert.Equal(t, int64(2), view.Counters.Duplicates)
	_, images := h.embedder.stats()
	assert.Equal(t, 2, images)
	assert.Equal(t, 2, h.store.count())
}

func TestPerItemErrorIsolated(t *testing.T) {
	plan := defaultPlan()
	plan.MLBatchSize = 5
	h := newHarness(t, plan)
	h.embedder.failNames = map[string]string{"img2.jpg": "unsupported colorspace"}
	h.embedder.dropNames = map[string]bool{"img4.jpg": true}

	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeJPEG(t, dir, fmt.Sprintf("img%d.jpg", i), i+20)
	}

	view := runJob(t, h, dir)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, int64(2), view.Counters.Failed)
	assert.Equal(t, int64(3), view.Counters.Processed)
	assert.Equal(t, 3, h.store.count())

	stages := map[string]int{}
	for _, d := range view.FailedDetails {
		stages[d.Stage]++
	}
	assert.Equal(t, 2, stages[stageML])
}

func TestBatchRequestFailureFailsOnlyThatBatch(t *testing.T) {
	plan := defaultPlan()
	plan.MLBatchSize = 1
	h := newHarness(t, plan)

	var mu sync.Mutex
	h.embedder.requestFn = func(_ context.Context, images []service.MLImage) error {
		mu.Lock()
		defer mu.Unlock()
		if images[0].Filename == "unlucky.jpg" {
			return fmt.Errorf("%w: timeout", service.ErrMLRequest)
		}
		return nil
	}

	dir := t.TempDir()
	writeJPEG(t, dir, "unlucky.jpg", 30)
	writeJPEG(t, dir, "fine1.jpg", 31)
	writeJPEG(t, dir, "fine2.jpg", 32)

	view := runJob(t, h, dir)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, int64(1), view.Counters.Failed)
	assert.Equal(t, int64(2), view.Counters.Processed)
	assert.Equal(t, float64(100), view.Progress)
}

func TestPipelineDrainsForAnyWorkerMix(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 25; i++ {
		writeJPEG(t, dir, fmt.Sprintf("d%d/f%02d.jpg", i%3, i), i+40)
	}

	mixes := []struct{ proc, ml, db, batch int }{
		{1, 1, 1, 1},
		{4, 1, 1, 3},
		{1, 3, 2, 2},
		{8, 4, 3, 16},
	}
	for _, mix := range mixes {
		t.Run(fmt.Sprintf("p%d_m%d_d%d_b%d", mix.proc, mix.ml, mix.db, mix.batch), func(t *testing.T) {
			plan := defaultPlan()
			plan.ProcessorWorkers, plan.MLWorkers, plan.DBWorkers, plan.MLBatchSize = mix.proc, mix.ml, mix.db, mix.batch
			plan.MLQueueCapacity = mix.batch * 3
			plan.RawQueueCapacity = 2
			h := newHarness(t, plan)

			view := runJob(t, h, dir)
			assert.Equal(t, domain.JobStatusCompleted, view.Status)
			assert.Equal(t, int64(25), view.Counters.Processed)
			assert.Equal(t, view.Counters.TotalFiles, view.Counters.Done())
			assert.Equal(t, 25, h.store.count())
		})
	}
}

func TestRootInaccessibleFailsJob(t *testing.T) {
	h := newHarness(t, defaultPlan())
	view := runJob(t, h, filepath.Join(t.TempDir(), "missing"))

	assert.Equal(t, domain.JobStatusFailed, view.Status)
	assert.Contains(t, view.Error, ErrRootInaccessible.Error())
	assert.Equal(t, int64(0), view.Counters.TotalFiles)
	assert.Equal(t, 0, h.store.count())
}

func TestEnsureCollectionFailureFailsJob(t *testing.T) {
	h := newHarness(t, defaultPlan())
	h.store.ensureErr = errors.New("vector size mismatch")

	view := runJob(t, h, t.TempDir())
	assert.Equal(t, domain.JobStatusFailed, view.Status)
	assert.Contains(t, view.Error, "vector size mismatch")
}

func TestEmptyDirectoryCompletes(t *testing.T) {
	h := newHarness(t, defaultPlan())
	dir := t.TempDir()
	writeBytes(t, dir, "readme.md", []byte("no photos here"))

	view := runJob(t, h, dir)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, int64(0), view.Counters.TotalFiles)
	assert.Equal(t, float64(100), view.Progress)
}

func TestCacheSweepRepairsLostRecords(t *testing.T) {
	h := newHarness(t, defaultPlan())

	// Cached by an earlier run whose DB stage never wrote it.
	lost := domain.CacheEntry{
		Collection:  testCollection,
		ContentHash: "feedface",
		PointID:     PointID(testCollection, "feedface"),
		Vector:      domain.Vector{0, 1, 0, 1},
		Payload:     domain.PhotoPayload{ContentHash: "feedface"},
	}
	require.NoError(t, h.cache.Put(context.Background(), &lost))

	view := runJob(t, h, t.TempDir())
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	_, ok := h.store.points[lost.PointID]
	assert.True(t, ok)

	found := false
	for _, line := range view.RecentLog {
		if line.Message == "cache sweep complete: repaired=1 written=1" {
			found = true
		}
	}
	assert.True(t, found, "sweep summary logged")
}

func TestDBFailureReclassifiesRecord(t *testing.T) {
	h := newHarness(t, defaultPlan())
	h.store.failFn = func(records []domain.StorageRecord) error {
		for _, rec := range records {
			if rec.Payload.Filename == "poison.jpg" {
				return errors.New("payload rejected")
			}
		}
		return nil
	}

	dir := t.TempDir()
	writeJPEG(t, dir, "poison.jpg", 50)
	writeJPEG(t, dir, "ok1.jpg", 51)
	writeJPEG(t, dir, "ok2.jpg", 52)

	view := runJob(t, h, dir)
	assert.Equal(t, domain.JobStatusCompleted, view.Status)
	assert.Equal(t, int64(2), view.Counters.Processed)
	assert.Equal(t, int64(1), view.Counters.Failed)
	assert.Equal(t, view.Counters.TotalFiles, view.Counters.Done())
	assert.Equal(t, 2, h.store.count())
}

func TestSweepRecoveryRestoresOutcome(t *testing.T) {
	tests := []struct {
		name          string
		failAttempts  int
		wantProcessed int64
		wantFailed    int64
		wantStored    int
	}{
		{name: "first write fails then a retry stores it", failAttempts: 1, wantProcessed: 3, wantFailed: 0, wantStored: 3},
		{name: "write never succeeds", failAttempts: 100, wantProcessed: 2, wantFailed: 1, wantStored: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, defaultPlan())
			attempts := 0
			h.store.failFn = func(records []domain.StorageRecord) error {
				for _, rec := range records {
					if rec.Payload.Filename == "flaky.jpg" {
						attempts++
						if attempts <= tt.failAttempts {
							return errors.New("temporarily unavailable")
						}
					}
				}
				return nil
			}

			dir := t.TempDir()
			writeJPEG(t, dir, "flaky.jpg", 70)
			writeJPEG(t, dir, "ok1.jpg", 71)
			writeJPEG(t, dir, "ok2.jpg", 72)

			view := runJob(t, h, dir)
			assert.Equal(t, domain.JobStatusCompleted, view.Status)
			assert.Equal(t, tt.wantProcessed, view.Counters.Processed)
			assert.Equal(t, tt.wantFailed, view.Counters.Failed)
			assert.Equal(t, view.Counters.TotalFiles, view.Counters.Done())
			assert.Equal(t, tt.wantStored, h.store.count())
			assert.Len(t, view.FailedDetails, int(tt.wantFailed))
		})
	}
}

func TestReserveExcludesJobs(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, defaultPlan())

	release, err := h.manager.Reserve(testCollection)
	require.NoError(t, err)

	_, err = h.manager.Start(ctx, t.TempDir(), testCollection)
	assert.ErrorIs(t, err, ErrCollectionBusy)
	_, err = h.manager.Reserve(testCollection)
	assert.ErrorIs(t, err, ErrCollectionBusy)

	other, err := h.manager.Reserve("other")
	require.NoError(t, err)
	other()

	release()
	release()

	unblock := make(chan struct{})
	h.embedder.requestFn = func(ctx context.Context, _ []service.MLImage) error {
		select {
		case <-unblock:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	dir := t.TempDir()
	writeJPEG(t, dir, "held.jpg", 80)

	id, err := h.manager.Start(ctx, dir, testCollection)
	require.NoError(t, err)
	_, err = h.manager.Reserve(testCollection)
	assert.ErrorIs(t, err, ErrCollectionBusy)

	close(unblock)
	waitCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	_, err = h.manager.Wait(waitCtx, id)
	require.NoError(t, err)

	release, err = h.manager.Reserve(testCollection)
	require.NoError(t, err)
	release()
}

func TestJobLogCarriesRequestID(t *testing.T) {
	h := newHarness(t, defaultPlan())
	ctx := logger.SetRequestID(context.Background(), "req-7")

	id, err := h.manager.Start(ctx, t.TempDir(), testCollection)
	require.NoError(t, err)
	waitCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	view, err := h.manager.Wait(waitCtx, id)
	require.NoError(t, err)

	var messages []string
	for _, line := range view.RecentLog {
		messages = append(messages, line.Message)
	}
	assert.Contains(t, messages, "requested by req-7")
}

func TestProgressIsMonotonic(t *testing.T) {
	plan := defaultPlan()
	plan.MLBatchSize = 1
	h := newHarness(t, plan)
	h.embedder.requestFn = func(context.Context, []service.MLImage) error {
		time.Sleep(3 * time.Millisecond)
		return nil
	}

	dir := t.TempDir()
	for i := 0; i < 12; i++ {
		writeJPEG(t, dir, fmt.Sprintf("p%02d.jpg", i), i+60)
	}

	id, err := h.manager.Start(context.Background(), dir, testCollection)
	require.NoError(t, err)

	var samples []float64
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(20 * time.Second)
	for done := false; !done; {
		select {
		case <-ticker.C:
			view, err := h.manager.Status(id)
			require.NoError(t, err)
			samples = append(samples, view.Progress)
			done = view.Status.IsTerminal()
		case <-deadline:
			t.Fatal("job did not finish")
		}
	}

	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i], samples[i-1], "sample %d", i)
	}
	assert.Equal(t, float64(100), samples[len(samples)-1])
}

func TestCancelAndCollectionBusy(t *testing.T) {
	h := newHarness(t, defaultPlan())
	started := make(chan struct{}, 1)
	h.embedder.requestFn = func(ctx context.Context, _ []service.MLImage) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}

	dir := t.TempDir()
	for i := 0; i < 4; i++ {
		writeJPEG(t, dir, fmt.Sprintf("c%d.jpg", i), i+80)
	}

	id, err := h.manager.Start(context.Background(), dir, testCollection)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("ml stage never called")
	}

	_, err = h.manager.Start(context.Background(), dir, testCollection)
	assert.ErrorIs(t, err, ErrCollectionBusy)

	other, err := h.manager.Start(context.Background(), t.TempDir(), "other")
	require.NoError(t, err)

	require.NoError(t, h.manager.Cancel(id))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	view, err := h.manager.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, view.Status)

	// Cancelling a finished job is a no-op.
	require.NoError(t, h.manager.Cancel(id))
	view, err = h.manager.Status(id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, view.Status)

	_, err = h.manager.Wait(ctx, other)
	require.NoError(t, err)

	h.embedder.requestFn = nil
	again, err := h.manager.Start(context.Background(), dir, testCollection)
	require.NoError(t, err)
	final, err := h.manager.Wait(ctx, again)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
}

func TestStartValidation(t *testing.T) {
	h := newHarness(t, defaultPlan())

	tests := []struct {
		name       string
		directory  string
		collection string
	}{
		{"missing directory", "", "photos"},
		{"empty collection", "/tmp", ""},
		{"bad characters", "/tmp", "my photos!"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.manager.Start(context.Background(), tt.directory, tt.collection)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestStatusUnknownJob(t *testing.T) {
	h := newHarness(t, defaultPlan())
	_, err := h.manager.Status("nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, h.manager.Cancel("nope"), ErrJobNotFound)
}

func TestListNewestFirstWithoutLogs(t *testing.T) {
	h := newHarness(t, defaultPlan())
	first := runJob(t, h, t.TempDir())
	time.Sleep(2 * time.Millisecond)
	id, err := h.manager.Start(context.Background(), t.TempDir(), "second")
	require.NoError(t, err)
	_, err = h.manager.Wait(context.Background(), id)
	require.NoError(t, err)

	list := h.manager.List()
	require.Len(t, list, 2)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Empty(t, list[0].RecentLog)

	history, err := h.manager.History(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}
