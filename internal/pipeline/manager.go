package pipeline

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/logger"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrJobNotFound is returned for unknown or evicted job IDs.
	ErrJobNotFound = errors.New("job not found")
	// ErrCollectionBusy is returned when the collection already has a running job.
	ErrCollectionBusy = errors.New("collection already has a running job")
	// ErrInvalidRequest is returned for a missing directory or a malformed collection name.
	ErrInvalidRequest = errors.New("invalid ingest request")
)

var collectionNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_\-]{0,254}$`)

// ValidCollectionName reports whether name can be used as a collection name.
func ValidCollectionName(name string) bool {
	return collectionNameRe.MatchString(name)
}

// Config holds the job-independent pipeline settings.
type Config struct {
	GatherTimeout         time.Duration
	FlushInterval         time.Duration
	MaxBatchBytes         int
	ThumbnailSize         int
	TransportMaxDimension int
	Retention             time.Duration
	LogLines              int
}

func (c *Config) applyDefaults() {
	if c.GatherTimeout <= 0 {
		c.GatherTimeout = 2 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 3 * time.Second
	}
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = 32 * 1024 * 1024 * 8 / 10
	}
	if c.ThumbnailSize <= 0 {
		c.ThumbnailSize = 256
	}
	if c.TransportMaxDimension <= 0 {
		c.TransportMaxDimension = 1024
	}
	if c.Retention <= 0 {
		c.Retention = 24 * time.Hour
	}
	if c.LogLines <= 0 {
		c.LogLines = 50
	}
}

// Manager owns ingestion jobs: it wires the stages of each job together and
// tracks them until they are evicted.
type Manager struct {
	deps Dependencies
	cfg  Config

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	mu       sync.RWMutex
	jobs     map[string]*Job
	active   map[string]string // collection -> running job ID
	reserved map[string]struct{}
}

// NewManager creates a Manager.
func NewManager(deps Dependencies, cfg Config) *Manager {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		deps:      deps,
		cfg:       cfg,
		baseCtx:   ctx,
		cancelAll: cancel,
		jobs:      make(map[string]*Job),
		active:    make(map[string]string),
		reserved:  make(map[string]struct{}),
	}
}

// Start validates the request, registers a job and runs it in the background.
// The job outlives ctx; only its logger fields are inherited.
func (m *Manager) Start(ctx context.Context, directory, collection string) (string, error) {
	if directory == "" {
		return "", fmt.Errorf("%w: directory is required", ErrInvalidRequest)
	}
	if !ValidCollectionName(collection) {
		return "", fmt.Errorf("%w: collection name %q", ErrInvalidRequest, collection)
	}

	m.evictExpired()

	id := uuid.New().String()
	jobCtx := logger.FromContext(ctx).WithContext(m.baseCtx)
	jobCtx = logger.WithFields(jobCtx, logger.Fields{
		logger.FieldJobID:      id,
		logger.FieldCollection: collection,
	})

	m.mu.Lock()
	if running, busy := m.active[collection]; busy {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s (job %s)", ErrCollectionBusy, collection, running)
	}
	if _, held := m.reserved[collection]; held {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s is being modified", ErrCollectionBusy, collection)
	}
	job := newJob(jobCtx, id, directory, collection, m.cfg.LogLines)
	m.jobs[id] = job
	m.active[collection] = id
	m.mu.Unlock()

	job.logf(jobCtx, "info", "job created for %s -> %s", directory, collection)
	if rid := logger.GetFieldString(ctx, logger.FieldRequestID); rid != "" {
		job.logf(jobCtx, "info", "requested by %s", rid)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(job)
	}()
	return id, nil
}

func (m *Manager) run(job *Job) {
	ctx := job.ctx
	defer job.release()

	plan := normalizePlan(m.deps.Planner.Plan(ctx))
	job.markRunning(plan)
	job.logf(ctx, "info", "plan: ml batch %d (%s), %d processors, %d ml workers, %d db workers",
		plan.MLBatchSize, plan.Source, plan.ProcessorWorkers, plan.MLWorkers, plan.DBWorkers)
	m.persist(job)

	err := m.deps.Store.EnsureCollection(ctx, job.Collection)
	if err == nil {
		err = m.execute(ctx, job, plan)
	}

	// Free the collection before Done fires so waiters can start the next job.
	m.mu.Lock()
	if m.active[job.Collection] == job.ID {
		delete(m.active, job.Collection)
	}
	m.mu.Unlock()

	switch {
	case job.wasCancelled():
		job.finish(domain.JobStatusCancelled, nil)
	case err != nil:
		job.logf(ctx, "error", "job failed: %v", err)
		job.finish(domain.JobStatusFailed, err)
	default:
		job.finish(domain.JobStatusCompleted, nil)
	}

	c := job.Counters()
	logger.With(logger.Fields{
		logger.FieldStatus: job.Status(),
		"total_files":      c.TotalFiles,
		"processed":        c.Processed,
		"cached":           c.Cached,
		"failed":           c.Failed,
		"duplicates":       c.Duplicates,
	}).Info(ctx, "[Manager] Job finished")
	m.persist(job)
}

// execute runs the stage graph to completion. Each stage closes its output
// once all of its workers have returned, so downstream workers drain and exit
// without sentinels.
func (m *Manager) execute(ctx context.Context, job *Job, plan domain.BatchPlan) error {
	rawQ := make(chan string, plan.RawQueueCapacity)
	mlQ := make(chan mlWorkItem, plan.MLQueueCapacity)
	dbQ := make(chan domain.StorageRecord, plan.DBBatchSize*2)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(rawQ)
		return scanDirectory(logger.SetComponent(gctx, stageScan), job, job.Directory, rawQ)
	})

	proc := &processor{
		job:           job,
		cache:         m.deps.Cache,
		decoder:       m.deps.Decoder,
		claimed:       newClaimSet(),
		thumbnailSize: m.cfg.ThumbnailSize,
		transportMax:  m.cfg.TransportMaxDimension,
	}
	var procWG sync.WaitGroup
	for i := 0; i < plan.ProcessorWorkers; i++ {
		procWG.Add(1)
		wctx := logger.SetStage(gctx, stageProcess, i)
		g.Go(func() error {
			defer procWG.Done()
			proc.run(wctx, rawQ, mlQ, dbQ)
			return nil
		})
	}

	worker := &mlWorker{
		job:           job,
		embedder:      m.deps.Embedder,
		cache:         m.deps.Cache,
		thumbs:        m.deps.Thumbs,
		batchSize:     plan.MLBatchSize,
		gatherTimeout: m.cfg.GatherTimeout,
	}
	var mlWG sync.WaitGroup
	for i := 0; i < plan.MLWorkers; i++ {
		mlWG.Add(1)
		wctx := logger.SetStage(gctx, stageML, i)
		g.Go(func() error {
			defer mlWG.Done()
			worker.run(wctx, mlQ, dbQ)
			return nil
		})
	}

	g.Go(func() error {
		procWG.Wait()
		close(mlQ)
		mlWG.Wait()
		close(dbQ)
		return nil
	})

	up := &upserter{
		job:           job,
		store:         m.deps.Store,
		written:       newWrittenSet(),
		failed:        newFailedSet(),
		maxCount:      plan.DBBatchSize,
		maxBytes:      m.cfg.MaxBatchBytes,
		flushInterval: m.cfg.FlushInterval,
	}
	var dbWG sync.WaitGroup
	for i := 0; i < plan.DBWorkers; i++ {
		dbWG.Add(1)
		wctx := logger.SetStage(gctx, stageDB, i)
		g.Go(func() error {
			defer dbWG.Done()
			up.run(wctx, dbQ)
			return nil
		})
	}

	g.Go(func() error {
		dbWG.Wait()
		if gctx.Err() != nil {
			return nil
		}
		sctx := logger.SetComponent(gctx, stageSweep)
		repaired, err := sweepCache(sctx, m.deps.Cache, up)
		if err != nil {
			// a sweep failure never fails the job
			job.logf(sctx, "warn", "cache sweep aborted: %v", err)
			return nil
		}
		job.logf(sctx, "info", "cache sweep complete: repaired=%d written=%d", repaired, up.written.len())
		return nil
	})

	return g.Wait()
}

func normalizePlan(p domain.BatchPlan) domain.BatchPlan {
	p.MLBatchSize = max(p.MLBatchSize, 1)
	p.ProcessorWorkers = max(p.ProcessorWorkers, 1)
	p.MLWorkers = max(p.MLWorkers, 1)
	p.DBWorkers = max(p.DBWorkers, 1)
	p.DBBatchSize = max(p.DBBatchSize, 1)
	p.MLQueueCapacity = max(p.MLQueueCapacity, p.MLBatchSize)
	p.RawQueueCapacity = max(p.RawQueueCapacity, 1)
	return p
}

func (m *Manager) persist(job *Job) {
	if m.deps.History == nil {
		return
	}
	// The job context may already be cancelled; history writes must still land.
	ctx, cancel := context.WithTimeout(logger.FromContext(job.ctx).WithContext(context.Background()), 10*time.Second)
	defer cancel()
	if err := m.deps.History.Save(ctx, job.record()); err != nil {
		logger.FromContext(ctx).WithError(err).Warn("[Manager] Failed to persist job record")
	}
}

func (m *Manager) get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// Status returns the detailed snapshot of a job.
func (m *Manager) Status(id string) (domain.JobStatusView, error) {
	job, err := m.get(id)
	if err != nil {
		return domain.JobStatusView{}, err
	}
	return job.View(true), nil
}

// List returns summaries of the jobs in memory, newest first.
func (m *Manager) List() []domain.JobStatusView {
	m.evictExpired()

	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, k int) bool {
		return jobs[i].createdAt.After(jobs[k].createdAt)
	})
	views := make([]domain.JobStatusView, len(jobs))
	for i, job := range jobs {
		views[i] = job.View(false)
	}
	return views
}

// Cancel asks a running job to stop. Cancelling a finished job is a no-op.
func (m *Manager) Cancel(id string) error {
	job, err := m.get(id)
	if err != nil {
		return err
	}
	if job.requestCancel() {
		job.logf(job.ctx, "warn", "cancellation requested")
	}
	return nil
}

// Wait blocks until the job finishes or ctx is done and returns its final snapshot.
func (m *Manager) Wait(ctx context.Context, id string) (domain.JobStatusView, error) {
	job, err := m.get(id)
	if err != nil {
		return domain.JobStatusView{}, err
	}
	select {
	case <-job.Done():
		return job.View(true), nil
	case <-ctx.Done():
		return job.View(true), ctx.Err()
	}
}

// Running reports the ID of the job currently running against collection.
func (m *Manager) Running(collection string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.active[collection]
	return id, ok
}

// Reserve blocks new jobs on collection until release is called. It fails with
// ErrCollectionBusy while a job runs against the collection or another
// reservation holds it.
func (m *Manager) Reserve(collection string) (release func(), err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if running, busy := m.active[collection]; busy {
		return nil, fmt.Errorf("%w: %s (job %s)", ErrCollectionBusy, collection, running)
	}
	if _, held := m.reserved[collection]; held {
		return nil, fmt.Errorf("%w: %s is being modified", ErrCollectionBusy, collection)
	}
	m.reserved[collection] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.reserved, collection)
			m.mu.Unlock()
		})
	}, nil
}

// History returns persisted job records, newest first.
func (m *Manager) History(ctx context.Context, limit int) ([]domain.JobRecord, error) {
	if m.deps.History == nil {
		return []domain.JobRecord{}, nil
	}
	return m.deps.History.ListRecent(ctx, limit)
}

// Shutdown cancels every running job and waits for their workers to exit.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, job := range m.jobs {
		job.requestCancel()
	}
	m.mu.RUnlock()
	m.cancelAll()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) evictExpired() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, job := range m.jobs {
		if job.expired(now, m.cfg.Retention) {
			delete(m.jobs, id)
		}
	}
}
