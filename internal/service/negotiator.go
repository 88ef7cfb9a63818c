package service

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/logger"
)

// Batch size sources reported in domain.BatchPlan.Source.
const (
	PlanSourceOverride = "override"
	PlanSourceService  = "service"
	PlanSourceCached   = "cached"
	PlanSourceDefault  = "default"
)

const (
	defaultBatchSize   = 1
	minProcessorWorker = 2
	capabilityKey      = "safe_batch_size"
)

// CapabilityProber reports the ML service's capacity.
type CapabilityProber interface {
	Capabilities(ctx context.Context) (*Capabilities, error)
}

// NegotiatorConfig holds the sizing knobs that do not come from the ML service.
type NegotiatorConfig struct {
	BatchSizeOverride   int           // > 0 skips negotiation
	TTL                 time.Duration // how long a negotiated size is reused
	QueueMultiplier     int           // ML queue capacity = batch * multiplier
	ProcessorWorkers    int           // > 0 overrides the derived count
	MaxProcessorWorkers int           // 0 uses the logical CPU count
	MLWorkers           int
	DBWorkers           int
	DBBatchSize         int
	RawQueueCapacity    int
}

// Negotiator derives a job's batch plan from the ML service's safe batch size.
type Negotiator struct {
	prober CapabilityProber
	cfg    NegotiatorConfig
	fresh  *expirable.LRU[string, int]
	cpus   int

	mu       sync.Mutex
	lastGood int
}

// NewNegotiator creates a Negotiator.
func NewNegotiator(prober CapabilityProber, cfg NegotiatorConfig) *Negotiator {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.QueueMultiplier <= 0 {
		cfg.QueueMultiplier = 3
	}
	if cfg.MLWorkers <= 0 {
		cfg.MLWorkers = 1
	}
	if cfg.DBWorkers <= 0 {
		cfg.DBWorkers = 1
	}
	if cfg.DBBatchSize <= 0 {
		cfg.DBBatchSize = 64
	}
	if cfg.RawQueueCapacity <= 0 {
		cfg.RawQueueCapacity = 256
	}

	cpus := cfg.MaxProcessorWorkers
	if cpus <= 0 {
		cpus = logicalCPUs()
	}

	return &Negotiator{
		prober: prober,
		cfg:    cfg,
		fresh:  expirable.NewLRU[string, int](1, nil, cfg.TTL),
		cpus:   cpus,
	}
}

func logicalCPUs() int {
	if n, err := cpu.Counts(true); err == nil && n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// BatchSize returns the ML batch size to use and where it came from.
// It never fails: a failed probe falls back to the last good value, then to 1.
func (n *Negotiator) BatchSize(ctx context.Context) (int, string) {
	if n.cfg.BatchSizeOverride > 0 {
		return n.cfg.BatchSizeOverride, PlanSourceOverride
	}
	if size, ok := n.fresh.Get(capabilityKey); ok {
		return size, PlanSourceService
	}

	caps, err := n.prober.Capabilities(ctx)
	if err == nil {
		if size := caps.SafeBatchSize(); size > 0 {
			n.fresh.Add(capabilityKey, size)
			n.mu.Lock()
			n.lastGood = size
			n.mu.Unlock()
			logger.With(logger.Fields{logger.FieldBatchSize: size}).Info(ctx, "[Negotiator] ML service reports safe batch size %d", size)
			return size, PlanSourceService
		}
		logger.CtxWarn(ctx, "[Negotiator] ML service reported no usable batch size")
	} else {
		logger.FromContext(ctx).WithError(err).Warn("[Negotiator] Capability probe failed")
	}

	n.mu.Lock()
	last := n.lastGood
	n.mu.Unlock()
	if last > 0 {
		return last, PlanSourceCached
	}
	return defaultBatchSize, PlanSourceDefault
}

// Plan sizes queues and worker pools for one job.
func (n *Negotiator) Plan(ctx context.Context) domain.BatchPlan {
	size, source := n.BatchSize(ctx)
	return n.planFor(size, source)
}

func (n *Negotiator) planFor(size int, source string) domain.BatchPlan {
	workers := n.cfg.ProcessorWorkers
	if workers <= 0 {
		workers = clamp((size+1)/2, minProcessorWorker, max(n.cpus, minProcessorWorker))
	}

	return domain.BatchPlan{
		MLBatchSize:      size,
		MLQueueCapacity:  size * n.cfg.QueueMultiplier,
		ProcessorWorkers: workers,
		MLWorkers:        n.cfg.MLWorkers,
		DBWorkers:        n.cfg.DBWorkers,
		DBBatchSize:      n.cfg.DBBatchSize,
		RawQueueCapacity: n.cfg.RawQueueCapacity,
		Source:           source,
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
