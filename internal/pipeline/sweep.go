package pipeline

import (
	"context"

	"github.com/timmy/photoloom/internal/domain"
)

const sweepPageSize = 256

// sweepCache upserts every cache entry of the job's collection whose point was
// neither written in this run nor already stored, and returns how many it repaired.
func sweepCache(ctx context.Context, cache DedupCache, u *upserter) (int, error) {
	repaired := 0
	err := cache.ForEach(ctx, u.job.Collection, sweepPageSize, func(entries []domain.CacheEntry) error {
		var candidates []domain.StorageRecord
		for _, e := range entries {
			if u.written.has(e.PointID) {
				continue
			}
			candidates = append(candidates, domain.StorageRecord{
				PointID: e.PointID,
				Vector:  e.Vector,
				Payload: e.Payload,
				Origin:  domain.OriginSweep,
			})
		}
		if len(candidates) > 0 {
			repaired += u.flush(ctx, candidates)
		}
		return ctx.Err()
	})
	return repaired, err
}
