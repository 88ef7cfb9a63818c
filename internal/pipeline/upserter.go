package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/logger"
)

// recordOverhead approximates point ID, framing and field tags per record.
const recordOverhead = 128

// writtenSet holds the point IDs confirmed in the destination during one job.
type writtenSet struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newWrittenSet() *writtenSet {
	return &writtenSet{ids: make(map[string]struct{})}
}

func (s *writtenSet) add(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
}

func (s *writtenSet) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.ids[id]
	return ok
}

func (s *writtenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// failedSet remembers records whose write failed, so a later successful write
// of the same point can restore their outcome.
type failedSet struct {
	mu   sync.Mutex
	recs map[string]domain.StorageRecord
}

func newFailedSet() *failedSet {
	return &failedSet{recs: make(map[string]domain.StorageRecord)}
}

// add reports whether rec is the first failure recorded for its point.
func (s *failedSet) add(rec domain.StorageRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.PointID]; ok {
		return false
	}
	s.recs[rec.PointID] = rec
	return true
}

// take removes and returns the failed record for id, if any.
func (s *failedSet) take(id string) (domain.StorageRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if ok {
		delete(s.recs, id)
	}
	return rec, ok
}

// estimateRecordSize approximates the serialized size of a record on the wire.
func estimateRecordSize(rec domain.StorageRecord) int {
	payload, err := json.Marshal(rec.Payload)
	size := len(payload)
	if err != nil {
		size = len(rec.Payload.Thumbnail) + 1024
	}
	return size + 4*len(rec.Vector) + recordOverhead
}

// splitBatch halves records recursively until every part's estimated size is
// within maxBytes or the part holds a single record. Order is preserved and
// every record appears in exactly one part.
func splitBatch(records []domain.StorageRecord, maxBytes int, size func(domain.StorageRecord) int) [][]domain.StorageRecord {
	if len(records) == 0 {
		return nil
	}
	total := 0
	for _, rec := range records {
		total += size(rec)
	}
	if total <= maxBytes || len(records) == 1 {
		return [][]domain.StorageRecord{records}
	}

	mid := len(records) / 2
	return append(
		splitBatch(records[:mid], maxBytes, size),
		splitBatch(records[mid:], maxBytes, size)...,
	)
}

// upserter is the DB stage. Workers of one job share the written set.
type upserter struct {
	job           *Job
	store         VectorStore
	written       *writtenSet
	failed        *failedSet
	maxCount      int
	maxBytes      int
	flushInterval time.Duration
}

func (u *upserter) run(ctx context.Context, in <-chan domain.StorageRecord) {
	var (
		pending      []domain.StorageRecord
		pendingBytes int
	)
	flush := func() {
		if len(pending) > 0 {
			u.flush(ctx, pending)
		}
		pending, pendingBytes = nil, 0
	}

	idle := time.NewTimer(u.flushInterval)
	defer idle.Stop()

	for {
		select {
		case rec, ok := <-in:
			if !ok {
				flush()
				return
			}
			size := estimateRecordSize(rec)
			if len(pending) > 0 && pendingBytes+size > u.maxBytes {
				flush()
			}
			pending = append(pending, rec)
			pendingBytes += size
			if len(pending) >= u.maxCount {
				flush()
			}
			idle.Reset(u.flushInterval)
		case <-idle.C:
			flush()
			idle.Reset(u.flushInterval)
		case <-ctx.Done():
			return
		}
	}
}

// flush writes records that are not yet in the destination and returns how many it wrote.
func (u *upserter) flush(ctx context.Context, records []domain.StorageRecord) int {
	records = u.filterNew(ctx, records)
	if len(records) == 0 {
		return 0
	}

	written := 0
	for _, part := range splitBatch(records, u.maxBytes, estimateRecordSize) {
		written += u.write(ctx, part)
	}
	return written
}

// filterNew drops records written earlier in this job and records whose point already exists.
func (u *upserter) filterNew(ctx context.Context, records []domain.StorageRecord) []domain.StorageRecord {
	fresh := make([]domain.StorageRecord, 0, len(records))
	inBatch := make(map[string]struct{}, len(records))
	for _, rec := range records {
		if u.written.has(rec.PointID) {
			continue
		}
		if _, dup := inBatch[rec.PointID]; dup {
			continue
		}
		inBatch[rec.PointID] = struct{}{}
		fresh = append(fresh, rec)
	}
	if len(fresh) == 0 {
		return nil
	}

	ids := make([]string, len(fresh))
	for i, rec := range fresh {
		ids[i] = rec.PointID
	}
	existing, err := u.store.ExistingIDs(ctx, u.job.Collection, ids)
	if err != nil {
		// Deterministic IDs make a blind upsert safe.
		logger.FromContext(ctx).WithError(err).Warn("[DB] Existence check failed, upserting all")
		return fresh
	}

	out := fresh[:0]
	for _, rec := range fresh {
		if existing[rec.PointID] {
			u.confirm(ctx, []domain.StorageRecord{rec})
			continue
		}
		out = append(out, rec)
	}
	if skipped := len(fresh) - len(out); skipped > 0 {
		logger.With(logger.Fields{logger.FieldCount: skipped}).Debug(ctx, "[DB] Skipped points already stored")
	}
	return out
}

// write upserts one part, degrading to per-record writes when a multi-record write fails.
func (u *upserter) write(ctx context.Context, records []domain.StorageRecord) int {
	start := time.Now()
	err := u.store.UpsertBatch(ctx, u.job.Collection, records)
	if err == nil {
		u.confirm(ctx, records)
		logger.With(logger.Fields{logger.FieldCount: len(records)}).
			WithDuration(time.Since(start).Milliseconds()).
			Debug(ctx, "[DB] Batch upserted")
		return len(records)
	}
	if ctx.Err() != nil {
		return 0
	}
	if len(records) == 1 {
		u.reject(ctx, records[0], err)
		return 0
	}

	u.job.logf(ctx, "warn", "db batch of %d failed, retrying per record: %v", len(records), err)
	written := 0
	for _, rec := range records {
		if err := u.store.UpsertBatch(ctx, u.job.Collection, []domain.StorageRecord{rec}); err != nil {
			if ctx.Err() != nil {
				return written
			}
			u.reject(ctx, rec, err)
			continue
		}
		u.confirm(ctx, []domain.StorageRecord{rec})
		written++
	}
	return written
}

// confirm marks records as stored. A point whose earlier write failed in this
// job gets its original outcome back.
func (u *upserter) confirm(ctx context.Context, records []domain.StorageRecord) {
	for _, rec := range records {
		u.written.add(rec.PointID)
		if u.failed == nil {
			continue
		}
		if prev, ok := u.failed.take(rec.PointID); ok {
			u.job.restoreOutcome(ctx, prev)
		}
	}
}

// reject counts a failed write once per point; retries of the same point only log.
func (u *upserter) reject(ctx context.Context, rec domain.StorageRecord, err error) {
	if u.failed != nil && !u.failed.add(rec) {
		logger.FromContext(ctx).WithField(logger.FieldPath, rec.Payload.Path).
			WithError(err).Warn("[DB] Retried write failed again")
		return
	}
	u.job.reclassifyFailed(ctx, rec, err)
}
