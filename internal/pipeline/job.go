package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timmy/photoloom/internal/domain"
	"github.com/timmy/photoloom/internal/logger"
)

const maxFailedDetails = 500

// Job is the runtime state of one ingestion run. Every mutation goes through
// its methods, which hold mu; counters only ever move by increments.
type Job struct {
	ID         string
	Directory  string
	Collection string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu          sync.Mutex
	status      domain.JobStatus
	counters    domain.Counters
	scanDone    bool
	cancelled   bool
	plan        domain.BatchPlan
	createdAt   time.Time
	startedAt   *time.Time
	completedAt *time.Time
	errMsg      string
	logLines    []domain.JobLogLine
	logCap      int
	failed      []domain.FailedDetail
}

func newJob(ctx context.Context, id, directory, collection string, logCap int) *Job {
	if logCap <= 0 {
		logCap = 50
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Job{
		ID:         id,
		Directory:  directory,
		Collection: collection,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		status:     domain.JobStatusPending,
		createdAt:  time.Now(),
		logCap:     logCap,
	}
}

// Done is closed once the job is terminal and its record has been persisted.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) logf(ctx context.Context, level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	j.mu.Lock()
	j.appendLogLocked(level, msg)
	j.mu.Unlock()

	switch level {
	case "error":
		logger.CtxError(ctx, "%s", msg)
	case "warn":
		logger.CtxWarn(ctx, "%s", msg)
	default:
		logger.CtxInfo(ctx, "%s", msg)
	}
}

func (j *Job) appendLogLocked(level, msg string) {
	j.logLines = append(j.logLines, domain.JobLogLine{Time: time.Now(), Level: level, Message: msg})
	if over := len(j.logLines) - j.logCap; over > 0 {
		j.logLines = append(j.logLines[:0], j.logLines[over:]...)
	}
}

func (j *Job) markRunning(plan domain.BatchPlan) {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	j.status = domain.JobStatusRunning
	j.plan = plan
	j.startedAt = &now
}

// discovered counts one file before it is handed to the processors, so the
// total never trails the outcome counters.
func (j *Job) discovered() {
	j.mu.Lock()
	j.counters.TotalFiles++
	j.mu.Unlock()
}

func (j *Job) finishScan(total int64) {
	j.mu.Lock()
	j.counters.TotalFiles = total
	j.scanDone = true
	j.mu.Unlock()
}

func (j *Job) addCached() {
	j.mu.Lock()
	j.counters.Cached++
	j.mu.Unlock()
}

func (j *Job) addProcessed() {
	j.mu.Lock()
	j.counters.Processed++
	j.mu.Unlock()
}

func (j *Job) addDuplicate(ctx context.Context, path, hash string) {
	j.mu.Lock()
	j.counters.Duplicates++
	j.mu.Unlock()
	j.logf(ctx, "info", "duplicate content %s skipped: %s", shortHash(hash), path)
}

// fail records a terminal failure for a file that has no other outcome yet.
func (j *Job) fail(ctx context.Context, path, stage string, err error) {
	j.mu.Lock()
	j.counters.Failed++
	j.addDetailLocked(path, stage, err)
	j.appendLogLocked("error", fmt.Sprintf("%s failed for %s: %v", stage, path, err))
	j.mu.Unlock()
	logger.FromContext(ctx).WithField(logger.FieldPath, path).WithError(err).Warnf("[%s] File failed", stage)
}

// reclassifyFailed moves a record already counted as cached or processed to failed.
// Sweep records belong to no counter and are only logged.
func (j *Job) reclassifyFailed(ctx context.Context, rec domain.StorageRecord, err error) {
	path := rec.Payload.Path
	j.mu.Lock()
	switch rec.Origin {
	case domain.OriginCached:
		j.counters.Cached--
		j.counters.Failed++
	case domain.OriginEmbedded:
		j.counters.Processed--
		j.counters.Failed++
	}
	j.addDetailLocked(path, stageDB, err)
	j.appendLogLocked("error", fmt.Sprintf("db write failed for %s: %v", path, err))
	j.mu.Unlock()
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldPath: path,
		"point_id":       rec.PointID,
	}).WithError(err).Error("[DB] Record write failed")
}

// restoreOutcome undoes reclassifyFailed for a record that was stored after all.
func (j *Job) restoreOutcome(ctx context.Context, rec domain.StorageRecord) {
	path := rec.Payload.Path
	j.mu.Lock()
	switch rec.Origin {
	case domain.OriginCached:
		j.counters.Failed--
		j.counters.Cached++
	case domain.OriginEmbedded:
		j.counters.Failed--
		j.counters.Processed++
	}
	for i, d := range j.failed {
		if d.Path == path && d.Stage == stageDB {
			j.failed = append(j.failed[:i], j.failed[i+1:]...)
			break
		}
	}
	j.appendLogLocked("info", fmt.Sprintf("db write for %s recovered", path))
	j.mu.Unlock()
	logger.FromContext(ctx).WithField(logger.FieldPath, path).Info("[DB] Record recovered after failed write")
}

func (j *Job) addDetailLocked(path, stage string, err error) {
	if len(j.failed) >= maxFailedDetails {
		return
	}
	j.failed = append(j.failed, domain.FailedDetail{Path: path, Stage: stage, Error: err.Error()})
}

func (j *Job) requestCancel() bool {
	j.mu.Lock()
	terminal := j.status.IsTerminal()
	if !terminal {
		j.cancelled = true
	}
	j.mu.Unlock()
	if terminal {
		return false
	}
	j.cancel()
	return true
}

func (j *Job) finish(status domain.JobStatus, err error) {
	now := time.Now()
	j.mu.Lock()
	if j.status.IsTerminal() {
		j.mu.Unlock()
		return
	}
	j.status = status
	j.completedAt = &now
	if err != nil {
		j.errMsg = err.Error()
	}
	j.appendLogLocked("info", fmt.Sprintf("job %s", status))
	j.mu.Unlock()

	j.cancel()
}

// release wakes Done waiters; called once after the final state is persisted.
func (j *Job) release() {
	close(j.done)
}

func (j *Job) wasCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// progressLocked is 0 until the scan has counted every file, then the share of
// files with a terminal outcome; it is pinned to 100 once the job completes.
func (j *Job) progressLocked() float64 {
	if j.status == domain.JobStatusCompleted {
		return 100
	}
	if !j.scanDone || j.counters.TotalFiles == 0 {
		return 0
	}
	p := float64(j.counters.Done()) / float64(j.counters.TotalFiles) * 100
	if p > 100 {
		p = 100
	}
	return p
}

// Progress returns completion as a percentage in [0, 100].
func (j *Job) Progress() float64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progressLocked()
}

// Counters returns a copy of the job's counters.
func (j *Job) Counters() domain.Counters {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.counters
}

// Status returns the job's current status.
func (j *Job) Status() domain.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// View returns a snapshot. Log lines and failed details are included only when detailed.
func (j *Job) View(detailed bool) domain.JobStatusView {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := domain.JobStatusView{
		ID:          j.ID,
		Directory:   j.Directory,
		Collection:  j.Collection,
		Status:      j.status,
		Progress:    j.progressLocked(),
		Counters:    j.counters,
		Plan:        j.plan,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
		Error:       j.errMsg,
	}
	if detailed {
		v.RecentLog = append([]domain.JobLogLine(nil), j.logLines...)
		v.FailedDetails = append([]domain.FailedDetail(nil), j.failed...)
	}
	return v
}

func (j *Job) record() *domain.JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return &domain.JobRecord{
		ID:               j.ID,
		Directory:        j.Directory,
		Collection:       j.Collection,
		Status:           j.status,
		TotalFiles:       j.counters.TotalFiles,
		Processed:        j.counters.Processed,
		Cached:           j.counters.Cached,
		Failed:           j.counters.Failed,
		Duplicates:       j.counters.Duplicates,
		MLBatchSize:      j.plan.MLBatchSize,
		DBBatchSize:      j.plan.DBBatchSize,
		ProcessorWorkers: j.plan.ProcessorWorkers,
		MLWorkers:        j.plan.MLWorkers,
		DBWorkers:        j.plan.DBWorkers,
		StartedAt:        j.startedAt,
		CompletedAt:      j.completedAt,
		ErrorLog:         j.errMsg,
		CreatedAt:        j.createdAt,
	}
}

func (j *Job) expired(now time.Time, retention time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status.IsTerminal() && j.completedAt != nil && now.Sub(*j.completedAt) > retention
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
