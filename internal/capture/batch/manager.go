package batch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/internal/common/requestid"
	"github.com/snapforge/engine/pkg/types"
)

// ErrShutdown is returned for submissions after Shutdown has begun.
var ErrShutdown = errors.New("batch manager is shutting down")

// CaptureFunc runs one screenshot through admission and the pipeline and
// returns the artifact URL. useCache false bypasses the result cache for
// both read and write.
type CaptureFunc func(ctx context.Context, req types.ScreenshotRequest, useCache bool) (string, error)

// fallbackItemEstimate seeds completion projections before any item of a
// job has finished.
const fallbackItemEstimate = 10 * time.Second

// Manager schedules batch jobs. Each job gets its own goroutine pool of
// min(parallel, 10) workers fed item indexes in submission order, a
// job-scoped context for fail-fast cancellation, and a webhook delivery on
// terminal status.
type Manager struct {
	cfg      *config.BatchConfig
	store    *Store
	capture  CaptureFunc
	classify func(error) string
	notifier *Notifier
	logger   *zap.Logger

	// defaultTimeout bounds items whose job did not set one.
	defaultTimeout time.Duration

	rootCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires the scheduler. classify maps capture errors to error
// kinds for the per-item records.
func NewManager(cfg *config.BatchConfig, defaultTimeout time.Duration, store *Store, capture CaptureFunc, classify func(error) string, logger *zap.Logger) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:            cfg,
		store:          store,
		capture:        capture,
		classify:       classify,
		notifier:       NewNotifier(logger),
		logger:         logger,
		defaultTimeout: defaultTimeout,
		rootCtx:        ctx,
		cancel:         cancel,
	}
}

// Submit registers a validated batch request and starts its scheduler.
// The returned snapshot is the initial queued status.
func (m *Manager) Submit(req *types.BatchRequest) (*types.Job, error) {
	if m.rootCtx.Err() != nil {
		return nil, ErrShutdown
	}

	job := m.newJob(req)
	if err := m.store.Create(job); err != nil {
		return nil, err
	}

	m.wg.Add(1)
	go m.runJob(job.JobID)

	m.logger.Info("Batch job submitted",
		zap.String("job_id", job.JobID),
		zap.Int("items", len(job.Items)),
		zap.Int("parallel", job.Options.Parallel),
		zap.Bool("fail_fast", job.Options.FailFast))

	return cloneJob(job), nil
}

// Job returns the current job snapshot with a completion estimate refreshed
// for active jobs.
func (m *Manager) Job(jobID string) (*types.Job, bool) {
	job, ok := m.store.Get(jobID)
	if !ok {
		return nil, false
	}
	if !job.Status.Terminal() {
		estimateCompletion(job)
	}
	return job, true
}

// Shutdown cancels every scheduler and waits for them to stop. Jobs are
// left in their current persisted status so the next startup closes them
// out as interrupted.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

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

// newJob builds the initial job record. The external ID keeps the short
// original shape; the full UUID is kept inside the record.
func (m *Manager) newJob(req *types.BatchRequest) *types.Job {
	uid := uuid.NewString()
	jobID := "batch-" + strings.ReplaceAll(uid, "-", "")[:8]

	items := make([]types.JobItem, len(req.Items))
	for i, spec := range req.Items {
		r := types.ScreenshotRequest{URL: spec.URL, Format: spec.Format, Width: spec.Width, Height: spec.Height}
		r.ApplyDefaults()
		items[i] = types.JobItem{
			ID:     spec.ID,
			URL:    r.URL,
			Format: r.Format,
			Width:  r.Width,
			Height: r.Height,
			Status: types.ItemStatusPending,
		}
	}

	opts := req.Options
	if opts.Parallel <= 0 {
		opts.Parallel = m.cfg.DefaultParallel
	}
	if opts.Parallel > types.MaxBatchParallel {
		opts.Parallel = types.MaxBatchParallel
	}

	return &types.Job{
		JobID:     jobID,
		UID:       uid,
		Status:    types.JobStatusQueued,
		Items:     items,
		Options:   opts,
		CreatedAt: time.Now().UTC(),
	}
}

// runJob drives one job to a terminal status: workers consume item indexes
// in submission order, fail-fast failures cancel the job context, and the
// webhook fires once the final record is persisted. A shutdown mid-job
// returns without finalizing so the restart scan closes the job out.
func (m *Manager) runJob(jobID string) {
	defer m.wg.Done()

	jobCtx, cancelJob := context.WithCancel(m.rootCtx)
	defer cancelJob()

	job, ok := m.store.Get(jobID)
	if !ok {
		m.logger.Error("Batch job vanished before scheduling", zap.String("job_id", jobID))
		return
	}

	workers := job.Options.Parallel
	if workers > len(job.Items) {
		workers = len(job.Items)
	}
	if workers < 1 {
		workers = 1
	}

	feed := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range feed {
				m.runItem(jobCtx, cancelJob, jobID, idx, &job.Options)
			}
		}()
	}

feeding:
	for idx := range job.Items {
		select {
		case feed <- idx:
		case <-jobCtx.Done():
			break feeding
		}
	}
	close(feed)
	wg.Wait()

	if m.rootCtx.Err() != nil {
		m.logger.Info("Batch job interrupted by shutdown", zap.String("job_id", jobID))
		return
	}

	final, err := m.store.Update(jobID, finalizeJob)
	if err != nil {
		m.logger.Error("Failed to finalize batch job",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	completed, failed, cancelled, _ := final.Counts()
	m.logger.Info("Batch job finished",
		zap.String("job_id", jobID),
		zap.String("status", string(final.Status)),
		zap.Int("completed", completed),
		zap.Int("failed", failed),
		zap.Int("cancelled", cancelled))

	if final.Options.WebhookURL != "" {
		m.deliverWebhook(final)
	}
}

// runItem captures one batch item and records its outcome. The first
// failure cancels the job context when fail-fast is set.
func (m *Manager) runItem(jobCtx context.Context, cancelJob context.CancelFunc, jobID string, idx int, opts *types.BatchOptions) {
	// Items dequeued after cancellation stay pending; finalize sweeps
	// them to cancelled.
	if jobCtx.Err() != nil {
		return
	}

	started := time.Now().UTC()
	snapshot, err := m.store.Update(jobID, func(j *types.Job) {
		item := &j.Items[idx]
		item.Status = types.ItemStatusProcessing
		item.StartedAt = &started
		if j.Status == types.JobStatusQueued {
			j.Status = types.JobStatusProcessing
			j.StartedAt = &started
		}
	})
	if err != nil {
		m.logger.Error("Failed to mark batch item processing",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}
	item := snapshot.Items[idx]

	timeout := m.defaultTimeout
	if opts.ItemTimeout > 0 {
		timeout = time.Duration(opts.ItemTimeout) * time.Second
	}
	itemCtx, cancel := context.WithTimeout(jobCtx, timeout)
	defer cancel()
	itemCtx = requestid.NewContext(itemCtx, jobID+"/"+item.ID)

	useCache := true
	if opts.CacheEnabled != nil {
		useCache = *opts.CacheEnabled
	}

	req := types.ScreenshotRequest{URL: item.URL, Format: item.Format, Width: item.Width, Height: item.Height}
	artifactURL, captureErr := m.capture(itemCtx, req, useCache)

	completedAt := time.Now().UTC()
	durationMS := completedAt.Sub(started).Milliseconds()

	_, err = m.store.Update(jobID, func(j *types.Job) {
		item := &j.Items[idx]
		item.CompletedAt = &completedAt
		item.DurationMS = durationMS

		switch {
		case captureErr == nil:
			item.Status = types.ItemStatusCompleted
			item.ResultURL = artifactURL
		case jobCtx.Err() != nil && errors.Is(captureErr, context.Canceled):
			item.Status = types.ItemStatusCancelled
			item.Error = "cancelled"
		default:
			item.Status = types.ItemStatusFailed
			item.ErrorKind = m.classify(captureErr)
			item.Error = captureErr.Error()
		}
	})
	if err != nil {
		m.logger.Error("Failed to record batch item outcome",
			zap.String("job_id", jobID),
			zap.Error(err))
		return
	}

	if captureErr != nil {
		m.logger.Warn("Batch item failed",
			zap.String("job_id", jobID),
			zap.String("item_id", item.ID),
			zap.String("url", item.URL),
			zap.Error(captureErr))
		if opts.FailFast {
			cancelJob()
		}
	}
}

// deliverWebhook posts the terminal payload. Failures are logged, never
// retried past the notifier's budget, and never affect job status.
func (m *Manager) deliverWebhook(job *types.Job) {
	completed, failed, _, _ := job.Counts()
	completedAt := time.Now().UTC()
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}

	payload := types.WebhookPayload{
		JobID:       job.JobID,
		Status:      job.Status,
		Total:       len(job.Items),
		Completed:   completed,
		Failed:      failed,
		Items:       job.Items,
		CompletedAt: completedAt,
	}

	if err := m.notifier.Notify(m.rootCtx, job.Options.WebhookURL, job.Options.WebhookAuthHeader, payload); err != nil {
		m.logger.Error("Webhook delivery failed",
			zap.String("job_id", job.JobID),
			zap.String("webhook_url", job.Options.WebhookURL),
			zap.Error(err))
		return
	}
	m.logger.Info("Webhook delivered",
		zap.String("job_id", job.JobID),
		zap.String("status", string(job.Status)))
}

// finalizeJob sweeps unfinished items to cancelled and derives the
// aggregate status from the item outcomes.
func finalizeJob(j *types.Job) {
	for i := range j.Items {
		switch j.Items[i].Status {
		case types.ItemStatusPending, types.ItemStatusProcessing:
			j.Items[i].Status = types.ItemStatusCancelled
			if j.Items[i].Error == "" {
				j.Items[i].Error = "cancelled"
			}
		}
	}

	completed, failed, cancelled, _ := j.Counts()
	switch {
	case failed == 0 && cancelled == 0:
		j.Status = types.JobStatusCompleted
	case j.Options.FailFast && failed > 0:
		j.Status = types.JobStatusFailed
		if j.FailureReason == "" {
			j.FailureReason = "fail_fast"
		}
	case completed > 0:
		j.Status = types.JobStatusPartial
	default:
		j.Status = types.JobStatusFailed
	}

	now := time.Now().UTC()
	j.CompletedAt = &now
	j.EstimatedCompletion = nil
}

// estimateCompletion projects when the remaining items will finish from the
// average duration of finished ones. Operates on a snapshot; the estimate
// is never persisted.
func estimateCompletion(j *types.Job) {
	_, _, _, pending := j.Counts()
	if pending == 0 {
		return
	}

	var totalMS, n int64
	for _, item := range j.Items {
		if item.DurationMS > 0 {
			totalMS += item.DurationMS
			n++
		}
	}

	per := fallbackItemEstimate
	if n > 0 {
		per = time.Duration(totalMS/n) * time.Millisecond
	}

	parallel := j.Options.Parallel
	if parallel < 1 {
		parallel = 1
	}
	waves := (pending + parallel - 1) / parallel

	eta := time.Now().UTC().Add(time.Duration(waves) * per)
	j.EstimatedCompletion = &eta
}
