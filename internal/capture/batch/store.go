// Package batch runs multi-item screenshot jobs: a persistent job store, a
// per-job scheduler with bounded parallelism, and webhook delivery on
// terminal status. Job files survive restarts; interrupted jobs are closed
// out, never resumed.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/snapforge/engine/internal/common/config"
	"github.com/snapforge/engine/pkg/types"
)

// ErrJobNotFound is returned for job IDs with no record in memory or on disk.
var ErrJobNotFound = errors.New("batch job not found")

// purgeInterval is how often the janitor looks for expired terminal jobs.
const purgeInterval = time.Minute

// Store keeps batch jobs in memory and mirrors every transition to
// jobs/{job_id}.json so status survives a restart. Reads are concurrent;
// updates and their persists are serialized so the newest state always wins
// the file.
type Store struct {
	cfg    *config.BatchConfig
	logger *zap.Logger
	dir    string // jobs directory, empty when persistence is disabled

	mu   sync.RWMutex
	jobs map[string]*types.Job

	writeMu sync.Mutex
}

// NewStore opens the store and recovers persisted jobs. Jobs found in a
// non-terminal status were interrupted by a restart and are closed out as
// failed; their unfinished items are marked accordingly.
func NewStore(cfg *config.BatchConfig, logger *zap.Logger) (*Store, error) {
	s := &Store{
		cfg:    cfg,
		logger: logger,
		jobs:   make(map[string]*types.Job),
	}

	if !cfg.PersistenceEnabled {
		return s, nil
	}

	s.dir = filepath.Join(cfg.PersistenceDir, "jobs")
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create batch job directory: %w", err)
	}
	if err := s.recover(); err != nil {
		return nil, fmt.Errorf("failed to recover batch jobs: %w", err)
	}

	return s, nil
}

// Create registers a new job and persists its initial record.
func (s *Store) Create(job *types.Job) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	if _, exists := s.jobs[job.JobID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("batch job %s already exists", job.JobID)
	}
	s.jobs[job.JobID] = job
	snapshot := cloneJob(job)
	s.mu.Unlock()

	return s.persist(snapshot)
}

// Get returns a copy of the job. Unknown IDs fall back to the disk record,
// which is cached in memory on success.
func (s *Store) Get(jobID string) (*types.Job, bool) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	if ok {
		snapshot := cloneJob(job)
		s.mu.RUnlock()
		return snapshot, true
	}
	s.mu.RUnlock()

	job, err := s.readFile(jobID)
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	if cached, exists := s.jobs[jobID]; exists {
		job = cached
	} else {
		s.jobs[jobID] = job
	}
	snapshot := cloneJob(job)
	s.mu.Unlock()

	return snapshot, true
}

// Update applies fn to the job under the store lock, persists the result,
// and returns a copy of the updated record.
func (s *Store) Update(jobID string, fn func(*types.Job)) (*types.Job, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrJobNotFound
	}
	fn(job)
	snapshot := cloneJob(job)
	s.mu.Unlock()

	if err := s.persist(snapshot); err != nil {
		s.logger.Error("Failed to persist batch job",
			zap.String("job_id", jobID),
			zap.Error(err))
	}
	return snapshot, nil
}

// List returns copies of every job currently in memory.
func (s *Store) List() []*types.Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*types.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	return out
}

// Len reports the number of jobs held in memory.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// PurgeExpired drops terminal jobs older than the configured TTL from memory
// and disk. Returns the number of jobs removed.
func (s *Store) PurgeExpired() int {
	if s.cfg.JobTTL <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-s.cfg.JobTTL)

	s.mu.RLock()
	var expired []string
	for id, job := range s.jobs {
		if !job.Status.Terminal() {
			continue
		}
		ref := job.CreatedAt
		if job.CompletedAt != nil {
			ref = *job.CompletedAt
		}
		if ref.Before(cutoff) {
			expired = append(expired, id)
		}
	}
	s.mu.RUnlock()

	if len(expired) == 0 {
		return 0
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	removed := 0
	for _, id := range expired {
		s.mu.Lock()
		delete(s.jobs, id)
		s.mu.Unlock()

		if s.dir != "" {
			if err := os.Remove(s.jobPath(id)); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("Failed to delete expired job file",
					zap.String("job_id", id),
					zap.Error(err))
				continue
			}
		}
		removed++
	}

	s.logger.Info("Purged expired batch jobs", zap.Int("removed", removed))
	return removed
}

// Run is the janitor loop; it blocks until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.PurgeExpired()
		}
	}
}

// recover loads persisted jobs and closes out any found mid-flight. Items
// that never started are cancelled; items caught mid-capture are failed.
func (s *Store) recover() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	interrupted := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}

		jobID := strings.TrimSuffix(name, ".json")
		job, err := s.readFile(jobID)
		if err != nil {
			s.logger.Warn("Dropping unreadable job file",
				zap.String("file", name),
				zap.Error(err))
			_ = os.Remove(filepath.Join(s.dir, name))
			continue
		}

		if !job.Status.Terminal() {
			markInterrupted(job)
			if err := s.persist(job); err != nil {
				s.logger.Error("Failed to persist interrupted job",
					zap.String("job_id", job.JobID),
					zap.Error(err))
			}
			interrupted++
		}

		s.jobs[job.JobID] = job
	}

	if len(s.jobs) > 0 {
		s.logger.Info("Recovered batch jobs from disk",
			zap.Int("jobs", len(s.jobs)),
			zap.Int("interrupted", interrupted))
	}
	return nil
}

// markInterrupted closes out a job that was live when the process died.
// Completed item results are kept.
func markInterrupted(job *types.Job) {
	for i := range job.Items {
		switch job.Items[i].Status {
		case types.ItemStatusPending:
			job.Items[i].Status = types.ItemStatusCancelled
		case types.ItemStatusProcessing:
			job.Items[i].Status = types.ItemStatusFailed
			job.Items[i].ErrorKind = types.KindInternal
			job.Items[i].Error = types.ReasonRestartInterrupted
		}
	}
	job.Status = types.JobStatusFailed
	job.FailureReason = types.ReasonRestartInterrupted
	now := time.Now().UTC()
	job.CompletedAt = &now
	job.EstimatedCompletion = nil
}

func (s *Store) persist(job *types.Job) error {
	if s.dir == "" {
		return nil
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return writeFileSync(s.jobPath(job.JobID), data)
}

// readFile loads one job record from disk. Job IDs come from request paths,
// so anything that could escape the jobs directory is rejected outright.
func (s *Store) readFile(jobID string) (*types.Job, error) {
	if s.dir == "" {
		return nil, ErrJobNotFound
	}
	if jobID == "" || strings.ContainsAny(jobID, `/\`) || strings.Contains(jobID, "..") {
		return nil, ErrJobNotFound
	}

	data, err := os.ReadFile(s.jobPath(jobID))
	if err != nil {
		return nil, err
	}

	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to parse job file: %w", err)
	}
	if job.JobID == "" {
		return nil, fmt.Errorf("job file %s.json has no job_id", jobID)
	}
	return &job, nil
}

func (s *Store) jobPath(jobID string) string {
	return filepath.Join(s.dir, jobID+".json")
}

// cloneJob copies the job and its item slice so callers never share memory
// with the stored record. Timestamp pointers are only ever replaced, never
// mutated in place, so the shallow field copy is safe.
func cloneJob(j *types.Job) *types.Job {
	out := *j
	out.Items = make([]types.JobItem, len(j.Items))
	copy(out.Items, j.Items)
	return &out
}

// writeFileSync writes via temp file + fsync + rename so a crash never
// leaves a torn job file behind.
func writeFileSync(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".job-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
