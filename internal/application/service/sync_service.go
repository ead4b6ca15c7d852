package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	appsync "github.com/receipthq/reconcile/internal/application/sync"
)

// SyncStatus represents the current state of a sync job.
type SyncStatus string

const (
	StatusPending   SyncStatus = "pending"
	StatusRunning   SyncStatus = "running"
	StatusCompleted SyncStatus = "completed"
	StatusFailed    SyncStatus = "failed"
	StatusCancelled SyncStatus = "cancelled"
)

// Job staleness thresholds
const (
	// DefaultJobStaleThreshold is how long a job can go without finishing
	// before being considered hung.
	DefaultJobStaleThreshold = 30 * time.Minute

	// DefaultJobMaxDuration is the maximum time a job can run before being
	// forcefully marked as failed.
	DefaultJobMaxDuration = 2 * time.Hour

	// completedJobRetention is how long finished jobs stay queryable.
	completedJobRetention = 24 * time.Hour
)

// SyncJob represents a running or completed sync job for one connection.
type SyncJob struct {
	ID           string
	ConnectionID string
	Status       SyncStatus
	StartedAt    time.Time
	CompletedAt  *time.Time
	Result       *appsync.Result
	Error        error
	cancelFunc   context.CancelFunc
}

// Reevaluator re-runs matching after a batch added records.
type Reevaluator interface {
	Reevaluate(ctx context.Context) error
}

// SyncService manages sync jobs: one at a time per connection, run in
// the background, queryable and cancellable by ID. After a batch that
// added records it triggers match re-evaluation.
type SyncService struct {
	orchestrator *appsync.Orchestrator
	connections  map[string]connectors.Connector
	reevaluator  Reevaluator
	logger       *slog.Logger

	jobs      map[string]*SyncJob
	jobsMutex sync.RWMutex

	// Connection-level locking (only one sync per connection at a time)
	connLocks  map[string]*sync.Mutex
	locksMutex sync.Mutex

	cleanupStop chan struct{}
	cleanupDone chan struct{}
}

// NewSyncService creates a new sync service over a fixed connection set.
func NewSyncService(
	orchestrator *appsync.Orchestrator,
	conns []connectors.Connector,
	reevaluator Reevaluator,
	logger *slog.Logger,
) *SyncService {
	byID := make(map[string]connectors.Connector, len(conns))
	for _, c := range conns {
		byID[c.ID()] = c
	}
	return &SyncService{
		orchestrator: orchestrator,
		connections:  byID,
		reevaluator:  reevaluator,
		logger:       logger,
		jobs:         make(map[string]*SyncJob),
		connLocks:    make(map[string]*sync.Mutex),
	}
}

// Connections returns the known connection IDs.
func (s *SyncService) Connections() []string {
	ids := make([]string, 0, len(s.connections))
	for id := range s.connections {
		ids = append(ids, id)
	}
	return ids
}

// StartSync starts a sync job for one connection asynchronously.
// The passed context is NOT the parent of the background job; jobs run
// under context.Background() so they survive the HTTP request that
// started them. Use CancelSync to stop a running job.
func (s *SyncService) StartSync(_ context.Context, connectionID string) (string, error) {
	conn, ok := s.connections[connectionID]
	if !ok {
		return "", fmt.Errorf("unknown connection: %s", connectionID)
	}

	if !s.tryLockConnection(connectionID) {
		return "", fmt.Errorf("sync already running for connection: %s", connectionID)
	}

	jobID := fmt.Sprintf("%s-%d", connectionID, time.Now().UnixNano())
	jobCtx, cancel := context.WithCancel(context.Background())

	job := &SyncJob{
		ID:           jobID,
		ConnectionID: connectionID,
		Status:       StatusPending,
		StartedAt:    time.Now(),
		cancelFunc:   cancel,
	}

	s.jobsMutex.Lock()
	s.jobs[jobID] = job
	s.jobsMutex.Unlock()

	go s.runSyncJob(jobCtx, job, conn)

	s.logger.Info("sync job started", "job_id", jobID, "connection_id", connectionID)
	return jobID, nil
}

// StartSyncAll starts a job per enabled connection, skipping any that
// already has one running. Returns the started job IDs.
func (s *SyncService) StartSyncAll(ctx context.Context) []string {
	var ids []string
	for connectionID := range s.connections {
		jobID, err := s.StartSync(ctx, connectionID)
		if err != nil {
			s.logger.Warn("skipping connection", "connection_id", connectionID, "error", err)
			continue
		}
		ids = append(ids, jobID)
	}
	return ids
}

// GetSyncJob retrieves a sync job by ID.
func (s *SyncService) GetSyncJob(jobID string) (*SyncJob, error) {
	s.jobsMutex.RLock()
	defer s.jobsMutex.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

// ListActiveSyncJobs returns all running or pending jobs.
func (s *SyncService) ListActiveSyncJobs() []*SyncJob {
	s.jobsMutex.RLock()
	defer s.jobsMutex.RUnlock()

	var active []*SyncJob
	for _, job := range s.jobs {
		if job.Status == StatusPending || job.Status == StatusRunning {
			active = append(active, job)
		}
	}
	return active
}

// CancelSync cancels a running sync job.
func (s *SyncService) CancelSync(jobID string) error {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if job.Status != StatusPending && job.Status != StatusRunning {
		return fmt.Errorf("job cannot be cancelled: status=%s", job.Status)
	}

	job.cancelFunc()
	job.Status = StatusCancelled
	now := time.Now()
	job.CompletedAt = &now

	s.logger.Info("sync job cancelled", "job_id", jobID)
	return nil
}

// runSyncJob executes the sync in a background goroutine.
func (s *SyncService) runSyncJob(ctx context.Context, job *SyncJob, conn connectors.Connector) {
	defer s.unlockConnection(job.ConnectionID)

	s.setStatus(job.ID, StatusRunning)

	result, err := s.orchestrator.RunSync(ctx, conn)
	if err != nil {
		if ctx.Err() == context.Canceled {
			// Already marked cancelled in CancelSync.
			return
		}
		s.failJob(job.ID, result, err)
		return
	}

	s.completeJob(job.ID, result)

	if result.Added > 0 {
		if err := s.reevaluator.Reevaluate(ctx); err != nil {
			s.logger.Error("re-evaluation after sync failed",
				"job_id", job.ID, "error", err)
		}
	}
}

func (s *SyncService) setStatus(jobID string, status SyncStatus) {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	if job, exists := s.jobs[jobID]; exists {
		job.Status = status
	}
}

func (s *SyncService) completeJob(jobID string, result *appsync.Result) {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	if job, exists := s.jobs[jobID]; exists {
		now := time.Now()
		job.Status = StatusCompleted
		job.CompletedAt = &now
		job.Result = result
		s.logger.Info("sync job completed",
			"job_id", jobID,
			"added", result.Added,
			"duplicates", result.Duplicates,
			"quarantined", result.Quarantined,
			"errors", result.Errors,
		)
	}
}

func (s *SyncService) failJob(jobID string, result *appsync.Result, err error) {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	if job, exists := s.jobs[jobID]; exists {
		now := time.Now()
		job.Status = StatusFailed
		job.CompletedAt = &now
		job.Result = result
		job.Error = err
		s.logger.Error("sync job failed", "job_id", jobID, "error", err)
	}
}

// tryLockConnection attempts to acquire the lock for a connection.
func (s *SyncService) tryLockConnection(connectionID string) bool {
	s.locksMutex.Lock()
	defer s.locksMutex.Unlock()

	if _, exists := s.connLocks[connectionID]; !exists {
		s.connLocks[connectionID] = &sync.Mutex{}
	}
	return s.connLocks[connectionID].TryLock()
}

// unlockConnection releases the lock for a connection. Tolerates the
// lock already being released: stale-job cleanup may have freed it
// before the job goroutine exited.
func (s *SyncService) unlockConnection(connectionID string) {
	s.locksMutex.Lock()
	defer s.locksMutex.Unlock()

	if lock, exists := s.connLocks[connectionID]; exists {
		if lock.TryLock() {
			lock.Unlock()
			return
		}
		lock.Unlock()
	}
}

// CleanupOldJobs removes finished jobs older than maxAge.
func (s *SyncService) CleanupOldJobs(maxAge time.Duration) int {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0

	for id, job := range s.jobs {
		if job.Status == StatusCompleted || job.Status == StatusFailed || job.Status == StatusCancelled {
			if job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
				delete(s.jobs, id)
				removed++
			}
		}
	}

	if removed > 0 {
		s.logger.Debug("cleaned up old sync jobs", "removed", removed)
	}
	return removed
}

// MarkStaleJobsAsFailed finds jobs that appear stuck and fails them:
// running longer than maxDuration, or pending/running past
// staleThreshold after a restart orphaned their goroutine.
func (s *SyncService) MarkStaleJobsAsFailed(staleThreshold, maxDuration time.Duration) int {
	s.jobsMutex.Lock()
	defer s.jobsMutex.Unlock()

	now := time.Now()
	marked := 0

	for id, job := range s.jobs {
		if job.Status != StatusRunning && job.Status != StatusPending {
			continue
		}

		age := now.Sub(job.StartedAt)
		if age <= staleThreshold && age <= maxDuration {
			continue
		}

		if job.cancelFunc != nil {
			job.cancelFunc()
		}
		job.Status = StatusFailed
		job.CompletedAt = &now
		job.Error = fmt.Errorf("job marked as stale after %v", age.Round(time.Second))

		s.releaseConnectionLockUnsafe(job.ConnectionID)

		s.logger.Warn("marked stale job as failed",
			"job_id", id,
			"connection_id", job.ConnectionID,
			"age", age.Round(time.Second),
		)
		marked++
	}

	return marked
}

// releaseConnectionLockUnsafe releases a connection lock without going
// through unlockConnection. MUST only be called while holding jobsMutex.
func (s *SyncService) releaseConnectionLockUnsafe(connectionID string) {
	s.locksMutex.Lock()
	defer s.locksMutex.Unlock()

	if lock, exists := s.connLocks[connectionID]; exists {
		if lock.TryLock() {
			lock.Unlock()
			return
		}
		lock.Unlock()
	}
}

// StartBackgroundCleanup starts a goroutine that periodically fails
// stale jobs and drops old finished ones. Call StopBackgroundCleanup
// to stop it.
func (s *SyncService) StartBackgroundCleanup(checkInterval time.Duration) {
	s.cleanupStop = make(chan struct{})
	s.cleanupDone = make(chan struct{})

	go func() {
		defer close(s.cleanupDone)

		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()

		s.logger.Info("background job cleanup started", "check_interval", checkInterval)

		for {
			select {
			case <-s.cleanupStop:
				s.logger.Info("background job cleanup stopped")
				return
			case <-ticker.C:
				if marked := s.MarkStaleJobsAsFailed(DefaultJobStaleThreshold, DefaultJobMaxDuration); marked > 0 {
					s.logger.Info("marked stale jobs as failed", "count", marked)
				}
				if cleaned := s.CleanupOldJobs(completedJobRetention); cleaned > 0 {
					s.logger.Debug("cleaned up old jobs", "count", cleaned)
				}
			}
		}
	}()
}

// StopBackgroundCleanup stops the background cleanup goroutine and
// blocks until it has exited.
func (s *SyncService) StopBackgroundCleanup() {
	if s.cleanupStop == nil {
		return
	}
	close(s.cleanupStop)
	<-s.cleanupDone
}
