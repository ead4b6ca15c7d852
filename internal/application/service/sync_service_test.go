package service

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/receipthq/reconcile/internal/adapters/connectors"
	appsync "github.com/receipthq/reconcile/internal/application/sync"
	"github.com/receipthq/reconcile/internal/infrastructure/storage"
	"github.com/receipthq/reconcile/internal/ingest"
)

type stubConnector struct {
	id      string
	release chan struct{} // when non-nil, Fetch blocks until closed
}

func (s *stubConnector) ID() string            { return s.id }
func (s *stubConnector) Kind() connectors.Kind { return connectors.KindBank }

func (s *stubConnector) Fetch(ctx context.Context, _ string, _ int) (*connectors.Page, error) {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &connectors.Page{
		Transactions: []*storage.Transaction{{
			ID:         "tx-1",
			Amount:     decimal.RequireFromString("-10.00"),
			PostedDate: time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
			Merchant:   "blue bottle coffee",
		}},
	}, nil
}

type countingReevaluator struct {
	calls atomic.Int32
}

func (c *countingReevaluator) Reevaluate(context.Context) error {
	c.calls.Add(1)
	return nil
}

func newTestSyncService(t *testing.T, conns ...connectors.Connector) (*SyncService, *countingReevaluator) {
	t.Helper()

	repo := storage.NewMockRepository()
	objects, err := ingest.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ing := ingest.NewService(repo, objects, logger)
	orch := appsync.NewOrchestrator(repo, ing, appsync.Config{
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	}, logger)
	reeval := &countingReevaluator{}
	return NewSyncService(orch, conns, reeval, logger), reeval
}

func waitForJob(t *testing.T, svc *SyncService, jobID string, status SyncStatus) *SyncJob {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := svc.GetSyncJob(jobID)
		require.NoError(t, err)
		if job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached status %s", jobID, status)
	return nil
}

func TestStartSync_CompletesAndTriggersReevaluation(t *testing.T) {
	svc, reeval := newTestSyncService(t, &stubConnector{id: "bank-main"})

	jobID, err := svc.StartSync(context.Background(), "bank-main")
	require.NoError(t, err)

	job := waitForJob(t, svc, jobID, StatusCompleted)
	require.NotNil(t, job.Result)
	assert.Equal(t, 1, job.Result.Added)
	assert.NotNil(t, job.CompletedAt)

	assert.Eventually(t, func() bool {
		return reeval.calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartSync_UnknownConnection(t *testing.T) {
	svc, _ := newTestSyncService(t, &stubConnector{id: "bank-main"})

	_, err := svc.StartSync(context.Background(), "nope")
	assert.Error(t, err)
}

func TestStartSync_OneJobPerConnection(t *testing.T) {
	release := make(chan struct{})
	svc, _ := newTestSyncService(t, &stubConnector{id: "bank-main", release: release})

	jobID, err := svc.StartSync(context.Background(), "bank-main")
	require.NoError(t, err)

	// Second start for the same connection is rejected while running.
	_, err = svc.StartSync(context.Background(), "bank-main")
	assert.Error(t, err)

	close(release)
	waitForJob(t, svc, jobID, StatusCompleted)

	// Lock released after completion; a new job can start.
	_, err = svc.StartSync(context.Background(), "bank-main")
	assert.NoError(t, err)
}

func TestCancelSync(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc, _ := newTestSyncService(t, &stubConnector{id: "bank-main", release: release})

	jobID, err := svc.StartSync(context.Background(), "bank-main")
	require.NoError(t, err)

	require.NoError(t, svc.CancelSync(jobID))

	job, err := svc.GetSyncJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)

	// Cancelling twice is an error.
	assert.Error(t, svc.CancelSync(jobID))
}

func TestMarkStaleJobsAsFailed(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	svc, _ := newTestSyncService(t, &stubConnector{id: "bank-main", release: release})

	jobID, err := svc.StartSync(context.Background(), "bank-main")
	require.NoError(t, err)

	marked := svc.MarkStaleJobsAsFailed(time.Nanosecond, time.Nanosecond)
	assert.Equal(t, 1, marked)

	job, err := svc.GetSyncJob(jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)

	// The connection lock was released with the job.
	_, err = svc.StartSync(context.Background(), "bank-main")
	assert.NoError(t, err)
}

func TestCleanupOldJobs(t *testing.T) {
	svc, _ := newTestSyncService(t, &stubConnector{id: "bank-main"})

	jobID, err := svc.StartSync(context.Background(), "bank-main")
	require.NoError(t, err)
	waitForJob(t, svc, jobID, StatusCompleted)

	// Still fresh, nothing removed.
	assert.Zero(t, svc.CleanupOldJobs(time.Hour))

	removed := svc.CleanupOldJobs(0)
	assert.Equal(t, 1, removed)

	_, err = svc.GetSyncJob(jobID)
	assert.Error(t, err)
}
