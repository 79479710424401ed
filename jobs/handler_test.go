package jobs

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type stubEnqueuer struct {
	replayed   []int64
	reconciled int
}

func (s *stubEnqueuer) EnqueuePendingReplay(ctx context.Context, taxpayerID int64) (*asynq.TaskInfo, error) {
	s.replayed = append(s.replayed, taxpayerID)
	return &asynq.TaskInfo{ID: "task-replay", Queue: QueueDefault}, nil
}

func (s *stubEnqueuer) EnqueueLedgerReconcile(ctx context.Context) (*asynq.TaskInfo, error) {
	s.reconciled++
	return &asynq.TaskInfo{ID: "task-reconcile", Queue: QueueDefault}, nil
}

func newJobsRouter(enqueuer Enqueuer) http.Handler {
	h := NewHandler(enqueuer, nil, slog.Default())
	r := chi.NewRouter()
	h.MountRoutes(r)
	return r
}

func TestHandlerEnqueueReplay(t *testing.T) {
	enq := &stubEnqueuer{}
	router := newJobsRouter(enq)

	req := httptest.NewRequest(http.MethodPost, "/replay?taxpayer_id=7", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []int64{7}, enq.replayed)
	require.Contains(t, rec.Body.String(), "task-replay")
}

func TestHandlerEnqueueReplayRequiresTaxpayerID(t *testing.T) {
	enq := &stubEnqueuer{}
	router := newJobsRouter(enq)

	req := httptest.NewRequest(http.MethodPost, "/replay", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, enq.replayed)
}

func TestHandlerEnqueueReconcile(t *testing.T) {
	enq := &stubEnqueuer{}
	router := newJobsRouter(enq)

	req := httptest.NewRequest(http.MethodPost, "/reconcile", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, enq.reconciled)
}

func TestHandlerHealthWithoutInspector(t *testing.T) {
	router := newJobsRouter(&stubEnqueuer{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"pending":0`)
}
