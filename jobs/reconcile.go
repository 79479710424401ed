package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fiscalia-erp/fiscalia/internal/fiscal"
)

// LedgerReconcileJob runs the ledger-vs-authority sequence sweep.
type LedgerReconcileJob struct {
	reconciler *fiscal.Reconciler
	logger     *slog.Logger
}

// NewLedgerReconcileJob builds the job handler.
func NewLedgerReconcileJob(reconciler *fiscal.Reconciler, logger *slog.Logger) *LedgerReconcileJob {
	return &LedgerReconcileJob{reconciler: reconciler, logger: logger}
}

// Handle processes TaskTypeLedgerReconcile tasks.
func (j *LedgerReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload LedgerReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	started := time.Now()
	report, err := j.reconciler.Sweep(ctx)
	if err != nil {
		j.logger.Error("ledger reconcile sweep", slog.Any("error", err))
		return err
	}
	j.logger.Info("ledger reconcile sweep finished",
		slog.Int("checked", report.Checked),
		slog.Int("gaps", len(report.Gaps)),
		slog.Int("failures", report.Failures),
		slog.Duration("elapsed", time.Since(started)))
	return nil
}
