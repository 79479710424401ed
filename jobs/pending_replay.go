package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/fiscalia-erp/fiscalia/internal/fiscal"
)

// PendingReplayJob replays queued voucher requests for one taxpayer.
type PendingReplayJob struct {
	service *fiscal.Service
	logger  *slog.Logger
}

// NewPendingReplayJob builds the job handler.
func NewPendingReplayJob(service *fiscal.Service, logger *slog.Logger) *PendingReplayJob {
	return &PendingReplayJob{service: service, logger: logger}
}

// Handle processes TaskTypePendingReplay tasks. Replay failures are recorded
// on the entries themselves, so the task only fails on infrastructure errors;
// Asynq retries those.
func (j *PendingReplayJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload PendingReplayPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TaxpayerID <= 0 {
		return asynq.SkipRetry
	}

	summary, err := j.service.ReplayAll(ctx, payload.TaxpayerID)
	if err != nil {
		j.logger.Error("pending replay pass",
			slog.Int64("taxpayer_id", payload.TaxpayerID),
			slog.Any("error", err))
		return err
	}
	j.logger.Info("pending replay pass finished",
		slog.Int64("taxpayer_id", payload.TaxpayerID),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed))
	return nil
}
