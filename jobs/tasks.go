// Package jobs wires background task processing over Asynq: replaying the
// pending voucher queue and sweeping ledgers against the authority sequence.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskTypePendingReplay is the task type for replaying a taxpayer's
	// pending voucher entries.
	TaskTypePendingReplay = "fiscal:pending:replay"
	// TaskTypeLedgerReconcile is the task type for the ledger-vs-authority
	// sequence sweep.
	TaskTypeLedgerReconcile = "fiscal:ledger:reconcile"
)

// PendingReplayPayload selects the taxpayer whose queue is replayed.
type PendingReplayPayload struct {
	TaxpayerID int64 `json:"taxpayer_id"`
}

// NewPendingReplayTask constructs an Asynq task for a replay pass.
func NewPendingReplayTask(taxpayerID int64) (*asynq.Task, error) {
	data, err := json.Marshal(PendingReplayPayload{TaxpayerID: taxpayerID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypePendingReplay, data, asynq.Queue(QueueDefault)), nil
}

// LedgerReconcilePayload carries scheduling metadata for the sweep.
type LedgerReconcilePayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewLedgerReconcileTask constructs an Asynq task for the reconciliation sweep.
func NewLedgerReconcileTask(at time.Time) (*asynq.Task, error) {
	data, err := json.Marshal(LedgerReconcilePayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeLedgerReconcile, data, asynq.Queue(QueueDefault)), nil
}
