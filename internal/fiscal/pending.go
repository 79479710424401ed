package fiscal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PendingState is the lifecycle state of a queued voucher request.
type PendingState string

const (
	StatePending   PendingState = "pending"
	StateEmitted   PendingState = "emitted"
	StateDiscarded PendingState = "discarded"
)

// PendingEntry is a durably queued voucher request that could not be
// completed. The full VoucherRequest is stored so replay rebuilds the
// authority payload with a fresh sequence number.
type PendingEntry struct {
	ID         uuid.UUID
	TaxpayerID int64
	Request    VoucherRequest
	State      PendingState
	// NeedsReconciliation is set when the original submission may have been
	// accepted by the authority; such entries are never blindly replayed.
	NeedsReconciliation bool
	// ConsumedNumber is the candidate sequence number observed as consumed
	// after an ambiguous failure, for operator reconciliation.
	ConsumedNumber int64
	AttemptCount   int
	LastError      string
	LastAttemptAt  *time.Time
	EmittedNumber  *VoucherNumber
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PendingRepository persists the retry queue. Attempt accounting is a single
// atomic increment at the storage layer.
type PendingRepository interface {
	Insert(ctx context.Context, e PendingEntry) error
	Get(ctx context.Context, id uuid.UUID) (PendingEntry, error)
	ListPending(ctx context.Context, taxpayerID int64) ([]PendingEntry, error)
	MarkEmitted(ctx context.Context, id uuid.UUID, number VoucherNumber) error
	RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error
	MarkDiscarded(ctx context.Context, id uuid.UUID) error
	FlagReconciliation(ctx context.Context, id uuid.UUID, consumedNumber int64) error
	ClearReconciliation(ctx context.Context, id uuid.UUID) error
}

// PGPending is the PostgreSQL retry-queue repository.
type PGPending struct {
	pool *pgxpool.Pool
}

// NewPGPending constructs the pending repository.
func NewPGPending(pool *pgxpool.Pool) *PGPending {
	return &PGPending{pool: pool}
}

// Insert stores a new pending entry.
func (r *PGPending) Insert(ctx context.Context, e PendingEntry) error {
	request, err := json.Marshal(e.Request)
	if err != nil {
		return err
	}
	const query = `
		INSERT INTO fiscal_pending (
			id, taxpayer_id, sale_ref, request, state,
			needs_reconciliation, consumed_number,
			attempt_count, last_error, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())`
	_, err = r.pool.Exec(ctx, query,
		e.ID, e.TaxpayerID, e.Request.SaleRef, request, string(e.State),
		e.NeedsReconciliation, e.ConsumedNumber,
		e.AttemptCount, e.LastError,
	)
	return err
}

// Get loads one entry by ID.
func (r *PGPending) Get(ctx context.Context, id uuid.UUID) (PendingEntry, error) {
	const query = `
		SELECT id, taxpayer_id, request, state,
			needs_reconciliation, consumed_number,
			attempt_count, last_error, last_attempt_at,
			emitted_point_of_sale, emitted_number,
			created_at, updated_at
		FROM fiscal_pending
		WHERE id = $1`
	entry, err := scanPending(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return PendingEntry{}, ErrEntryNotFound
	}
	return entry, err
}

// ListPending returns a taxpayer's replayable entries in arrival order.
func (r *PGPending) ListPending(ctx context.Context, taxpayerID int64) ([]PendingEntry, error) {
	const query = `
		SELECT id, taxpayer_id, request, state,
			needs_reconciliation, consumed_number,
			attempt_count, last_error, last_attempt_at,
			emitted_point_of_sale, emitted_number,
			created_at, updated_at
		FROM fiscal_pending
		WHERE taxpayer_id = $1 AND state = 'pending'
		ORDER BY created_at`

	rows, err := r.pool.Query(ctx, query, taxpayerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingEntry
	for rows.Next() {
		entry, err := scanPending(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MarkEmitted transitions pending -> emitted, recording the authorized
// voucher number. The state guard makes replay idempotent.
func (r *PGPending) MarkEmitted(ctx context.Context, id uuid.UUID, number VoucherNumber) error {
	const query = `
		UPDATE fiscal_pending
		SET state = 'emitted', emitted_point_of_sale = $2, emitted_number = $3, updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`
	tag, err := r.pool.Exec(ctx, query, id, number.PointOfSale, number.Number)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotPending
	}
	return nil
}

// RecordFailure bumps the attempt counter in one atomic update; the entry
// stays pending.
func (r *PGPending) RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error {
	const query = `
		UPDATE fiscal_pending
		SET attempt_count = attempt_count + 1, last_error = $2,
			last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`
	tag, err := r.pool.Exec(ctx, query, id, lastError)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotPending
	}
	return nil
}

// MarkDiscarded transitions pending -> discarded on operator action. No
// remote state is touched: the voucher was never authorized.
func (r *PGPending) MarkDiscarded(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE fiscal_pending
		SET state = 'discarded', updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotPending
	}
	return nil
}

// FlagReconciliation blocks further replays after an ambiguous failure left
// the candidate number consumed at the authority.
func (r *PGPending) FlagReconciliation(ctx context.Context, id uuid.UUID, consumedNumber int64) error {
	const query = `
		UPDATE fiscal_pending
		SET needs_reconciliation = TRUE, consumed_number = $2, updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`
	tag, err := r.pool.Exec(ctx, query, id, consumedNumber)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotPending
	}
	return nil
}

// ClearReconciliation re-enables replay after an operator confirmed the
// original submission was not accepted by the authority.
func (r *PGPending) ClearReconciliation(ctx context.Context, id uuid.UUID) error {
	const query = `
		UPDATE fiscal_pending
		SET needs_reconciliation = FALSE, consumed_number = 0, updated_at = NOW()
		WHERE id = $1 AND state = 'pending'`
	tag, err := r.pool.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEntryNotPending
	}
	return nil
}

func scanPending(row pgx.Row) (PendingEntry, error) {
	var e PendingEntry
	var request []byte
	var state string
	var lastAttempt pgtype.Timestamptz
	var emittedPOS pgtype.Int4
	var emittedNumber pgtype.Int8
	err := row.Scan(
		&e.ID, &e.TaxpayerID, &request, &state,
		&e.NeedsReconciliation, &e.ConsumedNumber,
		&e.AttemptCount, &e.LastError, &lastAttempt,
		&emittedPOS, &emittedNumber,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return PendingEntry{}, err
	}
	e.State = PendingState(state)
	if err := json.Unmarshal(request, &e.Request); err != nil {
		return PendingEntry{}, err
	}
	if lastAttempt.Valid {
		e.LastAttemptAt = &lastAttempt.Time
	}
	if emittedPOS.Valid && emittedNumber.Valid {
		e.EmittedNumber = &VoucherNumber{PointOfSale: int(emittedPOS.Int32), Number: emittedNumber.Int64}
	}
	return e, nil
}
