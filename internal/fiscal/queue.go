package fiscal

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
)

// ReplayStatus describes how a single replay resolved.
type ReplayStatus string

const (
	// ReplayEmitted: replay issued and recorded the voucher.
	ReplayEmitted ReplayStatus = "emitted"
	// ReplayEmittedNotRecorded: replay issued the voucher but the ledger
	// write failed; the entry is marked emitted and the authorization data
	// is surfaced for out-of-band reconciliation.
	ReplayEmittedNotRecorded ReplayStatus = "emitted_not_recorded"
	// ReplayAlreadyEmitted: the entry was already emitted; nothing was
	// submitted.
	ReplayAlreadyEmitted ReplayStatus = "already_emitted"
	// ReplayAlreadyInvoiced: the sale was invoiced through another path while
	// the entry sat queued; the entry is closed against the existing voucher
	// and nothing was submitted.
	ReplayAlreadyInvoiced ReplayStatus = "already_invoiced"
	// ReplayNeedsReview: the entry is blocked on reconciliation; nothing was
	// submitted.
	ReplayNeedsReview ReplayStatus = "needs_review"
	// ReplayFailed: the replay attempt failed; the entry stays pending with
	// its attempt counter bumped.
	ReplayFailed ReplayStatus = "failed"
)

// ReplayOutcome reports one replay attempt.
type ReplayOutcome struct {
	EntryID uuid.UUID
	Status  ReplayStatus
	Voucher *AuthorizedVoucher
	Err     string
}

// ReplaySummary aggregates a sequential replay pass.
type ReplaySummary struct {
	Succeeded int
	Failed    int
	Outcomes  []ReplayOutcome
}

// ListPending returns a taxpayer's replayable queue entries.
func (s *Service) ListPending(ctx context.Context, taxpayerID int64) ([]PendingEntry, error) {
	return s.pending.ListPending(ctx, taxpayerID)
}

// GetPending loads one queue entry.
func (s *Service) GetPending(ctx context.Context, id uuid.UUID) (PendingEntry, error) {
	return s.pending.Get(ctx, id)
}

// ReplayOne re-runs issuance for a queued request. Replaying an entry
// already emitted is a no-op: the authority is never contacted again.
// Entries flagged for reconciliation are refused until an operator resolves
// them; replaying with a fresh sequence number could double-issue a
// submission the authority already accepted.
func (s *Service) ReplayOne(ctx context.Context, id uuid.UUID) (ReplayOutcome, error) {
	entry, err := s.pending.Get(ctx, id)
	if err != nil {
		return ReplayOutcome{}, err
	}
	return s.replayEntry(ctx, entry)
}

func (s *Service) replayEntry(ctx context.Context, entry PendingEntry) (ReplayOutcome, error) {
	out := ReplayOutcome{EntryID: entry.ID}

	switch entry.State {
	case StateEmitted:
		out.Status = ReplayAlreadyEmitted
		s.observeReplay(string(out.Status))
		return out, nil
	case StateDiscarded:
		return ReplayOutcome{}, ErrEntryNotPending
	}

	if entry.NeedsReconciliation {
		out.Status = ReplayNeedsReview
		out.Err = ErrNeedsReconciliation.Error()
		s.observeReplay(string(out.Status))
		return out, nil
	}

	// The sale may have been invoiced through another path while the entry
	// sat queued. Replaying it would register a second voucher for the same
	// sale, so the entry is closed against the recorded one instead.
	if rec, err := s.ledger.GetBySaleRef(ctx, entry.TaxpayerID, entry.Request.SaleRef); err == nil {
		number := VoucherNumber{PointOfSale: rec.Voucher.PointOfSale, Number: rec.Voucher.Number}
		if merr := s.pending.MarkEmitted(ctx, entry.ID, number); merr != nil {
			s.logger.Error("mark pending entry emitted", slog.Any("error", merr))
		}
		voucher := rec.Voucher
		out.Status = ReplayAlreadyInvoiced
		out.Voucher = &voucher
		s.observeReplay(string(out.Status))
		return out, nil
	} else if !errors.Is(err, ErrVoucherNotFound) {
		return s.recordReplayFailure(ctx, entry, err)
	}

	cfg, err := s.gateConfig(ctx, entry.TaxpayerID)
	if err != nil {
		return s.recordReplayFailure(ctx, entry, err)
	}

	voucher, err := s.issueOnce(ctx, cfg, entry.Request)
	switch {
	case err == nil:
		if merr := s.pending.MarkEmitted(ctx, entry.ID, VoucherNumber{PointOfSale: voucher.PointOfSale, Number: voucher.Number}); merr != nil {
			// The voucher is issued and recorded; only the queue bookkeeping
			// failed. Surface the voucher anyway.
			s.logger.Error("mark pending entry emitted", slog.Any("error", merr))
		}
		out.Status = ReplayEmitted
		out.Voucher = voucher
		s.observeReplay(string(out.Status))
		return out, nil

	case voucher != nil:
		if merr := s.pending.MarkEmitted(ctx, entry.ID, VoucherNumber{PointOfSale: voucher.PointOfSale, Number: voucher.Number}); merr != nil {
			s.logger.Error("mark pending entry emitted", slog.Any("error", merr))
		}
		s.logger.Error("replayed voucher authorized but not recorded locally",
			slog.String("entry_id", entry.ID.String()),
			slog.String("cae", voucher.CAE),
			slog.Any("error", err),
		)
		out.Status = ReplayEmittedNotRecorded
		out.Voucher = voucher
		out.Err = err.Error()
		s.observeReplay(string(out.Status))
		return out, nil

	case CategoryOf(err) == CategoryUnresolved:
		var cne *ConsumedNumberError
		consumed := int64(0)
		if errors.As(err, &cne) {
			consumed = cne.Candidate
		}
		if ferr := s.pending.FlagReconciliation(ctx, entry.ID, consumed); ferr != nil {
			s.logger.Error("flag pending entry for reconciliation", slog.Any("error", ferr))
		}
		out.Status = ReplayNeedsReview
		out.Err = err.Error()
		s.observeReplay(string(out.Status))
		return out, nil

	default:
		return s.recordReplayFailure(ctx, entry, err)
	}
}

func (s *Service) recordReplayFailure(ctx context.Context, entry PendingEntry, cause error) (ReplayOutcome, error) {
	if rerr := s.pending.RecordFailure(ctx, entry.ID, cause.Error()); rerr != nil {
		s.logger.Error("record replay failure", slog.Any("error", rerr))
	}
	s.observeReplay(string(ReplayFailed))
	return ReplayOutcome{EntryID: entry.ID, Status: ReplayFailed, Err: cause.Error()}, nil
}

// ReplayAll sequentially replays a taxpayer's pending entries. No backoff is
// imposed here; callers decide pacing between passes.
func (s *Service) ReplayAll(ctx context.Context, taxpayerID int64) (ReplaySummary, error) {
	entries, err := s.pending.ListPending(ctx, taxpayerID)
	if err != nil {
		return ReplaySummary{}, err
	}
	var summary ReplaySummary
	for _, entry := range entries {
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
		out, err := s.replayEntry(ctx, entry)
		if err != nil {
			out = ReplayOutcome{EntryID: entry.ID, Status: ReplayFailed, Err: err.Error()}
		}
		switch out.Status {
		case ReplayEmitted, ReplayEmittedNotRecorded, ReplayAlreadyEmitted, ReplayAlreadyInvoiced:
			summary.Succeeded++
		default:
			summary.Failed++
		}
		summary.Outcomes = append(summary.Outcomes, out)
	}
	return summary, nil
}

// Discard marks a pending entry discarded on operator action. Nothing is
// undone remotely: the voucher was never authorized.
func (s *Service) Discard(ctx context.Context, id uuid.UUID) error {
	return s.pending.MarkDiscarded(ctx, id)
}

// ResolveForReplay clears the reconciliation flag after an operator verified
// the original submission was not accepted by the authority.
func (s *Service) ResolveForReplay(ctx context.Context, id uuid.UUID) error {
	return s.pending.ClearReconciliation(ctx, id)
}

func (s *Service) observeReplay(result string) {
	if s.metrics != nil {
		s.metrics.ObserveReplay(result)
	}
}
