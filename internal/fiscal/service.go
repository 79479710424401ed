package fiscal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fiscalia-erp/fiscalia/internal/observability"
	"github.com/fiscalia-erp/fiscalia/internal/taxpayer"
)

// synthesizedExpiryDays is the documented estimate applied when the
// authority omits the CAE expiry from its response.
const synthesizedExpiryDays = 10

// ConfigProvider supplies read-only taxpayer configuration.
type ConfigProvider interface {
	GetConfig(ctx context.Context, id int64) (taxpayer.Config, error)
}

// Outcome is one of the three shapes every issuance resolves to. A caller
// receiving a plain error outside these shapes has hit a fatal failure.
type Outcome string

const (
	// OutcomeRecorded: authorized remotely and persisted locally.
	OutcomeRecorded Outcome = "recorded"
	// OutcomeAuthorizedNotRecorded: the voucher exists at the authority but
	// the local write failed; action required.
	OutcomeAuthorizedNotRecorded Outcome = "authorized_not_recorded"
	// OutcomeQueued: not issued, stored in the pending-retry queue.
	OutcomeQueued Outcome = "queued"
)

// IssueResult reports how an issuance resolved.
type IssueResult struct {
	Outcome             Outcome
	Voucher             *AuthorizedVoucher
	Warning             string
	PendingID           uuid.UUID
	NeedsReconciliation bool
}

// ConsumedNumberError reports that an ambiguous transport failure may have
// left the candidate sequence number consumed at the authority: the
// submission may have been accepted and must not be repeated until an
// operator verifies it.
type ConsumedNumberError struct {
	Candidate int64
	Cause     error
}

func (e *ConsumedNumberError) Error() string {
	return fmt.Sprintf("candidate number %d may be consumed after ambiguous failure: %v", e.Candidate, e.Cause)
}

func (e *ConsumedNumberError) Unwrap() error {
	return e.Cause
}

// Service drives voucher issuance end to end: sequence discovery under the
// per-(point-of-sale, kind) lease, submission, ledger persistence and
// pending-queue bookkeeping.
type Service struct {
	config    ConfigProvider
	authority AuthorityClient
	ledger    LedgerRepository
	pending   PendingRepository
	lease     *SequenceLease
	metrics   *observability.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// NewService constructs the issuance service.
func NewService(
	config ConfigProvider,
	authority AuthorityClient,
	ledger LedgerRepository,
	pending PendingRepository,
	lease *SequenceLease,
	logger *slog.Logger,
) *Service {
	return &Service{
		config:    config,
		authority: authority,
		ledger:    ledger,
		pending:   pending,
		lease:     lease,
		logger:    logger,
		now:       time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithMetrics attaches issuance metrics.
func (s *Service) WithMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Issue runs the issuance pipeline for one voucher request and resolves to
// one of the three outcome shapes. Configuration and validation failures are
// fatal and propagate; transient connectivity failures enqueue the request;
// a local-persistence failure after remote authorization returns the real
// authorization with a warning, never a bare error.
func (s *Service) Issue(ctx context.Context, taxpayerID int64, req VoucherRequest) (IssueResult, error) {
	cfg, err := s.gateConfig(ctx, taxpayerID)
	if err != nil {
		return IssueResult{}, err
	}

	// A sale that already has a voucher must not consume another sequence
	// number at the authority.
	if _, err := s.ledger.GetBySaleRef(ctx, taxpayerID, req.SaleRef); err == nil {
		return IssueResult{}, validationErr("issue", ErrSaleAlreadyInvoiced)
	} else if !errors.Is(err, ErrVoucherNotFound) {
		return IssueResult{}, err
	}

	voucher, err := s.issueOnce(ctx, cfg, req)
	switch {
	case err == nil:
		s.observeIssue(string(OutcomeRecorded))
		return IssueResult{Outcome: OutcomeRecorded, Voucher: voucher}, nil

	case voucher != nil:
		// Authorized remotely; the voucher data here is the only local copy
		// of a real fiscal document.
		s.logger.Error("voucher authorized but not recorded locally",
			slog.Int64("taxpayer_id", cfg.ID),
			slog.String("voucher", VoucherNumber{PointOfSale: voucher.PointOfSale, Number: voucher.Number}.String()),
			slog.String("cae", voucher.CAE),
			slog.Any("error", err),
		)
		s.observeIssue(string(OutcomeAuthorizedNotRecorded))
		return IssueResult{
			Outcome: OutcomeAuthorizedNotRecorded,
			Voucher: voucher,
			Warning: err.Error(),
		}, nil

	case CategoryOf(err) == CategoryUnresolved:
		var cne *ConsumedNumberError
		consumed := int64(0)
		if errors.As(err, &cne) {
			consumed = cne.Candidate
		}
		entry, qerr := s.enqueue(ctx, cfg.ID, req, err, true, consumed)
		if qerr != nil {
			return IssueResult{}, fmt.Errorf("fiscal: enqueue after unresolved failure: %w", qerr)
		}
		s.observeIssue(string(OutcomeQueued))
		return IssueResult{Outcome: OutcomeQueued, PendingID: entry.ID, NeedsReconciliation: true}, nil

	case Classify(err) == ClassTransient:
		entry, qerr := s.enqueue(ctx, cfg.ID, req, err, false, 0)
		if qerr != nil {
			return IssueResult{}, fmt.Errorf("fiscal: enqueue after transient failure: %w", qerr)
		}
		s.logger.Warn("voucher issuance queued for retry",
			slog.Int64("taxpayer_id", cfg.ID),
			slog.String("sale_ref", req.SaleRef),
			slog.Any("error", err),
		)
		s.observeIssue(string(OutcomeQueued))
		return IssueResult{Outcome: OutcomeQueued, PendingID: entry.ID}, nil

	default:
		return IssueResult{}, err
	}
}

func (s *Service) gateConfig(ctx context.Context, taxpayerID int64) (taxpayer.Config, error) {
	cfg, err := s.config.GetConfig(ctx, taxpayerID)
	if err != nil {
		return taxpayer.Config{}, configErr("load taxpayer", err)
	}
	if !cfg.Active {
		return taxpayer.Config{}, configErr("load taxpayer", ErrTaxpayerInactive)
	}
	if !cfg.Credentials.Present() {
		return taxpayer.Config{}, configErr("load taxpayer", ErrMissingCredentials)
	}
	if cfg.PointOfSale <= 0 {
		return taxpayer.Config{}, configErr("load taxpayer", errors.New("point of sale not configured"))
	}
	return cfg, nil
}

// issueOnce performs one read-number/submit/persist cycle under the sequence
// lease. A non-nil voucher together with a non-nil error means the voucher
// was authorized remotely but the local write failed.
func (s *Service) issueOnce(ctx context.Context, cfg taxpayer.Config, req VoucherRequest) (*AuthorizedVoucher, error) {
	lease, err := s.lease.Acquire(ctx, cfg.ID, cfg.PointOfSale, req.Kind)
	if err != nil {
		return nil, err
	}
	// The lease is held until the submission resolves, success or failure.
	defer func() {
		if rerr := lease.Release(context.WithoutCancel(ctx)); rerr != nil {
			s.logger.Warn("release sequence lease", slog.Any("error", rerr))
		}
	}()

	last, err := s.authority.LastAuthorized(ctx, cfg.Credentials, cfg.PointOfSale, req.Kind)
	if err != nil {
		return nil, err
	}
	candidate := last + 1

	issueDate := s.now()
	payload := BuildPayload(cfg, req, candidate, issueDate)

	auth, err := s.authority.Authorize(ctx, cfg.Credentials, payload)
	if err != nil {
		if Ambiguous(err) {
			// The request may have reached the authority. Re-read the
			// sequence: a consumed candidate number means the submission may
			// have been accepted and must never be blindly repeated. When the
			// re-read itself fails, consumption cannot be ruled out either, so
			// the request is held for reconciliation all the same.
			nowLast, lerr := s.authority.LastAuthorized(ctx, cfg.Credentials, cfg.PointOfSale, req.Kind)
			if lerr != nil || nowLast >= candidate {
				return nil, &Error{
					Category: CategoryUnresolved,
					Op:       "authorize",
					Err:      &ConsumedNumberError{Candidate: candidate, Cause: err},
				}
			}
		}
		return nil, err
	}

	expiry := auth.Expiry
	synthesized := false
	if !auth.ExpiryPresent {
		// Documented estimate; persisted so audits can tell it apart from an
		// authority-provided expiry.
		expiry = issueDate.AddDate(0, 0, synthesizedExpiryDays)
		synthesized = true
		s.logger.Warn("authority omitted CAE expiry, synthesizing",
			slog.Int64("taxpayer_id", cfg.ID),
			slog.Int64("number", candidate),
		)
	}

	voucher := &AuthorizedVoucher{
		TaxpayerID:        cfg.ID,
		PointOfSale:       cfg.PointOfSale,
		Kind:              req.Kind,
		Number:            candidate,
		CAE:               auth.CAE,
		CAEExpiry:         expiry,
		ExpirySynthesized: synthesized,
		IssueDate:         issueDate,
		AmountTotal:       req.AmountTotal,
		PayerTaxIDKind:    req.PayerTaxIDKind,
		PayerTaxID:        req.PayerTaxID,
		PayerName:         req.PayerName,
		Linked:            req.Linked,
		SaleRef:           req.SaleRef,
	}

	if err := s.ledger.Persist(ctx, LedgerRecord{Voucher: *voucher, Raw: auth.Raw}); err != nil {
		return voucher, err
	}
	voucher.PersistedLocally = true
	return voucher, nil
}

func (s *Service) enqueue(ctx context.Context, taxpayerID int64, req VoucherRequest, cause error, needsRecon bool, consumed int64) (PendingEntry, error) {
	entry := PendingEntry{
		ID:                  uuid.New(),
		TaxpayerID:          taxpayerID,
		Request:             req,
		State:               StatePending,
		NeedsReconciliation: needsRecon,
		ConsumedNumber:      consumed,
		LastError:           cause.Error(),
	}
	if err := s.pending.Insert(ctx, entry); err != nil {
		return PendingEntry{}, err
	}
	return entry, nil
}

func (s *Service) observeIssue(outcome string) {
	if s.metrics != nil {
		s.metrics.ObserveIssue(outcome)
	}
}
