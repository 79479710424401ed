package fiscal

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/fiscalia-erp/fiscalia/internal/taxpayer"
)

// TaxpayerDirectory lists taxpayers in scope for the reconciliation sweep.
type TaxpayerDirectory interface {
	ListActive(ctx context.Context) ([]taxpayer.Config, error)
}

// SequenceGap is a range of authority-assigned numbers with no local ledger
// record: vouchers that exist remotely but were never persisted here.
type SequenceGap struct {
	TaxpayerID  int64
	PointOfSale int
	Kind        VoucherKind
	LocalMax    int64
	RemoteLast  int64
}

// Missing returns how many authorized numbers have no local record.
func (g SequenceGap) Missing() int64 {
	return g.RemoteLast - g.LocalMax
}

// SweepReport summarises one reconciliation pass.
type SweepReport struct {
	Checked  int
	Failures int
	Gaps     []SequenceGap
}

// Reconciler detects vouchers authorized at the authority but never
// persisted locally, by comparing the local ledger's highest number against
// the authority's per-(point-of-sale, kind) sequence.
type Reconciler struct {
	directory TaxpayerDirectory
	ledger    LedgerRepository
	authority AuthorityClient
	metrics   interface{ AddReconcileGaps(n int) }
	logger    *slog.Logger
	limit     int
}

// NewReconciler constructs a Reconciler.
func NewReconciler(directory TaxpayerDirectory, ledger LedgerRepository, authority AuthorityClient, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		directory: directory,
		ledger:    ledger,
		authority: authority,
		logger:    logger,
		limit:     4,
	}
}

// WithMetrics attaches gap metrics.
func (r *Reconciler) WithMetrics(m interface{ AddReconcileGaps(n int) }) {
	r.metrics = m
}

// Sweep checks every active taxpayer and voucher kind. Reads only; gaps are
// reported for operator action, never auto-repaired, because the authority
// response needed to rebuild a ledger record is gone.
func (r *Reconciler) Sweep(ctx context.Context) (SweepReport, error) {
	taxpayers, err := r.directory.ListActive(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	var mu sync.Mutex
	var report SweepReport

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)
	for _, tp := range taxpayers {
		g.Go(func() error {
			for _, kind := range []VoucherKind{KindInvoice, KindDebitNote, KindCreditNote} {
				gap, checked, err := r.check(ctx, tp, kind)
				if err != nil {
					// One unreachable taxpayer must not abort the sweep.
					r.logger.Warn("reconcile check failed",
						slog.Int64("taxpayer_id", tp.ID),
						slog.String("kind", kind.String()),
						slog.Any("error", err),
					)
					mu.Lock()
					report.Failures++
					mu.Unlock()
					continue
				}
				mu.Lock()
				report.Checked += checked
				if gap != nil {
					report.Gaps = append(report.Gaps, *gap)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	if len(report.Gaps) > 0 {
		if r.metrics != nil {
			r.metrics.AddReconcileGaps(len(report.Gaps))
		}
		for _, gap := range report.Gaps {
			r.logger.Error("ledger gap: vouchers authorized remotely but missing locally",
				slog.Int64("taxpayer_id", gap.TaxpayerID),
				slog.String("kind", gap.Kind.String()),
				slog.Int64("local_max", gap.LocalMax),
				slog.Int64("remote_last", gap.RemoteLast),
			)
		}
	}
	return report, nil
}

func (r *Reconciler) check(ctx context.Context, tp taxpayer.Config, kind VoucherKind) (*SequenceGap, int, error) {
	remoteLast, err := r.authority.LastAuthorized(ctx, tp.Credentials, tp.PointOfSale, kind)
	if err != nil {
		return nil, 0, err
	}
	localMax, err := r.ledger.MaxNumber(ctx, tp.ID, tp.PointOfSale, kind)
	if err != nil {
		return nil, 0, err
	}
	if remoteLast > localMax {
		return &SequenceGap{
			TaxpayerID:  tp.ID,
			PointOfSale: tp.PointOfSale,
			Kind:        kind,
			LocalMax:    localMax,
			RemoteLast:  remoteLast,
		}, 1, nil
	}
	return nil, 1, nil
}
