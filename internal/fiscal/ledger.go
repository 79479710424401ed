package fiscal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

func parseAmount(s string) (decimal.Decimal, error) {
	return decimal.NewFromString(s)
}

// LedgerRecord is the durable local copy of an authorized voucher plus the
// raw authority response for audit.
type LedgerRecord struct {
	Voucher   AuthorizedVoucher
	Raw       json.RawMessage
	CreatedAt time.Time
}

// LedgerRepository persists authorized vouchers. The sale-reference unique
// key is the only mutation guard: at most one voucher per originating sale.
type LedgerRepository interface {
	Persist(ctx context.Context, rec LedgerRecord) error
	MaxNumber(ctx context.Context, taxpayerID int64, pointOfSale int, kind VoucherKind) (int64, error)
	GetBySaleRef(ctx context.Context, taxpayerID int64, saleRef string) (LedgerRecord, error)
}

// PGLedger is the PostgreSQL ledger writer.
type PGLedger struct {
	pool *pgxpool.Pool
}

// NewPGLedger constructs the ledger repository.
func NewPGLedger(pool *pgxpool.Pool) *PGLedger {
	return &PGLedger{pool: pool}
}

// Persist writes one authorized voucher. It does not retry: on failure the
// caller still holds the only copy of a now-real fiscal document and must
// surface it, never discard it.
func (r *PGLedger) Persist(ctx context.Context, rec LedgerRecord) error {
	const query = `
		INSERT INTO fiscal_ledger (
			taxpayer_id, sale_ref, point_of_sale, kind, number,
			cae, cae_expiry, expiry_synthesized, issue_date,
			amount_total, payer_tax_id_kind, payer_tax_id, payer_name,
			linked, raw_response, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())`

	v := rec.Voucher
	var linked []byte
	if v.Linked != nil {
		var err error
		linked, err = json.Marshal(v.Linked)
		if err != nil {
			return err
		}
	}
	_, err := r.pool.Exec(ctx, query,
		v.TaxpayerID, v.SaleRef, v.PointOfSale, int(v.Kind), v.Number,
		v.CAE, v.CAEExpiry, v.ExpirySynthesized, v.IssueDate,
		v.AmountTotal.String(), int(v.PayerTaxIDKind), v.PayerTaxID, v.PayerName,
		linked, []byte(rec.Raw),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSaleAlreadyInvoiced
		}
		return err
	}
	return nil
}

// MaxNumber returns the highest locally persisted sequence number for the
// triple, zero when none exist.
func (r *PGLedger) MaxNumber(ctx context.Context, taxpayerID int64, pointOfSale int, kind VoucherKind) (int64, error) {
	const query = `
		SELECT COALESCE(MAX(number), 0)
		FROM fiscal_ledger
		WHERE taxpayer_id = $1 AND point_of_sale = $2 AND kind = $3`

	var max int64
	err := r.pool.QueryRow(ctx, query, taxpayerID, pointOfSale, int(kind)).Scan(&max)
	return max, err
}

// GetBySaleRef loads the voucher recorded for a sale, if any.
func (r *PGLedger) GetBySaleRef(ctx context.Context, taxpayerID int64, saleRef string) (LedgerRecord, error) {
	const query = `
		SELECT taxpayer_id, sale_ref, point_of_sale, kind, number,
			cae, cae_expiry, expiry_synthesized, issue_date,
			amount_total, payer_tax_id_kind, payer_tax_id, payer_name,
			linked, raw_response, created_at
		FROM fiscal_ledger
		WHERE taxpayer_id = $1 AND sale_ref = $2`

	var rec LedgerRecord
	var kind, payerKind int
	var amount string
	var linked, raw []byte
	err := r.pool.QueryRow(ctx, query, taxpayerID, saleRef).Scan(
		&rec.Voucher.TaxpayerID, &rec.Voucher.SaleRef, &rec.Voucher.PointOfSale, &kind, &rec.Voucher.Number,
		&rec.Voucher.CAE, &rec.Voucher.CAEExpiry, &rec.Voucher.ExpirySynthesized, &rec.Voucher.IssueDate,
		&amount, &payerKind, &rec.Voucher.PayerTaxID, &rec.Voucher.PayerName,
		&linked, &raw, &rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerRecord{}, ErrVoucherNotFound
	}
	if err != nil {
		return LedgerRecord{}, err
	}
	rec.Voucher.Kind = VoucherKind(kind)
	rec.Voucher.PayerTaxIDKind = TaxIDKind(payerKind)
	if rec.Voucher.AmountTotal, err = parseAmount(amount); err != nil {
		return LedgerRecord{}, err
	}
	if len(linked) > 0 {
		var lv LinkedVoucher
		if err := json.Unmarshal(linked, &lv); err != nil {
			return LedgerRecord{}, err
		}
		rec.Voucher.Linked = &lv
	}
	rec.Raw = raw
	rec.Voucher.PersistedLocally = true
	return rec, nil
}
