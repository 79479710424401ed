package fiscal

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// BuildInput collects the raw business inputs for a voucher request.
type BuildInput struct {
	Kind           VoucherKind
	Concept        Concept
	AmountTotal    decimal.Decimal
	PayerTaxIDKind TaxIDKind
	PayerTaxID     string
	PayerName      string
	ServiceFrom    time.Time
	ServiceTo      time.Time
	Linked         *LinkedVoucher
	SaleRef        string
}

// Builder assembles validated voucher requests. It performs no I/O, so the
// retry path can rebuild the same logical request at replay time.
type Builder struct {
	now func() time.Time
}

// NewBuilder constructs a Builder.
func NewBuilder() *Builder {
	return &Builder{now: time.Now}
}

// WithNow overrides the clock for deterministic tests.
func (b *Builder) WithNow(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Build validates the input and produces a VoucherRequest. Credit and debit
// notes must reference the voucher they adjust; invoices must not. When the
// concept involves services and no period is given, the period defaults to
// the current day.
func (b *Builder) Build(in BuildInput) (VoucherRequest, error) {
	if !in.Kind.Valid() {
		return VoucherRequest{}, validationErr("build", errors.New("unknown voucher kind"))
	}
	if !in.Concept.Valid() {
		return VoucherRequest{}, validationErr("build", errors.New("unknown concept"))
	}
	if !in.AmountTotal.IsPositive() {
		return VoucherRequest{}, validationErr("build", ErrNonPositiveAmount)
	}
	if in.Kind.IsNote() && in.Linked == nil {
		return VoucherRequest{}, validationErr("build", ErrMissingLinkedVoucher)
	}
	if !in.Kind.IsNote() && in.Linked != nil {
		return VoucherRequest{}, validationErr("build", ErrUnexpectedLinkedVoucher)
	}
	if in.PayerTaxIDKind != TaxIDKindFinalConsumer && in.PayerTaxID == "" {
		return VoucherRequest{}, validationErr("build", ErrMissingPayerTaxID)
	}
	if in.SaleRef == "" {
		return VoucherRequest{}, validationErr("build", errors.New("sale reference required"))
	}

	req := VoucherRequest{
		Kind:           in.Kind,
		Concept:        in.Concept,
		AmountTotal:    in.AmountTotal,
		PayerTaxIDKind: in.PayerTaxIDKind,
		PayerTaxID:     in.PayerTaxID,
		PayerName:      in.PayerName,
		Linked:         in.Linked,
		SaleRef:        in.SaleRef,
	}
	if req.PayerTaxIDKind == TaxIDKindFinalConsumer && req.PayerName == "" {
		req.PayerName = FinalConsumerName
	}

	if in.Concept.IncludesServices() {
		from, to := in.ServiceFrom, in.ServiceTo
		today := dateOf(b.now())
		if from.IsZero() {
			from = today
		}
		if to.IsZero() {
			to = today
		}
		if to.Before(from) {
			return VoucherRequest{}, validationErr("build", errors.New("service period end precedes start"))
		}
		req.ServiceFrom = from
		req.ServiceTo = to
	}

	return req, nil
}
