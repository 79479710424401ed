package fiscal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fiscalia-erp/fiscalia/internal/taxpayer"
)

// AuthorityClient is the contract against the national e-invoicing service.
// LastAuthorized is a pure read and never classifies failures; transport
// errors carry their category from the concrete client.
type AuthorityClient interface {
	LastAuthorized(ctx context.Context, creds taxpayer.Credentials, pointOfSale int, kind VoucherKind) (int64, error)
	Authorize(ctx context.Context, creds taxpayer.Credentials, payload VoucherPayload) (Authorization, error)
}

// AssociatedVoucher is the linked-voucher block required for notes.
type AssociatedVoucher struct {
	Kind        int    `json:"kind"`
	PointOfSale int    `json:"point_of_sale"`
	Number      int64  `json:"number"`
	TaxID       string `json:"tax_id"`
	IssueDate   string `json:"issue_date"`
}

// VoucherPayload is the single-voucher registration submitted to the
// authority. Under the simplified regime the net amount equals the total and
// no VAT line is reported.
type VoucherPayload struct {
	RegistrationCount int             `json:"registration_count"`
	PointOfSale       int             `json:"point_of_sale"`
	Kind              int             `json:"kind"`
	Concept           int             `json:"concept"`
	PayerTaxIDKind    int             `json:"payer_tax_id_kind"`
	PayerTaxID        string          `json:"payer_tax_id"`
	SequenceFrom      int64           `json:"sequence_from"`
	SequenceTo        int64           `json:"sequence_to"`
	IssueDate         string          `json:"issue_date"`
	AmountTotal       decimal.Decimal `json:"amount_total"`
	AmountNet         decimal.Decimal `json:"amount_net"`
	AmountUntaxed     decimal.Decimal `json:"amount_untaxed"`
	AmountExempt      decimal.Decimal `json:"amount_exempt"`
	AmountVAT         decimal.Decimal `json:"amount_vat"`
	AmountOtherTaxes  decimal.Decimal `json:"amount_other_taxes"`
	Currency          string          `json:"currency"`
	ExchangeRate      decimal.Decimal `json:"exchange_rate"`
	ServiceFrom       string          `json:"service_from,omitempty"`
	ServiceTo         string          `json:"service_to,omitempty"`
	PaymentDue        string          `json:"payment_due,omitempty"`
	Associated        *AssociatedVoucher `json:"associated,omitempty"`
}

// Authorization is the authority's grant for a submitted voucher.
// ExpiryPresent is false when the authority omitted the expiry field and the
// caller must synthesize a documented estimate.
type Authorization struct {
	CAE           string
	Expiry        time.Time
	ExpiryPresent bool
	Raw           json.RawMessage
}

// wireDate renders a date in the authority's YYYYMMDD format.
func wireDate(t time.Time) string {
	return t.Format("20060102")
}

// BuildPayload assembles the authority-facing registration for one voucher
// request and its candidate sequence number.
func BuildPayload(cfg taxpayer.Config, req VoucherRequest, candidate int64, issueDate time.Time) VoucherPayload {
	p := VoucherPayload{
		RegistrationCount: 1,
		PointOfSale:       cfg.PointOfSale,
		Kind:              int(req.Kind),
		Concept:           int(req.Concept),
		PayerTaxIDKind:    int(req.PayerTaxIDKind),
		PayerTaxID:        req.PayerTaxID,
		SequenceFrom:      candidate,
		SequenceTo:        candidate,
		IssueDate:         wireDate(issueDate),
		AmountTotal:       req.AmountTotal,
		AmountNet:         req.AmountTotal,
		AmountUntaxed:     decimal.Zero,
		AmountExempt:      decimal.Zero,
		AmountVAT:         decimal.Zero,
		AmountOtherTaxes:  decimal.Zero,
		Currency:          "PES",
		ExchangeRate:      decimal.NewFromInt(1),
	}
	if req.Concept.IncludesServices() {
		p.ServiceFrom = wireDate(req.ServiceFrom)
		p.ServiceTo = wireDate(req.ServiceTo)
		p.PaymentDue = wireDate(issueDate)
	}
	if req.Linked != nil {
		p.Associated = &AssociatedVoucher{
			Kind:        int(req.Linked.Kind),
			PointOfSale: req.Linked.PointOfSale,
			Number:      req.Linked.Number,
			TaxID:       cfg.CUIT,
			IssueDate:   wireDate(req.Linked.IssuedOn),
		}
	}
	return p
}
