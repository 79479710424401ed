// Package fiscal implements electronic voucher issuance against the national
// e-invoicing authority: sequence discovery, authorization, local ledger
// persistence and the pending-retry queue.
package fiscal

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VoucherKind identifies the fiscal document type using the authority's
// voucher-type codes for the simplified tax regime.
type VoucherKind int

const (
	KindInvoice    VoucherKind = 11
	KindDebitNote  VoucherKind = 12
	KindCreditNote VoucherKind = 13
)

// IsNote reports whether the kind adjusts a previously issued invoice.
func (k VoucherKind) IsNote() bool {
	return k == KindCreditNote || k == KindDebitNote
}

// Valid reports whether the kind is one of the supported voucher types.
func (k VoucherKind) Valid() bool {
	return k == KindInvoice || k == KindCreditNote || k == KindDebitNote
}

func (k VoucherKind) String() string {
	switch k {
	case KindInvoice:
		return "invoice"
	case KindCreditNote:
		return "credit_note"
	case KindDebitNote:
		return "debit_note"
	default:
		return fmt.Sprintf("voucher_kind(%d)", int(k))
	}
}

// ParseVoucherKind maps the API representation to a VoucherKind.
func ParseVoucherKind(s string) (VoucherKind, error) {
	switch s {
	case "invoice":
		return KindInvoice, nil
	case "credit_note":
		return KindCreditNote, nil
	case "debit_note":
		return KindDebitNote, nil
	default:
		return 0, fmt.Errorf("fiscal: unknown voucher kind %q", s)
	}
}

// Concept identifies what the voucher covers, using the authority's codes.
type Concept int

const (
	ConceptGoods            Concept = 1
	ConceptServices         Concept = 2
	ConceptGoodsAndServices Concept = 3
)

// IncludesServices reports whether a service period applies to the concept.
func (c Concept) IncludesServices() bool {
	return c == ConceptServices || c == ConceptGoodsAndServices
}

// Valid reports whether the concept is a known authority code.
func (c Concept) Valid() bool {
	return c >= ConceptGoods && c <= ConceptGoodsAndServices
}

func (c Concept) String() string {
	switch c {
	case ConceptGoods:
		return "goods"
	case ConceptServices:
		return "services"
	case ConceptGoodsAndServices:
		return "goods_services"
	default:
		return fmt.Sprintf("concept(%d)", int(c))
	}
}

// ParseConcept maps the API representation to a Concept.
func ParseConcept(s string) (Concept, error) {
	switch s {
	case "goods":
		return ConceptGoods, nil
	case "services":
		return ConceptServices, nil
	case "goods_services":
		return ConceptGoodsAndServices, nil
	default:
		return 0, fmt.Errorf("fiscal: unknown concept %q", s)
	}
}

// TaxIDKind is the authority's document-type code for the voucher recipient.
type TaxIDKind int

const (
	TaxIDKindCUIT          TaxIDKind = 80
	TaxIDKindCUIL          TaxIDKind = 86
	TaxIDKindDNI           TaxIDKind = 96
	TaxIDKindFinalConsumer TaxIDKind = 99
)

// FinalConsumerName is the payer name used when the recipient has no tax ID.
const FinalConsumerName = "Consumidor Final"

// LinkedVoucher references the original invoice adjusted by a credit or
// debit note.
type LinkedVoucher struct {
	Kind        VoucherKind `json:"kind"`
	PointOfSale int         `json:"point_of_sale"`
	Number      int64       `json:"number"`
	IssuedOn    time.Time   `json:"issued_on"`
}

// VoucherRequest is the business intent to issue a voucher. It carries no
// sequence number: that is assigned by the authority at issuance time.
type VoucherRequest struct {
	Kind           VoucherKind     `json:"kind"`
	Concept        Concept         `json:"concept"`
	AmountTotal    decimal.Decimal `json:"amount_total"`
	PayerTaxIDKind TaxIDKind       `json:"payer_tax_id_kind"`
	PayerTaxID     string          `json:"payer_tax_id"`
	PayerName      string          `json:"payer_name"`
	ServiceFrom    time.Time       `json:"service_from,omitzero"`
	ServiceTo      time.Time       `json:"service_to,omitzero"`
	Linked         *LinkedVoucher  `json:"linked,omitempty"`
	SaleRef        string          `json:"sale_ref"`
}

// AuthorizedVoucher is the outcome of a successful remote authorization.
// It is immutable once created: the authority never re-authorizes a number.
type AuthorizedVoucher struct {
	TaxpayerID        int64
	PointOfSale       int
	Kind              VoucherKind
	Number            int64
	CAE               string
	CAEExpiry         time.Time
	ExpirySynthesized bool
	IssueDate         time.Time
	AmountTotal       decimal.Decimal
	PayerTaxIDKind    TaxIDKind
	PayerTaxID        string
	PayerName         string
	Linked            *LinkedVoucher
	SaleRef           string
	PersistedLocally  bool
}

// VoucherNumber locates a voucher within a point of sale.
type VoucherNumber struct {
	PointOfSale int
	Number      int64
}

// String renders the canonical padded form, e.g. "00001-00000042".
func (n VoucherNumber) String() string {
	return fmt.Sprintf("%05d-%08d", n.PointOfSale, n.Number)
}

// ParseVoucherNumber parses the canonical padded form produced by String.
func ParseVoucherNumber(s string) (VoucherNumber, error) {
	posPart, numPart, ok := strings.Cut(s, "-")
	if !ok {
		return VoucherNumber{}, fmt.Errorf("fiscal: malformed voucher number %q", s)
	}
	pos, err := strconv.Atoi(posPart)
	if err != nil || len(posPart) != 5 {
		return VoucherNumber{}, fmt.Errorf("fiscal: malformed point of sale in %q", s)
	}
	num, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil || len(numPart) != 8 {
		return VoucherNumber{}, fmt.Errorf("fiscal: malformed sequence number in %q", s)
	}
	return VoucherNumber{PointOfSale: pos, Number: num}, nil
}

// SaleEvent is a completed sale fed into the batch grouper.
type SaleEvent struct {
	SaleRef        string
	Amount         decimal.Decimal
	PayerTaxIDKind TaxIDKind
	PayerTaxID     string
	PayerName      string
	OccurredOn     time.Time
}
