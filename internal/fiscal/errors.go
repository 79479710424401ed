package fiscal

import (
	"errors"
	"fmt"

	"github.com/fiscalia-erp/fiscalia/internal/platform/httpx"
)

// Sentinel errors surfaced by the issuance core. The ones with an HTTP
// counterpart wrap the httpx sentinels so RespondError maps them without
// per-handler switches.
var (
	// ErrTaxpayerInactive rejects issuance for a deactivated taxpayer.
	ErrTaxpayerInactive = errors.New("fiscal: taxpayer is inactive")
	// ErrMissingCredentials rejects issuance when authority credentials are absent.
	ErrMissingCredentials = errors.New("fiscal: taxpayer credentials missing")
	// ErrMissingLinkedVoucher rejects a note without its associated voucher.
	ErrMissingLinkedVoucher = errors.New("fiscal: missing associated voucher")
	// ErrUnexpectedLinkedVoucher rejects an invoice carrying a linked voucher.
	ErrUnexpectedLinkedVoucher = errors.New("fiscal: invoice must not reference another voucher")
	// ErrNonPositiveAmount rejects zero or negative totals.
	ErrNonPositiveAmount = errors.New("fiscal: amount must be positive")
	// ErrMissingPayerTaxID rejects identified payers without a tax ID.
	ErrMissingPayerTaxID = errors.New("fiscal: payer tax ID required")
	// ErrSaleAlreadyInvoiced rejects a second voucher for the same sale.
	ErrSaleAlreadyInvoiced = fmt.Errorf("fiscal: sale already has a voucher: %w", httpx.ErrDuplicate)
	// ErrVoucherNotFound indicates no ledger record exists for the sale.
	ErrVoucherNotFound = fmt.Errorf("fiscal: voucher: %w", httpx.ErrNotFound)
	// ErrEntryNotFound indicates a missing pending-queue entry.
	ErrEntryNotFound = fmt.Errorf("fiscal: pending entry: %w", httpx.ErrNotFound)
	// ErrEntryNotPending indicates a state transition from a terminal state.
	ErrEntryNotPending = fmt.Errorf("fiscal: pending entry already settled: %w", httpx.ErrConflict)
	// ErrNeedsReconciliation blocks replay of an entry whose original
	// submission may have been accepted by the authority.
	ErrNeedsReconciliation = errors.New("fiscal: entry requires reconciliation before replay")
)

// Category is the machine-readable failure class set by the layer that
// observed the failure. Classification never inspects error text.
type Category int

const (
	// CategoryInternal covers unexpected local failures.
	CategoryInternal Category = iota
	// CategoryConfig covers taxpayer configuration problems.
	CategoryConfig
	// CategoryValidation covers invalid business input.
	CategoryValidation
	// CategoryAuth covers rejected authority credentials.
	CategoryAuth
	// CategoryRejected covers authority business-rule rejections.
	CategoryRejected
	// CategoryUnavailable covers connectivity and availability failures.
	CategoryUnavailable
	// CategoryUnresolved marks a submission that may or may not have been
	// accepted remotely; it must never be blindly retried.
	CategoryUnresolved
)

func (c Category) String() string {
	switch c {
	case CategoryConfig:
		return "config"
	case CategoryValidation:
		return "validation"
	case CategoryAuth:
		return "auth"
	case CategoryRejected:
		return "rejected"
	case CategoryUnavailable:
		return "unavailable"
	case CategoryUnresolved:
		return "unresolved"
	default:
		return "internal"
	}
}

// Error is a failure tagged with its category at the point of observation.
// Ambiguous marks transport failures where the request may have reached the
// authority (timeouts, gateway errors after the request was sent).
type Error struct {
	Category  Category
	Op        string
	Ambiguous bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fiscal: %s: %s", e.Op, e.Category)
	}
	return fmt.Sprintf("fiscal: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CategoryOf extracts the category from err, defaulting to CategoryInternal.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	return CategoryInternal
}

// Ambiguous reports whether the failed request may have been received by the
// authority despite the error.
func Ambiguous(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Ambiguous
	}
	return false
}

// Classification partitions failures for the pending-retry queue.
type Classification int

const (
	// ClassPermanent failures propagate to the caller; retrying unchanged
	// input will not help.
	ClassPermanent Classification = iota
	// ClassTransient failures are queued for later replay.
	ClassTransient
)

// Classify maps an error to its retry classification. Only connectivity and
// availability failures are transient; everything else, including unresolved
// submissions, is handled outside the blind-retry path.
func Classify(err error) Classification {
	if CategoryOf(err) == CategoryUnavailable {
		return ClassTransient
	}
	return ClassPermanent
}

func validationErr(op string, err error) error {
	return &Error{Category: CategoryValidation, Op: op, Err: err}
}

func configErr(op string, err error) error {
	return &Error{Category: CategoryConfig, Op: op, Err: err}
}
