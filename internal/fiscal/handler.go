package fiscal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fiscalia-erp/fiscalia/internal/platform/httpx"
)

// Handler manages voucher issuance and pending-queue endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	builder  *Builder
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, builder *Builder) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		builder:  builder,
		validate: validator.New(),
	}
}

// MountRoutes registers fiscal routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/vouchers", h.issueVoucher)
	r.Post("/vouchers/batch", h.issueBatch)
	r.Get("/pending", h.listPending)
	r.Post("/pending/replay-all", h.replayAll)
	r.Post("/pending/{id}/replay", h.replayOne)
	r.Post("/pending/{id}/discard", h.discard)
	r.Post("/pending/{id}/resolve", h.resolve)
}

type linkedVoucherDTO struct {
	Kind        string `json:"kind" validate:"required,oneof=invoice credit_note debit_note"`
	PointOfSale int    `json:"point_of_sale" validate:"required,min=1"`
	Number      int64  `json:"number" validate:"required,min=1"`
	IssuedOn    string `json:"issued_on" validate:"required"`
}

type issueVoucherRequest struct {
	TaxpayerID     int64             `json:"taxpayer_id" validate:"required,min=1"`
	Kind           string            `json:"kind" validate:"required,oneof=invoice credit_note debit_note"`
	Concept        string            `json:"concept" validate:"required,oneof=goods services goods_services"`
	Amount         string            `json:"amount" validate:"required"`
	PayerTaxIDKind int               `json:"payer_tax_id_kind"`
	PayerTaxID     string            `json:"payer_tax_id"`
	PayerName      string            `json:"payer_name"`
	ServiceFrom    string            `json:"service_from"`
	ServiceTo      string            `json:"service_to"`
	Linked         *linkedVoucherDTO `json:"linked"`
	SaleRef        string            `json:"sale_ref" validate:"required"`
}

type voucherView struct {
	Voucher           string `json:"voucher"`
	Kind              string `json:"kind"`
	CAE               string `json:"cae"`
	CAEExpiry         string `json:"cae_expiry"`
	ExpirySynthesized bool   `json:"expiry_synthesized,omitempty"`
	IssueDate         string `json:"issue_date"`
	Amount            string `json:"amount"`
	SaleRef           string `json:"sale_ref"`
	PersistedLocally  bool   `json:"persisted_locally"`
}

type issueVoucherResponse struct {
	Outcome             string       `json:"outcome"`
	Voucher             *voucherView `json:"voucher,omitempty"`
	Warning             string       `json:"warning,omitempty"`
	PendingID           string       `json:"pending_id,omitempty"`
	NeedsReconciliation bool         `json:"needs_reconciliation,omitempty"`
}

func (h *Handler) issueVoucher(w http.ResponseWriter, r *http.Request) {
	var in issueVoucherRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	req, err := h.buildRequest(in)
	if err != nil {
		h.respondIssueError(w, err)
		return
	}

	result, err := h.service.Issue(r.Context(), in.TaxpayerID, req)
	if err != nil {
		h.respondIssueError(w, err)
		return
	}
	httpx.JSON(w, statusForOutcome(result.Outcome), issueResponse(result))
}

type saleEventDTO struct {
	SaleRef        string `json:"sale_ref" validate:"required"`
	Amount         string `json:"amount" validate:"required"`
	PayerTaxIDKind int    `json:"payer_tax_id_kind"`
	PayerTaxID     string `json:"payer_tax_id"`
	PayerName      string `json:"payer_name"`
	OccurredOn     string `json:"occurred_on" validate:"required"`
}

type issueBatchRequest struct {
	TaxpayerID int64          `json:"taxpayer_id" validate:"required,min=1"`
	Kind       string         `json:"kind" validate:"required,oneof=invoice credit_note debit_note"`
	Concept    string         `json:"concept" validate:"required,oneof=goods services goods_services"`
	Sales      []saleEventDTO `json:"sales" validate:"required,min=1,dive"`
}

type batchItemResponse struct {
	SaleRef string                `json:"sale_ref"`
	Result  *issueVoucherResponse `json:"result,omitempty"`
	Error   string                `json:"error,omitempty"`
}

func (h *Handler) issueBatch(w http.ResponseWriter, r *http.Request) {
	var in issueBatchRequest
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Malformed Request", err.Error())
		return
	}
	if err := h.validate.Struct(in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	kind, err := ParseVoucherKind(in.Kind)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	concept, err := ParseConcept(in.Concept)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	events := make([]SaleEvent, 0, len(in.Sales))
	for _, dto := range in.Sales {
		amount, err := decimal.NewFromString(dto.Amount)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "sale "+dto.SaleRef+": bad amount")
			return
		}
		occurred, err := time.Parse("2006-01-02", dto.OccurredOn)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "sale "+dto.SaleRef+": bad occurred_on")
			return
		}
		events = append(events, SaleEvent{
			SaleRef:        dto.SaleRef,
			Amount:         amount,
			PayerTaxIDKind: TaxIDKind(dto.PayerTaxIDKind),
			PayerTaxID:     dto.PayerTaxID,
			PayerName:      dto.PayerName,
			OccurredOn:     occurred,
		})
	}

	requests := GroupSales(events, GroupDefaults{Kind: kind, Concept: concept})

	// Each grouped request is issued independently; one failure never blocks
	// the rest.
	items := make([]batchItemResponse, 0, len(requests))
	for _, req := range requests {
		item := batchItemResponse{SaleRef: req.SaleRef}
		result, err := h.service.Issue(r.Context(), in.TaxpayerID, req)
		if err != nil {
			item.Error = err.Error()
		} else {
			resp := issueResponse(result)
			item.Result = &resp
		}
		items = append(items, item)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items})
}

type pendingEntryView struct {
	ID                  string `json:"id"`
	SaleRef             string `json:"sale_ref"`
	State               string `json:"state"`
	AttemptCount        int    `json:"attempt_count"`
	LastError           string `json:"last_error,omitempty"`
	LastAttemptAt       string `json:"last_attempt_at,omitempty"`
	NeedsReconciliation bool   `json:"needs_reconciliation,omitempty"`
	ConsumedNumber      int64  `json:"consumed_number,omitempty"`
	CreatedAt           string `json:"created_at"`
}

func (h *Handler) listPending(w http.ResponseWriter, r *http.Request) {
	taxpayerID, err := parseTaxpayerID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.ListPending(r.Context(), taxpayerID)
	if err != nil {
		h.logger.Error("list pending", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	views := make([]pendingEntryView, 0, len(entries))
	for _, e := range entries {
		views = append(views, pendingView(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": views})
}

func (h *Handler) replayOne(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed entry id")
		return
	}
	outcome, err := h.service.ReplayOne(r.Context(), id)
	if err != nil {
		h.respondQueueError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, replayView(outcome))
}

func (h *Handler) replayAll(w http.ResponseWriter, r *http.Request) {
	taxpayerID, err := parseTaxpayerID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.ReplayAll(r.Context(), taxpayerID)
	if err != nil {
		h.logger.Error("replay all", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	outcomes := make([]map[string]any, 0, len(summary.Outcomes))
	for _, o := range summary.Outcomes {
		outcomes = append(outcomes, replayView(o))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"outcomes":  outcomes,
	})
}

func (h *Handler) discard(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.Discard)
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ResolveForReplay)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id uuid.UUID) error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed entry id")
		return
	}
	if err := fn(r.Context(), id); err != nil {
		h.respondQueueError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) buildRequest(in issueVoucherRequest) (VoucherRequest, error) {
	kind, err := ParseVoucherKind(in.Kind)
	if err != nil {
		return VoucherRequest{}, validationErr("decode", err)
	}
	concept, err := ParseConcept(in.Concept)
	if err != nil {
		return VoucherRequest{}, validationErr("decode", err)
	}
	amount, err := decimal.NewFromString(in.Amount)
	if err != nil {
		return VoucherRequest{}, validationErr("decode", errors.New("bad amount"))
	}

	input := BuildInput{
		Kind:           kind,
		Concept:        concept,
		AmountTotal:    amount,
		PayerTaxIDKind: TaxIDKind(in.PayerTaxIDKind),
		PayerTaxID:     in.PayerTaxID,
		PayerName:      in.PayerName,
		SaleRef:        in.SaleRef,
	}
	if input.PayerTaxIDKind == 0 {
		input.PayerTaxIDKind = TaxIDKindFinalConsumer
	}
	if in.ServiceFrom != "" {
		if input.ServiceFrom, err = time.Parse("2006-01-02", in.ServiceFrom); err != nil {
			return VoucherRequest{}, validationErr("decode", errors.New("bad service_from"))
		}
	}
	if in.ServiceTo != "" {
		if input.ServiceTo, err = time.Parse("2006-01-02", in.ServiceTo); err != nil {
			return VoucherRequest{}, validationErr("decode", errors.New("bad service_to"))
		}
	}
	if in.Linked != nil {
		linkedKind, err := ParseVoucherKind(in.Linked.Kind)
		if err != nil {
			return VoucherRequest{}, validationErr("decode", err)
		}
		issuedOn, err := time.Parse("2006-01-02", in.Linked.IssuedOn)
		if err != nil {
			return VoucherRequest{}, validationErr("decode", errors.New("bad linked issued_on"))
		}
		input.Linked = &LinkedVoucher{
			Kind:        linkedKind,
			PointOfSale: in.Linked.PointOfSale,
			Number:      in.Linked.Number,
			IssuedOn:    issuedOn,
		}
	}
	return h.builder.Build(input)
}

func (h *Handler) respondIssueError(w http.ResponseWriter, err error) {
	if errors.Is(err, httpx.ErrDuplicate) {
		httpx.RespondError(w, err)
		return
	}
	switch CategoryOf(err) {
	case CategoryValidation:
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case CategoryConfig:
		httpx.Problem(w, http.StatusUnprocessableEntity, "Taxpayer Not Issuable", err.Error())
	case CategoryAuth:
		httpx.Problem(w, http.StatusBadGateway, "Authority Rejected Credentials", err.Error())
	case CategoryRejected:
		httpx.Problem(w, http.StatusUnprocessableEntity, "Authority Rejected Voucher", err.Error())
	default:
		h.logger.Error("issue voucher", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) respondQueueError(w http.ResponseWriter, err error) {
	if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrConflict) {
		h.logger.Error("pending queue", slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func statusForOutcome(o Outcome) int {
	switch o {
	case OutcomeQueued:
		return http.StatusAccepted
	default:
		return http.StatusCreated
	}
}

func issueResponse(result IssueResult) issueVoucherResponse {
	resp := issueVoucherResponse{
		Outcome:             string(result.Outcome),
		Warning:             result.Warning,
		NeedsReconciliation: result.NeedsReconciliation,
	}
	if result.PendingID != uuid.Nil {
		resp.PendingID = result.PendingID.String()
	}
	if result.Voucher != nil {
		v := voucherResponse(*result.Voucher)
		resp.Voucher = &v
	}
	return resp
}

func voucherResponse(v AuthorizedVoucher) voucherView {
	return voucherView{
		Voucher:           VoucherNumber{PointOfSale: v.PointOfSale, Number: v.Number}.String(),
		Kind:              v.Kind.String(),
		CAE:               v.CAE,
		CAEExpiry:         v.CAEExpiry.Format("2006-01-02"),
		ExpirySynthesized: v.ExpirySynthesized,
		IssueDate:         v.IssueDate.Format("2006-01-02"),
		Amount:            v.AmountTotal.String(),
		SaleRef:           v.SaleRef,
		PersistedLocally:  v.PersistedLocally,
	}
}

func pendingView(e PendingEntry) pendingEntryView {
	view := pendingEntryView{
		ID:                  e.ID.String(),
		SaleRef:             e.Request.SaleRef,
		State:               string(e.State),
		AttemptCount:        e.AttemptCount,
		LastError:           e.LastError,
		NeedsReconciliation: e.NeedsReconciliation,
		ConsumedNumber:      e.ConsumedNumber,
		CreatedAt:           e.CreatedAt.Format(time.RFC3339),
	}
	if e.LastAttemptAt != nil {
		view.LastAttemptAt = e.LastAttemptAt.Format(time.RFC3339)
	}
	return view
}

func replayView(o ReplayOutcome) map[string]any {
	view := map[string]any{
		"entry_id": o.EntryID.String(),
		"status":   string(o.Status),
	}
	if o.Err != "" {
		view["error"] = o.Err
	}
	if o.Voucher != nil {
		view["voucher"] = voucherResponse(*o.Voucher)
	}
	return view
}

func parseTaxpayerID(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("taxpayer_id")
	if raw == "" {
		return 0, fmt.Errorf("%w: taxpayer_id query parameter required", httpx.ErrValidation)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: taxpayer_id must be a positive integer", httpx.ErrValidation)
	}
	return id, nil
}
