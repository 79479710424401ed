package fiscal

import (
	"strings"
	"time"
)

// GroupDefaults parameterises the batch grouper.
type GroupDefaults struct {
	Kind    VoucherKind
	Concept Concept
}

// GroupSales folds sale events into voucher requests: events sharing an
// identifiable payer tax ID become one request with the amounts summed and
// the service period widened to cover every event; events without a tax ID
// each become a single-sale request for the generic final consumer. Pure
// folding, no issuance side effects; the caller issues each produced request
// independently so one failure cannot block the others.
func GroupSales(events []SaleEvent, def GroupDefaults) []VoucherRequest {
	if def.Kind == 0 {
		def.Kind = KindInvoice
	}
	if def.Concept == 0 {
		def.Concept = ConceptServices
	}

	type group struct {
		index int
		req   VoucherRequest
		refs  []string
	}
	grouped := make(map[string]*group)
	var out []VoucherRequest
	var order []string

	for _, ev := range events {
		if ev.PayerTaxID == "" || ev.PayerTaxIDKind == TaxIDKindFinalConsumer {
			req := VoucherRequest{
				Kind:           def.Kind,
				Concept:        def.Concept,
				AmountTotal:    ev.Amount,
				PayerTaxIDKind: TaxIDKindFinalConsumer,
				PayerName:      FinalConsumerName,
				SaleRef:        ev.SaleRef,
			}
			if def.Concept.IncludesServices() {
				req.ServiceFrom = dateOf(ev.OccurredOn)
				req.ServiceTo = dateOf(ev.OccurredOn)
			}
			out = append(out, req)
			continue
		}

		g, ok := grouped[ev.PayerTaxID]
		if !ok {
			g = &group{
				req: VoucherRequest{
					Kind:           def.Kind,
					Concept:        def.Concept,
					AmountTotal:    ev.Amount,
					PayerTaxIDKind: ev.PayerTaxIDKind,
					PayerTaxID:     ev.PayerTaxID,
					PayerName:      ev.PayerName,
				},
			}
			if def.Concept.IncludesServices() {
				g.req.ServiceFrom = dateOf(ev.OccurredOn)
				g.req.ServiceTo = dateOf(ev.OccurredOn)
			}
			g.refs = []string{ev.SaleRef}
			grouped[ev.PayerTaxID] = g
			order = append(order, ev.PayerTaxID)
			continue
		}

		g.req.AmountTotal = g.req.AmountTotal.Add(ev.Amount)
		g.refs = append(g.refs, ev.SaleRef)
		if def.Concept.IncludesServices() {
			day := dateOf(ev.OccurredOn)
			if day.Before(g.req.ServiceFrom) {
				g.req.ServiceFrom = day
			}
			if day.After(g.req.ServiceTo) {
				g.req.ServiceTo = day
			}
		}
	}

	// Grouped requests follow the single-sale ones, in first-seen order.
	for _, taxID := range order {
		g := grouped[taxID]
		g.req.SaleRef = strings.Join(g.refs, ",")
		out = append(out, g.req)
	}
	return out
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
