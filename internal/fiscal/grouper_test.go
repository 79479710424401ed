package fiscal

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

func TestGroupSalesSumsPerPayer(t *testing.T) {
	events := []SaleEvent{
		{SaleRef: "s1", Amount: decimal.NewFromInt(100), PayerTaxIDKind: TaxIDKindCUIT, PayerTaxID: "30712345678", PayerName: "Acme SRL", OccurredOn: day(3)},
		{SaleRef: "s2", Amount: decimal.NewFromInt(200), PayerTaxIDKind: TaxIDKindCUIT, PayerTaxID: "30712345678", PayerName: "Acme SRL", OccurredOn: day(1)},
		{SaleRef: "s3", Amount: decimal.NewFromInt(300), PayerTaxIDKind: TaxIDKindCUIT, PayerTaxID: "30712345678", PayerName: "Acme SRL", OccurredOn: day(9)},
	}

	reqs := GroupSales(events, GroupDefaults{})
	require.Len(t, reqs, 1)

	req := reqs[0]
	require.True(t, decimal.NewFromInt(600).Equal(req.AmountTotal))
	require.Equal(t, "s1,s2,s3", req.SaleRef)
	require.Equal(t, KindInvoice, req.Kind)
	require.Equal(t, ConceptServices, req.Concept)
	require.Equal(t, day(1), req.ServiceFrom)
	require.Equal(t, day(9), req.ServiceTo)
}

func TestGroupSalesFinalConsumersStaySingle(t *testing.T) {
	events := []SaleEvent{
		{SaleRef: "s1", Amount: decimal.NewFromInt(50), OccurredOn: day(2)},
		{SaleRef: "s2", Amount: decimal.NewFromInt(70), PayerTaxIDKind: TaxIDKindFinalConsumer, PayerTaxID: "123", OccurredOn: day(2)},
	}

	reqs := GroupSales(events, GroupDefaults{})
	require.Len(t, reqs, 2)
	for _, req := range reqs {
		require.Equal(t, TaxIDKindFinalConsumer, req.PayerTaxIDKind)
		require.Equal(t, FinalConsumerName, req.PayerName)
		require.Empty(t, req.PayerTaxID)
	}
	require.Equal(t, "s1", reqs[0].SaleRef)
	require.Equal(t, "s2", reqs[1].SaleRef)
}

func TestGroupSalesOrdersGroupsAfterSingles(t *testing.T) {
	events := []SaleEvent{
		{SaleRef: "g1", Amount: decimal.NewFromInt(10), PayerTaxIDKind: TaxIDKindCUIT, PayerTaxID: "30700000001", OccurredOn: day(1)},
		{SaleRef: "f1", Amount: decimal.NewFromInt(20), OccurredOn: day(1)},
		{SaleRef: "g2", Amount: decimal.NewFromInt(30), PayerTaxIDKind: TaxIDKindCUIT, PayerTaxID: "30700000002", OccurredOn: day(1)},
	}

	reqs := GroupSales(events, GroupDefaults{})
	require.Len(t, reqs, 3)
	require.Equal(t, "f1", reqs[0].SaleRef)
	require.Equal(t, "g1", reqs[1].SaleRef)
	require.Equal(t, "g2", reqs[2].SaleRef)
}

func TestGroupSalesGoodsConceptHasNoPeriod(t *testing.T) {
	events := []SaleEvent{
		{SaleRef: "s1", Amount: decimal.NewFromInt(10), PayerTaxIDKind: TaxIDKindDNI, PayerTaxID: "30123456", OccurredOn: day(4)},
	}
	reqs := GroupSales(events, GroupDefaults{Kind: KindInvoice, Concept: ConceptGoods})
	require.Len(t, reqs, 1)
	require.True(t, reqs[0].ServiceFrom.IsZero())
	require.True(t, reqs[0].ServiceTo.IsZero())
}
