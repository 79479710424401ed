package wsfe

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"syscall"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fiscalia-erp/fiscalia/internal/fiscal"
	"github.com/fiscalia-erp/fiscalia/internal/taxpayer"
)

var testCreds = taxpayer.Credentials{Token: "tok", Sign: "sig", CUIT: "30712345678"}

func testPayload() fiscal.VoucherPayload {
	return fiscal.VoucherPayload{
		RegistrationCount: 1,
		PointOfSale:       1,
		Kind:              int(fiscal.KindInvoice),
		Concept:           int(fiscal.ConceptServices),
		PayerTaxIDKind:    int(fiscal.TaxIDKindFinalConsumer),
		SequenceFrom:      42,
		SequenceTo:        42,
		IssueDate:         "20260314",
		AmountTotal:       decimal.NewFromInt(1500),
		AmountNet:         decimal.NewFromInt(1500),
		Currency:          "PES",
		ExchangeRate:      decimal.NewFromInt(1),
	}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 5*time.Second, slog.Default())
}

func TestLastAuthorized(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fev1/last", r.URL.Path)
		var req lastRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "tok", req.Auth.Token)
		require.Equal(t, 1, req.PointOfSale)
		require.Equal(t, 11, req.Kind)
		_ = json.NewEncoder(w).Encode(lastResponse{Number: 41})
	})

	n, err := client.LastAuthorized(context.Background(), testCreds, 1, fiscal.KindInvoice)
	require.NoError(t, err)
	require.Equal(t, int64(41), n)
}

func TestAuthorizeAccepted(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fev1/authorize", r.URL.Path)
		_ = json.NewEncoder(w).Encode(authorizeResponse{
			Result:    "A",
			CAE:       "71234567890123",
			CAEExpiry: "20260324",
		})
	})

	auth, err := client.Authorize(context.Background(), testCreds, testPayload())
	require.NoError(t, err)
	require.Equal(t, "71234567890123", auth.CAE)
	require.True(t, auth.ExpiryPresent)
	require.Equal(t, time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC), auth.Expiry)
	require.NotEmpty(t, auth.Raw)
}

func TestAuthorizeMissingExpiry(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authorizeResponse{Result: "A", CAE: "71234567890123"})
	})

	auth, err := client.Authorize(context.Background(), testCreds, testPayload())
	require.NoError(t, err)
	require.False(t, auth.ExpiryPresent)
	require.True(t, auth.Expiry.IsZero())
}

func TestAuthorizeRejected(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authorizeResponse{
			Result: "R",
			Errors: []gatewayError{{Code: "10016", Message: "invalid sequence number"}},
		})
	})

	_, err := client.Authorize(context.Background(), testCreds, testPayload())
	require.Error(t, err)
	require.Equal(t, fiscal.CategoryRejected, fiscal.CategoryOf(err))
	require.False(t, fiscal.Ambiguous(err))
}

func TestAuthorizeInBandUnavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(authorizeResponse{
			Result: "R",
			Errors: []gatewayError{{Code: codeServiceUnavailable, Message: "try again later"}},
		})
	})

	_, err := client.Authorize(context.Background(), testCreds, testPayload())
	require.Error(t, err)
	require.Equal(t, fiscal.CategoryUnavailable, fiscal.CategoryOf(err))
}

func TestStatusErrorMapping(t *testing.T) {
	cases := []struct {
		status    int
		category  fiscal.Category
		ambiguous bool
	}{
		{http.StatusServiceUnavailable, fiscal.CategoryUnavailable, false},
		{http.StatusBadGateway, fiscal.CategoryUnavailable, true},
		{http.StatusGatewayTimeout, fiscal.CategoryUnavailable, true},
		{http.StatusUnauthorized, fiscal.CategoryAuth, false},
		{http.StatusForbidden, fiscal.CategoryAuth, false},
		{http.StatusUnprocessableEntity, fiscal.CategoryRejected, false},
		{http.StatusInternalServerError, fiscal.CategoryInternal, true},
	}
	for _, tc := range cases {
		client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		})
		_, err := client.Authorize(context.Background(), testCreds, testPayload())
		require.Error(t, err, "status %d", tc.status)
		require.Equal(t, tc.category, fiscal.CategoryOf(err), "status %d", tc.status)
		require.Equal(t, tc.ambiguous, fiscal.Ambiguous(err), "status %d", tc.status)
	}
}

func TestLastAuthorizedStatusNeverAmbiguous(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	_, err := client.LastAuthorized(context.Background(), testCreds, 1, fiscal.KindInvoice)
	require.Error(t, err)
	require.Equal(t, fiscal.CategoryUnavailable, fiscal.CategoryOf(err))
	// Reads carry no ambiguity: repeating them is always safe.
	require.False(t, fiscal.Ambiguous(err))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestCategorize(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		ambiguous bool
		category  fiscal.Category
		wantAmbig bool
	}{
		{"canceled", context.Canceled, true, fiscal.CategoryInternal, false},
		{"deadline ambiguous", context.DeadlineExceeded, true, fiscal.CategoryUnavailable, true},
		{"deadline read", context.DeadlineExceeded, false, fiscal.CategoryUnavailable, false},
		{"dns", &net.DNSError{Err: "no such host", Name: "gateway"}, true, fiscal.CategoryUnavailable, false},
		{"refused", syscall.ECONNREFUSED, true, fiscal.CategoryUnavailable, false},
		{"net timeout", timeoutError{}, true, fiscal.CategoryUnavailable, true},
		{"plain", errors.New("boom"), true, fiscal.CategoryInternal, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := categorize("gateway /fev1/authorize", tc.err, tc.ambiguous)
			require.Equal(t, tc.category, fiscal.CategoryOf(err))
			require.Equal(t, tc.wantAmbig, fiscal.Ambiguous(err))
		})
	}
}
