package fiscal

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fiscalia-erp/fiscalia/internal/taxpayer"
)

type stubConfig struct {
	configs map[int64]taxpayer.Config
}

func (s *stubConfig) GetConfig(ctx context.Context, id int64) (taxpayer.Config, error) {
	cfg, ok := s.configs[id]
	if !ok {
		return taxpayer.Config{}, taxpayer.ErrNotFound
	}
	return cfg, nil
}

type stubAuthority struct {
	mu sync.Mutex

	last      int64
	lastErr   error
	lastCalls int

	authFn   func(payload VoucherPayload) (Authorization, error)
	payloads []VoucherPayload
}

func (s *stubAuthority) LastAuthorized(ctx context.Context, creds taxpayer.Credentials, pointOfSale int, kind VoucherKind) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCalls++
	if s.lastErr != nil {
		return 0, s.lastErr
	}
	return s.last, nil
}

func (s *stubAuthority) Authorize(ctx context.Context, creds taxpayer.Credentials, payload VoucherPayload) (Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
	if s.authFn != nil {
		return s.authFn(payload)
	}
	s.last = payload.SequenceTo
	return Authorization{
		CAE:           "71234567890123",
		Expiry:        time.Date(2026, 3, 24, 0, 0, 0, 0, time.UTC),
		ExpiryPresent: true,
		Raw:           json.RawMessage(`{"result":"A"}`),
	}, nil
}

type memLedger struct {
	mu         sync.Mutex
	records    map[string]LedgerRecord
	persistErr error
}

func newMemLedger() *memLedger {
	return &memLedger{records: make(map[string]LedgerRecord)}
}

func (m *memLedger) Persist(ctx context.Context, rec LedgerRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.persistErr != nil {
		return m.persistErr
	}
	if _, ok := m.records[rec.Voucher.SaleRef]; ok {
		return ErrSaleAlreadyInvoiced
	}
	rec.Voucher.PersistedLocally = true
	m.records[rec.Voucher.SaleRef] = rec
	return nil
}

func (m *memLedger) MaxNumber(ctx context.Context, taxpayerID int64, pointOfSale int, kind VoucherKind) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var max int64
	for _, rec := range m.records {
		v := rec.Voucher
		if v.TaxpayerID == taxpayerID && v.PointOfSale == pointOfSale && v.Kind == kind && v.Number > max {
			max = v.Number
		}
	}
	return max, nil
}

func (m *memLedger) GetBySaleRef(ctx context.Context, taxpayerID int64, saleRef string) (LedgerRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[saleRef]
	if !ok || rec.Voucher.TaxpayerID != taxpayerID {
		return LedgerRecord{}, ErrVoucherNotFound
	}
	return rec, nil
}

type memPending struct {
	mu      sync.Mutex
	entries map[uuid.UUID]PendingEntry
}

func newMemPending() *memPending {
	return &memPending{entries: make(map[uuid.UUID]PendingEntry)}
}

func (m *memPending) Insert(ctx context.Context, e PendingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.CreatedAt = time.Now()
	e.UpdatedAt = e.CreatedAt
	m.entries[e.ID] = e
	return nil
}

func (m *memPending) Get(ctx context.Context, id uuid.UUID) (PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return PendingEntry{}, ErrEntryNotFound
	}
	return e, nil
}

func (m *memPending) ListPending(ctx context.Context, taxpayerID int64) ([]PendingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingEntry
	for _, e := range m.entries {
		if e.TaxpayerID == taxpayerID && e.State == StatePending {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memPending) mutate(id uuid.UUID, fn func(*PendingEntry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return ErrEntryNotFound
	}
	if e.State != StatePending {
		return ErrEntryNotPending
	}
	fn(&e)
	e.UpdatedAt = time.Now()
	m.entries[id] = e
	return nil
}

func (m *memPending) MarkEmitted(ctx context.Context, id uuid.UUID, number VoucherNumber) error {
	return m.mutate(id, func(e *PendingEntry) {
		e.State = StateEmitted
		e.EmittedNumber = &number
	})
}

func (m *memPending) RecordFailure(ctx context.Context, id uuid.UUID, lastError string) error {
	return m.mutate(id, func(e *PendingEntry) {
		e.AttemptCount++
		e.LastError = lastError
		now := time.Now()
		e.LastAttemptAt = &now
	})
}

func (m *memPending) MarkDiscarded(ctx context.Context, id uuid.UUID) error {
	return m.mutate(id, func(e *PendingEntry) {
		e.State = StateDiscarded
	})
}

func (m *memPending) FlagReconciliation(ctx context.Context, id uuid.UUID, consumedNumber int64) error {
	return m.mutate(id, func(e *PendingEntry) {
		e.NeedsReconciliation = true
		e.ConsumedNumber = consumedNumber
	})
}

func (m *memPending) ClearReconciliation(ctx context.Context, id uuid.UUID) error {
	return m.mutate(id, func(e *PendingEntry) {
		e.NeedsReconciliation = false
		e.ConsumedNumber = 0
	})
}

type serviceFixture struct {
	service   *Service
	authority *stubAuthority
	ledger    *memLedger
	pending   *memPending
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	cfg := &stubConfig{configs: map[int64]taxpayer.Config{
		1: {
			ID: 1, Name: "Estudio Demo SRL", CUIT: "30712345678",
			Active: true, PointOfSale: 1, Regime: "C",
			Credentials: taxpayer.Credentials{Token: "tok", Sign: "sig", CUIT: "30712345678"},
		},
		2: {
			ID: 2, Name: "Comercio Inactivo", CUIT: "20300123456",
			Active: false, PointOfSale: 1, Regime: "C",
			Credentials: taxpayer.Credentials{Token: "tok", Sign: "sig", CUIT: "20300123456"},
		},
		3: {
			ID: 3, Name: "Sin Credenciales SA", CUIT: "30787654321",
			Active: true, PointOfSale: 2, Regime: "C",
		},
	}}

	fixture := &serviceFixture{
		authority: &stubAuthority{last: 41},
		ledger:    newMemLedger(),
		pending:   newMemPending(),
	}
	svc := NewService(cfg, fixture.authority, fixture.ledger, fixture.pending,
		NewSequenceLease(client, time.Minute), slog.Default())
	svc.WithNow(func() time.Time {
		return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	})
	fixture.service = svc
	return fixture
}

func testRequest(saleRef string) VoucherRequest {
	return VoucherRequest{
		Kind:           KindInvoice,
		Concept:        ConceptServices,
		AmountTotal:    decimal.NewFromInt(1500),
		PayerTaxIDKind: TaxIDKindFinalConsumer,
		PayerName:      FinalConsumerName,
		ServiceFrom:    time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		ServiceTo:      time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC),
		SaleRef:        saleRef,
	}
}

func TestIssueRecordsVoucher(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	result, err := f.service.Issue(ctx, 1, testRequest("sale-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, result.Outcome)
	require.NotNil(t, result.Voucher)
	require.Equal(t, int64(42), result.Voucher.Number)
	require.Equal(t, "71234567890123", result.Voucher.CAE)
	require.True(t, result.Voucher.PersistedLocally)
	require.False(t, result.Voucher.ExpirySynthesized)

	// The submitted payload carried the candidate after the oracle's last.
	require.Len(t, f.authority.payloads, 1)
	require.Equal(t, int64(42), f.authority.payloads[0].SequenceFrom)
	require.Equal(t, int64(42), f.authority.payloads[0].SequenceTo)

	rec, err := f.ledger.GetBySaleRef(ctx, 1, "sale-1")
	require.NoError(t, err)
	require.Equal(t, int64(42), rec.Voucher.Number)
}

func TestIssueSynthesizesMissingExpiry(t *testing.T) {
	f := newServiceFixture(t)
	f.authority.authFn = func(payload VoucherPayload) (Authorization, error) {
		return Authorization{CAE: "70000000000001", Raw: json.RawMessage(`{}`)}, nil
	}

	result, err := f.service.Issue(context.Background(), 1, testRequest("sale-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeRecorded, result.Outcome)
	require.True(t, result.Voucher.ExpirySynthesized)
	require.Equal(t, time.Date(2026, 3, 24, 12, 0, 0, 0, time.UTC), result.Voucher.CAEExpiry)
}

func TestIssueSurfacesAuthorizationWhenPersistFails(t *testing.T) {
	f := newServiceFixture(t)
	f.ledger.persistErr = errors.New("disk full")

	result, err := f.service.Issue(context.Background(), 1, testRequest("sale-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeAuthorizedNotRecorded, result.Outcome)
	require.NotNil(t, result.Voucher)
	require.Equal(t, "71234567890123", result.Voucher.CAE)
	require.False(t, result.Voucher.PersistedLocally)
	require.Contains(t, result.Warning, "disk full")
}

func TestIssueQueuesOnTransientFailure(t *testing.T) {
	f := newServiceFixture(t)
	f.authority.authFn = func(payload VoucherPayload) (Authorization, error) {
		return Authorization{}, &Error{Category: CategoryUnavailable, Op: "authorize", Err: errors.New("connection refused")}
	}

	result, err := f.service.Issue(context.Background(), 1, testRequest("sale-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, result.Outcome)
	require.NotEqual(t, uuid.Nil, result.PendingID)
	require.False(t, result.NeedsReconciliation)

	entry, err := f.pending.Get(context.Background(), result.PendingID)
	require.NoError(t, err)
	require.Equal(t, StatePending, entry.State)
	require.Equal(t, "sale-1", entry.Request.SaleRef)
	require.False(t, entry.NeedsReconciliation)
}

func TestIssueAmbiguousTimeoutWithConsumedNumber(t *testing.T) {
	f := newServiceFixture(t)
	f.authority.authFn = func(payload VoucherPayload) (Authorization, error) {
		// The timeout consumed the number remotely: the re-read of the
		// sequence will see it.
		f.authority.last = payload.SequenceTo
		return Authorization{}, &Error{Category: CategoryUnavailable, Ambiguous: true, Op: "authorize", Err: errors.New("deadline exceeded")}
	}

	result, err := f.service.Issue(context.Background(), 1, testRequest("sale-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, result.Outcome)
	require.True(t, result.NeedsReconciliation)

	entry, err := f.pending.Get(context.Background(), result.PendingID)
	require.NoError(t, err)
	require.True(t, entry.NeedsReconciliation)
	require.Equal(t, int64(42), entry.ConsumedNumber)
}

func TestIssueAmbiguousWithFailedVerificationIsHeld(t *testing.T) {
	f := newServiceFixture(t)
	f.authority.authFn = func(payload VoucherPayload) (Authorization, error) {
		// Connectivity drops entirely: the verification re-read fails too, so
		// consumption of the candidate cannot be ruled out.
		f.authority.lastErr = &Error{Category: CategoryUnavailable, Op: "last", Err: errors.New("connection reset")}
		return Authorization{}, &Error{Category: CategoryUnavailable, Ambiguous: true, Op: "authorize", Err: errors.New("deadline exceeded")}
	}

	result, err := f.service.Issue(context.Background(), 1, testRequest("sale-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, result.Outcome)
	require.True(t, result.NeedsReconciliation)

	entry, err := f.pending.Get(context.Background(), result.PendingID)
	require.NoError(t, err)
	require.True(t, entry.NeedsReconciliation)
	require.Equal(t, int64(42), entry.ConsumedNumber)

	// Once connectivity recovers, replay still refuses the entry until an
	// operator resolves it.
	f.authority.lastErr = nil
	f.authority.authFn = nil
	submitted := len(f.authority.payloads)

	out, err := f.service.ReplayOne(context.Background(), entry.ID)
	require.NoError(t, err)
	require.Equal(t, ReplayNeedsReview, out.Status)
	require.Len(t, f.authority.payloads, submitted)
}

func TestIssueAmbiguousTimeoutWithoutConsumedNumberIsTransient(t *testing.T) {
	f := newServiceFixture(t)
	f.authority.authFn = func(payload VoucherPayload) (Authorization, error) {
		// Sequence unchanged: the request never reached the authority.
		return Authorization{}, &Error{Category: CategoryUnavailable, Ambiguous: true, Op: "authorize", Err: errors.New("deadline exceeded")}
	}

	result, err := f.service.Issue(context.Background(), 1, testRequest("sale-1"))
	require.NoError(t, err)
	require.Equal(t, OutcomeQueued, result.Outcome)
	require.False(t, result.NeedsReconciliation)
}

func TestIssueRejectsInactiveTaxpayer(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Issue(context.Background(), 2, testRequest("sale-1"))
	require.ErrorIs(t, err, ErrTaxpayerInactive)
	require.Equal(t, CategoryConfig, CategoryOf(err))
	require.Empty(t, f.authority.payloads)
}

func TestIssueRejectsMissingCredentials(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.Issue(context.Background(), 3, testRequest("sale-1"))
	require.ErrorIs(t, err, ErrMissingCredentials)
}

func TestIssueRejectsDuplicateSale(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.service.Issue(ctx, 1, testRequest("sale-1"))
	require.NoError(t, err)

	_, err = f.service.Issue(ctx, 1, testRequest("sale-1"))
	require.ErrorIs(t, err, ErrSaleAlreadyInvoiced)
	// The duplicate never reached the authority.
	require.Len(t, f.authority.payloads, 1)
}

func TestIssueRejectionPropagates(t *testing.T) {
	f := newServiceFixture(t)
	f.authority.authFn = func(payload VoucherPayload) (Authorization, error) {
		return Authorization{}, &Error{Category: CategoryRejected, Op: "authorize", Err: errors.New("observation 10016")}
	}

	_, err := f.service.Issue(context.Background(), 1, testRequest("sale-1"))
	require.Error(t, err)
	require.Equal(t, CategoryRejected, CategoryOf(err))

	// Nothing queued: business rejections are not retryable as-is.
	entries, lerr := f.pending.ListPending(context.Background(), 1)
	require.NoError(t, lerr)
	require.Empty(t, entries)
}
