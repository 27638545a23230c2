package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"retailpos/internal/domain"
	"retailpos/internal/store"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := OpenQueue(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func testSale(qty int) domain.SaleRequest {
	total := int64(qty) * 1000
	return domain.SaleRequest{
		CashierID:     "kasir",
		Items:         []domain.SaleItemInput{{ProductID: "p1", Qty: qty, UnitPriceCents: 1000}},
		PaymentMethod: "cash",
		SubtotalCents: total,
		TotalCents:    total,
	}
}

// fakeProcessor replays a scripted outcome per transaction number and
// records submission order.
type fakeProcessor struct {
	outcomes  map[string]error
	duplicate map[string]bool
	submitted []string
}

func (f *fakeProcessor) Submit(ctx context.Context, sale domain.SaleRequest) (*domain.SaleResponse, error) {
	f.submitted = append(f.submitted, sale.TransactionNumber)
	if err, ok := f.outcomes[sale.TransactionNumber]; ok && err != nil {
		return nil, err
	}
	return &domain.SaleResponse{
		TransactionID:     "srv-" + sale.TransactionNumber,
		TransactionNumber: sale.TransactionNumber,
		Status:            domain.SaleStatusCompleted,
		Duplicate:         f.duplicate[sale.TransactionNumber],
	}, nil
}

func TestQueueEnqueueAssignsKeysAndKeepsOrder(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	var numbers []string
	for i := 0; i < 3; i++ {
		entry, err := q.Enqueue(ctx, testSale(1))
		require.NoError(t, err)
		assert.NotEmpty(t, entry.OfflineID)
		assert.NotEmpty(t, entry.TransactionNumber)
		numbers = append(numbers, entry.TransactionNumber)
	}

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, entry := range entries {
		assert.Equal(t, numbers[i], entry.TransactionNumber, "queue must preserve enqueue order")
		assert.Equal(t, 1, entry.Payload.Items[0].Qty)
	}

	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := OpenQueue(path)
	require.NoError(t, err)
	entry, err := q.Enqueue(ctx, testSale(2))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := OpenQueue(path)
	require.NoError(t, err)
	defer reopened.Close()

	entries, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.TransactionNumber, entries[0].TransactionNumber)
}

func TestQueueRejectsDuplicateTransactionNumber(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	sale := testSale(1)
	sale.TransactionNumber = "pos-fixed"
	_, err := q.Enqueue(ctx, sale)
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, sale)
	assert.Error(t, err, "same transaction number must not queue twice")
}

func TestMarkConflictParksEntry(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, testSale(1))
	require.NoError(t, err)

	require.NoError(t, q.MarkConflict(ctx, entry.OfflineID, "insufficient stock"))

	// The sale stays queued but is no longer replayable.
	n, err := q.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	replayable, err := q.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, replayable)

	conflicts, err := q.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, entry.OfflineID, conflicts[0].OfflineID)
	assert.Equal(t, "insufficient stock", conflicts[0].Reason)

	// Operator resolves: the sale becomes replayable again.
	require.NoError(t, q.ClearConflict(ctx, entry.OfflineID))
	replayable, err = q.List(ctx)
	require.NoError(t, err)
	require.Len(t, replayable, 1)
	assert.Equal(t, 1, replayable[0].SyncAttempts)
}

func TestReconcilerSyncsInEnqueueOrder(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	var numbers []string
	for i := 0; i < 3; i++ {
		entry, err := q.Enqueue(ctx, testSale(1))
		require.NoError(t, err)
		numbers = append(numbers, entry.TransactionNumber)
	}

	proc := &fakeProcessor{}
	rec := NewReconciler(q, proc, zaptest.NewLogger(t), 10*time.Millisecond, time.Second)

	result, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Synced)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, numbers, proc.submitted)

	n, _ := q.Count(ctx)
	assert.Equal(t, 0, n)
}

func TestReconcilerPrunesDuplicates(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	sale := testSale(1)
	sale.TransactionNumber = "pos-dup"
	_, err := q.Enqueue(ctx, sale)
	require.NoError(t, err)

	proc := &fakeProcessor{duplicate: map[string]bool{"pos-dup": true}}
	rec := NewReconciler(q, proc, zaptest.NewLogger(t), 10*time.Millisecond, time.Second)

	result, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)

	n, _ := q.Count(ctx)
	assert.Equal(t, 0, n, "duplicate must be pruned without resubmitting")
}

func TestReconcilerParksRejectedSaleAndContinues(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	// Two sales of the same product queued offline; the server has stock
	// for the first but not the second.
	first, err := q.Enqueue(ctx, testSale(2))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, testSale(5))
	require.NoError(t, err)
	third, err := q.Enqueue(ctx, testSale(1))
	require.NoError(t, err)

	proc := &fakeProcessor{outcomes: map[string]error{
		second.TransactionNumber: fmt.Errorf("%w: product p1 has 1, need 5", store.ErrInsufficientStock),
	}}
	rec := NewReconciler(q, proc, zaptest.NewLogger(t), 10*time.Millisecond, time.Second)

	result, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Synced)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Remaining, "the conflicted sale stays queued for the operator")
	require.Len(t, result.Conflicts, 1)
	assert.Equal(t, second.OfflineID, result.Conflicts[0].OfflineID)

	// The rejection must not block the sale behind it.
	assert.Equal(t, []string{first.TransactionNumber, second.TransactionNumber, third.TransactionNumber}, proc.submitted)

	conflicts, err := q.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, second.TransactionNumber, conflicts[0].TransactionNumber)

	// The next cycle must not resubmit the parked sale.
	_, err = rec.Sync(ctx)
	require.NoError(t, err)
	assert.Len(t, proc.submitted, 3)
}

func TestReconcilerStopsOnTransientFailure(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, testSale(1))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, testSale(1))
	require.NoError(t, err)

	proc := &fakeProcessor{outcomes: map[string]error{
		first.TransactionNumber: fmt.Errorf("submit: connection refused"),
	}}
	rec := NewReconciler(q, proc, zaptest.NewLogger(t), 50*time.Millisecond, time.Second)

	result, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Synced)
	assert.Equal(t, 2, result.Remaining)
	assert.Len(t, proc.submitted, 1, "later sales must not jump ahead of a stalled one")

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, 1, entries[0].SyncAttempts)
	assert.Contains(t, entries[0].LastError, "connection refused")
}

func TestReconcilerBacksOffAfterFailure(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, testSale(1))
	require.NoError(t, err)

	proc := &fakeProcessor{outcomes: map[string]error{
		first.TransactionNumber: fmt.Errorf("server status 503"),
	}}
	rec := NewReconciler(q, proc, zaptest.NewLogger(t), time.Minute, time.Hour)

	_, err = rec.Sync(ctx)
	require.NoError(t, err)
	require.Len(t, proc.submitted, 1)

	// Still inside the backoff window: the cycle is a no-op.
	result, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Remaining)
	assert.Len(t, proc.submitted, 1, "no submit while backing off")

	// Jump past the window and the retry happens.
	rec.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	delete(proc.outcomes, first.TransactionNumber)
	result, err = rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Len(t, proc.submitted, 2)
}

func TestSubmitMapsServerRejections(t *testing.T) {
	cases := []struct {
		name     string
		status   int
		body     string
		sentinel error
	}{
		{"insufficient stock", http.StatusConflict, `{"error":"product p1 has 1, need 5","code":"insufficient_stock"}`, store.ErrInsufficientStock},
		{"duplicate", http.StatusConflict, `{"error":"duplicate transaction","code":"duplicate_transaction"}`, store.ErrDuplicateTransaction},
		{"invalid sale", http.StatusBadRequest, `{"error":"total mismatch","code":"invalid_sale"}`, store.ErrInvalidSale},
		{"missing product", http.StatusNotFound, `{"error":"product gone","code":"not_found"}`, store.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			proc := NewHTTPProcessor(srv.URL, "token")
			sale := testSale(1)
			sale.TransactionNumber = "pos-reject"
			_, err := proc.Submit(context.Background(), sale)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.sentinel), "expected %v, got %v", tc.sentinel, err)
		})
	}
}

func TestSubmitTreatsServerErrorsAsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	proc := NewHTTPProcessor(srv.URL, "token")
	_, err := proc.Submit(context.Background(), testSale(1))
	require.Error(t, err)
	assert.False(t, isPermanentRejection(err))
	assert.False(t, errors.Is(err, store.ErrDuplicateTransaction))
}

func TestReconcilerPrunesRacedDuplicate(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	entry, err := q.Enqueue(ctx, testSale(1))
	require.NoError(t, err)

	// The server reports the transaction number as already taken: the
	// sale landed on an earlier attempt, so the entry is done, not a
	// stock conflict.
	proc := &fakeProcessor{outcomes: map[string]error{
		entry.TransactionNumber: fmt.Errorf("%w: transaction exists", store.ErrDuplicateTransaction),
	}}
	rec := NewReconciler(q, proc, zaptest.NewLogger(t), 10*time.Millisecond, time.Second)

	result, err := rec.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, result.Conflicts)

	n, _ := q.Count(ctx)
	assert.Equal(t, 0, n)
	conflicts, err := q.Conflicts(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestListParksCorruptPayload(t *testing.T) {
	q := openTestQueue(t)
	ctx := context.Background()

	good, err := q.Enqueue(ctx, testSale(1))
	require.NoError(t, err)

	_, err = q.db.ExecContext(ctx, `
		INSERT INTO offline_queue (offline_id, transaction_number, payload, created_at)
		VALUES ('off-corrupt', 'pos-corrupt', '{not json', ?)
	`, time.Now().UTC())
	require.NoError(t, err)

	behind, err := q.Enqueue(ctx, testSale(2))
	require.NoError(t, err)

	entries, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2, "entries behind a corrupt row must stay replayable")
	assert.Equal(t, good.OfflineID, entries[0].OfflineID)
	assert.Equal(t, behind.OfflineID, entries[1].OfflineID)

	conflicts, err := q.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "off-corrupt", conflicts[0].OfflineID)
	assert.Contains(t, conflicts[0].Reason, "corrupt payload")
}

func TestBackoffDelayDoubles(t *testing.T) {
	rec := NewReconciler(nil, nil, nil, 100*time.Millisecond, time.Second)

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, want := range expected {
		rec.failures = i + 1
		assert.Equal(t, want, rec.backoffDelay(), "failure %d", i+1)
	}
}
