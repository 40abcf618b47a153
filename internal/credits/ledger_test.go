package credits

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rossigee/imageflow/internal/metrics"
	"github.com/rossigee/imageflow/internal/storage"
	"github.com/rossigee/imageflow/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T, startingCredits int64) (*Ledger, *metrics.Collectors) {
	t.Helper()
	store, err := storage.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = store.Close() // Ignore error in test
	})

	_, err = store.CreateAccount(context.Background(), "acct-1")
	require.NoError(t, err)

	collectors := metrics.New()
	ledger := NewLedger(store, collectors)
	if startingCredits > 0 {
		_, _, err = ledger.Credit(context.Background(), "acct-1", startingCredits, "initial grant", nil)
		require.NoError(t, err)
	}
	return ledger, collectors
}

func TestDebit(t *testing.T) {
	ledger, collectors := newTestLedger(t, 20)
	ctx := context.Background()

	balance, txn, err := ledger.Debit(ctx, "acct-1", 5, "upscale", map[string]interface{}{"job_id": "job-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)
	assert.Equal(t, int64(-5), txn.Delta)
	assert.Equal(t, int64(15), txn.ResultingBalance)
	assert.Equal(t, float64(5), testutil.ToFloat64(collectors.CreditsDebited))

	balance, err = ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(15), balance)
}

func TestDebit_RejectsNonPositiveAmount(t *testing.T) {
	ledger, _ := newTestLedger(t, 20)

	for _, amount := range []int64{0, -3} {
		_, _, err := ledger.Debit(context.Background(), "acct-1", amount, "bad", nil)
		assert.Error(t, err)
	}

	history, err := ledger.History(context.Background(), "acct-1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestDebit_InsufficientFunds(t *testing.T) {
	ledger, collectors := newTestLedger(t, 4)

	_, _, err := ledger.Debit(context.Background(), "acct-1", 5, "upscale", nil)
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)
	assert.True(t, types.IsInsufficientFunds(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(collectors.DebitsRejected))

	balance, err := ledger.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestCredit_NoUpperBound(t *testing.T) {
	ledger, _ := newTestLedger(t, 0)

	balance, _, err := ledger.Credit(context.Background(), "acct-1", 1<<40, "bulk purchase", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1<<40), balance)
}

func TestHistory_NewestFirst(t *testing.T) {
	ledger, _ := newTestLedger(t, 30)
	ctx := context.Background()

	_, _, err := ledger.Debit(ctx, "acct-1", 10, "first", nil)
	require.NoError(t, err)
	_, _, err = ledger.Debit(ctx, "acct-1", 10, "second", nil)
	require.NoError(t, err)

	history, err := ledger.History(ctx, "acct-1", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "second", history[0].Description)
	assert.Equal(t, "first", history[1].Description)
}

func TestHistory_UnknownAccount(t *testing.T) {
	ledger, _ := newTestLedger(t, 0)

	_, err := ledger.History(context.Background(), "ghost", 10)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestConcurrentDebitsAndCredits(t *testing.T) {
	ledger, _ := newTestLedger(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%3 == 0 {
				_, _, _ = ledger.Credit(ctx, "acct-1", 2, "top-up", nil)
				return
			}
			_, _, _ = ledger.Debit(ctx, "acct-1", 3, "spend", nil)
		}(i)
	}
	wg.Wait()

	balance, err := ledger.Balance(ctx, "acct-1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, balance, int64(0))

	history, err := ledger.History(ctx, "acct-1", 1000)
	require.NoError(t, err)
	var sum int64
	for _, txn := range history {
		assert.GreaterOrEqual(t, txn.ResultingBalance, int64(0))
		sum += txn.Delta
	}
	assert.Equal(t, balance, sum)
}
