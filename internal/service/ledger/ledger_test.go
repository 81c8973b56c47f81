package ledger_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dkurilenko/ledgershop/internal/domain/models"
	"github.com/dkurilenko/ledgershop/internal/service/ledger"
	"github.com/dkurilenko/ledgershop/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore mimics the postgres ledger primitives: the balance change and the
// transaction append happen under one lock, and the debit guard is evaluated
// against the current balance inside that critical section.
type fakeStore struct {
	mu           sync.Mutex
	balances     map[int]int
	transactions map[int][]models.Transaction
	nextID       int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		balances:     make(map[int]int),
		transactions: make(map[int][]models.Transaction),
	}
}

func (f *fakeStore) addUser(userID, balance int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = balance
}

func (f *fakeStore) append(userID, amount int, txType models.TransactionType) {
	f.nextID++
	f.transactions[userID] = append(f.transactions[userID], models.Transaction{
		ID:        f.nextID,
		UserID:    userID,
		Amount:    amount,
		Type:      txType,
		CreatedAt: time.Now().Format(time.RFC3339Nano),
	})
}

func (f *fakeStore) Credit(ctx context.Context, userID int, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.balances[userID]; !ok {
		return fmt.Errorf("fake: %w", storage.ErrNotFound)
	}
	f.balances[userID] += amount
	f.append(userID, amount, models.TypeCredit)
	return nil
}

func (f *fakeStore) ConditionalDebit(ctx context.Context, userID int, amount int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[userID]
	if !ok {
		return fmt.Errorf("fake: %w", storage.ErrNotFound)
	}
	if balance < amount {
		return fmt.Errorf("fake: %w", storage.ErrInsufficientFunds)
	}
	f.balances[userID] -= amount
	f.append(userID, amount, models.TypeDebit)
	return nil
}

func (f *fakeStore) GetBalance(ctx context.Context, userID int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[userID]
	if !ok {
		return 0, fmt.Errorf("fake: %w", storage.ErrNotFound)
	}
	return balance, nil
}

func (f *fakeStore) ListTransactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := f.transactions[userID]
	// newest first, as the postgres store orders them
	out := make([]models.Transaction, 0, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		out = append(out, stored[i])
	}
	return out, nil
}

func newService(store *fakeStore) *ledger.Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return ledger.New(store, logger)
}

func TestTopUp(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 0)
	svc := newService(store)

	require.NoError(t, svc.TopUp(context.Background(), 1, 50))

	balance, transactions, err := svc.GetLedger(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)
	require.Len(t, transactions, 1)
	assert.Equal(t, models.TypeCredit, transactions[0].Type)
	assert.Equal(t, 50, transactions[0].Amount)
}

func TestTopUpRejectsNonPositiveAmount(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 0)
	svc := newService(store)

	for _, amount := range []int{0, -10} {
		err := svc.TopUp(context.Background(), 1, amount)
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	}

	balance, transactions, err := svc.GetLedger(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
	assert.Empty(t, transactions)
}

func TestTopUpUnknownUser(t *testing.T) {
	svc := newService(newFakeStore())

	err := svc.TopUp(context.Background(), 42, 50)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestPurchase(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 100)
	svc := newService(store)

	require.NoError(t, svc.Purchase(context.Background(), 1, 2, 40))

	balance, transactions, err := svc.GetLedger(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 20, balance)
	require.Len(t, transactions, 1)
	assert.Equal(t, models.TypeDebit, transactions[0].Type)
	assert.Equal(t, 80, transactions[0].Amount)
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 100)
	svc := newService(store)

	err := svc.Purchase(context.Background(), 1, 3, 40)
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	balance, transactions, err := svc.GetLedger(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 100, balance, "rejected purchase must not mutate the balance")
	assert.Empty(t, transactions, "rejected purchase must not record a transaction")
}

func TestPurchaseRejectsNonPositiveQuantityAndPrice(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 100)
	svc := newService(store)

	cases := []struct {
		quantity int
		price    int
	}{
		{0, 40},
		{2, 0},
		{-1, 40},
		{2, -5},
	}
	for _, tc := range cases {
		err := svc.Purchase(context.Background(), 1, tc.quantity, tc.price)
		require.ErrorIs(t, err, ledger.ErrInvalidAmount)
	}

	balance, _, err := svc.GetLedger(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 100, balance)
}

func TestPurchaseUnknownUser(t *testing.T) {
	svc := newService(newFakeStore())

	err := svc.Purchase(context.Background(), 42, 1, 10)
	require.ErrorIs(t, err, ledger.ErrUserNotFound)
}

func TestConcurrentDrainAllowsExactlyOneSuccess(t *testing.T) {
	const workers = 16

	store := newFakeStore()
	store.addUser(1, 100)
	svc := newService(store)

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.Purchase(context.Background(), 1, 1, 100)
		}()
	}
	wg.Wait()
	close(errs)

	var successes, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			successes++
		default:
			require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
			insufficient++
		}
	}

	assert.Equal(t, 1, successes)
	assert.Equal(t, workers-1, insufficient)

	balance, transactions, err := svc.GetLedger(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 0, balance)
	require.Len(t, transactions, 1)
}

func TestLedgerReconstructsBalance(t *testing.T) {
	store := newFakeStore()
	store.addUser(1, 0)
	svc := newService(store)

	ctx := context.Background()
	require.NoError(t, svc.TopUp(ctx, 1, 100))
	require.NoError(t, svc.Purchase(ctx, 1, 2, 15))       // -30
	require.NoError(t, svc.TopUp(ctx, 1, 40))             // +40
	require.ErrorIs(t, svc.Purchase(ctx, 1, 5, 100), ledger.ErrInsufficientFunds)
	require.NoError(t, svc.Purchase(ctx, 1, 1, 60))       // -60

	balance, transactions, err := svc.GetLedger(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 50, balance)
	require.Len(t, transactions, 4)

	// newest first
	for i := 1; i < len(transactions); i++ {
		assert.Greater(t, transactions[i-1].ID, transactions[i].ID)
	}

	sum := 0
	for _, tx := range transactions {
		switch tx.Type {
		case models.TypeCredit:
			sum += tx.Amount
		case models.TypeDebit:
			sum -= tx.Amount
		}
	}
	assert.Equal(t, balance, sum, "transaction history must reconstruct the balance")
}
