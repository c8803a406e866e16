package credit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory Store for unit tests.
type fakeStore struct {
	mu          sync.Mutex
	balances    map[string]int64
	lastResetAt map[string]time.Time
	allowance   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{balances: map[string]int64{}, lastResetAt: map[string]time.Time{}, allowance: 1000}
}

func (f *fakeStore) TryDebit(ctx context.Context, userID string, amount int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[userID] < amount {
		return false, nil
	}
	f.balances[userID] -= amount
	return true, nil
}

func (f *fakeStore) Credit(ctx context.Context, userID string, amount int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] += amount
	return nil
}

func (f *fakeStore) Balance(ctx context.Context, userID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[userID], nil
}

func (f *fakeStore) DueForReset(ctx context.Context, now time.Time, resetEvery time.Duration) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var due []string
	for id, last := range f.lastResetAt {
		if now.Sub(last) >= resetEvery {
			due = append(due, id)
		}
	}
	return due, nil
}

func (f *fakeStore) ResetToAllowance(ctx context.Context, userID string, now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[userID] = f.allowance
	f.lastResetAt[userID] = now
	return nil
}

func TestAuthorizeInsufficientCredits(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 50
	e := New(store)

	err := e.Authorize(context.Background(), "u1", 100)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestAuthorizeAndSettleRefund(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 1000
	e := New(store)
	ctx := context.Background()

	require.NoError(t, e.Authorize(ctx, "u1", 500))
	e.Settle(ctx, "u1", 500, 200) // actual usage was cheaper — refund the difference
	bal, _ := e.Balance(ctx, "u1")
	assert.EqualValues(t, 800, bal)
}

func TestSettleExtraDebit(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 1000
	e := New(store)
	ctx := context.Background()

	require.NoError(t, e.Authorize(ctx, "u1", 200))
	e.Settle(ctx, "u1", 200, 350) // actual usage exceeded estimate
	bal, _ := e.Balance(ctx, "u1")
	assert.EqualValues(t, 650, bal)
}

func TestDailyResetAppliesAllowance(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 3
	store.lastResetAt["u1"] = time.Now().Add(-25 * time.Hour)
	e := New(store, WithResetInterval(24*time.Hour))

	e.runResetOnce(context.Background(), time.Now())

	bal, _ := e.Balance(context.Background(), "u1")
	assert.Equal(t, store.allowance, bal)
}

func TestConcurrentAuthorizeNeverGoesNegative(t *testing.T) {
	store := newFakeStore()
	store.balances["u1"] = 100
	e := New(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	successes := int64(0)
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.Authorize(ctx, "u1", 10); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 10, successes, "expected exactly 10 successful authorizations of 10 credits against 100 balance")
	bal, _ := e.Balance(ctx, "u1")
	assert.EqualValues(t, 0, bal)
}
