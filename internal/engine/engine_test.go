package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Alexchained/bitcoinexchange/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// memStore is an in-memory Store for engine tests
type memStore struct {
	mu      sync.Mutex
	nextID  int
	orders  map[int]models.Order
	txns    []models.Transaction
	wallets map[int]models.Wallet
	base    time.Time
}

func newMemStore() *memStore {
	return &memStore{
		orders:  make(map[int]models.Order),
		wallets: make(map[int]models.Wallet),
		base:    time.Now(),
	}
}

func (s *memStore) CreateOrder(_ context.Context, order *models.Order) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	o := *order
	o.ID = s.nextID
	o.CreatedAt = s.base.Add(time.Duration(s.nextID) * time.Millisecond)
	s.orders[o.ID] = o
	return &o, nil
}

func (s *memStore) GetOrder(_ context.Context, orderID int) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &o, nil
}

func (s *memStore) UpdateOrder(_ context.Context, orderID int, quantity decimal.Decimal, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[orderID]
	o.Quantity = quantity
	o.Status = status
	s.orders[orderID] = o
	return nil
}

func (s *memStore) CreateTransaction(_ context.Context, txn *models.Transaction) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := *txn
	t.ID = len(s.txns) + 1
	t.ExecutedAt = time.Now()
	s.txns = append(s.txns, t)
	return &t, nil
}

func (s *memStore) SaveWallet(_ context.Context, w *models.Wallet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[w.UserID] = *w
	return nil
}

func (s *memStore) LoadOpenOrders(_ context.Context) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Order
	for _, o := range s.orders {
		if o.Status == models.StatusOpen {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *memStore) LoadWallets(_ context.Context) ([]models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Wallet
	for _, w := range s.wallets {
		out = append(out, w)
	}
	return out, nil
}

func newTestEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()
	store := newMemStore()
	e := NewEngine(store, zap.NewNop())
	e.TrackWallet(models.Wallet{
		ID: 1, UserID: 1,
		AvailableDollar:  dec("1000"),
		AvailableBitcoin: dec("0"),
	})
	e.TrackWallet(models.Wallet{
		ID: 2, UserID: 2,
		AvailableDollar:  dec("0"),
		AvailableBitcoin: dec("5"),
	})
	return e, store
}

func TestEngine_RestingBuy(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	// User 1 buys 2 BTC @ 400 into an empty book
	order, txns, err := e.SubmitOrder(ctx, 1, models.SideBuy, dec("400"), dec("2"))
	require.NoError(t, err)
	assert.Empty(t, txns)
	assert.Equal(t, models.StatusOpen, order.Status)
	assert.True(t, order.Quantity.Equal(dec("2")))

	w, err := e.Wallet(1)
	require.NoError(t, err)
	assert.True(t, w.FrozenDollar.Equal(dec("800")), "frozen dollar %s", w.FrozenDollar)
	assert.True(t, w.AvailableDollar.Equal(dec("200")), "available dollar %s", w.AvailableDollar)

	buys, sells := e.Snapshot()
	assert.Len(t, buys, 1)
	assert.Empty(t, sells)
}

func TestEngine_FullMatch(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	buy, _, err := e.SubmitOrder(ctx, 1, models.SideBuy, dec("400"), dec("2"))
	require.NoError(t, err)

	// User 2 sells 2 BTC @ 400 into the resting buy
	sell, txns, err := e.SubmitOrder(ctx, 2, models.SideSell, dec("400"), dec("2"))
	require.NoError(t, err)

	require.Len(t, txns, 1)
	assert.Equal(t, buy.ID, txns[0].BuyOrderID)
	assert.Equal(t, sell.ID, txns[0].SellOrderID)
	assert.True(t, txns[0].Price.Equal(dec("400")))
	assert.True(t, txns[0].Quantity.Equal(dec("2")))
	assert.Equal(t, models.StatusFilled, sell.Status)

	buyer, _ := e.Wallet(1)
	seller, _ := e.Wallet(2)
	assert.True(t, buyer.AvailableBitcoin.Equal(dec("2")), "buyer bitcoin %s", buyer.AvailableBitcoin)
	assert.True(t, buyer.FrozenDollar.IsZero(), "buyer frozen dollar %s", buyer.FrozenDollar)
	assert.True(t, seller.AvailableDollar.Equal(dec("800")), "seller dollar %s", seller.AvailableDollar)
	assert.True(t, seller.FrozenBitcoin.IsZero(), "seller frozen bitcoin %s", seller.FrozenBitcoin)

	// Both orders terminal, book empty
	buys, sells := e.Snapshot()
	assert.Empty(t, buys)
	assert.Empty(t, sells)
	assert.Equal(t, models.StatusFilled, store.orders[buy.ID].Status)
	assert.Equal(t, models.StatusFilled, store.orders[sell.ID].Status)
}

func TestEngine_PartialFill(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, _, err := e.SubmitOrder(ctx, 2, models.SideSell, dec("400"), dec("2"))
	require.NoError(t, err)

	// Buy 2.5 against a resting sell of 2: sell fills, buy rests with 0.5 left
	buy, txns, err := e.SubmitOrder(ctx, 1, models.SideBuy, dec("400"), dec("2.5"))
	require.NoError(t, err)

	require.Len(t, txns, 1)
	assert.True(t, txns[0].Quantity.Equal(dec("2")))
	assert.Equal(t, models.StatusOpen, buy.Status)
	assert.True(t, buy.Quantity.Equal(dec("0.5")))

	buyer, _ := e.Wallet(1)
	// Reserved 1000, settled 800, remainder 0.5 BTC @ 400 stays frozen
	assert.True(t, buyer.FrozenDollar.Equal(dec("200")), "frozen dollar %s", buyer.FrozenDollar)
	assert.True(t, buyer.AvailableBitcoin.Equal(dec("2")))

	buys, sells := e.Snapshot()
	assert.Len(t, buys, 1)
	assert.Empty(t, sells)
}

func TestEngine_PriceImprovementRelease(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, _, err := e.SubmitOrder(ctx, 2, models.SideSell, dec("400"), dec("2"))
	require.NoError(t, err)

	// Buyer bids 410 but trades at the resting 400: the 10/unit
	// over-reservation comes back as available dollars.
	_, txns, err := e.SubmitOrder(ctx, 1, models.SideBuy, dec("410"), dec("2"))
	require.NoError(t, err)
	require.Len(t, txns, 1)
	assert.True(t, txns[0].Price.Equal(dec("400")))

	buyer, _ := e.Wallet(1)
	assert.True(t, buyer.FrozenDollar.IsZero(), "frozen dollar %s", buyer.FrozenDollar)
	assert.True(t, buyer.AvailableDollar.Equal(dec("200")), "available dollar %s", buyer.AvailableDollar)
}

func TestEngine_SweepsMultipleCandidates(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	s1, _, err := e.SubmitOrder(ctx, 2, models.SideSell, dec("390"), dec("1"))
	require.NoError(t, err)
	s2, _, err := e.SubmitOrder(ctx, 2, models.SideSell, dec("400"), dec("1"))
	require.NoError(t, err)
	_, _, err = e.SubmitOrder(ctx, 2, models.SideSell, dec("420"), dec("1"))
	require.NoError(t, err)

	// Buy 2 @ 400 consumes the 390 then the 400 sell, one transaction each
	buy, txns, err := e.SubmitOrder(ctx, 1, models.SideBuy, dec("400"), dec("2"))
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, s1.ID, txns[0].SellOrderID)
	assert.True(t, txns[0].Price.Equal(dec("390")))
	assert.Equal(t, s2.ID, txns[1].SellOrderID)
	assert.True(t, txns[1].Price.Equal(dec("400")))
	assert.Equal(t, models.StatusFilled, buy.Status)

	// The 420 sell is untouched
	_, sells := e.Snapshot()
	require.Len(t, sells, 1)
	assert.True(t, sells[0].Price.Equal(dec("420")))
}

func TestEngine_InsufficientBalance(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	// User 1 has 1000 dollars; 1 BTC @ 4000 cannot be reserved
	_, _, err := e.SubmitOrder(ctx, 1, models.SideBuy, dec("4000"), dec("1"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	// No order created, no balance changed
	assert.Empty(t, store.orders)
	w, _ := e.Wallet(1)
	assert.True(t, w.AvailableDollar.Equal(dec("1000")))
	assert.True(t, w.FrozenDollar.IsZero())

	// Same for a sell beyond holdings
	_, _, err = e.SubmitOrder(ctx, 2, models.SideSell, dec("400"), dec("6"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestEngine_Cancel(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	order, _, err := e.SubmitOrder(ctx, 1, models.SideBuy, dec("400"), dec("1"))
	require.NoError(t, err)

	require.NoError(t, e.CancelOrder(ctx, order.ID, 1))

	w, _ := e.Wallet(1)
	assert.True(t, w.FrozenDollar.IsZero(), "frozen dollar %s", w.FrozenDollar)
	assert.True(t, w.AvailableDollar.Equal(dec("1000")))
	assert.Equal(t, models.StatusCanceled, store.orders[order.ID].Status)

	buys, _ := e.Snapshot()
	assert.Empty(t, buys)

	// Second cancel is a no-op conflict, never a double release
	err = e.CancelOrder(ctx, order.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidOrderState)
	w, _ = e.Wallet(1)
	assert.True(t, w.AvailableDollar.Equal(dec("1000")))
}

func TestEngine_CancelErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	order, _, err := e.SubmitOrder(ctx, 1, models.SideBuy, dec("400"), dec("1"))
	require.NoError(t, err)

	tests := []struct {
		name      string
		orderID   int
		userID    int
		expectErr error
	}{
		{
			name:      "UnknownOrder",
			orderID:   999,
			userID:    1,
			expectErr: ErrOrderNotFound,
		},
		{
			name:      "NotOwner",
			orderID:   order.ID,
			userID:    2,
			expectErr: ErrOrderNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, e.CancelOrder(ctx, tt.orderID, tt.userID), tt.expectErr)
		})
	}

	// Filled orders cannot be cancelled
	_, _, err = e.SubmitOrder(ctx, 2, models.SideSell, dec("400"), dec("1"))
	require.NoError(t, err)
	assert.ErrorIs(t, e.CancelOrder(ctx, order.ID, 1), ErrInvalidOrderState)
}

func TestEngine_Rebuild(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	_, _, err := e.SubmitOrder(ctx, 1, models.SideBuy, dec("400"), dec("1"))
	require.NoError(t, err)
	_, _, err = e.SubmitOrder(ctx, 2, models.SideSell, dec("500"), dec("1"))
	require.NoError(t, err)

	// A fresh engine over the same store sees the same book and balances
	restarted := NewEngine(store, zap.NewNop())
	require.NoError(t, restarted.Rebuild(ctx))

	buys, sells := restarted.Snapshot()
	assert.Len(t, buys, 1)
	assert.Len(t, sells, 1)

	w, err := restarted.Wallet(1)
	require.NoError(t, err)
	assert.True(t, w.FrozenDollar.Equal(dec("400")), "frozen dollar %s", w.FrozenDollar)

	// The rebuilt book still matches
	_, txns, err := restarted.SubmitOrder(ctx, 2, models.SideSell, dec("400"), dec("1"))
	require.NoError(t, err)
	assert.Len(t, txns, 1)
}

func TestEngine_ConcurrentSubmissionsConserveBalances(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.SubmitOrder(ctx, 1, models.SideBuy, dec("400"), dec("0.2"))
		}()
		go func() {
			defer wg.Done()
			e.SubmitOrder(ctx, 2, models.SideSell, dec("400"), dec("0.2"))
		}()
	}
	wg.Wait()

	w1, _ := e.Wallet(1)
	w2, _ := e.Wallet(2)

	// Non-negativity
	for _, d := range []decimal.Decimal{
		w1.AvailableDollar, w1.FrozenDollar, w1.AvailableBitcoin, w1.FrozenBitcoin,
		w2.AvailableDollar, w2.FrozenDollar, w2.AvailableBitcoin, w2.FrozenBitcoin,
	} {
		assert.False(t, d.IsNegative(), "negative balance %s", d)
	}

	// Conservation: totals across both wallets unchanged
	totalDollar := w1.AvailableDollar.Add(w1.FrozenDollar).
		Add(w2.AvailableDollar).Add(w2.FrozenDollar)
	totalBitcoin := w1.AvailableBitcoin.Add(w1.FrozenBitcoin).
		Add(w2.AvailableBitcoin).Add(w2.FrozenBitcoin)
	assert.True(t, totalDollar.Equal(dec("1000")), "total dollar %s", totalDollar)
	assert.True(t, totalBitcoin.Equal(dec("5")), "total bitcoin %s", totalBitcoin)
}
