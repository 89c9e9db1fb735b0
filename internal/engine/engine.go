package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Alexchained/bitcoinexchange/internal/book"
	"github.com/Alexchained/bitcoinexchange/internal/ledger"
	"github.com/Alexchained/bitcoinexchange/internal/models"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	// ErrInsufficientBalance rejects an order at reservation time. The caller
	// may retry with different parameters; no order was created.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInvalidOrderState is returned when cancellation targets an order
	// that is no longer open.
	ErrInvalidOrderState = errors.New("order not open")

	// ErrOrderNotFound is returned when an order does not exist or does not
	// belong to the caller.
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvariantViolation means a settle or release failed after its
	// reservation succeeded. The engine halts the pair; this is a bug, never
	// a retryable condition.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	// ErrHalted rejects all operations after an invariant violation
	ErrHalted = errors.New("matching halted after invariant violation")
)

// Store is the persistence collaborator. All calls happen synchronously
// inside the engine's critical section; the engine's in-memory state is
// authoritative.
type Store interface {
	CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error)
	GetOrder(ctx context.Context, orderID int) (*models.Order, error)
	UpdateOrder(ctx context.Context, orderID int, quantity decimal.Decimal, status string) error
	CreateTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error)
	SaveWallet(ctx context.Context, w *models.Wallet) error
	LoadOpenOrders(ctx context.Context) ([]models.Order, error)
	LoadWallets(ctx context.Context) ([]models.Wallet, error)
}

// Engine matches incoming orders against the book and drives all ledger
// mutations. One mutex guards the whole reserve, match, settle and book
// update path for the dollar/bitcoin pair, so two crossing orders can never
// miss each other or double-spend a reservation.
type Engine struct {
	mu     sync.Mutex
	ledger *ledger.Ledger
	book   *book.Book
	store  Store
	log    *zap.Logger

	open   map[int]*models.Order // open orders by ID
	halted bool
}

// NewEngine creates an engine over an empty book and ledger
func NewEngine(store Store, log *zap.Logger) *Engine {
	return &Engine{
		ledger: ledger.NewLedger(),
		book:   book.NewBook(),
		store:  store,
		log:    log,
		open:   make(map[int]*models.Order),
	}
}

// Rebuild loads all wallets and open orders from the store, repopulating the
// ledger and the book. Called once at startup before serving.
func (e *Engine) Rebuild(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wallets, err := e.store.LoadWallets(ctx)
	if err != nil {
		return fmt.Errorf("failed to load wallets: %w", err)
	}
	for i := range wallets {
		w := wallets[i]
		e.ledger.Track(&w)
	}

	orders, err := e.store.LoadOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("failed to load open orders: %w", err)
	}
	for i := range orders {
		o := orders[i]
		e.book.Insert(&o)
		e.open[o.ID] = &o
	}

	e.log.Info("order book rebuilt",
		zap.Int("wallets", len(wallets)),
		zap.Int("open_orders", len(orders)))
	return nil
}

// TrackWallet registers a newly provisioned wallet with the ledger
func (e *Engine) TrackWallet(w models.Wallet) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ledger.Track(&w)
}

// Wallet returns a copy of the user's wallet
func (e *Engine) Wallet(userID int) (models.Wallet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, err := e.ledger.WalletFor(userID)
	if err != nil {
		return models.Wallet{}, err
	}
	return *w, nil
}

// Snapshot returns copies of both sides of the book in priority order
func (e *Engine) Snapshot() (buys, sells []models.Order) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.book.Snapshot()
}

// SubmitOrder reserves funds for a new order, matches it against resting
// counter-orders and rests any remainder in the book. It returns the created
// order in its final state and one transaction per fill. The only
// user-visible rejection is ErrInsufficientBalance at reservation time; once
// funds are reserved, matching runs to completion.
func (e *Engine) SubmitOrder(ctx context.Context, userID int, side string, price, quantity decimal.Decimal) (*models.Order, []models.Transaction, error) {
	if side != models.SideBuy && side != models.SideSell {
		return nil, nil, fmt.Errorf("side must be %q or %q", models.SideBuy, models.SideSell)
	}
	if price.Sign() <= 0 {
		return nil, nil, fmt.Errorf("price must be positive")
	}
	if quantity.Sign() <= 0 {
		return nil, nil, fmt.Errorf("quantity must be positive")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted {
		return nil, nil, ErrHalted
	}

	// Reserve the full committed amount before the order exists. A buy
	// commits price*quantity dollars, a sell commits the bitcoin itself.
	if side == models.SideBuy {
		if err := e.ledger.Reserve(userID, ledger.Dollar, price.Mul(quantity)); err != nil {
			return nil, nil, reserveError(err)
		}
	} else {
		if err := e.ledger.Reserve(userID, ledger.Bitcoin, quantity); err != nil {
			return nil, nil, reserveError(err)
		}
	}

	order, err := e.store.CreateOrder(ctx, &models.Order{
		UserID:   userID,
		Side:     side,
		Price:    price,
		Quantity: quantity,
		Status:   models.StatusOpen,
	})
	if err != nil {
		// The order was never created; hand the reservation back.
		e.unreserve(userID, side, price, quantity)
		return nil, nil, fmt.Errorf("failed to create order: %w", err)
	}

	transactions, counterparties, err := e.match(ctx, order)
	if err != nil {
		return nil, nil, err
	}

	if order.Quantity.Sign() > 0 {
		// Remainder rests in the book with its reservation intact
		e.book.Insert(order)
		e.open[order.ID] = order
	} else {
		order.Status = models.StatusFilled
	}
	if err := e.store.UpdateOrder(ctx, order.ID, order.Quantity, order.Status); err != nil {
		return nil, nil, e.fatal(err, "failed to persist incoming order", order)
	}
	if err := e.saveWallets(ctx, order, counterparties); err != nil {
		return nil, nil, err
	}

	result := *order
	return &result, transactions, nil
}

// match runs the fill loop for an incoming order, mutating it in place.
// Trades always execute at the resting order's price. Returns one
// transaction per fill plus the user IDs of every counterparty touched.
func (e *Engine) match(ctx context.Context, order *models.Order) ([]models.Transaction, []int, error) {
	var transactions []models.Transaction
	var counterparties []int

	for _, counter := range e.book.Candidates(order.Side, order.Price) {
		if order.Quantity.Sign() <= 0 {
			break
		}

		fillQty := decimal.Min(order.Quantity, counter.Quantity)
		tradePrice := counter.Price

		buy, sell := order, counter
		if order.Side == models.SideSell {
			buy, sell = counter, order
		}

		if err := e.ledger.Settle(buy.UserID, sell.UserID, tradePrice, fillQty); err != nil {
			return nil, nil, e.fatal(err, "settle failed mid-match", order, counter)
		}
		counterparties = append(counterparties, counter.UserID)

		// An incoming buy reserved at its own limit; when the resting sell
		// is cheaper, the difference goes back to the buyer's available
		// dollars.
		if order.Side == models.SideBuy && order.Price.GreaterThan(tradePrice) {
			diff := order.Price.Sub(tradePrice).Mul(fillQty)
			if err := e.ledger.Release(order.UserID, ledger.Dollar, diff); err != nil {
				return nil, nil, e.fatal(err, "over-reservation release failed", order, counter)
			}
		}

		order.Quantity = order.Quantity.Sub(fillQty)
		counter.Quantity = counter.Quantity.Sub(fillQty)
		if counter.Quantity.Sign() <= 0 {
			counter.Status = models.StatusFilled
			e.book.Remove(counter.ID)
			delete(e.open, counter.ID)
		}
		if err := e.store.UpdateOrder(ctx, counter.ID, counter.Quantity, counter.Status); err != nil {
			return nil, nil, e.fatal(err, "failed to persist counter order", order, counter)
		}

		txn, err := e.store.CreateTransaction(ctx, &models.Transaction{
			BuyOrderID:  buy.ID,
			SellOrderID: sell.ID,
			Price:       tradePrice,
			Quantity:    fillQty,
		})
		if err != nil {
			return nil, nil, e.fatal(err, "failed to record transaction", order, counter)
		}
		transactions = append(transactions, *txn)
	}

	return transactions, counterparties, nil
}

// CancelOrder releases the remaining reservation of an open order and
// removes it from the book. Cancelling a filled or already-cancelled order
// returns ErrInvalidOrderState and changes nothing.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.halted {
		return ErrHalted
	}

	order, ok := e.open[orderID]
	if !ok {
		// Not in the book: distinguish a terminal order from a bogus ID
		stored, err := e.store.GetOrder(ctx, orderID)
		if err != nil || stored.UserID != userID {
			return ErrOrderNotFound
		}
		return fmt.Errorf("order %d is %s: %w", orderID, stored.Status, ErrInvalidOrderState)
	}
	if order.UserID != userID {
		return ErrOrderNotFound
	}

	if order.Side == models.SideBuy {
		if err := e.ledger.Release(userID, ledger.Dollar, order.Price.Mul(order.Quantity)); err != nil {
			return e.fatal(err, "cancel release failed", order)
		}
	} else {
		if err := e.ledger.Release(userID, ledger.Bitcoin, order.Quantity); err != nil {
			return e.fatal(err, "cancel release failed", order)
		}
	}

	e.book.Remove(orderID)
	delete(e.open, orderID)
	order.Status = models.StatusCanceled

	if err := e.store.UpdateOrder(ctx, orderID, order.Quantity, models.StatusCanceled); err != nil {
		return e.fatal(err, "failed to persist cancellation", order)
	}
	w, err := e.ledger.WalletFor(userID)
	if err != nil {
		return err
	}
	if err := e.store.SaveWallet(ctx, w); err != nil {
		return e.fatal(err, "failed to persist wallet", order)
	}
	return nil
}

// unreserve hands back a reservation that never became an order
func (e *Engine) unreserve(userID int, side string, price, quantity decimal.Decimal) {
	var err error
	if side == models.SideBuy {
		err = e.ledger.Release(userID, ledger.Dollar, price.Mul(quantity))
	} else {
		err = e.ledger.Release(userID, ledger.Bitcoin, quantity)
	}
	if err != nil {
		e.log.Error("failed to release reservation for uncreated order",
			zap.Int("user_id", userID), zap.Error(err))
	}
}

// saveWallets persists every wallet touched by a submission: the incoming
// order's owner plus the counterparty of each fill.
func (e *Engine) saveWallets(ctx context.Context, order *models.Order, counterparties []int) error {
	touched := map[int]bool{order.UserID: true}
	for _, userID := range counterparties {
		touched[userID] = true
	}
	for userID := range touched {
		w, err := e.ledger.WalletFor(userID)
		if err != nil {
			continue
		}
		if err := e.store.SaveWallet(ctx, w); err != nil {
			return e.fatal(err, "failed to persist wallet", order)
		}
	}
	return nil
}

// fatal logs an invariant violation with full order and wallet state, halts
// the pair and returns the wrapped error. Financial mutations are never
// retried blind.
func (e *Engine) fatal(cause error, msg string, orders ...*models.Order) error {
	fields := []zap.Field{zap.Error(cause)}
	for _, o := range orders {
		fields = append(fields,
			zap.String(fmt.Sprintf("order_%d", o.ID),
				fmt.Sprintf("user=%d %s remaining=%s price=%s status=%s",
					o.UserID, o.Side, o.Quantity, o.Price, o.Status)))
		if w, err := e.ledger.WalletFor(o.UserID); err == nil {
			fields = append(fields, zap.String(fmt.Sprintf("wallet_%d", w.UserID),
				fmt.Sprintf("dollar=%s/%s bitcoin=%s/%s",
					w.AvailableDollar, w.FrozenDollar, w.AvailableBitcoin, w.FrozenBitcoin)))
		}
	}
	e.log.Error(msg, fields...)
	e.halted = true
	return fmt.Errorf("%s: %v: %w", msg, cause, ErrInvariantViolation)
}

func reserveError(err error) error {
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return fmt.Errorf("%v: %w", err, ErrInsufficientBalance)
	}
	return err
}
