package ledger

import (
	"errors"
	"fmt"

	"github.com/Alexchained/bitcoinexchange/internal/models"

	"github.com/shopspring/decimal"
)

// Asset identifies one side of the dollar/bitcoin pair.
type Asset string

const (
	Dollar  Asset = "dollar"
	Bitcoin Asset = "bitcoin"
)

var (
	// ErrInsufficientFunds is returned by Reserve when the available balance
	// cannot cover the requested amount. User-recoverable.
	ErrInsufficientFunds = errors.New("insufficient available funds")

	// ErrInsufficientReservation is returned by Release or Settle when a
	// frozen balance is smaller than the amount being consumed. A prior
	// reservation must have been lost or double-spent, so this is a
	// consistency failure, not a user error.
	ErrInsufficientReservation = errors.New("insufficient frozen funds")

	// ErrUnknownWallet is returned when no wallet is tracked for a user.
	ErrUnknownWallet = errors.New("wallet not found")
)

// Ledger owns the in-memory wallet balances and performs the only legal
// mutations to them: Reserve, Release and Settle. It is not safe for
// concurrent use; the matching engine serializes access behind its pair lock.
type Ledger struct {
	wallets map[int]*models.Wallet // keyed by user ID
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{wallets: make(map[int]*models.Wallet)}
}

// Track registers a wallet with the ledger, replacing any wallet already
// tracked for the same user.
func (l *Ledger) Track(w *models.Wallet) {
	l.wallets[w.UserID] = w
}

// WalletFor returns the tracked wallet for a user
func (l *Ledger) WalletFor(userID int) (*models.Wallet, error) {
	w, ok := l.wallets[userID]
	if !ok {
		return nil, fmt.Errorf("user %d: %w", userID, ErrUnknownWallet)
	}
	return w, nil
}

// Reserve moves amount from the available balance to the frozen balance,
// committing it to an order. Fails with ErrInsufficientFunds without mutating
// anything if the available balance is too small.
func (l *Ledger) Reserve(userID int, asset Asset, amount decimal.Decimal) error {
	w, err := l.WalletFor(userID)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("reserve amount must be positive, got %s", amount)
	}

	available, frozen := balances(w, asset)
	if available.LessThan(amount) {
		return fmt.Errorf("reserve %s %s for user %d (available %s): %w",
			amount, asset, userID, available, ErrInsufficientFunds)
	}
	setBalances(w, asset, available.Sub(amount), frozen.Add(amount))
	return nil
}

// Release moves amount from the frozen balance back to the available
// balance. Used on cancellation and when a buy order fills below its limit
// price.
func (l *Ledger) Release(userID int, asset Asset, amount decimal.Decimal) error {
	w, err := l.WalletFor(userID)
	if err != nil {
		return err
	}
	if amount.Sign() <= 0 {
		return fmt.Errorf("release amount must be positive, got %s", amount)
	}

	available, frozen := balances(w, asset)
	if frozen.LessThan(amount) {
		return fmt.Errorf("release %s %s for user %d (frozen %s): %w",
			amount, asset, userID, frozen, ErrInsufficientReservation)
	}
	setBalances(w, asset, available.Add(amount), frozen.Sub(amount))
	return nil
}

// Settle executes the balance transfer for one fill: the buyer's frozen
// dollars pay the seller's available dollars, the seller's frozen bitcoin
// moves to the buyer's available bitcoin. All four updates apply as a unit;
// if either frozen balance cannot cover the fill, nothing is applied and
// ErrInsufficientReservation is returned.
func (l *Ledger) Settle(buyerID, sellerID int, price, quantity decimal.Decimal) error {
	buyer, err := l.WalletFor(buyerID)
	if err != nil {
		return err
	}
	seller, err := l.WalletFor(sellerID)
	if err != nil {
		return err
	}
	if price.Sign() <= 0 || quantity.Sign() <= 0 {
		return fmt.Errorf("settle price and quantity must be positive, got price=%s quantity=%s", price, quantity)
	}

	cost := price.Mul(quantity)
	if buyer.FrozenDollar.LessThan(cost) {
		return fmt.Errorf("settle cost %s exceeds buyer %d frozen dollar %s: %w",
			cost, buyerID, buyer.FrozenDollar, ErrInsufficientReservation)
	}
	if seller.FrozenBitcoin.LessThan(quantity) {
		return fmt.Errorf("settle quantity %s exceeds seller %d frozen bitcoin %s: %w",
			quantity, sellerID, seller.FrozenBitcoin, ErrInsufficientReservation)
	}

	buyer.FrozenDollar = buyer.FrozenDollar.Sub(cost)
	seller.AvailableDollar = seller.AvailableDollar.Add(cost)
	seller.FrozenBitcoin = seller.FrozenBitcoin.Sub(quantity)
	buyer.AvailableBitcoin = buyer.AvailableBitcoin.Add(quantity)
	return nil
}

func balances(w *models.Wallet, asset Asset) (available, frozen decimal.Decimal) {
	if asset == Dollar {
		return w.AvailableDollar, w.FrozenDollar
	}
	return w.AvailableBitcoin, w.FrozenBitcoin
}

func setBalances(w *models.Wallet, asset Asset, available, frozen decimal.Decimal) {
	if asset == Dollar {
		w.AvailableDollar = available
		w.FrozenDollar = frozen
		return
	}
	w.AvailableBitcoin = available
	w.FrozenBitcoin = frozen
}
