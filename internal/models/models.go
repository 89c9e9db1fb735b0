package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered user
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Order sides
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order statuses
const (
	StatusOpen     = "open"
	StatusFilled   = "filled"
	StatusCanceled = "canceled"
)

// Wallet holds one user's dollar and bitcoin balances. Available funds may be
// committed to new orders; frozen funds back open orders and move only on a
// fill or a cancellation. BitcoinNetBalance is the bitcoin credited at
// provisioning time, kept for profit reporting and never mutated afterwards.
type Wallet struct {
	ID                int             `json:"id"`
	UserID            int             `json:"user_id"`
	AvailableDollar   decimal.Decimal `json:"available_dollar"`
	FrozenDollar      decimal.Decimal `json:"frozen_dollar"`
	AvailableBitcoin  decimal.Decimal `json:"available_bitcoin"`
	FrozenBitcoin     decimal.Decimal `json:"frozen_bitcoin"`
	BitcoinNetBalance decimal.Decimal `json:"bitcoin_net_balance"`
}

// Order represents a buy or sell order. Quantity is the remaining unfilled
// amount, not the original size.
type Order struct {
	ID        int             `json:"id"`
	UserID    int             `json:"user_id"`
	Side      string          `json:"side"`       // "buy" or "sell"
	Price     decimal.Decimal `json:"price"`      // Price in USD per BTC
	Quantity  decimal.Decimal `json:"quantity"`   // Remaining quantity in BTC
	Status    string          `json:"status"`     // "open", "filled", "canceled"
	CreatedAt time.Time       `json:"created_at"` // Used for time priority
}

// Transaction records a single executed fill between one buy order and one
// sell order. Immutable once created.
type Transaction struct {
	ID          int             `json:"id"`
	BuyOrderID  int             `json:"buy_order_id"`
	SellOrderID int             `json:"sell_order_id"`
	Price       decimal.Decimal `json:"price"`
	Quantity    decimal.Decimal `json:"quantity"`
	ExecutedAt  time.Time       `json:"executed_at"`
}
