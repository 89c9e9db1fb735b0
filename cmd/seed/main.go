package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/Alexchained/bitcoinexchange/internal/config"
	"github.com/Alexchained/bitcoinexchange/internal/db"
	"github.com/Alexchained/bitcoinexchange/internal/models"

	"github.com/shopspring/decimal"
)

// bcrypt hash of "password"
const demoPasswordHash = "$2a$10$XLhV7TU4dIvHO1d9UKgoT.Kt1XCYIbLV4LkQqmXGtN6VBnsmgS.G."

// Seed the database with demo users, wallets, trade history and a couple of
// resting orders. Frozen balances are written to match the open orders so
// the ledger invariants hold from the first startup.
func main() {
	ctx := context.Background()
	cfg := config.Load()

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// First check if we already have transactions
	txns, err := database.GetAllTransactions(ctx)
	if err != nil {
		log.Fatalf("Failed to check transactions: %v", err)
	}
	if len(txns) > 0 {
		fmt.Printf("Database already has %d transactions. No need to seed.\n", len(txns))
		os.Exit(0)
	}

	startDollar := decimal.RequireFromString("10000")
	startBitcoin := decimal.RequireFromString("3.68772205715385")

	_, w1, err := database.CreateUserWithWallet(ctx, "trader1", demoPasswordHash, startDollar, startBitcoin)
	if err != nil {
		log.Fatalf("Failed to create trader1: %v", err)
	}
	_, w2, err := database.CreateUserWithWallet(ctx, "trader2", demoPasswordHash, startDollar, startBitcoin)
	if err != nil {
		log.Fatalf("Failed to create trader2: %v", err)
	}

	// Historical filled orders for trader1 (buys) and trader2 (sells)
	fills := []struct {
		price, quantity string
		daysAgo         int
	}{
		{"30000", "0.1", 3},
		{"31000", "0.2", 2},
		{"32000", "0.15", 1},
	}

	for _, f := range fills {
		var buyID, sellID int
		err = database.Pool.QueryRow(ctx,
			"INSERT INTO orders (user_id, side, price, quantity, status, created_at) VALUES ($1, 'buy', $2, 0, 'filled', NOW() - $3 * INTERVAL '1 day') RETURNING id",
			w1.UserID, f.price, f.daysAgo).Scan(&buyID)
		if err != nil {
			log.Fatalf("Failed to create buy order: %v", err)
		}

		err = database.Pool.QueryRow(ctx,
			"INSERT INTO orders (user_id, side, price, quantity, status, created_at) VALUES ($1, 'sell', $2, 0, 'filled', NOW() - $3 * INTERVAL '1 day') RETURNING id",
			w2.UserID, f.price, f.daysAgo).Scan(&sellID)
		if err != nil {
			log.Fatalf("Failed to create sell order: %v", err)
		}

		_, err = database.Pool.Exec(ctx,
			"INSERT INTO transactions (buy_order_id, sell_order_id, price, quantity, executed_at) VALUES ($1, $2, $3, $4, NOW() - $5 * INTERVAL '1 day')",
			buyID, sellID, f.price, f.quantity, f.daysAgo)
		if err != nil {
			log.Fatalf("Failed to create transaction: %v", err)
		}
	}

	// A resting buy for trader1: 0.1 BTC @ 30000 freezes 3000 dollars
	restingBuyCost := decimal.RequireFromString("3000")
	_, err = database.CreateOrder(ctx, &models.Order{
		UserID:   w1.UserID,
		Side:     models.SideBuy,
		Price:    decimal.RequireFromString("30000"),
		Quantity: decimal.RequireFromString("0.1"),
		Status:   models.StatusOpen,
	})
	if err != nil {
		log.Fatalf("Failed to create resting buy: %v", err)
	}
	w1.AvailableDollar = w1.AvailableDollar.Sub(restingBuyCost)
	w1.FrozenDollar = w1.FrozenDollar.Add(restingBuyCost)
	if err := database.SaveWallet(ctx, w1); err != nil {
		log.Fatalf("Failed to save trader1 wallet: %v", err)
	}

	// A resting sell for trader2: 0.5 BTC frozen
	restingSellQty := decimal.RequireFromString("0.5")
	_, err = database.CreateOrder(ctx, &models.Order{
		UserID:   w2.UserID,
		Side:     models.SideSell,
		Price:    decimal.RequireFromString("35000"),
		Quantity: restingSellQty,
		Status:   models.StatusOpen,
	})
	if err != nil {
		log.Fatalf("Failed to create resting sell: %v", err)
	}
	w2.AvailableBitcoin = w2.AvailableBitcoin.Sub(restingSellQty)
	w2.FrozenBitcoin = w2.FrozenBitcoin.Add(restingSellQty)
	if err := database.SaveWallet(ctx, w2); err != nil {
		log.Fatalf("Failed to save trader2 wallet: %v", err)
	}

	fmt.Println("Successfully seeded the database!")
}
