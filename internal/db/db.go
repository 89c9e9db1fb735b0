package db

import (
	"context"
	"fmt"

	"github.com/Alexchained/bitcoinexchange/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUserWithWallet inserts a user and provisions their wallet in one
// transaction. The bitcoin starting credit is recorded as the wallet's net
// balance baseline for profit reporting.
func (db *DB) CreateUserWithWallet(ctx context.Context, username, passwordHash string, startDollar, startBitcoin decimal.Decimal) (*models.User, *models.Wallet, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	user := &models.User{}
	err = tx.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	wallet := &models.Wallet{}
	err = tx.QueryRow(ctx,
		`INSERT INTO wallets (user_id, available_dollar, available_bitcoin, bitcoin_net_balance)
		 VALUES ($1, $2, $3, $3)
		 RETURNING id, user_id, available_dollar, frozen_dollar, available_bitcoin, frozen_bitcoin, bitcoin_net_balance`,
		user.ID, startDollar, startBitcoin).Scan(
		&wallet.ID, &wallet.UserID, &wallet.AvailableDollar, &wallet.FrozenDollar,
		&wallet.AvailableBitcoin, &wallet.FrozenBitcoin, &wallet.BitcoinNetBalance)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to provision wallet: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return user, wallet, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateOrder inserts a new order
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	// Validate order
	if order.Side != models.SideBuy && order.Side != models.SideSell {
		return nil, fmt.Errorf("side must be 'buy' or 'sell'")
	}
	if order.Price.Sign() <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	if order.Quantity.Sign() <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}

	newOrder := &models.Order{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO orders (user_id, side, price, quantity, status) VALUES ($1, $2, $3, $4, $5) RETURNING id, user_id, side, price, quantity, status, created_at",
		order.UserID, order.Side, order.Price, order.Quantity, order.Status).Scan(
		&newOrder.ID, &newOrder.UserID, &newOrder.Side, &newOrder.Price, &newOrder.Quantity, &newOrder.Status, &newOrder.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return newOrder, nil
}

// GetOrder retrieves a single order by ID
func (db *DB) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	order := &models.Order{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, user_id, side, price, quantity, status, created_at FROM orders WHERE id = $1",
		orderID).Scan(&order.ID, &order.UserID, &order.Side, &order.Price, &order.Quantity, &order.Status, &order.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// UpdateOrder updates an order's remaining quantity and status
func (db *DB) UpdateOrder(ctx context.Context, orderID int, quantity decimal.Decimal, status string) error {
	_, err := db.Pool.Exec(ctx, "UPDATE orders SET quantity = $1, status = $2 WHERE id = $3", quantity, status, orderID)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

// GetUserOrders retrieves all orders for a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, side, price, quantity, status, created_at FROM orders WHERE user_id = $1 ORDER BY created_at DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// GetLatestOrders retrieves the most recent orders across all users
func (db *DB) GetLatestOrders(ctx context.Context, limit int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, user_id, side, price, quantity, status, created_at FROM orders ORDER BY created_at DESC LIMIT $1",
		limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest orders: %w", err)
	}
	defer rows.Close()

	return scanOrders(rows)
}

// OrderCounts returns the number of open and terminal orders for a user
func (db *DB) OrderCounts(ctx context.Context, userID int) (active, executed int, err error) {
	err = db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE status = 'open'),
		        COUNT(*) FILTER (WHERE status <> 'open')
		 FROM orders WHERE user_id = $1`,
		userID).Scan(&active, &executed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return active, executed, nil
}

// CreateTransaction appends an executed fill to the transaction log
func (db *DB) CreateTransaction(ctx context.Context, txn *models.Transaction) (*models.Transaction, error) {
	newTxn := &models.Transaction{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO transactions (buy_order_id, sell_order_id, price, quantity) VALUES ($1, $2, $3, $4) RETURNING id, buy_order_id, sell_order_id, price, quantity, executed_at",
		txn.BuyOrderID, txn.SellOrderID, txn.Price, txn.Quantity).Scan(
		&newTxn.ID, &newTxn.BuyOrderID, &newTxn.SellOrderID, &newTxn.Price, &newTxn.Quantity, &newTxn.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	return newTxn, nil
}

// GetUserTransactions retrieves all transactions involving a user's orders
func (db *DB) GetUserTransactions(ctx context.Context, userID int) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT DISTINCT t.id, t.buy_order_id, t.sell_order_id, t.price, t.quantity, t.executed_at "+
			"FROM transactions t JOIN orders o ON t.buy_order_id = o.id OR t.sell_order_id = o.id "+
			"WHERE o.user_id = $1 ORDER BY t.executed_at DESC, t.id DESC",
		userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// GetAllTransactions retrieves the full transaction log, newest first
func (db *DB) GetAllTransactions(ctx context.Context) ([]models.Transaction, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, buy_order_id, sell_order_id, price, quantity, executed_at FROM transactions ORDER BY executed_at DESC, id DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// SaveWallet persists a wallet's current balances
func (db *DB) SaveWallet(ctx context.Context, w *models.Wallet) error {
	_, err := db.Pool.Exec(ctx,
		`UPDATE wallets SET available_dollar = $1, frozen_dollar = $2, available_bitcoin = $3, frozen_bitcoin = $4
		 WHERE user_id = $5`,
		w.AvailableDollar, w.FrozenDollar, w.AvailableBitcoin, w.FrozenBitcoin, w.UserID)
	if err != nil {
		return fmt.Errorf("failed to save wallet: %w", err)
	}
	return nil
}

// GetWalletByUserID retrieves a user's wallet
func (db *DB) GetWalletByUserID(ctx context.Context, userID int) (*models.Wallet, error) {
	w := &models.Wallet{}
	err := db.Pool.QueryRow(ctx,
		`SELECT id, user_id, available_dollar, frozen_dollar, available_bitcoin, frozen_bitcoin, bitcoin_net_balance
		 FROM wallets WHERE user_id = $1`,
		userID).Scan(&w.ID, &w.UserID, &w.AvailableDollar, &w.FrozenDollar,
		&w.AvailableBitcoin, &w.FrozenBitcoin, &w.BitcoinNetBalance)
	if err != nil {
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return w, nil
}

// LoadWallets retrieves every wallet, used to rebuild the ledger at startup
func (db *DB) LoadWallets(ctx context.Context) ([]models.Wallet, error) {
	rows, err := db.Pool.Query(ctx,
		`SELECT id, user_id, available_dollar, frozen_dollar, available_bitcoin, frozen_bitcoin, bitcoin_net_balance
		 FROM wallets ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load wallets: %w", err)
	}
	defer rows.Close()

	var wallets []models.Wallet
	for rows.Next() {
		var w models.Wallet
		if err := rows.Scan(&w.ID, &w.UserID, &w.AvailableDollar, &w.FrozenDollar,
			&w.AvailableBitcoin, &w.FrozenBitcoin, &w.BitcoinNetBalance); err != nil {
			return nil, fmt.Errorf("failed to scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

// LoadOpenOrders retrieves all open orders, used to rebuild the book at startup
func (db *DB) LoadOpenOrders(ctx context.Context) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, side, price, quantity, status, created_at
		FROM orders
		WHERE status = 'open'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOrders(rows)
}

func scanOrders(rows pgx.Rows) ([]models.Order, error) {
	var orders []models.Order
	for rows.Next() {
		var order models.Order
		if err := rows.Scan(&order.ID, &order.UserID, &order.Side, &order.Price,
			&order.Quantity, &order.Status, &order.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func scanTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	var txns []models.Transaction
	for rows.Next() {
		var txn models.Transaction
		if err := rows.Scan(&txn.ID, &txn.BuyOrderID, &txn.SellOrderID, &txn.Price,
			&txn.Quantity, &txn.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}
