package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/Alexchained/bitcoinexchange/internal/auth"
	"github.com/Alexchained/bitcoinexchange/internal/db"
	"github.com/Alexchained/bitcoinexchange/internal/engine"
	"github.com/Alexchained/bitcoinexchange/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type contextKey string

const userIDKey contextKey = "user_id"

const latestOrdersLimit = 20

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Engine      *engine.Engine
	AuthService *auth.AuthService
	Log         *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, eng *engine.Engine, authService *auth.AuthService, log *zap.Logger) *Handler {
	return &Handler{DB: db, Engine: eng, AuthService: authService, Log: log}
}

// Register handles user registration and wallet provisioning
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, wallet, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	// The new wallet enters the ledger immediately so the user can trade
	// without a restart.
	h.Engine.TrackWallet(*wallet)

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userIDKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// PlaceOrder handles order submission and matching. Prices and quantities
// travel as decimal strings; binary floats never touch settlement math.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(userIDKey).(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Side     string          `json:"side"`
		Price    decimal.Decimal `json:"price"`
		Quantity decimal.Decimal `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	// Validate input
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		http.Error(w, `{"error": "Side must be 'buy' or 'sell'"}`, http.StatusBadRequest)
		return
	}
	if req.Price.Sign() <= 0 || req.Quantity.Sign() <= 0 {
		http.Error(w, `{"error": "Price and quantity must be positive"}`, http.StatusBadRequest)
		return
	}

	order, transactions, err := h.Engine.SubmitOrder(r.Context(), userID, req.Side, req.Price, req.Quantity)
	if err != nil {
		switch {
		case errors.Is(err, engine.ErrInsufficientBalance):
			http.Error(w, `{"error": "Insufficient balance"}`, http.StatusBadRequest)
		case errors.Is(err, engine.ErrHalted), errors.Is(err, engine.ErrInvariantViolation):
			h.Log.Error("order submission failed", zap.Int("user_id", userID), zap.Error(err))
			http.Error(w, `{"error": "Exchange unavailable"}`, http.StatusServiceUnavailable)
		default:
			http.Error(w, `{"error": "Failed to place order"}`, http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"order_id":     order.ID,
		"status":       order.Status,
		"remaining":    order.Quantity,
		"transactions": transactions,
	})
}

// CancelOrder cancels an open order
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(userIDKey).(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	// Get order ID from URL
	orderIDStr := chi.URLParam(r, "id")
	orderID, err := strconv.Atoi(orderIDStr)
	if err != nil {
		http.Error(w, `{"error": "Invalid order ID"}`, http.StatusBadRequest)
		return
	}

	err = h.Engine.CancelOrder(r.Context(), orderID, userID)
	switch {
	case err == nil:
	case errors.Is(err, engine.ErrOrderNotFound):
		http.Error(w, `{"error": "Order not found"}`, http.StatusNotFound)
		return
	case errors.Is(err, engine.ErrInvalidOrderState):
		http.Error(w, `{"error": "Order not open"}`, http.StatusConflict)
		return
	default:
		h.Log.Error("cancel failed", zap.Int("order_id", orderID), zap.Error(err))
		http.Error(w, `{"error": "Failed to cancel order"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "Order canceled"})
}

// GetUserOrders retrieves a user's orders
func (h *Handler) GetUserOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(userIDKey).(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	orders, err := h.DB.GetUserOrders(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve orders"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(orders)
}

// GetLatestOrders retrieves the most recent orders across all users
func (h *Handler) GetLatestOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.DB.GetLatestOrders(r.Context(), latestOrdersLimit)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve orders"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(orders)
}

// GetOrderBook retrieves the current order book
func (h *Handler) GetOrderBook(w http.ResponseWriter, r *http.Request) {
	buyOrders, sellOrders := h.Engine.Snapshot()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"buy_orders":  buyOrders,
		"sell_orders": sellOrders,
	})
}

// GetUserTransactions retrieves a user's executed transactions
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(userIDKey).(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	txns, err := h.DB.GetUserTransactions(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve transactions"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(txns)
}

// GetWallet returns the caller's wallet summary: balances, order counts and
// profit percentage against the bitcoin credited at provisioning.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value(userIDKey).(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	wallet, err := h.Engine.Wallet(userID)
	if err != nil {
		http.Error(w, `{"error": "Wallet not found"}`, http.StatusNotFound)
		return
	}

	active, executed, err := h.DB.OrderCounts(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve order counts"}`, http.StatusInternalServerError)
		return
	}

	totalBitcoin := wallet.AvailableBitcoin.Add(wallet.FrozenBitcoin)
	profitPercent := decimal.Zero
	if wallet.BitcoinNetBalance.Sign() > 0 {
		profitPercent = totalBitcoin.Sub(wallet.BitcoinNetBalance).
			Div(wallet.BitcoinNetBalance).
			Mul(decimal.NewFromInt(100)).
			Round(2)
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"dollar_balance":         wallet.AvailableDollar.Add(wallet.FrozenDollar),
		"bitcoin_balance":        totalBitcoin,
		"available_dollar":       wallet.AvailableDollar,
		"frozen_dollar":          wallet.FrozenDollar,
		"available_bitcoin":      wallet.AvailableBitcoin,
		"frozen_bitcoin":         wallet.FrozenBitcoin,
		"active_orders":          active,
		"executed_orders":        executed,
		"bitcoin_profit_percent": profitPercent,
	})
}
