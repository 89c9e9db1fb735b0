package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/Alexchained/bitcoinexchange/internal/api"
	"github.com/Alexchained/bitcoinexchange/internal/auth"
	"github.com/Alexchained/bitcoinexchange/internal/config"
	"github.com/Alexchained/bitcoinexchange/internal/db"
	"github.com/Alexchained/bitcoinexchange/internal/engine"
	"github.com/Alexchained/bitcoinexchange/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

type WSClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

var (
	clients   = make(map[*WSClient]bool)
	clientsMu sync.RWMutex
)

func broadcastOrderBook(eng *engine.Engine, log *zap.Logger) {
	buyOrders, sellOrders := eng.Snapshot()
	orderBook := struct {
		BuyOrders  []models.Order `json:"buy_orders"`
		SellOrders []models.Order `json:"sell_orders"`
	}{
		BuyOrders:  buyOrders,
		SellOrders: sellOrders,
	}
	data, err := json.Marshal(orderBook)
	if err != nil {
		log.Error("failed to marshal order book", zap.Error(err))
		return
	}

	clientsMu.RLock()
	stale := []*WSClient{}
	for client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			stale = append(stale, client)
		}
	}
	clientsMu.RUnlock()

	if len(stale) > 0 {
		clientsMu.Lock()
		for _, client := range stale {
			delete(clients, client)
		}
		clientsMu.Unlock()
	}
}

func handleWebSocket(eng *engine.Engine, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		client := &WSClient{conn: conn}
		clientsMu.Lock()
		clients[client] = true
		clientsMu.Unlock()

		// Send initial order book
		broadcastOrderBook(eng, log)

		// Keep connection alive and handle disconnection
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				clientsMu.Lock()
				delete(clients, client)
				clientsMu.Unlock()
				break
			}
		}
	}
}

func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// Main entry point: sets up database, engine, and HTTP server
func main() {
	ctx := context.Background()

	log, err := newLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := config.Load()

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	// Initialize the matching engine and rebuild its state from storage
	eng := engine.NewEngine(database, log)
	if err := eng.Rebuild(ctx); err != nil {
		log.Fatal("failed to rebuild order book", zap.Error(err))
	}

	// Initialize auth service
	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.StartDollar, cfg.StartBitcoin)

	// Initialize API handlers
	handler := api.NewHandler(database, eng, authService, log)

	// Set up HTTP router
	r := chi.NewRouter()

	// Enable CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// WebSocket endpoint
	r.Get("/ws", handleWebSocket(eng, log))

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Get("/orders/latest", handler.GetLatestOrders)
	r.Get("/orderbook", handler.GetOrderBook)

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/orders", handler.PlaceOrder)
		r.Get("/orders", handler.GetUserOrders)
		r.Delete("/orders/{id}", handler.CancelOrder)
		r.Get("/trades", handler.GetUserTransactions)
		r.Get("/wallet", handler.GetWallet)
	})

	// Start periodic order book broadcast
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			broadcastOrderBook(eng, log)
		}
	}()

	// Start server
	log.Info("starting server", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
}
