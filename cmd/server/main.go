package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"sync"
	"time"

	"gridmarket/internal/api"
	"gridmarket/internal/auth"
	"gridmarket/internal/config"
	"gridmarket/internal/db"
	"gridmarket/internal/market"
	"gridmarket/internal/metrics"
	"gridmarket/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
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

func broadcastBook(m *market.Market, logger *zap.Logger) {
	requests, offers := m.Book()
	book := struct {
		Requests []models.OpenRequest `json:"requests"`
		Offers   []models.OpenOffer   `json:"offers"`
	}{
		Requests: requests,
		Offers:   offers,
	}
	data, err := json.Marshal(book)
	if err != nil {
		logger.Error("failed to marshal book", zap.Error(err))
		return
	}
	metrics.SetOpenBook(len(requests), len(offers))

	clientsMu.RLock()
	var stale []*WSClient
	for client := range clients {
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			logger.Warn("failed to send book update", zap.Error(err))
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

func handleWebSocket(m *market.Market, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("failed to upgrade connection", zap.Error(err))
			return
		}

		client := &WSClient{conn: conn}
		clientsMu.Lock()
		clients[client] = true
		clientsMu.Unlock()

		// Send initial book
		broadcastBook(m, logger)

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

// ensureAdmin bootstraps the administrator account and returns its
// ledger address.
func ensureAdmin(ctx context.Context, authService *auth.AuthService, database *db.DB, cfg config.AdminConfig) (string, error) {
	user, err := database.GetUserByUsername(ctx, cfg.Username)
	if err == nil {
		return user.Address, nil
	}
	user, err = authService.Register(ctx, cfg.Username, cfg.Password)
	if err != nil {
		return "", err
	}
	return user.Address, nil
}

// Main entry point: sets up database, ledger engine, and HTTP server
func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// .env is optional; real environments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("GRIDMARKET_CONFIG"))
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer database.Close(ctx)

	// Initialize auth service
	authService := auth.NewAuthService(database, []byte(cfg.JWTSecret))

	// Bootstrap the immutable administrator identity
	adminAddress, err := ensureAdmin(ctx, authService, database, cfg.Admin)
	if err != nil {
		logger.Fatal("failed to bootstrap admin account", zap.Error(err))
	}

	// Initialize the ledger engine; the database records the outbound
	// payout leg of withdrawals
	m := market.New(adminAddress, database)

	metrics.Init()

	// Initialize API handlers
	handler := api.NewHandler(database, m, authService, logger)

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
	r.Get("/ws", handleWebSocket(m, logger))

	// Public endpoints
	r.Post("/auth/register", handler.Register)
	r.Post("/auth/login", handler.Login)
	r.Handle("/metrics", promhttp.Handler())

	// Protected endpoints (require JWT)
	r.Group(func(r chi.Router) {
		r.Use(handler.JWTAuthMiddleware)
		r.Post("/permissions", handler.UpdatePermission)
		r.Get("/permissions/{address}", handler.GetPermission)
		r.Post("/deposits", handler.Deposit)
		r.Post("/withdrawals", handler.Withdraw)
		r.Post("/energy", handler.AddEnergy)
		r.Get("/energy/{address}", handler.GetEnergy)
		r.Post("/requests", handler.RequestEnergy)
		r.Post("/requests/approve", handler.ApproveRequest)
		r.Post("/offers", handler.OfferEnergy)
		r.Post("/offers/approve", handler.ApproveSupply)
		r.Post("/settlements", handler.ExecuteSettlement)
		r.Get("/settlements", handler.GetSettlements)
		r.Get("/book", handler.GetBook)
	})

	// Start periodic book broadcast
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		for range ticker.C {
			broadcastBook(m, logger)
		}
	}()

	// Start server
	logger.Info("starting server", zap.String("addr", cfg.ListenAddr), zap.String("admin", adminAddress))
	if err := http.ListenAndServe(cfg.ListenAddr, r); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
