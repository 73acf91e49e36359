package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"gridmarket/internal/auth"
	"gridmarket/internal/db"
	"gridmarket/internal/market"
	"gridmarket/internal/metrics"
	"gridmarket/internal/models"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Market      *market.Market
	AuthService *auth.AuthService
	Logger      *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, m *market.Market, authService *auth.AuthService, logger *zap.Logger) *Handler {
	return &Handler{DB: db, Market: m, AuthService: authService, Logger: logger}
}

// Register handles user registration
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

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
		"address":  user.Address,
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

// JWTAuthMiddleware verifies JWT tokens and resolves the caller address
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

		address, err := h.AuthService.GetAddressFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		// Add caller address to context
		ctx := context.WithValue(r.Context(), "address", address)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// callerAddress extracts the authenticated caller from the context
func callerAddress(r *http.Request) (string, bool) {
	address, ok := r.Context().Value("address").(string)
	return address, ok
}

// writeLedgerError maps engine errors to HTTP status codes
func (h *Handler) writeLedgerError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errors.Is(err, market.ErrUnauthorized):
		status, kind = http.StatusForbidden, "unauthorized"
	case errors.Is(err, market.ErrInvalidAmount):
		status, kind = http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, market.ErrInsufficientFunds):
		status, kind = http.StatusConflict, "insufficient_funds"
	case errors.Is(err, market.ErrInsufficientEnergy):
		status, kind = http.StatusConflict, "insufficient_energy"
	case errors.Is(err, market.ErrRequestMismatch):
		status, kind = http.StatusConflict, "request_mismatch"
	case errors.Is(err, market.ErrUnapproved):
		status, kind = http.StatusConflict, "unapproved"
	}
	metrics.IncRejected(kind)
	http.Error(w, `{"error": "`+err.Error()+`"}`, status)
}

// parseAmount decodes a positive decimal amount from its wire string.
// Zero and negative values are rejected at the edge; the engine guards
// its own domain too.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, errors.New("amount required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.Sign() <= 0 {
		return decimal.Zero, errors.New("amount must be positive")
	}
	return d, nil
}

// snapshotBalances mirrors an account's live balances into the
// database. Non-fatal: the engine is authoritative.
func (h *Handler) snapshotBalances(ctx context.Context, address string) {
	deposit := h.Market.DepositBalance(address)
	energy := h.Market.EnergyBalance(address)
	if err := h.DB.SaveBalances(ctx, address, deposit, energy); err != nil {
		h.Logger.Warn("failed to snapshot balances",
			zap.String("address", address), zap.Error(err))
	}
}

// UpdatePermission sets an account's role (administrator only)
func (h *Handler) UpdatePermission(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Address string `json:"address"`
		Role    string `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	role, err := market.ParseRole(req.Role)
	if err != nil {
		http.Error(w, `{"error": "Unknown role"}`, http.StatusBadRequest)
		return
	}

	if err := h.Market.UpdatePermission(caller, req.Address, role); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	// Mirror the role onto the user row for query surfaces.
	if err := h.DB.UpdateUserRole(r.Context(), req.Address, role.String()); err != nil {
		h.Logger.Warn("failed to mirror role", zap.String("address", req.Address), zap.Error(err))
	}

	json.NewEncoder(w).Encode(map[string]string{
		"address": req.Address,
		"role":    role.String(),
	})
}

// GetPermission returns an account's role
func (h *Handler) GetPermission(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	json.NewEncoder(w).Encode(map[string]string{
		"address": address,
		"role":    h.Market.Permission(address).String(),
	})
}

// Deposit credits the caller's deposit balance
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}

	if err := h.Market.Deposit(caller, amount); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	metrics.IncDeposit()
	h.snapshotBalances(r.Context(), caller)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"address": caller,
		"balance": h.Market.DepositBalance(caller),
	})
}

// Withdraw debits the caller's deposit balance and records the
// outbound value transfer
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}

	if err := h.Market.Withdraw(r.Context(), caller, amount); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	metrics.IncWithdrawal()
	h.snapshotBalances(r.Context(), caller)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"address": caller,
		"balance": h.Market.DepositBalance(caller),
	})
}

// AddEnergy credits the caller's energy balance (producing roles only)
func (h *Handler) AddEnergy(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}

	if err := h.Market.AddEnergy(caller, amount); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	h.snapshotBalances(r.Context(), caller)

	json.NewEncoder(w).Encode(map[string]interface{}{
		"address": caller,
		"balance": h.Market.EnergyBalance(caller),
	})
}

// GetEnergy returns an account's energy balance
func (h *Handler) GetEnergy(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"address": address,
		"balance": h.Market.EnergyBalance(address),
	})
}

// RequestEnergy records a consumer's energy request
func (h *Handler) RequestEnergy(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Producer string `json:"producer"`
		Amount   string `json:"amount"`
		Price    string `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		http.Error(w, `{"error": "Invalid price"}`, http.StatusBadRequest)
		return
	}

	if err := h.Market.RequestEnergy(caller, req.Producer, amount, price); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	h.updateBookGauge()

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"message": "Request recorded"})
}

// ApproveRequest approves a pending energy request (producer side)
func (h *Handler) ApproveRequest(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Consumer string `json:"consumer"`
		Amount   string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}

	if err := h.Market.ApproveEnergyRequest(caller, req.Consumer, amount); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"message": "Request approved"})
}

// OfferEnergy records a producer's energy offer
func (h *Handler) OfferEnergy(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Consumer string `json:"consumer"`
		Amount   string `json:"amount"`
		Price    string `json:"price"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		http.Error(w, `{"error": "Invalid price"}`, http.StatusBadRequest)
		return
	}

	if err := h.Market.OfferEnergy(caller, req.Consumer, amount, price); err != nil {
		h.writeLedgerError(w, err)
		return
	}
	h.updateBookGauge()

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"message": "Offer recorded"})
}

// ApproveSupply approves a pending energy offer (consumer side)
func (h *Handler) ApproveSupply(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Producer string `json:"producer"`
		Amount   string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}

	if err := h.Market.ApproveEnergySupply(caller, req.Producer, amount); err != nil {
		h.writeLedgerError(w, err)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"message": "Offer approved"})
}

// ExecuteSettlement settles a mutually approved request/offer pair
func (h *Handler) ExecuteSettlement(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	var req struct {
		Seller string `json:"seller"`
		Buyer  string `json:"buyer"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		http.Error(w, `{"error": "Invalid amount"}`, http.StatusBadRequest)
		return
	}

	settlement, err := h.Market.Execute(caller, req.Seller, req.Buyer, amount)
	if err != nil {
		h.writeLedgerError(w, err)
		return
	}
	metrics.IncSettlement()
	h.updateBookGauge()

	sellerEnergy := h.Market.EnergyBalance(settlement.Seller)
	buyerEnergy := h.Market.EnergyBalance(settlement.Buyer)
	saved, err := h.DB.RecordSettlement(r.Context(), settlement, sellerEnergy, buyerEnergy)
	if err != nil {
		// The trade is applied in the engine either way; the record is
		// an audit artifact.
		h.Logger.Error("failed to record settlement",
			zap.String("settlement_id", settlement.ID), zap.Error(err))
		saved = settlement
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(saved)
}

// GetSettlements retrieves the caller's settlement history
func (h *Handler) GetSettlements(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerAddress(r)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	settlements, err := h.DB.GetAccountSettlements(r.Context(), caller)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve settlements"}`, http.StatusInternalServerError)
		return
	}
	if settlements == nil {
		settlements = []models.Settlement{}
	}

	json.NewEncoder(w).Encode(settlements)
}

// GetBook retrieves the open request/offer book
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	requests, offers := h.Market.Book()
	json.NewEncoder(w).Encode(map[string]interface{}{
		"requests": requests,
		"offers":   offers,
	})
}

func (h *Handler) updateBookGauge() {
	requests, offers := h.Market.Book()
	metrics.SetOpenBook(len(requests), len(offers))
}
