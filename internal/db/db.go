package db

import (
	"context"
	"fmt"

	"gridmarket/internal/models"

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

// CreateUser inserts a new user with its ledger address
func (db *DB) CreateUser(ctx context.Context, username, passwordHash, address string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash, address) VALUES ($1, $2, $3) RETURNING id, username, password_hash, address, role, created_at",
		username, passwordHash, address).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Address, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, address, role, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Address, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// GetUserByAddress retrieves a user by its ledger address
func (db *DB) GetUserByAddress(ctx context.Context, address string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, address, role, created_at FROM users WHERE address = $1",
		address).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.Address, &user.Role, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// UpdateUserRole mirrors a permission change onto the user row. Accounts
// without a user row are ignored; the engine is authoritative for roles.
func (db *DB) UpdateUserRole(ctx context.Context, address, role string) error {
	_, err := db.Pool.Exec(ctx, "UPDATE users SET role = $1 WHERE address = $2", role, address)
	if err != nil {
		return fmt.Errorf("failed to update user role: %w", err)
	}
	return nil
}

// SaveBalances snapshots an account's deposit and energy balances
func (db *DB) SaveBalances(ctx context.Context, address string, deposit, energy decimal.Decimal) error {
	_, err := db.Pool.Exec(ctx,
		"UPDATE users SET deposit_balance = $1, energy_balance = $2 WHERE address = $3",
		deposit, energy, address)
	if err != nil {
		return fmt.Errorf("failed to save balances: %w", err)
	}
	return nil
}

// RecordSettlement persists an executed trade and snapshots both
// parties' post-trade energy balances in one transaction. Rows are
// locked in address order so two settlements touching the same accounts
// cannot deadlock.
func (db *DB) RecordSettlement(ctx context.Context, s *models.Settlement, sellerEnergy, buyerEnergy decimal.Decimal) (*models.Settlement, error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	first, second := s.Seller, s.Buyer
	if second < first {
		first, second = second, first
	}
	for _, address := range []string{first, second} {
		var id int
		err := tx.QueryRow(ctx, "SELECT id FROM users WHERE address = $1 FOR UPDATE", address).Scan(&id)
		if err != nil && err != pgx.ErrNoRows {
			return nil, fmt.Errorf("failed to lock account row: %w", err)
		}
	}

	saved := &models.Settlement{}
	err = tx.QueryRow(ctx,
		"INSERT INTO settlements (id, seller, buyer, quantity, request_price, offer_price, executed_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id, seller, buyer, quantity, request_price, offer_price, executed_at",
		s.ID, s.Seller, s.Buyer, s.Quantity, s.RequestPrice, s.OfferPrice, s.ExecutedAt).Scan(
		&saved.ID, &saved.Seller, &saved.Buyer, &saved.Quantity, &saved.RequestPrice, &saved.OfferPrice, &saved.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record settlement: %w", err)
	}

	if _, err := tx.Exec(ctx, "UPDATE users SET energy_balance = $1 WHERE address = $2", sellerEnergy, s.Seller); err != nil {
		return nil, fmt.Errorf("failed to snapshot seller balance: %w", err)
	}
	if _, err := tx.Exec(ctx, "UPDATE users SET energy_balance = $1 WHERE address = $2", buyerEnergy, s.Buyer); err != nil {
		return nil, fmt.Errorf("failed to snapshot buyer balance: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return saved, nil
}

// GetAccountSettlements retrieves all settlements an account took part in
func (db *DB) GetAccountSettlements(ctx context.Context, address string) ([]models.Settlement, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, seller, buyer, quantity, request_price, offer_price, executed_at FROM settlements WHERE seller = $1 OR buyer = $1 ORDER BY executed_at ASC",
		address)
	if err != nil {
		return nil, fmt.Errorf("failed to get settlements: %w", err)
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		var s models.Settlement
		if err := rows.Scan(&s.ID, &s.Seller, &s.Buyer, &s.Quantity, &s.RequestPrice, &s.OfferPrice, &s.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}
	return settlements, rows.Err()
}

// GetAllSettlements retrieves every recorded settlement
func (db *DB) GetAllSettlements(ctx context.Context) ([]models.Settlement, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, seller, buyer, quantity, request_price, offer_price, executed_at FROM settlements ORDER BY executed_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to get settlements: %w", err)
	}
	defer rows.Close()

	var settlements []models.Settlement
	for rows.Next() {
		var s models.Settlement
		if err := rows.Scan(&s.ID, &s.Seller, &s.Buyer, &s.Quantity, &s.RequestPrice, &s.OfferPrice, &s.ExecutedAt); err != nil {
			return nil, fmt.Errorf("failed to scan settlement: %w", err)
		}
		settlements = append(settlements, s)
	}
	return settlements, rows.Err()
}

// RecordTransfer persists an outbound value transfer
func (db *DB) RecordTransfer(ctx context.Context, address string, amount decimal.Decimal) (*models.Transfer, error) {
	transfer := &models.Transfer{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO transfers (address, amount) VALUES ($1, $2) RETURNING id, address, amount, created_at",
		address, amount).Scan(&transfer.ID, &transfer.Address, &transfer.Amount, &transfer.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to record transfer: %w", err)
	}
	return transfer, nil
}

// GetAccountTransfers retrieves an account's outbound transfers
func (db *DB) GetAccountTransfers(ctx context.Context, address string) ([]models.Transfer, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT id, address, amount, created_at FROM transfers WHERE address = $1 ORDER BY created_at ASC",
		address)
	if err != nil {
		return nil, fmt.Errorf("failed to get transfers: %w", err)
	}
	defer rows.Close()

	var transfers []models.Transfer
	for rows.Next() {
		var t models.Transfer
		if err := rows.Scan(&t.ID, &t.Address, &t.Amount, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}
		transfers = append(transfers, t)
	}
	return transfers, rows.Err()
}

// Transfer implements the ledger's outbound payout leg by recording the
// value movement. It satisfies market.Transferer.
func (db *DB) Transfer(ctx context.Context, address string, amount decimal.Decimal) error {
	_, err := db.RecordTransfer(ctx, address, amount)
	return err
}
