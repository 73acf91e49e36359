package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"gridmarket/internal/auth"
	"gridmarket/internal/config"
	"gridmarket/internal/db"
	"gridmarket/internal/market"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// units converts whole units to the 10^18 ledger scale.
func units(n int64) decimal.Decimal {
	return decimal.New(n, 18)
}

// Seed the database with a reference trading session: an admin, one
// account per role, and one settled trade between consumer and producer.
func main() {
	ctx := context.Background()

	_ = godotenv.Load()
	cfg, err := config.Load(os.Getenv("GRIDMARKET_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	// First check if we already have settlements
	settlements, err := database.GetAllSettlements(ctx)
	if err != nil {
		log.Fatalf("Failed to check settlements: %v", err)
	}
	if len(settlements) > 0 {
		fmt.Printf("Database already has %d settlements. No need to seed.\n", len(settlements))
		os.Exit(0)
	}

	authService := auth.NewAuthService(database, []byte(cfg.JWTSecret))

	ensureUser := func(username, password string) string {
		user, err := database.GetUserByUsername(ctx, username)
		if err == nil {
			return user.Address
		}
		user, err = authService.Register(ctx, username, password)
		if err != nil {
			log.Fatalf("Failed to create user %s: %v", username, err)
		}
		return user.Address
	}

	admin := ensureUser(cfg.Admin.Username, cfg.Admin.Password)
	consumer := ensureUser("consumer1", "consumer1pass")
	producer := ensureUser("producer1", "producer1pass")
	prosumer := ensureUser("prosumer1", "prosumer1pass")

	m := market.New(admin, database)

	grants := map[string]market.Role{
		consumer: market.RoleConsumer,
		producer: market.RoleProducer,
		prosumer: market.RoleProsumer,
	}
	for address, role := range grants {
		if err := m.UpdatePermission(admin, address, role); err != nil {
			log.Fatalf("Failed to grant role: %v", err)
		}
		if err := database.UpdateUserRole(ctx, address, role.String()); err != nil {
			log.Fatalf("Failed to mirror role: %v", err)
		}
	}

	// Replay the reference session: deposit, generation credits, a
	// cross-approved request/offer pair, and one settlement.
	if err := m.Deposit(consumer, units(5)); err != nil {
		log.Fatalf("Failed to deposit: %v", err)
	}
	if err := m.AddEnergy(producer, units(12)); err != nil {
		log.Fatalf("Failed to add producer energy: %v", err)
	}
	if err := m.AddEnergy(prosumer, units(5)); err != nil {
		log.Fatalf("Failed to add prosumer energy: %v", err)
	}

	if err := m.RequestEnergy(consumer, producer, decimal.NewFromInt(10), units(1)); err != nil {
		log.Fatalf("Failed to request energy: %v", err)
	}
	if err := m.ApproveEnergyRequest(producer, consumer, decimal.NewFromInt(10)); err != nil {
		log.Fatalf("Failed to approve request: %v", err)
	}
	if err := m.OfferEnergy(producer, consumer, decimal.NewFromInt(5), units(2)); err != nil {
		log.Fatalf("Failed to offer energy: %v", err)
	}
	if err := m.ApproveEnergySupply(consumer, producer, decimal.NewFromInt(5)); err != nil {
		log.Fatalf("Failed to approve offer: %v", err)
	}

	settlement, err := m.Execute(consumer, producer, consumer, decimal.NewFromInt(3))
	if err != nil {
		log.Fatalf("Failed to execute settlement: %v", err)
	}
	if _, err := database.RecordSettlement(ctx, settlement,
		m.EnergyBalance(producer), m.EnergyBalance(consumer)); err != nil {
		log.Fatalf("Failed to record settlement: %v", err)
	}

	for _, address := range []string{consumer, producer, prosumer} {
		if err := database.SaveBalances(ctx, address, m.DepositBalance(address), m.EnergyBalance(address)); err != nil {
			log.Fatalf("Failed to save balances: %v", err)
		}
	}

	fmt.Printf("Successfully seeded the database: settlement %s moved %s energy from %s to %s\n",
		settlement.ID, settlement.Quantity, settlement.Seller, settlement.Buyer)
}
