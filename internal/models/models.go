package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered market participant. Address is the
// account identity used by the ledger; Role mirrors the engine's
// permission level for query purposes.
type User struct {
	ID           int
	Username     string
	PasswordHash string
	Address      string
	Role         string
	CreatedAt    time.Time
}

// EnergyRequest is a consumer-initiated proposal to buy energy from a
// producer at a stated price.
type EnergyRequest struct {
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// EnergyOffer is a producer-initiated proposal to sell energy to a
// consumer at a stated price.
type EnergyOffer struct {
	Amount decimal.Decimal
	Price  decimal.Decimal
}

// OpenRequest is a live book entry in the consumer->producer direction.
type OpenRequest struct {
	Consumer string          `json:"consumer"`
	Producer string          `json:"producer"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Approved bool            `json:"approved"`
}

// OpenOffer is a live book entry in the producer->consumer direction.
type OpenOffer struct {
	Producer string          `json:"producer"`
	Consumer string          `json:"consumer"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
	Approved bool            `json:"approved"`
}

// Settlement records an executed energy trade.
type Settlement struct {
	ID           string          `json:"id"`
	Seller       string          `json:"seller"`
	Buyer        string          `json:"buyer"`
	Quantity     decimal.Decimal `json:"quantity"`
	RequestPrice decimal.Decimal `json:"request_price"`
	OfferPrice   decimal.Decimal `json:"offer_price"`
	ExecutedAt   time.Time       `json:"executed_at"`
}

// Transfer records an outbound value transfer triggered by a withdrawal.
type Transfer struct {
	ID        int             `json:"id"`
	Address   string          `json:"address"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}
