package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gridmarket/internal/models"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sentinel errors returned by ledger operations. Every failure leaves
// the ledger state untouched.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrInsufficientEnergy = errors.New("insufficient energy")
	ErrRequestMismatch    = errors.New("request mismatch")
	ErrUnapproved         = errors.New("trade not approved by both parties")
)

// Role is the permission level of an account.
type Role int

const (
	RoleNone Role = iota
	RoleConsumer
	RoleProducer
	RoleProsumer
)

func (r Role) String() string {
	switch r {
	case RoleConsumer:
		return "consumer"
	case RoleProducer:
		return "producer"
	case RoleProsumer:
		return "prosumer"
	default:
		return "none"
	}
}

// ParseRole converts the wire representation of a role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(s) {
	case "none":
		return RoleNone, nil
	case "consumer":
		return RoleConsumer, nil
	case "producer":
		return RoleProducer, nil
	case "prosumer":
		return RoleProsumer, nil
	default:
		return RoleNone, fmt.Errorf("unknown role %q", s)
	}
}

// Transferer pushes a monetary value transfer out to an account. It is
// the external payout leg of a withdrawal and runs only after the
// ledger debit has been applied.
type Transferer interface {
	Transfer(ctx context.Context, address string, amount decimal.Decimal) error
}

// pairKey identifies a request or offer by (initiator, counterparty).
type pairKey struct {
	initiator    string
	counterparty string
}

// Market is the permissioned energy-trading ledger. All state is held
// in memory behind a single mutex: one mutating call runs to completion
// at a time, so every call observes a consistent snapshot and either
// fully applies or fully rejects.
type Market struct {
	mu sync.Mutex

	admin      string
	transferer Transferer

	roles    map[string]Role
	deposits map[string]decimal.Decimal
	energy   map[string]decimal.Decimal

	// Requests keyed by (consumer, producer), offers by (producer,
	// consumer), each with its own approval flag map.
	requests        map[pairKey]models.EnergyRequest
	requestApproved map[pairKey]bool
	offers          map[pairKey]models.EnergyOffer
	offerApproved   map[pairKey]bool
}

// New creates a ledger with a fixed administrator identity. The admin
// cannot be changed afterwards.
func New(admin string, t Transferer) *Market {
	return &Market{
		admin:           admin,
		transferer:      t,
		roles:           make(map[string]Role),
		deposits:        make(map[string]decimal.Decimal),
		energy:          make(map[string]decimal.Decimal),
		requests:        make(map[pairKey]models.EnergyRequest),
		requestApproved: make(map[pairKey]bool),
		offers:          make(map[pairKey]models.EnergyOffer),
		offerApproved:   make(map[pairKey]bool),
	}
}

// Admin returns the administrator address.
func (m *Market) Admin() string {
	return m.admin
}

// UpdatePermission sets an account's role. Admin only; any overwrite is
// permitted, including demotion.
func (m *Market) UpdatePermission(caller, account string, role Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != m.admin {
		return ErrUnauthorized
	}
	m.roles[account] = role
	return nil
}

// Permission returns the account's role, RoleNone for unknown accounts.
func (m *Market) Permission(account string) Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roles[account]
}

// Deposit credits the caller's deposit balance with the attached value.
// Restricted to consuming roles (consumer and prosumer).
func (m *Market) Deposit(caller string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	role := m.roles[caller]
	if role != RoleConsumer && role != RoleProsumer {
		return ErrUnauthorized
	}
	m.deposits[caller] = m.deposits[caller].Add(amount)
	return nil
}

// Withdraw debits the caller's deposit balance and pushes the value out
// through the transferer. Checks, then the debit, then the external
// transfer as the final effect; if the transfer fails the debit is
// restored so the call has no effect.
func (m *Market) Withdraw(ctx context.Context, caller string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	balance := m.deposits[caller]
	if balance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	m.deposits[caller] = balance.Sub(amount)

	if err := m.transferer.Transfer(ctx, caller, amount); err != nil {
		m.deposits[caller] = balance
		return fmt.Errorf("transfer out: %w", err)
	}
	return nil
}

// DepositBalance returns the account's deposited funds, zero by default.
func (m *Market) DepositBalance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deposits[account]
}

// AddEnergy credits the caller's energy balance with the attached
// value. Restricted to producing roles (producer and prosumer).
func (m *Market) AddEnergy(caller string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	role := m.roles[caller]
	if role != RoleProducer && role != RoleProsumer {
		return ErrUnauthorized
	}
	m.energy[caller] = m.energy[caller].Add(amount)
	return nil
}

// EnergyBalance returns the account's energy balance, zero by default.
func (m *Market) EnergyBalance(account string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.energy[account]
}

// RequestEnergy records a consumer's request to buy energy from a
// producer, replacing any prior unconsumed request for the pair and
// clearing its stale approval.
func (m *Market) RequestEnergy(caller, producer string, amount, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.Sign() <= 0 || price.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if m.roles[caller] != RoleConsumer {
		return ErrUnauthorized
	}
	key := pairKey{initiator: caller, counterparty: producer}
	m.requests[key] = models.EnergyRequest{Amount: amount, Price: price}
	delete(m.requestApproved, key)
	return nil
}

// ApproveEnergyRequest approves a pending request. The caller must be
// the producer the request names, and the supplied amount must match
// the stored one so a since-changed request cannot be approved stale.
func (m *Market) ApproveEnergyRequest(caller, consumer string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{initiator: consumer, counterparty: caller}
	req, ok := m.requests[key]
	if !ok || !req.Amount.Equal(amount) {
		return ErrRequestMismatch
	}
	m.requestApproved[key] = true
	return nil
}

// OfferEnergy records a producer's (or prosumer's) offer to sell energy
// to a consumer, replacing any prior unconsumed offer for the pair.
func (m *Market) OfferEnergy(caller, consumer string, amount, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if amount.Sign() <= 0 || price.Sign() <= 0 {
		return ErrInvalidAmount
	}
	role := m.roles[caller]
	if role != RoleProducer && role != RoleProsumer {
		return ErrUnauthorized
	}
	key := pairKey{initiator: caller, counterparty: consumer}
	m.offers[key] = models.EnergyOffer{Amount: amount, Price: price}
	delete(m.offerApproved, key)
	return nil
}

// ApproveEnergySupply approves a pending offer. The caller must be the
// consumer the offer names and the amount must match the stored one.
func (m *Market) ApproveEnergySupply(caller, producer string, amount decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey{initiator: producer, counterparty: caller}
	offer, ok := m.offers[key]
	if !ok || !offer.Amount.Equal(amount) {
		return ErrRequestMismatch
	}
	m.offerApproved[key] = true
	return nil
}

// Execute settles a mutually approved request/offer pair between seller
// and buyer. Callable only by one of the two parties. The settled
// quantity is (request amount - amount) * request price; it is debited
// from the seller's energy balance and credited to the buyer's, and the
// consumed request, offer and approvals are cleared. A new cycle is
// required for further trades between the same pair.
func (m *Market) Execute(caller, seller, buyer string, amount decimal.Decimal) (*models.Settlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if caller != seller && caller != buyer {
		return nil, ErrUnauthorized
	}
	if amount.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	reqKey := pairKey{initiator: buyer, counterparty: seller}
	offerKey := pairKey{initiator: seller, counterparty: buyer}
	req, ok := m.requests[reqKey]
	if !ok {
		return nil, ErrRequestMismatch
	}
	offer, ok := m.offers[offerKey]
	if !ok {
		return nil, ErrRequestMismatch
	}
	if !m.requestApproved[reqKey] || !m.offerApproved[offerKey] {
		return nil, ErrUnapproved
	}

	quantity := req.Amount.Sub(amount).Mul(req.Price)
	if quantity.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	sellerEnergy := m.energy[seller]
	if sellerEnergy.LessThan(quantity) {
		return nil, ErrInsufficientEnergy
	}

	m.energy[seller] = sellerEnergy.Sub(quantity)
	m.energy[buyer] = m.energy[buyer].Add(quantity)

	delete(m.requests, reqKey)
	delete(m.requestApproved, reqKey)
	delete(m.offers, offerKey)
	delete(m.offerApproved, offerKey)

	return &models.Settlement{
		ID:           uuid.NewString(),
		Seller:       seller,
		Buyer:        buyer,
		Quantity:     quantity,
		RequestPrice: req.Price,
		OfferPrice:   offer.Price,
		ExecutedAt:   time.Now().UTC(),
	}, nil
}

// Book returns a snapshot of the open requests and offers.
func (m *Market) Book() ([]models.OpenRequest, []models.OpenOffer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requests := make([]models.OpenRequest, 0, len(m.requests))
	for key, req := range m.requests {
		requests = append(requests, models.OpenRequest{
			Consumer: key.initiator,
			Producer: key.counterparty,
			Amount:   req.Amount,
			Price:    req.Price,
			Approved: m.requestApproved[key],
		})
	}
	offers := make([]models.OpenOffer, 0, len(m.offers))
	for key, offer := range m.offers {
		offers = append(offers, models.OpenOffer{
			Producer: key.initiator,
			Consumer: key.counterparty,
			Amount:   offer.Amount,
			Price:    offer.Price,
			Approved: m.offerApproved[key],
		})
	}
	return requests, offers
}
