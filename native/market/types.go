package market

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// OrderStatus enumerates the lifecycle states of a listing. The zero value is
// reserved for "unset" so a decoded record with no status is detectable.
type OrderStatus uint8

const (
	OrderStatusUnset OrderStatus = iota
	OrderStatusActive
	OrderStatusEscrowed
	OrderStatusCompleted
	OrderStatusDisputed
	OrderStatusCancelled
	OrderStatusRefunded
)

// AllOrderStatuses lists every settable status in declaration order.
var AllOrderStatuses = []OrderStatus{
	OrderStatusActive,
	OrderStatusEscrowed,
	OrderStatusCompleted,
	OrderStatusDisputed,
	OrderStatusCancelled,
	OrderStatusRefunded,
}

func (s OrderStatus) String() string {
	switch s {
	case OrderStatusActive:
		return "active"
	case OrderStatusEscrowed:
		return "escrowed"
	case OrderStatusCompleted:
		return "completed"
	case OrderStatusDisputed:
		return "disputed"
	case OrderStatusCancelled:
		return "cancelled"
	case OrderStatusRefunded:
		return "refunded"
	default:
		return "unset"
	}
}

// Valid reports whether the status is one of the settable states.
func (s OrderStatus) Valid() bool {
	return s >= OrderStatusActive && s <= OrderStatusRefunded
}

// ParseOrderStatus converts the textual form produced by String.
func ParseOrderStatus(value string) (OrderStatus, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for _, status := range AllOrderStatuses {
		if status.String() == normalized {
			return status, nil
		}
	}
	return OrderStatusUnset, fmt.Errorf("%w: %q", ErrInvalidStatus, value)
}

// DisputeStatus enumerates the dispute lifecycle.
type DisputeStatus uint8

const (
	DisputeStatusNone DisputeStatus = iota
	// DisputeStatusRaised is never persisted; a raise either lands in
	// arbitration or fails as a whole.
	DisputeStatusRaised
	DisputeStatusInArbitration
	DisputeStatusResolved
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeStatusRaised:
		return "raised"
	case DisputeStatusInArbitration:
		return "in_arbitration"
	case DisputeStatusResolved:
		return "resolved"
	default:
		return "none"
	}
}

// Order is a single marketplace listing and, once matched, its escrow.
type Order struct {
	ID                [32]byte
	Seq               uint64
	Seller            [20]byte
	Buyer             [20]byte
	Type              string
	Description       string
	Price             *uint256.Int
	Status            OrderStatus
	CreatedAt         int64
	UpdatedAt         int64
	EscrowDeadline    int64
	DeliveryConfirmed bool
	DisputeStatus     DisputeStatus
	// Settled is set once escrowed principal has been disbursed.
	Settled bool
}

// HasBuyer reports whether the order has been matched.
func (o *Order) HasBuyer() bool {
	return o != nil && o.Buyer != ([20]byte{})
}

// Clone returns a deep copy of the order.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Price = cloneAmount(o.Price)
	return &clone
}

// Dispute records the arbitration state attached to an order.
type Dispute struct {
	OrderID       [32]byte
	Buyer         [20]byte
	Seller        [20]byte
	Arbitrator    [20]byte
	Reason        string
	Resolution    string
	Status        DisputeStatus
	RaisedAt      int64
	ResolvedAt    int64
	BuyerWins     bool
	Challenged    bool
	LockedStake   *uint256.Int
	Reassignments uint32
	ForceResolved bool
}

// Clone returns a deep copy of the dispute.
func (d *Dispute) Clone() *Dispute {
	if d == nil {
		return nil
	}
	clone := *d
	clone.LockedStake = cloneAmount(d.LockedStake)
	return &clone
}

// ArbitratorStake tracks the bonded balance and track record of an arbitrator.
type ArbitratorStake struct {
	Arbitrator       [20]byte
	Staked           *uint256.Int
	Locked           *uint256.Int
	Rewards          *uint256.Int
	Slashed          *uint256.Int
	CorrectDecisions uint64
	TotalDecisions   uint64
	OpenDisputes     uint64
	StakedAt         int64
	Active           bool
}

// Unlocked returns staked minus locked, floored at zero.
func (s *ArbitratorStake) Unlocked() *uint256.Int {
	if s == nil || s.Staked == nil {
		return new(uint256.Int)
	}
	if s.Locked == nil {
		return new(uint256.Int).Set(s.Staked)
	}
	if s.Staked.Lt(s.Locked) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(s.Staked, s.Locked)
}

// Clone returns a deep copy of the stake record.
func (s *ArbitratorStake) Clone() *ArbitratorStake {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Staked = cloneAmount(s.Staked)
	clone.Locked = cloneAmount(s.Locked)
	clone.Rewards = cloneAmount(s.Rewards)
	clone.Slashed = cloneAmount(s.Slashed)
	return &clone
}

func newArbitratorStake(addr [20]byte) *ArbitratorStake {
	return &ArbitratorStake{
		Arbitrator: addr,
		Staked:     new(uint256.Int),
		Locked:     new(uint256.Int),
		Rewards:    new(uint256.Int),
		Slashed:    new(uint256.Int),
	}
}

// Review is a buyer's rating of a completed order.
type Review struct {
	OrderID   [32]byte
	Reviewer  [20]byte
	Seller    [20]byte
	Rating    uint8
	Comment   string
	CreatedAt int64
}

// SellerRating aggregates every review left for a seller.
type SellerRating struct {
	Seller [20]byte
	Count  uint64
	Sum    uint64
}

// AverageX100 returns the mean rating scaled by 100 using floor division.
func (r SellerRating) AverageX100() uint64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum * 100 / r.Count
}

// Page is a window over a listing.
type Page[T any] struct {
	Items      []T
	NextOffset uint64
	Total      uint64
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
