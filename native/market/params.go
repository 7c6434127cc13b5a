package market

import (
	"fmt"
	"time"

	"github.com/holiman/uint256"
)

const (
	bpsDenominator = 10_000

	// DisputeLockBps is the share of the order price locked against the
	// assigned arbitrator's stake while a dispute is open.
	DisputeLockBps = 1_000

	MaxCommissionBps       = 1_000
	MaxArbitratorRewardBps = 2_000
	MaxSlashBps            = 5_000
	MaxEscrowWindow        = 30 * 24 * time.Hour
	MaxArbitratorTimeout   = 30 * 24 * time.Hour
	MaxUnstakeDelay        = 90 * 24 * time.Hour
	MaxArbitratorChecksCap = 500

	MaxTypeLength        = 64
	MaxDescriptionLength = 1024
	MaxReasonLength      = 1024
	MaxResolutionLength  = 1024
	MaxCommentLength     = 512

	// MaxPageSize bounds every paginated listing.
	MaxPageSize = 100
	// MaxStatusScan bounds how many orders a status listing inspects per call.
	MaxStatusScan = 1_000
)

// MaxPrice keeps price × bps products far from the 256-bit ceiling.
var MaxPrice = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 128), uint256.NewInt(1))

// Params holds the owner-administered economics of the marketplace.
type Params struct {
	CommissionBps uint32
	// CommissionRecipient receives commission; zero routes it to the owner.
	CommissionRecipient [20]byte
	EscrowWindow        time.Duration
	MinimumStake        *uint256.Int
	ArbitratorRewardBps uint32
	SlashBps            uint32
	MaxArbitratorChecks uint32
	ArbitratorTimeout   time.Duration
	UnstakeDelay        time.Duration
	// Governance may challenge resolved disputes; zero means the owner.
	Governance [20]byte
	// Treasury receives slashed stake; zero means the owner.
	Treasury [20]byte
}

// DefaultParams returns the parameters used when none have been stored.
func DefaultParams() Params {
	return Params{
		CommissionBps:       250,
		EscrowWindow:        7 * 24 * time.Hour,
		MinimumStake:        uint256.NewInt(1_000),
		ArbitratorRewardBps: 500,
		SlashBps:            1_000,
		MaxArbitratorChecks: 50,
		ArbitratorTimeout:   3 * 24 * time.Hour,
		UnstakeDelay:        7 * 24 * time.Hour,
	}
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	clone := p
	clone.MinimumStake = cloneAmount(p.MinimumStake)
	return clone
}

// Validate enforces the administrative caps.
func (p Params) Validate() error {
	if p.CommissionBps > MaxCommissionBps {
		return fmt.Errorf("%w: commission bps %d exceeds %d", ErrInvalidParams, p.CommissionBps, MaxCommissionBps)
	}
	if p.EscrowWindow <= 0 || p.EscrowWindow > MaxEscrowWindow {
		return fmt.Errorf("%w: escrow window %s out of range", ErrInvalidParams, p.EscrowWindow)
	}
	if p.EscrowWindow%time.Second != 0 {
		return fmt.Errorf("%w: escrow window must be whole seconds", ErrInvalidParams)
	}
	if p.MinimumStake == nil || p.MinimumStake.IsZero() {
		return fmt.Errorf("%w: minimum stake must be positive", ErrInvalidParams)
	}
	if p.ArbitratorRewardBps > MaxArbitratorRewardBps {
		return fmt.Errorf("%w: arbitrator reward bps %d exceeds %d", ErrInvalidParams, p.ArbitratorRewardBps, MaxArbitratorRewardBps)
	}
	if p.SlashBps > MaxSlashBps {
		return fmt.Errorf("%w: slash bps %d exceeds %d", ErrInvalidParams, p.SlashBps, MaxSlashBps)
	}
	if p.MaxArbitratorChecks == 0 || p.MaxArbitratorChecks > MaxArbitratorChecksCap {
		return fmt.Errorf("%w: max arbitrator checks must be between 1 and %d", ErrInvalidParams, MaxArbitratorChecksCap)
	}
	if p.ArbitratorTimeout <= 0 || p.ArbitratorTimeout > MaxArbitratorTimeout {
		return fmt.Errorf("%w: arbitrator timeout %s out of range", ErrInvalidParams, p.ArbitratorTimeout)
	}
	if p.ArbitratorTimeout%time.Second != 0 {
		return fmt.Errorf("%w: arbitrator timeout must be whole seconds", ErrInvalidParams)
	}
	if p.UnstakeDelay < 0 || p.UnstakeDelay > MaxUnstakeDelay {
		return fmt.Errorf("%w: unstake delay %s out of range", ErrInvalidParams, p.UnstakeDelay)
	}
	if p.UnstakeDelay%time.Second != 0 {
		return fmt.Errorf("%w: unstake delay must be whole seconds", ErrInvalidParams)
	}
	return nil
}

func (p Params) escrowWindowSeconds() int64 { return int64(p.EscrowWindow / time.Second) }

func (p Params) arbitratorTimeoutSeconds() int64 { return int64(p.ArbitratorTimeout / time.Second) }

func (p Params) unstakeDelaySeconds() int64 { return int64(p.UnstakeDelay / time.Second) }

// bpsOf returns floor(amount × bps / 10000) capped at amount. A product that
// overflows 256 bits is clamped to the maximum value before the cap applies.
func bpsOf(amount *uint256.Int, bps uint32) *uint256.Int {
	if amount == nil || amount.IsZero() || bps == 0 {
		return new(uint256.Int)
	}
	product, overflow := new(uint256.Int).MulOverflow(amount, uint256.NewInt(uint64(bps)))
	if overflow {
		product.SetAllOne()
	}
	share := product.Div(product, uint256.NewInt(bpsDenominator))
	if share.Gt(amount) {
		share.Set(amount)
	}
	return share
}

func minAmount(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int).Set(a)
	}
	return new(uint256.Int).Set(b)
}
