package market

import "errors"

// Error categories. Every concrete market error matches exactly one of these
// through errors.Is.
var (
	ErrNotFound      = errors.New("market: not found")
	ErrStateMismatch = errors.New("market: invalid state")
	ErrUnauthorized  = errors.New("market: unauthorized")
	ErrValidation    = errors.New("market: invalid input")
	ErrTiming        = errors.New("market: outside time window")
	ErrEconomic      = errors.New("market: economic constraint")
	ErrInvariant     = errors.New("market: internal invariant violated")
)

type marketError struct {
	category error
	msg      string
}

func (e *marketError) Error() string { return e.msg }

func (e *marketError) Unwrap() error { return e.category }

func newError(category error, msg string) error {
	return &marketError{category: category, msg: msg}
}

// Not found.
var (
	ErrOrderNotFound   = newError(ErrNotFound, "market: order not found")
	ErrDisputeNotFound = newError(ErrNotFound, "market: dispute not found")
	ErrStakeNotFound   = newError(ErrNotFound, "market: arbitrator stake not found")
	ErrReviewNotFound  = newError(ErrNotFound, "market: review not found")
)

// State mismatch.
var (
	ErrPaused                  = newError(ErrStateMismatch, "market: paused")
	ErrOrderNotActive          = newError(ErrStateMismatch, "market: order not active")
	ErrOrderNotEscrowed        = newError(ErrStateMismatch, "market: order not escrowed")
	ErrOrderNotCompleted       = newError(ErrStateMismatch, "market: order not completed")
	ErrDeliveryConfirmed       = newError(ErrStateMismatch, "market: delivery already confirmed")
	ErrDisputeExists           = newError(ErrStateMismatch, "market: dispute already raised")
	ErrDisputeOutstanding      = newError(ErrStateMismatch, "market: dispute outstanding")
	ErrDisputeNotInArbitration = newError(ErrStateMismatch, "market: dispute not in arbitration")
	ErrDisputeNotResolved      = newError(ErrStateMismatch, "market: dispute not resolved")
	ErrAlreadyChallenged       = newError(ErrStateMismatch, "market: dispute already challenged")
	ErrDisputeForceResolved    = newError(ErrStateMismatch, "market: force-resolved dispute cannot be challenged")
	ErrArbitratorInactive      = newError(ErrStateMismatch, "market: arbitrator inactive")
	ErrReviewExists            = newError(ErrStateMismatch, "market: review already submitted")
	ErrTokenNotConfigured      = newError(ErrStateMismatch, "market: token not configured")
)

// Authorization.
var (
	ErrNotSeller             = newError(ErrUnauthorized, "market: caller is not the seller")
	ErrNotBuyer              = newError(ErrUnauthorized, "market: caller is not the buyer")
	ErrSellerCannotBuy       = newError(ErrUnauthorized, "market: seller cannot match own order")
	ErrNotAssignedArbitrator = newError(ErrUnauthorized, "market: caller is not the assigned arbitrator")
	ErrNotOwner              = newError(ErrUnauthorized, "market: caller is not the owner")
	ErrNotGovernance         = newError(ErrUnauthorized, "market: caller is not governance")
)

// Validation.
var (
	ErrInvalidType        = newError(ErrValidation, "market: invalid order type")
	ErrInvalidDescription = newError(ErrValidation, "market: invalid description")
	ErrInvalidReason      = newError(ErrValidation, "market: invalid dispute reason")
	ErrInvalidResolution  = newError(ErrValidation, "market: invalid resolution")
	ErrInvalidComment     = newError(ErrValidation, "market: invalid review comment")
	ErrInvalidPrice       = newError(ErrValidation, "market: price out of range")
	ErrInvalidAmount      = newError(ErrValidation, "market: amount must be positive")
	ErrInvalidRating      = newError(ErrValidation, "market: rating must be between 1 and 5")
	ErrInvalidParams      = newError(ErrValidation, "market: invalid params")
	ErrInvalidAddress     = newError(ErrValidation, "market: address must not be zero")
	ErrInvalidStatus      = newError(ErrValidation, "market: unknown order status")
	ErrInvalidLimit       = newError(ErrValidation, "market: page limit out of range")
)

// Timing.
var (
	ErrDisputeWindowClosed = newError(ErrTiming, "market: dispute window closed")
	ErrEscrowNotExpired    = newError(ErrTiming, "market: escrow window still open")
	ErrUnstakeTooEarly     = newError(ErrTiming, "market: unstaking delay not elapsed")
	ErrDisputeNotStale     = newError(ErrTiming, "market: arbitrator timeout not reached")
	ErrForceResolveEarly   = newError(ErrTiming, "market: force resolution timeout not reached")
)

// Economic.
var (
	ErrInsufficientStake    = newError(ErrEconomic, "market: amount exceeds staked balance")
	ErrStakeLocked          = newError(ErrEconomic, "market: stake locked by open disputes")
	ErrNoEligibleArbitrator = newError(ErrEconomic, "market: no eligible arbitrator")
	ErrNothingToSlash       = newError(ErrEconomic, "market: no unlocked stake to slash")
)

// Fatal invariant failures.
var (
	ErrStakeInvariant     = newError(ErrInvariant, "market: staked below locked")
	ErrOrderIDCollision   = newError(ErrInvariant, "market: order identifier collision")
	ErrCounterUnderflow   = newError(ErrInvariant, "market: status counter underflow")
	ErrPartialSettlement  = newError(ErrInvariant, "market: settlement transfer failed after partial payout")
	ErrCommitAfterPayout  = newError(ErrInvariant, "market: state commit failed after transfers")
	ErrRegistryCorruption = newError(ErrInvariant, "market: arbitrator registry inconsistent")
)

// IsFatal reports whether err signals an internal invariant failure rather
// than an ordinary rejection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvariant)
}
