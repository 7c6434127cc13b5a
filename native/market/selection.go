package market

import (
	"github.com/holiman/uint256"

	"p2pmarket/core/types"
)

type candidate struct {
	stake  *ArbitratorStake
	weight *uint256.Int
}

// selectArbitrator picks an arbitrator weighted by unlocked stake from a
// bounded circular window of the registry and locks required against the
// winner before returning it. Addresses in exclude are never chosen.
// Registered arbitrators found below the current minimum stake are
// deactivated in tx and returned so the caller can announce them.
func (e *Engine) selectArbitrator(tx *stateTx, params Params, caller [20]byte, required *uint256.Int, exclude ...[20]byte) (*ArbitratorStake, []*ArbitratorStake, error) {
	size, err := tx.registryLen()
	if err != nil {
		return nil, nil, err
	}
	if size == 0 {
		return nil, nil, ErrNoEligibleArbitrator
	}
	window := size
	if checks := uint64(params.MaxArbitratorChecks); checks > 0 && checks < window {
		window = checks
	}
	required32 := required.Bytes32()
	startDraw, err := e.entropy("market/select/start", required32[:])
	if err != nil {
		return nil, nil, err
	}
	start := uniform(startDraw, uint256.NewInt(size)).Uint64()

	var (
		candidates []candidate
		stale      []*ArbitratorStake
		total      = new(uint256.Int)
	)
	for i := uint64(0); i < window; i++ {
		addr, err := tx.registryAt((start + i) % size)
		if err != nil {
			return nil, nil, err
		}
		if excluded(addr, exclude) {
			continue
		}
		stake, err := tx.loadStake(addr)
		if err != nil {
			return nil, nil, err
		}
		if stake == nil {
			return nil, nil, ErrRegistryCorruption
		}
		if stake.Staked.Lt(params.MinimumStake) {
			stale = append(stale, stake)
			continue
		}
		weight := stake.Unlocked()
		if weight.IsZero() || weight.Lt(required) {
			continue
		}
		candidates = append(candidates, candidate{stake: stake, weight: weight})
		total.Add(total, weight)
	}
	if len(candidates) == 0 {
		return nil, nil, ErrNoEligibleArbitrator
	}
	// The window is walked by index, so registry removals wait until it is done.
	for _, stake := range stale {
		if _, err := syncActive(tx, stake, params.MinimumStake); err != nil {
			return nil, nil, err
		}
		if err := tx.storeStake(stake); err != nil {
			return nil, nil, err
		}
	}

	draw, err := e.entropy("market/select/draw",
		u64Bytes(uint64(e.now())),
		caller[:],
		required32[:],
	)
	if err != nil {
		return nil, nil, err
	}
	point := uniform(draw, total)
	winner := candidates[len(candidates)-1].stake
	cumulative := new(uint256.Int)
	for _, c := range candidates {
		cumulative.Add(cumulative, c.weight)
		if point.Lt(cumulative) {
			winner = c.stake
			break
		}
	}

	winner.Locked = new(uint256.Int).Add(winner.Locked, required)
	winner.OpenDisputes++
	if err := tx.storeStake(winner); err != nil {
		return nil, nil, err
	}
	return winner, stale, nil
}

func statusEvents(stakes []*ArbitratorStake) []*types.Event {
	evts := make([]*types.Event, 0, len(stakes))
	for _, stake := range stakes {
		evts = append(evts, newArbitratorStatusEvent(stake))
	}
	return evts
}

func excluded(addr [20]byte, list [][20]byte) bool {
	for _, candidate := range list {
		if candidate == addr {
			return true
		}
	}
	return false
}
