package market

import (
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"p2pmarket/core/types"
)

// syncActive recomputes the active flag against the minimum stake and keeps
// the registry in step. It reports whether the flag changed.
func syncActive(tx *stateTx, stake *ArbitratorStake, minimum *uint256.Int) (bool, error) {
	want := !stake.Staked.Lt(minimum)
	if stake.Active == want {
		return false, nil
	}
	stake.Active = want
	if want {
		return true, tx.registryAdd(stake.Arbitrator)
	}
	return true, tx.registryRemove(stake.Arbitrator)
}

// releaseLock returns amount from locked back to the free balance and closes
// one open dispute.
func releaseLock(stake *ArbitratorStake, amount *uint256.Int) error {
	if amount != nil && !amount.IsZero() {
		if stake.Locked.Lt(amount) {
			return fmt.Errorf("%w: arbitrator %x releasing %s of %s locked", ErrStakeInvariant, stake.Arbitrator, amount, stake.Locked)
		}
		stake.Locked = new(uint256.Int).Sub(stake.Locked, amount)
	}
	if stake.OpenDisputes > 0 {
		stake.OpenDisputes--
	}
	return nil
}

// Stake bonds amount of the staking token from arbitrator. Every top-up
// restarts the unstaking delay.
func (e *Engine) Stake(arbitrator [20]byte, amount *uint256.Int) (*ArbitratorStake, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if arbitrator == ([20]byte{}) {
		return nil, ErrInvalidAddress
	}
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if err := e.requireStaking(); err != nil {
		return nil, err
	}
	tx := e.begin()
	if err := e.guard(tx); err != nil {
		return nil, err
	}
	params, err := tx.loadParams()
	if err != nil {
		return nil, err
	}
	stake, err := tx.loadStake(arbitrator)
	if err != nil {
		return nil, err
	}
	if stake == nil {
		stake = newArbitratorStake(arbitrator)
	}
	total, overflow := new(uint256.Int).AddOverflow(stake.Staked, amount)
	if overflow {
		return nil, fmt.Errorf("%w: stake overflow", ErrInvalidAmount)
	}
	now := e.now()
	stake.Staked = total
	stake.StakedAt = now
	changed, err := syncActive(tx, stake, params.MinimumStake)
	if err != nil {
		return nil, e.fail("stake", err)
	}
	if err := tx.storeStake(stake); err != nil {
		return nil, e.fail("stake", err)
	}
	plan := new(transferPlan)
	plan.pull(e.stakingToken, arbitrator, amount, "stake")
	if err := e.commit("stake", tx, plan); err != nil {
		return nil, err
	}
	evts := []*types.Event{newStakeEvent(EventTypeStakeDeposited, stake, amount)}
	if changed {
		evts = append(evts, newArbitratorStatusEvent(stake))
	}
	e.emit(evts...)
	e.logger.Debug("market: stake deposited", slog.String("arbitrator", addrHex(arbitrator)), slog.String("amount", amount.Dec()), slog.Bool("active", stake.Active))
	return stake.Clone(), nil
}

// Unstake withdraws amount back to the arbitrator. Any locked stake blocks the
// whole withdrawal, as does an unstaking delay that has not yet elapsed.
func (e *Engine) Unstake(arbitrator [20]byte, amount *uint256.Int) (*ArbitratorStake, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	if err := e.requireStaking(); err != nil {
		return nil, err
	}
	tx := e.begin()
	if err := e.guard(tx); err != nil {
		return nil, err
	}
	params, err := tx.loadParams()
	if err != nil {
		return nil, err
	}
	stake, err := tx.loadStake(arbitrator)
	if err != nil {
		return nil, err
	}
	if stake == nil {
		return nil, ErrStakeNotFound
	}
	if amount.Gt(stake.Staked) {
		return nil, ErrInsufficientStake
	}
	if !stake.Locked.IsZero() {
		return nil, ErrStakeLocked
	}
	now := e.now()
	if now < stake.StakedAt+params.unstakeDelaySeconds() {
		return nil, ErrUnstakeTooEarly
	}
	stake.Staked = new(uint256.Int).Sub(stake.Staked, amount)
	changed, err := syncActive(tx, stake, params.MinimumStake)
	if err != nil {
		return nil, e.fail("unstake", err)
	}
	if err := tx.storeStake(stake); err != nil {
		return nil, e.fail("unstake", err)
	}
	plan := new(transferPlan)
	plan.push(e.stakingToken, arbitrator, amount, "unstake")
	if err := e.commit("unstake", tx, plan); err != nil {
		return nil, err
	}
	evts := []*types.Event{newStakeEvent(EventTypeStakeWithdrawn, stake, amount)}
	if changed {
		evts = append(evts, newArbitratorStatusEvent(stake))
	}
	e.emit(evts...)
	e.logger.Debug("market: stake withdrawn", slog.String("arbitrator", addrHex(arbitrator)), slog.String("amount", amount.Dec()), slog.Bool("active", stake.Active))
	return stake.Clone(), nil
}

// RefreshArbitrator re-evaluates the active flag of an arbitrator, typically
// after the minimum stake changed.
func (e *Engine) RefreshArbitrator(arbitrator [20]byte) (*ArbitratorStake, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := e.begin()
	if err := e.guard(tx); err != nil {
		return nil, err
	}
	params, err := tx.loadParams()
	if err != nil {
		return nil, err
	}
	stake, err := tx.loadStake(arbitrator)
	if err != nil {
		return nil, err
	}
	if stake == nil {
		return nil, ErrStakeNotFound
	}
	changed, err := syncActive(tx, stake, params.MinimumStake)
	if err != nil {
		return nil, e.fail("refresh", err)
	}
	if !changed {
		return stake.Clone(), nil
	}
	if err := tx.storeStake(stake); err != nil {
		return nil, e.fail("refresh", err)
	}
	if err := e.commit("refresh", tx, nil); err != nil {
		return nil, err
	}
	e.emit(newArbitratorStatusEvent(stake))
	return stake.Clone(), nil
}
