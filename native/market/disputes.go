package market

import (
	"fmt"
	"log/slog"

	"github.com/holiman/uint256"

	"p2pmarket/core/types"
)

// RaiseDispute opens arbitration on an escrowed order. An arbitrator is
// selected and its stake locked in the same transaction; if none is eligible
// the order stays escrowed and nothing is recorded.
func (e *Engine) RaiseDispute(buyer [20]byte, id [32]byte, reason string) (*Dispute, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validateText(reason, MaxReasonLength, false, ErrInvalidReason); err != nil {
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
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if !order.HasBuyer() || order.Buyer != buyer {
		return nil, ErrNotBuyer
	}
	if order.Status != OrderStatusEscrowed {
		return nil, ErrOrderNotEscrowed
	}
	exists, err := tx.disputeExists(id)
	if err != nil {
		return nil, err
	}
	if exists || order.DisputeStatus != DisputeStatusNone {
		return nil, ErrDisputeExists
	}
	now := e.now()
	if now >= order.EscrowDeadline {
		return nil, ErrDisputeWindowClosed
	}
	required := DisputeLock(order.Price)
	arbitrator, dropped, err := e.selectArbitrator(tx, params, buyer, required, order.Buyer, order.Seller)
	if err != nil {
		return nil, e.fail("raise", err)
	}
	dispute := &Dispute{
		OrderID:     id,
		Buyer:       order.Buyer,
		Seller:      order.Seller,
		Arbitrator:  arbitrator.Arbitrator,
		Reason:      reason,
		Status:      DisputeStatusInArbitration,
		RaisedAt:    now,
		LockedStake: required,
	}
	if err := tx.storeDispute(dispute); err != nil {
		return nil, err
	}
	order.DisputeStatus = DisputeStatusInArbitration
	if err := tx.applyStatus(order, OrderStatusDisputed, now); err != nil {
		return nil, e.fail("raise", err)
	}
	if err := e.commit("raise", tx, nil); err != nil {
		return nil, err
	}
	e.emit(append([]*types.Event{newDisputeEvent(EventTypeDisputeRaised, dispute)}, statusEvents(dropped)...)...)
	e.logger.Info("market: dispute raised",
		slog.String("order", idHex(id)),
		slog.String("arbitrator", addrHex(dispute.Arbitrator)),
		slog.String("locked", required.Dec()))
	return dispute.Clone(), nil
}

// ResolveDispute records the assigned arbitrator's decision, releases its lock,
// pays its reward and settles the escrow to the winning side.
func (e *Engine) ResolveDispute(arbitrator [20]byte, id [32]byte, buyerWins bool, resolution string) (*Dispute, *Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validateText(resolution, MaxResolutionLength, false, ErrInvalidResolution); err != nil {
		return nil, nil, err
	}
	if err := e.requireSettlement(); err != nil {
		return nil, nil, err
	}
	tx := e.begin()
	if err := e.guard(tx); err != nil {
		return nil, nil, err
	}
	params, err := tx.loadParams()
	if err != nil {
		return nil, nil, err
	}
	dispute, err := tx.loadDispute(id)
	if err != nil {
		return nil, nil, err
	}
	if dispute.Arbitrator != arbitrator {
		return nil, nil, ErrNotAssignedArbitrator
	}
	if dispute.Status != DisputeStatusInArbitration {
		return nil, nil, ErrDisputeNotInArbitration
	}
	stake, err := tx.loadStake(arbitrator)
	if err != nil {
		return nil, nil, err
	}
	if stake == nil {
		return nil, nil, ErrArbitratorInactive
	}
	statusChanged, err := syncActive(tx, stake, params.MinimumStake)
	if err != nil {
		return nil, nil, e.fail("resolve", err)
	}
	if !stake.Active {
		return nil, nil, ErrArbitratorInactive
	}
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, nil, err
	}
	reward := new(uint256.Int)
	if !order.Settled {
		reward = ArbitratorReward(order.Price, params)
	}
	if err := releaseLock(stake, dispute.LockedStake); err != nil {
		return nil, nil, e.fail("resolve", err)
	}
	stake.Rewards = new(uint256.Int).Add(stake.Rewards, reward)
	stake.CorrectDecisions++
	stake.TotalDecisions++
	if err := tx.storeStake(stake); err != nil {
		return nil, nil, e.fail("resolve", err)
	}
	plan := new(transferPlan)
	settlement, evts, err := e.closeDispute(tx, plan, params, order, dispute, buyerWins, resolution, arbitrator, reward, SettlementTriggerArbitration, EventTypeDisputeResolved)
	if err != nil {
		return nil, nil, e.fail("resolve", err)
	}
	if err := e.commit("resolve", tx, plan); err != nil {
		return nil, nil, err
	}
	if statusChanged {
		evts = append(evts, newArbitratorStatusEvent(stake))
	}
	e.emit(evts...)
	e.logger.Info("market: dispute resolved",
		slog.String("order", idHex(id)),
		slog.String("arbitrator", addrHex(arbitrator)),
		slog.Bool("buyer_wins", buyerWins),
		slog.String("reward", settlement.Reward.Dec()))
	return dispute.Clone(), settlement, nil
}

// closeDispute marks the dispute resolved, moves the order to its terminal
// status and queues the settlement transfers.
func (e *Engine) closeDispute(tx *stateTx, plan *transferPlan, params Params, order *Order, dispute *Dispute, buyerWins bool, resolution string, arbitrator [20]byte, reward *uint256.Int, trigger, eventType string) (*Settlement, []*types.Event, error) {
	now := e.now()
	dispute.Status = DisputeStatusResolved
	dispute.ResolvedAt = now
	dispute.BuyerWins = buyerWins
	dispute.Resolution = resolution
	dispute.ForceResolved = trigger == SettlementTriggerForceResolve
	dispute.LockedStake = new(uint256.Int)
	if err := tx.storeDispute(dispute); err != nil {
		return nil, nil, err
	}
	settlement := e.settle(plan, params, order, buyerWins, arbitrator, reward, trigger)
	order.DisputeStatus = DisputeStatusResolved
	next, orderEvent := OrderStatusCompleted, EventTypeOrderCompleted
	if buyerWins {
		next, orderEvent = OrderStatusRefunded, EventTypeOrderRefunded
	}
	if err := tx.applyStatus(order, next, now); err != nil {
		return nil, nil, err
	}
	return settlement, []*types.Event{
		newDisputeEvent(eventType, dispute),
		newSettledOrderEvent(orderEvent, order, settlement),
	}, nil
}

// ChallengeArbitratorDecision reopens a resolved dispute once. The arbitrator
// is slashed from unlocked stake and the dispute returns to arbitration.
// Funds already paid out under the original resolution are not reclaimed.
// Disputes the owner force resolved carry no arbitrator decision and cannot
// be challenged.
func (e *Engine) ChallengeArbitratorDecision(caller [20]byte, id [32]byte) (*Dispute, *uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.requireStaking(); err != nil {
		return nil, nil, err
	}
	tx := e.begin()
	if err := e.guard(tx); err != nil {
		return nil, nil, err
	}
	params, err := tx.loadParams()
	if err != nil {
		return nil, nil, err
	}
	if caller != e.governance(params) {
		return nil, nil, ErrNotGovernance
	}
	dispute, err := tx.loadDispute(id)
	if err != nil {
		return nil, nil, err
	}
	if dispute.Challenged {
		return nil, nil, ErrAlreadyChallenged
	}
	if dispute.Status != DisputeStatusResolved {
		return nil, nil, ErrDisputeNotResolved
	}
	if dispute.ForceResolved {
		return nil, nil, ErrDisputeForceResolved
	}
	stake, err := tx.loadStake(dispute.Arbitrator)
	if err != nil {
		return nil, nil, err
	}
	if stake == nil {
		return nil, nil, ErrStakeNotFound
	}
	unlocked := stake.Unlocked()
	if unlocked.IsZero() {
		return nil, nil, ErrNothingToSlash
	}
	slash := bpsOf(stake.Staked, params.SlashBps)
	if slash.Gt(unlocked) {
		slash.Set(unlocked)
	}
	stake.Staked = new(uint256.Int).Sub(stake.Staked, slash)
	stake.Slashed = new(uint256.Int).Add(stake.Slashed, slash)
	if stake.CorrectDecisions > 0 {
		stake.CorrectDecisions--
	}
	stake.OpenDisputes++
	statusChanged, err := syncActive(tx, stake, params.MinimumStake)
	if err != nil {
		return nil, nil, e.fail("challenge", err)
	}
	if err := tx.storeStake(stake); err != nil {
		return nil, nil, e.fail("challenge", err)
	}
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, nil, err
	}
	now := e.now()
	dispute.Challenged = true
	dispute.Status = DisputeStatusInArbitration
	dispute.RaisedAt = now
	dispute.ResolvedAt = 0
	dispute.LockedStake = new(uint256.Int)
	if err := tx.storeDispute(dispute); err != nil {
		return nil, nil, err
	}
	order.DisputeStatus = DisputeStatusInArbitration
	if err := tx.applyStatus(order, OrderStatusDisputed, now); err != nil {
		return nil, nil, e.fail("challenge", err)
	}
	treasury := e.treasury(params)
	plan := new(transferPlan)
	plan.push(e.stakingToken, treasury, slash, "slash")
	if err := e.commit("challenge", tx, plan); err != nil {
		return nil, nil, err
	}
	evts := []*types.Event{newChallengeEvent(dispute, slash, treasury)}
	if statusChanged {
		evts = append(evts, newArbitratorStatusEvent(stake))
	}
	e.emit(evts...)
	e.logger.Info("market: arbitrator decision challenged",
		slog.String("order", idHex(id)),
		slog.String("arbitrator", addrHex(dispute.Arbitrator)),
		slog.String("slashed", slash.Dec()),
		slog.Bool("active", stake.Active))
	return dispute.Clone(), slash, nil
}

// ReassignStaleDispute hands a dispute whose arbitrator has not answered
// within the arbitrator timeout to a freshly selected arbitrator.
func (e *Engine) ReassignStaleDispute(caller [20]byte, id [32]byte) (*Dispute, error) {
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
	dispute, err := tx.loadDispute(id)
	if err != nil {
		return nil, err
	}
	if dispute.Status != DisputeStatusInArbitration {
		return nil, ErrDisputeNotInArbitration
	}
	now := e.now()
	if now < dispute.RaisedAt+params.arbitratorTimeoutSeconds() {
		return nil, ErrDisputeNotStale
	}
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, err
	}
	previous := dispute.Arbitrator
	if err := e.releaseDisputeLock(tx, dispute, false); err != nil {
		return nil, e.fail("reassign", err)
	}
	required := DisputeLock(order.Price)
	replacement, dropped, err := e.selectArbitrator(tx, params, caller, required, previous, order.Buyer, order.Seller)
	if err != nil {
		return nil, e.fail("reassign", err)
	}
	dispute.Arbitrator = replacement.Arbitrator
	dispute.LockedStake = required
	dispute.RaisedAt = now
	dispute.Reassignments++
	if err := tx.storeDispute(dispute); err != nil {
		return nil, err
	}
	if err := e.commit("reassign", tx, nil); err != nil {
		return nil, err
	}
	e.emit(append([]*types.Event{newReassignEvent(dispute, previous)}, statusEvents(dropped)...)...)
	e.logger.Info("market: stale dispute reassigned",
		slog.String("order", idHex(id)),
		slog.String("previous", addrHex(previous)),
		slog.String("arbitrator", addrHex(dispute.Arbitrator)))
	return dispute.Clone(), nil
}

// ForceResolveStaleDispute lets the owner settle a dispute that has gone
// unanswered for twice the arbitrator timeout. No reward is paid and the
// decision is not counted as correct.
func (e *Engine) ForceResolveStaleDispute(caller [20]byte, id [32]byte, buyerWins bool) (*Dispute, *Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if caller != e.owner {
		return nil, nil, ErrNotOwner
	}
	if err := e.requireSettlement(); err != nil {
		return nil, nil, err
	}
	tx := e.begin()
	if err := e.guard(tx); err != nil {
		return nil, nil, err
	}
	params, err := tx.loadParams()
	if err != nil {
		return nil, nil, err
	}
	dispute, err := tx.loadDispute(id)
	if err != nil {
		return nil, nil, err
	}
	if dispute.Status != DisputeStatusInArbitration {
		return nil, nil, ErrDisputeNotInArbitration
	}
	if e.now() < dispute.RaisedAt+2*params.arbitratorTimeoutSeconds() {
		return nil, nil, ErrForceResolveEarly
	}
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, nil, err
	}
	stale := dispute.Arbitrator
	if err := e.releaseDisputeLock(tx, dispute, true); err != nil {
		return nil, nil, e.fail("force-resolve", err)
	}
	plan := new(transferPlan)
	settlement, evts, err := e.closeDispute(tx, plan, params, order, dispute, buyerWins, "resolved by owner after arbitrator timeout", stale, nil, SettlementTriggerForceResolve, EventTypeDisputeForceResolved)
	if err != nil {
		return nil, nil, e.fail("force-resolve", err)
	}
	if err := e.commit("force-resolve", tx, plan); err != nil {
		return nil, nil, err
	}
	e.emit(evts...)
	e.logger.Info("market: stale dispute force resolved",
		slog.String("order", idHex(id)),
		slog.String("arbitrator", addrHex(stale)),
		slog.Bool("buyer_wins", buyerWins))
	return dispute.Clone(), settlement, nil
}

// releaseDisputeLock frees the stake the dispute holds on its current
// arbitrator. countDecision records an uncredited decision against them.
func (e *Engine) releaseDisputeLock(tx *stateTx, dispute *Dispute, countDecision bool) error {
	stake, err := tx.loadStake(dispute.Arbitrator)
	if err != nil {
		return err
	}
	if stake == nil {
		if dispute.LockedStake != nil && !dispute.LockedStake.IsZero() {
			return fmt.Errorf("%w: dispute %x locks stake of unknown arbitrator", ErrStakeInvariant, dispute.OrderID)
		}
		return nil
	}
	if err := releaseLock(stake, dispute.LockedStake); err != nil {
		return err
	}
	if countDecision {
		stake.TotalDecisions++
	}
	dispute.LockedStake = new(uint256.Int)
	return tx.storeStake(stake)
}
