package market

import (
	"encoding/hex"
	"strconv"

	"github.com/holiman/uint256"

	"p2pmarket/core/types"
)

const (
	EventTypeOrderCreated         = "market.order.created"
	EventTypeOrderEdited          = "market.order.edited"
	EventTypeOrderMatched         = "market.order.matched"
	EventTypeOrderCompleted       = "market.order.completed"
	EventTypeOrderCancelled       = "market.order.cancelled"
	EventTypeOrderRefunded        = "market.order.refunded"
	EventTypeDisputeRaised        = "market.dispute.raised"
	EventTypeDisputeResolved      = "market.dispute.resolved"
	EventTypeDisputeChallenged    = "market.dispute.challenged"
	EventTypeDisputeReassigned    = "market.dispute.reassigned"
	EventTypeDisputeForceResolved = "market.dispute.forceResolved"
	EventTypeStakeDeposited       = "market.stake.deposited"
	EventTypeStakeWithdrawn       = "market.stake.withdrawn"
	EventTypeArbitratorStatus     = "market.arbitrator.status"
	EventTypeReviewSubmitted      = "market.review.submitted"
	EventTypeParamsUpdated        = "market.params.updated"
	EventTypePaused               = "market.paused"
	EventTypeUnpaused             = "market.unpaused"
)

// Settlement triggers recorded on completion and refund events.
const (
	SettlementTriggerConfirmed    = "confirmed"
	SettlementTriggerTimeout      = "timeout"
	SettlementTriggerArbitration  = "arbitration"
	SettlementTriggerForceResolve = "forced"
)

// Settlement describes how escrowed principal was distributed.
type Settlement struct {
	Trigger      string
	SellerAmount *uint256.Int
	Commission   *uint256.Int
	BuyerAmount  *uint256.Int
	Reward       *uint256.Int
}

func zeroSettlement(trigger string) *Settlement {
	return &Settlement{
		Trigger:      trigger,
		SellerAmount: new(uint256.Int),
		Commission:   new(uint256.Int),
		BuyerAmount:  new(uint256.Int),
		Reward:       new(uint256.Int),
	}
}

func addrHex(addr [20]byte) string { return hex.EncodeToString(addr[:]) }

func idHex(id [32]byte) string { return hex.EncodeToString(id[:]) }

func newOrderEvent(eventType string, o *Order) *types.Event {
	attrs := make(map[string]string)
	if o == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["orderId"] = idHex(o.ID)
	attrs["seq"] = strconv.FormatUint(o.Seq, 10)
	attrs["seller"] = addrHex(o.Seller)
	attrs["type"] = o.Type
	attrs["price"] = o.Price.Dec()
	attrs["status"] = o.Status.String()
	attrs["updatedAt"] = strconv.FormatInt(o.UpdatedAt, 10)
	if o.HasBuyer() {
		attrs["buyer"] = addrHex(o.Buyer)
		attrs["escrowDeadline"] = strconv.FormatInt(o.EscrowDeadline, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newSettledOrderEvent(eventType string, o *Order, s *Settlement) *types.Event {
	evt := newOrderEvent(eventType, o)
	if s == nil {
		return evt
	}
	evt.Attributes["trigger"] = s.Trigger
	evt.Attributes["sellerAmount"] = s.SellerAmount.Dec()
	evt.Attributes["commission"] = s.Commission.Dec()
	evt.Attributes["buyerAmount"] = s.BuyerAmount.Dec()
	evt.Attributes["reward"] = s.Reward.Dec()
	return evt
}

func newDisputeEvent(eventType string, d *Dispute) *types.Event {
	attrs := make(map[string]string)
	if d == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["orderId"] = idHex(d.OrderID)
	attrs["buyer"] = addrHex(d.Buyer)
	attrs["seller"] = addrHex(d.Seller)
	attrs["arbitrator"] = addrHex(d.Arbitrator)
	attrs["status"] = d.Status.String()
	attrs["lockedStake"] = d.LockedStake.Dec()
	attrs["raisedAt"] = strconv.FormatInt(d.RaisedAt, 10)
	attrs["challenged"] = strconv.FormatBool(d.Challenged)
	attrs["reassignments"] = strconv.FormatUint(uint64(d.Reassignments), 10)
	if d.ForceResolved {
		attrs["forceResolved"] = "true"
	}
	if d.Status == DisputeStatusResolved {
		attrs["buyerWins"] = strconv.FormatBool(d.BuyerWins)
		attrs["resolvedAt"] = strconv.FormatInt(d.ResolvedAt, 10)
	}
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newStakeEvent(eventType string, s *ArbitratorStake, amount *uint256.Int) *types.Event {
	attrs := make(map[string]string)
	if s == nil {
		return &types.Event{Type: eventType, Attributes: attrs}
	}
	attrs["arbitrator"] = addrHex(s.Arbitrator)
	attrs["amount"] = cloneAmount(amount).Dec()
	attrs["staked"] = s.Staked.Dec()
	attrs["locked"] = s.Locked.Dec()
	attrs["active"] = strconv.FormatBool(s.Active)
	return &types.Event{Type: eventType, Attributes: attrs}
}

func newArbitratorStatusEvent(s *ArbitratorStake) *types.Event {
	evt := newStakeEvent(EventTypeArbitratorStatus, s, nil)
	delete(evt.Attributes, "amount")
	return evt
}

func newChallengeEvent(d *Dispute, slashed *uint256.Int, treasury [20]byte) *types.Event {
	evt := newDisputeEvent(EventTypeDisputeChallenged, d)
	evt.Attributes["slashed"] = cloneAmount(slashed).Dec()
	evt.Attributes["treasury"] = addrHex(treasury)
	return evt
}

func newReassignEvent(d *Dispute, previous [20]byte) *types.Event {
	evt := newDisputeEvent(EventTypeDisputeReassigned, d)
	evt.Attributes["previousArbitrator"] = addrHex(previous)
	return evt
}

func newReviewEvent(r *Review) *types.Event {
	return &types.Event{Type: EventTypeReviewSubmitted, Attributes: map[string]string{
		"orderId":  idHex(r.OrderID),
		"reviewer": addrHex(r.Reviewer),
		"seller":   addrHex(r.Seller),
		"rating":   strconv.FormatUint(uint64(r.Rating), 10),
	}}
}

func newParamsEvent(p Params) *types.Event {
	return &types.Event{Type: EventTypeParamsUpdated, Attributes: map[string]string{
		"commissionBps":       strconv.FormatUint(uint64(p.CommissionBps), 10),
		"escrowWindow":        p.EscrowWindow.String(),
		"minimumStake":        cloneAmount(p.MinimumStake).Dec(),
		"arbitratorRewardBps": strconv.FormatUint(uint64(p.ArbitratorRewardBps), 10),
		"slashBps":            strconv.FormatUint(uint64(p.SlashBps), 10),
		"maxArbitratorChecks": strconv.FormatUint(uint64(p.MaxArbitratorChecks), 10),
		"arbitratorTimeout":   p.ArbitratorTimeout.String(),
		"unstakeDelay":        p.UnstakeDelay.String(),
	}}
}
