package market

import (
	"github.com/holiman/uint256"
)

// settle queues the distribution of the order's escrowed principal. The
// arbitrator reward comes off the top; the remainder goes to the buyer, or to
// the seller net of commission computed on the full price. An order that was
// already settled pays nothing again.
func (e *Engine) settle(plan *transferPlan, params Params, order *Order, buyerWins bool, arbitrator [20]byte, reward *uint256.Int, trigger string) *Settlement {
	result := zeroSettlement(trigger)
	if order.Settled {
		return result
	}
	price := cloneAmount(order.Price)
	if reward == nil || reward.Gt(price) {
		reward = minAmount(cloneAmount(reward), price)
	}
	remaining := new(uint256.Int).Sub(price, reward)
	if !reward.IsZero() {
		result.Reward = new(uint256.Int).Set(reward)
		plan.push(e.settlementToken, arbitrator, reward, "arbitrator reward")
	}
	if buyerWins {
		result.BuyerAmount = remaining
		plan.push(e.settlementToken, order.Buyer, remaining, "buyer refund")
	} else {
		commission := bpsOf(price, params.CommissionBps)
		if commission.Gt(remaining) {
			commission.Set(remaining)
		}
		result.Commission = commission
		result.SellerAmount = new(uint256.Int).Sub(remaining, commission)
		plan.push(e.settlementToken, order.Seller, result.SellerAmount, "seller payout")
		plan.push(e.settlementToken, e.commissionRecipient(params), commission, "commission")
	}
	order.Settled = true
	return result
}

// Commission returns the commission owed on price under params.
func Commission(price *uint256.Int, params Params) *uint256.Int {
	return bpsOf(price, params.CommissionBps)
}

// ArbitratorReward returns the arbitrator reward owed on price under params.
func ArbitratorReward(price *uint256.Int, params Params) *uint256.Int {
	return bpsOf(price, params.ArbitratorRewardBps)
}

// DisputeLock returns the stake locked against the arbitrator of a dispute on
// an order of the given price.
func DisputeLock(price *uint256.Int) *uint256.Int {
	return bpsOf(price, DisputeLockBps)
}
