package market

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

// failingToken wraps a token and rejects pushes to one recipient.
type failingToken struct {
	Token
	reject [20]byte
}

var errRejected = errors.New("recipient rejected")

func (f failingToken) Transfer(from, to [20]byte, amount *uint256.Int) error {
	if to == f.reject {
		return errRejected
	}
	return f.Token.Transfer(from, to, amount)
}

func TestPartialSettlementIsFatalAndNotCommitted(t *testing.T) {
	h := newHarness(t)
	order := h.escrowedOrder(1_000)
	if err := h.engine.SetSettlementToken(failingToken{Token: h.settlement, reject: feeAddr}); err != nil {
		t.Fatalf("set token: %v", err)
	}
	_, _, err := h.engine.ConfirmDelivery(buyerAddr, order.ID)
	if !errors.Is(err, ErrPartialSettlement) || !IsFatal(err) {
		t.Fatalf("expected fatal partial settlement, got %v", err)
	}
	if got := h.order(order.ID); got.Status != OrderStatusEscrowed || got.Settled {
		t.Fatalf("state committed after failed settlement: %+v", got)
	}
}

func TestFirstTransferFailureIsRecoverable(t *testing.T) {
	h := newHarness(t)
	order := h.escrowedOrder(1_000)
	if err := h.engine.SetSettlementToken(failingToken{Token: h.settlement, reject: sellerAddr}); err != nil {
		t.Fatalf("set token: %v", err)
	}
	_, _, err := h.engine.ConfirmDelivery(buyerAddr, order.ID)
	if !errors.Is(err, errRejected) || IsFatal(err) {
		t.Fatalf("expected ordinary transfer error, got %v", err)
	}
	if err := h.engine.SetSettlementToken(h.settlement); err != nil {
		t.Fatalf("restore token: %v", err)
	}
	if _, _, err := h.engine.ConfirmDelivery(buyerAddr, order.ID); err != nil {
		t.Fatalf("retry confirm: %v", err)
	}
	h.assertCounters()
}

func TestPayoutConservation(t *testing.T) {
	for _, price := range []uint64{1, 9, 10, 99, 100, 101, 12_345, 1_000_000} {
		h := newHarness(t)
		h.stake(arbiterA, 1_000_000)
		params, _ := h.engine.Params()

		order := h.escrowedOrder(price)
		_, settled, err := h.engine.ConfirmDelivery(buyerAddr, order.ID)
		if err != nil {
			t.Fatalf("price %d: confirm: %v", price, err)
		}
		commission := Commission(uint256.NewInt(price), params)
		if settled.Commission.Cmp(commission) != 0 {
			t.Fatalf("price %d: commission %s want %s", price, settled.Commission, commission)
		}
		if settled.Commission.Uint64()+settled.SellerAmount.Uint64() != price {
			t.Fatalf("price %d: payout not conserved %+v", price, settled)
		}

		for _, buyerWins := range []bool{true, false} {
			disputed := h.escrowedOrder(price)
			if _, err := h.engine.RaiseDispute(buyerAddr, disputed.ID, "problem"); err != nil {
				t.Fatalf("price %d: raise: %v", price, err)
			}
			_, s, err := h.engine.ResolveDispute(arbiterA, disputed.ID, buyerWins, "decided")
			if err != nil {
				t.Fatalf("price %d: resolve: %v", price, err)
			}
			reward := ArbitratorReward(uint256.NewInt(price), params)
			if s.Reward.Cmp(reward) != 0 {
				t.Fatalf("price %d: reward %s want %s", price, s.Reward, reward)
			}
			total := s.Reward.Uint64() + s.BuyerAmount.Uint64() + s.SellerAmount.Uint64() + s.Commission.Uint64()
			if total != price {
				t.Fatalf("price %d buyerWins=%v: dispute payout %d not conserved", price, buyerWins, total)
			}
			if buyerWins && (!s.SellerAmount.IsZero() || !s.Commission.IsZero()) {
				t.Fatalf("price %d: refund paid the seller side %+v", price, s)
			}
			if !buyerWins && !s.BuyerAmount.IsZero() {
				t.Fatalf("price %d: release refunded the buyer %+v", price, s)
			}
		}
		if got := h.balance(h.settlement, h.engine.Custody()); got != 0 {
			t.Fatalf("price %d: custody retains %d", price, got)
		}
		h.assertCounters()
		h.assertStakeInvariant(arbiterA)
	}
}
