package market

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/holiman/uint256"

	nativecommon "p2pmarket/native/common"
)

func TestCreateOrderValidation(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name        string
		orderType   string
		description string
		price       *uint256.Int
		want        error
	}{
		{"empty type", "  ", "desc", uint256.NewInt(1), ErrInvalidType},
		{"long type", strings.Repeat("t", MaxTypeLength+1), "desc", uint256.NewInt(1), ErrInvalidType},
		{"empty description", "goods", "", uint256.NewInt(1), ErrInvalidDescription},
		{"long description", "goods", strings.Repeat("d", MaxDescriptionLength+1), uint256.NewInt(1), ErrInvalidDescription},
		{"zero price", "goods", "desc", uint256.NewInt(0), ErrInvalidPrice},
		{"nil price", "goods", "desc", nil, ErrInvalidPrice},
		{"price above max", "goods", "desc", new(uint256.Int).AddUint64(MaxPrice, 1), ErrInvalidPrice},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.engine.CreateOrder(sellerAddr, tc.orderType, tc.description, tc.price)
			if !errors.Is(err, tc.want) || !errors.Is(err, ErrValidation) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	if _, err := h.engine.CreateOrder(sellerAddr, "goods", "desc", MaxPrice); err != nil {
		t.Fatalf("max price should be accepted: %v", err)
	}
	if len(h.recorder.Types()) != 1 {
		t.Fatalf("rejected orders must not emit events, got %v", h.recorder.Types())
	}
	h.assertCounters()
}

func TestOrderIDsAreUniquePerCounter(t *testing.T) {
	h := newHarness(t)
	first := h.createOrder(10)
	second := h.createOrder(10)
	if first.ID == second.ID {
		t.Fatalf("identical listings must receive distinct identifiers")
	}
	if first.Seq != 0 || second.Seq != 1 {
		t.Fatalf("unexpected sequence numbers %d, %d", first.Seq, second.Seq)
	}
	if want := ComputeOrderID(sellerAddr, "goods", "a vintage lamp", uint256.NewInt(10), 1); second.ID != want {
		t.Fatalf("identifier not derived from counter")
	}
}

func TestOrderIDCollisionIsFatal(t *testing.T) {
	h := newHarness(t)
	id := ComputeOrderID(sellerAddr, "goods", "a vintage lamp", uint256.NewInt(10), 0)
	if err := h.db.Put(orderKey(id), []byte{0xc0}); err != nil {
		t.Fatalf("seed collision: %v", err)
	}
	_, err := h.engine.CreateOrder(sellerAddr, "goods", "a vintage lamp", uint256.NewInt(10))
	if !errors.Is(err, ErrOrderIDCollision) || !IsFatal(err) {
		t.Fatalf("expected fatal collision, got %v", err)
	}
	if count, _ := h.engine.OrderCount(); count != 0 {
		t.Fatalf("collision must not advance the counter, got %d", count)
	}
}

func TestEditAndDelistOrder(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(10)
	h.advance(time.Minute)
	if _, err := h.engine.EditOrder(strangerAddr, order.ID, "goods", "x", uint256.NewInt(5)); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	edited, err := h.engine.EditOrder(sellerAddr, order.ID, "services", "repair", uint256.NewInt(25))
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.ID != order.ID || edited.CreatedAt != order.CreatedAt || edited.UpdatedAt != h.now {
		t.Fatalf("edit changed identity or timestamps: %+v", edited)
	}
	if edited.Price.Uint64() != 25 || edited.Type != "services" {
		t.Fatalf("edit not applied: %+v", edited)
	}
	if err := h.engine.Pause(ownerAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, err := h.engine.EditOrder(sellerAddr, order.ID, "goods", "x", uint256.NewInt(5)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected edit blocked while paused, got %v", err)
	}
	if _, err := h.engine.DelistOrder(strangerAddr, order.ID); !errors.Is(err, ErrNotSeller) {
		t.Fatalf("expected ErrNotSeller, got %v", err)
	}
	delisted, err := h.engine.DelistOrder(sellerAddr, order.ID)
	if err != nil {
		t.Fatalf("delist while paused: %v", err)
	}
	if delisted.Status != OrderStatusCancelled || delisted.HasBuyer() {
		t.Fatalf("unexpected delisted order %+v", delisted)
	}
	if _, err := h.engine.DelistOrder(sellerAddr, order.ID); !errors.Is(err, ErrOrderNotActive) {
		t.Fatalf("expected ErrOrderNotActive, got %v", err)
	}
	h.assertCounters()
}

func TestMatchOrderRules(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(10)
	if _, err := h.engine.MatchOrder(sellerAddr, order.ID); !errors.Is(err, ErrSellerCannotBuy) {
		t.Fatalf("expected ErrSellerCannotBuy, got %v", err)
	}
	if _, err := h.engine.MatchOrder(buyerAddr, [32]byte{0x99}); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	// An unfunded buyer fails on the pull and leaves no trace.
	poor := newTestAddress(0x55)
	_, err := h.engine.MatchOrder(poor, order.ID)
	if err == nil || IsFatal(err) {
		t.Fatalf("expected ordinary transfer failure, got %v", err)
	}
	if got := h.order(order.ID); got.Status != OrderStatusActive || got.HasBuyer() {
		t.Fatalf("failed match mutated order %+v", got)
	}
	if _, err := h.engine.MatchOrder(buyerAddr, order.ID); err != nil {
		t.Fatalf("match: %v", err)
	}
	if _, err := h.engine.MatchOrder(strangerAddr, order.ID); !errors.Is(err, ErrOrderNotActive) {
		t.Fatalf("expected ErrOrderNotActive, got %v", err)
	}
	h.assertCounters()
}

func TestEscrowTiming(t *testing.T) {
	h := newHarness(t)
	order := h.escrowedOrder(1_000)
	window := int64(7 * 24 * time.Hour / time.Second)
	if order.EscrowDeadline != testStart+window {
		t.Fatalf("expected deadline T+W, got %d", order.EscrowDeadline)
	}
	previous := time.Duration(1<<63 - 1)
	for _, step := range []time.Duration{0, time.Hour, 3 * 24 * time.Hour, 4*24*time.Hour - time.Hour - time.Second} {
		h.advance(step)
		remaining, err := h.engine.EscrowTimeRemaining(order.ID)
		if err != nil {
			t.Fatalf("time remaining: %v", err)
		}
		if remaining > previous || remaining < 0 {
			t.Fatalf("remaining time not monotone: %s after %s", remaining, previous)
		}
		previous = remaining
		if ok, _ := h.engine.CanReleaseEscrow(order.ID); ok {
			t.Fatalf("escrow releasable before deadline at %d", h.now)
		}
		if _, _, err := h.engine.ReleaseEscrowAfterTimeout(strangerAddr, order.ID); !errors.Is(err, ErrEscrowNotExpired) {
			t.Fatalf("expected ErrEscrowNotExpired, got %v", err)
		}
	}
	if h.now != testStart+window-1 {
		t.Fatalf("test arithmetic drifted: %d", h.now-testStart)
	}
	if ok, _ := h.engine.CanRaiseDispute(order.ID); !ok {
		t.Fatalf("dispute should be raisable one second before the deadline")
	}
	h.advance(time.Second)
	if remaining, _ := h.engine.EscrowTimeRemaining(order.ID); remaining != 0 {
		t.Fatalf("expected zero remaining at deadline, got %s", remaining)
	}
	if ok, _ := h.engine.CanReleaseEscrow(order.ID); !ok {
		t.Fatalf("escrow should be releasable at the deadline")
	}
	if ok, _ := h.engine.CanRaiseDispute(order.ID); ok {
		t.Fatalf("dispute should not be raisable at the deadline")
	}
	h.advance(time.Hour)
	if remaining, _ := h.engine.EscrowTimeRemaining(order.ID); remaining != 0 {
		t.Fatalf("remaining time went negative: %s", remaining)
	}
	completed, settlement, err := h.engine.ReleaseEscrowAfterTimeout(strangerAddr, order.ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if completed.Status != OrderStatusCompleted || settlement.Trigger != SettlementTriggerTimeout {
		t.Fatalf("unexpected release result %+v %+v", completed, settlement)
	}
	if settlement.Commission.Uint64()+settlement.SellerAmount.Uint64() != 1_000 {
		t.Fatalf("payout does not conserve price: %+v", settlement)
	}
	h.assertCounters()
}

func TestRaiseDisputeWithoutArbitratorsLeavesOrderEscrowed(t *testing.T) {
	h := newHarness(t)
	order := h.escrowedOrder(1_000)
	if _, err := h.engine.RaiseDispute(strangerAddr, order.ID, "late"); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
	if _, err := h.engine.RaiseDispute(buyerAddr, order.ID, ""); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason, got %v", err)
	}
	_, err := h.engine.RaiseDispute(buyerAddr, order.ID, "late")
	if !errors.Is(err, ErrNoEligibleArbitrator) || IsFatal(err) {
		t.Fatalf("expected recoverable ErrNoEligibleArbitrator, got %v", err)
	}
	// The order's own parties are never eligible.
	h.stake(sellerAddr, 5_000)
	h.stake(buyerAddr, 5_000)
	if _, err := h.engine.RaiseDispute(buyerAddr, order.ID, "late"); !errors.Is(err, ErrNoEligibleArbitrator) {
		t.Fatalf("expected parties to be excluded, got %v", err)
	}
	// An arbitrator without enough unlocked stake is skipped.
	h.stake(arbiterA, 1_000)
	large := h.escrowedOrder(20_000)
	if _, err := h.engine.RaiseDispute(buyerAddr, large.ID, "late"); !errors.Is(err, ErrNoEligibleArbitrator) {
		t.Fatalf("expected under-collateralised arbitrator skipped, got %v", err)
	}
	if got := h.order(order.ID); got.Status != OrderStatusEscrowed {
		t.Fatalf("order left %s after failed raise", got.Status)
	}
	dispute, err := h.engine.RaiseDispute(buyerAddr, order.ID, "late")
	if err != nil {
		t.Fatalf("raise with eligible arbitrator: %v", err)
	}
	if dispute.Arbitrator != arbiterA {
		t.Fatalf("expected arbiterA, got %x", dispute.Arbitrator)
	}
	h.assertCounters()
	h.assertStakeInvariant(sellerAddr, buyerAddr, arbiterA)
}

func TestConfirmDeliveryRules(t *testing.T) {
	h := newHarness(t)
	h.stake(arbiterA, 5_000)
	order := h.escrowedOrder(1_000)
	if _, _, err := h.engine.ConfirmDelivery(strangerAddr, order.ID); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
	if _, err := h.engine.RaiseDispute(buyerAddr, order.ID, "late"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if _, _, err := h.engine.ConfirmDelivery(buyerAddr, order.ID); !errors.Is(err, ErrOrderNotEscrowed) {
		t.Fatalf("expected disputed order to reject confirm, got %v", err)
	}
	h.advance(8 * 24 * time.Hour)
	if _, _, err := h.engine.ReleaseEscrowAfterTimeout(strangerAddr, order.ID); !errors.Is(err, ErrOrderNotEscrowed) {
		t.Fatalf("expected disputed order to block release, got %v", err)
	}
}

func TestUnstakeRules(t *testing.T) {
	h := newHarness(t)
	h.stake(arbiterA, 1_500)
	order := h.escrowedOrder(1_000)
	if _, err := h.engine.RaiseDispute(buyerAddr, order.ID, "late"); err != nil {
		t.Fatalf("raise: %v", err)
	}
	h.advance(30 * 24 * time.Hour)
	if _, err := h.engine.Unstake(arbiterA, uint256.NewInt(2_000)); !errors.Is(err, ErrInsufficientStake) {
		t.Fatalf("expected ErrInsufficientStake, got %v", err)
	}
	if _, err := h.engine.Unstake(arbiterA, uint256.NewInt(1)); !errors.Is(err, ErrStakeLocked) {
		t.Fatalf("any lock must block unstaking, got %v", err)
	}
	if _, err := h.engine.Unstake(arbiterB, uint256.NewInt(1)); !errors.Is(err, ErrStakeNotFound) {
		t.Fatalf("expected ErrStakeNotFound, got %v", err)
	}
	if _, err := h.engine.Stake(arbiterA, uint256.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, _, err := h.engine.ResolveDispute(arbiterA, order.ID, false, "delivered"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// Top-ups restart the delay.
	h.stake(arbiterA, 100)
	if _, err := h.engine.Unstake(arbiterA, uint256.NewInt(1_000)); !errors.Is(err, ErrUnstakeTooEarly) {
		t.Fatalf("expected top-up to refresh delay, got %v", err)
	}
	h.advance(7 * 24 * time.Hour)
	stake, err := h.engine.Unstake(arbiterA, uint256.NewInt(1_000))
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if stake.Active || stake.Staked.Uint64() != 600 {
		t.Fatalf("expected partial unstake below minimum to deactivate, got %+v", stake)
	}
	h.assertStakeInvariant(arbiterA)
}

func TestRegistrySwapAndTruncate(t *testing.T) {
	h := newHarness(t)
	for _, addr := range [][20]byte{arbiterA, arbiterB, arbiterC} {
		h.stake(addr, 1_000)
	}
	h.advance(7 * 24 * time.Hour)
	if _, err := h.engine.Unstake(arbiterA, uint256.NewInt(1)); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	page, err := h.engine.ListActiveArbitrators(0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 2 {
		t.Fatalf("expected two active arbitrators, got %+v", page)
	}
	seen := map[[20]byte]bool{}
	for _, stake := range page.Items {
		seen[stake.Arbitrator] = true
	}
	if !seen[arbiterB] || !seen[arbiterC] || seen[arbiterA] {
		t.Fatalf("unexpected registry contents %v", seen)
	}
	// Re-activating appends again without duplicating entries.
	h.stake(arbiterA, 1)
	h.stake(arbiterA, 1)
	page, err = h.engine.ListActiveArbitrators(0, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 3 {
		t.Fatalf("expected three active arbitrators, got %d", page.Total)
	}
	h.assertStakeInvariant(arbiterA, arbiterB, arbiterC)
}

func TestRefreshArbitratorAfterMinimumChange(t *testing.T) {
	h := newHarness(t)
	h.stake(arbiterA, 1_000)
	params := testParams()
	params.MinimumStake = uint256.NewInt(2_000)
	if _, err := h.engine.SetParams(ownerAddr, params); err != nil {
		t.Fatalf("set params: %v", err)
	}
	stake, err := h.engine.RefreshArbitrator(arbiterA)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if stake.Active {
		t.Fatalf("expected arbitrator deactivated under new minimum")
	}
	if page, _ := h.engine.ListActiveArbitrators(0, 10); page.Total != 0 {
		t.Fatalf("expected empty registry, got %d", page.Total)
	}
	h.assertStakeInvariant(arbiterA)
}

func TestPauseGatesMutations(t *testing.T) {
	h := newHarness(t)
	order := h.createOrder(10)
	if err := h.engine.Pause(strangerAddr); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	if err := h.engine.Pause(ownerAddr); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused, _ := h.engine.Paused(); !paused {
		t.Fatalf("expected paused")
	}
	if _, err := h.engine.CreateOrder(sellerAddr, "goods", "x", uint256.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if _, err := h.engine.MatchOrder(buyerAddr, order.ID); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if _, err := h.engine.Stake(arbiterA, uint256.NewInt(1)); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected ErrPaused, got %v", err)
	}
	if err := h.engine.Unpause(ownerAddr); err != nil {
		t.Fatalf("unpause: %v", err)
	}
	pauses := nativecommon.NewPauseSet(ModuleName)
	h.engine.SetPauses(pauses)
	if _, err := h.engine.MatchOrder(buyerAddr, order.ID); !errors.Is(err, ErrPaused) {
		t.Fatalf("expected external pause honoured, got %v", err)
	}
	pauses.Set(ModuleName, false)
	if _, err := h.engine.MatchOrder(buyerAddr, order.ID); err != nil {
		t.Fatalf("match after unpause: %v", err)
	}
	got := h.recorder.Types()
	if got[len(got)-1] != EventTypeOrderMatched {
		t.Fatalf("unexpected final event %v", got)
	}
}

func TestSetParamsCapsAndOwnership(t *testing.T) {
	h := newHarness(t)
	if _, err := h.engine.SetParams(strangerAddr, testParams()); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("expected ErrNotOwner, got %v", err)
	}
	mutations := map[string]func(*Params){
		"commission":   func(p *Params) { p.CommissionBps = MaxCommissionBps + 1 },
		"escrow":       func(p *Params) { p.EscrowWindow = MaxEscrowWindow + time.Second },
		"zero escrow":  func(p *Params) { p.EscrowWindow = 0 },
		"minimum":      func(p *Params) { p.MinimumStake = new(uint256.Int) },
		"reward":       func(p *Params) { p.ArbitratorRewardBps = MaxArbitratorRewardBps + 1 },
		"slash":        func(p *Params) { p.SlashBps = MaxSlashBps + 1 },
		"checks":       func(p *Params) { p.MaxArbitratorChecks = 0 },
		"checks cap":   func(p *Params) { p.MaxArbitratorChecks = MaxArbitratorChecksCap + 1 },
		"timeout":      func(p *Params) { p.ArbitratorTimeout = MaxArbitratorTimeout + time.Second },
		"sub second":   func(p *Params) { p.ArbitratorTimeout = time.Hour + time.Millisecond },
		"unstake wait": func(p *Params) { p.UnstakeDelay = -time.Second },
	}
	for name, mutate := range mutations {
		params := testParams()
		mutate(&params)
		if _, err := h.engine.SetParams(ownerAddr, params); !errors.Is(err, ErrInvalidParams) {
			t.Fatalf("%s: expected ErrInvalidParams, got %v", name, err)
		}
	}
	params := testParams()
	params.CommissionBps = 0
	params.EscrowWindow = time.Hour
	if _, err := h.engine.SetParams(ownerAddr, params); err != nil {
		t.Fatalf("set params: %v", err)
	}
	stored, err := h.engine.Params()
	if err != nil {
		t.Fatalf("params: %v", err)
	}
	if stored.CommissionBps != 0 || stored.EscrowWindow != time.Hour || stored.Treasury != treasuryAddr {
		t.Fatalf("params not persisted: %+v", stored)
	}
}

func TestReviews(t *testing.T) {
	h := newHarness(t)
	order := h.escrowedOrder(100)
	if _, err := h.engine.SubmitReview(buyerAddr, order.ID, 5, "great"); !errors.Is(err, ErrOrderNotCompleted) {
		t.Fatalf("expected ErrOrderNotCompleted, got %v", err)
	}
	if _, _, err := h.engine.ConfirmDelivery(buyerAddr, order.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := h.engine.SubmitReview(strangerAddr, order.ID, 5, "great"); !errors.Is(err, ErrNotBuyer) {
		t.Fatalf("expected ErrNotBuyer, got %v", err)
	}
	if _, err := h.engine.SubmitReview(buyerAddr, order.ID, 6, "great"); !errors.Is(err, ErrInvalidRating) {
		t.Fatalf("expected ErrInvalidRating, got %v", err)
	}
	if _, err := h.engine.SubmitReview(buyerAddr, order.ID, 4, strings.Repeat("c", MaxCommentLength+1)); !errors.Is(err, ErrInvalidComment) {
		t.Fatalf("expected ErrInvalidComment, got %v", err)
	}
	if _, err := h.engine.SubmitReview(buyerAddr, order.ID, 4, "solid"); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := h.engine.SubmitReview(buyerAddr, order.ID, 5, "again"); !errors.Is(err, ErrReviewExists) {
		t.Fatalf("expected ErrReviewExists, got %v", err)
	}
	second := h.escrowedOrder(100)
	if _, _, err := h.engine.ConfirmDelivery(buyerAddr, second.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := h.engine.SubmitReview(buyerAddr, second.ID, 5, ""); err != nil {
		t.Fatalf("review: %v", err)
	}
	rating, err := h.engine.SellerRating(sellerAddr)
	if err != nil {
		t.Fatalf("rating: %v", err)
	}
	if rating.Count != 2 || rating.Sum != 9 || rating.AverageX100() != 450 {
		t.Fatalf("unexpected rating %+v", rating)
	}
	review, err := h.engine.Review(order.ID, buyerAddr)
	if err != nil {
		t.Fatalf("load review: %v", err)
	}
	if review.Rating != 4 || review.Seller != sellerAddr {
		t.Fatalf("unexpected review %+v", review)
	}
}

func TestEngineStateSurvivesReopen(t *testing.T) {
	h := newHarness(t)
	h.stake(arbiterA, 2_000)
	order := h.escrowedOrder(500)
	reopened := NewEngine(h.db, ownerAddr)
	got, err := reopened.Order(order.ID)
	if err != nil {
		t.Fatalf("reopened order: %v", err)
	}
	if got.Status != OrderStatusEscrowed || got.Buyer != buyerAddr || got.Price.Uint64() != 500 {
		t.Fatalf("unexpected reopened order %+v", got)
	}
	stake, err := reopened.ArbitratorStake(arbiterA)
	if err != nil {
		t.Fatalf("reopened stake: %v", err)
	}
	if stake.Staked.Uint64() != 2_000 || !stake.Active {
		t.Fatalf("unexpected reopened stake %+v", stake)
	}
	params, err := reopened.Params()
	if err != nil {
		t.Fatalf("reopened params: %v", err)
	}
	if params.Governance != governanceAddr {
		t.Fatalf("params not reloaded: %+v", params)
	}
}
