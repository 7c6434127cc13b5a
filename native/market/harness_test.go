package market

import (
	"bytes"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"p2pmarket/core/events"
	"p2pmarket/native/token"
	"p2pmarket/storage"
)

const testStart = int64(1_700_000_000)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

var (
	ownerAddr      = newTestAddress(0x01)
	governanceAddr = newTestAddress(0x02)
	treasuryAddr   = newTestAddress(0x03)
	feeAddr        = newTestAddress(0x04)
	sellerAddr     = newTestAddress(0x10)
	buyerAddr      = newTestAddress(0x20)
	strangerAddr   = newTestAddress(0x30)
	arbiterA       = newTestAddress(0xA1)
	arbiterB       = newTestAddress(0xB2)
	arbiterC       = newTestAddress(0xC3)
)

type harness struct {
	t          *testing.T
	db         *storage.MemDB
	engine     *Engine
	settlement *token.Ledger
	staking    *token.Ledger
	recorder   *events.Recorder
	now        int64
}

func testParams() Params {
	params := DefaultParams()
	params.CommissionRecipient = feeAddr
	params.Governance = governanceAddr
	params.Treasury = treasuryAddr
	return params
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, db: storage.NewMemDB(), recorder: &events.Recorder{}, now: testStart}
	var err error
	h.settlement, err = token.NewLedger(h.db, "USDX", 6, ownerAddr)
	if err != nil {
		t.Fatalf("settlement ledger: %v", err)
	}
	h.staking, err = token.NewLedger(h.db, "ARB", 18, ownerAddr)
	if err != nil {
		t.Fatalf("staking ledger: %v", err)
	}
	h.engine = NewEngine(h.db, ownerAddr)
	h.engine.SetNowFunc(func() int64 { return h.now })
	h.engine.SetRandomSource(rand.NewChaCha8([32]byte{7}))
	h.engine.SetEmitter(h.recorder)
	if err := h.engine.SetSettlementToken(h.settlement); err != nil {
		t.Fatalf("set settlement token: %v", err)
	}
	if err := h.engine.SetStakingToken(h.staking); err != nil {
		t.Fatalf("set staking token: %v", err)
	}
	if _, err := h.engine.SetParams(ownerAddr, testParams()); err != nil {
		t.Fatalf("set params: %v", err)
	}
	for _, account := range [][20]byte{buyerAddr, sellerAddr, strangerAddr, arbiterA, arbiterB, arbiterC} {
		h.fund(account, 1_000_000)
	}
	h.recorder.Reset()
	return h
}

// fund mints both tokens to account and approves custody to pull them.
func (h *harness) fund(account [20]byte, amount uint64) {
	h.t.Helper()
	value := uint256.NewInt(amount)
	custody := h.engine.Custody()
	for _, ledger := range []*token.Ledger{h.settlement, h.staking} {
		if err := ledger.Mint(ownerAddr, account, value); err != nil {
			h.t.Fatalf("mint: %v", err)
		}
		if err := ledger.Approve(account, custody, new(uint256.Int).SetAllOne()); err != nil {
			h.t.Fatalf("approve: %v", err)
		}
	}
}

func (h *harness) advance(d time.Duration) { h.now += int64(d / time.Second) }

func (h *harness) balance(ledger *token.Ledger, account [20]byte) uint64 {
	h.t.Helper()
	value, err := ledger.BalanceOf(account)
	if err != nil {
		h.t.Fatalf("balance: %v", err)
	}
	return value.Uint64()
}

func (h *harness) createOrder(price uint64) *Order {
	h.t.Helper()
	order, err := h.engine.CreateOrder(sellerAddr, "goods", "a vintage lamp", uint256.NewInt(price))
	if err != nil {
		h.t.Fatalf("create order: %v", err)
	}
	return order
}

func (h *harness) escrowedOrder(price uint64) *Order {
	h.t.Helper()
	order := h.createOrder(price)
	matched, err := h.engine.MatchOrder(buyerAddr, order.ID)
	if err != nil {
		h.t.Fatalf("match order: %v", err)
	}
	return matched
}

func (h *harness) stake(arbitrator [20]byte, amount uint64) *ArbitratorStake {
	h.t.Helper()
	stake, err := h.engine.Stake(arbitrator, uint256.NewInt(amount))
	if err != nil {
		h.t.Fatalf("stake: %v", err)
	}
	return stake
}

func (h *harness) arbitratorStake(addr [20]byte) *ArbitratorStake {
	h.t.Helper()
	stake, err := h.engine.ArbitratorStake(addr)
	if err != nil {
		h.t.Fatalf("load stake: %v", err)
	}
	return stake
}

func (h *harness) order(id [32]byte) *Order {
	h.t.Helper()
	order, err := h.engine.Order(id)
	if err != nil {
		h.t.Fatalf("load order: %v", err)
	}
	return order
}

// assertCounters checks that the maintained status counters agree with the
// records themselves and add up to the number of orders created.
func (h *harness) assertCounters() {
	h.t.Helper()
	counts, err := h.engine.StatusCounts()
	if err != nil {
		h.t.Fatalf("status counts: %v", err)
	}
	total, err := h.engine.OrderCount()
	if err != nil {
		h.t.Fatalf("order count: %v", err)
	}
	observed := make(map[OrderStatus]uint64)
	for offset := uint64(0); offset < total; {
		page, err := h.engine.ListOrders(offset, MaxPageSize)
		if err != nil {
			h.t.Fatalf("list orders: %v", err)
		}
		for _, order := range page.Items {
			observed[order.Status]++
		}
		offset = page.NextOffset
	}
	var sum uint64
	for _, status := range AllOrderStatuses {
		sum += counts[status]
		if counts[status] != observed[status] {
			h.t.Fatalf("status %s: counter %d, records %d", status, counts[status], observed[status])
		}
	}
	if sum != total {
		h.t.Fatalf("status counters sum to %d, %d orders created", sum, total)
	}
}

// assertStakeInvariant checks staked >= locked and the active flag for addrs.
func (h *harness) assertStakeInvariant(addrs ...[20]byte) {
	h.t.Helper()
	params, err := h.engine.Params()
	if err != nil {
		h.t.Fatalf("params: %v", err)
	}
	for _, addr := range addrs {
		stake, err := h.engine.ArbitratorStake(addr)
		if err != nil {
			continue
		}
		if stake.Staked.Lt(stake.Locked) {
			h.t.Fatalf("arbitrator %x: staked %s below locked %s", addr[:2], stake.Staked, stake.Locked)
		}
		if stake.Active != !stake.Staked.Lt(params.MinimumStake) {
			h.t.Fatalf("arbitrator %x: active=%v with staked %s", addr[:2], stake.Active, stake.Staked)
		}
	}
}
