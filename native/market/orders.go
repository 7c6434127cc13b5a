package market

import (
	"log/slog"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// ComputeOrderID derives the order identifier from its creator, content, price
// and the global order counter.
func ComputeOrderID(seller [20]byte, orderType, description string, price *uint256.Int, counter uint64) [32]byte {
	price32 := cloneAmount(price).Bytes32()
	return ethcrypto.Keccak256Hash(
		seller[:],
		[]byte(orderType),
		[]byte{0},
		[]byte(description),
		price32[:],
		u64Bytes(counter),
	)
}

func validateListing(orderType, description string, price *uint256.Int) error {
	if err := validateText(orderType, MaxTypeLength, false, ErrInvalidType); err != nil {
		return err
	}
	if err := validateText(description, MaxDescriptionLength, false, ErrInvalidDescription); err != nil {
		return err
	}
	if price == nil || price.IsZero() || price.Gt(MaxPrice) {
		return ErrInvalidPrice
	}
	return nil
}

// CreateOrder lists a new order for seller.
func (e *Engine) CreateOrder(seller [20]byte, orderType, description string, price *uint256.Int) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if seller == ([20]byte{}) {
		return nil, ErrInvalidAddress
	}
	if err := validateListing(orderType, description, price); err != nil {
		return nil, err
	}
	tx := e.begin()
	if err := e.guard(tx); err != nil {
		return nil, err
	}
	seq, err := tx.orderCount()
	if err != nil {
		return nil, err
	}
	id := ComputeOrderID(seller, orderType, description, price, seq)
	exists, err := tx.orderExists(id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, e.fail("create", ErrOrderIDCollision)
	}
	now := e.now()
	order := &Order{
		ID:          id,
		Seq:         seq,
		Seller:      seller,
		Type:        orderType,
		Description: description,
		Price:       cloneAmount(price),
		CreatedAt:   now,
	}
	if err := tx.applyStatus(order, OrderStatusActive, now); err != nil {
		return nil, e.fail("create", err)
	}
	if err := tx.appendOrder(order); err != nil {
		return nil, e.fail("create", err)
	}
	if err := e.commit("create", tx, nil); err != nil {
		return nil, err
	}
	e.emit(newOrderEvent(EventTypeOrderCreated, order))
	e.logger.Debug("market: order created", slog.String("order", idHex(id)), slog.String("seller", addrHex(seller)), slog.String("price", order.Price.Dec()))
	return order.Clone(), nil
}

// EditOrder replaces the listing fields of an active order.
func (e *Engine) EditOrder(seller [20]byte, id [32]byte, orderType, description string, price *uint256.Int) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := validateListing(orderType, description, price); err != nil {
		return nil, err
	}
	tx := e.begin()
	if err := e.guard(tx); err != nil {
		return nil, err
	}
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Seller != seller {
		return nil, ErrNotSeller
	}
	if order.Status != OrderStatusActive {
		return nil, ErrOrderNotActive
	}
	order.Type = orderType
	order.Description = description
	order.Price = cloneAmount(price)
	order.UpdatedAt = e.now()
	if err := tx.storeOrder(order); err != nil {
		return nil, err
	}
	if err := e.commit("edit", tx, nil); err != nil {
		return nil, err
	}
	e.emit(newOrderEvent(EventTypeOrderEdited, order))
	return order.Clone(), nil
}

// DelistOrder cancels an active order. It remains available while the market
// is paused.
func (e *Engine) DelistOrder(seller [20]byte, id [32]byte) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx := e.begin()
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, err
	}
	if order.Seller != seller {
		return nil, ErrNotSeller
	}
	if order.Status != OrderStatusActive {
		return nil, ErrOrderNotActive
	}
	if err := tx.applyStatus(order, OrderStatusCancelled, e.now()); err != nil {
		return nil, e.fail("delist", err)
	}
	if err := e.commit("delist", tx, nil); err != nil {
		return nil, err
	}
	e.emit(newOrderEvent(EventTypeOrderCancelled, order))
	return order.Clone(), nil
}

// MatchOrder buys an active order, pulling its price from buyer into custody
// and opening the escrow window.
func (e *Engine) MatchOrder(buyer [20]byte, id [32]byte) (*Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if buyer == ([20]byte{}) {
		return nil, ErrInvalidAddress
	}
	if err := e.requireSettlement(); err != nil {
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
	if order.Seller == buyer {
		return nil, ErrSellerCannotBuy
	}
	if order.Status != OrderStatusActive {
		return nil, ErrOrderNotActive
	}
	now := e.now()
	order.Buyer = buyer
	order.EscrowDeadline = now + params.escrowWindowSeconds()
	order.DeliveryConfirmed = false
	order.DisputeStatus = DisputeStatusNone
	if err := tx.applyStatus(order, OrderStatusEscrowed, now); err != nil {
		return nil, e.fail("match", err)
	}
	plan := new(transferPlan)
	plan.pull(e.settlementToken, buyer, order.Price, "escrow deposit")
	if err := e.commit("match", tx, plan); err != nil {
		return nil, err
	}
	e.emit(newOrderEvent(EventTypeOrderMatched, order))
	e.logger.Debug("market: order matched", slog.String("order", idHex(id)), slog.String("buyer", addrHex(buyer)), slog.Int64("deadline", order.EscrowDeadline))
	return order.Clone(), nil
}

// ConfirmDelivery completes an escrowed order on the buyer's word and pays the
// seller.
func (e *Engine) ConfirmDelivery(buyer [20]byte, id [32]byte) (*Order, *Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
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
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, nil, err
	}
	if order.Buyer != buyer || !order.HasBuyer() {
		return nil, nil, ErrNotBuyer
	}
	if order.Status != OrderStatusEscrowed {
		return nil, nil, ErrOrderNotEscrowed
	}
	if order.DisputeStatus != DisputeStatusNone {
		return nil, nil, ErrDisputeOutstanding
	}
	if order.DeliveryConfirmed {
		return nil, nil, ErrDeliveryConfirmed
	}
	order.DeliveryConfirmed = true
	return e.complete(tx, params, order, SettlementTriggerConfirmed)
}

// ReleaseEscrowAfterTimeout completes an escrowed order once its escrow
// deadline has passed. Anyone may call it.
func (e *Engine) ReleaseEscrowAfterTimeout(caller [20]byte, id [32]byte) (*Order, *Settlement, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
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
	order, err := tx.loadOrder(id)
	if err != nil {
		return nil, nil, err
	}
	if order.Status != OrderStatusEscrowed {
		return nil, nil, ErrOrderNotEscrowed
	}
	if order.DisputeStatus != DisputeStatusNone {
		return nil, nil, ErrDisputeOutstanding
	}
	if e.now() < order.EscrowDeadline {
		return nil, nil, ErrEscrowNotExpired
	}
	e.logger.Debug("market: escrow released after timeout", slog.String("order", idHex(id)), slog.String("caller", addrHex(caller)))
	return e.complete(tx, params, order, SettlementTriggerTimeout)
}

// complete pays the seller in full and marks the order Completed.
func (e *Engine) complete(tx *stateTx, params Params, order *Order, trigger string) (*Order, *Settlement, error) {
	plan := new(transferPlan)
	settlement := e.settle(plan, params, order, false, [20]byte{}, nil, trigger)
	if err := tx.applyStatus(order, OrderStatusCompleted, e.now()); err != nil {
		return nil, nil, e.fail(trigger, err)
	}
	if err := e.commit(trigger, tx, plan); err != nil {
		return nil, nil, err
	}
	e.emit(newSettledOrderEvent(EventTypeOrderCompleted, order, settlement))
	e.logger.Info("market: order settled",
		slog.String("order", idHex(order.ID)),
		slog.String("trigger", trigger),
		slog.String("seller_amount", settlement.SellerAmount.Dec()),
		slog.String("commission", settlement.Commission.Dec()))
	return order.Clone(), settlement, nil
}
