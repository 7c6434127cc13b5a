package market

import (
	"errors"
	"time"
)

func secondsDuration(v int64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v) * time.Second
}

func checkLimit(limit uint64) error {
	if limit == 0 || limit > MaxPageSize {
		return ErrInvalidLimit
	}
	return nil
}

// Order returns a copy of the order.
func (e *Engine) Order(id [32]byte) (*Order, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.begin().loadOrder(id)
}

// Dispute returns a copy of the dispute attached to order id.
func (e *Engine) Dispute(id [32]byte) (*Dispute, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.begin().loadDispute(id)
}

// ArbitratorStake returns the stake record of arbitrator.
func (e *Engine) ArbitratorStake(arbitrator [20]byte) (*ArbitratorStake, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx := e.begin()
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
	// A raised minimum is applied lazily; report what the next write will see.
	if stake.Staked.Lt(params.MinimumStake) {
		stake.Active = false
	}
	return stake, nil
}

// Params returns the active parameters.
func (e *Engine) Params() (Params, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.begin().loadParams()
}

// Paused reports whether the engine or the external module switch is paused.
func (e *Engine) Paused() (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	err := e.guard(e.begin())
	if errors.Is(err, ErrPaused) {
		return true, nil
	}
	return false, err
}

// OrderCount returns the number of orders ever created.
func (e *Engine) OrderCount() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.begin().orderCount()
}

// StatusCounts returns the maintained per-status order counters.
func (e *Engine) StatusCounts() (map[OrderStatus]uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx := e.begin()
	counts := make(map[OrderStatus]uint64, len(AllOrderStatuses))
	for _, status := range AllOrderStatuses {
		count, err := tx.statusCount(status)
		if err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, nil
}

// ListOrders pages through every order in creation order.
func (e *Engine) ListOrders(offset, limit uint64) (Page[*Order], error) {
	if err := checkLimit(limit); err != nil {
		return Page[*Order]{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx := e.begin()
	total, err := tx.orderCount()
	if err != nil {
		return Page[*Order]{}, err
	}
	page := Page[*Order]{Total: total, NextOffset: total}
	for seq := offset; seq < total && uint64(len(page.Items)) < limit; seq++ {
		id, err := tx.orderAt(seq)
		if err != nil {
			return Page[*Order]{}, err
		}
		order, err := tx.loadOrder(id)
		if err != nil {
			return Page[*Order]{}, err
		}
		page.Items = append(page.Items, order)
		page.NextOffset = seq + 1
	}
	return page, nil
}

// ListSellerOrders pages through the orders created by seller.
func (e *Engine) ListSellerOrders(seller [20]byte, offset, limit uint64) (Page[*Order], error) {
	if err := checkLimit(limit); err != nil {
		return Page[*Order]{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx := e.begin()
	total, err := tx.sellerOrderCount(seller)
	if err != nil {
		return Page[*Order]{}, err
	}
	page := Page[*Order]{Total: total, NextOffset: total}
	for n := offset; n < total && uint64(len(page.Items)) < limit; n++ {
		id, err := tx.sellerOrderAt(seller, n)
		if err != nil {
			return Page[*Order]{}, err
		}
		order, err := tx.loadOrder(id)
		if err != nil {
			return Page[*Order]{}, err
		}
		page.Items = append(page.Items, order)
		page.NextOffset = n + 1
	}
	return page, nil
}

// ListOrdersByStatus scans the global index from offset and returns orders in
// status. A single call inspects at most MaxStatusScan entries; NextOffset is
// where the next call should resume and equals Total once the index is
// exhausted.
func (e *Engine) ListOrdersByStatus(status OrderStatus, offset, limit uint64) (Page[*Order], error) {
	if !status.Valid() {
		return Page[*Order]{}, ErrInvalidStatus
	}
	if err := checkLimit(limit); err != nil {
		return Page[*Order]{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx := e.begin()
	total, err := tx.orderCount()
	if err != nil {
		return Page[*Order]{}, err
	}
	page := Page[*Order]{Total: total, NextOffset: total}
	if offset >= total {
		return page, nil
	}
	scanned := uint64(0)
	seq := offset
	for ; seq < total && scanned < MaxStatusScan && uint64(len(page.Items)) < limit; seq++ {
		scanned++
		id, err := tx.orderAt(seq)
		if err != nil {
			return Page[*Order]{}, err
		}
		order, err := tx.loadOrder(id)
		if err != nil {
			return Page[*Order]{}, err
		}
		if order.Status == status {
			page.Items = append(page.Items, order)
		}
	}
	page.NextOffset = seq
	return page, nil
}

// ListActiveArbitrators pages through the active-arbitrator registry. The
// registry is unordered and positions shift as arbitrators leave.
func (e *Engine) ListActiveArbitrators(offset, limit uint64) (Page[*ArbitratorStake], error) {
	if err := checkLimit(limit); err != nil {
		return Page[*ArbitratorStake]{}, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx := e.begin()
	params, err := tx.loadParams()
	if err != nil {
		return Page[*ArbitratorStake]{}, err
	}
	total, err := tx.registryLen()
	if err != nil {
		return Page[*ArbitratorStake]{}, err
	}
	page := Page[*ArbitratorStake]{Total: total, NextOffset: total}
	for idx := offset; idx < total && uint64(len(page.Items)) < limit; idx++ {
		addr, err := tx.registryAt(idx)
		if err != nil {
			return Page[*ArbitratorStake]{}, err
		}
		stake, err := tx.loadStake(addr)
		if err != nil {
			return Page[*ArbitratorStake]{}, err
		}
		if stake == nil {
			return Page[*ArbitratorStake]{}, ErrRegistryCorruption
		}
		page.NextOffset = idx + 1
		if stake.Staked.Lt(params.MinimumStake) {
			continue
		}
		page.Items = append(page.Items, stake)
	}
	return page, nil
}

// CanRaiseDispute reports whether the buyer could raise a dispute right now.
func (e *Engine) CanRaiseDispute(id [32]byte) (bool, error) {
	order, err := e.Order(id)
	if err != nil {
		return false, err
	}
	return order.Status == OrderStatusEscrowed &&
		order.DisputeStatus == DisputeStatusNone &&
		e.clock() < order.EscrowDeadline, nil
}

// CanReleaseEscrow reports whether ReleaseEscrowAfterTimeout would succeed on
// timing and state grounds.
func (e *Engine) CanReleaseEscrow(id [32]byte) (bool, error) {
	order, err := e.Order(id)
	if err != nil {
		return false, err
	}
	return order.Status == OrderStatusEscrowed &&
		order.DisputeStatus == DisputeStatusNone &&
		e.clock() >= order.EscrowDeadline, nil
}

// CanReassignDispute reports whether the dispute's arbitrator has timed out.
func (e *Engine) CanReassignDispute(id [32]byte) (bool, error) {
	return e.disputeAged(id, 1)
}

// CanForceResolveDispute reports whether the owner may force-resolve.
func (e *Engine) CanForceResolveDispute(id [32]byte) (bool, error) {
	return e.disputeAged(id, 2)
}

func (e *Engine) disputeAged(id [32]byte, multiple int64) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx := e.begin()
	dispute, err := tx.loadDispute(id)
	if err != nil {
		return false, err
	}
	if dispute.Status != DisputeStatusInArbitration {
		return false, nil
	}
	params, err := tx.loadParams()
	if err != nil {
		return false, err
	}
	return e.now() >= dispute.RaisedAt+multiple*params.arbitratorTimeoutSeconds(), nil
}

// EscrowTimeRemaining returns the time left before an escrowed order becomes
// releasable. It is zero once the deadline has passed or the order is not
// escrowed.
func (e *Engine) EscrowTimeRemaining(id [32]byte) (time.Duration, error) {
	order, err := e.Order(id)
	if err != nil {
		return 0, err
	}
	if order.Status != OrderStatusEscrowed {
		return 0, nil
	}
	return secondsDuration(order.EscrowDeadline - e.clock()), nil
}

// ArbitrationTimeRemaining returns the time left before the dispute becomes
// reassignable. It is zero when the dispute is not in arbitration.
func (e *Engine) ArbitrationTimeRemaining(id [32]byte) (time.Duration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tx := e.begin()
	dispute, err := tx.loadDispute(id)
	if err != nil {
		return 0, err
	}
	if dispute.Status != DisputeStatusInArbitration {
		return 0, nil
	}
	params, err := tx.loadParams()
	if err != nil {
		return 0, err
	}
	return secondsDuration(dispute.RaisedAt + params.arbitratorTimeoutSeconds() - e.now()), nil
}

func (e *Engine) clock() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.now()
}
