package market

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"p2pmarket/storage"
)

// Store is the key-value backend the engine persists into. storage.Database
// satisfies it.
type Store interface {
	Get(key []byte) ([]byte, error)
	Write(batch *storage.Batch) error
}

var (
	orderPrefix        = []byte("market/order/")
	orderSeqPrefix     = []byte("market/order-seq/")
	sellerIndexPrefix  = []byte("market/seller/")
	sellerCountPrefix  = []byte("market/seller-count/")
	orderCounterKey    = []byte("market/counter/orders")
	statusCountPrefix  = []byte("market/status-count/")
	disputePrefix      = []byte("market/dispute/")
	stakePrefix        = []byte("market/stake/")
	registryLenKey     = []byte("market/registry/len")
	registryAtPrefix   = []byte("market/registry/at/")
	registryPosPrefix  = []byte("market/registry/pos/")
	paramsKey          = []byte("market/params")
	pausedKey          = []byte("market/paused")
	reviewPrefix       = []byte("market/review/")
	sellerRatingPrefix = []byte("market/rating/")
)

func joinKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part)
	}
	key := make([]byte, 0, size)
	key = append(key, prefix...)
	for _, part := range parts {
		key = append(key, part...)
	}
	return key
}

func u64Bytes(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}

func orderKey(id [32]byte) []byte              { return joinKey(orderPrefix, id[:]) }
func orderSeqKey(seq uint64) []byte            { return joinKey(orderSeqPrefix, u64Bytes(seq)) }
func sellerCountKey(seller [20]byte) []byte    { return joinKey(sellerCountPrefix, seller[:]) }
func statusCountKey(status OrderStatus) []byte { return joinKey(statusCountPrefix, []byte{byte(status)}) }
func disputeKey(id [32]byte) []byte            { return joinKey(disputePrefix, id[:]) }
func stakeKey(addr [20]byte) []byte            { return joinKey(stakePrefix, addr[:]) }
func registryAtKey(idx uint64) []byte          { return joinKey(registryAtPrefix, u64Bytes(idx)) }
func registryPosKey(addr [20]byte) []byte      { return joinKey(registryPosPrefix, addr[:]) }
func sellerRatingKey(seller [20]byte) []byte   { return joinKey(sellerRatingPrefix, seller[:]) }

func sellerIndexKey(seller [20]byte, n uint64) []byte {
	return joinKey(sellerIndexPrefix, seller[:], []byte("/"), u64Bytes(n))
}

func reviewKey(id [32]byte, reviewer [20]byte) []byte {
	return joinKey(reviewPrefix, id[:], []byte("/"), reviewer[:])
}

// stateTx buffers writes over the store. Nothing reaches the store until the
// engine commits the batch.
type stateTx struct {
	store  Store
	writes map[string][]byte
}

func newStateTx(store Store) *stateTx {
	return &stateTx{store: store, writes: make(map[string][]byte)}
}

func (tx *stateTx) raw(key []byte) ([]byte, bool, error) {
	if value, ok := tx.writes[string(key)]; ok {
		return value, value != nil, nil
	}
	value, err := tx.store.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("market: read state: %w", err)
	}
	if len(value) == 0 {
		return nil, false, nil
	}
	return value, true, nil
}

func (tx *stateTx) get(key []byte, out interface{}) (bool, error) {
	value, ok, err := tx.raw(key)
	if err != nil || !ok {
		return false, err
	}
	if err := rlp.DecodeBytes(value, out); err != nil {
		return false, fmt.Errorf("market: decode %q: %w", key, err)
	}
	return true, nil
}

func (tx *stateTx) put(key []byte, value interface{}) error {
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return fmt.Errorf("market: encode %q: %w", key, err)
	}
	tx.writes[string(key)] = encoded
	return nil
}

func (tx *stateTx) delete(key []byte) {
	tx.writes[string(key)] = nil
}

func (tx *stateTx) dirty() bool { return len(tx.writes) > 0 }

// batch flattens the buffered writes in key order.
func (tx *stateTx) batch() *storage.Batch {
	keys := make([]string, 0, len(tx.writes))
	for key := range tx.writes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	batch := new(storage.Batch)
	for _, key := range keys {
		value := tx.writes[key]
		if value == nil {
			batch.Delete([]byte(key))
			continue
		}
		batch.Put([]byte(key), value)
	}
	return batch
}

func (tx *stateTx) getUint64(key []byte) (uint64, error) {
	var v uint64
	if _, err := tx.get(key, &v); err != nil {
		return 0, err
	}
	return v, nil
}

// --- stored encodings ---

type storedOrder struct {
	ID                [32]byte
	Seq               uint64
	Seller            [20]byte
	Buyer             [20]byte
	Type              string
	Description       string
	Price             *big.Int
	Status            uint8
	CreatedAt         uint64
	UpdatedAt         uint64
	EscrowDeadline    uint64
	DeliveryConfirmed bool
	DisputeStatus     uint8
	Settled           bool
}

type storedDispute struct {
	OrderID       [32]byte
	Buyer         [20]byte
	Seller        [20]byte
	Arbitrator    [20]byte
	Reason        string
	Resolution    string
	Status        uint8
	RaisedAt      uint64
	ResolvedAt    uint64
	BuyerWins     bool
	Challenged    bool
	LockedStake   *big.Int
	Reassignments uint32
	ForceResolved bool `rlp:"optional"`
}

type storedStake struct {
	Arbitrator       [20]byte
	Staked           *big.Int
	Locked           *big.Int
	Rewards          *big.Int
	Slashed          *big.Int
	CorrectDecisions uint64
	TotalDecisions   uint64
	OpenDisputes     uint64
	StakedAt         uint64
	Active           bool
}

type storedParams struct {
	CommissionBps       uint32
	CommissionRecipient [20]byte
	EscrowWindow        uint64
	MinimumStake        *big.Int
	ArbitratorRewardBps uint32
	SlashBps            uint32
	MaxArbitratorChecks uint32
	ArbitratorTimeout   uint64
	UnstakeDelay        uint64
	Governance          [20]byte
	Treasury            [20]byte
}

type storedReview struct {
	OrderID   [32]byte
	Reviewer  [20]byte
	Seller    [20]byte
	Rating    uint8
	Comment   string
	CreatedAt uint64
}

type storedRating struct {
	Seller [20]byte
	Count  uint64
	Sum    uint64
}

func toUnix(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func fromUnix(v uint64) int64 {
	if v > uint64(^uint64(0)>>1) {
		return int64(^uint64(0) >> 1)
	}
	return int64(v)
}

func amountToBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func amountFromBig(v *big.Int) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow || v.Sign() < 0 {
		return nil, fmt.Errorf("market: stored amount out of range")
	}
	return out, nil
}

func (tx *stateTx) loadOrder(id [32]byte) (*Order, error) {
	var stored storedOrder
	ok, err := tx.get(orderKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrOrderNotFound
	}
	price, err := amountFromBig(stored.Price)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:                stored.ID,
		Seq:               stored.Seq,
		Seller:            stored.Seller,
		Buyer:             stored.Buyer,
		Type:              stored.Type,
		Description:       stored.Description,
		Price:             price,
		Status:            OrderStatus(stored.Status),
		CreatedAt:         fromUnix(stored.CreatedAt),
		UpdatedAt:         fromUnix(stored.UpdatedAt),
		EscrowDeadline:    fromUnix(stored.EscrowDeadline),
		DeliveryConfirmed: stored.DeliveryConfirmed,
		DisputeStatus:     DisputeStatus(stored.DisputeStatus),
		Settled:           stored.Settled,
	}, nil
}

func (tx *stateTx) orderExists(id [32]byte) (bool, error) {
	_, ok, err := tx.raw(orderKey(id))
	return ok, err
}

func (tx *stateTx) storeOrder(order *Order) error {
	return tx.put(orderKey(order.ID), &storedOrder{
		ID:                order.ID,
		Seq:               order.Seq,
		Seller:            order.Seller,
		Buyer:             order.Buyer,
		Type:              order.Type,
		Description:       order.Description,
		Price:             amountToBig(order.Price),
		Status:            uint8(order.Status),
		CreatedAt:         toUnix(order.CreatedAt),
		UpdatedAt:         toUnix(order.UpdatedAt),
		EscrowDeadline:    toUnix(order.EscrowDeadline),
		DeliveryConfirmed: order.DeliveryConfirmed,
		DisputeStatus:     uint8(order.DisputeStatus),
		Settled:           order.Settled,
	})
}

func (tx *stateTx) loadDispute(id [32]byte) (*Dispute, error) {
	var stored storedDispute
	ok, err := tx.get(disputeKey(id), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrDisputeNotFound
	}
	locked, err := amountFromBig(stored.LockedStake)
	if err != nil {
		return nil, err
	}
	return &Dispute{
		OrderID:       stored.OrderID,
		Buyer:         stored.Buyer,
		Seller:        stored.Seller,
		Arbitrator:    stored.Arbitrator,
		Reason:        stored.Reason,
		Resolution:    stored.Resolution,
		Status:        DisputeStatus(stored.Status),
		RaisedAt:      fromUnix(stored.RaisedAt),
		ResolvedAt:    fromUnix(stored.ResolvedAt),
		BuyerWins:     stored.BuyerWins,
		Challenged:    stored.Challenged,
		LockedStake:   locked,
		Reassignments: stored.Reassignments,
		ForceResolved: stored.ForceResolved,
	}, nil
}

func (tx *stateTx) disputeExists(id [32]byte) (bool, error) {
	_, ok, err := tx.raw(disputeKey(id))
	return ok, err
}

func (tx *stateTx) storeDispute(d *Dispute) error {
	return tx.put(disputeKey(d.OrderID), &storedDispute{
		OrderID:       d.OrderID,
		Buyer:         d.Buyer,
		Seller:        d.Seller,
		Arbitrator:    d.Arbitrator,
		Reason:        d.Reason,
		Resolution:    d.Resolution,
		Status:        uint8(d.Status),
		RaisedAt:      toUnix(d.RaisedAt),
		ResolvedAt:    toUnix(d.ResolvedAt),
		BuyerWins:     d.BuyerWins,
		Challenged:    d.Challenged,
		LockedStake:   amountToBig(d.LockedStake),
		Reassignments: d.Reassignments,
		ForceResolved: d.ForceResolved,
	})
}

// loadStake returns the stake record, or nil when the address never staked.
func (tx *stateTx) loadStake(addr [20]byte) (*ArbitratorStake, error) {
	var stored storedStake
	ok, err := tx.get(stakeKey(addr), &stored)
	if err != nil || !ok {
		return nil, err
	}
	stake := &ArbitratorStake{
		Arbitrator:       stored.Arbitrator,
		CorrectDecisions: stored.CorrectDecisions,
		TotalDecisions:   stored.TotalDecisions,
		OpenDisputes:     stored.OpenDisputes,
		StakedAt:         fromUnix(stored.StakedAt),
		Active:           stored.Active,
	}
	for _, field := range []struct {
		dst **uint256.Int
		src *big.Int
	}{
		{&stake.Staked, stored.Staked},
		{&stake.Locked, stored.Locked},
		{&stake.Rewards, stored.Rewards},
		{&stake.Slashed, stored.Slashed},
	} {
		v, err := amountFromBig(field.src)
		if err != nil {
			return nil, err
		}
		*field.dst = v
	}
	return stake, nil
}

func (tx *stateTx) storeStake(s *ArbitratorStake) error {
	if s.Staked.Lt(s.Locked) {
		return fmt.Errorf("%w: arbitrator %x staked %s locked %s", ErrStakeInvariant, s.Arbitrator, s.Staked, s.Locked)
	}
	return tx.put(stakeKey(s.Arbitrator), &storedStake{
		Arbitrator:       s.Arbitrator,
		Staked:           amountToBig(s.Staked),
		Locked:           amountToBig(s.Locked),
		Rewards:          amountToBig(s.Rewards),
		Slashed:          amountToBig(s.Slashed),
		CorrectDecisions: s.CorrectDecisions,
		TotalDecisions:   s.TotalDecisions,
		OpenDisputes:     s.OpenDisputes,
		StakedAt:         toUnix(s.StakedAt),
		Active:           s.Active,
	})
}

func (tx *stateTx) loadParams() (Params, error) {
	var stored storedParams
	ok, err := tx.get(paramsKey, &stored)
	if err != nil {
		return Params{}, err
	}
	if !ok {
		return DefaultParams(), nil
	}
	minimum, err := amountFromBig(stored.MinimumStake)
	if err != nil {
		return Params{}, err
	}
	return Params{
		CommissionBps:       stored.CommissionBps,
		CommissionRecipient: stored.CommissionRecipient,
		EscrowWindow:        time.Duration(stored.EscrowWindow) * time.Second,
		MinimumStake:        minimum,
		ArbitratorRewardBps: stored.ArbitratorRewardBps,
		SlashBps:            stored.SlashBps,
		MaxArbitratorChecks: stored.MaxArbitratorChecks,
		ArbitratorTimeout:   time.Duration(stored.ArbitratorTimeout) * time.Second,
		UnstakeDelay:        time.Duration(stored.UnstakeDelay) * time.Second,
		Governance:          stored.Governance,
		Treasury:            stored.Treasury,
	}, nil
}

func (tx *stateTx) storeParams(p Params) error {
	return tx.put(paramsKey, &storedParams{
		CommissionBps:       p.CommissionBps,
		CommissionRecipient: p.CommissionRecipient,
		EscrowWindow:        uint64(p.escrowWindowSeconds()),
		MinimumStake:        amountToBig(p.MinimumStake),
		ArbitratorRewardBps: p.ArbitratorRewardBps,
		SlashBps:            p.SlashBps,
		MaxArbitratorChecks: p.MaxArbitratorChecks,
		ArbitratorTimeout:   uint64(p.arbitratorTimeoutSeconds()),
		UnstakeDelay:        uint64(p.unstakeDelaySeconds()),
		Governance:          p.Governance,
		Treasury:            p.Treasury,
	})
}

func (tx *stateTx) paused() (bool, error) {
	var paused bool
	if _, err := tx.get(pausedKey, &paused); err != nil {
		return false, err
	}
	return paused, nil
}

// --- counters and indices ---

func (tx *stateTx) statusCount(status OrderStatus) (uint64, error) {
	return tx.getUint64(statusCountKey(status))
}

// applyStatus is the only code path that writes Order.Status. It moves the
// order between status counters and stamps UpdatedAt in the same step.
func (tx *stateTx) applyStatus(order *Order, next OrderStatus, now int64) error {
	if !next.Valid() {
		return fmt.Errorf("%w: status %d", ErrInvalidStatus, next)
	}
	if order.Status.Valid() {
		current, err := tx.statusCount(order.Status)
		if err != nil {
			return err
		}
		if current == 0 {
			return fmt.Errorf("%w: %s", ErrCounterUnderflow, order.Status)
		}
		if err := tx.put(statusCountKey(order.Status), current-1); err != nil {
			return err
		}
	}
	count, err := tx.statusCount(next)
	if err != nil {
		return err
	}
	if err := tx.put(statusCountKey(next), count+1); err != nil {
		return err
	}
	order.Status = next
	order.UpdatedAt = now
	return tx.storeOrder(order)
}

func (tx *stateTx) orderCount() (uint64, error) {
	return tx.getUint64(orderCounterKey)
}

// appendOrder records a new order in the global and per-seller indices.
func (tx *stateTx) appendOrder(order *Order) error {
	if err := tx.put(orderSeqKey(order.Seq), order.ID); err != nil {
		return err
	}
	if err := tx.put(orderCounterKey, order.Seq+1); err != nil {
		return err
	}
	n, err := tx.getUint64(sellerCountKey(order.Seller))
	if err != nil {
		return err
	}
	if err := tx.put(sellerIndexKey(order.Seller, n), order.ID); err != nil {
		return err
	}
	return tx.put(sellerCountKey(order.Seller), n+1)
}

func (tx *stateTx) orderAt(seq uint64) ([32]byte, error) {
	var id [32]byte
	ok, err := tx.get(orderSeqKey(seq), &id)
	if err != nil {
		return id, err
	}
	if !ok {
		return id, fmt.Errorf("%w: missing order index %d", ErrRegistryCorruption, seq)
	}
	return id, nil
}

func (tx *stateTx) sellerOrderCount(seller [20]byte) (uint64, error) {
	return tx.getUint64(sellerCountKey(seller))
}

func (tx *stateTx) sellerOrderAt(seller [20]byte, n uint64) ([32]byte, error) {
	var id [32]byte
	ok, err := tx.get(sellerIndexKey(seller, n), &id)
	if err != nil {
		return id, err
	}
	if !ok {
		return id, fmt.Errorf("%w: missing seller index %d", ErrRegistryCorruption, n)
	}
	return id, nil
}

// --- active arbitrator registry ---

func (tx *stateTx) registryLen() (uint64, error) {
	return tx.getUint64(registryLenKey)
}

func (tx *stateTx) registryAt(idx uint64) ([20]byte, error) {
	var addr [20]byte
	ok, err := tx.get(registryAtKey(idx), &addr)
	if err != nil {
		return addr, err
	}
	if !ok {
		return addr, fmt.Errorf("%w: missing registry slot %d", ErrRegistryCorruption, idx)
	}
	return addr, nil
}

// registryPos returns the 1-based position of addr, zero when absent.
func (tx *stateTx) registryPos(addr [20]byte) (uint64, error) {
	return tx.getUint64(registryPosKey(addr))
}

func (tx *stateTx) registryAdd(addr [20]byte) error {
	pos, err := tx.registryPos(addr)
	if err != nil || pos != 0 {
		return err
	}
	size, err := tx.registryLen()
	if err != nil {
		return err
	}
	if err := tx.put(registryAtKey(size), addr); err != nil {
		return err
	}
	if err := tx.put(registryPosKey(addr), size+1); err != nil {
		return err
	}
	return tx.put(registryLenKey, size+1)
}

// registryRemove swaps the last entry into the vacated slot and truncates.
func (tx *stateTx) registryRemove(addr [20]byte) error {
	pos, err := tx.registryPos(addr)
	if err != nil || pos == 0 {
		return err
	}
	size, err := tx.registryLen()
	if err != nil {
		return err
	}
	if size == 0 || pos > size {
		return fmt.Errorf("%w: position %d of %d", ErrRegistryCorruption, pos, size)
	}
	idx, last := pos-1, size-1
	if idx != last {
		moved, err := tx.registryAt(last)
		if err != nil {
			return err
		}
		if err := tx.put(registryAtKey(idx), moved); err != nil {
			return err
		}
		if err := tx.put(registryPosKey(moved), idx+1); err != nil {
			return err
		}
	}
	tx.delete(registryAtKey(last))
	tx.delete(registryPosKey(addr))
	return tx.put(registryLenKey, last)
}

// --- reviews ---

func (tx *stateTx) loadReview(id [32]byte, reviewer [20]byte) (*Review, bool, error) {
	var stored storedReview
	ok, err := tx.get(reviewKey(id, reviewer), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	return &Review{
		OrderID:   stored.OrderID,
		Reviewer:  stored.Reviewer,
		Seller:    stored.Seller,
		Rating:    stored.Rating,
		Comment:   stored.Comment,
		CreatedAt: fromUnix(stored.CreatedAt),
	}, true, nil
}

func (tx *stateTx) storeReview(r *Review) error {
	return tx.put(reviewKey(r.OrderID, r.Reviewer), &storedReview{
		OrderID:   r.OrderID,
		Reviewer:  r.Reviewer,
		Seller:    r.Seller,
		Rating:    r.Rating,
		Comment:   r.Comment,
		CreatedAt: toUnix(r.CreatedAt),
	})
}

func (tx *stateTx) loadRating(seller [20]byte) (SellerRating, error) {
	var stored storedRating
	ok, err := tx.get(sellerRatingKey(seller), &stored)
	if err != nil {
		return SellerRating{}, err
	}
	if !ok {
		return SellerRating{Seller: seller}, nil
	}
	return SellerRating{Seller: stored.Seller, Count: stored.Count, Sum: stored.Sum}, nil
}

func (tx *stateTx) storeRating(r SellerRating) error {
	return tx.put(sellerRatingKey(r.Seller), &storedRating{Seller: r.Seller, Count: r.Count, Sum: r.Sum})
}
