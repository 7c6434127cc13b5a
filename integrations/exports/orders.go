package exports

import (
	"encoding/hex"
	"fmt"
	"time"

	"p2pmarket/native/market"
)

// OrderLister is the slice of the engine query surface used to walk every
// order in creation order.
type OrderLister interface {
	ListOrders(offset, limit uint64) (market.Page[*market.Order], error)
}

// CollectOrders pages through the lister and returns every order accepted by
// keep. A nil keep accepts everything.
func CollectOrders(src OrderLister, keep func(*market.Order) bool) ([]*market.Order, error) {
	if src == nil {
		return nil, fmt.Errorf("exports: order source required")
	}
	var (
		out    []*market.Order
		offset uint64
	)
	for {
		page, err := src.ListOrders(offset, market.MaxPageSize)
		if err != nil {
			return nil, fmt.Errorf("exports: list orders at %d: %w", offset, err)
		}
		for _, order := range page.Items {
			if order == nil {
				continue
			}
			if keep == nil || keep(order) {
				out = append(out, order)
			}
		}
		if page.NextOffset >= page.Total || page.NextOffset <= offset {
			return out, nil
		}
		offset = page.NextOffset
	}
}

// Settled keeps orders whose escrow has been paid out.
func Settled(order *market.Order) bool {
	return order != nil && order.Settled
}

type orderRecord struct {
	ID                string
	Seq               uint64
	Seller            string
	Buyer             string
	Type              string
	Price             string
	Status            string
	DisputeStatus     string
	DeliveryConfirmed bool
	Settled           bool
	CreatedAt         string
	UpdatedAt         string
	EscrowDeadline    string
}

func newOrderRecord(order *market.Order) orderRecord {
	record := orderRecord{
		ID:                "0x" + hex.EncodeToString(order.ID[:]),
		Seq:               order.Seq,
		Seller:            "0x" + hex.EncodeToString(order.Seller[:]),
		Type:              order.Type,
		Price:             "0",
		Status:            order.Status.String(),
		DisputeStatus:     order.DisputeStatus.String(),
		DeliveryConfirmed: order.DeliveryConfirmed,
		Settled:           order.Settled,
		CreatedAt:         formatUnix(order.CreatedAt),
		UpdatedAt:         formatUnix(order.UpdatedAt),
		EscrowDeadline:    formatUnix(order.EscrowDeadline),
	}
	if order.HasBuyer() {
		record.Buyer = "0x" + hex.EncodeToString(order.Buyer[:])
	}
	if order.Price != nil {
		record.Price = order.Price.Dec()
	}
	return record
}

func formatUnix(ts int64) string {
	if ts <= 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
