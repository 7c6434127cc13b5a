package server

import (
	"encoding/hex"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"p2pmarket/native/market"
)

type orderView struct {
	ID                string `json:"id"`
	Seq               uint64 `json:"seq"`
	Seller            string `json:"seller"`
	Buyer             string `json:"buyer,omitempty"`
	Type              string `json:"type"`
	Description       string `json:"description"`
	Price             string `json:"price"`
	Status            string `json:"status"`
	CreatedAt         int64  `json:"createdAt"`
	UpdatedAt         int64  `json:"updatedAt"`
	EscrowDeadline    int64  `json:"escrowDeadline,omitempty"`
	DeliveryConfirmed bool   `json:"deliveryConfirmed"`
	DisputeStatus     string `json:"disputeStatus"`
	Settled           bool   `json:"settled"`
}

type settlementView struct {
	Trigger      string `json:"trigger"`
	SellerAmount string `json:"sellerAmount"`
	Commission   string `json:"commission"`
	BuyerAmount  string `json:"buyerAmount"`
	Reward       string `json:"reward"`
}

type orderSettlementView struct {
	Order      orderView       `json:"order"`
	Settlement *settlementView `json:"settlement,omitempty"`
}

type disputeView struct {
	OrderID       string `json:"orderId"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Arbitrator    string `json:"arbitrator"`
	Reason        string `json:"reason"`
	Resolution    string `json:"resolution,omitempty"`
	Status        string `json:"status"`
	RaisedAt      int64  `json:"raisedAt"`
	ResolvedAt    int64  `json:"resolvedAt,omitempty"`
	BuyerWins     bool   `json:"buyerWins"`
	Challenged    bool   `json:"challenged"`
	LockedStake   string `json:"lockedStake"`
	Reassignments uint32 `json:"reassignments"`
	ForceResolved bool   `json:"forceResolved,omitempty"`
}

type disputeSettlementView struct {
	Dispute    disputeView     `json:"dispute"`
	Settlement *settlementView `json:"settlement,omitempty"`
}

type stakeView struct {
	Arbitrator       string `json:"arbitrator"`
	Staked           string `json:"staked"`
	Locked           string `json:"locked"`
	Unlocked         string `json:"unlocked"`
	Rewards          string `json:"rewards"`
	Slashed          string `json:"slashed"`
	CorrectDecisions uint64 `json:"correctDecisions"`
	TotalDecisions   uint64 `json:"totalDecisions"`
	OpenDisputes     uint64 `json:"openDisputes"`
	StakedAt         int64  `json:"stakedAt"`
	Active           bool   `json:"active"`
}

type reviewView struct {
	OrderID   string `json:"orderId"`
	Reviewer  string `json:"reviewer"`
	Seller    string `json:"seller"`
	Rating    uint8  `json:"rating"`
	Comment   string `json:"comment"`
	CreatedAt int64  `json:"createdAt"`
}

type ratingView struct {
	Seller      string `json:"seller"`
	Count       uint64 `json:"count"`
	Sum         uint64 `json:"sum"`
	AverageX100 uint64 `json:"averageX100"`
}

type paramsView struct {
	CommissionBps       uint32 `json:"commissionBps"`
	CommissionRecipient string `json:"commissionRecipient,omitempty"`
	EscrowWindow        string `json:"escrowWindow"`
	MinimumStake        string `json:"minimumStake"`
	ArbitratorRewardBps uint32 `json:"arbitratorRewardBps"`
	SlashBps            uint32 `json:"slashBps"`
	MaxArbitratorChecks uint32 `json:"maxArbitratorChecks"`
	ArbitratorTimeout   string `json:"arbitratorTimeout"`
	UnstakeDelay        string `json:"unstakeDelay"`
	Governance          string `json:"governance,omitempty"`
	Treasury            string `json:"treasury,omitempty"`
}

type pageView[T any] struct {
	Items      []T    `json:"items"`
	NextOffset uint64 `json:"nextOffset"`
	Total      uint64 `json:"total"`
}

func hexAddress(addr [20]byte) string {
	return common.BytesToAddress(addr[:]).Hex()
}

func optionalAddress(addr [20]byte) string {
	if addr == ([20]byte{}) {
		return ""
	}
	return hexAddress(addr)
}

func hexID(id [32]byte) string {
	return "0x" + hex.EncodeToString(id[:])
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func newOrderView(o *market.Order) orderView {
	view := orderView{
		ID:                hexID(o.ID),
		Seq:               o.Seq,
		Seller:            hexAddress(o.Seller),
		Type:              o.Type,
		Description:       o.Description,
		Price:             amountString(o.Price),
		Status:            o.Status.String(),
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
		DeliveryConfirmed: o.DeliveryConfirmed,
		DisputeStatus:     o.DisputeStatus.String(),
		Settled:           o.Settled,
	}
	if o.HasBuyer() {
		view.Buyer = hexAddress(o.Buyer)
		view.EscrowDeadline = o.EscrowDeadline
	}
	return view
}

func newSettlementView(s *market.Settlement) *settlementView {
	if s == nil {
		return nil
	}
	return &settlementView{
		Trigger:      s.Trigger,
		SellerAmount: amountString(s.SellerAmount),
		Commission:   amountString(s.Commission),
		BuyerAmount:  amountString(s.BuyerAmount),
		Reward:       amountString(s.Reward),
	}
}

func newDisputeView(d *market.Dispute) disputeView {
	return disputeView{
		OrderID:       hexID(d.OrderID),
		Buyer:         hexAddress(d.Buyer),
		Seller:        hexAddress(d.Seller),
		Arbitrator:    hexAddress(d.Arbitrator),
		Reason:        d.Reason,
		Resolution:    d.Resolution,
		Status:        d.Status.String(),
		RaisedAt:      d.RaisedAt,
		ResolvedAt:    d.ResolvedAt,
		BuyerWins:     d.BuyerWins,
		Challenged:    d.Challenged,
		LockedStake:   amountString(d.LockedStake),
		Reassignments: d.Reassignments,
		ForceResolved: d.ForceResolved,
	}
}

func newStakeView(s *market.ArbitratorStake) stakeView {
	return stakeView{
		Arbitrator:       hexAddress(s.Arbitrator),
		Staked:           amountString(s.Staked),
		Locked:           amountString(s.Locked),
		Unlocked:         amountString(s.Unlocked()),
		Rewards:          amountString(s.Rewards),
		Slashed:          amountString(s.Slashed),
		CorrectDecisions: s.CorrectDecisions,
		TotalDecisions:   s.TotalDecisions,
		OpenDisputes:     s.OpenDisputes,
		StakedAt:         s.StakedAt,
		Active:           s.Active,
	}
}

func newReviewView(r *market.Review) reviewView {
	return reviewView{
		OrderID:   hexID(r.OrderID),
		Reviewer:  hexAddress(r.Reviewer),
		Seller:    hexAddress(r.Seller),
		Rating:    r.Rating,
		Comment:   r.Comment,
		CreatedAt: r.CreatedAt,
	}
}

func newParamsView(p market.Params) paramsView {
	return paramsView{
		CommissionBps:       p.CommissionBps,
		CommissionRecipient: optionalAddress(p.CommissionRecipient),
		EscrowWindow:        p.EscrowWindow.String(),
		MinimumStake:        amountString(p.MinimumStake),
		ArbitratorRewardBps: p.ArbitratorRewardBps,
		SlashBps:            p.SlashBps,
		MaxArbitratorChecks: p.MaxArbitratorChecks,
		ArbitratorTimeout:   p.ArbitratorTimeout.String(),
		UnstakeDelay:        p.UnstakeDelay.String(),
		Governance:          optionalAddress(p.Governance),
		Treasury:            optionalAddress(p.Treasury),
	}
}

func newPageView[T, V any](page market.Page[T], convert func(T) V) pageView[V] {
	out := pageView[V]{Items: make([]V, 0, len(page.Items)), NextOffset: page.NextOffset, Total: page.Total}
	for _, item := range page.Items {
		out.Items = append(out.Items, convert(item))
	}
	return out
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
