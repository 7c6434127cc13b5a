package server

import (
	"net/http"
	"strings"

	"p2pmarket/native/market"
)

type orderRequest struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req orderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", "price: "+err.Error())
		return
	}
	order, err := s.engine.CreateOrder(caller, req.Type, req.Description, price)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newOrderView(order))
}

func (s *Server) handleEditOrder(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req orderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", "price: "+err.Error())
		return
	}
	order, err := s.engine.EditOrder(caller, id, req.Type, req.Description, price)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

func (s *Server) handleDelistOrder(w http.ResponseWriter, r *http.Request) {
	s.orderTransition(w, r, s.engine.DelistOrder)
}

func (s *Server) handleMatchOrder(w http.ResponseWriter, r *http.Request) {
	s.orderTransition(w, r, s.engine.MatchOrder)
}

func (s *Server) handleConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	s.orderSettlement(w, r, s.engine.ConfirmDelivery)
}

func (s *Server) handleReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	s.orderSettlement(w, r, s.engine.ReleaseEscrowAfterTimeout)
}

func (s *Server) orderTransition(w http.ResponseWriter, r *http.Request, op func([20]byte, [32]byte) (*market.Order, error)) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := op(caller, id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

func (s *Server) orderSettlement(w http.ResponseWriter, r *http.Request, op func([20]byte, [32]byte) (*market.Order, *market.Settlement, error)) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, settlement, err := op(caller, id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderSettlementView{Order: newOrderView(order), Settlement: newSettlementView(settlement)})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := s.engine.Order(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderView(order))
}

func (s *Server) handleListOrders(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	var (
		page market.Page[*market.Order]
		err  error
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status, parseErr := market.ParseOrderStatus(raw)
		if parseErr != nil {
			s.writeEngineError(w, r, parseErr)
			return
		}
		page, err = s.engine.ListOrdersByStatus(status, offset, limit)
	} else {
		page, err = s.engine.ListOrders(offset, limit)
	}
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageView(page, newOrderView))
}

func (s *Server) handleSellerOrders(w http.ResponseWriter, r *http.Request) {
	seller, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	offset, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	page, err := s.engine.ListSellerOrders(seller, offset, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageView(page, newOrderView))
}

type escrowStatusView struct {
	OrderID          string `json:"orderId"`
	Status           string `json:"status"`
	EscrowDeadline   int64  `json:"escrowDeadline,omitempty"`
	CanRelease       bool   `json:"canRelease"`
	RemainingSeconds int64  `json:"remainingSeconds"`
}

func (s *Server) handleEscrowStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	order, err := s.engine.Order(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	canRelease, err := s.engine.CanReleaseEscrow(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	remaining, err := s.engine.EscrowTimeRemaining(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	view := escrowStatusView{
		OrderID:          hexID(order.ID),
		Status:           order.Status.String(),
		CanRelease:       canRelease,
		RemainingSeconds: seconds(remaining),
	}
	if order.HasBuyer() {
		view.EscrowDeadline = order.EscrowDeadline
	}
	writeJSON(w, http.StatusOK, view)
}

type reviewRequest struct {
	Rating  uint8  `json:"rating"`
	Comment string `json:"comment"`
}

func (s *Server) handleSubmitReview(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	review, err := s.engine.SubmitReview(caller, id, req.Rating, req.Comment)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newReviewView(review))
}

func (s *Server) handleGetReview(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	reviewer, ok := addressParam(w, r, "reviewer")
	if !ok {
		return
	}
	review, err := s.engine.Review(id, reviewer)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReviewView(review))
}

func (s *Server) handleSellerRating(w http.ResponseWriter, r *http.Request) {
	seller, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	rating, err := s.engine.SellerRating(seller)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ratingView{
		Seller:      hexAddress(seller),
		Count:       rating.Count,
		Sum:         rating.Sum,
		AverageX100: rating.AverageX100(),
	})
}
