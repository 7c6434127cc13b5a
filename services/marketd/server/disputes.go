package server

import (
	"errors"
	"net/http"

	"p2pmarket/native/market"
)

type raiseDisputeRequest struct {
	Reason string `json:"reason"`
}

type resolveDisputeRequest struct {
	BuyerWins  bool   `json:"buyerWins"`
	Resolution string `json:"resolution"`
}

type forceResolveRequest struct {
	BuyerWins bool `json:"buyerWins"`
}

type challengeView struct {
	Dispute disputeView `json:"dispute"`
	Slashed string      `json:"slashed"`
}

func (s *Server) handleRaiseDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req raiseDisputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	dispute, err := s.engine.RaiseDispute(caller, id, req.Reason)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newDisputeView(dispute))
}

func (s *Server) handleResolveDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req resolveDisputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	dispute, settlement, err := s.engine.ResolveDispute(caller, id, req.BuyerWins, req.Resolution)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeSettlementView{Dispute: newDisputeView(dispute), Settlement: newSettlementView(settlement)})
}

func (s *Server) handleChallengeDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	dispute, slashed, err := s.engine.ChallengeArbitratorDecision(caller, id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challengeView{Dispute: newDisputeView(dispute), Slashed: amountString(slashed)})
}

func (s *Server) handleReassignDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	dispute, err := s.engine.ReassignStaleDispute(caller, id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(dispute))
}

func (s *Server) handleForceResolveDispute(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	var req forceResolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	dispute, settlement, err := s.engine.ForceResolveStaleDispute(caller, id, req.BuyerWins)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, disputeSettlementView{Dispute: newDisputeView(dispute), Settlement: newSettlementView(settlement)})
}

func (s *Server) handleGetDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	dispute, err := s.engine.Dispute(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDisputeView(dispute))
}

type disputeStatusView struct {
	OrderID                     string `json:"orderId"`
	CanRaise                    bool   `json:"canRaise"`
	HasDispute                  bool   `json:"hasDispute"`
	CanReassign                 bool   `json:"canReassign"`
	CanForceResolve             bool   `json:"canForceResolve"`
	ArbitrationRemainingSeconds int64  `json:"arbitrationRemainingSeconds"`
}

func (s *Server) handleDisputeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderIDParam(w, r)
	if !ok {
		return
	}
	canRaise, err := s.engine.CanRaiseDispute(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	view := disputeStatusView{OrderID: hexID(id), CanRaise: canRaise}
	canReassign, err := s.engine.CanReassignDispute(id)
	switch {
	case errors.Is(err, market.ErrDisputeNotFound):
		writeJSON(w, http.StatusOK, view)
		return
	case err != nil:
		s.writeEngineError(w, r, err)
		return
	}
	view.HasDispute = true
	view.CanReassign = canReassign
	if view.CanForceResolve, err = s.engine.CanForceResolveDispute(id); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	remaining, err := s.engine.ArbitrationTimeRemaining(id)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	view.ArbitrationRemainingSeconds = seconds(remaining)
	writeJSON(w, http.StatusOK, view)
}
