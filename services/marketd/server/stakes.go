package server

import (
	"net/http"

	"github.com/holiman/uint256"

	"p2pmarket/native/market"
)

type amountRequest struct {
	Amount string `json:"amount"`
}

func (s *Server) handleStake(w http.ResponseWriter, r *http.Request) {
	s.stakeChange(w, r, http.StatusCreated, s.engine.Stake)
}

func (s *Server) handleUnstake(w http.ResponseWriter, r *http.Request) {
	s.stakeChange(w, r, http.StatusOK, s.engine.Unstake)
}

func (s *Server) stakeChange(w http.ResponseWriter, r *http.Request, status int, op func([20]byte, *uint256.Int) (*market.ArbitratorStake, error)) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", "amount: "+err.Error())
		return
	}
	stake, err := op(caller, amount)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, status, newStakeView(stake))
}

func (s *Server) handleRefreshArbitrator(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireCaller(w, r); !ok {
		return
	}
	arbitrator, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	stake, err := s.engine.RefreshArbitrator(arbitrator)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStakeView(stake))
}

func (s *Server) handleGetArbitrator(w http.ResponseWriter, r *http.Request) {
	arbitrator, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	stake, err := s.engine.ArbitratorStake(arbitrator)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newStakeView(stake))
}

func (s *Server) handleListArbitrators(w http.ResponseWriter, r *http.Request) {
	offset, limit, ok := pageParams(w, r)
	if !ok {
		return
	}
	page, err := s.engine.ListActiveArbitrators(offset, limit)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newPageView(page, newStakeView))
}
