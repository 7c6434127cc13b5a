package server

import (
	"fmt"
	"net/http"
	"time"

	"p2pmarket/native/market"
)

// paramsRequest overlays the current parameters; omitted fields are kept.
type paramsRequest struct {
	CommissionBps       *uint32 `json:"commissionBps"`
	CommissionRecipient *string `json:"commissionRecipient"`
	EscrowWindow        *string `json:"escrowWindow"`
	MinimumStake        *string `json:"minimumStake"`
	ArbitratorRewardBps *uint32 `json:"arbitratorRewardBps"`
	SlashBps            *uint32 `json:"slashBps"`
	MaxArbitratorChecks *uint32 `json:"maxArbitratorChecks"`
	ArbitratorTimeout   *string `json:"arbitratorTimeout"`
	UnstakeDelay        *string `json:"unstakeDelay"`
	Governance          *string `json:"governance"`
	Treasury            *string `json:"treasury"`
}

func (req paramsRequest) apply(base market.Params) (market.Params, error) {
	out := base.Clone()
	if req.CommissionBps != nil {
		out.CommissionBps = *req.CommissionBps
	}
	if req.ArbitratorRewardBps != nil {
		out.ArbitratorRewardBps = *req.ArbitratorRewardBps
	}
	if req.SlashBps != nil {
		out.SlashBps = *req.SlashBps
	}
	if req.MaxArbitratorChecks != nil {
		out.MaxArbitratorChecks = *req.MaxArbitratorChecks
	}
	if req.MinimumStake != nil {
		amount, err := parseAmount(*req.MinimumStake)
		if err != nil {
			return market.Params{}, fmt.Errorf("minimumStake: %w", err)
		}
		out.MinimumStake = amount
	}
	for _, field := range []struct {
		name string
		raw  *string
		dst  *time.Duration
	}{
		{"escrowWindow", req.EscrowWindow, &out.EscrowWindow},
		{"arbitratorTimeout", req.ArbitratorTimeout, &out.ArbitratorTimeout},
		{"unstakeDelay", req.UnstakeDelay, &out.UnstakeDelay},
	} {
		if field.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*field.raw)
		if err != nil {
			return market.Params{}, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = parsed
	}
	for _, field := range []struct {
		name string
		raw  *string
		dst  *[20]byte
	}{
		{"commissionRecipient", req.CommissionRecipient, &out.CommissionRecipient},
		{"governance", req.Governance, &out.Governance},
		{"treasury", req.Treasury, &out.Treasury},
	} {
		if field.raw == nil {
			continue
		}
		if *field.raw == "" {
			*field.dst = [20]byte{}
			continue
		}
		addr, err := parseAddress(*field.raw)
		if err != nil {
			return market.Params{}, fmt.Errorf("%s: %w", field.name, err)
		}
		*field.dst = addr
	}
	return out, nil
}

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	params, err := s.engine.Params()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newParamsView(params))
}

func (s *Server) handleSetParams(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req paramsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	current, err := s.engine.Params()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	next, err := req.apply(current)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	updated, err := s.engine.SetParams(caller, next)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newParamsView(updated))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, s.engine.Pause)
}

func (s *Server) handleUnpause(w http.ResponseWriter, r *http.Request) {
	s.setPaused(w, r, s.engine.Unpause)
}

func (s *Server) setPaused(w http.ResponseWriter, r *http.Request, op func([20]byte) error) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if err := op(caller); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.handleStatus(w, r)
}

type statusView struct {
	Paused             bool              `json:"paused"`
	OrderCount         uint64            `json:"orderCount"`
	StatusCounts       map[string]uint64 `json:"statusCounts"`
	Owner              string            `json:"owner"`
	Custody            string            `json:"custody"`
	SettlementDecimals uint8             `json:"settlementDecimals"`
	StakingDecimals    uint8             `json:"stakingDecimals"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	paused, err := s.engine.Paused()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	count, err := s.engine.OrderCount()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	counts, err := s.engine.StatusCounts()
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	view := statusView{
		Paused:             paused,
		OrderCount:         count,
		StatusCounts:       make(map[string]uint64, len(counts)),
		Owner:              hexAddress(s.engine.Owner()),
		Custody:            hexAddress(s.engine.Custody()),
		SettlementDecimals: s.engine.SettlementDecimals(),
		StakingDecimals:    s.engine.StakingDecimals(),
	}
	for status, n := range counts {
		view.StatusCounts[status.String()] = n
	}
	writeJSON(w, http.StatusOK, view)
}
