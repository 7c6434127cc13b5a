package server

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"p2pmarket/native/token"
)

type approveRequest struct {
	// Spender defaults to the market custody account.
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

type transferRequest struct {
	To     string `json:"to"`
	Amount string `json:"amount"`
}

type tokenView struct {
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply"`
}

type balanceView struct {
	Symbol   string `json:"symbol"`
	Decimals uint8  `json:"decimals"`
	Address  string `json:"address"`
	Balance  string `json:"balance"`
	// Allowance is what the market custody account may still pull.
	Allowance string `json:"allowance"`
}

type allowanceView struct {
	Symbol    string `json:"symbol"`
	Owner     string `json:"owner"`
	Spender   string `json:"spender"`
	Allowance string `json:"allowance"`
}

func indexLedgers(ledgers []*token.Ledger) (map[string]*token.Ledger, error) {
	index := make(map[string]*token.Ledger, len(ledgers))
	for _, ledger := range ledgers {
		if ledger == nil {
			continue
		}
		if _, dup := index[ledger.Symbol()]; dup {
			return nil, fmt.Errorf("server: token %s configured twice", ledger.Symbol())
		}
		index[ledger.Symbol()] = ledger
	}
	return index, nil
}

// ledgerParam resolves {symbol} against the served ledgers or writes a 404.
func (s *Server) ledgerParam(w http.ResponseWriter, r *http.Request) (*token.Ledger, bool) {
	symbol := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "symbol")))
	ledger, ok := s.tokens[symbol]
	if !ok {
		writeProblem(w, r, http.StatusNotFound, "not_found", "unknown token "+symbol)
		return nil, false
	}
	return ledger, true
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	views := make([]tokenView, 0, len(s.tokens))
	for _, ledger := range s.tokens {
		supply, err := ledger.TotalSupply()
		if err != nil {
			s.writeEngineError(w, r, err)
			return
		}
		views = append(views, tokenView{Symbol: ledger.Symbol(), Decimals: ledger.Decimals(), TotalSupply: supply.Dec()})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Symbol < views[j].Symbol })
	writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": views})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	ledger, ok := s.ledgerParam(w, r)
	if !ok {
		return
	}
	account, ok := addressParam(w, r, "address")
	if !ok {
		return
	}
	balance, err := ledger.BalanceOf(account)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	allowance, err := ledger.Allowance(account, s.engine.Custody())
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balanceView{
		Symbol:    ledger.Symbol(),
		Decimals:  ledger.Decimals(),
		Address:   hexAddress(account),
		Balance:   balance.Dec(),
		Allowance: allowance.Dec(),
	})
}

// handleApprove sets the caller's allowance for a spender, by default the
// custody account that match and stake pull funds into.
func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	ledger, ok := s.ledgerParam(w, r)
	if !ok {
		return
	}
	var req approveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	spender := s.engine.Custody()
	if strings.TrimSpace(req.Spender) != "" {
		parsed, err := parseAddress(req.Spender)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, "validation", "spender: "+err.Error())
			return
		}
		spender = parsed
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", "amount: "+err.Error())
		return
	}
	if err := ledger.Approve(caller, spender, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	s.logger.Debug("token allowance set", "symbol", ledger.Symbol(), "owner", hexAddress(caller), "spender", hexAddress(spender))
	writeJSON(w, http.StatusOK, allowanceView{
		Symbol:    ledger.Symbol(),
		Owner:     hexAddress(caller),
		Spender:   hexAddress(spender),
		Allowance: amount.Dec(),
	})
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	ledger, ok := s.ledgerParam(w, r)
	if !ok {
		return
	}
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", err.Error())
		return
	}
	to, err := parseAddress(req.To)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", "to: "+err.Error())
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeProblem(w, r, http.StatusBadRequest, "validation", "amount: "+err.Error())
		return
	}
	if err := ledger.Transfer(caller, to, amount); err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	balance, err := ledger.BalanceOf(caller)
	if err != nil {
		s.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"symbol":  ledger.Symbol(),
		"from":    hexAddress(caller),
		"to":      hexAddress(to),
		"amount":  amount.Dec(),
		"balance": balance.Dec(),
	})
}
