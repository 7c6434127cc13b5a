package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"

	"p2pmarket/core/events"
	"p2pmarket/gateway/middleware"
	"p2pmarket/native/market"
	"p2pmarket/native/token"
	"p2pmarket/observability/metrics"
	"p2pmarket/services/marketd/journal"
	"p2pmarket/storage"
)

var (
	ownerAddr      = [20]byte{0x01}
	sellerAddr     = [20]byte{0x10}
	buyerAddr      = [20]byte{0x20}
	arbitratorAddr = [20]byte{0xa1}
	testSecret     = []byte("marketd-test-secret")
)

type testEnv struct {
	t          *testing.T
	engine     *market.Engine
	settlement *token.Ledger
	staking    *token.Ledger
	journal    *journal.Journal
	stream     *events.Broadcaster
	handler    http.Handler
	now        int64
}

func newTestEnv(t *testing.T, anonymousReads bool) *testEnv {
	t.Helper()
	return newTestEnvWithApprovals(t, anonymousReads, true)
}

func newTestEnvWithApprovals(t *testing.T, anonymousReads, fund bool) *testEnv {
	t.Helper()
	env := &testEnv{t: t, now: 1_700_000_000}
	db := storage.NewMemDB()
	var err error
	env.settlement, err = token.NewLedger(db, "USDX", 6, ownerAddr)
	require.NoError(t, err)
	env.staking, err = token.NewLedger(db, "ARB", 18, ownerAddr)
	require.NoError(t, err)

	env.engine = market.NewEngine(db, ownerAddr)
	env.engine.SetNowFunc(func() int64 { return env.now })
	env.engine.SetRandomSource(rand.NewChaCha8([32]byte{9}))
	require.NoError(t, env.engine.SetSettlementToken(env.settlement))
	require.NoError(t, env.engine.SetStakingToken(env.staking))

	sqlDB, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())), &gorm.Config{})
	require.NoError(t, err)
	env.journal, err = journal.New(sqlDB, nil)
	require.NoError(t, err)

	env.stream = events.NewBroadcaster(16)
	env.engine.SetEmitter(events.MultiEmitter{env.journal, env.stream, metrics.Market()})

	// Genesis allocation; custody allowances go through the HTTP API.
	for _, account := range [][20]byte{sellerAddr, buyerAddr, arbitratorAddr} {
		for _, ledger := range []*token.Ledger{env.settlement, env.staking} {
			require.NoError(t, ledger.Mint(ownerAddr, account, uint256.NewInt(1_000_000)))
		}
	}

	srv, err := New(Config{
		Engine:         env.engine,
		Tokens:         []*token.Ledger{env.settlement, env.staking},
		Journal:        env.journal,
		Broadcaster:    env.stream,
		Auth:           middleware.NewAuthenticator(middleware.AuthConfig{Enabled: true, HMACSecret: string(testSecret)}, nil),
		Observability:  middleware.NewObservability(middleware.ObservabilityConfig{Enabled: true, MetricsPrefix: "marketd_test"}, nil),
		Metrics:        metrics.Market(),
		AnonymousReads: anonymousReads,
	})
	require.NoError(t, err)
	env.handler = srv.Handler()
	if fund {
		for _, account := range [][20]byte{sellerAddr, buyerAddr, arbitratorAddr} {
			env.approve(account, "USDX")
			env.approve(account, "ARB")
		}
	}
	return env
}

// approve grants custody an unlimited allowance over symbol for account.
func (env *testEnv) approve(account [20]byte, symbol string) {
	env.t.Helper()
	rec := env.do(http.MethodPost, "/v1/tokens/"+symbol+"/approve", &account, approveRequest{Amount: new(uint256.Int).SetAllOne().Dec()})
	require.Equal(env.t, http.StatusOK, rec.Code, rec.Body.String())
}

func (env *testEnv) do(method, path string, caller *[20]byte, body interface{}) *httptest.ResponseRecorder {
	env.t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(env.t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if caller != nil {
		token, err := middleware.IssueToken(testSecret, *caller, "", []string{scopeAdmin}, time.Hour)
		require.NoError(env.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (env *testEnv) createOrder(price string) orderView {
	env.t.Helper()
	rec := env.do(http.MethodPost, "/v1/orders", &sellerAddr, orderRequest{Type: "goods", Description: "a vintage lamp", Price: price})
	require.Equal(env.t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[orderView](env.t, rec)
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)
	order := env.createOrder("10000")
	require.Equal(t, "active", order.Status)
	require.Equal(t, common.BytesToAddress(sellerAddr[:]).Hex(), order.Seller)

	rec := env.do(http.MethodPost, "/v1/orders/"+order.ID+"/match", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	matched := decode[orderView](t, rec)
	require.Equal(t, "escrowed", matched.Status)
	require.Equal(t, env.now+int64(7*24*time.Hour/time.Second), matched.EscrowDeadline)

	rec = env.do(http.MethodGet, "/v1/orders/"+order.ID+"/escrow", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	escrow := decode[escrowStatusView](t, rec)
	require.False(t, escrow.CanRelease)
	require.Equal(t, int64(7*24*3600), escrow.RemainingSeconds)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/confirm", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	completed := decode[orderSettlementView](t, rec)
	require.Equal(t, "completed", completed.Order.Status)
	require.NotNil(t, completed.Settlement)
	require.Equal(t, "9750", completed.Settlement.SellerAmount)
	require.Equal(t, "250", completed.Settlement.Commission)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/reviews", &buyerAddr, reviewRequest{Rating: 4, Comment: "as described"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(http.MethodGet, "/v1/sellers/"+common.BytesToAddress(sellerAddr[:]).Hex()+"/rating", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rating := decode[ratingView](t, rec)
	require.Equal(t, uint64(1), rating.Count)
	require.Equal(t, uint64(400), rating.AverageX100)

	rec = env.do(http.MethodGet, "/v1/status", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[statusView](t, rec)
	require.Equal(t, uint64(1), status.OrderCount)
	require.Equal(t, uint64(1), status.StatusCounts["completed"])
	require.Equal(t, uint8(6), status.SettlementDecimals)

	rec = env.do(http.MethodGet, "/v1/events?orderId="+order.ID, &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed struct {
		Events []journalEventView `json:"events"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	seen := make([]string, 0, len(listed.Events))
	for _, evt := range listed.Events {
		seen = append(seen, evt.Type)
	}
	require.Equal(t, []string{
		market.EventTypeOrderCreated,
		market.EventTypeOrderMatched,
		market.EventTypeOrderCompleted,
		market.EventTypeReviewSubmitted,
	}, seen)
}

func TestDisputeFlowOverHTTP(t *testing.T) {
	env := newTestEnv(t, false)
	rec := env.do(http.MethodPost, "/v1/stakes", &arbitratorAddr, amountRequest{Amount: "5000"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.True(t, decode[stakeView](t, rec).Active)

	order := env.createOrder("10000")
	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/match", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/dispute", &buyerAddr, raiseDisputeRequest{Reason: "never arrived"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	dispute := decode[disputeView](t, rec)
	require.Equal(t, common.BytesToAddress(arbitratorAddr[:]).Hex(), dispute.Arbitrator)
	require.Equal(t, "1000", dispute.LockedStake)

	rec = env.do(http.MethodGet, "/v1/orders/"+order.ID+"/dispute/status", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	disputeStatus := decode[disputeStatusView](t, rec)
	require.True(t, disputeStatus.HasDispute)
	require.False(t, disputeStatus.CanReassign)
	require.Equal(t, int64(3*24*3600), disputeStatus.ArbitrationRemainingSeconds)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/dispute/resolve", &sellerAddr, resolveDisputeRequest{BuyerWins: false, Resolution: "mine"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/dispute/resolve", &arbitratorAddr, resolveDisputeRequest{BuyerWins: true, Resolution: "tracking shows no delivery"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[disputeSettlementView](t, rec)
	require.Equal(t, "resolved", resolved.Dispute.Status)
	require.NotNil(t, resolved.Settlement)
	require.Equal(t, "500", resolved.Settlement.Reward)
	require.Equal(t, "9500", resolved.Settlement.BuyerAmount)

	rec = env.do(http.MethodGet, "/v1/arbitrators/"+common.BytesToAddress(arbitratorAddr[:]).Hex(), &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stake := decode[stakeView](t, rec)
	require.Equal(t, "0", stake.Locked)
	require.Equal(t, uint64(1), stake.TotalDecisions)

	rec = env.do(http.MethodGet, "/v1/orders?status=refunded", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[pageView[orderView]](t, rec)
	require.Len(t, page.Items, 1)
}

func TestErrorMapping(t *testing.T) {
	env := newTestEnv(t, false)
	order := env.createOrder("10000")

	rec := env.do(http.MethodPost, "/v1/orders", nil, orderRequest{Type: "goods", Description: "x", Price: "1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	missing := "0x" + strings.Repeat("ab", 32)
	rec = env.do(http.MethodGet, "/v1/orders/"+missing, &buyerAddr, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decode[errorResponse](t, rec).Category)

	rec = env.do(http.MethodGet, "/v1/orders/nothex", &buyerAddr, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/match", &sellerAddr, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/v1/orders", &sellerAddr, orderRequest{Type: "goods", Description: "x", Price: "0"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "validation", decode[errorResponse](t, rec).Category)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/match", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/release", &sellerAddr, nil)
	require.Equal(t, http.StatusTooEarly, rec.Code)
	require.Equal(t, "timing", decode[errorResponse](t, rec).Category)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/dispute", &buyerAddr, raiseDisputeRequest{Reason: "broken"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	require.Equal(t, "economic", decode[errorResponse](t, rec).Category)

	env.now += int64(8 * 24 * 3600)
	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/release", &sellerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/release", &sellerAddr, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "state", decode[errorResponse](t, rec).Category)
}

func TestAdminEndpoints(t *testing.T) {
	env := newTestEnv(t, false)

	rec := env.do(http.MethodPost, "/v1/admin/pause", &sellerAddr, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/v1/admin/pause", &ownerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.True(t, decode[statusView](t, rec).Paused)

	rec = env.do(http.MethodPost, "/v1/orders", &sellerAddr, orderRequest{Type: "goods", Description: "x", Price: "100"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(http.MethodPost, "/v1/admin/unpause", &ownerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	commission := uint32(100)
	window := "48h"
	rec = env.do(http.MethodPut, "/v1/admin/params", &ownerAddr, paramsRequest{CommissionBps: &commission, EscrowWindow: &window})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	params := decode[paramsView](t, rec)
	require.Equal(t, uint32(100), params.CommissionBps)
	require.Equal(t, "48h0m0s", params.EscrowWindow)

	tooHigh := uint32(5000)
	rec = env.do(http.MethodPut, "/v1/admin/params", &ownerAddr, paramsRequest{CommissionBps: &tooHigh})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/v1/params", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, uint32(100), decode[paramsView](t, rec).CommissionBps)
}

func TestExportAndMetrics(t *testing.T) {
	env := newTestEnv(t, true)
	order := env.createOrder("10000")
	rec := env.do(http.MethodPost, "/v1/orders/"+order.ID+"/match", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/confirm", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env.createOrder("500")

	rec = env.do(http.MethodGet, "/v1/exports/orders?format=csv&settled=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Len(t, rec.Header().Get(checksumHeader), 64)
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	require.Contains(t, lines[1], order.ID)

	rec = env.do(http.MethodGet, "/v1/exports/orders?format=xml", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, `market_orders{status="active"}`)
	require.Contains(t, body, `market_events_total{type="market.order.completed"}`)
	require.Contains(t, body, "marketd_test_requests_total")
}

func TestEventStream(t *testing.T) {
	env := newTestEnv(t, true)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+"/v1/events/stream?type=market.order.", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The subscription is registered after the upgrade completes.
	require.Eventually(t, func() bool { return env.stream.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	rec := env.do(http.MethodPost, "/v1/stakes", &arbitratorAddr, amountRequest{Amount: "5000"})
	require.Equal(t, http.StatusCreated, rec.Code)
	order := env.createOrder("10000")

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var evt struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	}
	require.NoError(t, json.Unmarshal(data, &evt))
	require.Equal(t, market.EventTypeOrderCreated, evt.Type)
	require.Equal(t, strings.TrimPrefix(order.ID, "0x"), evt.Attributes["orderId"])
}

func TestTokenApprovalEnablesMatchAndStake(t *testing.T) {
	env := newTestEnvWithApprovals(t, true, false)
	order := env.createOrder("10000")

	rec := env.do(http.MethodGet, "/v1/tokens/usdx/balances/"+hexAddress(buyerAddr), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	balance := decode[balanceView](t, rec)
	require.Equal(t, "USDX", balance.Symbol)
	require.Equal(t, uint8(6), balance.Decimals)
	require.Equal(t, "1000000", balance.Balance)
	require.Equal(t, "0", balance.Allowance)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/match", &buyerAddr, nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), "insufficient allowance")
	rec = env.do(http.MethodPost, "/v1/stakes", &arbitratorAddr, amountRequest{Amount: "5000"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/tokens/USDX/approve", &buyerAddr, approveRequest{Amount: "10000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	allowance := decode[allowanceView](t, rec)
	require.Equal(t, hexAddress(env.engine.Custody()), allowance.Spender)
	require.Equal(t, "10000", allowance.Allowance)

	rec = env.do(http.MethodPost, "/v1/orders/"+order.ID+"/match", &buyerAddr, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodGet, "/v1/tokens/USDX/balances/"+hexAddress(buyerAddr), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	balance = decode[balanceView](t, rec)
	require.Equal(t, "990000", balance.Balance)
	require.Equal(t, "0", balance.Allowance)

	env.approve(arbitratorAddr, "arb")
	rec = env.do(http.MethodPost, "/v1/stakes", &arbitratorAddr, amountRequest{Amount: "5000"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestTokenRoutesValidateInput(t *testing.T) {
	env := newTestEnv(t, true)

	rec := env.do(http.MethodGet, "/v1/tokens/NOPE/balances/"+hexAddress(buyerAddr), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/v1/tokens/USDX/approve", nil, approveRequest{Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/v1/tokens/USDX/approve", &buyerAddr, approveRequest{Spender: "0x1234", Amount: "1"})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/v1/tokens/USDX/approve", &buyerAddr, approveRequest{Amount: "ten"})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = env.do(http.MethodPost, "/v1/tokens/USDX/transfer", &buyerAddr, transferRequest{To: hexAddress(sellerAddr), Amount: "2000000"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	rec = env.do(http.MethodPost, "/v1/tokens/USDX/transfer", &buyerAddr, transferRequest{To: hexAddress(sellerAddr), Amount: "250"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.do(http.MethodGet, "/v1/tokens/USDX/balances/"+hexAddress(sellerAddr), nil, nil)
	require.Equal(t, "1000250", decode[balanceView](t, rec).Balance)

	rec = env.do(http.MethodGet, "/v1/tokens", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	listing := decode[struct {
		Tokens []tokenView `json:"tokens"`
	}](t, rec)
	require.Len(t, listing.Tokens, 2)
	require.Equal(t, "ARB", listing.Tokens[0].Symbol)
	require.Equal(t, "USDX", listing.Tokens[1].Symbol)
	require.Equal(t, "3000000", listing.Tokens[1].TotalSupply)
}
