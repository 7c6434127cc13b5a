package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("orders")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
}

func TestRateLimiterSeparatesRoutes(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders":   {RatePerSecond: 1, Burst: 1},
		"disputes": {RatePerSecond: 1, Burst: 1},
	}, nil)

	ordersHandler := limiter.Middleware("orders")(okHandler())
	disputesHandler := limiter.Middleware("disputes")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("X-API-Key", "tenant-A")
	res := httptest.NewRecorder()
	ordersHandler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected orders request to succeed, got %d", res.Code)
	}

	disputeReq := httptest.NewRequest(http.MethodGet, "/v1/disputes/00", nil)
	disputeReq.Header.Set("X-API-Key", "tenant-A")
	disputeRes := httptest.NewRecorder()
	disputesHandler.ServeHTTP(disputeRes, disputeReq)
	if disputeRes.Code != http.StatusOK {
		t.Fatalf("expected first dispute request to succeed, got %d", disputeRes.Code)
	}

	disputeRes = httptest.NewRecorder()
	disputesHandler.ServeHTTP(disputeRes, disputeReq)
	if disputeRes.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second dispute request to hit limit, got %d", disputeRes.Code)
	}
}

func TestRateLimiterAppliesRouteTokens(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {
			RatePerSecond: 0.001,
			Burst:         4,
			DefaultTokens: 1,
			Tokens: map[string]int{
				"POST /v1/orders": 3,
			},
		},
	}, nil)

	handler := limiter.Middleware("orders")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/orders", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first create to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second create to exceed the bucket, got %d", res.Code)
	}

	listReq := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	listRes := httptest.NewRecorder()
	handler.ServeHTTP(listRes, listReq)
	if listRes.Code != http.StatusOK {
		t.Fatalf("expected list to succeed with default token cost, got %d", listRes.Code)
	}
}

func TestRateLimiterPrefersCallerOverIP(t *testing.T) {
	limiter := NewRateLimiter(map[string]RateLimit{
		"orders": {RatePerSecond: 1, Burst: 1},
	}, nil)

	handler := limiter.Middleware("orders")(okHandler())

	reqA := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	reqA = reqA.WithContext(WithCaller(reqA.Context(), [20]byte{1}))
	resA := httptest.NewRecorder()
	handler.ServeHTTP(resA, reqA)
	if resA.Code != http.StatusOK {
		t.Fatalf("expected caller A request to succeed, got %d", resA.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	reqB = reqB.WithContext(WithCaller(reqB.Context(), [20]byte{2}))
	resB := httptest.NewRecorder()
	handler.ServeHTTP(resB, reqB)
	if resB.Code != http.StatusOK {
		t.Fatalf("expected caller B request to succeed, got %d", resB.Code)
	}
}
