package coingecko

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc, ttl time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:     srv.URL,
		Timeout:     2 * time.Second,
		TopCoinsTTL: ttl,
		MinDelay:    -1,
	}, zap.NewNop())
}

func TestGetPrices_ParsesMarkets(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/coins/markets" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ids"); got != "bitcoin,ethereum" {
			t.Errorf("unexpected ids %q", got)
		}
		if got := r.URL.Query().Get("vs_currency"); got != "usd" {
			t.Errorf("unexpected currency %q", got)
		}
		w.Write([]byte(`[
			{"id":"bitcoin","symbol":"btc","current_price":65000.5,"market_cap":1200000000000,"price_change_percentage_24h":1.5},
			{"id":"ethereum","symbol":"eth","current_price":null,"market_cap":null,"price_change_percentage_24h":null}
		]`))
	}, 0)

	prices := c.GetPrices(context.Background(), []string{"bitcoin", "ethereum"})
	btc, ok := prices["bitcoin"]
	if !ok {
		t.Fatal("bitcoin missing")
	}
	if btc.USD != 65000.5 || btc.Change24h != 1.5 || btc.MarketCap != 1.2e12 {
		t.Fatalf("unexpected bitcoin price: %+v", btc)
	}
	if _, ok := prices["ethereum"]; ok {
		t.Fatal("coin without a price must be skipped")
	}
}

func TestGetPrices_UpstreamFailureIsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}, 0)

	prices := c.GetPrices(context.Background(), []string{"bitcoin"})
	if len(prices) != 0 {
		t.Fatalf("want empty result, got %v", prices)
	}
}

func TestGetTopCoins_CachesWithinTTL(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.URL.Query().Get("ids") != "" {
			t.Errorf("top coins must not filter by id")
		}
		w.Write([]byte(`[{"id":"bitcoin","current_price":1},{"id":"ethereum","current_price":1},{"id":"tether","current_price":1}]`))
	}, time.Minute)

	first := c.GetTopCoins(context.Background(), 3)
	second := c.GetTopCoins(context.Background(), 2)

	if len(first) != 3 || first[0] != "bitcoin" {
		t.Fatalf("unexpected top coins %v", first)
	}
	if len(second) != 2 || second[1] != "ethereum" {
		t.Fatalf("unexpected truncated list %v", second)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("want 1 upstream call, got %d", n)
	}
}

func TestGetTopCoins_FailureReturnsEmpty(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, time.Minute)

	if got := c.GetTopCoins(context.Background(), 10); len(got) != 0 {
		t.Fatalf("want empty list, got %v", got)
	}
}

func TestKnownCoins(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"bitcoin","current_price":null}]`))
	}, 0)

	known, err := c.KnownCoins(context.Background(), []string{"bitcoin", "notacoin"})
	if err != nil {
		t.Fatalf("KnownCoins: %v", err)
	}
	if !known["bitcoin"] || known["notacoin"] {
		t.Fatalf("unexpected result %v", known)
	}
}

func TestKnownCoins_UpstreamFailure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}, 0)

	if _, err := c.KnownCoins(context.Background(), []string{"bitcoin"}); err == nil {
		t.Fatal("expected error")
	}
}
