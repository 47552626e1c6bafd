package exchange

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/models"
	"crossarb/pkg/utils"
)

func newTestVenue(t *testing.T, handler http.HandlerFunc) *GenericVenue {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	venue, err := NewGenericVenue(GenericConfig{
		Name:        "venue-a",
		BaseURL:     server.URL,
		Credentials: Credentials{APIKey: "key", SecretKey: "secret"},
	})
	if err != nil {
		t.Fatalf("NewGenericVenue: %v", err)
	}
	t.Cleanup(func() { venue.Close() })
	return venue
}

func TestNewGenericVenue_Validation(t *testing.T) {
	if _, err := NewGenericVenue(GenericConfig{BaseURL: "http://x"}); err == nil {
		t.Error("expected error for empty name")
	}
	if _, err := NewGenericVenue(GenericConfig{Name: "a"}); err == nil {
		t.Error("expected error for empty base url")
	}
}

func TestGenericVenue_PlaceLimitOrder(t *testing.T) {
	var gotBody map[string]interface{}
	venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}

		body, _ := io.ReadAll(r.Body)
		ts := r.Header.Get("X-TIMESTAMP")
		want := (&RESTClient{creds: Credentials{SecretKey: "secret"}}).Sign(ts, http.MethodPost, "/orders", string(body))
		if r.Header.Get("X-SIGNATURE") != want {
			t.Errorf("signature mismatch")
		}
		if r.Header.Get("X-API-KEY") != "key" {
			t.Errorf("X-API-KEY = %q", r.Header.Get("X-API-KEY"))
		}
		json.Unmarshal(body, &gotBody)

		w.Write([]byte(`{"order_id":"o-1","status":"LIVE","created_at":1705329045000}`))
	})

	order, err := venue.PlaceLimitOrder(context.Background(), "m-1", models.SideBuy,
		decimal.RequireFromString("0.45"), decimal.NewFromInt(10), "cid-1")
	if err != nil {
		t.Fatalf("PlaceLimitOrder: %v", err)
	}

	if order.OrderID != "o-1" || order.ClientOrderID != "cid-1" {
		t.Errorf("ids = %s/%s", order.OrderID, order.ClientOrderID)
	}
	if order.Status != models.OrderStatusOpen {
		t.Errorf("status = %s, want OPEN", order.Status)
	}
	if !order.Price.Equal(decimal.RequireFromString("0.45")) || !order.Size.Equal(decimal.NewFromInt(10)) {
		t.Errorf("price/size = %s/%s", order.Price, order.Size)
	}
	if order.CreatedAt.Unix() != 1705329045 {
		t.Errorf("created_at = %v", order.CreatedAt)
	}
	if gotBody["type"] != "LIMIT" || gotBody["client_order_id"] != "cid-1" || gotBody["price"] != "0.45" {
		t.Errorf("request body = %v", gotBody)
	}
}

func TestGenericVenue_PlaceMarketOrder_NoPrice(t *testing.T) {
	venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if strings.Contains(string(body), `"price"`) {
			t.Errorf("market order must not carry price: %s", body)
		}
		w.Write([]byte(`{"order_id":"h-1","price":"0.52"}`))
	})

	order, err := venue.PlaceMarketOrder(context.Background(), "m-2", models.SideSell, decimal.NewFromInt(4), "cid-2")
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if order.Type != models.OrderTypeMarket || order.Status != models.OrderStatusFilled {
		t.Errorf("type/status = %s/%s", order.Type, order.Status)
	}
	if !order.Price.Equal(decimal.RequireFromString("0.52")) {
		t.Errorf("price = %s", order.Price)
	}
}

func TestGenericVenue_PlaceOrder_MissingID(t *testing.T) {
	venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	_, err := venue.PlaceLimitOrder(context.Background(), "m-1", models.SideBuy, decimal.NewFromInt(1), decimal.NewFromInt(1), "c")
	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
}

func TestGenericVenue_CancelOrder(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"success", `{"success":true}`, false},
		{"empty body treated as success", `{}`, false},
		{"rejected", `{"success":false,"message":"already filled"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodDelete || r.URL.Path != "/orders/o-9" {
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
				}
				w.Write([]byte(tt.body))
			})

			ok, err := venue.CancelOrder(context.Background(), "o-9")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if ok == tt.wantErr {
				t.Errorf("ok = %v", ok)
			}
		})
	}
}

func TestGenericVenue_GetOrderBook(t *testing.T) {
	venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("market_id") != "m-1" {
			t.Errorf("market_id query = %q", r.URL.Query().Get("market_id"))
		}
		if r.Header.Get("X-SIGNATURE") != "" {
			t.Error("public endpoint should not be signed")
		}
		w.Write([]byte(`{"bids":[{"price":"0.49","size":"10"}],"asks":[{"price":0.51,"size":5},{"price":"0.52","size":"7"}]}`))
	})

	book, err := venue.GetOrderBook(context.Background(), "m-1")
	if err != nil {
		t.Fatalf("GetOrderBook: %v", err)
	}
	if book.MarketID != "m-1" || len(book.Bids) != 1 || len(book.Asks) != 2 {
		t.Fatalf("book = %+v", book)
	}
	if !book.Asks[0].Price.Equal(decimal.RequireFromString("0.51")) {
		t.Errorf("best ask = %s", book.Asks[0].Price)
	}
	if len(book.Depth(models.SideBuy)) != 2 || len(book.Depth(models.SideSell)) != 1 {
		t.Error("Depth should pick asks for BUY and bids for SELL")
	}
}

func TestGenericVenue_GetOrderBook_InvalidLevel(t *testing.T) {
	venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"asks":[{"price":"0","size":"1"}]}`))
	})

	_, err := venue.GetOrderBook(context.Background(), "m-1")
	if !errors.Is(err, utils.ErrInvalidPayload) {
		t.Errorf("expected ErrInvalidPayload, got %v", err)
	}
}

func TestGenericVenue_GetBalances(t *testing.T) {
	venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"balances":{"USDC":"125.5","USDT":3}}`))
	})

	balances, err := venue.GetBalances(context.Background())
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if !balances["USDC"].Equal(decimal.RequireFromString("125.5")) || !balances["USDT"].Equal(decimal.NewFromInt(3)) {
		t.Errorf("balances = %v", balances)
	}
}

func TestGenericVenue_FetchUserTrades(t *testing.T) {
	since := time.UnixMilli(1705329045000)
	venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("since") != "1705329045000" {
			t.Errorf("since = %q", r.URL.Query().Get("since"))
		}
		w.Write([]byte(`{"trades":[
			{"id":"o-1","fill_price":"0.5","filled_size":"2","token_id":"m-1","side":"sell","filled_at":1705329046},
			{"message":"no order id"},
			{"order_id":"o-2","price":"bad","size":"1"}
		]}`))
	})

	fills, err := venue.FetchUserTrades(context.Background(), since)
	if err != nil {
		t.Fatalf("FetchUserTrades: %v", err)
	}
	if len(fills) != 1 {
		t.Fatalf("got %d fills, want 1", len(fills))
	}
	f := fills[0]
	if f.OrderID != "o-1" || f.MarketID != "m-1" || f.Side != models.SideSell || f.Exchange != "venue-a" {
		t.Errorf("fill = %+v", f)
	}
	if f.Timestamp.Unix() != 1705329046 {
		t.Errorf("timestamp = %v", f.Timestamp)
	}
}

func TestRESTClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"balances":{}}`))
	})

	if _, err := venue.GetBalances(context.Background()); err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRESTClient_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	venue := newTestVenue(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":"INVALID_SIZE","message":"size too small"}`))
	})

	_, err := venue.GetBalances(context.Background())

	var exErr *ExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("expected ExchangeError, got %v", err)
	}
	if exErr.Code != "INVALID_SIZE" || exErr.Message != "size too small" || exErr.Recoverable {
		t.Errorf("error = %+v", exErr)
	}
	if IsRecoverable(err) {
		t.Error("400 must not be recoverable")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRESTClient_TooManyRequestsRecoverable(t *testing.T) {
	c := &RESTClient{venue: "venue-a"}
	err := c.statusError(http.StatusTooManyRequests, nil)
	if !IsRecoverable(err) {
		t.Error("429 should be recoverable")
	}
	if !strings.Contains(err.Error(), "429") {
		t.Errorf("error = %v", err)
	}
}

func TestExchangeError(t *testing.T) {
	original := errors.New("connection reset")
	err := &ExchangeError{Exchange: "venue-a", Message: "transport", Recoverable: true, Original: original}

	if !errors.Is(err, original) {
		t.Error("Unwrap should expose original error")
	}
	if !err.Retryable() {
		t.Error("Retryable should follow Recoverable")
	}
	if err.Error() != "venue-a: transport" {
		t.Errorf("Error() = %q", err.Error())
	}
}
