package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"tradebot/internal/supervisor"
	"tradebot/pkg/db"
)

func newTestServer(t *testing.T) (*Server, *db.Database) {
	t.Helper()
	store, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := db.ApplyMigrations(store); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	hb := supervisor.NewHeartbeats()
	hb.Beat("engine")
	return New("BTCUSDT", store, hb), store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
}

func TestStatusListsHeartbeats(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/status")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Symbol     string                     `json:"symbol"`
		Components map[string]json.RawMessage `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %s", body.Symbol)
	}
	if _, ok := body.Components["engine"]; !ok {
		t.Error("engine heartbeat missing")
	}
}

func TestOrdersEndpoint(t *testing.T) {
	s, store := newTestServer(t)
	err := store.CreateOrder(context.Background(), db.Order{
		ClientOrderID: "bot_open_BTCUSDT_1",
		Symbol:        "BTCUSDT",
		Side:          db.SideBuy,
		OrderType:     db.TypeMarket,
		Qty:           0.1,
		Status:        db.StatusFilled,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	rec := get(t, s, "/orders")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	var body struct {
		Orders []struct {
			ClientOrderID string `json:"client_order_id"`
			Status        string `json:"status"`
		} `json:"orders"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Orders) != 1 || body.Orders[0].ClientOrderID != "bot_open_BTCUSDT_1" {
		t.Errorf("orders = %+v", body.Orders)
	}

	if rec := get(t, s, "/orders?limit=0"); rec.Code != http.StatusBadRequest {
		t.Errorf("limit=0 code = %d", rec.Code)
	}
}

func TestMetricsExposed(t *testing.T) {
	s, _ := newTestServer(t)
	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("empty metrics body")
	}
}
