package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
)

const (
	privateMainnetURL = "wss://stream.bybit.com/v5/private"
	privateTestnetURL = "wss://stream-testnet.bybit.com/v5/private"

	wsPingInterval   = 20 * time.Second
	wsReadTimeout    = 60 * time.Second
	wsReconnectDelay = 5 * time.Second
)

// OrderHandler receives normalized order push events.
type OrderHandler func(OrderEvent)

// PrivateStream maintains the authenticated websocket connection and
// feeds order updates to the handler. It reconnects forever until the
// context is cancelled.
type PrivateStream struct {
	cfg     Config
	url     string
	handler OrderHandler
	beat    func()
}

// NewPrivateStream creates a private stream. beat is called on every
// received message and may be nil.
func NewPrivateStream(cfg Config, handler OrderHandler, beat func()) *PrivateStream {
	u := privateMainnetURL
	if cfg.Testnet {
		u = privateTestnetURL
	}
	return &PrivateStream{cfg: cfg, url: u, handler: handler, beat: beat}
}

// SetURL overrides the websocket endpoint; tests point it at a local server.
func (s *PrivateStream) SetURL(u string) { s.url = u }

// Run connects, authenticates and consumes the order topic until ctx is
// cancelled. Connection failures are logged and retried.
func (s *PrivateStream) Run(ctx context.Context) {
	for {
		if err := s.connectAndConsume(ctx); err != nil {
			log.Printf("ERROR: order stream: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (s *PrivateStream) connectAndConsume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	if err := s.authenticate(conn); err != nil {
		return err
	}
	sub := map[string]any{"op": "subscribe", "args": []string{"order"}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe order topic: %w", err)
	}
	log.Printf("order stream connected: %s", s.url)

	go keepAlive(ctx, conn)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if s.beat != nil {
			s.beat()
		}
		s.dispatch(raw)
	}
}

func (s *PrivateStream) authenticate(conn *websocket.Conn) error {
	expires := time.Now().Add(10 * time.Second).UnixMilli()
	signature := sign("GET/realtime"+strconv.FormatInt(expires, 10), s.cfg.APISecret)
	auth := map[string]any{
		"op":   "auth",
		"args": []any{s.cfg.APIKey, expires, signature},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	var res struct {
		Op      string `json:"op"`
		Success bool   `json:"success"`
		RetMsg  string `json:"ret_msg"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	if res.Op == "auth" && !res.Success {
		return fmt.Errorf("websocket auth rejected: %s", res.RetMsg)
	}
	return nil
}

func (s *PrivateStream) dispatch(raw []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  []struct {
			Symbol       string `json:"symbol"`
			OrderID      string `json:"orderId"`
			OrderLinkID  string `json:"orderLinkId"`
			OrderStatus  string `json:"orderStatus"`
			AvgPrice     string `json:"avgPrice"`
			Qty          string `json:"qty"`
			RejectReason string `json:"rejectReason"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("WARN: order stream: unparseable message: %v", err)
		return
	}
	if msg.Topic != "order" {
		return
	}
	for _, d := range msg.Data {
		s.handler(OrderEvent{
			Symbol:          d.Symbol,
			ClientOrderID:   d.OrderLinkID,
			ExchangeOrderID: d.OrderID,
			Status:          d.OrderStatus,
			AvgPrice:        toFloat(d.AvgPrice),
			Qty:             toFloat(d.Qty),
			RejectReason:    d.RejectReason,
		})
	}
}

// keepAlive sends the Bybit application-level ping until ctx is
// cancelled or the write fails.
func keepAlive(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteJSON(map[string]string{"op": "ping"}); err != nil {
				return
			}
		}
	}
}
