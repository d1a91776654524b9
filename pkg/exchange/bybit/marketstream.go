package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	publicMainnetURL = "wss://stream.bybit.com/v5/public/linear"
	publicTestnetURL = "wss://stream-testnet.bybit.com/v5/public/linear"
)

// KlineHandler receives bars from the public kline stream, both
// in-progress and confirmed.
type KlineHandler func(KlineEvent)

// MarketStream subscribes to the public kline topic for one symbol and
// interval. No authentication is required.
type MarketStream struct {
	url      string
	symbol   string
	interval string
	handler  KlineHandler
	beat     func()
}

// NewMarketStream creates a public kline stream. beat is called on every
// received message and may be nil.
func NewMarketStream(testnet bool, symbol, interval string, handler KlineHandler, beat func()) *MarketStream {
	u := publicMainnetURL
	if testnet {
		u = publicTestnetURL
	}
	return &MarketStream{url: u, symbol: symbol, interval: interval, handler: handler, beat: beat}
}

// SetURL overrides the websocket endpoint; tests point it at a local server.
func (s *MarketStream) SetURL(u string) { s.url = u }

// Run connects and consumes the kline topic until ctx is cancelled.
func (s *MarketStream) Run(ctx context.Context) {
	for {
		if err := s.connectAndConsume(ctx); err != nil {
			log.Printf("ERROR: kline stream %s: %v", s.symbol, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wsReconnectDelay):
		}
	}
}

func (s *MarketStream) connectAndConsume(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	defer conn.Close()

	topic := fmt.Sprintf("kline.%s.%s", s.interval, s.symbol)
	sub := map[string]any{"op": "subscribe", "args": []string{topic}}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	log.Printf("kline stream connected: %s %s", s.url, topic)

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

func (s *MarketStream) dispatch(raw []byte) {
	var msg struct {
		Topic string `json:"topic"`
		Data  []struct {
			Start    int64  `json:"start"`
			Interval string `json:"interval"`
			Open     string `json:"open"`
			High     string `json:"high"`
			Low      string `json:"low"`
			Close    string `json:"close"`
			Volume   string `json:"volume"`
			Confirm  bool   `json:"confirm"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Printf("WARN: kline stream: unparseable message: %v", err)
		return
	}
	if len(msg.Topic) < 6 || msg.Topic[:6] != "kline." {
		return
	}
	for _, d := range msg.Data {
		s.handler(KlineEvent{
			Symbol:   s.symbol,
			Start:    time.UnixMilli(d.Start).UTC(),
			Interval: d.Interval,
			Open:     toFloat(d.Open),
			High:     toFloat(d.High),
			Low:      toFloat(d.Low),
			Close:    toFloat(d.Close),
			Volume:   toFloat(d.Volume),
			Confirm:  d.Confirm,
		})
	}
}
