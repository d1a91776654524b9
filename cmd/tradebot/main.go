package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"tradebot/internal/api"
	"tradebot/internal/collector"
	"tradebot/internal/engine"
	"tradebot/internal/events"
	"tradebot/internal/gateway"
	"tradebot/internal/notify"
	"tradebot/internal/strategy"
	"tradebot/internal/supervisor"
	"tradebot/pkg/config"
	"tradebot/pkg/db"
	"tradebot/pkg/exchange/bybit"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer store.Close()
	if err := db.ApplyMigrations(store); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	notifier, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
	if err != nil {
		log.Printf("WARN: telegram disabled: %v", err)
	}

	client := bybit.NewClient(bybit.Config{
		APIKey:     cfg.BybitAPIKey,
		APISecret:  cfg.BybitAPISecret,
		Testnet:    cfg.Testnet,
		RecvWindow: cfg.RecvWindow,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if t, err := client.ServerTime(ctx); err != nil {
		log.Printf("WARN: exchange connectivity probe failed: %v", err)
	} else {
		log.Printf("connected to bybit, server time %s", t.UTC().Format("2006-01-02 15:04:05"))
	}

	bus := events.NewBus()
	hb := supervisor.NewHeartbeats()
	sup := supervisor.New(hb, notifier, supervisor.DefaultCheckInterval, supervisor.DefaultStaleAfter)

	strat := strategy.NewEmaRsi(cfg.Strategy)
	eng := engine.New(cfg.Symbol, cfg.Coin, store, bus, client, strat, notifier, cfg.Risk, hb.BeatFunc("engine"))
	gw := gateway.New(cfg.Symbol, store, bus, client, hb.BeatFunc("gateway"))
	coll := collector.New(cfg.Symbol, store, bus, nil)

	orderStream := bybit.NewPrivateStream(bybit.Config{
		APIKey:    cfg.BybitAPIKey,
		APISecret: cfg.BybitAPISecret,
		Testnet:   cfg.Testnet,
	}, func(ev bybit.OrderEvent) {
		gw.HandleOrderEvent(ctx, ev)
	}, hb.BeatFunc("order-stream"))

	marketStream := bybit.NewMarketStream(cfg.Testnet, cfg.Symbol, cfg.Interval, func(ev bybit.KlineEvent) {
		coll.HandleKline(ctx, ev)
	}, hb.BeatFunc("market-stream"))

	sup.Register(supervisor.Component{Name: "engine", Run: eng.Run})
	sup.Register(supervisor.Component{Name: "gateway", Run: gw.Run})
	sup.Register(supervisor.Component{Name: "order-stream", Run: orderStream.Run})
	sup.Register(supervisor.Component{Name: "market-stream", Run: marketStream.Run})

	srv := api.New(cfg.Symbol, store, hb)
	go func() {
		log.Printf("http api listening on %s", cfg.HTTPAddr)
		if err := srv.Run(cfg.HTTPAddr); err != nil {
			log.Printf("ERROR: http api: %v", err)
		}
	}()

	log.Printf("tradebot starting: symbol=%s interval=%sm testnet=%v strategy=%s",
		cfg.Symbol, cfg.Interval, cfg.Testnet, strat.Name())
	sup.Run(ctx)
	log.Print("tradebot stopped")
}
