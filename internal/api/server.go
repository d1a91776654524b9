// Package api exposes the operational HTTP surface: health, component
// heartbeats, recent orders and Prometheus metrics. It is read-only;
// trading is never driven over HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradebot/internal/supervisor"
	"tradebot/pkg/db"
)

// Server carries the router and its data sources.
type Server struct {
	symbol string
	store  *db.Database
	hb     *supervisor.Heartbeats
	router *gin.Engine
}

// New builds the router.
func New(symbol string, store *db.Database, hb *supervisor.Heartbeats) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{symbol: symbol, store: store, hb: hb, router: gin.New()}
	s.router.Use(gin.Recovery())

	s.router.GET("/health", s.handleHealth)
	s.router.GET("/status", s.handleStatus)
	s.router.GET("/orders", s.handleOrders)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

// Run serves until the listener fails.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleStatus(c *gin.Context) {
	beats := s.hb.Snapshot()
	now := time.Now()
	components := make(map[string]gin.H, len(beats))
	for name, last := range beats {
		components[name] = gin.H{
			"last_heartbeat": last,
			"age_seconds":    now.Sub(last).Seconds(),
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     s.symbol,
		"time":       now,
		"components": components,
	})
}

func (s *Server) handleOrders(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-500"})
			return
		}
		limit = n
	}
	orders, err := s.store.RecentOrders(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, gin.H{
			"client_order_id":   o.ClientOrderID,
			"exchange_order_id": o.ExchangeOrderID,
			"symbol":            o.Symbol,
			"side":              o.Side,
			"order_type":        o.OrderType,
			"qty":               o.Qty,
			"status":            o.Status,
			"avg_price":         o.AvgPrice,
			"tp1_price":         o.TP1Price,
			"is_tp1_hit":        o.IsTP1Hit,
			"error":             o.ErrorMessage,
			"created_at":        o.CreatedAt,
			"updated_at":        o.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}
