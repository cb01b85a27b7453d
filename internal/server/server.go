// Package server exposes the latest aggregation report over HTTP and pushes
// every new report to websocket subscribers.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/logger"
	"fundingflow/models"
)

const (
	historyLimit = 50
	logLimit     = 200
	metricLimit  = 200
)

type Server struct {
	cfg           config.ServerConfig
	log           *logger.Log
	reports       *reportStore
	metricStore   *metricStore
	logStore      *logStore
	metricHandler metrics.MetricHandlerID
	hub           *hub
	upgrader      websocket.Upgrader
	prometheus    bool
	httpServer    *http.Server
}

// NewServer returns nil when the server is disabled.
func NewServer(cfg config.ServerConfig, prometheus bool, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)

	ms := newMetricStore(metricLimit)
	ls := newLogStore(logLimit)
	log.AddHook(ls)

	return &Server{
		cfg:           cfg,
		log:           log,
		reports:       newReportStore(historyLimit),
		metricStore:   ms,
		logStore:      ls,
		metricHandler: metrics.RegisterMetricHandler(ms.handle),
		hub:           newHub(log),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		prometheus: prometheus,
	}
}

// Publish stores r as the latest report and pushes it to subscribers.
func (s *Server) Publish(r models.Report) {
	if s == nil {
		return
	}
	s.reports.put(r)
	s.hub.broadcast(r)
}

func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

// Run serves until ctx is cancelled or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}
	defer s.cleanup()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.log.WithComponent("server").WithFields(logger.Fields{"address": s.cfg.Address}).Info("http server listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.closeAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) cleanup() {
	metrics.UnregisterMetricHandler(s.metricHandler)
	s.logStore.close()
}

func (s *Server) buildRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/api/funding-rates", s.fundingRates)
	router.GET("/api/runs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"runs": s.reports.runs()})
	})
	router.GET("/api/logs", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"logs": s.logStore.snapshot()})
	})
	router.GET("/api/metrics", func(c *gin.Context) {
		snapshot := s.metricStore.snapshot()
		payload := make([]gin.H, 0, len(snapshot))
		for _, m := range snapshot {
			payload = append(payload, gin.H{
				"timestamp": m.Timestamp.Format(time.RFC3339Nano),
				"component": m.Component,
				"name":      m.Name,
				"value":     m.Value,
				"type":      m.Type,
				"fields":    m.Fields,
			})
		}
		c.JSON(http.StatusOK, gin.H{"metrics": payload})
	})
	if s.prometheus {
		router.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	router.GET("/ws", s.stream)
	return router
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "clients": s.hub.count()}
	if r, ok := s.reports.get(); ok {
		body["lastRunId"] = r.RunID
		body["lastRunAt"] = r.GeneratedAt
	}
	c.JSON(http.StatusOK, body)
}

// fundingRates serves the latest report. ?exchange= narrows the raw records
// and ?symbol= the comparison table.
func (s *Server) fundingRates(c *gin.Context) {
	r, ok := s.reports.get()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no aggregation run has completed yet"})
		return
	}

	if name := c.Query("exchange"); name != "" {
		ex, known := models.ParseExchange(strings.ToLower(name))
		if !known {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown exchange " + name})
			return
		}
		r.Records = map[models.Exchange][]models.FundingRecord{ex: r.Records[ex]}
	}
	if sym := strings.ToUpper(c.Query("symbol")); sym != "" {
		filtered := make([]models.ComparisonEntry, 0, 1)
		for _, e := range r.Comparison {
			if e.Symbol == sym {
				filtered = append(filtered, e)
			}
		}
		r.Comparison = filtered
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) stream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithComponent("server").WithError(err).Warn("websocket upgrade failed")
		return
	}

	cl := s.hub.register(conn)
	if r, ok := s.reports.get(); ok {
		if payload, err := encode("report", r); err == nil {
			cl.send <- payload
		}
	}
	go cl.writePump()
	go cl.readPump(s.hub)
}

// normalizeAddress turns loose listen addresses (":9000", "localhost",
// "http://host:port") into host:port.
func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8080"
	}

	if strings.Contains(addr, "://") {
		if parsed, err := url.Parse(addr); err == nil {
			if host := parsed.Host; host != "" {
				addr = host
			} else if parsed.Opaque != "" {
				addr = parsed.Opaque
			}
		}
	}

	if strings.HasPrefix(addr, ":") && len(addr) > 1 && addr[1] >= '0' && addr[1] <= '9' {
		return "0.0.0.0" + addr
	}

	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		if port == "" {
			port = "8080"
		}
		return net.JoinHostPort(host, port)
	}

	if ip := net.ParseIP(addr); ip != nil || !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8080")
	}
	return addr
}
