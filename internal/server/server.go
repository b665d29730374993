// Package server exposes the orchestrator's status over HTTP: health,
// active-session JSON, prometheus metrics, and a websocket event feed.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bbsfleet/internal/logging"
	"bbsfleet/internal/observability"
	"bbsfleet/internal/pool"
	"bbsfleet/internal/simclock"
)

// Server is the optional status API, enabled with --status-addr.
type Server struct {
	pool    *pool.Pool
	clock   *simclock.Clock
	metrics *observability.Metrics
	logger  logging.Logger

	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

// New wires the status API around the running pool and clock.
func New(p *pool.Pool, clock *simclock.Clock, metrics *observability.Metrics, logger logging.Logger) *Server {
	return &Server{
		pool:    p,
		clock:   clock,
		metrics: metrics,
		logger:  logging.OrNop(logger),
		upgrader: websocket.Upgrader{
			// Local monitoring surface; browsers on other origins are fine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type sessionJSON struct {
	ID        string `json:"id"`
	Handle    string `json:"handle"`
	Status    string `json:"status"`
	Turn      int    `json:"turn"`
	Action    string `json:"last_action,omitempty"`
	StartedAt string `json:"started_at"`
}

type statusJSON struct {
	SimTime        string  `json:"sim_time"`
	EffectiveSpeed float64 `json:"effective_speed"`
	Paused         bool    `json:"paused"`
	Active         int     `json:"active"`
	Queued         int     `json:"queued"`
}

// Router builds the gin handler.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), cors.Default())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, statusJSON{
			SimTime:        s.clock.Now().Format(time.RFC3339),
			EffectiveSpeed: s.clock.EffectiveSpeed(),
			Paused:         s.clock.IsPaused(),
			Active:         s.pool.ActiveCount(),
			Queued:         s.pool.QueueDepth(),
		})
	})

	router.GET("/sessions", func(c *gin.Context) {
		infos := s.pool.Snapshot()
		out := make([]sessionJSON, 0, len(infos))
		for _, info := range infos {
			out = append(out, sessionJSON{
				ID:        info.ID,
				Handle:    info.Handle,
				Status:    string(info.Status),
				Turn:      info.TurnCount,
				Action:    info.LastAction,
				StartedAt: info.StartedAt.Format(time.RFC3339),
			})
		}
		c.JSON(http.StatusOK, out)
	})

	if s.metrics != nil {
		router.GET("/metrics", gin.WrapH(
			promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{})))
	}

	router.GET("/events", s.handleEvents)
	return router
}

// handleEvents streams pool updates over a websocket until the client goes
// away.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates := s.pool.Updates()
	for update := range updates {
		payload := gin.H{
			"id":     update.Info.ID,
			"handle": update.Info.Handle,
			"status": string(update.Info.Status),
			"turn":   update.Info.TurnCount,
		}
		if update.Event != nil {
			payload["event"] = string(update.Event.Type)
			payload["text"] = update.Event.Text
		}
		if err := conn.WriteJSON(payload); err != nil {
			return
		}
	}
}

// Start serves the API on addr until Stop.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{Addr: addr, Handler: s.Router()}
	s.logger.Info("status API listening on %s", addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
