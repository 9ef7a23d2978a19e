// Package api serves the fleet's read and control endpoints over HTTP.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"agentfleet/internal/engine"
	"agentfleet/internal/state"
	"agentfleet/internal/store"

	"github.com/gin-gonic/gin"
)

// Fleet is the part of the agent registry the API drives.
type Fleet interface {
	Statuses() []state.Status
	Get(id string) (*engine.Entry, bool)
	StartAll(ctx context.Context) int
}

// Journal is the optional persisted trade history.
type Journal interface {
	Trades(ctx context.Context, agentID string, limit int) ([]state.TradeRecord, error)
	Summaries(ctx context.Context) ([]store.Summary, error)
}

type Server struct {
	addr    string
	router  *gin.Engine
	fleet   Fleet
	journal Journal
	// runCtx outlives requests; agents started over HTTP run under it.
	runCtx context.Context
}

// NewServer wires the routes. journal may be nil.
func NewServer(runCtx context.Context, addr string, fleet Fleet, journal Journal) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	s := &Server{addr: addr, router: router, fleet: fleet, journal: journal, runCtx: runCtx}
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	g := router.Group("/api")
	g.GET("/agents", s.listAgents)
	g.GET("/agents/:id", s.getAgent)
	g.GET("/agents/:id/trades", s.agentTrades)
	g.POST("/agents/:id/stop", s.stopAgent)
	g.POST("/start", s.startAll)
	g.GET("/trades", s.journalTrades)
	g.GET("/summary", s.summary)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) listAgents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"agents": s.fleet.Statuses()})
}

func (s *Server) getAgent(c *gin.Context) {
	entry, ok := s.entry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, entry.Snapshot())
}

func (s *Server) agentTrades(c *gin.Context) {
	entry, ok := s.entry(c)
	if !ok {
		return
	}
	trades := []state.TradeRecord{}
	if entry.Agent != nil {
		trades = entry.Agent.Trades()
	}
	c.JSON(http.StatusOK, gin.H{"agent_id": entry.Strategy.ID, "trades": trades})
}

func (s *Server) stopAgent(c *gin.Context) {
	entry, ok := s.entry(c)
	if !ok {
		return
	}
	if entry.Agent == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "agent is disabled: " + entry.DisabledReason})
		return
	}
	entry.Agent.Stop()
	c.JSON(http.StatusOK, entry.Status())
}

func (s *Server) startAll(c *gin.Context) {
	started := s.fleet.StartAll(s.runCtx)
	c.JSON(http.StatusAccepted, gin.H{"started": started})
}

func (s *Server) journalTrades(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade journal disabled"})
		return
	}
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	trades, err := s.journal.Trades(c.Request.Context(), c.Query("agent"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}

func (s *Server) summary(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trade journal disabled"})
		return
	}
	sums, err := s.journal.Summaries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": sums})
}

func (s *Server) entry(c *gin.Context) (*engine.Entry, bool) {
	id := c.Param("id")
	entry, ok := s.fleet.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown agent " + id})
		return nil, false
	}
	return entry, true
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("http request", "method", c.Request.Method, "path", c.Request.URL.Path, "status", c.Writer.Status(), "dur", time.Since(start))
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http listening", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shCtx)
	case err := <-errCh:
		return err
	}
}
