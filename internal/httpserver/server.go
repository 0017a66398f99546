package httpserver

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinytelemetry/courier/internal/archive"
	"github.com/tinytelemetry/courier/internal/logging"
	"github.com/tinytelemetry/courier/internal/metrics"
	"github.com/tinytelemetry/courier/internal/model"
	"github.com/tinytelemetry/courier/internal/pipeline"
)

// Server provides the ingest and operator HTTP API.
type Server struct {
	addr      string
	pipe      *pipeline.Pipeline
	coll      *metrics.Collector
	log       *logging.Logger
	arch      *archive.Store
	registry  *prometheus.Registry
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new API server.
func NewServer(addr string, pipe *pipeline.Pipeline, coll *metrics.Collector, log *logging.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:3300"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		pipe:   pipe,
		coll:   coll,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
}

// AttachArchive enables the archive read endpoint.
func (s *Server) AttachArchive(store *archive.Store) { s.arch = store }

// AttachRegistry enables the Prometheus exposition endpoint.
func (s *Server) AttachRegistry(reg *prometheus.Registry) { s.registry = reg }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/events", s.handleIngestOne)
	r.POST("/api/events/batch", s.handleIngestBatch)

	r.GET("/api/health", s.handleHealth)
	r.GET("/api/queue", s.handleQueue)
	r.POST("/api/queue/flush", s.handleFlush)
	r.DELETE("/api/queue", s.handleClearQueue)
	r.GET("/api/stats", s.handleStats)
	r.POST("/api/stats/reset", s.handleStatsReset)
	r.PUT("/api/log-level", s.handleLogLevel)
	r.GET("/api/archive/recent", s.handleArchiveRecent)

	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.routes(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.listener = listener
	s.startTime = time.Now()

	go s.server.Serve(listener)
	return nil
}

// Addr returns the bound listen address, useful when starting on port 0.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleIngestOne(c *gin.Context) {
	var ev model.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON event"})
		return
	}
	if err := s.pipe.Record(&ev); err != nil {
		c.JSON(http.StatusAccepted, gin.H{"accepted": false, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (s *Server) handleIngestBatch(c *gin.Context) {
	var events []*model.Event
	if err := c.ShouldBindJSON(&events); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON event array"})
		return
	}
	accepted, rejected := 0, 0
	for _, ev := range events {
		if err := s.pipe.Record(ev); err != nil {
			rejected++
		} else {
			accepted++
		}
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": accepted, "rejected": rejected})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"uptime":     time.Since(s.startTime).String(),
		"queue_size": s.pipe.Queue().Len(),
	})
}

func (s *Server) handleQueue(c *gin.Context) {
	pending := s.pipe.Queue().Pending()
	c.JSON(http.StatusOK, gin.H{
		"size":   len(pending),
		"events": pending,
	})
}

func (s *Server) handleFlush(c *gin.Context) {
	if err := s.pipe.FlushNow(c.Request.Context()); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flushed": true, "queue_size": s.pipe.Queue().Len()})
}

func (s *Server) handleClearQueue(c *gin.Context) {
	s.pipe.Queue().Clear()
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coll.Snapshot())
}

func (s *Server) handleStatsReset(c *gin.Context) {
	s.coll.Reset()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (s *Server) handleLogLevel(c *gin.Context) {
	var req struct {
		Level string `json:"level" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body or missing level field"})
		return
	}
	s.log.SetLevel(logging.ParseLevel(req.Level))
	c.JSON(http.StatusOK, gin.H{"level": s.log.LevelName()})
}

func (s *Server) handleArchiveRecent(c *gin.Context) {
	if s.arch == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "archive disabled"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	rows, err := s.arch.RecentDelivered(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read archive"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"count":  len(rows),
		"events": rows,
	})
}
