// Package server exposes traversal sessions over HTTP.
//
// Each session owns a pagination.Controller. Clients create a session, report
// their viewport or request steps explicitly, and read snapshots either by
// polling or over a websocket stream.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gauthierbraillon/topicfeed/internal/aggregator"
	"github.com/gauthierbraillon/topicfeed/internal/chain"
	"github.com/gauthierbraillon/topicfeed/internal/display"
	"github.com/gauthierbraillon/topicfeed/internal/metrics"
	"github.com/gauthierbraillon/topicfeed/internal/pagination"
)

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithDefaults sets the follow-set and sort mode used when a session request
// leaves them out.
func WithDefaults(topics []string, mode chain.SortMode) Option {
	return func(s *Server) {
		s.topics = topics
		s.mode = mode
	}
}

// WithClock overrides the time source of new sessions.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithSessionTTL sets how long a session may go unused before it is
// dropped. Sessions with an open stream never expire. Zero disables expiry.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) {
		s.ttl = ttl
	}
}

const defaultSessionTTL = 30 * time.Minute

type session struct {
	ctrl     *pagination.Controller
	cancel   context.CancelFunc
	lastSeen time.Time
	streams  int
}

// end closes the session's subscriptions and cancels its pending steps.
func (sess *session) end() {
	sess.ctrl.Close()
	sess.cancel()
}

// Server holds the live sessions.
type Server struct {
	base   context.Context
	heads  chain.HeadLookup
	merger *aggregator.Merger
	logger *slog.Logger
	topics []string
	mode   chain.SortMode
	now    func() time.Time
	ttl    time.Duration

	mu       sync.Mutex
	sessions map[string]*session

	upgrader websocket.Upgrader
}

// New creates a server. Sessions live until deleted, until they expire, or
// until base is done.
func New(base context.Context, heads chain.HeadLookup, merger *aggregator.Merger, opts ...Option) *Server {
	s := &Server{
		base:     base,
		heads:    heads,
		merger:   merger,
		logger:   slog.Default(),
		mode:     chain.ByTrend,
		now:      time.Now,
		ttl:      defaultSessionTTL,
		sessions: make(map[string]*session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl > 0 {
		go s.expireLoop()
	}
	return s
}

func (s *Server) expireLoop() {
	ticker := time.NewTicker(max(s.ttl/2, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-s.base.Done():
			return
		case <-ticker.C:
			s.sweep(s.now())
		}
	}
}

// sweep drops the sessions idle for longer than the TTL at now.
func (s *Server) sweep(now time.Time) int {
	s.mu.Lock()
	var expired []*session
	for id, sess := range s.sessions {
		if sess.streams == 0 && now.Sub(sess.lastSeen) > s.ttl {
			delete(s.sessions, id)
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		sess.end()
		metrics.ActiveSessions.Dec()
	}
	if len(expired) > 0 {
		s.logger.Info("expired idle sessions", "count", len(expired))
	}
	return len(expired)
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.instrument())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/feed", s.handleFeed)

	api := engine.Group("/api/sessions")
	api.POST("", s.handleCreate)
	api.GET("/:id", s.withSession(s.handleGet))
	api.DELETE("/:id", s.handleDelete)
	api.POST("/:id/sort", s.withSession(s.handleSort))
	api.POST("/:id/advance", s.withSession(s.handleAdvance))
	api.POST("/:id/viewport", s.withSession(s.handleViewport))
	api.GET("/:id/stream", s.handleStream)
	return engine
}

// Close ends every session.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sess := range s.sessions {
		sess.end()
		delete(s.sessions, id)
		metrics.ActiveSessions.Dec()
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRequest struct {
	Topics []string `json:"topics"`
	Sort   string   `json:"sort"`
}

type createResponse struct {
	ID       string              `json:"id"`
	Snapshot pagination.Snapshot `json:"snapshot"`
}

func (s *Server) handleCreate(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	topics := req.Topics
	if len(topics) == 0 {
		topics = s.topics
	}
	mode := s.mode
	if req.Sort != "" {
		var err error
		if mode, err = chain.ParseSortMode(req.Sort); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(s.base)
	ctrl := pagination.New(ctx, s.heads, s.merger,
		pagination.WithLogger(s.logger.With("session", id)),
		pagination.WithClock(s.now),
	)
	if err := ctrl.StartSession(c.Request.Context(), topics, mode); err != nil {
		cancel()
		s.logger.Warn("session start failed", "err", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.sessions[id] = &session{ctrl: ctrl, cancel: cancel, lastSeen: s.now()}
	s.mu.Unlock()
	metrics.ActiveSessions.Inc()

	c.JSON(http.StatusCreated, createResponse{ID: id, Snapshot: ctrl.Snapshot(0)})
}

func (s *Server) handleDelete(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	sess.end()
	metrics.ActiveSessions.Dec()
	c.Status(http.StatusNoContent)
}

// lookup finds a session and marks it as used.
func (s *Server) lookup(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		sess.lastSeen = s.now()
	}
	return sess, ok
}

func (s *Server) withSession(h func(*gin.Context, *pagination.Controller)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := s.lookup(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h(c, sess.ctrl)
	}
}

func (s *Server) handleGet(c *gin.Context, ctrl *pagination.Controller) {
	offset := 0
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer"})
			return
		}
		offset = n
	}
	c.JSON(http.StatusOK, ctrl.Snapshot(offset))
}

const defaultFeedLimit = 20

// handleFeed renders the first items of a one-off session as plain text.
func (s *Server) handleFeed(c *gin.Context) {
	topics := c.QueryArray("topic")
	if len(topics) == 0 {
		topics = s.topics
	}
	mode := s.mode
	if v := c.Query("sort"); v != "" {
		var err error
		if mode, err = chain.ParseSortMode(v); err != nil {
			c.String(http.StatusBadRequest, err.Error()+"\n")
			return
		}
	}
	limit := defaultFeedLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.String(http.StatusBadRequest, "limit must be a positive integer\n")
			return
		}
		limit = n
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	ctrl := pagination.New(ctx, s.heads, s.merger, pagination.WithLogger(s.logger), pagination.WithClock(s.now))
	if err := ctrl.StartSession(ctx, topics, mode); err != nil {
		c.String(http.StatusBadGateway, err.Error()+"\n")
		return
	}
	err := ctrl.Fill(ctx, limit)
	snap := ctrl.Snapshot(0)
	if err != nil && snap.Total == 0 {
		c.String(http.StatusBadGateway, err.Error()+"\n")
		return
	}
	items := snap.Items
	if len(items) > limit {
		items = items[:limit]
	}
	c.String(http.StatusOK, display.NewTerminalFormatter().FormatFeed(items))
}

type sortRequest struct {
	Sort string `json:"sort" binding:"required"`
}

func (s *Server) handleSort(c *gin.Context, ctrl *pagination.Controller) {
	var req sortRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sort required"})
		return
	}
	mode, err := chain.ParseSortMode(req.Sort)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := ctrl.StartSession(c.Request.Context(), ctrl.Topics(), mode); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, ctrl.Snapshot(0))
}

func (s *Server) handleAdvance(c *gin.Context, ctrl *pagination.Controller) {
	c.JSON(http.StatusAccepted, gin.H{"started": ctrl.RequestAdvance()})
}

func (s *Server) handleViewport(c *gin.Context, ctrl *pagination.Controller) {
	var v pagination.Viewport
	if err := c.ShouldBindJSON(&v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": ctrl.Scroll(v)})
}

// handleStream pushes a snapshot after every change until the client goes
// away or the session ends.
func (s *Server) handleStream(c *gin.Context) {
	sess, ok := s.lookup(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	s.mu.Lock()
	sess.streams++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		sess.streams--
		sess.lastSeen = s.now()
		s.mu.Unlock()
	}()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	updates, cancel := sess.ctrl.Subscribe()
	defer cancel()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := conn.WriteJSON(snap); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("stream write failed", "err", err)
				}
				return
			}
		case <-gone:
			return
		case <-s.base.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
			return
		}
	}
}

// instrument records request metrics and logs each request.
func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		status := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, metrics.StatusLabel(status)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(elapsed.Seconds())
		s.logger.Debug("request", "method", c.Request.Method, "path", path, "status", status, "duration", elapsed)
	}
}
