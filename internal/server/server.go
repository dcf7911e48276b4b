// Package server exposes the gimbal over HTTP and WebSocket and owns the
// process configuration.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/stepbus/internal/bus"
	"github.com/shaunagostinho/stepbus/internal/gimbal"
	"github.com/shaunagostinho/stepbus/internal/metrics"
	"github.com/shaunagostinho/stepbus/internal/motor"
	"github.com/shaunagostinho/stepbus/internal/recorder"
)

// Mount is the gimbal as the server drives it.
type Mount interface {
	GetDegree(ctx context.Context) (gimbal.Angles, error)
	ToDegree(ctx context.Context, target gimbal.Angles, precision float64) error
	DeltaDegree(ctx context.Context, speed int, d gimbal.Angles) error
	MoveTo(ctx context.Context, speed int, target gimbal.Angles) error
	Stop(ctx context.Context) error
}

var _ Mount = (*gimbal.Gimbal)(nil)

// Publisher receives every polled position. internal/telemetry
// implements it.
type Publisher interface {
	Publish(ctx context.Context, pos gimbal.Angles, target *gimbal.Angles) error
}

// Target is a move request arriving over the WebSocket. Newer targets
// replace older ones that have not finished. An absolute target with a
// speed is a single open-loop move, without one it converges closed-loop.
type Target struct {
	Mode      string  `json:"mode"` // "delta" or "absolute"
	Rotate    float64 `json:"rotate"`
	Tilt      float64 `json:"tilt"`
	Speed     int     `json:"speed,omitempty"`
	Precision float64 `json:"precision,omitempty"`
}

// Frame is the JSON structure sent to WebSocket clients.
type Frame struct {
	Position *gimbal.Angles `json:"position,omitempty"`
	Target   *gimbal.Angles `json:"target,omitempty"`
	Error    string         `json:"error,omitempty"`
	Stamp    int64          `json:"stamp"` // Unix ms
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics serves h at the configured metrics path and reports
// positions and client counts to m.
func WithMetrics(m *metrics.Metrics, h http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = h
	}
}

func WithRecorder(r *recorder.Recorder) Option {
	return func(s *Server) { s.rec = r }
}

func WithPublisher(p Publisher) Option {
	return func(s *Server) { s.pub = p }
}

// WithWeb serves fsys at /.
func WithWeb(fsys fs.FS) Option {
	return func(s *Server) { s.webFS = fsys }
}

// WithReady sets the /readyz probe.
func WithReady(fn func() bool) Option {
	return func(s *Server) { s.ready = fn }
}

// Server serves the API and broadcasts positions to WebSocket clients.
type Server struct {
	cfg            *Config
	mount          Mount
	log            *zap.Logger
	metrics        *metrics.Metrics
	metricsHandler http.Handler
	rec            *recorder.Recorder
	pub            Publisher
	ready          func() bool
	webFS          fs.FS

	router   *gin.Engine
	upgrader websocket.Upgrader

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	// moveMu is held for the duration of every move
	moveMu sync.Mutex

	targetMu   sync.Mutex
	pending    *Target
	cancelMove context.CancelFunc
	target     *gimbal.Angles // last absolute target, for frames
	wake       chan struct{}

	posMu   sync.Mutex
	lastPos *gimbal.Angles
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// New creates a Server.
func New(cfg *Config, mount Mount, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		mount:   mount,
		log:     zap.NewNop(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		wake: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("server")
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	r.GET("/readyz", func(c *gin.Context) {
		if s.ready == nil || s.ready() {
			c.String(http.StatusOK, "ready")
			return
		}
		c.String(http.StatusServiceUnavailable, "not-ready")
	})
	if s.metricsHandler != nil && s.cfg.Metrics.Enabled {
		path := s.cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.GET(path, gin.WrapH(s.metricsHandler))
	}

	api := r.Group("/api")
	api.GET("/position", s.handlePosition)
	api.POST("/move", s.handleMove)
	api.POST("/delta", s.handleDelta)
	api.POST("/stop", s.handleStop)
	api.GET("/config", s.handleGetConfig)
	api.POST("/config", s.handlePostConfig)

	r.GET("/ws", s.handleWS)

	if s.webFS != nil {
		r.GET("/", gin.WrapH(http.FileServer(http.FS(s.webFS))))
	}
	return r
}

// requestLog tags each request with an ID and logs API calls.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-ID", id)
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

// Start launches the move worker and the position broadcast loop. Both
// stop when ctx is done.
func (s *Server) Start(ctx context.Context) {
	go s.moveLoop(ctx)
	go s.pollLoop(ctx)
}

// Run starts the background loops and serves HTTP until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.Start(ctx)

	srv := &http.Server{
		Addr:    s.cfg.Server.ListenAddr,
		Handler: s.router,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info("listening", zap.String("addr", s.cfg.Server.ListenAddr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type moveRequest struct {
	Rotate    *float64 `json:"rotate" binding:"required"`
	Tilt      *float64 `json:"tilt" binding:"required"`
	Precision float64  `json:"precision"`
}

type deltaRequest struct {
	Rotate float64 `json:"rotate"`
	Tilt   float64 `json:"tilt"`
	Speed  int     `json:"speed"`
}

func (s *Server) handlePosition(c *gin.Context) {
	ctx, cancel := s.moveContext(c.Request.Context())
	defer cancel()

	pos, err := s.mount.GetDegree(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.observe(pos)
	c.JSON(http.StatusOK, pos)
}

func (s *Server) handleMove(c *gin.Context) {
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	precision := req.Precision
	if precision <= 0 {
		precision = s.cfg.GimbalSettings().Precision
	}
	target := gimbal.Angles{Rotate: *req.Rotate, Tilt: *req.Tilt}

	mctx, done := s.beginMove(c.Request.Context(), nil)
	defer done()
	s.setTarget(&target)

	ctx, cancel := s.moveContext(mctx)
	defer cancel()
	if err := s.mount.ToDegree(ctx, target, precision); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleDelta(c *gin.Context) {
	var req deltaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	speed := req.Speed
	if speed <= 0 {
		speed = s.cfg.GimbalSettings().DeltaSpeed
	}

	ctx, done := s.beginMove(c.Request.Context(), nil)
	defer done()
	if err := s.mount.DeltaDegree(ctx, speed, gimbal.Angles{Rotate: req.Rotate, Tilt: req.Tilt}); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStop abandons any queued target and cancels the running move,
// whether it came from the WebSocket or the API, then stops both axes
// once that move has wound down.
func (s *Server) handleStop(c *gin.Context) {
	s.targetMu.Lock()
	s.pending = nil
	if s.cancelMove != nil {
		s.cancelMove()
	}
	s.targetMu.Unlock()

	s.moveMu.Lock()
	defer s.moveMu.Unlock()
	s.setTarget(nil)

	if err := s.mount.Stop(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleGetConfig(c *gin.Context) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}

// handlePostConfig merges a partial update and saves it. Axis and bus
// settings take effect on the next start.
func (s *Server) handlePostConfig(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bad request"})
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Save(); err != nil {
		s.log.Warn("config save failed", zap.Error(err))
	}
	if s.rec != nil {
		s.cfg.mu.RLock()
		on := s.cfg.Recorder.Enabled
		s.cfg.mu.RUnlock()
		s.rec.SetEnabled(on)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps bus and motor errors to HTTP statuses.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bus.ErrReadTimeout), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, bus.ErrBusClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, motor.ErrNotConverged):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, motor.ErrPositionUnknown), errors.Is(err, context.Canceled):
		status = http.StatusConflict
	}
	s.log.Warn("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.clientCount(n)
	s.log.Info("ws client connected", zap.Int("clients", n))

	// last known state
	s.posMu.Lock()
	first := Frame{Position: s.lastPos, Target: s.currentTarget(), Stamp: time.Now().UnixMilli()}
	s.posMu.Unlock()
	if data, err := json.Marshal(first); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.clientCount(n)
			s.log.Info("ws client disconnected", zap.Int("clients", n))
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var t Target
			if err := json.Unmarshal(msg, &t); err != nil || (t.Mode != "delta" && t.Mode != "absolute") {
				s.sendTo(client, Frame{Error: "want {\"mode\":\"delta\"|\"absolute\",\"rotate\":..,\"tilt\":..}", Stamp: time.Now().UnixMilli()})
				continue
			}
			s.Submit(t)
		}
	}()
}

// Submit queues t, replacing any target not yet started and cancelling
// the one in progress.
func (s *Server) Submit(t Target) {
	s.targetMu.Lock()
	s.pending = &t
	if s.cancelMove != nil {
		s.cancelMove()
	}
	s.targetMu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) moveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}

		var t *Target
		mctx, done := s.beginMove(ctx, func() {
			t, s.pending = s.pending, nil
		})

		if t != nil {
			if err := s.apply(mctx, *t); err != nil && !errors.Is(err, context.Canceled) {
				s.log.Warn("target failed", zap.String("mode", t.Mode), zap.Error(err))
			}
		}
		done()
	}
}

// beginMove takes the move lock and returns a context that Submit and
// handleStop can cancel. take, if set, runs under targetMu together with
// registering the cancel func, so a target taken there is only cancelled
// by a later Submit. done releases both.
func (s *Server) beginMove(parent context.Context, take func()) (context.Context, func()) {
	s.moveMu.Lock()
	ctx, cancel := context.WithCancel(parent)
	s.targetMu.Lock()
	if take != nil {
		take()
	}
	s.cancelMove = cancel
	s.targetMu.Unlock()
	return ctx, func() {
		s.targetMu.Lock()
		s.cancelMove = nil
		s.targetMu.Unlock()
		cancel()
		s.moveMu.Unlock()
	}
}

func (s *Server) apply(ctx context.Context, t Target) error {
	a := gimbal.Angles{Rotate: t.Rotate, Tilt: t.Tilt}
	switch t.Mode {
	case "delta":
		speed := t.Speed
		if speed <= 0 {
			speed = s.cfg.GimbalSettings().DeltaSpeed
		}
		return s.mount.DeltaDegree(ctx, speed, a)
	default:
		s.setTarget(&a)
		if t.Speed > 0 {
			return s.mount.MoveTo(ctx, t.Speed, a)
		}
		precision := t.Precision
		if precision <= 0 {
			precision = s.cfg.GimbalSettings().Precision
		}
		ctx, cancel := s.moveContext(ctx)
		defer cancel()
		return s.mount.ToDegree(ctx, a, precision)
	}
}

// moveContext bounds a move by the configured timeout, if any.
func (s *Server) moveContext(parent context.Context) (context.Context, context.CancelFunc) {
	if timeout := s.cfg.GimbalSettings().MoveTimeout(); timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}

// pollLoop reads the position at the configured rate and fans it out to
// clients, metrics, the recorder and the publisher.
func (s *Server) pollLoop(ctx context.Context) {
	every := time.Duration(s.cfg.Server.PositionPollMs) * time.Millisecond
	if every <= 0 {
		every = 200 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	defer func() {
		if s.rec != nil {
			s.rec.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx, every)
		}
	}
}

func (s *Server) pollOnce(ctx context.Context, budget time.Duration) {
	rctx, cancel := context.WithTimeout(ctx, budget)
	pos, err := s.mount.GetDegree(rctx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			s.log.Debug("position poll failed", zap.Error(err))
			s.broadcast(Frame{Error: err.Error(), Stamp: time.Now().UnixMilli()})
		}
		return
	}
	s.observe(pos)

	target := s.currentTarget()
	s.broadcast(Frame{Position: &pos, Target: target, Stamp: time.Now().UnixMilli()})

	if s.rec != nil {
		smp := recorder.Sample{Time: time.Now(), Rotate: pos.Rotate, Tilt: pos.Tilt, Source: "poll"}
		if target != nil {
			smp.TargetRotate, smp.TargetTilt = &target.Rotate, &target.Tilt
		}
		s.rec.Record(smp)
	}
	if s.pub != nil {
		pctx, cancel := context.WithTimeout(ctx, budget)
		if err := s.pub.Publish(pctx, pos, target); err != nil {
			s.log.Debug("publish failed", zap.Error(err))
		}
		cancel()
	}
}

// observe stores pos as the latest reading.
func (s *Server) observe(pos gimbal.Angles) {
	s.posMu.Lock()
	s.lastPos = &pos
	s.posMu.Unlock()
	if s.metrics != nil {
		s.metrics.SetPosition("rotate", pos.Rotate)
		s.metrics.SetPosition("tilt", pos.Tilt)
	}
}

func (s *Server) setTarget(a *gimbal.Angles) {
	s.targetMu.Lock()
	s.target = a
	s.targetMu.Unlock()
}

func (s *Server) currentTarget() *gimbal.Angles {
	s.targetMu.Lock()
	defer s.targetMu.Unlock()
	if s.target == nil {
		return nil
	}
	t := *s.target
	return &t
}

func (s *Server) clientCount(n int) {
	if s.metrics != nil {
		s.metrics.WSClients.Set(float64(n))
	}
}

func (s *Server) sendTo(client *wsClient, frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case client.send <- data:
	default:
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, skip
		}
	}
}
