// Package api serves the lock's HTTP surface: health, metrics, status and
// the host-side stand-ins for GPIO events.
package api

import (
	"context"
	"encoding/hex"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/dbehnke/smartlock/internal/channel"
	"github.com/dbehnke/smartlock/internal/database"
	"github.com/dbehnke/smartlock/internal/faults"
	"github.com/dbehnke/smartlock/internal/keypad"
	"github.com/dbehnke/smartlock/internal/lock"
	"github.com/dbehnke/smartlock/internal/metrics"
	"github.com/dbehnke/smartlock/internal/nfc"
	"github.com/dbehnke/smartlock/internal/radiolink"
	"github.com/dbehnke/smartlock/internal/workflow"
)

const Source = "api"

// Door is the actuator as seen by the API.
type Door interface {
	Unlock(source, credential string) error
	Lock() error
	GetStatus() lock.Status
}

// Workflow reports a peripheral workflow state.
type Workflow interface {
	Status() workflow.Status
}

// Link reports a channel mode.
type Link interface {
	Name() string
	Mode() channel.Mode
}

// Deps are the components the routes reach. Nil members disable their
// routes with 503.
type Deps struct {
	Door      Door
	Workflows []Workflow
	Links     []Link
	Finger    interface{ OnFingerPresent() }
	Enroller  interface{ ArmEnroll() }
	Face      interface{ Verify() bool }
	Cards     interface{ OnCard(uid []byte) bool }
	Keys      interface{ Press(k keypad.Key) bool }
	Radio     interface {
		Refresh(ctx context.Context) (radiolink.Info, error)
	}
	Events    interface {
		Recent(limit int) ([]database.AccessEvent, error)
	}
	Health func() error
}

// Server is the HTTP API.
type Server struct {
	deps     Deps
	router   *gin.Engine
	srv      *http.Server
	appeared time.Time
	logger   zerolog.Logger
}

// NewServer builds the router.
func NewServer(listen string, corsOrigins []string, deps Deps, logger zerolog.Logger) *Server {
	metrics.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)

	logger = logger.With().Str("component", "api").Logger()
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		deps:     deps,
		router:   r,
		appeared: time.Now(),
		logger:   logger,
	}
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.registerRoutes()
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("http api listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(shutdownCtx)
}

func (s *Server) registerRoutes() {
	r := s.router

	r.GET("/health", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/status", s.status)
	r.GET("/events", s.events)
	r.GET("/radio", s.radio)

	r.POST("/unlock", s.unlock)
	r.POST("/lock", s.lock)
	r.POST("/fingerprint/enroll", s.enroll)
	r.POST("/face/verify", s.faceVerify)

	r.POST("/events/finger", s.finger)
	r.POST("/events/card/:uid", s.card)
	r.POST("/events/key/:key", s.key)
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": what + " not configured"})
}

func (s *Server) health(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "ok",
		"uptime":    time.Since(s.appeared).String(),
		"component": "smartlock-api",
	}
	if s.deps.Health != nil {
		if err := s.deps.Health(); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	c.JSON(status, body)
}

func (s *Server) status(c *gin.Context) {
	body := gin.H{}
	if s.deps.Door != nil {
		body["lock"] = s.deps.Door.GetStatus()
	}

	workflows := make(map[string]workflow.Status, len(s.deps.Workflows))
	for _, w := range s.deps.Workflows {
		st := w.Status()
		workflows[st.Peripheral] = st
	}
	body["workflows"] = workflows

	links := make(map[string]string, len(s.deps.Links))
	for _, l := range s.deps.Links {
		links[l.Name()] = l.Mode().String()
	}
	body["links"] = links

	c.JSON(http.StatusOK, body)
}

func (s *Server) events(c *gin.Context) {
	if s.deps.Events == nil {
		unavailable(c, "access log")
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be 1-1000"})
		return
	}
	events, err := s.deps.Events.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) unlock(c *gin.Context) {
	if s.deps.Door == nil {
		unavailable(c, "lock")
		return
	}
	if err := s.deps.Door.Unlock(Source, c.ClientIP()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "unlocking"})
}

func (s *Server) lock(c *gin.Context) {
	if s.deps.Door == nil {
		unavailable(c, "lock")
		return
	}
	if err := s.deps.Door.Lock(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "locking"})
}

func (s *Server) enroll(c *gin.Context) {
	if s.deps.Enroller == nil {
		unavailable(c, "fingerprint sensor")
		return
	}
	s.deps.Enroller.ArmEnroll()
	c.JSON(http.StatusAccepted, gin.H{"status": "enroll armed", "next": "place finger"})
}

func (s *Server) faceVerify(c *gin.Context) {
	if s.deps.Face == nil {
		unavailable(c, "face unit")
		return
	}
	if !s.deps.Face.Verify() {
		c.JSON(http.StatusConflict, gin.H{"error": "face unit busy"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "verifying"})
}

// radio never waits behind a command session; a busy link answers 409
// with the last known info.
func (s *Server) radio(c *gin.Context) {
	if s.deps.Radio == nil {
		unavailable(c, "radio")
		return
	}
	info, err := s.deps.Radio.Refresh(c.Request.Context())
	switch {
	case errors.Is(err, faults.ErrLinkBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "radio": info})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "radio": info})
	default:
		c.JSON(http.StatusOK, gin.H{"radio": info})
	}
}

func (s *Server) finger(c *gin.Context) {
	if s.deps.Finger == nil {
		unavailable(c, "fingerprint sensor")
		return
	}
	s.deps.Finger.OnFingerPresent()
	c.JSON(http.StatusAccepted, gin.H{"status": "finger reported"})
}

func (s *Server) card(c *gin.Context) {
	if s.deps.Cards == nil {
		unavailable(c, "card reader")
		return
	}
	uid, err := nfc.NormalizeUID(c.Param("uid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raw, _ := hex.DecodeString(uid)
	if !s.deps.Cards.OnCard(raw) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "card queue full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "card reported", "uid": uid})
}

func (s *Server) key(c *gin.Context) {
	if s.deps.Keys == nil {
		unavailable(c, "keypad")
		return
	}
	k, err := keypad.ParseKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !s.deps.Keys.Press(k) {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "key queue full"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "key reported", "key": k.String()})
}
