package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/vesaa/trafficgov/internal/logging"
	"github.com/vesaa/trafficgov/internal/models"
	"github.com/vesaa/trafficgov/internal/snapshot"
	"github.com/vesaa/trafficgov/internal/store"
	"github.com/vesaa/trafficgov/internal/tenant"
)

// StateStore is the read side of the state database.
type StateStore interface {
	ListStates(ctx context.Context) ([]models.TenantState, error)
	GetState(ctx context.Context, tenant string) (*models.TenantState, error)
	ListEvents(ctx context.Context, tenant string, limit int) ([]models.ThrottleEvent, error)
}

// TrafficSource returns a tenant's latest trusted snapshot.
type TrafficSource interface {
	Traffic(counter string) (*models.TenantTrafficRecord, error)
}

// Options configure a Server.
type Options struct {
	JWTSecret     string
	AdminUser     string
	AdminPassHash string
	States        StateStore
	Traffic       TrafficSource
	Logger        *zap.Logger
}

// Server is the read-only status API.
type Server struct {
	jwtSecret     []byte
	adminUser     string
	adminPassHash string
	states        StateStore
	traffic       TrafficSource
	logger        *zap.Logger
}

// New returns a Server for opts.
func New(opts Options) *Server {
	return &Server{
		jwtSecret:     []byte(opts.JWTSecret),
		adminUser:     opts.AdminUser,
		adminPassHash: opts.AdminPassHash,
		states:        opts.States,
		traffic:       opts.Traffic,
		logger:        logging.OrNop(opts.Logger).Named("api"),
	}
}

// Engine builds the gin engine with every route registered.
func (s *Server) Engine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	s.RegisterRoutes(r)
	return r
}

// RegisterRoutes wires up the API on r.
//
//	Public:   POST /api/login, GET /healthz, GET /metrics
//	Protected (JWT): GET /api/tenants[/:name/traffic|/:name/events]
func (s *Server) RegisterRoutes(r *gin.Engine) {
	// ── Public endpoints ──────────────────────────────────────────────────────
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	api.POST("/login", s.handleLogin)

	// ── JWT-protected endpoints ───────────────────────────────────────────────
	auth := api.Group("/", s.JWTMiddleware())
	{
		auth.GET("/tenants", s.handleTenants)
		auth.GET("/tenants/:name/traffic", s.handleTraffic)
		auth.GET("/tenants/:name/events", s.handleEvents)
	}
}

// ── Handlers ──────────────────────────────────────────────────────────────────

// handleLogin accepts username + password and returns a signed JWT.
//
//	POST /api/login
//	Body: { "username": "admin", "password": "..." }
func (s *Server) handleLogin(c *gin.Context) {
	var body struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password required"})
		return
	}

	if !s.checkPassword(body.Username, body.Password) {
		s.logger.Warn("login failed", zap.String("username", body.Username), zap.String("remote", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}

	token, err := s.GenerateJWT(body.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int(tokenTTL.Seconds()),
		"type":       "Bearer",
	})
}

// handleTenants lists the last recorded state of every tenant.
func (s *Server) handleTenants(c *gin.Context) {
	states, err := s.states.ListStates(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": states})
}

// handleTraffic returns the tenant's cached traffic snapshot. The snapshot
// goes through the same trust checks the enforcement cycle applies.
func (s *Server) handleTraffic(c *gin.Context) {
	name := c.Param("name")
	if !tenant.ValidName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant name"})
		return
	}
	rec, err := s.traffic.Traffic(name)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		c.JSON(http.StatusNotFound, gin.H{"error": "no traffic recorded"})
		return
	case errors.Is(err, snapshot.ErrUntrusted):
		c.JSON(http.StatusConflict, gin.H{"error": "snapshot failed trust check"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant": name, "data": rec})
}

// handleEvents returns recent throttle transitions.
//
//	GET /api/tenants/:name/events?limit=50
func (s *Server) handleEvents(c *gin.Context) {
	name := c.Param("name")
	if !tenant.ValidName(name) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tenant name"})
		return
	}
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
			return
		}
		limit = n
	}

	state, err := s.states.GetState(c.Request.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tenant"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	events, err := s.states.ListEvents(c.Request.Context(), name, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state, "data": events})
}
