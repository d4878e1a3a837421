package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/ranch-cloud/rcc-ledger/internal/metrics"
	"github.com/ranch-cloud/rcc-ledger/internal/service/accounts"
	"github.com/ranch-cloud/rcc-ledger/internal/service/auditor"
	"github.com/ranch-cloud/rcc-ledger/internal/service/grants"
	"github.com/ranch-cloud/rcc-ledger/internal/service/reservation"
	"github.com/ranch-cloud/rcc-ledger/internal/service/wallet"
	"github.com/ranch-cloud/rcc-ledger/pkg/models"
)

// Server is the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	// Services
	engine   *reservation.Engine
	wallet   *wallet.Service
	grants   *grants.Service
	accounts *accounts.Service
	auditor  *auditor.Auditor

	// Configuration
	host           string
	port           int
	webhookSecret  string
	webhookLimiter *rate.Limiter

	// Readiness state (atomic for thread-safe access)
	ready atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHost sets the server host
func WithHost(host string) Option {
	return func(s *Server) {
		s.host = host
	}
}

// WithPort sets the server port
func WithPort(port int) Option {
	return func(s *Server) {
		s.port = port
	}
}

// WithWebhookSecret sets the shared secret payment deliveries must carry
func WithWebhookSecret(secret string) Option {
	return func(s *Server) {
		s.webhookSecret = secret
	}
}

// WithWebhookRateLimit caps how fast payment deliveries are accepted
func WithWebhookRateLimit(perSecond float64, burst int) Option {
	return func(s *Server) {
		s.webhookLimiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithAuditor attaches the background auditor for health reporting and
// the admin stats surface
func WithAuditor(a *auditor.Auditor) Option {
	return func(s *Server) {
		s.auditor = a
	}
}

// New creates a new API server
func New(
	engine *reservation.Engine,
	ws *wallet.Service,
	gs *grants.Service,
	as *accounts.Service,
	opts ...Option,
) *Server {
	s := &Server{
		logger:         slog.Default(),
		engine:         engine,
		wallet:         ws,
		grants:         gs,
		accounts:       as,
		host:           "0.0.0.0",
		port:           8080,
		webhookLimiter: rate.NewLimiter(rate.Limit(20), 40),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.setupRouter()
	return s
}

// SetReady sets the server readiness state
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	s.logger.Info("server readiness changed", slog.Bool("ready", ready))
}

// IsReady returns whether the server is ready to accept traffic
func (s *Server) IsReady() bool {
	return s.ready.Load()
}

// setupRouter configures the Gin router
func (s *Server) setupRouter() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	// Add middleware
	router.Use(s.requestIDMiddleware())
	router.Use(s.metricsMiddleware())
	router.Use(s.bodySizeLimitMiddleware(1 << 20)) // 1MB limit
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())

	// Health and readiness endpoints
	router.GET("/health", s.handleHealth)
	router.GET("/ready", s.handleReady)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		// Registration is open; everything else needs a key
		v1.POST("/accounts", s.handleRegisterAccount)

		// Payment provider deliveries authenticate with the shared
		// webhook secret, not an account key
		v1.POST("/webhooks/payment",
			s.webhookRateLimitMiddleware(), s.webhookAuthMiddleware(),
			s.handlePaymentWebhook)

		authed := v1.Group("", s.apiKeyAuthMiddleware())
		{
			// Tasks
			authed.POST("/tasks", s.handleCreateTask)
			authed.GET("/tasks", s.handleListTasks)
			authed.GET("/tasks/:id", s.handleGetTask)
			authed.GET("/tasks/:id/entries", s.handleGetTaskEntries)
			authed.POST("/tasks/:id/status", s.handleTaskStatus)

			// Wallet
			authed.GET("/wallet/balance", s.handleGetBalance)
			authed.GET("/wallet/history", s.handleGetHistory)
			authed.GET("/wallet/payments", s.handleGetPayments)

			// Admin surface
			admin := authed.Group("/admin", s.adminMiddleware())
			{
				admin.POST("/adjust", s.handleAdminAdjust)
				admin.GET("/stats", s.handleAdminStats)
				admin.GET("/accounts", s.handleAdminListAccounts)
			}
		}
	}

	s.router = router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting API server", slog.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the Gin router (for testing)
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Middleware

// validRequestIDRegex allows alphanumeric, dots, underscores, and hyphens up to 128 chars.
var validRequestIDRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,128}$`)

func isValidRequestID(id string) bool {
	return id != "" && validRequestIDRegex.MatchString(id)
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if !isValidRequestID(requestID) {
			requestID = uuid.New().String()
		}
		c.Set("request_id", requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the matched route pattern for consistent path labels
		// This prevents high cardinality from path parameters like /tasks/:id
		path := c.FullPath()
		if path == "" {
			// Fallback for unmatched routes (404s)
			path = "unmatched"
		}

		duration := time.Since(start)
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method

		metrics.RecordHTTPRequest(method, path, status, duration)
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		s.logger.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", path),
			slog.Int("status", status),
			slog.Duration("latency", latency),
			slog.String("request_id", c.GetString("request_id")),
			slog.String("client_ip", c.ClientIP()))
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := string(debug.Stack())
				s.logger.Error("panic recovered",
					slog.Any("error", err),
					slog.String("stack", stack),
					slog.String("request_id", c.GetString("request_id")))

				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:     "internal server error",
					RequestID: c.GetString("request_id"),
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) bodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

const accountContextKey = "account"

// apiKeyAuthMiddleware authenticates requests with a bearer token of the
// form "<account_id>.<api_key>"
func (s *Server) apiKeyAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:     "missing or malformed Authorization header",
				RequestID: c.GetString("request_id"),
			})
			return
		}

		accountID, key, ok := strings.Cut(token, ".")
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:     "malformed bearer token",
				RequestID: c.GetString("request_id"),
			})
			return
		}

		account, err := s.accounts.Authenticate(c.Request.Context(), accountID, key)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:     "invalid credentials",
				RequestID: c.GetString("request_id"),
			})
			return
		}

		c.Set(accountContextKey, account)
		c.Next()
	}
}

// adminMiddleware requires the authenticated account to be an administrator
func (s *Server) adminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		account := currentAccount(c)
		if account == nil || !account.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, ErrorResponse{
				Error:     "administrator access required",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.Next()
	}
}

// webhookAuthMiddleware verifies the shared secret on payment deliveries.
// With no secret configured all deliveries pass, for local development.
func (s *Server) webhookAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.webhookSecret == "" {
			c.Next()
			return
		}

		got := c.GetHeader("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
			metrics.RecordWebhookRejection("bad_secret")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
				Error:     "invalid webhook secret",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.Next()
	}
}

func (s *Server) webhookRateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.webhookLimiter.Allow() {
			metrics.RecordWebhookRejection("rate_limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     "rate limit exceeded",
				RequestID: c.GetString("request_id"),
			})
			return
		}
		c.Next()
	}
}

// currentAccount returns the authenticated account, or nil on
// unauthenticated routes
func currentAccount(c *gin.Context) *models.Account {
	v, ok := c.Get(accountContextKey)
	if !ok {
		return nil
	}
	account, _ := v.(*models.Account)
	return account
}
