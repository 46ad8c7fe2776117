package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"account_service/internal/auth"
	"account_service/internal/metrics"
	"account_service/internal/models"
	"account_service/internal/service"
)

type AccountService interface {
	Register(ctx context.Context, in service.RegisterInput) (service.AuthResult, error)
	Login(ctx context.Context, email, password string) (service.AuthResult, error)
	Logout(ctx context.Context, id uuid.UUID) error
	CurrentIdentity(ctx context.Context, id uuid.UUID) (models.PublicAccount, error)
}

type ResetService interface {
	RequestReset(ctx context.Context, email string) error
	CompleteReset(ctx context.Context, token, newPassword string) error
}

type TokenVerifier interface {
	Verify(token string) (*auth.Claims, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	CookieTTL      time.Duration
	SecureCookies  bool
	RequestTimeout time.Duration
	AllowedOrigins []string
}

type Handler struct {
	accounts AccountService
	resets   ResetService
	verifier TokenVerifier
	store    Pinger
	metrics  *metrics.Metrics
	opts     Options
	log      *slog.Logger
}

type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type response struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Token   string `json:"token,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type userData struct {
	User models.PublicAccount `json:"user"`
}

func newErrorResponse(c *gin.Context, statusCode int, errMessage string) {
	c.AbortWithStatusJSON(statusCode, errorResponse{Success: false, Message: errMessage})
}

func NewHandler(
	accounts AccountService,
	resets ResetService,
	verifier TokenVerifier,
	store Pinger,
	m *metrics.Metrics,
	opts Options,
	lgr *slog.Logger,
) *Handler {
	return &Handler{
		accounts: accounts,
		resets:   resets,
		verifier: verifier,
		store:    store,
		metrics:  m,
		opts:     opts,
		log:      lgr,
	}
}

func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()

	router.Use(RequestID())
	router.Use(Logger(h.log))
	router.Use(gin.Recovery())
	router.Use(CORS(h.opts.AllowedOrigins))
	router.Use(h.Metrics())
	if h.opts.RequestTimeout > 0 {
		router.Use(Timeout(h.opts.RequestTimeout))
	}

	router.GET("/healthz", h.Health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.metrics.Registry(), promhttp.HandlerOpts{})))

	api := router.Group("/api/auth")
	{
		api.POST("/register", h.Register)
		api.POST("/login", h.Login)
		api.POST("/request-password-reset", h.RequestPasswordReset)
		api.POST("/reset-password", h.ResetPassword)

		session := api.Group("")
		session.Use(h.AuthMiddleware())
		{
			session.POST("/logout", h.Logout)
			session.GET("/me", h.Me)
		}
	}

	admin := router.Group("/api/admin")
	admin.Use(h.AuthMiddleware(), h.RequireRole(models.RoleAdmin))
	{
		admin.GET("/accounts/:id", h.GetAccount)
	}

	return router
}

// GET /healthz
func (h *Handler) Health(c *gin.Context) {
	if err := h.store.Ping(c.Request.Context()); err != nil {
		h.log.Warn("health check failed", slog.String("error", err.Error()))

		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})

		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
