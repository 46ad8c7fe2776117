package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gofrs/uuid"
	guuid "github.com/google/uuid"

	"account_service/internal/metrics"
	"account_service/internal/models"
)

const (
	RequestIDHeader = "X-Request-ID"

	sessionCookie = "token"

	ctxAccountID = "AccountID"
	ctxRole      = "Role"
)

func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = guuid.NewString()
		}
		c.Set(RequestIDHeader, requestID)
		c.Writer.Header().Set(RequestIDHeader, requestID)
		c.Next()
	}
}

func Logger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		requestID := c.GetString(RequestIDHeader)

		log.Info("request completed",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("latency", latency),
			slog.String("request_id", requestID),
			slog.String("ip", c.ClientIP()),
		)
	}
}

// Timeout bounds the request context. Store and mail calls inherit it.
func Timeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// CORS admits credentialed cross-origin requests from allowedOrigins only.
// An empty list admits none.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		_, ok := allowed[origin]
		if origin != "" && ok {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
			c.Writer.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
			c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handler) Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		h.metrics.RecordRequest(c.Request.Method, route, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// AuthMiddleware requires a valid session token, taken from the
// Authorization bearer header or else the session cookie.
func (h *Handler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		const op = "handler.AuthMiddleware"

		log := h.log.With(slog.String("op", op))

		token := sessionToken(c)
		if token == "" {
			h.metrics.RecordAuthEvent(metrics.EventSession, metrics.OutcomeRejected)

			newErrorResponse(c, http.StatusUnauthorized, msgNoSession)

			return
		}

		claims, err := h.verifier.Verify(token)
		if err != nil {
			log.Debug("session rejected", slog.String("error", err.Error()))
			h.metrics.RecordAuthEvent(metrics.EventSession, metrics.OutcomeRejected)

			newErrorResponse(c, http.StatusUnauthorized, msgBadSession)

			return
		}

		id, err := uuid.FromString(claims.UserID)
		if err != nil {
			log.Warn("session with bad account id", slog.String("error", err.Error()))
			h.metrics.RecordAuthEvent(metrics.EventSession, metrics.OutcomeRejected)

			newErrorResponse(c, http.StatusUnauthorized, msgBadSession)

			return
		}

		c.Set(ctxAccountID, id)
		c.Set(ctxRole, claims.Role)

		c.Next()
	}
}

// RequireRole admits sessions whose role is one of roles. It runs after AuthMiddleware.
func (h *Handler) RequireRole(roles ...models.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := models.Role(c.GetString(ctxRole))
		if !slices.Contains(roles, role) {
			h.log.Debug("role rejected",
				slog.String("op", "handler.RequireRole"),
				slog.String("role", string(role)),
			)
			h.metrics.RecordAuthEvent(metrics.EventSession, metrics.OutcomeRejected)

			newErrorResponse(c, http.StatusForbidden, fmt.Sprintf(msgForbiddenRole, role))

			return
		}

		c.Next()
	}
}

func sessionToken(c *gin.Context) string {
	if header := c.GetHeader("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}

	if cookie, err := c.Cookie(sessionCookie); err == nil && cookie != "none" {
		return cookie
	}

	return ""
}

func accountID(c *gin.Context) (uuid.UUID, bool) {
	v, ok := c.Get(ctxAccountID)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := v.(uuid.UUID)
	return id, ok
}
